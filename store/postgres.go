package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS netcfg_devices (
	address    TEXT PRIMARY KEY,
	family     TEXT NOT NULL DEFAULT '',
	port       INTEGER NOT NULL DEFAULT 22,
	auth_ref   TEXT NOT NULL DEFAULT '',
	data       JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore 多实例部署时使用的共享存储
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context, address string) (*DeviceRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT data, version, updated_at FROM netcfg_devices WHERE address = $1`, address)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device %s: %w", address, err)
	}
	return rec, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec *DeviceRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding device %s: %w", rec.Address, err)
	}

	var (
		version   int64
		updatedAt time.Time
		row       pgx.Row
	)
	if rec.Version == 0 {
		row = s.pool.QueryRow(ctx, `
			INSERT INTO netcfg_devices (address, family, port, auth_ref, data, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, now())
			ON CONFLICT (address) DO NOTHING
			RETURNING version, updated_at`,
			rec.Address, string(rec.Family), rec.Port, rec.AuthRef, string(data))
	} else {
		row = s.pool.QueryRow(ctx, `
			UPDATE netcfg_devices SET
				family = $2, port = $3, auth_ref = $4, data = $5,
				version = version + 1, updated_at = now()
			WHERE address = $1 AND version = $6
			RETURNING version, updated_at`,
			rec.Address, string(rec.Family), rec.Port, rec.AuthRef, string(data), rec.Version)
	}
	err = row.Scan(&version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("device %s not at version %d: %w", rec.Address, rec.Version, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("saving device %s: %w", rec.Address, err)
	}

	rec.Version = version
	rec.UpdatedAt = updatedAt.UTC()
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT data, version, updated_at FROM netcfg_devices ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgRecord(row pgx.Row) (*DeviceRecord, error) {
	var (
		data      []byte
		version   int64
		updatedAt time.Time
	)
	if err := row.Scan(&data, &version, &updatedAt); err != nil {
		return nil, err
	}
	var rec DeviceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding device: %w", err)
	}
	rec.Version = version
	rec.UpdatedAt = updatedAt.UTC()
	return &rec, nil
}

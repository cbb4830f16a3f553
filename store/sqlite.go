package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLiteStore 默认存储后端，整条记录以JSON保存，常用字段单独建列
type SQLiteStore struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// NewSQLiteStore 打开（必要时创建）数据库文件，path 为 ":memory:" 时使用内存库
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// 单写者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	_, err = s.db.Exec(string(schema))
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, address string) (*DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT data, version, updated_at FROM devices WHERE address = ?`, address)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device %s: %w", address, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec *DeviceRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := rec.clone()
	next.Version = rec.Version + 1
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding device %s: %w", rec.Address, err)
	}

	// 按读取时的版本做条件写入，影响0行即被并发修改
	var res sql.Result
	if rec.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO devices (address, family, port, auth_ref, data, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(address) DO NOTHING`,
			next.Address, string(next.Family), next.Port, next.AuthRef, string(data),
			next.Version, next.UpdatedAt.Format(time.RFC3339Nano))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE devices SET family = ?, port = ?, auth_ref = ?, data = ?, version = ?, updated_at = ?
			WHERE address = ? AND version = ?`,
			string(next.Family), next.Port, next.AuthRef, string(data),
			next.Version, next.UpdatedAt.Format(time.RFC3339Nano),
			next.Address, rec.Version)
	}
	if err != nil {
		return fmt.Errorf("saving device %s: %w", rec.Address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saving device %s: %w", rec.Address, err)
	}
	if n == 0 {
		return fmt.Errorf("device %s not at version %d: %w", rec.Address, rec.Version, ErrVersionConflict)
	}

	rec.Version = next.Version
	rec.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT data, version, updated_at FROM devices ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*DeviceRecord, error) {
	var (
		data      string
		version   int64
		updatedAt string
	)
	if err := row.Scan(&data, &version, &updatedAt); err != nil {
		return nil, err
	}
	var rec DeviceRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decoding device: %w", err)
	}
	rec.Version = version
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}

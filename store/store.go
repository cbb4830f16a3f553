// Package store 保存设备清单和最近一次已知的配置状态，不保存凭据。
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/charlesren/netcfg/task"
)

const storeModule = "store"

var (
	ErrNotFound = errors.New("device not found")
	// ErrVersionConflict Save 时记录已被其他写入者修改
	ErrVersionConflict = errors.New("device record modified concurrently")
)

// maxUpdateAttempts Update 遇到版本冲突时的最多尝试次数
const maxUpdateAttempts = 10

// maxApplied 每台设备保留的已应用意图条数
const maxApplied = 100

// InterfaceState 已下发的接口地址
type InterfaceState struct {
	IP   string `json:"ip" yaml:"ip"`
	Mask string `json:"mask" yaml:"mask"`
}

// AppliedIntent 成功应用过的一次意图
type AppliedIntent struct {
	ResultID  string          `json:"result_id"`
	Kind      task.IntentKind `json:"kind"`
	Ref       string          `json:"ref"`
	Commands  []string        `json:"commands"`
	AppliedAt time.Time       `json:"applied_at"`
}

// ResultSummary 最近一次执行结果摘要
type ResultSummary struct {
	ResultID   string               `json:"result_id"`
	IntentRef  string               `json:"intent_ref"`
	Outcome    task.Outcome         `json:"outcome"`
	ErrorCode  connection.ErrorCode `json:"error_code,omitempty"`
	FinishedAt time.Time            `json:"finished_at"`
}

// DeviceRecord 设备记录
type DeviceRecord struct {
	Address           string                    `json:"address"`
	Family            connection.Family         `json:"family"`
	Port              int                       `json:"port"`
	AuthRef           string                    `json:"auth_ref,omitempty"`
	Interfaces        map[string]InterfaceState `json:"interfaces,omitempty"`
	Applied           []AppliedIntent           `json:"applied,omitempty"`
	LastResult        *ResultSummary            `json:"last_result,omitempty"`
	NeedsVerification bool                      `json:"needs_verification"`
	// Version 每次 Save 加一，由存储后端维护
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Endpoint 记录对应的设备端点
func (r DeviceRecord) Endpoint() connection.DeviceEndpoint {
	return connection.DeviceEndpoint{
		Address: r.Address,
		Port:    r.Port,
		Family:  r.Family,
		AuthRef: r.AuthRef,
	}.WithDefaults()
}

func (r DeviceRecord) clone() DeviceRecord {
	out := r
	if r.Interfaces != nil {
		out.Interfaces = make(map[string]InterfaceState, len(r.Interfaces))
		for k, v := range r.Interfaces {
			out.Interfaces[k] = v
		}
	}
	if r.Applied != nil {
		out.Applied = make([]AppliedIntent, len(r.Applied))
		copy(out.Applied, r.Applied)
	}
	if r.LastResult != nil {
		lr := *r.LastResult
		out.LastResult = &lr
	}
	return out
}

func validateRecord(rec *DeviceRecord) error {
	if rec == nil {
		return errors.New("nil device record")
	}
	if strings.TrimSpace(rec.Address) == "" {
		return errors.New("device record address is required")
	}
	return nil
}

// ConfigStore 设备记录存储
type ConfigStore interface {
	// Load 按地址读取，不存在返回 ErrNotFound
	Load(ctx context.Context, address string) (*DeviceRecord, error)
	// Save 写入记录。rec.Version 必须等于存储中的当前版本（新记录为0），
	// 否则返回 ErrVersionConflict；成功后回写 Version 和 UpdatedAt
	Save(ctx context.Context, rec *DeviceRecord) error
	// List 按地址排序返回全部记录
	List(ctx context.Context) ([]DeviceRecord, error)
	Close() error
}

// Config 存储配置
type Config struct {
	// Backend memory | sqlite | redis | postgres
	Backend       string `json:"backend" yaml:"backend" mapstructure:"backend"`
	Path          string `json:"path" yaml:"path" mapstructure:"path"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `json:"-" yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db" mapstructure:"redis_db"`
	KeyPrefix     string `json:"key_prefix" yaml:"key_prefix" mapstructure:"key_prefix"`
	PostgresDSN   string `json:"-" yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
	MaxConns      int32  `json:"max_conns" yaml:"max_conns" mapstructure:"max_conns"`
}

func DefaultConfig() Config {
	return Config{
		Backend:   "sqlite",
		Path:      "netcfg.db",
		RedisAddr: "127.0.0.1:6379",
		KeyPrefix: "netcfg",
		MaxConns:  10,
	}
}

// Open 按配置打开存储后端
func Open(ctx context.Context, cfg Config) (ConfigStore, error) {
	xlog.Infof(storeModule, "opening %s store", cfg.Backend)
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresDSN, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Update 读取、修改并写回一条记录。记录不存在时 fn 收到只有地址的新记录，created 为 true。
// 写回遇到版本冲突时重新读取并再次调用 fn，fn 不应有其他副作用。
func Update(ctx context.Context, s ConfigStore, address string, fn func(rec *DeviceRecord, created bool) error) (*DeviceRecord, bool, error) {
	for attempt := 1; ; attempt++ {
		rec, err := s.Load(ctx, address)
		created := false
		switch {
		case errors.Is(err, ErrNotFound):
			rec, created = &DeviceRecord{Address: address}, true
		case err != nil:
			return nil, false, fmt.Errorf("loading %s: %w", address, err)
		}

		if err := fn(rec, created); err != nil {
			return nil, false, err
		}
		err = s.Save(ctx, rec)
		if err == nil {
			return rec, created, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxUpdateAttempts {
			return nil, false, fmt.Errorf("saving %s: %w", address, err)
		}
		xlog.Debugf(storeModule, "version conflict on %s, reloading (attempt %d)", address, attempt)
	}
}

// RecordResult 把执行结果合并进设备记录。成功时追加意图历史（接口意图同时更新接口表），
// 失败时只更新最近结果；需要核实的标记在下一次成功前保持。
func RecordResult(ctx context.Context, s ConfigStore, intent task.ConfigIntent, res task.ExecutionResult) error {
	endpoint := res.Endpoint.WithDefaults()
	rec, _, err := Update(ctx, s, endpoint.Address, func(rec *DeviceRecord, _ bool) error {
		rec.Family = endpoint.Family
		rec.Port = endpoint.Port
		if endpoint.AuthRef != "" {
			rec.AuthRef = endpoint.AuthRef
		}
		rec.LastResult = &ResultSummary{
			ResultID:   res.ID,
			IntentRef:  res.IntentRef,
			Outcome:    res.Outcome,
			ErrorCode:  res.ErrorCode,
			FinishedAt: res.FinishedAt,
		}

		if res.Succeeded() {
			rec.NeedsVerification = false
			rec.Applied = append(rec.Applied, AppliedIntent{
				ResultID:  res.ID,
				Kind:      res.IntentKind,
				Ref:       res.IntentRef,
				Commands:  res.CommandsSent,
				AppliedAt: res.FinishedAt,
			})
			if n := len(rec.Applied); n > maxApplied {
				rec.Applied = rec.Applied[n-maxApplied:]
			}
			if iface, ok := asInterface(intent); ok {
				if rec.Interfaces == nil {
					rec.Interfaces = make(map[string]InterfaceState)
				}
				rec.Interfaces[iface.Name] = InterfaceState{IP: iface.IP, Mask: iface.Mask}
			}
		} else if res.NeedsVerification {
			rec.NeedsVerification = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	xlog.Debugf(storeModule, "recorded result %s for %s (version %d)", res.ID, rec.Address, rec.Version)
	return nil
}

func asInterface(intent task.ConfigIntent) (task.InterfaceConfig, bool) {
	switch v := intent.(type) {
	case task.InterfaceConfig:
		return v, true
	case *task.InterfaceConfig:
		if v != nil {
			return *v, true
		}
	}
	return task.InterfaceConfig{}, false
}

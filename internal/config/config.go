// Package config 读取 netcfg 的配置文件和环境变量。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/charlesren/netcfg/store"
	"github.com/charlesren/netcfg/task"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，如 NETCFG_POOL_IDLE_TIMEOUT
const EnvPrefix = "NETCFG"

// Config 全部配置
type Config struct {
	Log    LogConfig             `mapstructure:"log"`
	Pool   connection.PoolConfig `mapstructure:"pool"`
	Policy task.Policy           `mapstructure:"policy"`
	Store  store.Config          `mapstructure:"store"`
	API    APIConfig             `mapstructure:"api"`
	Audit  AuditConfig           `mapstructure:"audit"`

	// Inventory serve 模式下定期同步的设备清单
	Inventory InventoryConfig `mapstructure:"inventory"`

	// Workers ApplyAll 并发数
	Workers        int           `mapstructure:"workers"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	JSON       bool   `mapstructure:"json"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen"`
	// Token 非空时 /api/v1 需要 Bearer 认证
	Token string `mapstructure:"token"`
}

// AuditConfig 审计日志（每个结果一行JSON）
type AuditConfig struct {
	File          string        `mapstructure:"file"`
	MaxSize       int           `mapstructure:"max_size"`
	MaxBackups    int           `mapstructure:"max_backups"`
	MaxAge        int           `mapstructure:"max_age"`
	Workers       int           `mapstructure:"workers"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type InventoryConfig struct {
	File         string        `mapstructure:"file"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_age", 3)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.json", false)

	pool := connection.DefaultPoolConfig()
	v.SetDefault("pool.connect_timeout", pool.ConnectTimeout)
	v.SetDefault("pool.auth_timeout", pool.AuthTimeout)
	v.SetDefault("pool.health_check_timeout", pool.HealthCheckTimeout)
	v.SetDefault("pool.idle_timeout", pool.IdleTimeout)
	v.SetDefault("pool.max_session_age", pool.MaxSessionAge)
	v.SetDefault("pool.max_usage_count", pool.MaxUsageCount)
	v.SetDefault("pool.max_cached_sessions", pool.MaxCachedSessions)
	v.SetDefault("pool.cleanup_interval", pool.CleanupInterval)
	v.SetDefault("pool.health_check_on_reuse", pool.HealthCheckOnReuse)
	v.SetDefault("pool.ssh.known_hosts_file", pool.SSHConfig.KnownHostsFile)
	v.SetDefault("pool.ssh.terminal_type", pool.SSHConfig.TerminalType)
	v.SetDefault("pool.ssh.window_width", pool.SSHConfig.WindowWidth)
	v.SetDefault("pool.ssh.window_height", pool.SSHConfig.WindowHeight)
	v.SetDefault("pool.ssh.open_timeout", pool.SSHConfig.OpenTimeout)
	v.SetDefault("pool.scrapli.strict_host_checking", pool.ScrapliConfig.StrictHostChecking)
	v.SetDefault("pool.scrapli.known_hosts_file", pool.ScrapliConfig.KnownHostsFile)
	v.SetDefault("pool.scrapli.timeout_ops", pool.ScrapliConfig.TimeoutOps)

	policy := task.DefaultPolicy()
	v.SetDefault("policy.total_timeout", policy.TotalTimeout)
	v.SetDefault("policy.per_command_timeout", policy.PerCommandTimeout)
	v.SetDefault("policy.stop_on_error", policy.StopOnError)
	v.SetDefault("policy.max_retries", policy.MaxRetries)
	v.SetDefault("policy.base_delay", policy.BaseDelay)
	v.SetDefault("policy.max_delay", policy.MaxDelay)
	v.SetDefault("policy.backoff_rate", policy.BackoffRate)

	st := store.DefaultConfig()
	v.SetDefault("store.backend", st.Backend)
	v.SetDefault("store.path", st.Path)
	v.SetDefault("store.redis_addr", st.RedisAddr)
	v.SetDefault("store.redis_password", st.RedisPassword)
	v.SetDefault("store.redis_db", st.RedisDB)
	v.SetDefault("store.key_prefix", st.KeyPrefix)
	v.SetDefault("store.postgres_dsn", st.PostgresDSN)
	v.SetDefault("store.max_conns", st.MaxConns)

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.token", "")

	v.SetDefault("audit.file", "")
	v.SetDefault("audit.max_size", 100)
	v.SetDefault("audit.max_backups", 10)
	v.SetDefault("audit.max_age", 30)
	v.SetDefault("audit.workers", 2)
	v.SetDefault("audit.buffer_size", 100)
	v.SetDefault("audit.flush_interval", 5*time.Second)

	v.SetDefault("inventory.file", "")
	v.SetDefault("inventory.sync_interval", 5*time.Minute)

	v.SetDefault("workers", 8)
	v.SetDefault("acquire_timeout", 30*time.Second)
}

// Load 读取配置。path 为空时依次查找 ./netcfg.yaml 和 /etc/netcfg/netcfg.yaml，
// 找不到文件时只使用默认值和环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("netcfg")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/netcfg/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		xlog.Debugf("config", "loaded config from %s", used)
	}
	return &cfg, nil
}

// Validate 检查各部分配置
func (c *Config) Validate() error {
	// 构建器会把非正超时替换为默认值，这里先拒绝
	if c.Pool.ConnectTimeout <= 0 {
		return fmt.Errorf("pool: connect_timeout must be positive")
	}
	if c.Pool.AuthTimeout <= 0 {
		return fmt.Errorf("pool: auth_timeout must be positive")
	}
	if _, err := connection.NewConfigBuilder().
		WithTimeouts(c.Pool.ConnectTimeout, c.Pool.AuthTimeout, c.Pool.HealthCheckTimeout).
		WithSessionLifecycle(c.Pool.IdleTimeout, c.Pool.MaxSessionAge, c.Pool.MaxUsageCount).
		WithCache(c.Pool.MaxCachedSessions, c.Pool.CleanupInterval).
		Build(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if c.Policy.MaxRetries < 0 {
		return fmt.Errorf("policy: max_retries must not be negative")
	}
	if c.Policy.TotalTimeout <= 0 {
		return fmt.Errorf("policy: total_timeout must be positive")
	}
	switch c.Store.Backend {
	case "memory", "sqlite", "redis", "postgres":
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}
	if c.Inventory.File != "" && c.Inventory.SyncInterval <= 0 {
		return fmt.Errorf("inventory: sync_interval must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}

// PoolConfig 经构建器补全后的连接池配置
func (c *Config) PoolConfig() (connection.PoolConfig, error) {
	cfg, err := connection.NewConfigBuilder().
		WithTimeouts(c.Pool.ConnectTimeout, c.Pool.AuthTimeout, c.Pool.HealthCheckTimeout).
		WithSessionLifecycle(c.Pool.IdleTimeout, c.Pool.MaxSessionAge, c.Pool.MaxUsageCount).
		WithCache(c.Pool.MaxCachedSessions, c.Pool.CleanupInterval).
		WithHealthCheckOnReuse(c.Pool.HealthCheckOnReuse).
		WithSSHConfig(c.Pool.SSHConfig).
		WithScrapliConfig(c.Pool.ScrapliConfig).
		Build()
	if err != nil {
		return connection.PoolConfig{}, err
	}
	return *cfg, nil
}

// LogOptions 转换为 xlog 配置项
func (c *Config) LogOptions() []xlog.Option {
	opts := []xlog.Option{
		xlog.WithLevel(xlog.ParseLevel(c.Log.Level)),
		xlog.WithMaxSize(c.Log.MaxSize),
		xlog.WithMaxAge(c.Log.MaxAge),
		xlog.WithMaxBackups(c.Log.MaxBackups),
		xlog.WithJSON(c.Log.JSON),
	}
	if c.Log.File != "" {
		opts = append(opts, xlog.WithLogFile(c.Log.File))
	}
	return opts
}

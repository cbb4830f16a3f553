package connection

import (
	"fmt"
	"time"
)

// PoolConfig 会话池配置
type PoolConfig struct {
	// 超时配置
	ConnectTimeout     time.Duration `json:"connect_timeout" yaml:"connect_timeout" mapstructure:"connect_timeout"`
	AuthTimeout        time.Duration `json:"auth_timeout" yaml:"auth_timeout" mapstructure:"auth_timeout"`
	HealthCheckTimeout time.Duration `json:"health_check_timeout" yaml:"health_check_timeout" mapstructure:"health_check_timeout"`

	// 会话缓存
	IdleTimeout   time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxSessionAge time.Duration `json:"max_session_age" yaml:"max_session_age" mapstructure:"max_session_age"`
	MaxUsageCount int64         `json:"max_usage_count" yaml:"max_usage_count" mapstructure:"max_usage_count"`
	// MaxCachedSessions 全局缓存的空闲会话上限，超出时按LRU淘汰
	MaxCachedSessions int           `json:"max_cached_sessions" yaml:"max_cached_sessions" mapstructure:"max_cached_sessions"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	// HealthCheckOnReuse 复用缓存会话前是否做健康检查
	HealthCheckOnReuse bool `json:"health_check_on_reuse" yaml:"health_check_on_reuse" mapstructure:"health_check_on_reuse"`

	SSHConfig     *SSHConfig     `json:"ssh_config,omitempty" yaml:"ssh_config,omitempty" mapstructure:"ssh"`
	ScrapliConfig *ScrapliConfig `json:"scrapli_config,omitempty" yaml:"scrapli_config,omitempty" mapstructure:"scrapli"`
}

// SSH特定配置
type SSHConfig struct {
	KnownHostsFile string `json:"known_hosts_file" yaml:"known_hosts_file" mapstructure:"known_hosts_file"`
	TerminalType   string `json:"terminal_type" yaml:"terminal_type" mapstructure:"terminal_type"`
	WindowWidth    int    `json:"window_width" yaml:"window_width" mapstructure:"window_width"`
	WindowHeight   int    `json:"window_height" yaml:"window_height" mapstructure:"window_height"`
	// OpenTimeout 等待登录横幅/首个提示符的时间
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout" mapstructure:"open_timeout"`
}

// Scrapli特定配置
type ScrapliConfig struct {
	StrictHostChecking bool          `json:"strict_host_checking" yaml:"strict_host_checking" mapstructure:"strict_host_checking"`
	KnownHostsFile     string        `json:"known_hosts_file" yaml:"known_hosts_file" mapstructure:"known_hosts_file"`
	TimeoutOps         time.Duration `json:"timeout_ops" yaml:"timeout_ops" mapstructure:"timeout_ops"`
}

// 配置构建器
type ConfigBuilder struct {
	config *PoolConfig
}

// DefaultPoolConfig 返回带默认值的配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ConnectTimeout:     10 * time.Second,
		AuthTimeout:        15 * time.Second,
		HealthCheckTimeout: 5 * time.Second,
		IdleTimeout:        2 * time.Minute,
		MaxSessionAge:      30 * time.Minute,
		MaxUsageCount:      200,
		MaxCachedSessions:  64,
		CleanupInterval:    30 * time.Second,
		HealthCheckOnReuse: true,
		SSHConfig: &SSHConfig{
			TerminalType: "vt100",
			WindowWidth:  511,
			WindowHeight: 24,
			OpenTimeout:  15 * time.Second,
		},
		ScrapliConfig: &ScrapliConfig{
			TimeoutOps: 30 * time.Second,
		},
	}
}

// NewConfigBuilder 创建配置构建器
func NewConfigBuilder() *ConfigBuilder {
	cfg := DefaultPoolConfig()
	return &ConfigBuilder{config: &cfg}
}

// WithTimeouts 设置超时配置，非正值保持默认
func (b *ConfigBuilder) WithTimeouts(connect, auth, healthCheck time.Duration) *ConfigBuilder {
	if connect > 0 {
		b.config.ConnectTimeout = connect
	}
	if auth > 0 {
		b.config.AuthTimeout = auth
	}
	if healthCheck > 0 {
		b.config.HealthCheckTimeout = healthCheck
	}
	return b
}

// WithSessionLifecycle 设置会话空闲超时、最大存活时间和最大使用次数
func (b *ConfigBuilder) WithSessionLifecycle(idle, maxAge time.Duration, maxUsage int64) *ConfigBuilder {
	b.config.IdleTimeout = idle
	b.config.MaxSessionAge = maxAge
	b.config.MaxUsageCount = maxUsage
	return b
}

// WithCache 设置全局缓存上限和清理间隔
func (b *ConfigBuilder) WithCache(maxCached int, cleanupInterval time.Duration) *ConfigBuilder {
	b.config.MaxCachedSessions = maxCached
	if cleanupInterval > 0 {
		b.config.CleanupInterval = cleanupInterval
	}
	return b
}

// WithHealthCheckOnReuse 是否在复用前做健康检查
func (b *ConfigBuilder) WithHealthCheckOnReuse(enabled bool) *ConfigBuilder {
	b.config.HealthCheckOnReuse = enabled
	return b
}

// WithSSHConfig 设置SSH配置
func (b *ConfigBuilder) WithSSHConfig(config *SSHConfig) *ConfigBuilder {
	b.config.SSHConfig = config
	return b
}

// WithScrapliConfig 设置Scrapli配置
func (b *ConfigBuilder) WithScrapliConfig(config *ScrapliConfig) *ConfigBuilder {
	b.config.ScrapliConfig = config
	return b
}

// Build 构建配置
func (b *ConfigBuilder) Build() (*PoolConfig, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	cfg := *b.config
	return &cfg, nil
}

// Validate 验证配置
func (c *PoolConfig) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.IdleTimeout < 0 || c.MaxSessionAge < 0 {
		return fmt.Errorf("session lifecycle durations must not be negative")
	}
	if c.MaxCachedSessions < 0 {
		return fmt.Errorf("max cached sessions must not be negative")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	return nil
}

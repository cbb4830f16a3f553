package connection

import (
	"container/list"
	"time"
)

// Session 已认证并完成提权的会话，任一时刻最多被一个租约持有
type Session struct {
	id        string
	endpoint  DeviceEndpoint
	transport Transport
	channel   Channel
	credKey   string

	createdAt  time.Time
	lastUsed   time.Time
	usageCount int64
	state      SessionState

	// lruElem 缓存时在全局空闲链表中的位置
	lruElem *list.Element
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Endpoint() DeviceEndpoint { return s.endpoint }
func (s *Session) CreatedAt() time.Time     { return s.createdAt }
func (s *Session) UsageCount() int64        { return s.usageCount }
func (s *Session) State() SessionState      { return s.state }

// transition 按状态机切换，非法转换保持原状态
func (s *Session) transition(to SessionState) bool {
	if !CanTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

// expiredReason 返回会话应被淘汰的原因，空字符串表示仍可用
func (s *Session) expiredReason(cfg *PoolConfig, now time.Time) string {
	if cfg.IdleTimeout > 0 && now.Sub(s.lastUsed) > cfg.IdleTimeout {
		return "idle"
	}
	if cfg.MaxSessionAge > 0 && now.Sub(s.createdAt) > cfg.MaxSessionAge {
		return "age"
	}
	if cfg.MaxUsageCount > 0 && s.usageCount >= cfg.MaxUsageCount {
		return "usage"
	}
	return ""
}

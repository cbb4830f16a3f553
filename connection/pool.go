package connection

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/google/uuid"
)

const poolModule = "pool"

// Pool 按设备维护会话：同一设备同一时刻只发放一个租约，等待者按到达顺序排队
type Pool struct {
	cfg       PoolConfig
	registry  *Registry
	collector MetricsCollector
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*poolEntry
	// idle 全局空闲会话LRU链表，表头为最近使用
	idle   *list.List
	closed bool

	stats poolCounters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// poolEntry 单个设备的排队状态
type poolEntry struct {
	key     string
	held    bool
	waiters *list.List
	session *Session
}

type waiter struct {
	ready   chan struct{}
	granted bool
	err     error
	elem    *list.Element
}

type poolCounters struct {
	created         int64
	reused          int64
	destroyed       int64
	failures        int64
	acquireTimeouts int64
}

// PoolStats 连接池统计
type PoolStats struct {
	Entries         int   `json:"entries"`
	Held            int   `json:"held"`
	Waiters         int   `json:"waiters"`
	Cached          int   `json:"cached"`
	Created         int64 `json:"created"`
	Reused          int64 `json:"reused"`
	Destroyed       int64 `json:"destroyed"`
	Failures        int64 `json:"failures"`
	AcquireTimeouts int64 `json:"acquire_timeouts"`
}

// PoolOption 连接池可选项
type PoolOption func(*Pool)

// WithMetricsCollector 指定指标收集器
func WithMetricsCollector(c MetricsCollector) PoolOption {
	return func(p *Pool) { p.collector = c }
}

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool 创建连接池并启动后台清理任务
func NewPool(cfg PoolConfig, registry *Registry, opts ...PoolOption) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		registry:  registry,
		collector: NewDefaultMetricsCollector(),
		now:       time.Now,
		entries:   make(map[string]*poolEntry),
		idle:      list.New(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.CleanupInterval <= 0 {
		p.cfg.CleanupInterval = DefaultPoolConfig().CleanupInterval
	}
	if p.cfg.MaxCachedSessions < 0 {
		xlog.Warnf(poolModule, "max cached sessions %d is negative, caching disabled", p.cfg.MaxCachedSessions)
		p.cfg.MaxCachedSessions = 0
	}

	p.wg.Add(1)
	go p.cleanupTask()

	xlog.Infof(poolModule, "session pool started (idle timeout %v, max age %v, max cached %d)",
		p.cfg.IdleTimeout, p.cfg.MaxSessionAge, p.cfg.MaxCachedSessions)
	return p
}

// Acquire 获取设备的独占租约。timeout>0时与ctx的截止时间取较早者；
// 等待超时返回 ACQUIRE_TIMEOUT，除移除自身外不影响队列。
func (p *Pool) Acquire(ctx context.Context, endpoint DeviceEndpoint, creds Credentials, timeout time.Duration) (*Lease, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}
	endpoint = endpoint.WithDefaults()

	transport, err := p.registry.Get(endpoint.Family)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := p.now()
	e, err := p.waitTurn(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	waited := p.now().Sub(start)
	p.collector.RecordAcquireWait(endpoint.Family, waited)

	s, reused, err := p.sessionFor(ctx, e, endpoint, transport, creds)
	if err != nil {
		p.mu.Lock()
		p.stats.failures++
		p.handOffLocked(e)
		p.mu.Unlock()
		p.collector.IncrementSessionFailures(endpoint.Family, CodeOf(err))
		xlog.Warnf(poolModule, "acquire %s failed: %v", endpoint.Key(), err)
		return nil, err
	}

	s.transition(StateAcquired)
	s.usageCount++
	s.lastUsed = p.now()

	lease := &Lease{
		ID:         uuid.NewString(),
		Reused:     reused,
		AcquiredAt: p.now(),
		Waited:     waited,
		session:    s,
		pool:       p,
	}
	xlog.Debugf(poolModule, "lease %s granted on %s (session %s, reused=%t, waited %v)",
		lease.ID, endpoint.Key(), s.id, reused, waited)
	return lease, nil
}

// waitTurn 排队直到获得该设备的使用权
func (p *Pool) waitTurn(ctx context.Context, endpoint DeviceEndpoint) (*poolEntry, error) {
	key := endpoint.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, NewError(CodePoolClosed, "session pool is closed")
	}
	e, ok := p.entries[key]
	if !ok {
		e = &poolEntry{key: key, waiters: list.New()}
		p.entries[key] = e
	}
	if !e.held && e.waiters.Len() == 0 {
		e.held = true
		p.mu.Unlock()
		return e, nil
	}
	w := &waiter{ready: make(chan struct{})}
	w.elem = e.waiters.PushBack(w)
	queued := e.waiters.Len()
	p.mu.Unlock()

	xlog.Debugf(poolModule, "waiting for %s (queue position %d)", key, queued)

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return e, nil
	case <-ctx.Done():
		p.mu.Lock()
		switch {
		case w.granted:
			// 超时与被唤醒同时发生，把使用权交给下一个等待者
			p.handOffLocked(e)
		case w.err == nil:
			e.waiters.Remove(w.elem)
		}
		closedErr := w.err
		if closedErr == nil {
			p.stats.acquireTimeouts++
		}
		p.mu.Unlock()

		if closedErr != nil {
			return nil, closedErr
		}
		p.collector.IncrementAcquireTimeouts(endpoint.Family)
		return nil, NewErrorWithCause(CodeAcquireTimeout, "timed out waiting for lease on "+key, ctx.Err())
	}
}

// handOffLocked 把使用权交给队首等待者，无人等待则释放；调用方需持有p.mu
func (p *Pool) handOffLocked(e *poolEntry) {
	if front := e.waiters.Front(); front != nil {
		w := e.waiters.Remove(front).(*waiter)
		w.granted = true
		close(w.ready)
		return
	}
	e.held = false
	p.gcEntryLocked(e)
}

func (p *Pool) gcEntryLocked(e *poolEntry) {
	if !e.held && e.session == nil && e.waiters.Len() == 0 {
		delete(p.entries, e.key)
	}
}

// sessionFor 取出缓存会话并校验，不可用时重新建立
func (p *Pool) sessionFor(ctx context.Context, e *poolEntry, endpoint DeviceEndpoint, transport Transport, creds Credentials) (*Session, bool, error) {
	credKey := creds.Fingerprint()

	p.mu.Lock()
	s := e.session
	if s != nil {
		e.session = nil
		p.idle.Remove(s.lruElem)
		s.lruElem = nil
		p.collector.SetCachedSessions(p.idle.Len())
	}
	p.mu.Unlock()

	if s != nil {
		if reason := p.rejectReason(ctx, s, credKey); reason != "" {
			xlog.Infof(poolModule, "discarding cached session %s on %s: %s", s.id, endpoint.Key(), reason)
			p.destroy(s, reason)
		} else {
			p.mu.Lock()
			p.stats.reused++
			p.mu.Unlock()
			p.collector.IncrementSessionsReused(endpoint.Family)
			return s, true, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, false, NewErrorWithCause(CodeAcquireTimeout, "deadline reached before connecting", err)
	}

	s, err := p.dial(ctx, endpoint, transport, creds)
	if err != nil {
		return nil, false, err
	}
	s.credKey = credKey
	return s, false, nil
}

func (p *Pool) rejectReason(ctx context.Context, s *Session, credKey string) string {
	if s.credKey != credKey {
		return "credentials changed"
	}
	if reason := s.expiredReason(&p.cfg, p.now()); reason != "" {
		return reason
	}
	if !s.channel.Alive() {
		return "channel closed"
	}
	if !p.cfg.HealthCheckOnReuse {
		return ""
	}
	hc, ok := s.transport.(HealthChecker)
	if !ok {
		return ""
	}
	s.transition(StateChecking)
	checkCtx, cancel := withOptionalTimeout(ctx, p.cfg.HealthCheckTimeout)
	defer cancel()
	if err := hc.HealthCheck(checkCtx, s.channel); err != nil {
		return "health check failed"
	}
	return ""
}

// dial 建立、认证并提权；任一步失败都会断开已建立的通道
func (p *Pool) dial(ctx context.Context, endpoint DeviceEndpoint, transport Transport, creds Credentials) (*Session, error) {
	ch, err := transport.Connect(ctx, endpoint)
	if err != nil {
		return nil, ensureCode(err, CodeConnectFailure, "connect")
	}

	if err := transport.Authenticate(ctx, ch, creds); err != nil {
		p.disconnect(transport, ch)
		return nil, ensureCode(err, CodeAuthFailure, "authenticate")
	}

	if err := transport.Elevate(ctx, ch, creds.EnableSecret); err != nil {
		p.disconnect(transport, ch)
		return nil, ensureCode(err, CodeElevateFailure, "elevate")
	}

	now := p.now()
	s := &Session{
		id:        uuid.NewString(),
		endpoint:  endpoint,
		transport: transport,
		channel:   ch,
		createdAt: now,
		lastUsed:  now,
		state:     StateAcquired,
	}
	p.mu.Lock()
	p.stats.created++
	p.mu.Unlock()
	p.collector.IncrementSessionsCreated(endpoint.Family)
	xlog.Infof(poolModule, "session %s established to %s", s.id, endpoint.Key())
	return s, nil
}

// ensureCode 非 *Error 的错误按所处阶段补上错误码
func ensureCode(err error, code ErrorCode, stage string) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewErrorWithCause(code, stage, err)
}

// Release 归还租约。会话故障、通道失效或已过期时销毁，否则放回缓存
func (p *Pool) Release(lease *Lease, outcome SessionOutcome) {
	if lease == nil || !lease.released.CompareAndSwap(false, true) {
		return
	}
	s := lease.session
	now := p.now()

	var toDestroy []*Session
	var reasons []string

	p.mu.Lock()
	e, ok := p.entries[s.endpoint.Key()]
	if !ok {
		// 不应发生：持有租约期间条目不会被回收
		p.mu.Unlock()
		p.destroy(s, "orphaned")
		return
	}

	reason := ""
	switch {
	case p.closed:
		reason = "pool closed"
	case outcome == SessionFaulted:
		reason = "faulted"
	case !s.channel.Alive():
		reason = "channel closed"
	case p.cfg.MaxCachedSessions == 0:
		reason = "caching disabled"
	default:
		reason = s.expiredReason(&p.cfg, now)
	}

	if reason != "" {
		toDestroy = append(toDestroy, s)
		reasons = append(reasons, reason)
	} else {
		s.transition(StateIdle)
		s.lastUsed = now
		e.session = s
		s.lruElem = p.idle.PushFront(s)

		for p.idle.Len() > p.cfg.MaxCachedSessions {
			victim := p.idle.Remove(p.idle.Back()).(*Session)
			victim.lruElem = nil
			if ve, ok := p.entries[victim.endpoint.Key()]; ok && ve.session == victim {
				ve.session = nil
				if ve != e {
					p.gcEntryLocked(ve)
				}
			}
			toDestroy = append(toDestroy, victim)
			reasons = append(reasons, "lru")
		}
	}
	p.handOffLocked(e)
	cached := p.idle.Len()
	p.mu.Unlock()

	p.collector.SetCachedSessions(cached)
	xlog.Debugf(poolModule, "lease %s released on %s (%s)", lease.ID, s.endpoint.Key(), outcome)
	for i, victim := range toDestroy {
		p.destroy(victim, reasons[i])
	}
}

// destroy 断开会话，错误只记录日志
func (p *Pool) destroy(s *Session, reason string) {
	if IsTerminalState(s.state) {
		return
	}
	s.state = StateClosing
	p.disconnect(s.transport, s.channel)
	s.state = StateClosed

	p.mu.Lock()
	p.stats.destroyed++
	p.mu.Unlock()
	p.collector.IncrementSessionsDestroyed(s.endpoint.Family, reason)
	xlog.Debugf(poolModule, "session %s on %s destroyed: %s", s.id, s.endpoint.Key(), reason)
}

func (p *Pool) disconnect(t Transport, ch Channel) {
	if err := t.Disconnect(ch); err != nil {
		xlog.Warnf(poolModule, "disconnect %s: %v", ch.Endpoint().Key(), err)
	}
}

// cleanupTask 定期淘汰过期的空闲会话
func (p *Pool) cleanupTask() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.cleanupIdle()
		}
	}
}

// cleanupIdle 清理过期空闲会话，返回清理数量
func (p *Pool) cleanupIdle() int {
	now := p.now()
	var expired []*Session
	var reasons []string

	p.mu.Lock()
	for el := p.idle.Back(); el != nil; {
		prev := el.Prev()
		s := el.Value.(*Session)
		if reason := s.expiredReason(&p.cfg, now); reason != "" {
			p.idle.Remove(el)
			s.lruElem = nil
			if e, ok := p.entries[s.endpoint.Key()]; ok && e.session == s {
				e.session = nil
				p.gcEntryLocked(e)
			}
			expired = append(expired, s)
			reasons = append(reasons, reason)
		}
		el = prev
	}
	cached := p.idle.Len()
	p.mu.Unlock()

	p.collector.SetCachedSessions(cached)
	for i, s := range expired {
		p.destroy(s, reasons[i])
	}
	if len(expired) > 0 {
		xlog.Infof(poolModule, "cleaned up %d expired sessions, %d still cached", len(expired), cached)
	}
	return len(expired)
}

// Stats 返回连接池统计
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStats{
		Entries:         len(p.entries),
		Cached:          p.idle.Len(),
		Created:         p.stats.created,
		Reused:          p.stats.reused,
		Destroyed:       p.stats.destroyed,
		Failures:        p.stats.failures,
		AcquireTimeouts: p.stats.acquireTimeouts,
	}
	for _, e := range p.entries {
		if e.held {
			st.Held++
		}
		st.Waiters += e.waiters.Len()
	}
	return st
}

// Close 关闭连接池：等待者收到 POOL_CLOSED，缓存会话全部断开；
// 仍被持有的租约在归还时销毁。
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var sessions []*Session
	for _, e := range p.entries {
		for el := e.waiters.Front(); el != nil; {
			next := el.Next()
			w := e.waiters.Remove(el).(*waiter)
			w.err = NewError(CodePoolClosed, "session pool closed while waiting")
			close(w.ready)
			el = next
		}
		if e.session != nil {
			sessions = append(sessions, e.session)
			e.session = nil
		}
	}
	p.idle.Init()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	for _, s := range sessions {
		s.lruElem = nil
		p.destroy(s, "pool closed")
	}
	p.collector.SetCachedSessions(0)
	xlog.Infof(poolModule, "session pool closed, %d cached sessions disconnected", len(sessions))
	return nil
}

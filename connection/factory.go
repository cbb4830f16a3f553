package connection

import (
	"sort"
	"sync"
)

// Registry 设备类型到驱动的映射
type Registry struct {
	mu         sync.RWMutex
	transports map[Family]Transport
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{transports: make(map[Family]Transport)}
}

// NewDefaultRegistry 按协议为全部已知设备类型注册驱动
func NewDefaultRegistry(cfg PoolConfig) *Registry {
	r := NewRegistry()
	sshTransport := NewSSHTransport(cfg)
	scrapliTransport := NewScrapliTransport(cfg)
	for f, proto := range familyProtocols {
		switch proto {
		case ProtocolSSH:
			r.Register(f, sshTransport)
		case ProtocolScrapli:
			r.Register(f, scrapliTransport)
		}
	}
	return r
}

// Register 注册或覆盖驱动
func (r *Registry) Register(f Family, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[f] = t
}

// Get 查找设备类型对应的驱动
func (r *Registry) Get(f Family) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[f]
	if !ok {
		return nil, NewError(CodeUnsupportedFamily, "no transport registered for family").
			AddDetail("family", string(f))
	}
	return t, nil
}

// Families 已注册的设备类型
func (r *Registry) Families() []Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Family, 0, len(r.transports))
	for f := range r.transports {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

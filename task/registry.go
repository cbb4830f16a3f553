package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/xlog"
)

const registryModule = "registry"

// BuilderFunc 把某一类意图翻译为命令序列，纯函数
type BuilderFunc func(intent ConfigIntent) (CommandBatch, error)

// Registry 意图类型到命令生成函数的映射
type Registry struct {
	mu       sync.RWMutex
	builders map[IntentKind]BuilderFunc
}

// DefaultRegistry 注册了全部内置意图类型
var DefaultRegistry = NewDefaultRegistry()

func NewRegistry() *Registry {
	return &Registry{builders: make(map[IntentKind]BuilderFunc)}
}

// NewDefaultRegistry 创建包含接口、OSPF、IPSec、ACL 生成函数的注册表
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(KindInterface, buildInterface)
	_ = r.Register(KindOSPF, buildOSPF)
	_ = r.Register(KindIPSec, buildIPSec)
	_ = r.Register(KindACL, buildACL)
	return r
}

func (r *Registry) Register(kind IntentKind, fn BuilderFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[kind]; exists {
		xlog.Warnf(registryModule, "builder for %s already registered", kind)
		return fmt.Errorf("builder for intent kind '%s' already registered", kind)
	}
	r.builders[kind] = fn
	xlog.Debugf(registryModule, "registered builder: %s", kind)
	return nil
}

// Build 校验意图并生成命令；未注册的类型返回 MALFORMED_INTENT
func (r *Registry) Build(intent ConfigIntent) (CommandBatch, error) {
	intent = normalize(intent)
	if intent == nil {
		return nil, connection.NewError(connection.CodeMalformedIntent, "intent is nil")
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	fn, ok := r.builders[intent.Kind()]
	r.mu.RUnlock()
	if !ok {
		return nil, connection.NewError(connection.CodeMalformedIntent,
			fmt.Sprintf("no builder for intent kind '%s'", intent.Kind()))
	}
	return fn(intent)
}

// Kinds 已注册的意图类型
func (r *Registry) Kinds() []IntentKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]IntentKind, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Build 使用默认注册表生成命令
func Build(intent ConfigIntent) (CommandBatch, error) {
	return DefaultRegistry.Build(intent)
}

// normalize 指针形式的内置意图转为值，空指针返回nil
func normalize(intent ConfigIntent) ConfigIntent {
	switch v := intent.(type) {
	case *InterfaceConfig:
		if v == nil {
			return nil
		}
		return *v
	case *OSPFConfig:
		if v == nil {
			return nil
		}
		return *v
	case *IPSecConfig:
		if v == nil {
			return nil
		}
		return *v
	case *ACLConfig:
		if v == nil {
			return nil
		}
		return *v
	}
	return intent
}

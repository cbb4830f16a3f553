package task

import (
	"context"

	"github.com/charlesren/netcfg/connection"
)

// IntentKind 配置意图类型
type IntentKind string

const (
	KindInterface IntentKind = "interface"
	KindOSPF      IntentKind = "ospf"
	KindIPSec     IntentKind = "ipsec"
	KindACL       IntentKind = "acl"
)

// ConfigIntent 调用方提交的期望配置变更，构造后不可变
type ConfigIntent interface {
	Kind() IntentKind
	// Validate 校验必填字段，失败返回 MALFORMED_INTENT
	Validate() error
	// Ref 意图的可读标识，写入结果和审计日志
	Ref() string
}

// CommandBatch 有序命令序列，引擎不重排、不去重
type CommandBatch []string

// LeasedSession 执行器使用的会话视图，*connection.Lease 实现该接口
type LeasedSession interface {
	Endpoint() connection.DeviceEndpoint
	SendBatch(ctx context.Context, commands []string, opts connection.SendOptions) (connection.BatchOutput, error)
	Alive() bool
}

var _ LeasedSession = (*connection.Lease)(nil)

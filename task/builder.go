package task

import (
	"fmt"

	"github.com/charlesren/netcfg/connection"
)

// 各生成函数的输出顺序固定：先进入上下文，再设置参数

func buildInterface(intent ConfigIntent) (CommandBatch, error) {
	c, ok := intent.(InterfaceConfig)
	if !ok {
		return nil, unexpectedIntent(KindInterface, intent)
	}
	return CommandBatch{
		"interface " + c.Name,
		fmt.Sprintf("ip address %s %s", c.IP, c.Mask),
		"no shutdown",
	}, nil
}

func buildOSPF(intent ConfigIntent) (CommandBatch, error) {
	c, ok := intent.(OSPFConfig)
	if !ok {
		return nil, unexpectedIntent(KindOSPF, intent)
	}
	return CommandBatch{
		fmt.Sprintf("router ospf %d", c.ProcessID),
		fmt.Sprintf("network %s %s area %s", c.Network, c.Wildcard, c.Area),
	}, nil
}

func buildIPSec(intent ConfigIntent) (CommandBatch, error) {
	c, ok := intent.(IPSecConfig)
	if !ok {
		return nil, unexpectedIntent(KindIPSec, intent)
	}
	return CommandBatch{
		fmt.Sprintf("crypto isakmp policy %d", c.PolicyNumber),
		fmt.Sprintf("crypto ipsec transform-set %s esp-aes esp-sha-hmac", c.TransformSet),
		fmt.Sprintf("crypto map %s %d ipsec-isakmp", c.MapName, c.MapSeq),
		"set peer " + c.PeerIP,
		"set transform-set " + c.TransformSet,
		"match address " + c.ACL,
		"interface " + c.Interface,
		"crypto map " + c.MapName,
	}, nil
}

func buildACL(intent ConfigIntent) (CommandBatch, error) {
	c, ok := intent.(ACLConfig)
	if !ok {
		return nil, unexpectedIntent(KindACL, intent)
	}
	return CommandBatch{
		fmt.Sprintf("access-list %d %s %s %s %s", c.Number, c.Action, c.Protocol, c.Source, c.Destination),
		"interface " + c.Interface,
		fmt.Sprintf("ip access-group %d %s", c.Number, c.Direction),
	}, nil
}

func unexpectedIntent(kind IntentKind, intent ConfigIntent) error {
	return connection.NewError(connection.CodeMalformedIntent,
		fmt.Sprintf("%s builder received %T", kind, intent))
}

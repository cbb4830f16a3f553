package task

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/charlesren/netcfg/connection"
	"gopkg.in/yaml.v3"
)

// Envelope 意图的传输形式：kind 加一个对应的载荷
type Envelope struct {
	Kind      IntentKind       `json:"kind" yaml:"kind"`
	Interface *InterfaceConfig `json:"interface,omitempty" yaml:"interface,omitempty"`
	OSPF      *OSPFConfig      `json:"ospf,omitempty" yaml:"ospf,omitempty"`
	IPSec     *IPSecConfig     `json:"ipsec,omitempty" yaml:"ipsec,omitempty"`
	ACL       *ACLConfig       `json:"acl,omitempty" yaml:"acl,omitempty"`
}

// Wrap 把意图装入信封
func Wrap(intent ConfigIntent) Envelope {
	switch v := intent.(type) {
	case InterfaceConfig:
		return Envelope{Kind: KindInterface, Interface: &v}
	case *InterfaceConfig:
		return Envelope{Kind: KindInterface, Interface: v}
	case OSPFConfig:
		return Envelope{Kind: KindOSPF, OSPF: &v}
	case *OSPFConfig:
		return Envelope{Kind: KindOSPF, OSPF: v}
	case IPSecConfig:
		return Envelope{Kind: KindIPSec, IPSec: &v}
	case *IPSecConfig:
		return Envelope{Kind: KindIPSec, IPSec: v}
	case ACLConfig:
		return Envelope{Kind: KindACL, ACL: &v}
	case *ACLConfig:
		return Envelope{Kind: KindACL, ACL: v}
	}
	return Envelope{}
}

// Intent 取出载荷；载荷必须恰好一个且与 kind 一致，kind 为空时按载荷推断
func (e Envelope) Intent() (ConfigIntent, error) {
	var found []ConfigIntent
	if e.Interface != nil {
		found = append(found, *e.Interface)
	}
	if e.OSPF != nil {
		found = append(found, *e.OSPF)
	}
	if e.IPSec != nil {
		found = append(found, *e.IPSec)
	}
	if e.ACL != nil {
		found = append(found, *e.ACL)
	}

	if len(found) != 1 {
		return nil, connection.NewError(connection.CodeMalformedIntent,
			fmt.Sprintf("intent must carry exactly one payload, got %d", len(found)))
	}
	intent := found[0]
	if e.Kind != "" && e.Kind != intent.Kind() {
		return nil, connection.NewError(connection.CodeMalformedIntent,
			fmt.Sprintf("intent kind %q does not match %s payload", e.Kind, intent.Kind()))
	}
	return intent, nil
}

// DecodeIntent 解析JSON或YAML格式的意图并校验
func DecodeIntent(data []byte) (ConfigIntent, error) {
	var env Envelope
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, connection.NewError(connection.CodeMalformedIntent, "empty intent document")
	}

	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&env); err != nil {
			return nil, connection.NewErrorWithCause(connection.CodeMalformedIntent, "decode json intent", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		if err := dec.Decode(&env); err != nil {
			return nil, connection.NewErrorWithCause(connection.CodeMalformedIntent, "decode yaml intent", err)
		}
	}

	intent, err := env.Intent()
	if err != nil {
		return nil, err
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	return intent, nil
}

package task

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charlesren/netcfg/connection"
)

// InterfaceConfig 接口地址配置
type InterfaceConfig struct {
	Name string `json:"name" yaml:"name"`
	IP   string `json:"ip" yaml:"ip"`
	Mask string `json:"mask" yaml:"mask"`
}

func (c InterfaceConfig) Kind() IntentKind { return KindInterface }
func (c InterfaceConfig) Ref() string      { return "interface " + c.Name }

func (c InterfaceConfig) Validate() error {
	return checkFields(KindInterface,
		field{"name", c.Name},
		field{"ip", c.IP},
		field{"mask", c.Mask},
	)
}

// OSPFConfig OSPF进程及宣告网段
type OSPFConfig struct {
	ProcessID int    `json:"process_id" yaml:"process_id"`
	Network   string `json:"network" yaml:"network"`
	Wildcard  string `json:"wildcard" yaml:"wildcard"`
	Area      string `json:"area" yaml:"area"`
}

func (c OSPFConfig) Kind() IntentKind { return KindOSPF }

func (c OSPFConfig) Ref() string {
	return fmt.Sprintf("ospf %d network %s area %s", c.ProcessID, c.Network, c.Area)
}

func (c OSPFConfig) Validate() error {
	return checkFields(KindOSPF,
		number("process_id", c.ProcessID),
		field{"network", c.Network},
		field{"wildcard", c.Wildcard},
		field{"area", c.Area},
	)
}

// IPSecConfig 站点到站点IPSec隧道
type IPSecConfig struct {
	PolicyNumber int    `json:"policy_number" yaml:"policy_number"`
	TransformSet string `json:"transform_set" yaml:"transform_set"`
	MapName      string `json:"map_name" yaml:"map_name"`
	MapSeq       int    `json:"map_seq" yaml:"map_seq"`
	PeerIP       string `json:"peer_ip" yaml:"peer_ip"`
	ACL          string `json:"acl" yaml:"acl"`
	Interface    string `json:"interface" yaml:"interface"`
}

func (c IPSecConfig) Kind() IntentKind { return KindIPSec }

func (c IPSecConfig) Ref() string {
	return fmt.Sprintf("ipsec map %s %d peer %s", c.MapName, c.MapSeq, c.PeerIP)
}

func (c IPSecConfig) Validate() error {
	return checkFields(KindIPSec,
		number("policy_number", c.PolicyNumber),
		field{"transform_set", c.TransformSet},
		field{"map_name", c.MapName},
		number("map_seq", c.MapSeq),
		field{"peer_ip", c.PeerIP},
		field{"acl", c.ACL},
		field{"interface", c.Interface},
	)
}

// ACLConfig 编号访问控制列表及其接口绑定
type ACLConfig struct {
	Number      int    `json:"number" yaml:"number"`
	Action      string `json:"action" yaml:"action"`
	Protocol    string `json:"protocol" yaml:"protocol"`
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	Interface   string `json:"interface" yaml:"interface"`
	Direction   string `json:"direction" yaml:"direction"`
}

func (c ACLConfig) Kind() IntentKind { return KindACL }

func (c ACLConfig) Ref() string {
	return fmt.Sprintf("acl %d on %s %s", c.Number, c.Interface, c.Direction)
}

func (c ACLConfig) Validate() error {
	return checkFields(KindACL,
		number("number", c.Number),
		field{"action", c.Action},
		field{"protocol", c.Protocol},
		field{"source", c.Source},
		field{"destination", c.Destination},
		field{"interface", c.Interface},
		field{"direction", c.Direction},
	)
}

type field struct {
	name  string
	value string
}

// number 非正数视为缺失
func number(name string, v int) field {
	if v <= 0 {
		return field{name: name}
	}
	return field{name, strconv.Itoa(v)}
}

// checkFields 必填字段不能为空，任何字段不能含换行（否则会向设备注入额外命令）
func checkFields(kind IntentKind, fields ...field) error {
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
			continue
		}
		if strings.ContainsAny(f.value, "\r\n") {
			return connection.NewError(connection.CodeMalformedIntent,
				fmt.Sprintf("%s intent field %s contains a line break", kind, f.name)).
				AddDetail("field", f.name)
		}
	}
	if len(missing) > 0 {
		return connection.NewError(connection.CodeMalformedIntent,
			fmt.Sprintf("%s intent missing required fields: %s", kind, strings.Join(missing, ", "))).
			AddDetail("missing", missing)
	}
	return nil
}

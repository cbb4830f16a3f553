package connection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
)

type (
	Family   string
	Protocol string
)

const (
	FamilyGenericCLI   Family = "generic_cli"
	FamilyCiscoIOS     Family = "cisco_ios"
	FamilyHuaweiVRP    Family = "huawei_vrp"
	FamilyCiscoIOSXE   Family = "cisco_iosxe"
	FamilyCiscoIOSXR   Family = "cisco_iosxr"
	FamilyCiscoNXOS    Family = "cisco_nxos"
	FamilyAristaEOS    Family = "arista_eos"
	FamilyJuniperJunos Family = "juniper_junos"

	ProtocolSSH     Protocol = "ssh"
	ProtocolScrapli Protocol = "scrapli"

	DefaultPort = 22
)

// familyProtocols 设备类型到驱动协议的映射
var familyProtocols = map[Family]Protocol{
	FamilyGenericCLI:   ProtocolSSH,
	FamilyCiscoIOS:     ProtocolSSH,
	FamilyHuaweiVRP:    ProtocolSSH,
	FamilyCiscoIOSXE:   ProtocolScrapli,
	FamilyCiscoIOSXR:   ProtocolScrapli,
	FamilyCiscoNXOS:    ProtocolScrapli,
	FamilyAristaEOS:    ProtocolScrapli,
	FamilyJuniperJunos: ProtocolScrapli,
}

// Protocol 返回该设备类型默认使用的驱动协议
func (f Family) Protocol() Protocol {
	return familyProtocols[f]
}

// Known 是否为已知设备类型
func (f Family) Known() bool {
	_, ok := familyProtocols[f]
	return ok
}

// Families 返回全部已知设备类型
func Families() []Family {
	out := make([]Family, 0, len(familyProtocols))
	for f := range familyProtocols {
		out = append(out, f)
	}
	return out
}

// DeviceEndpoint 可管理设备的标识，创建后不可变
type DeviceEndpoint struct {
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Family  Family `json:"family" yaml:"family"`
	AuthRef string `json:"auth_ref,omitempty" yaml:"auth_ref,omitempty"`
}

// WithDefaults 补齐端口和设备类型
func (e DeviceEndpoint) WithDefaults() DeviceEndpoint {
	if e.Port == 0 {
		e.Port = DefaultPort
	}
	if e.Family == "" {
		e.Family = FamilyGenericCLI
	}
	return e
}

// Key 连接池条目的键
func (e DeviceEndpoint) Key() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(e.Address, strconv.Itoa(port))
}

func (e DeviceEndpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.Key(), e.Family)
}

// Validate 校验地址、端口与设备类型
func (e DeviceEndpoint) Validate() error {
	if strings.TrimSpace(e.Address) == "" {
		return NewError(CodeInvalidEndpoint, "endpoint address is required")
	}
	if strings.ContainsAny(e.Address, " \r\n\t") {
		return NewError(CodeInvalidEndpoint, "endpoint address contains whitespace").
			AddDetail("address", e.Address)
	}
	if e.Port < 0 || e.Port > 65535 {
		return NewError(CodeInvalidEndpoint, "endpoint port out of range").
			AddDetail("port", e.Port)
	}
	if e.Family != "" && !e.Family.Known() {
		return NewError(CodeUnsupportedFamily, "unknown device family").
			AddDetail("family", string(e.Family))
	}
	return nil
}

// Credentials 登录凭据，对核心不透明，不记录日志、不落盘
type Credentials struct {
	Username     string `json:"username" yaml:"username"`
	Password     string `json:"password" yaml:"password"`
	EnableSecret string `json:"enable_secret,omitempty" yaml:"enable_secret,omitempty"`
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username:%s Password:%s EnableSecret:%s}",
		c.Username, redact(c.Password), redact(c.EnableSecret))
}

// GoString 防止 %#v 泄露密码
func (c Credentials) GoString() string {
	return c.String()
}

// Fingerprint 凭据摘要，用于判断缓存会话是否仍对应同一组凭据
func (c Credentials) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.Username))
	h.Write([]byte{0})
	h.Write([]byte(c.Password))
	h.Write([]byte{0})
	h.Write([]byte(c.EnableSecret))
	return hex.EncodeToString(h.Sum(nil))
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

package connection

import (
	"regexp"
	"strings"
)

// Dialect 设备命令行方言：提示符、提权方式、配置模式及错误特征
type Dialect struct {
	Family Family

	// Prompt 匹配缓冲区末尾的任意提示符
	Prompt *regexp.Regexp
	// PasswordPrompt 匹配提权时的密码提示
	PasswordPrompt *regexp.Regexp
	// PrivilegedSuffix 特权提示符后缀，为空表示无需判断
	PrivilegedSuffix string

	EnableCommand string
	ConfigEnter   string
	ConfigExit    string
	// OnOpen 登录后执行，关闭分页等
	OnOpen []string

	// ErrorPatterns 命令回显中出现即判定失败（小写，不区分大小写匹配）
	ErrorPatterns []string
}

var (
	ciscoPrompt    = regexp.MustCompile(`(?:^|[\r\n])([\w.\-@/:]{1,63}(?:\([\w.\-/]{1,63}\))?[>#]) ?$`)
	huaweiPrompt   = regexp.MustCompile(`(?:^|[\r\n])([<\[][\w.\-@/:~]{1,63}[>\]]) ?$`)
	passwordPrompt = regexp.MustCompile(`(?i)password: ?$`)

	genericErrorPatterns = []string{
		"invalid input",
		"% error",
		"incomplete command",
		"ambiguous command",
		"unknown command",
		"unrecognized command",
	}
)

var dialects = map[Family]*Dialect{
	FamilyGenericCLI: {
		Family:           FamilyGenericCLI,
		Prompt:           ciscoPrompt,
		PasswordPrompt:   passwordPrompt,
		PrivilegedSuffix: "#",
		EnableCommand:    "enable",
		ConfigEnter:      "configure terminal",
		ConfigExit:       "end",
		OnOpen:           []string{"terminal length 0"},
		ErrorPatterns:    genericErrorPatterns,
	},
	FamilyCiscoIOS: {
		Family:           FamilyCiscoIOS,
		Prompt:           ciscoPrompt,
		PasswordPrompt:   passwordPrompt,
		PrivilegedSuffix: "#",
		EnableCommand:    "enable",
		ConfigEnter:      "configure terminal",
		ConfigExit:       "end",
		OnOpen:           []string{"terminal length 0", "terminal width 511"},
		ErrorPatterns:    append([]string{"% bad mask", "% invalid"}, genericErrorPatterns...),
	},
	FamilyHuaweiVRP: {
		Family:         FamilyHuaweiVRP,
		Prompt:         huaweiPrompt,
		PasswordPrompt: passwordPrompt,
		ConfigEnter:    "system-view",
		ConfigExit:     "return",
		OnOpen:         []string{"screen-length 0 temporary"},
		ErrorPatterns: []string{
			"error:",
			"wrong parameter",
			"unrecognized command",
			"incomplete command",
			"too many parameters",
		},
	},
}

// scrapli 驱动的设备类型只使用错误特征
var scrapliErrorPatterns = map[Family][]string{
	FamilyCiscoIOSXE:   {"% ambiguous command", "% incomplete command", "% invalid input detected", "% unknown command"},
	FamilyCiscoIOSXR:   {"% ambiguous command", "% incomplete command", "% invalid input detected", "% unknown command"},
	FamilyCiscoNXOS:    {"% ambiguous command", "% incomplete command", "% invalid input detected", "% invalid command"},
	FamilyAristaEOS:    {"% ambiguous command", "% incomplete command", "% invalid input", "% cannot commit"},
	FamilyJuniperJunos: {"is ambiguous", "no valid completions", "unknown command", "syntax error", "error:"},
}

// DialectFor 返回设备类型的方言，未知类型返回 nil
func DialectFor(f Family) *Dialect {
	return dialects[f]
}

// IsPrivileged 根据提示符判断是否已处于特权模式
func (d *Dialect) IsPrivileged(prompt string) bool {
	if d.PrivilegedSuffix == "" {
		return true
	}
	return strings.HasSuffix(strings.TrimSpace(prompt), d.PrivilegedSuffix)
}

// LastPrompt 提取输出末尾的提示符
func (d *Dialect) LastPrompt(output string) string {
	m := d.Prompt.FindStringSubmatch(output)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// MatchError 返回输出中第一条命中错误特征的行
func (d *Dialect) MatchError(output string) (string, bool) {
	return matchErrorPatterns(d.ErrorPatterns, output)
}

func matchErrorPatterns(patterns []string, output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				return strings.TrimSpace(line), true
			}
		}
	}
	return "", false
}

// cleanOutput 去掉命令回显和末尾提示符
func cleanOutput(raw, command string, prompt *regexp.Regexp) string {
	out := strings.ReplaceAll(raw, "\r\n", "\n")
	out = strings.ReplaceAll(out, "\r", "")
	if loc := prompt.FindStringIndex(out); loc != nil {
		out = out[:loc[0]]
	}
	lines := strings.Split(out, "\n")
	if len(lines) > 0 && command != "" && strings.Contains(lines[0], command) {
		lines = lines[1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

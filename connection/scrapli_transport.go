package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/google/uuid"
	"github.com/scrapli/scrapligo/driver/network"
	"github.com/scrapli/scrapligo/driver/options"
	"github.com/scrapli/scrapligo/platform"
	"github.com/scrapli/scrapligo/transport"
	"github.com/scrapli/scrapligo/util"
)

const scrapliModule = "scrapli"

// scrapliPrivileges 各平台的特权级别名称：执行模式与配置模式
var scrapliPrivileges = map[Family][2]string{
	FamilyCiscoIOSXE:   {"privilege-exec", "configuration"},
	FamilyCiscoIOSXR:   {"exec", "configuration"},
	FamilyCiscoNXOS:    {"privilege-exec", "configuration"},
	FamilyAristaEOS:    {"privilege-exec", "configuration"},
	FamilyJuniperJunos: {"exec", "configuration"},
}

// scrapliCommit 需要显式提交的平台
var scrapliCommit = map[Family]string{
	FamilyCiscoIOSXR:   "commit",
	FamilyJuniperJunos: "commit",
}

// scrapliDiscard 有命令失败时丢弃候选配置，退出配置模式前不能留下未提交变更
var scrapliDiscard = map[Family]string{
	FamilyCiscoIOSXR:   "abort",
	FamilyJuniperJunos: "rollback 0",
}

// closingInputs 离开配置模式前发送的命令：全部成功时提交，否则丢弃
func closingInputs(f Family, failed bool) []string {
	table := scrapliCommit
	if failed {
		table = scrapliDiscard
	}
	if in, ok := table[f]; ok {
		return []string{in}
	}
	return nil
}

// ScrapliTransport 基于scrapligo network driver的命令行驱动
type ScrapliTransport struct {
	cfg PoolConfig
}

// NewScrapliTransport 创建scrapli驱动
func NewScrapliTransport(cfg PoolConfig) *ScrapliTransport {
	if cfg.ScrapliConfig == nil {
		cfg.ScrapliConfig = DefaultPoolConfig().ScrapliConfig
	}
	return &ScrapliTransport{cfg: cfg}
}

func (t *ScrapliTransport) Protocol() Protocol {
	return ProtocolScrapli
}

type scrapliChannel struct {
	id       string
	endpoint DeviceEndpoint
	driver   *network.Driver
	alive    atomic.Bool
}

func (c *scrapliChannel) ID() string               { return c.id }
func (c *scrapliChannel) Endpoint() DeviceEndpoint { return c.endpoint }
func (c *scrapliChannel) Alive() bool              { return c.alive.Load() && c.driver != nil }

func (c *scrapliChannel) markDead(reason string) {
	if c.alive.Swap(false) {
		xlog.Warnf(scrapliModule, "channel %s to %s marked dead: %s", c.id, c.endpoint.Key(), reason)
	}
}

func (t *ScrapliTransport) asChannel(ch Channel) (*scrapliChannel, error) {
	c, ok := ch.(*scrapliChannel)
	if !ok || c == nil {
		return nil, NewError(CodeFailure, fmt.Sprintf("channel %T is not a scrapli channel", ch))
	}
	return c, nil
}

// Connect 探测TCP可达性；scrapli在Authenticate阶段才真正建立会话
func (t *ScrapliTransport) Connect(ctx context.Context, endpoint DeviceEndpoint) (Channel, error) {
	endpoint = endpoint.WithDefaults()
	if _, ok := scrapliPrivileges[endpoint.Family]; !ok {
		return nil, NewError(CodeUnsupportedFamily, "scrapli transport does not support family").
			AddDetail("family", string(endpoint.Family))
	}

	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Key())
	if err != nil {
		return nil, NewErrorWithCause(CodeConnectFailure, "dial "+endpoint.Key(), err)
	}
	_ = conn.Close()

	c := &scrapliChannel{id: uuid.NewString(), endpoint: endpoint}
	c.alive.Store(true)
	return c, nil
}

// Authenticate 创建平台驱动并打开会话
func (t *ScrapliTransport) Authenticate(ctx context.Context, ch Channel, creds Credentials) error {
	c, err := t.asChannel(ch)
	if err != nil {
		return err
	}

	sc := t.cfg.ScrapliConfig
	opts := []util.Option{
		options.WithTransportType(transport.StandardTransport),
		options.WithPort(c.endpoint.Port),
		options.WithAuthUsername(creds.Username),
		options.WithAuthPassword(creds.Password),
		options.WithTimeoutSocket(t.cfg.ConnectTimeout),
		options.WithTimeoutOps(sc.TimeoutOps),
		options.WithFailedWhenContains(scrapliErrorPatterns[c.endpoint.Family]),
	}
	if creds.EnableSecret != "" {
		opts = append(opts, options.WithAuthSecondary(creds.EnableSecret))
	}
	switch {
	case sc.KnownHostsFile != "":
		opts = append(opts, options.WithSSHKnownHostsFile(sc.KnownHostsFile))
	case !sc.StrictHostChecking:
		opts = append(opts, options.WithAuthNoStrictKey())
	}

	p, err := platform.NewPlatform(string(c.endpoint.Family), c.endpoint.Address, opts...)
	if err != nil {
		return NewErrorWithCause(CodeUnsupportedFamily, "create platform", err)
	}
	d, err := p.GetNetworkDriver()
	if err != nil {
		return NewErrorWithCause(CodeUnsupportedFamily, "get network driver", err)
	}

	// Open 本身不支持context，放到goroutine中以便超时中断
	done := make(chan error, 1)
	go func() { done <- d.Open() }()

	authCtx, cancel := withOptionalTimeout(ctx, t.cfg.AuthTimeout)
	defer cancel()
	select {
	case <-authCtx.Done():
		c.markDead("open timed out")
		go func() {
			if err := <-done; err == nil {
				_ = d.Close()
			}
		}()
		return NewErrorWithCause(CodeConnectFailure, "open scrapli session", authCtx.Err())
	case err := <-done:
		if err != nil {
			c.markDead("open failed")
			if errors.Is(err, util.ErrAuthError) || isAuthError(err) {
				return NewErrorWithCause(CodeAuthFailure, "authentication rejected", err).
					AddDetail("username", creds.Username)
			}
			return NewErrorWithCause(CodeConnectFailure, "open scrapli session", err)
		}
	}

	c.driver = d
	xlog.Debugf(scrapliModule, "driver opened for %s (%s)", c.endpoint.Key(), c.endpoint.Family)
	return nil
}

// Elevate 进入执行特权级别，secret已在打开会话时作为secondary密码传入
func (t *ScrapliTransport) Elevate(ctx context.Context, ch Channel, secret string) error {
	c, err := t.asChannel(ch)
	if err != nil {
		return err
	}
	if c.driver == nil {
		return NewError(CodeElevateFailure, "driver not opened")
	}
	if secret != "" && c.driver.AuthSecondary == "" {
		c.driver.AuthSecondary = secret
	}

	target := scrapliPrivileges[c.endpoint.Family][0]
	if err := t.run(ctx, t.cfg.AuthTimeout, func() error { return c.driver.AcquirePriv(target) }); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.markDead("acquire priv timed out")
		}
		return NewErrorWithCause(CodeElevateFailure, "acquire "+target, err)
	}
	return nil
}

// SendBatch 进入配置级别逐条发送
func (t *ScrapliTransport) SendBatch(ctx context.Context, ch Channel, commands []string, opts SendOptions) (out BatchOutput, err error) {
	c, err := t.asChannel(ch)
	if err != nil {
		return out, err
	}
	if !c.Alive() {
		return out, NewError(CodeFailure, "channel is not alive")
	}
	privs := scrapliPrivileges[c.endpoint.Family]
	patterns := scrapliErrorPatterns[c.endpoint.Family]

	var raw strings.Builder
	defer func() { out.Raw = raw.String() }()

	if err := t.run(ctx, opts.PerCommandTimeout, func() error { return c.driver.AcquirePriv(privs[1]) }); err != nil {
		c.markDead("enter configuration failed")
		return out, NewErrorWithCause(CodeFailure, "enter configuration mode", err)
	}

	for i, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return out, NewErrorWithCause(CodeFailure, "batch interrupted", err)
		}

		var result []byte
		err := t.run(ctx, opts.PerCommandTimeout, func() error {
			var sendErr error
			result, sendErr = c.driver.Channel.SendInput(cmd)
			return sendErr
		})
		var text string
		if !isContextErr(err) {
			text = string(result)
		}
		raw.WriteString(text)
		status := CommandStatus{Index: i, Command: cmd, Output: strings.TrimSpace(text)}

		if err != nil {
			status.State = CommandError
			if isContextErr(err) || errors.Is(err, util.ErrTimeoutError) {
				status.State = CommandTimedOut
			}
			status.Error = err.Error()
			out.Statuses = append(out.Statuses, status)
			c.markDead("command did not complete")
			return out, NewErrorWithCause(CodeFailure, fmt.Sprintf("command %d did not complete", i+1), err).
				AddDetail("command", cmd)
		}

		if line, bad := matchErrorPatterns(patterns, text); bad {
			status.State = CommandError
			status.Error = line
		} else {
			status.State = CommandOK
		}
		out.Statuses = append(out.Statuses, status)
		if status.State != CommandOK && opts.StopOnError {
			break
		}
	}

	for _, in := range closingInputs(c.endpoint.Family, out.Failed()) {
		var result []byte
		err := t.run(ctx, opts.PerCommandTimeout, func() error {
			var sendErr error
			result, sendErr = c.driver.Channel.SendInput(in)
			return sendErr
		})
		if err != nil {
			c.markDead(in + " did not complete")
			return out, NewErrorWithCause(CodeFailure, in, err)
		}
		raw.Write(result)
	}

	if err := t.run(ctx, opts.PerCommandTimeout, func() error { return c.driver.AcquirePriv(privs[0]) }); err != nil {
		c.markDead("leave configuration failed")
	}
	return out, nil
}

// HealthCheck 读取当前提示符
func (t *ScrapliTransport) HealthCheck(ctx context.Context, ch Channel) error {
	c, err := t.asChannel(ch)
	if err != nil {
		return err
	}
	if !c.Alive() {
		return NewError(CodeConnectFailure, "channel is not alive")
	}
	err = t.run(ctx, t.cfg.HealthCheckTimeout, func() error {
		_, err := c.driver.GetPrompt()
		return err
	})
	if err != nil {
		c.markDead("health check failed")
		return NewErrorWithCause(CodeConnectFailure, "health check", err)
	}
	return nil
}

// Disconnect 关闭驱动
func (t *ScrapliTransport) Disconnect(ch Channel) error {
	c, err := t.asChannel(ch)
	if err != nil {
		return err
	}
	c.markDead("disconnect")
	if c.driver == nil {
		return nil
	}
	return c.driver.Close()
}

// run 在goroutine中执行阻塞调用，超时或取消时立即返回
func (t *ScrapliTransport) run(ctx context.Context, timeout time.Duration, fn func() error) error {
	runCtx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case <-runCtx.Done():
		return runCtx.Err()
	case err := <-done:
		return err
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const sshModule = "ssh"

// SSHTransport 基于交互式shell的命令行驱动：逐条发送命令，读到提示符为止
type SSHTransport struct {
	cfg PoolConfig
}

// NewSSHTransport 创建SSH驱动
func NewSSHTransport(cfg PoolConfig) *SSHTransport {
	if cfg.SSHConfig == nil {
		cfg.SSHConfig = DefaultPoolConfig().SSHConfig
	}
	return &SSHTransport{cfg: cfg}
}

func (t *SSHTransport) Protocol() Protocol {
	return ProtocolSSH
}

// sshChannel 一个SSH shell会话
type sshChannel struct {
	id       string
	endpoint DeviceEndpoint
	dialect  *Dialect

	conn    net.Conn
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	out     *outputBuffer

	mu     sync.Mutex
	prompt string
	alive  atomic.Bool
}

func (c *sshChannel) ID() string               { return c.id }
func (c *sshChannel) Endpoint() DeviceEndpoint { return c.endpoint }
func (c *sshChannel) Alive() bool              { return c.alive.Load() }

func (c *sshChannel) markDead(reason string) {
	if c.alive.Swap(false) {
		xlog.Warnf(sshModule, "channel %s to %s marked dead: %s", c.id, c.endpoint.Key(), reason)
	}
}

func (t *SSHTransport) asChannel(ch Channel) (*sshChannel, error) {
	c, ok := ch.(*sshChannel)
	if !ok || c == nil {
		return nil, NewError(CodeFailure, fmt.Sprintf("channel %T is not an ssh channel", ch))
	}
	return c, nil
}

// Connect 建立TCP连接
func (t *SSHTransport) Connect(ctx context.Context, endpoint DeviceEndpoint) (Channel, error) {
	endpoint = endpoint.WithDefaults()
	dialect := DialectFor(endpoint.Family)
	if dialect == nil {
		return nil, NewError(CodeUnsupportedFamily, "ssh transport has no dialect for family").
			AddDetail("family", string(endpoint.Family))
	}

	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Key())
	if err != nil {
		return nil, NewErrorWithCause(CodeConnectFailure, "dial "+endpoint.Key(), err)
	}

	c := &sshChannel{
		id:       uuid.NewString(),
		endpoint: endpoint,
		dialect:  dialect,
		conn:     conn,
	}
	c.alive.Store(true)
	xlog.Debugf(sshModule, "tcp connected to %s (channel %s)", endpoint.Key(), c.id)
	return c, nil
}

// Authenticate SSH握手并打开带PTY的shell
func (t *SSHTransport) Authenticate(ctx context.Context, ch Channel, creds Credentials) error {
	c, err := t.asChannel(ch)
	if err != nil {
		return err
	}

	hostKeyCallback, err := t.hostKeyCallback()
	if err != nil {
		return NewErrorWithCause(CodeConnectFailure, "load known hosts", err)
	}

	config := &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(creds.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = creds.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.cfg.AuthTimeout,
	}

	deadline := time.Now().Add(t.cfg.AuthTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(c.conn, c.endpoint.Key(), config)
	if err != nil {
		c.markDead("handshake failed")
		_ = c.conn.Close()
		if isAuthError(err) {
			return NewErrorWithCause(CodeAuthFailure, "authentication rejected", err).
				AddDetail("username", creds.Username)
		}
		return NewErrorWithCause(CodeConnectFailure, "ssh handshake", err)
	}
	_ = c.conn.SetDeadline(time.Time{})
	c.client = ssh.NewClient(sshConn, chans, reqs)

	if err := t.openShell(ctx, c); err != nil {
		c.markDead("shell open failed")
		_ = c.client.Close()
		return err
	}
	return nil
}

// isAuthError 客户端握手时凭据被拒绝只能从错误文本判断
func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func (t *SSHTransport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.cfg.SSHConfig.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(t.cfg.SSHConfig.KnownHostsFile)
}

func (t *SSHTransport) openShell(ctx context.Context, c *sshChannel) error {
	session, err := c.client.NewSession()
	if err != nil {
		return NewErrorWithCause(CodeConnectFailure, "open session", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	sc := t.cfg.SSHConfig
	if err := session.RequestPty(sc.TerminalType, sc.WindowHeight, sc.WindowWidth, modes); err != nil {
		session.Close()
		return NewErrorWithCause(CodeConnectFailure, "request pty", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return NewErrorWithCause(CodeConnectFailure, "stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return NewErrorWithCause(CodeConnectFailure, "stdout pipe", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return NewErrorWithCause(CodeConnectFailure, "start shell", err)
	}

	c.session = session
	c.stdin = stdin
	c.out = newOutputBuffer(stdout)

	openCtx, cancel := withOptionalTimeout(ctx, sc.OpenTimeout)
	defer cancel()

	banner, _, err := c.out.readUntil(openCtx, c.dialect.Prompt)
	if err != nil {
		return NewErrorWithCause(CodeConnectFailure, "waiting for initial prompt", err)
	}
	c.setPrompt(c.dialect.LastPrompt(banner))

	for _, cmd := range c.dialect.OnOpen {
		if _, err := t.exec(openCtx, c, cmd); err != nil {
			return NewErrorWithCause(CodeConnectFailure, "on-open command "+cmd, err)
		}
	}
	xlog.Debugf(sshModule, "shell opened on %s, prompt %q", c.endpoint.Key(), c.currentPrompt())
	return nil
}

func (c *sshChannel) setPrompt(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p != "" {
		c.prompt = p
	}
}

func (c *sshChannel) currentPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

// exec 发送一行并读到提示符
func (t *SSHTransport) exec(ctx context.Context, c *sshChannel, line string) (string, error) {
	if err := c.writeLine(line); err != nil {
		return "", err
	}
	out, _, err := c.out.readUntil(ctx, c.dialect.Prompt)
	if err != nil {
		return out, err
	}
	c.setPrompt(c.dialect.LastPrompt(out))
	return out, nil
}

func (c *sshChannel) writeLine(line string) error {
	if !c.Alive() {
		return NewError(CodeFailure, "channel is not alive")
	}
	if _, err := io.WriteString(c.stdin, line+"\n"); err != nil {
		c.markDead("write failed")
		return NewErrorWithCause(CodeFailure, "write to channel", err)
	}
	return nil
}

// Elevate 进入特权模式，已处于特权模式时直接返回
func (t *SSHTransport) Elevate(ctx context.Context, ch Channel, secret string) error {
	c, err := t.asChannel(ch)
	if err != nil {
		return err
	}
	d := c.dialect
	if d.EnableCommand == "" || d.IsPrivileged(c.currentPrompt()) {
		return nil
	}
	ctx, cancel := withOptionalTimeout(ctx, t.cfg.AuthTimeout)
	defer cancel()

	if err := c.writeLine(d.EnableCommand); err != nil {
		return NewErrorWithCause(CodeElevateFailure, "send enable", err)
	}
	out, idx, err := c.out.readUntil(ctx, d.Prompt, d.PasswordPrompt)
	if err != nil {
		c.markDead("enable timed out")
		return NewErrorWithCause(CodeElevateFailure, "waiting for enable response", err)
	}

	if idx == 1 {
		if err := c.writeLine(secret); err != nil {
			return NewErrorWithCause(CodeElevateFailure, "send enable secret", err)
		}
		out, idx, err = c.out.readUntil(ctx, d.Prompt, d.PasswordPrompt)
		if err != nil {
			c.markDead("enable secret timed out")
			return NewErrorWithCause(CodeElevateFailure, "waiting for privileged prompt", err)
		}
		if idx == 1 {
			// 设备再次询问密码，放弃并让该通道被销毁
			c.markDead("enable secret rejected")
			return NewError(CodeElevateFailure, "enable secret rejected")
		}
	}

	c.setPrompt(d.LastPrompt(out))
	if !d.IsPrivileged(c.currentPrompt()) {
		return NewError(CodeElevateFailure, "privileged prompt not reached").
			AddDetail("prompt", c.currentPrompt())
	}
	xlog.Debugf(sshModule, "elevated on %s", c.endpoint.Key())
	return nil
}

// SendBatch 进入配置模式逐条发送，最后退出配置模式
func (t *SSHTransport) SendBatch(ctx context.Context, ch Channel, commands []string, opts SendOptions) (out BatchOutput, err error) {
	c, err := t.asChannel(ch)
	if err != nil {
		return out, err
	}
	d := c.dialect
	var raw strings.Builder
	defer func() { out.Raw = raw.String() }()

	if d.ConfigEnter != "" {
		cmdCtx, cancel := withOptionalTimeout(ctx, opts.PerCommandTimeout)
		text, err := t.exec(cmdCtx, c, d.ConfigEnter)
		cancel()
		raw.WriteString(text)
		if err != nil {
			c.markDead("config mode enter failed")
			return out, NewErrorWithCause(CodeFailure, "enter configuration mode", err)
		}
		if line, bad := d.MatchError(text); bad {
			return out, NewError(CodeFailure, "configuration mode refused").AddDetail("output", line)
		}
	}

	for i, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return out, NewErrorWithCause(CodeFailure, "batch interrupted", err)
		}

		cmdCtx, cancel := withOptionalTimeout(ctx, opts.PerCommandTimeout)
		text, err := t.exec(cmdCtx, c, cmd)
		cancel()
		raw.WriteString(text)

		status := CommandStatus{Index: i, Command: cmd, Output: cleanOutput(text, cmd, d.Prompt)}
		if err != nil {
			status.State = CommandTimedOut
			status.Error = err.Error()
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				status.State = CommandError
			}
			out.Statuses = append(out.Statuses, status)
			c.markDead("command did not complete")
			return out, NewErrorWithCause(CodeFailure, fmt.Sprintf("command %d did not complete", i+1), err).
				AddDetail("command", cmd)
		}

		if line, bad := d.MatchError(text); bad {
			status.State = CommandError
			status.Error = line
		} else {
			status.State = CommandOK
		}
		out.Statuses = append(out.Statuses, status)

		if status.State != CommandOK && opts.StopOnError {
			xlog.Warnf(sshModule, "stopping batch on %s at command %d: %s", c.endpoint.Key(), i+1, status.Error)
			break
		}
	}

	if d.ConfigExit != "" {
		exitCtx, cancel := withOptionalTimeout(ctx, opts.PerCommandTimeout)
		text, err := t.exec(exitCtx, c, d.ConfigExit)
		cancel()
		raw.WriteString(text)
		if err != nil {
			// 命令已全部发送，退出失败只影响会话能否复用
			c.markDead("config mode exit failed")
		}
	}
	return out, nil
}

// HealthCheck 发送空行并等待提示符
func (t *SSHTransport) HealthCheck(ctx context.Context, ch Channel) error {
	c, err := t.asChannel(ch)
	if err != nil {
		return err
	}
	if !c.Alive() {
		return NewError(CodeConnectFailure, "channel is not alive")
	}
	checkCtx, cancel := withOptionalTimeout(ctx, t.cfg.HealthCheckTimeout)
	defer cancel()
	if _, err := t.exec(checkCtx, c, ""); err != nil {
		c.markDead("health check failed")
		return NewErrorWithCause(CodeConnectFailure, "health check", err)
	}
	return nil
}

// Disconnect 关闭会话和底层连接
func (t *SSHTransport) Disconnect(ch Channel) error {
	c, err := t.asChannel(ch)
	if err != nil {
		return err
	}
	c.markDead("disconnect")

	var errs []error
	if c.session != nil {
		if err := c.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	} else if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// outputBuffer 后台读取shell输出，供按正则等待
type outputBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	err    error
	notify chan struct{}
}

func newOutputBuffer(r io.Reader) *outputBuffer {
	b := &outputBuffer{notify: make(chan struct{}, 1)}
	go b.pump(r)
	return b
}

func (b *outputBuffer) pump(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		b.mu.Lock()
		if n > 0 {
			b.buf.Write(chunk[:n])
		}
		if err != nil {
			b.err = err
		}
		b.mu.Unlock()

		select {
		case b.notify <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

// readUntil 等待任一正则匹配缓冲区末尾，返回已消费的输出和匹配的下标。
// 超时或出错时同样返回已读到的部分输出。
func (b *outputBuffer) readUntil(ctx context.Context, patterns ...*regexp.Regexp) (string, int, error) {
	for {
		b.mu.Lock()
		data := b.buf.String()
		for i, re := range patterns {
			if re.MatchString(data) {
				b.buf.Reset()
				b.mu.Unlock()
				return data, i, nil
			}
		}
		if b.err != nil {
			err := b.err
			b.buf.Reset()
			b.mu.Unlock()
			return data, -1, err
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			b.mu.Lock()
			data = b.buf.String()
			b.buf.Reset()
			b.mu.Unlock()
			return data, -1, ctx.Err()
		case <-b.notify:
		}
	}
}

package connection

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fakeDevice 进程内SSH服务端，模拟Cisco/Huawei命令行
type fakeDevice struct {
	Username     string
	Password     string
	EnableSecret string
	Hostname     string
	Huawei       bool

	// ErrorOn 命中的命令回显错误提示
	ErrorOn map[string]bool
	// HangOn 命中的命令不再返回提示符
	HangOn string

	listener net.Listener
	config   *ssh.ServerConfig

	mu       sync.Mutex
	received []string
	logins   int
}

func startFakeDevice(t *testing.T, d *fakeDevice) *fakeDevice {
	t.Helper()
	if d.Hostname == "" {
		d.Hostname = "R1"
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	d.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == d.Username && string(pass) == d.Password {
				d.mu.Lock()
				d.logins++
				d.mu.Unlock()
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	d.config.AddHostKey(signer)

	d.listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { d.listener.Close() })

	go d.serve()
	return d
}

func (d *fakeDevice) Endpoint(f Family) DeviceEndpoint {
	host, port, _ := net.SplitHostPort(d.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return DeviceEndpoint{Address: host, Port: p, Family: f}
}

func (d *fakeDevice) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

func (d *fakeDevice) Logins() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logins
}

func (d *fakeDevice) serve() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		go d.handleConn(conn)
	}
}

func (d *fakeDevice) handleConn(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, d.config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			started := false
			for req := range requests {
				switch req.Type {
				case "pty-req", "env":
					req.Reply(true, nil)
				case "shell":
					req.Reply(true, nil)
					if !started {
						started = true
						go d.shell(ch)
					}
				default:
					req.Reply(false, nil)
				}
			}
		}()
	}
}

type fakeMode int

const (
	modeUser fakeMode = iota
	modePassword
	modePrivileged
	modeConfig
	modeConfigIf
)

func (d *fakeDevice) prompt(m fakeMode) string {
	if d.Huawei {
		if m >= modeConfig {
			return "[" + d.Hostname + "]"
		}
		return "<" + d.Hostname + ">"
	}
	switch m {
	case modePassword:
		return "Password: "
	case modePrivileged:
		return d.Hostname + "#"
	case modeConfig:
		return d.Hostname + "(config)#"
	case modeConfigIf:
		return d.Hostname + "(config-if)#"
	default:
		return d.Hostname + ">"
	}
}

func (d *fakeDevice) shell(ch ssh.Channel) {
	defer ch.Close()
	mode := modeUser
	if d.Huawei {
		mode = modePrivileged
	}
	io.WriteString(ch, "\r\nUser Access Verification\r\n\r\n"+d.prompt(mode))

	r := bufio.NewReader(ch)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if mode == modePassword {
			io.WriteString(ch, "\r\n")
			if line == d.EnableSecret {
				mode = modePrivileged
			}
			io.WriteString(ch, d.prompt(mode))
			continue
		}

		d.mu.Lock()
		d.received = append(d.received, line)
		d.mu.Unlock()

		var out strings.Builder
		out.WriteString(line + "\r\n")

		if d.HangOn != "" && line == d.HangOn {
			io.WriteString(ch, out.String())
			continue
		}

		switch {
		case line == "":
		case d.ErrorOn[line]:
			if d.Huawei {
				out.WriteString("                 ^\r\nError: Unrecognized command found at '^' position.\r\n")
			} else {
				out.WriteString("                 ^\r\n% Invalid input detected at '^' marker.\r\n\r\n")
			}
		case line == "enable" && mode == modeUser:
			mode = modePassword
		case line == "configure terminal" && mode == modePrivileged,
			line == "system-view" && mode == modePrivileged:
			out.WriteString("Enter configuration commands, one per line.  End with CNTL/Z.\r\n")
			mode = modeConfig
		case line == "end" || line == "return":
			if mode >= modeConfig {
				mode = modePrivileged
			}
		case line == "exit":
			if mode == modeConfigIf {
				mode = modeConfig
			}
		case strings.HasPrefix(line, "interface ") && mode >= modeConfig:
			mode = modeConfigIf
		case strings.HasPrefix(line, "router ") && mode >= modeConfig:
			mode = modeConfigIf
		}
		out.WriteString(d.prompt(mode))
		io.WriteString(ch, out.String())
	}
}

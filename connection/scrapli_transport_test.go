package connection

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrapliTransport_Protocol(t *testing.T) {
	tr := NewScrapliTransport(PoolConfig{})
	assert.Equal(t, ProtocolScrapli, tr.Protocol())
	assert.NotNil(t, tr.cfg.ScrapliConfig, "nil scrapli config falls back to defaults")
}

func TestScrapliTransport_Privileges(t *testing.T) {
	for _, f := range Families() {
		if f.Protocol() != ProtocolScrapli {
			continue
		}
		privs, ok := scrapliPrivileges[f]
		assert.True(t, ok, f)
		assert.Equal(t, "configuration", privs[1], f)
		assert.NotEmpty(t, scrapliErrorPatterns[f], f)
	}
	_, commit := scrapliCommit[FamilyCiscoIOSXE]
	assert.False(t, commit)
	assert.Equal(t, "commit", scrapliCommit[FamilyJuniperJunos])
}

func TestClosingInputs(t *testing.T) {
	tests := []struct {
		family Family
		failed bool
		want   []string
	}{
		{FamilyCiscoIOSXR, false, []string{"commit"}},
		{FamilyCiscoIOSXR, true, []string{"abort"}},
		{FamilyJuniperJunos, false, []string{"commit"}},
		{FamilyJuniperJunos, true, []string{"rollback 0"}},
		{FamilyCiscoIOSXE, false, nil},
		{FamilyCiscoIOSXE, true, nil},
		{FamilyAristaEOS, true, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, closingInputs(tt.family, tt.failed), "%s failed=%v", tt.family, tt.failed)
	}

	for f := range scrapliCommit {
		_, ok := scrapliDiscard[f]
		assert.True(t, ok, "%s commits but has no discard command", f)
	}
}

func TestScrapliTransport_Connect(t *testing.T) {
	tr := NewScrapliTransport(DefaultPoolConfig())
	ctx := context.Background()

	t.Run("reachable", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()
		go func() {
			if c, err := l.Accept(); err == nil {
				c.Close()
			}
		}()

		port := l.Addr().(*net.TCPAddr).Port
		ch, err := tr.Connect(ctx, DeviceEndpoint{Address: "127.0.0.1", Port: port, Family: FamilyCiscoIOSXE})
		require.NoError(t, err)
		assert.Equal(t, port, ch.Endpoint().Port)
		assert.False(t, ch.Alive(), "not alive until the driver is opened")
		assert.NoError(t, tr.Disconnect(ch))
	})

	t.Run("refused", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()

		_, err = tr.Connect(ctx, DeviceEndpoint{Address: "127.0.0.1", Port: port, Family: FamilyAristaEOS})
		assert.Equal(t, CodeConnectFailure, CodeOf(err))
	})

	t.Run("unsupported family", func(t *testing.T) {
		_, err := tr.Connect(ctx, DeviceEndpoint{Address: "127.0.0.1", Family: FamilyCiscoIOS})
		assert.Equal(t, CodeUnsupportedFamily, CodeOf(err))
	})
}

func TestScrapliTransport_UnopenedChannel(t *testing.T) {
	tr := NewScrapliTransport(DefaultPoolConfig())
	ctx := context.Background()
	ch := &scrapliChannel{endpoint: DeviceEndpoint{Address: "10.0.0.1", Family: FamilyCiscoNXOS}}

	assert.Equal(t, CodeElevateFailure, CodeOf(tr.Elevate(ctx, ch, "secret")))
	_, err := tr.SendBatch(ctx, ch, []string{"feature ospf"}, SendOptions{})
	assert.Equal(t, CodeFailure, CodeOf(err))
	assert.Equal(t, CodeConnectFailure, CodeOf(tr.HealthCheck(ctx, ch)))

	_, err = tr.SendBatch(ctx, &mockChannel{}, nil, SendOptions{})
	assert.Equal(t, CodeFailure, CodeOf(err))
}

func TestScrapliTransport_Run(t *testing.T) {
	tr := NewScrapliTransport(DefaultPoolConfig())

	err := tr.run(context.Background(), 20*time.Millisecond, func() error {
		time.Sleep(time.Second)
		return nil
	})
	assert.True(t, isContextErr(err))

	sentinel := errors.New("send failed")
	err = tr.run(context.Background(), time.Second, func() error { return sentinel })
	assert.Same(t, sentinel, err)
	assert.False(t, isContextErr(err))
}

package fuzztarget

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/fuzztarget/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigAndBuild(t *testing.T) {
	path := writeConfig(t, `
[target]
host = "127.0.0.1"
port = 8888
socket = "tcp"
hold_connection = true
feedback_timeout = 2.5
sending_delay = 0.5

[[interface]]
tag = "login"
host = "127.0.0.1"
port = 8889
socket = "udp"
server_mode = true

[[feedback]]
id = "syslog"
host = "127.0.0.1"
port = 5140
socket = "tcp"
length = 128
`)

	c, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, c.Interfaces, 1)
	require.Len(t, c.Feedback, 1)

	tgt, err := c.Build()
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, tgt.feedbackTimeoutValue())
	assert.Equal(t, 500*time.Millisecond, tgt.sendingDelayValue())

	iface := tgt.registry.resolve(NewData([]byte("x"), "login"))
	assert.Equal(t, 8889, iface.Endpoint.Port)
	assert.Equal(t, transport.KindDatagram, iface.Endpoint.Socket.Kind)
	assert.True(t, iface.ServerMode)

	def := tgt.registry.resolve(nil)
	assert.Equal(t, 8888, def.Endpoint.Port)
	assert.True(t, def.HoldConnection)
}

func TestBuildRejectsBadTiming(t *testing.T) {
	path := writeConfig(t, `
[target]
host = "127.0.0.1"
port = 8888
feedback_timeout = 1.0
sending_delay = 1.0
`)
	c, err := LoadConfig(path)
	require.NoError(t, err)

	_, err = c.Build()
	assert.ErrorIs(t, err, ErrInvalidTiming)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestSocketTypeFor(t *testing.T) {
	tests := []struct {
		name    string
		proto   int
		want    transport.Kind
		family  transport.Family
		wantErr bool
	}{
		{name: "", want: transport.KindStream, family: transport.FamilyInet},
		{name: "tcp", want: transport.KindStream, family: transport.FamilyInet},
		{name: "udp", want: transport.KindDatagram, family: transport.FamilyInet},
		{name: "udp6", want: transport.KindDatagram, family: transport.FamilyInet6},
		{name: "raw", proto: 253, want: transport.KindRaw, family: transport.FamilyInet},
		{name: "raw", proto: 0, wantErr: true},
		{name: "sctp", wantErr: true},
	}
	for _, tt := range tests {
		st, err := socketTypeFor(tt.name, tt.proto)
		if tt.wantErr {
			assert.Error(t, err, "socket %q proto %d", tt.name, tt.proto)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, st.Kind)
		assert.Equal(t, tt.family, st.Family)
	}
}

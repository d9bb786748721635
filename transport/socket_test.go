package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		st      SocketType
		wantErr error
	}{
		{name: "stream", st: Stream()},
		{name: "datagram", st: Datagram()},
		{name: "raw with proto", st: Raw(254)},
		{name: "raw without proto", st: SocketType{Kind: KindRaw}, wantErr: ErrProtoRequired},
		{name: "stream with proto", st: SocketType{Kind: KindStream, Proto: 6}, wantErr: ErrProtoNotAllowed},
		{name: "datagram with proto", st: SocketType{Kind: KindDatagram, Proto: 17}, wantErr: ErrProtoNotAllowed},
		{name: "unknown kind", st: SocketType{Kind: Kind(42)}, wantErr: ErrUnknownSocketKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.st.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSocketTypeNetwork(t *testing.T) {
	assert.Equal(t, "tcp", Stream().Network())
	assert.Equal(t, "udp", Datagram().Network())
	assert.Equal(t, "ip4:254", Raw(254).Network())
	assert.Equal(t, "tcp6", SocketType{Family: FamilyInet6, Kind: KindStream}.Network())
	assert.Equal(t, "udp6", SocketType{Family: FamilyInet6, Kind: KindDatagram}.Network())
	assert.Equal(t, "ip6:58", SocketType{Family: FamilyInet6, Kind: KindRaw, Proto: 58}.Network())
}

func TestEndpointAddressing(t *testing.T) {
	ep := Endpoint{Host: "127.0.0.1", Port: 9999, Socket: Stream()}
	assert.Equal(t, "127.0.0.1:9999", ep.Addr())
	assert.Equal(t, "127.0.0.1:9999", ep.Key())

	raw := Endpoint{Host: "127.0.0.1", Port: 254, Socket: Raw(254)}
	assert.Equal(t, "127.0.0.1", raw.Addr())
	assert.Equal(t, "127.0.0.1:254", raw.Key())
}

func TestDialAndListenLoopback(t *testing.T) {
	ln, err := Listen(Endpoint{Host: "127.0.0.1", Port: 0, Socket: Stream()})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	conn, err := Dial(Endpoint{Host: "127.0.0.1", Port: addr.Port, Socket: Stream()}, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
}

func TestListenPacketLoopback(t *testing.T) {
	pc, err := ListenPacket(Endpoint{Host: "127.0.0.1", Port: 0, Socket: Datagram()})
	require.NoError(t, err)
	defer pc.Close()

	assert.NotNil(t, pc.LocalAddr())
}

func TestDialFailureWrapsEndpoint(t *testing.T) {
	// Port 1 on loopback is virtually guaranteed to refuse.
	_, err := Dial(Endpoint{Host: "127.0.0.1", Port: 1, Socket: Stream()}, 500*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

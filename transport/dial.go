package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Dial opens a client connection to the endpoint. Stream and datagram
// endpoints connect; raw endpoints open an IP-level connection carrying
// the configured protocol number. The returned connection has no
// deadlines set; callers bound individual operations.
func Dial(ep Endpoint, timeout time.Duration) (net.Conn, error) {
	logrus.WithFields(logrus.Fields{
		"function": "transport.Dial",
		"endpoint": ep.String(),
	}).Debug("Dialing target endpoint")

	conn, err := net.DialTimeout(ep.Socket.Network(), ep.Addr(), timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "transport.Dial",
		"endpoint":    ep.String(),
		"local_addr":  conn.LocalAddr().String(),
		"remote_addr": conn.RemoteAddr().String(),
	}).Debug("Target connection established")

	return conn, nil
}

// Listen binds a stream listener on the endpoint for server-mode
// interfaces waiting for the target to connect to us.
func Listen(ep Endpoint) (net.Listener, error) {
	ln, err := net.Listen(ep.Socket.Network(), ep.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", ep, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "transport.Listen",
		"endpoint":   ep.String(),
		"local_addr": ln.Addr().String(),
	}).Debug("Stream listener bound")

	return ln, nil
}

// ListenPacket binds a datagram or raw endpoint. Server-mode datagram
// interfaces receive the target's first packet on it; raw interfaces
// use it for both directions.
func ListenPacket(ep Endpoint) (net.PacketConn, error) {
	pc, err := net.ListenPacket(ep.Socket.Network(), ep.Addr())
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", ep, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "transport.ListenPacket",
		"endpoint":   ep.String(),
		"local_addr": pc.LocalAddr().String(),
	}).Debug("Packet endpoint bound")

	return pc, nil
}

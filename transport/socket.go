package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Family is the address family of a logical interface.
type Family int

const (
	// FamilyInet selects IPv4 addressing.
	FamilyInet Family = iota
	// FamilyInet6 selects IPv6 addressing.
	FamilyInet6
)

// Kind is the socket class of a logical interface.
type Kind int

const (
	// KindStream is a connection-oriented byte stream (TCP).
	KindStream Kind = iota
	// KindDatagram is a connectionless datagram socket (UDP).
	KindDatagram
	// KindRaw is a raw IP socket carrying a protocol number.
	KindRaw
)

// Common socket tuple errors.
var (
	// ErrUnknownSocketKind indicates an unrecognized socket class
	ErrUnknownSocketKind = errors.New("unrecognized socket kind")

	// ErrProtoRequired indicates a raw socket without a protocol number
	ErrProtoRequired = errors.New("raw socket requires a protocol number")

	// ErrProtoNotAllowed indicates a protocol number on a non-raw socket
	ErrProtoNotAllowed = errors.New("protocol number is only valid for raw sockets")
)

// SocketType is the (family, kind, protocol) tuple describing how an
// interface talks to the target. Proto is meaningful only for KindRaw.
type SocketType struct {
	Family Family
	Kind   Kind
	Proto  int
}

// Stream returns an IPv4 TCP socket tuple.
func Stream() SocketType {
	return SocketType{Family: FamilyInet, Kind: KindStream}
}

// Datagram returns an IPv4 UDP socket tuple.
func Datagram() SocketType {
	return SocketType{Family: FamilyInet, Kind: KindDatagram}
}

// Raw returns an IPv4 raw socket tuple for the given IP protocol number.
func Raw(proto int) SocketType {
	return SocketType{Family: FamilyInet, Kind: KindRaw, Proto: proto}
}

// Validate checks the tuple for internal consistency. Configuration
// calls reject invalid tuples synchronously.
func (st SocketType) Validate() error {
	switch st.Kind {
	case KindStream, KindDatagram:
		if st.Proto != 0 {
			return fmt.Errorf("%w: kind %s proto %d", ErrProtoNotAllowed, st.Kind, st.Proto)
		}
	case KindRaw:
		if st.Proto <= 0 {
			return ErrProtoRequired
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownSocketKind, int(st.Kind))
	}
	return nil
}

// Network returns the stdlib network name for the tuple.
func (st SocketType) Network() string {
	switch st.Kind {
	case KindStream:
		if st.Family == FamilyInet6 {
			return "tcp6"
		}
		return "tcp"
	case KindDatagram:
		if st.Family == FamilyInet6 {
			return "udp6"
		}
		return "udp"
	case KindRaw:
		if st.Family == FamilyInet6 {
			return "ip6:" + strconv.Itoa(st.Proto)
		}
		return "ip4:" + strconv.Itoa(st.Proto)
	}
	return ""
}

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	case KindRaw:
		return "raw"
	}
	return "unknown"
}

func (st SocketType) String() string {
	if st.Kind == KindRaw {
		return fmt.Sprintf("%s/%d", st.Kind, st.Proto)
	}
	return st.Kind.String()
}

// Endpoint pairs a host and port with the socket tuple used to reach
// it. Raw endpoints address a host only; the port is carried for
// registry identity but never dialed.
type Endpoint struct {
	Host   string
	Port   int
	Socket SocketType
}

// Addr returns the dialable address string for the endpoint.
func (e Endpoint) Addr() string {
	if e.Socket.Kind == KindRaw {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Key returns the host:port identity used by the held-connection,
// server-mode and listener registries. Several semantic tags may map to
// one key.
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s#%s", e.Key(), e.Socket)
}

// Package transport describes how logical fuzzing interfaces reach the
// system under test: the (family, kind, protocol) socket tuple, the
// endpoint addressing derived from it, and thin dial/bind helpers over
// the stdlib net package.
//
// It follows Go's interface-based networking design: net.Conn,
// net.PacketConn and net.Listener are used throughout, never concrete
// socket types, so the delivery layer above can treat every handle
// uniformly.
//
// Socket tuples mirror the three transport classes a target interface
// can be configured with:
//
//	transport.Stream()    // TCP byte stream
//	transport.Datagram()  // UDP datagrams
//	transport.Raw(254)    // raw IP, protocol number 254
//
// Validate rejects malformed tuples at configuration time; a raw tuple
// without a protocol number or a protocol number on a stream tuple is a
// configuration error, not a runtime surprise.
package transport

package fuzztarget

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fuzztarget/retry"
	"github.com/opd-ai/fuzztarget/transport"
)

const (
	// ChunkSize bounds a single feedback read.
	ChunkSize = 2048

	// acceptPollInterval is the deadline slice used by accept loops and
	// feedback collection so blocked calls re-check the stop condition.
	acceptPollInterval = 200 * time.Millisecond
)

// handle is one live wire to the target: either a stream/connected
// datagram conn, or a bound packet conn paired with the peer address
// writes go to. Handles are compared by identity; the held-connection
// registries store the same pointer the send path uses.
type handle struct {
	conn net.Conn
	pc   net.PacketConn
	peer net.Addr
	key  string // host:port registry identity
}

func (h *handle) write(b []byte) (int, error) {
	if h.conn != nil {
		return h.conn.Write(b)
	}
	return h.pc.WriteTo(b, h.peer)
}

func (h *handle) setWriteDeadline(t time.Time) error {
	if h.conn != nil {
		return h.conn.SetWriteDeadline(t)
	}
	return h.pc.SetWriteDeadline(t)
}

func (h *handle) setReadDeadline(t time.Time) error {
	if h.conn != nil {
		return h.conn.SetReadDeadline(t)
	}
	return h.pc.SetReadDeadline(t)
}

// read drains whatever the handle has ready. On a bound packet conn,
// datagrams from peers other than the recorded one are dropped.
func (h *handle) read(b []byte) (int, error) {
	if h.conn != nil {
		return h.conn.Read(b)
	}
	for {
		n, from, err := h.pc.ReadFrom(b)
		if err != nil {
			return n, err
		}
		if h.peer == nil || from.String() == h.peer.String() {
			return n, nil
		}
	}
}

func (h *handle) close() error {
	if h.conn != nil {
		return h.conn.Close()
	}
	return h.pc.Close()
}

func (h *handle) remote() net.Addr {
	if h.conn != nil {
		return h.conn.RemoteAddr()
	}
	return h.peer
}

// signal is a one-shot connected-peer event.
type signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) fire() { s.once.Do(func() { close(s.ch) }) }

func (s *signal) fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *signal) wait(d time.Duration) bool {
	select {
	case <-s.ch:
		return true
	case <-time.After(d):
		return s.fired()
	}
}

// acceptFunc is invoked when a listener produces a peer. args is the
// most recent value stored for the listener's endpoint; preFbk carries
// the first datagram of a packet listener as pre-feedback seed data.
type acceptFunc func(h *handle, peer net.Addr, args any, preFbk []byte)

// listenerEntry is one bound (address,port): a stream listener with its
// background accept loop, or a packet conn with one-shot receives.
type listenerEntry struct {
	ep transport.Endpoint
	ln net.Listener
	pc net.PacketConn
}

func (e *listenerEntry) close() {
	if e.ln != nil {
		e.ln.Close()
	}
	if e.pc != nil {
		e.pc.Close()
	}
}

// dynamicEntry tracks an interface created by ListenTo/ConnectTo.
type dynamicEntry struct {
	h   *handle // nil for listen-side entries
	ref string
}

// connState owns every mutable connection registry of one target
// instance. Its lifecycle is bound to Start/Stop; each registry has its
// own lock so accept loops, sends and collectors do not serialize each
// other.
type connState struct {
	stop     chan struct{}
	stopOnce sync.Once

	srvMu     sync.Mutex
	listeners map[string]*listenerEntry
	shared    map[string]any     // per-endpoint callback args
	lastPeers map[string]*handle // server-side hold-connection peers

	heldMu        sync.Mutex
	heldClients   map[string]*handle
	lastTransient map[string]*handle // most recent non-held client per endpoint

	auxMu      sync.Mutex
	auxHandles []*handle
	auxIDs     map[*handle]string
	auxLengths map[*handle]int

	dynMu   sync.Mutex
	dynamic map[string]dynamicEntry
}

func newConnState() *connState {
	return &connState{
		stop:          make(chan struct{}),
		listeners:     make(map[string]*listenerEntry),
		shared:        make(map[string]any),
		lastPeers:     make(map[string]*handle),
		heldClients:   make(map[string]*handle),
		lastTransient: make(map[string]*handle),
		auxIDs:        make(map[*handle]string),
		auxLengths:    make(map[*handle]int),
		dynamic:       make(map[string]dynamicEntry),
	}
}

func (st *connState) stopped() bool {
	select {
	case <-st.stop:
		return true
	default:
		return false
	}
}

// shutdown flags every loop to exit and force-closes all tracked
// handles. No goroutine joins: accept loops exit on the flag, collector
// workers on the closed handles.
func (st *connState) shutdown() {
	st.stopOnce.Do(func() { close(st.stop) })

	st.srvMu.Lock()
	for _, entry := range st.listeners {
		entry.close()
	}
	for _, h := range st.lastPeers {
		h.close()
	}
	st.listeners = make(map[string]*listenerEntry)
	st.shared = make(map[string]any)
	st.lastPeers = make(map[string]*handle)
	st.srvMu.Unlock()

	st.heldMu.Lock()
	for _, h := range st.heldClients {
		h.close()
	}
	for _, h := range st.lastTransient {
		h.close()
	}
	st.heldClients = make(map[string]*handle)
	st.lastTransient = make(map[string]*handle)
	st.heldMu.Unlock()

	st.auxMu.Lock()
	for _, h := range st.auxHandles {
		h.close()
	}
	st.auxHandles = nil
	st.auxIDs = make(map[*handle]string)
	st.auxLengths = make(map[*handle]int)
	st.auxMu.Unlock()

	st.dynMu.Lock()
	st.dynamic = make(map[string]dynamicEntry)
	st.dynMu.Unlock()
}

// clientHandle returns the held handle for the endpoint when one exists
// and hold-connection is set, otherwise dials a fresh one. Failures are
// non-fatal: the caller receives nil, records a connection error and
// skips the destination.
func (t *NetworkTarget) clientHandle(ep transport.Endpoint, hold bool) *handle {
	st := t.state
	key := ep.Key()

	if hold {
		st.heldMu.Lock()
		if h, ok := st.heldClients[key]; ok {
			st.heldMu.Unlock()
			return h
		}
		st.heldMu.Unlock()
	}

	conn, err := transport.Dial(ep, t.sendingDelayValue())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NetworkTarget.clientHandle",
			"endpoint": ep.String(),
			"error":    err.Error(),
		}).Warn("Unable to connect to target endpoint")
		return nil
	}

	h := &handle{conn: conn, key: key}
	st.heldMu.Lock()
	if hold {
		st.heldClients[key] = h
	} else {
		// Reconnect-per-send: the previous handle for this endpoint is
		// superseded and closed before the new one is used.
		if old, ok := st.lastTransient[key]; ok {
			old.close()
		}
		st.lastTransient[key] = h
	}
	st.heldMu.Unlock()
	return h
}

// listenTarget is idempotent per endpoint key. The first call binds and
// starts the receive machinery; later calls while the listener is alive
// swap the stored callback args, immediately reusing a cached
// hold-connection peer when one exists.
func (t *NetworkTarget) listenTarget(ep transport.Endpoint, fn acceptFunc, args any) error {
	st := t.state
	key := ep.Key()

	st.srvMu.Lock()
	if entry, ok := st.listeners[key]; ok {
		st.shared[key] = args
		hold := t.registry.holds(key)
		cached := st.lastPeers[key]
		st.srvMu.Unlock()

		if !hold || cached == nil {
			return nil
		}
		if ep.Socket.Kind == transport.KindStream {
			// The held peer receives the freshest args right away.
			fn(cached, cached.remote(), args, nil)
		} else {
			// Packet listeners re-arm a one-shot receive on the bound
			// socket; the next inbound datagram picks up the new args.
			go t.packetAccept(entry, fn)
		}
		return nil
	}
	st.srvMu.Unlock()

	if ep.Socket.Kind == transport.KindStream {
		ln, err := transport.Listen(ep)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "NetworkTarget.listenTarget",
				"endpoint": ep.String(),
				"error":    err.Error(),
			}).Warn("Unable to bind server-mode endpoint")
			return err
		}
		entry := &listenerEntry{ep: ep, ln: ln}
		st.srvMu.Lock()
		st.listeners[key] = entry
		st.shared[key] = args
		st.srvMu.Unlock()
		go t.acceptLoop(entry, fn)
		return nil
	}

	pc, err := transport.ListenPacket(ep)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NetworkTarget.listenTarget",
			"endpoint": ep.String(),
			"error":    err.Error(),
		}).Warn("Unable to bind server-mode endpoint")
		return err
	}
	entry := &listenerEntry{ep: ep, pc: pc}
	st.srvMu.Lock()
	st.listeners[key] = entry
	st.shared[key] = args
	// The bound socket is also the reply handle once a peer shows up.
	st.lastPeers[key] = &handle{pc: pc, key: key}
	st.srvMu.Unlock()
	go t.packetAccept(entry, fn)
	return nil
}

// acceptLoop accepts stream peers until the target stops, re-reading
// the stored args for each peer so every new connection receives the
// most recent payload.
func (t *NetworkTarget) acceptLoop(entry *listenerEntry, fn acceptFunc) {
	st := t.state
	key := entry.ep.Key()

	type deadliner interface{ SetDeadline(time.Time) error }

	for !st.stopped() {
		if d, ok := entry.ln.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		conn, err := entry.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "NetworkTarget.acceptLoop",
					"endpoint": entry.ep.String(),
					"error":    err.Error(),
				}).Warn("Accept loop terminating")
			}
			return
		}

		st.srvMu.Lock()
		args := st.shared[key]
		st.srvMu.Unlock()
		fn(&handle{conn: conn, key: key}, conn.RemoteAddr(), args, nil)
	}
}

// packetAccept performs the datagram/raw equivalent of one accept: a
// bounded receive of the peer's first packet, retried on transient
// errors, handed to the callback as pre-feedback seed data.
func (t *NetworkTarget) packetAccept(entry *listenerEntry, fn acceptFunc) {
	st := t.state
	key := entry.ep.Key()
	buf := make([]byte, ChunkSize)

	var n int
	var peer net.Addr
	err := retry.DatagramAccept.Do(func() (bool, error) {
		if st.stopped() {
			return false, net.ErrClosed
		}
		_ = entry.pc.SetReadDeadline(time.Now().Add(t.sendingDelayValue()))
		var rerr error
		n, peer, rerr = entry.pc.ReadFrom(buf)
		if rerr == nil {
			return false, nil
		}
		if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
			// The full sending delay elapsed without a packet.
			return false, rerr
		}
		if errors.Is(rerr, net.ErrClosed) {
			return false, rerr
		}
		return true, rerr
	})
	if err != nil {
		if !st.stopped() {
			logrus.WithFields(logrus.Fields{
				"function": "NetworkTarget.packetAccept",
				"endpoint": entry.ep.String(),
				"error":    err.Error(),
			}).Warn("No datagram received on server-mode endpoint")
		}
		return
	}

	st.srvMu.Lock()
	args := st.shared[key]
	if cached, ok := st.lastPeers[key]; ok && cached.pc == entry.pc {
		cached.peer = peer
	}
	st.srvMu.Unlock()

	pre := append([]byte(nil), buf[:n]...)
	fn(&handle{pc: entry.pc, peer: peer, key: key}, peer, args, pre)
}

// registerAuxHandle tracks a live auxiliary feedback handle under its
// reference id.
func (t *NetworkTarget) registerAuxHandle(h *handle, ref string, length int) {
	st := t.state
	st.auxMu.Lock()
	defer st.auxMu.Unlock()
	for _, existing := range st.auxHandles {
		if existing == h {
			return
		}
	}
	st.auxHandles = append(st.auxHandles, h)
	st.auxIDs[h] = ref
	st.auxLengths[h] = length
}

// auxFeedbackHandles snapshots the auxiliary handle set for a collector
// pass.
func (t *NetworkTarget) auxFeedbackHandles() []*fbkHandle {
	st := t.state
	st.auxMu.Lock()
	defer st.auxMu.Unlock()

	out := make([]*fbkHandle, 0, len(st.auxHandles))
	for _, h := range st.auxHandles {
		out = append(out, &fbkHandle{
			h:        h,
			ref:      st.auxIDs[h],
			expected: st.auxLengths[h],
		})
	}
	return out
}

// purgeHandle removes a dead handle from every registry so obsolete
// handles never accumulate. Runs on every error path. Server-side
// datagram handles wrap the listener's packet conn in a fresh struct,
// so the listener registries are matched on the shared conn rather
// than handle identity: closing the handle kills the bound socket and
// a later send must rebind instead of reusing it.
func (t *NetworkTarget) purgeHandle(h *handle) {
	st := t.state

	st.srvMu.Lock()
	for k, ph := range st.lastPeers {
		if ph == h || (h.pc != nil && ph.pc == h.pc) {
			delete(st.lastPeers, k)
		}
	}
	if h.pc != nil {
		for k, entry := range st.listeners {
			if entry.pc == h.pc {
				delete(st.listeners, k)
				delete(st.shared, k)
			}
		}
	}
	st.srvMu.Unlock()

	st.heldMu.Lock()
	for k, ch := range st.heldClients {
		if ch == h {
			delete(st.heldClients, k)
		}
	}
	for k, ch := range st.lastTransient {
		if ch == h {
			delete(st.lastTransient, k)
		}
	}
	st.heldMu.Unlock()

	st.auxMu.Lock()
	for i, ah := range st.auxHandles {
		if ah == h {
			st.auxHandles = append(st.auxHandles[:i], st.auxHandles[i+1:]...)
			delete(st.auxIDs, h)
			delete(st.auxLengths, h)
			break
		}
	}
	st.auxMu.Unlock()
}

// isShared reports whether a handle must outlive the current collector
// pass: held client connections, held server peers and registered
// auxiliary handles stay open.
func (t *NetworkTarget) isShared(h *handle) bool {
	st := t.state

	st.srvMu.Lock()
	for _, ph := range st.lastPeers {
		if ph == h || (h.pc != nil && ph.pc == h.pc) {
			st.srvMu.Unlock()
			return true
		}
	}
	st.srvMu.Unlock()

	st.heldMu.Lock()
	for _, ch := range st.heldClients {
		if ch == h {
			st.heldMu.Unlock()
			return true
		}
	}
	st.heldMu.Unlock()

	st.auxMu.Lock()
	defer st.auxMu.Unlock()
	for _, ah := range st.auxHandles {
		if ah == h {
			return true
		}
	}
	return false
}

// releaseHandle closes a handle unless a registry still needs it.
func (t *NetworkTarget) releaseHandle(h *handle) {
	if t.isShared(h) {
		return
	}
	h.close()
}

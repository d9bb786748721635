package fuzztarget

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fuzztarget/retry"
	"github.com/opd-ai/fuzztarget/transport"
)

// sendRef carries what one handle must deliver.
type sendRef struct {
	data *Data
	ep   transport.Endpoint
}

// targetConnArgs is the callback state for server-mode payload
// interfaces. The stored value is swapped on every new send so a
// connecting peer always receives the most recent payload.
type targetConnArgs struct {
	data    *Data
	ep      transport.Endpoint
	ev      *signal
	fromFMK bool
	op      *operation
}

// fbkServerArgs is the callback state for server-mode auxiliary
// feedback sources.
type fbkServerArgs struct {
	ref    string
	length int
	ev     *signal
}

// Send delivers one payload on behalf of the framework: it bumps the
// operation id, resolves the interface, writes, and hands every handle
// to an asynchronous feedback collector. The call returns within the
// sending-delay bound; completion is observed via IsReadyForNext.
func (t *NetworkTarget) Send(data *Data) error {
	return t.sendData(data, true)
}

// SendSync delivers a payload from user code (a probe or operator)
// without interfering with framework-driven sends: one serialization
// lock spans resolve+send. Feedback collection stays asynchronous.
func (t *NetworkTarget) SendSync(data *Data) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.sendData(data, false)
}

// SendMultiple stimulates several target inputs in one operation: every
// payload is resolved and dispatched, server-mode peers share one
// shrinking wait within the delay budget, and all resulting handles
// feed one shared feedback pass.
func (t *NetworkTarget) SendMultiple(data []*Data) error {
	return t.sendMultipleData(data, true)
}

// SendMultipleSync is the user-code variant of SendMultiple.
func (t *NetworkTarget) SendMultipleSync(data []*Data) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.sendMultipleData(data, false)
}

// CollectFeedbackWithoutSending drains residual feedback from held and
// auxiliary handles without emitting a payload.
func (t *NetworkTarget) CollectFeedbackWithoutSending() error {
	return t.sendData(nil, true)
}

// beforeSending runs the fixed pre-send steps: operation bookkeeping
// for framework calls, hardware-address injection for raw-destined
// payloads, and the user pre-send hook.
func (t *NetworkTarget) beforeSending(list []*Data, fromFMK bool) *operation {
	var op *operation
	t.opMu.Lock()
	if fromFMK {
		t.sendID++
		op = &operation{id: t.sendID}
		t.current = op
		t.first = true
	}
	// User-code sends never consume the flag (the auxiliary pass is
	// framework-only), so an interleaved sync send cannot strip the
	// auxiliary handles from a pending framework operation.
	t.opMu.Unlock()

	if fromFMK {
		t.ackMu.Lock()
		t.lastAck = time.Time{}
		t.ackMu.Unlock()
	}

	for _, d := range list {
		if d == nil {
			continue
		}
		iface := t.registry.resolve(d)
		if iface.Endpoint.Socket.Kind == transport.KindRaw {
			t.injectHardwareAddresses(d)
		}
	}
	t.hooks.BeforeSend(list)
	return op
}

// takeFirstAuxPass reports whether this delivery is the first of the
// current framework operation and should therefore carry the auxiliary
// feedback handles.
func (t *NetworkTarget) takeFirstAuxPass() bool {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	v := t.first
	t.first = false
	return v
}

func (t *NetworkTarget) sendData(data *Data, fromFMK bool) error {
	if err := t.requireStarted(); err != nil {
		return err
	}
	op := t.beforeSending([]*Data{data}, fromFMK)
	if op != nil {
		defer op.seal()
	}

	iface := t.registry.resolve(data)
	ep := iface.Endpoint
	key := ep.Key()
	hold := t.registry.holds(key)

	if data == nil && (!hold || t.feedbackTimeoutValue() == 0) {
		// Residual-feedback collection needs a held handle to read
		// from; without one there is nothing to do.
		return nil
	}

	if iface.ServerMode {
		ev := newSignal()
		args := &targetConnArgs{data: data, ep: ep, ev: ev, fromFMK: fromFMK, op: op}
		if err := t.listenTarget(ep, t.handleTargetConnection, args); err != nil {
			t.recordDeliveryProblem(ErrCodeConnFailed,
				fmt.Sprintf("unable to wait for the target on %s", key))
			return nil
		}
		if !ev.wait(t.sendingDelayValue()) && ep.Socket.Kind == transport.KindStream {
			t.recordDeliveryProblem(ErrCodeNoPeer,
				fmt.Sprintf("unable to send data: the target did not connect to us on %s", key))
		}
		return nil
	}

	h := t.clientHandle(ep, hold)
	if h == nil {
		t.recordDeliveryProblem(ErrCodeConnFailed,
			fmt.Sprintf("unable to send data to %s", key))
		return nil
	}
	return t.deliver([]*handle{h}, map[*handle]sendRef{h: {data: data, ep: ep}}, op, fromFMK, nil)
}

func (t *NetworkTarget) sendMultipleData(list []*Data, fromFMK bool) error {
	if err := t.requireStarted(); err != nil {
		return err
	}
	op := t.beforeSending(list, fromFMK)
	if op != nil {
		defer op.seal()
	}

	var handles []*handle
	refs := make(map[*handle]sendRef)
	pending := make(map[string]*signal)

	for _, data := range list {
		iface := t.registry.resolve(data)
		ep := iface.Endpoint
		key := ep.Key()
		hold := t.registry.holds(key)

		if data == nil && (!hold || t.feedbackTimeoutValue() == 0) {
			continue
		}

		if iface.ServerMode {
			ev := newSignal()
			args := &targetConnArgs{data: data, ep: ep, ev: ev, fromFMK: fromFMK, op: op}
			if err := t.listenTarget(ep, t.handleTargetConnection, args); err != nil {
				t.recordDeliveryProblem(ErrCodeConnFailed,
					fmt.Sprintf("unable to wait for the target on %s", key))
				continue
			}
			pending[key] = ev
			continue
		}

		h := t.clientHandle(ep, hold)
		if h == nil {
			t.recordDeliveryProblem(ErrCodeConnFailed,
				fmt.Sprintf("unable to send data to %s", key))
			continue
		}
		if _, dup := refs[h]; !dup {
			handles = append(handles, h)
			refs[h] = sendRef{data: data, ep: ep}
		}
	}

	var err error
	if len(handles) > 0 {
		err = t.deliver(handles, refs, op, fromFMK, nil)
	}

	// One shared wait for every server-mode peer, with a shrinking
	// pending set, inside the common delay budget.
	if len(pending) > 0 {
		deadline := time.Now().Add(t.sendingDelayValue())
		for len(pending) > 0 && time.Now().Before(deadline) {
			for key, ev := range pending {
				if ev.wait(acceptPollInterval) {
					delete(pending, key)
				}
			}
		}
		for key := range pending {
			t.recordDeliveryProblem(ErrCodeNoPeer,
				fmt.Sprintf("unable to send data: the target did not connect to us on %s", key))
		}
	}
	return err
}

// handleTargetConnection runs when a server-mode interface sees its
// peer: the peer handle is cached for hold-connection endpoints, the
// waiter is released, and the payload is delivered on the new handle.
func (t *NetworkTarget) handleTargetConnection(h *handle, peer net.Addr, args any, preFbk []byte) {
	a, ok := args.(*targetConnArgs)
	if !ok || a == nil {
		h.close()
		return
	}

	if t.registry.holds(h.key) {
		st := t.state
		st.srvMu.Lock()
		if old := st.lastPeers[h.key]; old != nil && old != h && old.conn != nil {
			// Supersede a previous stream peer before replacement.
			old.close()
		}
		if h.conn != nil {
			st.lastPeers[h.key] = h
		}
		st.srvMu.Unlock()
	}
	a.ev.fire()

	var seed map[*handle][]byte
	if len(preFbk) > 0 {
		seed = map[*handle][]byte{h: preFbk}
	}
	refs := map[*handle]sendRef{h: {data: a.data, ep: a.ep}}
	if err := t.deliver([]*handle{h}, refs, a.op, a.fromFMK, seed); err != nil {
		// The accept loop has no caller to propagate to; surface the
		// stuck condition through the feedback store.
		t.recordDeliveryProblem(ErrCodeHandleError, err.Error())
	}
}

// handleFeedbackServerConnection registers a peer that connected to a
// server-mode auxiliary feedback source.
func (t *NetworkTarget) handleFeedbackServerConnection(h *handle, peer net.Addr, args any, preFbk []byte) {
	a, ok := args.(*fbkServerArgs)
	if !ok || a == nil {
		h.close()
		return
	}
	a.ev.fire()
	t.registerAuxHandle(h, a.ref, a.length)
	if len(preFbk) > 0 {
		t.fbkMu.Lock()
		t.store.AddFrom(a.ref, preFbk)
		t.fbkMu.Unlock()
	}
}

// deliver writes each handle's payload and spawns the single feedback
// collector of the operation. A nil payload turns the pass into pure
// feedback collection over the given handles.
func (t *NetworkTarget) deliver(handles []*handle, refs map[*handle]sendRef, op *operation, fromFMK bool, preFbk map[*handle][]byte) error {
	var fbkHandles []*fbkHandle
	if fromFMK && t.takeFirstAuxPass() {
		fbkHandles = t.auxFeedbackHandles()
	}

	for _, h := range handles {
		ref := refs[h]
		if ref.data != nil {
			if err := t.writePayload(h, ref); err != nil {
				if errors.Is(err, ErrTargetStuck) {
					h.close()
					t.purgeHandle(h)
					return err
				}
				// Non-fatal write problem already recorded; the handle
				// still participates in feedback collection.
			}
		}

		fh := &fbkHandle{h: h, ref: defaultFbkID(ref.ep.Key()), expected: t.feedbackLengthValue()}
		if seed, ok := preFbk[h]; ok && len(seed) > 0 {
			fh.chunks = append(fh.chunks, seed)
			fh.got = len(seed)
		}
		fbkHandles = append(fbkHandles, fh)
	}

	if len(fbkHandles) == 0 {
		return nil
	}
	if fromFMK && op != nil {
		op.spawned.Add(1)
	}
	go t.collectFeedback(op, fromFMK, fbkHandles, t.feedbackTimeoutValue())
	return nil
}

// writePayload pushes one payload out, retrying bounded on would-block
// and escalating anything unrecoverable to the fatal stuck condition.
func (t *NetworkTarget) writePayload(h *handle, ref sendRef) error {
	raw := ref.data.Bytes()
	total := 0

	err := retry.Send.Do(func() (bool, error) {
		_ = h.setWriteDeadline(time.Now().Add(t.sendingDelayValue()))
		for total < len(raw) {
			n, werr := h.write(raw[total:])
			total += n
			if werr == nil {
				if n == 0 {
					// A successful zero-byte write means the peer is
					// gone.
					return false, &TargetStuckError{Addr: h.key}
				}
				continue
			}
			if isTimeoutErr(werr) {
				return true, werr
			}
			if strings.Contains(werr.Error(), "message too long") {
				return false, werr
			}
			return false, &TargetStuckError{Addr: h.key, Err: werr}
		}
		return false, nil
	})
	if err == nil {
		return nil
	}

	if strings.Contains(err.Error(), "message too long") {
		// Oversized raw frame: recorded, not fatal.
		t.fbkMu.Lock()
		t.store.AddFrom(internalsRef, []byte("payload was not sent because it was too long"))
		t.fbkMu.Unlock()
		return err
	}
	var stuck *TargetStuckError
	if errors.As(err, &stuck) {
		return stuck
	}
	// Would-block retries exhausted: the send path escalates to the
	// stuck condition.
	return &TargetStuckError{Addr: h.key, Err: err}
}

// rawListenTo arms a feedback listener and, on the initial binding of
// the endpoint (or whenever its connection is not held), waits for a
// peer within waitTime.
func (t *NetworkTarget) rawListenTo(ep transport.Endpoint, ref string, length int, waitTime time.Duration) error {
	st := t.state
	key := ep.Key()

	st.srvMu.Lock()
	_, alive := st.listeners[key]
	st.srvMu.Unlock()
	initial := !alive

	ev := newSignal()
	args := &fbkServerArgs{ref: ref, length: length, ev: ev}
	if err := t.listenTarget(ep, t.handleFeedbackServerConnection, args); err != nil {
		return err
	}

	if initial || !t.registry.holds(key) {
		if !ev.wait(waitTime) {
			logrus.WithFields(logrus.Fields{
				"function": "NetworkTarget.rawListenTo",
				"endpoint": ep.String(),
				"ref":      ref,
			}).Warn("Feedback unavailable: no client connected to us")
		}
	}
	return nil
}

// rawConnectTo opens a client feedback channel and registers it as an
// auxiliary handle.
func (t *NetworkTarget) rawConnectTo(ep transport.Endpoint, ref string, length int, hold bool) *handle {
	h := t.clientHandle(ep, hold)
	if h == nil {
		logrus.WithFields(logrus.Fields{
			"function": "NetworkTarget.rawConnectTo",
			"endpoint": ep.String(),
			"ref":      ref,
		}).Warn("Unable to connect to feedback source")
		return nil
	}
	t.registerAuxHandle(h, ref, length)
	return h
}

// ListenTo arms a dynamic feedback-only listener while the target is
// already running. Peer data collected from it appears under ref.
func (t *NetworkTarget) ListenTo(host string, port int, st transport.SocketType, ref string, expectedLength int, hold bool) error {
	if err := st.Validate(); err != nil {
		return newConfigurationError("listen to", err)
	}
	if err := t.requireStarted(); err != nil {
		return err
	}
	ep := transport.Endpoint{Host: host, Port: port, Socket: st}
	key := ep.Key()
	t.registry.setHold(key, hold)

	if err := t.rawListenTo(ep, ref, expectedLength, t.feedbackTimeoutValue()); err != nil {
		return err
	}
	t.state.dynMu.Lock()
	t.state.dynamic[key] = dynamicEntry{ref: ref}
	t.state.dynMu.Unlock()
	return nil
}

// ConnectTo opens a dynamic client feedback channel while the target is
// already running.
func (t *NetworkTarget) ConnectTo(host string, port int, st transport.SocketType, ref string, expectedLength int, hold bool) error {
	if err := st.Validate(); err != nil {
		return newConfigurationError("connect to", err)
	}
	if err := t.requireStarted(); err != nil {
		return err
	}
	ep := transport.Endpoint{Host: host, Port: port, Socket: st}
	key := ep.Key()
	t.registry.setHold(key, hold)

	h := t.rawConnectTo(ep, ref, expectedLength, hold)
	if h == nil {
		return fmt.Errorf("connect to %s: no handle", ep)
	}
	t.state.dynMu.Lock()
	t.state.dynamic[key] = dynamicEntry{h: h, ref: ref}
	t.state.dynMu.Unlock()
	return nil
}

// RemoveDynamicInterface tears down one dynamic feedback channel,
// closing its handles and purging every registry trace.
func (t *NetworkTarget) RemoveDynamicInterface(host string, port int) error {
	if err := t.requireStarted(); err != nil {
		return err
	}
	st := t.state
	key := (transport.Endpoint{Host: host, Port: port}).Key()

	st.dynMu.Lock()
	entry, ok := st.dynamic[key]
	if ok {
		delete(st.dynamic, key)
	}
	st.dynMu.Unlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "NetworkTarget.RemoveDynamicInterface",
			"endpoint": key,
		}).Warn("Unable to remove inexistent interface")
		return ErrUnknownInterface
	}

	t.registry.clearHold(key)

	st.heldMu.Lock()
	if h, held := st.heldClients[key]; held {
		delete(st.heldClients, key)
		h.close()
	}
	st.heldMu.Unlock()

	if entry.h != nil {
		t.purgeHandle(entry.h)
		entry.h.close()
		return nil
	}

	// Listen-side entry: drop every auxiliary handle collected under
	// its reference, plus the listener itself.
	st.auxMu.Lock()
	var victims []*handle
	for _, ah := range st.auxHandles {
		if st.auxIDs[ah] == entry.ref {
			victims = append(victims, ah)
		}
	}
	st.auxMu.Unlock()
	for _, h := range victims {
		t.purgeHandle(h)
		h.close()
	}

	st.srvMu.Lock()
	if ln, alive := st.listeners[key]; alive {
		delete(st.listeners, key)
		delete(st.shared, key)
		ln.close()
	}
	if ph, cached := st.lastPeers[key]; cached {
		delete(st.lastPeers, key)
		ph.close()
	}
	st.srvMu.Unlock()
	return nil
}

// RemoveAllDynamicInterfaces removes every channel created by ListenTo
// or ConnectTo.
func (t *NetworkTarget) RemoveAllDynamicInterfaces() {
	if err := t.requireStarted(); err != nil {
		return
	}
	st := t.state
	st.dynMu.Lock()
	keys := make([]string, 0, len(st.dynamic))
	for key := range st.dynamic {
		keys = append(keys, key)
	}
	st.dynMu.Unlock()

	for _, key := range keys {
		host, port := splitKey(key)
		_ = t.RemoveDynamicInterface(host, port)
	}
}

func splitKey(key string) (string, int) {
	host, portStr, err := net.SplitHostPort(key)
	if err != nil {
		return key, 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

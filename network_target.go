package fuzztarget

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fuzztarget/feedback"
	"github.com/opd-ai/fuzztarget/transport"
)

// internalsRef is the feedback reference under which the target records
// its own delivery problems.
const internalsRef = "NetworkTarget()"

// generatedFbkPrefix marks auto-generated auxiliary reference ids;
// user-supplied ids must not collide with it.
const generatedFbkPrefix = "fbk-"

func defaultFbkID(key string) string {
	return "primary feedback - " + key
}

// Options configures a NetworkTarget. Host, Port and Socket describe
// the default interface; its semantic tag is optional and only matters
// once more interfaces are registered.
type Options struct {
	Host           string
	Port           int
	Socket         transport.SocketType
	Tag            string
	ServerMode     bool
	HoldConnection bool

	// MACSrc overrides the source hardware address injected into raw
	// frames; nil picks the first non-loopback interface's address.
	// MACDst is optional and left alone when nil.
	MACSrc net.HardwareAddr
	MACDst net.HardwareAddr

	// FeedbackTimeout bounds feedback collection per operation;
	// SendingDelay bounds payload writes and server-mode peer waits.
	// The delay must stay strictly below the timeout.
	FeedbackTimeout time.Duration
	SendingDelay    time.Duration

	// FeedbackLength, when positive, stops primary-channel collection
	// once that many bytes arrived instead of waiting for the timeout.
	FeedbackLength int

	Hooks Hooks
}

// NewOptions returns options with the usual defaults: a stream client
// interface on localhost with a 6s feedback timeout and 4s sending
// delay.
func NewOptions() *Options {
	return &Options{
		Host:            "localhost",
		Port:            12345,
		Socket:          transport.Stream(),
		FeedbackTimeout: 6 * time.Second,
		SendingDelay:    4 * time.Second,
	}
}

// auxDesc is a registered-but-not-yet-live auxiliary feedback source;
// Start materializes it.
type auxDesc struct {
	ep     transport.Endpoint
	ref    string
	length int
	server bool
}

// NetworkTarget delivers payloads to a network peer and collects
// feedback from the primary reply channel and any number of auxiliary
// channels. It implements Target.
type NetworkTarget struct {
	registry *registry
	store    *feedback.Store
	hooks    Hooks

	macSrc net.HardwareAddr
	macDst net.HardwareAddr

	timingMu   sync.Mutex
	fbkTimeout time.Duration
	delay      time.Duration
	fbkLength  int

	// sendMu serializes user-code sends against framework-driven ones;
	// it spans resolve+send but never feedback collection.
	sendMu sync.Mutex
	// fbkMu serializes feedback filtering and store updates.
	fbkMu sync.Mutex

	stateMu sync.Mutex
	state   *connState
	started bool

	auxMu    sync.Mutex
	auxDescs []auxDesc

	opMu    sync.Mutex
	sendID  uint64
	current *operation
	first   bool // next framework delivery attaches the auxiliary handles

	ackMu   sync.Mutex
	lastAck time.Time
}

var _ Target = (*NetworkTarget)(nil)

// New builds a NetworkTarget from options, validating the socket tuple
// and the timing relation synchronously.
func New(options *Options) (*NetworkTarget, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Socket.Validate(); err != nil {
		return nil, newConfigurationError("new target", err)
	}
	if options.FeedbackTimeout != 0 && options.SendingDelay >= options.FeedbackTimeout {
		return nil, newConfigurationError("new target", ErrInvalidTiming)
	}

	hooks := options.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	macSrc := options.MACSrc
	if macSrc == nil {
		macSrc = defaultSourceHardwareAddr()
	}

	t := &NetworkTarget{
		registry:   newRegistry(),
		store:      feedback.NewStore(),
		hooks:      hooks,
		macSrc:     macSrc,
		macDst:     options.MACDst,
		fbkTimeout: options.FeedbackTimeout,
		delay:      options.SendingDelay,
		fbkLength:  options.FeedbackLength,
	}

	ep := transport.Endpoint{Host: options.Host, Port: options.Port, Socket: options.Socket}
	def := Interface{
		Tag:            SemanticUnknown,
		Endpoint:       ep,
		ServerMode:     options.ServerMode,
		HoldConnection: options.HoldConnection,
	}
	t.registry.add(def)
	if options.Tag != "" && options.Tag != SemanticUnknown {
		def.Tag = options.Tag
		t.registry.add(def)
	}

	logrus.WithFields(logrus.Fields{
		"function": "fuzztarget.New",
		"endpoint": ep.String(),
		"server":   options.ServerMode,
		"hold":     options.HoldConnection,
	}).Debug("Network target created")

	return t, nil
}

// RegisterInterface associates a semantic tag with an endpoint and its
// connection policy. Registering more than one tag activates
// multi-destination routing. Repeatable; an existing tag is replaced.
func (t *NetworkTarget) RegisterInterface(tag, host string, port int, st transport.SocketType, serverMode, holdConnection bool) error {
	if err := st.Validate(); err != nil {
		return newConfigurationError("register interface", err)
	}
	t.registry.add(Interface{
		Tag:            tag,
		Endpoint:       transport.Endpoint{Host: host, Port: port, Socket: st},
		ServerMode:     serverMode,
		HoldConnection: holdConnection,
	})
	return nil
}

// AddFeedbackInterface registers an auxiliary feedback source to be
// connected (or listened on) when the target starts. An empty id gets a
// generated one; the chosen id is returned. expectedLength zero means
// collect until the feedback timeout. Auxiliary sources always hold
// their connection.
func (t *NetworkTarget) AddFeedbackInterface(host string, port int, st transport.SocketType, id string, expectedLength int, serverMode bool) (string, error) {
	if err := st.Validate(); err != nil {
		return "", newConfigurationError("add feedback interface", err)
	}
	if id == "" {
		id = generatedFbkPrefix + uuid.NewString()
	} else if strings.HasPrefix(id, generatedFbkPrefix) {
		return "", newConfigurationError("add feedback interface", ErrReservedFeedbackID)
	}

	ep := transport.Endpoint{Host: host, Port: port, Socket: st}
	t.registry.setHold(ep.Key(), true)

	t.auxMu.Lock()
	t.auxDescs = append(t.auxDescs, auxDesc{ep: ep, ref: id, length: expectedLength, server: serverMode})
	t.auxMu.Unlock()
	return id, nil
}

// SetTimeouts sets both the feedback timeout and the sending delay; the
// delay must stay strictly below the timeout.
func (t *NetworkTarget) SetTimeouts(fbkTimeout, sendingDelay time.Duration) error {
	if sendingDelay >= fbkTimeout {
		return newConfigurationError("set timeouts", ErrInvalidTiming)
	}
	t.timingMu.Lock()
	defer t.timingMu.Unlock()
	t.delay = sendingDelay
	t.fbkTimeout = fbkTimeout
	return nil
}

// SetFeedbackTimeout adjusts the collection budget. Zero is the
// residual-feedback special case: collection stops immediately and the
// sending delay is deliberately left untouched, since clamping it here
// would not be recoverable. Otherwise the delay is clamped below the
// new timeout.
func (t *NetworkTarget) SetFeedbackTimeout(d time.Duration) error {
	if d < 0 {
		return newConfigurationError("set feedback timeout", ErrInvalidTiming)
	}
	t.timingMu.Lock()
	defer t.timingMu.Unlock()
	t.fbkTimeout = d
	if d == 0 {
		return nil
	}
	if t.delay >= d {
		clamped := d - acceptPollInterval
		if clamped < 0 {
			clamped = 0
		}
		t.delay = clamped
	}
	return nil
}

func (t *NetworkTarget) feedbackTimeoutValue() time.Duration {
	t.timingMu.Lock()
	defer t.timingMu.Unlock()
	return t.fbkTimeout
}

func (t *NetworkTarget) sendingDelayValue() time.Duration {
	t.timingMu.Lock()
	defer t.timingMu.Unlock()
	return t.delay
}

func (t *NetworkTarget) feedbackLengthValue() int {
	t.timingMu.Lock()
	defer t.timingMu.Unlock()
	return t.fbkLength
}

// Start resets the connection registries and operation counters, then
// materializes every registered auxiliary feedback source.
func (t *NetworkTarget) Start() error {
	t.stateMu.Lock()
	t.state = newConnState()
	t.started = true
	t.stateMu.Unlock()

	t.opMu.Lock()
	t.sendID = 0
	t.current = nil
	t.first = true
	t.opMu.Unlock()

	t.ackMu.Lock()
	t.lastAck = time.Time{}
	t.ackMu.Unlock()

	t.store.Reset()

	t.auxMu.Lock()
	descs := append([]auxDesc(nil), t.auxDescs...)
	t.auxMu.Unlock()
	for _, d := range descs {
		if d.server {
			t.rawListenTo(d.ep, d.ref, d.length, t.feedbackTimeoutValue())
		} else {
			t.rawConnectTo(d.ep, d.ref, d.length, true)
		}
	}

	logrus.WithField("function", "NetworkTarget.Start").Debug("Target started")
	return nil
}

// Stop sets the global stop flag and forcibly closes every live handle:
// listeners, held connections and auxiliary channels. Accept loops exit
// on the flag; collector workers exit on the closed handles. No thread
// joins.
func (t *NetworkTarget) Stop() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if !t.started {
		return ErrNotStarted
	}
	t.state.shutdown()
	t.started = false

	logrus.WithField("function", "NetworkTarget.Stop").Debug("Target stopped")
	return nil
}

func (t *NetworkTarget) requireStarted() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if !t.started {
		return ErrNotStarted
	}
	return nil
}

// Feedback returns the store filled by collection workers.
func (t *NetworkTarget) Feedback() *feedback.Store {
	return t.store
}

// IsReadyForNext reports whether the latest framework operation's
// completion count reached its worker count.
func (t *NetworkTarget) IsReadyForNext() bool {
	t.opMu.Lock()
	op := t.current
	t.opMu.Unlock()
	if op == nil {
		return true
	}
	return op.ready()
}

// LastAckTime is the first moment feedback arrived after the latest
// emission; zero when the target never answered.
func (t *NetworkTarget) LastAckTime() time.Time {
	t.ackMu.Lock()
	defer t.ackMu.Unlock()
	return t.lastAck
}

func (t *NetworkTarget) stampAck(when time.Time) {
	t.ackMu.Lock()
	t.lastAck = when
	t.ackMu.Unlock()
}

// RecordInfo lets collaborators put a note into the target's log
// stream, for example during initialization.
func (t *NetworkTarget) RecordInfo(info string) {
	logrus.WithFields(logrus.Fields{
		"function": "NetworkTarget.RecordInfo",
		"info":     info,
	}).Info("Target note")
}

// Describe renders every distinct configured endpoint with its
// policies.
func (t *NetworkTarget) Describe() string {
	ifaces := t.registry.describe()
	parts := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		parts = append(parts, fmt.Sprintf("%s (serv:%t,hold:%t)",
			iface.Endpoint.String(), iface.ServerMode, iface.HoldConnection))
	}
	return strings.Join(parts, ", ")
}

// recordDeliveryProblem notes a non-fatal delivery failure: the error
// code and a message under the internals reference.
func (t *NetworkTarget) recordDeliveryProblem(code int, msg string) {
	logrus.WithFields(logrus.Fields{
		"function": "NetworkTarget.recordDeliveryProblem",
		"code":     code,
		"detail":   msg,
	}).Warn("Delivery problem")

	t.fbkMu.Lock()
	t.store.SetErrorCode(code)
	t.store.AddFrom(internalsRef, []byte(msg))
	t.fbkMu.Unlock()
}

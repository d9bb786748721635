package fuzztarget

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fuzztarget/transport"
)

// SemanticUnknown is the reserved tag holding the endpoint used for
// unclassified payloads. Every target has one; it is the first
// interface given at construction.
const SemanticUnknown = "<unknown>"

// Interface is one logical interface of the target: a semantic tag
// bound to an endpoint plus its connection policy. Entries are replaced
// on re-registration, never mutated in place.
type Interface struct {
	Tag            string
	Endpoint       transport.Endpoint
	ServerMode     bool
	HoldConnection bool
}

// registry maps semantic tags to logical interfaces. Server-mode and
// hold-connection policies are additionally tracked per host:port key,
// since several tags may share one endpoint.
type registry struct {
	mu     sync.RWMutex
	byTag  map[string]Interface
	order  []string // registration order of non-default tags
	server map[string]bool
	hold   map[string]bool
}

func newRegistry() *registry {
	return &registry{
		byTag:  make(map[string]Interface),
		server: make(map[string]bool),
		hold:   make(map[string]bool),
	}
}

// add registers or replaces an interface. The unclassified entry never
// appears in the matching order.
func (r *registry) add(iface Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTag[iface.Tag]; !exists && iface.Tag != SemanticUnknown {
		r.order = append(r.order, iface.Tag)
	}
	r.byTag[iface.Tag] = iface
	key := iface.Endpoint.Key()
	r.server[key] = iface.ServerMode
	r.hold[key] = iface.HoldConnection
}

// multipleDestinations reports whether more than one routable tag is
// registered.
func (r *registry) multipleDestinations() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order) > 1
}

// setHold overrides the hold-connection policy for a host:port key;
// used by dynamic and auxiliary feedback interfaces.
func (r *registry) setHold(key string, hold bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hold[key] = hold
}

func (r *registry) clearHold(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hold, key)
}

func (r *registry) holds(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hold[key]
}

// resolve maps a payload to the interface that should carry it. The
// payload's semantic tags are intersected with the registered tags in
// registration order; the first match wins, anything else routes to the
// unclassified interface.
func (r *registry) resolve(data *Data) Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if data == nil {
		return r.byTag[SemanticUnknown]
	}
	if data.IsEmpty() {
		logrus.WithField("function", "registry.resolve").
			Warn("Empty payload received, routing to unclassified interface")
		return r.byTag[SemanticUnknown]
	}

	for _, tag := range r.order {
		for _, sem := range data.Semantics() {
			if sem == tag {
				return r.byTag[tag]
			}
		}
	}
	return r.byTag[SemanticUnknown]
}

// describe renders every distinct endpoint with its policies.
func (r *registry) describe() []Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Interface
	appendIface := func(iface Interface) {
		key := iface.Endpoint.Key()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, iface)
	}

	if def, ok := r.byTag[SemanticUnknown]; ok {
		appendIface(def)
	}
	for _, tag := range r.order {
		appendIface(r.byTag[tag])
	}
	return out
}

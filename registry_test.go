package fuzztarget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/fuzztarget/transport"
)

func newTestRegistry(t *testing.T) *registry {
	t.Helper()
	r := newRegistry()
	r.add(Interface{
		Tag:      SemanticUnknown,
		Endpoint: transport.Endpoint{Host: "localhost", Port: 9000, Socket: transport.Stream()},
	})
	return r
}

func TestRegistryResolveFirstMatchWins(t *testing.T) {
	r := newTestRegistry(t)
	r.add(Interface{
		Tag:      "login",
		Endpoint: transport.Endpoint{Host: "localhost", Port: 9001, Socket: transport.Stream()},
	})
	r.add(Interface{
		Tag:      "telemetry",
		Endpoint: transport.Endpoint{Host: "localhost", Port: 9002, Socket: transport.Datagram()},
	})

	// Payload carries both tags; registration order decides.
	d := NewData([]byte("x"), "telemetry", "login")
	iface := r.resolve(d)
	assert.Equal(t, "login", iface.Tag)
	assert.Equal(t, 9001, iface.Endpoint.Port)
}

func TestRegistryResolveUnmatchedGoesToDefault(t *testing.T) {
	r := newTestRegistry(t)
	r.add(Interface{
		Tag:      "login",
		Endpoint: transport.Endpoint{Host: "localhost", Port: 9001, Socket: transport.Stream()},
	})

	iface := r.resolve(NewData([]byte("x"), "no-such-tag"))
	assert.Equal(t, SemanticUnknown, iface.Tag)
	assert.Equal(t, 9000, iface.Endpoint.Port)
}

func TestRegistryResolveNilAndEmpty(t *testing.T) {
	r := newTestRegistry(t)

	iface := r.resolve(nil)
	assert.Equal(t, SemanticUnknown, iface.Tag)

	iface = r.resolve(NewData(nil, "login"))
	assert.Equal(t, SemanticUnknown, iface.Tag, "empty payload routes to the unclassified interface")
}

func TestRegistryReRegistrationReplaces(t *testing.T) {
	r := newTestRegistry(t)
	r.add(Interface{
		Tag:      "login",
		Endpoint: transport.Endpoint{Host: "localhost", Port: 9001, Socket: transport.Stream()},
	})
	r.add(Interface{
		Tag:            "login",
		Endpoint:       transport.Endpoint{Host: "localhost", Port: 9010, Socket: transport.Stream()},
		HoldConnection: true,
	})

	iface := r.resolve(NewData([]byte("x"), "login"))
	require.Equal(t, 9010, iface.Endpoint.Port)
	assert.True(t, iface.HoldConnection)
	assert.False(t, r.multipleDestinations())
}

func TestRegistryHoldPolicyByKey(t *testing.T) {
	r := newTestRegistry(t)
	key := (transport.Endpoint{Host: "localhost", Port: 9050}).Key()

	assert.False(t, r.holds(key))
	r.setHold(key, true)
	assert.True(t, r.holds(key))
	r.clearHold(key)
	assert.False(t, r.holds(key))
}

func TestRegistryDescribeDeduplicatesEndpoints(t *testing.T) {
	r := newTestRegistry(t)
	r.add(Interface{
		Tag:      "a",
		Endpoint: transport.Endpoint{Host: "localhost", Port: 9001, Socket: transport.Stream()},
	})
	r.add(Interface{
		Tag:      "b",
		Endpoint: transport.Endpoint{Host: "localhost", Port: 9001, Socket: transport.Stream()},
	})

	ifaces := r.describe()
	assert.Len(t, ifaces, 2, "default endpoint plus one distinct extra")
	assert.True(t, r.multipleDestinations())
}

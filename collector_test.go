package fuzztarget

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/fuzztarget/feedback"
)

func newCollectorTarget() *NetworkTarget {
	return &NetworkTarget{
		registry: newRegistry(),
		store:    feedback.NewStore(),
		hooks:    NopHooks{},
		state:    newConnState(),
	}
}

func TestCollectFeedbackJoinsPartialReads(t *testing.T) {
	tgt := newCollectorTarget()
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		server.Write([]byte("AB"))
		time.Sleep(50 * time.Millisecond)
		server.Write([]byte("CD"))
		server.Close()
	}()

	fh := &fbkHandle{h: &handle{conn: client, key: "pipe"}, ref: "probe"}
	tgt.collectFeedback(nil, false, []*fbkHandle{fh}, 2*time.Second)

	entries := tgt.store.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "probe", entries[0].Ref)
	assert.Equal(t, []byte("AB\nCD"), entries[0].Fragments[0])
	assert.False(t, tgt.LastAckTime().IsZero())
	assert.Equal(t, ErrCodeNone, tgt.store.ErrorCode())
}

func TestCollectFeedbackStopsAtExpectedLength(t *testing.T) {
	tgt := newCollectorTarget()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go server.Write([]byte("EXACTLY10!and then some trailing noise"))

	fh := &fbkHandle{h: &handle{conn: client, key: "pipe"}, ref: "probe", expected: 10}
	start := time.Now()
	tgt.collectFeedback(nil, false, []*fbkHandle{fh}, 5*time.Second)

	assert.Less(t, time.Since(start), 2*time.Second, "satisfied length must end collection early")
	entries := tgt.store.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("EXACTLY10!"), entries[0].Fragments[0])
}

func TestCollectFeedbackTimeoutWithSilentPeer(t *testing.T) {
	tgt := newCollectorTarget()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fh := &fbkHandle{h: &handle{conn: client, key: "pipe"}, ref: "probe"}
	start := time.Now()
	tgt.collectFeedback(nil, false, []*fbkHandle{fh}, 400*time.Millisecond)

	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.False(t, tgt.store.HasEntries(), "no data means no entry")
	assert.True(t, tgt.LastAckTime().IsZero())
}

func TestOperationReadiness(t *testing.T) {
	op := &operation{id: 1}
	assert.False(t, op.ready(), "unsealed operation is never ready")

	op.seal()
	assert.True(t, op.ready(), "zero workers and sealed means ready")

	op2 := &operation{id: 2}
	op2.spawned.Add(2)
	op2.seal()
	assert.False(t, op2.ready())
	op2.completed.Add(1)
	assert.False(t, op2.ready())
	op2.completed.Add(1)
	assert.True(t, op2.ready())
}

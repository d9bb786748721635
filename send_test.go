package fuzztarget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncSendLeavesAuxiliaryPassIntact(t *testing.T) {
	tgt := newTestTarget(t, 45100, nil)

	op := tgt.beforeSending([]*Data{NewData([]byte("framework"))}, true)
	require.NotNil(t, op)

	// A user-code send landing before the framework operation's late
	// server-mode accept must not consume its auxiliary pass.
	assert.Nil(t, tgt.beforeSending([]*Data{NewData([]byte("sync"))}, false))

	assert.True(t, tgt.takeFirstAuxPass(),
		"the framework delivery still attaches the auxiliary handles")
	assert.False(t, tgt.takeFirstAuxPass(), "the pass is consumed once")
}

func TestFrameworkSendsBumpOperationID(t *testing.T) {
	tgt := newTestTarget(t, 45101, nil)

	op1 := tgt.beforeSending([]*Data{NewData([]byte("a"))}, true)
	op2 := tgt.beforeSending([]*Data{NewData([]byte("b"))}, true)
	require.NotNil(t, op1)
	require.NotNil(t, op2)
	assert.Equal(t, op1.id+1, op2.id)
	assert.Nil(t, tgt.beforeSending([]*Data{NewData([]byte("c"))}, false),
		"sync sends carry no operation")
}

package fuzztarget

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetStuckErrorIsAndUnwrap(t *testing.T) {
	inner := errors.New("connection reset by peer")
	err := &TargetStuckError{Addr: "localhost:9000", Err: inner}

	assert.True(t, errors.Is(err, ErrTargetStuck))
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "localhost:9000")

	wrapped := fmt.Errorf("send: %w", err)
	assert.True(t, errors.Is(wrapped, ErrTargetStuck))
}

func TestTargetStuckErrorWithoutCause(t *testing.T) {
	err := &TargetStuckError{Addr: "localhost:9000"}
	assert.True(t, errors.Is(err, ErrTargetStuck))
	assert.NotEmpty(t, err.Error())
}

func TestConfigurationErrorWraps(t *testing.T) {
	err := newConfigurationError("set timeouts", ErrInvalidTiming)
	assert.True(t, errors.Is(err, ErrInvalidTiming))
	assert.Contains(t, err.Error(), "set timeouts")
}

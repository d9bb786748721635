package fuzztarget

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fuzztarget/feedback"
)

// Target abstracts the system under test. The fuzzing driver delivers
// generated payloads through it and polls it for readiness and
// feedback; concrete implementations decide what a delivery and a
// feedback channel actually are.
type Target interface {
	// Start prepares the target for a campaign.
	Start() error

	// Stop tears the target down, forcibly closing every live handle.
	Stop() error

	// Send delivers one payload. It returns quickly: feedback
	// collection happens off the caller thread and completion is
	// observed through IsReadyForNext.
	Send(data *Data) error

	// SendMultiple stimulates several target inputs in one operation.
	SendMultiple(data []*Data) error

	// IsReadyForNext reports whether the latest operation's feedback
	// collection has completed; the driver busy-waits on it before
	// emitting new data.
	IsReadyForNext() bool

	// Feedback returns the accumulator filled by collection workers.
	Feedback() *feedback.Store

	// LastAckTime is the first moment the target showed life after the
	// latest emission; the zero time when it never did.
	LastAckTime() time.Time

	// SetFeedbackTimeout bounds feedback collection per operation.
	SetFeedbackTimeout(d time.Duration) error
}

// EmptyTarget swallows payloads and produces no feedback. Useful when a
// campaign only exercises the data model.
type EmptyTarget struct {
	store *feedback.Store
}

// NewEmptyTarget returns a target that accepts everything and answers
// nothing.
func NewEmptyTarget() *EmptyTarget {
	return &EmptyTarget{store: feedback.NewStore()}
}

func (t *EmptyTarget) Start() error { return nil }
func (t *EmptyTarget) Stop() error  { return nil }

func (t *EmptyTarget) Send(data *Data) error {
	logrus.WithFields(logrus.Fields{
		"function": "EmptyTarget.Send",
		"size":     len(data.Bytes()),
	}).Debug("Discarding payload")
	return nil
}

func (t *EmptyTarget) SendMultiple(data []*Data) error {
	for _, d := range data {
		if err := t.Send(d); err != nil {
			return err
		}
	}
	return nil
}

func (t *EmptyTarget) IsReadyForNext() bool      { return true }
func (t *EmptyTarget) Feedback() *feedback.Store { return t.store }
func (t *EmptyTarget) LastAckTime() time.Time    { return time.Time{} }

func (t *EmptyTarget) SetFeedbackTimeout(time.Duration) error { return nil }

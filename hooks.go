package fuzztarget

// Hooks is the injected strategy invoked at the two fixed extension
// points of the delivery path. Implementations can rewrite feedback
// before it reaches the store or massage payloads right before
// emission; the default is identity/no-op.
type Hooks interface {
	// FilterFeedback transforms the joined feedback blob collected for
	// ref before it is stored. The returned status is recorded as the
	// operation error code when negative.
	FilterFeedback(fbk []byte, ref string) ([]byte, int)

	// BeforeSend runs on the payload batch after routing metadata has
	// been applied and before any byte goes out.
	BeforeSend(payloads []*Data)
}

// NopHooks is the default strategy: feedback passes through untouched
// and payloads are emitted as generated.
type NopHooks struct{}

func (NopHooks) FilterFeedback(fbk []byte, ref string) ([]byte, int) { return fbk, 0 }

func (NopHooks) BeforeSend(payloads []*Data) {}

package tablet

// StepHooks are callbacks fired after each step of the flush/compaction
// state machine, before the next step begins. A hook returning an error
// aborts the operation exactly as a failure of the completed step would.
// Nil hooks and nil fields are skipped. Tests use them to fail specific
// steps and to observe intermediate states.
type StepHooks struct {
	// PostTakeSnapshot runs after the MVCC snapshot is captured.
	PostTakeSnapshot func() error

	// PostWriteSegments runs after the output segment is fully written
	// and fsynced, before it is opened for serving.
	PostWriteSegments func() error

	// PostReupdateMissedDeltas runs after writes that raced past the
	// snapshot were re-applied to the outputs, still under the exclusive
	// coordination lock, before the swap.
	PostReupdateMissedDeltas func() error

	// PostSwap runs after the view swap is visible to new readers.
	PostSwap func() error

	// PostPersistMetadata runs after the descriptor rewrite succeeded.
	PostPersistMetadata func() error
}

func fireHook(f func() error) error {
	if f == nil {
		return nil
	}
	return f()
}

func (h *StepHooks) postTakeSnapshot() error {
	if h == nil {
		return nil
	}
	return fireHook(h.PostTakeSnapshot)
}

func (h *StepHooks) postWriteSegments() error {
	if h == nil {
		return nil
	}
	return fireHook(h.PostWriteSegments)
}

func (h *StepHooks) postReupdateMissedDeltas() error {
	if h == nil {
		return nil
	}
	return fireHook(h.PostReupdateMissedDeltas)
}

func (h *StepHooks) postSwap() error {
	if h == nil {
		return nil
	}
	return fireHook(h.PostSwap)
}

func (h *StepHooks) postPersistMetadata() error {
	if h == nil {
		return nil
	}
	return fireHook(h.PostPersistMetadata)
}

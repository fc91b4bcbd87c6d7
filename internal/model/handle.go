package model

import "sync"

// Handle is one loaded model. It belongs to the call frame that loaded it
// and must be released before that frame returns.
type Handle struct {
	kind    Kind
	stage   Stage
	meta    *Metadata
	cam     *CAMWeights
	session Session

	mu        sync.Mutex
	released  bool
	onRelease func()
}

func (h *Handle) Kind() Kind          { return h.kind }
func (h *Handle) Stage() Stage        { return h.stage }
func (h *Handle) Metadata() *Metadata { return h.meta }

// Release destroys the session. Only the first call does any work.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}
	h.released = true

	err := h.session.Destroy()
	h.session = nil
	h.cam = nil
	if h.onRelease != nil {
		h.onRelease()
	}
	return err
}

func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *Handle) run(input []float32) (map[string][]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, ErrReleased
	}
	out, err := h.session.Run(input)
	if err != nil {
		return nil, &InferenceError{Kind: h.kind, Stage: h.stage, Err: err}
	}
	return out, nil
}

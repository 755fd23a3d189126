package config

import "sync"

// WarnState remembers which one-time warnings have been emitted. It is owned
// by whoever owns the config lifecycle and passed down to the code that may
// warn, so separate gateways in one process never share it.
type WarnState struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewWarnState returns an empty warn state.
func NewWarnState() *WarnState {
	return &WarnState{seen: make(map[string]bool)}
}

// Once reports true the first time it is called for key. A nil WarnState
// always reports true.
func (w *WarnState) Once(key string) bool {
	if w == nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen == nil {
		w.seen = make(map[string]bool)
	}
	if w.seen[key] {
		return false
	}
	w.seen[key] = true
	return true
}

// Reset forgets every emitted warning, typically after a config reload.
func (w *WarnState) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.seen = make(map[string]bool)
	w.mu.Unlock()
}

package workflow

import "sync"

// CancelToken is a one-shot cancellation flag observed at step boundaries.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

func newCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel marks the token cancelled. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether Cancel was called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed on cancellation.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

package netpoll

import "context"

// Waker is a one-shot, many-times-rearmable wakeup signal. It realizes the
// "condition variable modeled as a steady_timer with the maximum possible
// deadline, where cancelling the timer is the wakeup" pattern: awaiters
// block in Wait until Wake is called (or ctx is done), and Wake never
// blocks. A Wake with nobody waiting is held as one pending signal that
// the next Wait consumes at once; repeated Wakes before that Wait coalesce
// into that single pending signal.
type Waker struct {
	ch chan struct{}
}

// NewWaker returns a ready-to-use Waker.
func NewWaker() *Waker {
	return &Waker{ch: make(chan struct{}, 1)}
}

// Wake signals exactly one blocked (or future) Wait call. It never blocks.
func (w *Waker) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Wake is called or ctx is done. A nil error means a real
// wakeup occurred; ErrCancelled means ctx ended the wait instead.
func (w *Waker) Wait(ctx context.Context) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}

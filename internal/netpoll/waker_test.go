package netpoll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWakerWaitWakesOnWake(t *testing.T) {
	t.Parallel()

	w := NewWaker()
	done := make(chan error, 1)
	go func() { done <- w.Wait(context.Background()) }()

	w.Wake()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe Wake")
	}
}

func TestWakerWaitReturnsCancelledOnCtxDone(t *testing.T) {
	t.Parallel()

	w := NewWaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Wait(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestWakerWakeNeverBlocksWithoutAWaiter(t *testing.T) {
	t.Parallel()

	w := NewWaker()
	done := make(chan struct{})
	go func() {
		w.Wake()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wake blocked with nobody waiting")
	}
}

func TestWakerCoalescesRepeatedWakes(t *testing.T) {
	t.Parallel()

	w := NewWaker()
	w.Wake()
	w.Wake()
	w.Wake()

	require.NoError(t, w.Wait(context.Background()))

	// Only one signal should be buffered; a second Wait must block until
	// another Wake arrives.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Wait(ctx), ErrCancelled)
}

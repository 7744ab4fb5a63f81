package pqpipe

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ashtum/pqpipe/internal/wire"
)

// Run drives the writer and reader tasks for the life of the connection.
// It must be running concurrently with any Query/ExecPipeline call for
// that call to ever resolve — this is the "first completion wins" group
// from the pipeline engine's design: errgroup.WithContext cancels the
// sibling task's context as soon as either goroutine returns, and Wait
// returns the first non-nil error to occur, from whichever task produced
// it; the sibling's later cancellation error is discarded.
//
// Run returns when ctx is cancelled or either task fails. On return, every
// handler still enqueued is cancelled and the underlying connection is
// closed; the Conn must not be reused afterward.
func (c *Conn) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writerLoop(gctx) })
	g.Go(func() error { return c.readerLoop(gctx) })
	err := g.Wait()
	c.teardown()
	return err
}

// writerLoop never performs I/O unless a submitter has woken it, and the
// only wakeup it recognizes is a cancellation of writeCV — any other error
// from the wait (there is none in this implementation, but the contract
// is preserved) would be a genuine failure and must propagate, never be
// mistaken for a real wakeup.
func (c *Conn) writerLoop(ctx context.Context) error {
	for {
		if err := c.writeCV.Wait(ctx); err != nil {
			return ctxErr(ctx)
		}

		for {
			c.wireMu.Lock()
			more, err := c.wire.Flush()
			c.wireMu.Unlock()
			if err != nil {
				return wrapWireErr(err)
			}
			if !more {
				break
			}
			if err := c.sock.WaitWritable(ctx); err != nil {
				return translateWaitErr(ctx, err)
			}
		}
	}
}

// readerLoop drains every result the protocol engine can produce locally
// before ever awaiting socket-readable, which is what keeps pipelining
// correct under bursty arrivals: a burst of replies already decoded by
// ConsumeInput is fully dispatched before the next readiness wait.
func (c *Conn) readerLoop(ctx context.Context) error {
	for {
		if err := c.drainAvailable(); err != nil {
			return err
		}

		if err := c.sock.WaitReadable(ctx); err != nil {
			return translateWaitErr(ctx, err)
		}
		if err := c.wire.ConsumeInput(); err != nil {
			return wrapWireErr(err)
		}
	}
}

// drainAvailable dispatches every result already queued by the protocol
// engine to the front-of-FIFO handler, discarding pipeline-sync markers,
// until the engine reports busy (nothing decoded is left to process).
func (c *Conn) drainAvailable() error {
	for !c.wire.IsBusy() {
		res, err := c.wire.GetResult()
		if err != nil {
			return wrapWireErr(err)
		}
		if res == nil {
			// A single null does not prove this sync boundary is drained
			// (the underlying engine may become busy again on intra-message
			// boundaries); re-check is_busy and probe once more before
			// concluding there is nothing left.
			if c.wire.IsBusy() {
				break
			}
			res, err = c.wire.GetResult()
			if err != nil {
				return wrapWireErr(err)
			}
			if res == nil {
				break
			}
		}

		if _, ok := res.(*wire.PipelineSync); ok {
			continue
		}

		wr, ok := res.(*wire.Result)
		if !ok {
			continue
		}

		h := c.frontHandler()
		if h == nil {
			return &Error{Code: ConnectionFailed, Err: errFIFOEmpty}
		}
		if h.Handle(wr) {
			c.popHandler()
		}
	}
	return nil
}

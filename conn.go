package pqpipe

import (
	"context"
	"errors"
	"sync"

	"github.com/ashtum/pqpipe/internal/netpoll"
	"github.com/ashtum/pqpipe/internal/resulthandler"
	"github.com/ashtum/pqpipe/internal/wire"
)

// Conn is one pipelined session: one TCP connection, one writer wakeup
// condition, and one FIFO of result handlers. It is not safe to Query or
// ExecPipeline from two goroutines expecting interleaving semantics other
// than "submissions are serialized" — the wire mutex below provides that
// serialization, but the caller must still run exactly one Run loop.
type Conn struct {
	wire    *wire.Conn
	sock    netpoll.Socket
	writeCV *netpoll.Waker

	// wireMu guards every call into wire.Conn's send half. A submitter
	// holds it across its whole SendQueryParams/PipelineSync sequence plus
	// the enqueue and wakeup that follow, and the writer goroutine holds
	// it across each Flush. Without this, a submitter's buffer append can
	// interleave with the writer's in-flight flush of that same buffer —
	// wire.Conn's underlying pgproto3.Frontend is not safe for concurrent
	// use. The receive half (driven only by the reader goroutine) needs no
	// lock of its own.
	wireMu sync.Mutex

	fifoMu sync.Mutex
	fifo   []resulthandler.Handler

	teardownOnce sync.Once

	tracer Tracer
}

// Connect dials conninfo (a URI-form connection string, or a bare
// "host:port"), performs the non-blocking poll-directed handshake
// described by the protocol engine's start_connect/poll_connect contract,
// and leaves the connection in pipeline mode. ctx governs the poll loop
// (the initial TCP dial is not bound to it); cancelling it aborts the poll
// loop and tears the partially established connection down.
func Connect(ctx context.Context, conninfo string, opts ...Option) (*Conn, error) {
	cfg, err := parseConninfo(conninfo)
	if err != nil {
		return nil, err
	}

	wc, err := wire.StartConnect(cfg.network, cfg.address, cfg.user, cfg.database)
	if err != nil {
		return nil, wrapWireErr(err)
	}

	c := &Conn{
		wire:    wc,
		writeCV: netpoll.NewWaker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.sock.Attach(wc.NetConn()); err != nil {
		wc.Finish()
		return nil, &Error{Code: ConnectionFailed, Err: err}
	}

	if err := c.pollConnect(ctx); err != nil {
		c.sock.Release()
		wc.Finish()
		return nil, err
	}

	if err := wc.EnterPipelineMode(); err != nil {
		c.sock.Release()
		wc.Finish()
		return nil, wrapWireErr(err)
	}

	return c, nil
}

func (c *Conn) pollConnect(ctx context.Context) error {
	for {
		status, err := c.wire.PollConnect()
		if err != nil {
			return wrapWireErr(err)
		}
		switch status {
		case wire.PollReading:
			if err := c.sock.WaitReadable(ctx); err != nil {
				return translateWaitErr(ctx, err)
			}
		case wire.PollWriting:
			if err := c.sock.WaitWritable(ctx); err != nil {
				return translateWaitErr(ctx, err)
			}
		case wire.PollOK:
			return nil
		case wire.PollFailed:
			return &Error{Code: ConnectionFailed}
		}
	}
}

// Query submits a single statement as a one-element pipeline and waits for
// its result. Cancelling ctx before the result arrives returns
// context.Canceled/context.DeadlineExceeded (never wrapped into *Error, so
// callers can tell cancellation apart from a real failure); the handler
// stays enqueued and the reader still drains it, so the connection remains
// usable for further submissions.
func (c *Conn) Query(ctx context.Context, q Query) (*Result, error) {
	if c.tracer != nil {
		ctx = c.tracer.TraceQueryStart(ctx, c, TraceQueryStartData{SQL: q.SQL})
	}
	result, err := c.query(ctx, q)
	if c.tracer != nil {
		c.tracer.TraceQueryEnd(ctx, c, TraceQueryEndData{Err: err})
	}
	return result, err
}

func (c *Conn) query(ctx context.Context, q Query) (*Result, error) {
	c.wireMu.Lock()
	if err := c.wire.SendQueryParams(q.SQL, q.Params.values, q.Params.oids, q.Params.formats, nil); err != nil {
		c.wireMu.Unlock()
		return nil, wrapWireErr(err)
	}
	if err := c.wire.PipelineSync(); err != nil {
		c.wireMu.Unlock()
		return nil, wrapWireErr(err)
	}

	h := resulthandler.NewSingle()
	c.pushHandler(h)
	c.writeCV.Wake()
	c.wireMu.Unlock()

	if err := h.Wait(ctx); err != nil {
		// Outer cancellation, not a handler outcome: the single handler is
		// self-contained, so there is nothing to dumify. It stays enqueued
		// and the reader completes it normally; nobody reads Result() again.
		return nil, ctxErr(ctx)
	}

	switch h.Status() {
	case resulthandler.Cancelled:
		return nil, &Error{Code: ConnectionFailed}
	case resulthandler.Completed:
		return wireResultToResult(h.Result()), nil
	default:
		return nil, &Error{Code: ConnectionFailed}
	}
}

// ExecPipeline submits every item's Query in order under one sync
// boundary and, on success, fills each item's Result field in order.
// Cancelling ctx before completion dumifies the handler (it stops storing
// results; items is left untouched) and
// returns context.Canceled/context.DeadlineExceeded; the FIFO position is
// preserved so handlers queued behind this one are unaffected.
func (c *Conn) ExecPipeline(ctx context.Context, items []PipelineItem) error {
	c.wireMu.Lock()
	rhItems := make([]resulthandler.PipelineItem, len(items))
	for i, it := range items {
		rhItems[i] = resulthandler.PipelineItem{
			SQL:          it.Query.SQL,
			ParamValues:  it.Query.Params.values,
			ParamOIDs:    it.Query.Params.oids,
			ParamFormats: it.Query.Params.formats,
		}
		if err := c.wire.SendQueryParams(it.Query.SQL, it.Query.Params.values, it.Query.Params.oids, it.Query.Params.formats, nil); err != nil {
			c.wireMu.Unlock()
			return wrapWireErr(err)
		}
	}
	if err := c.wire.PipelineSync(); err != nil {
		c.wireMu.Unlock()
		return wrapWireErr(err)
	}

	h := resulthandler.NewPipeline(rhItems)
	c.pushHandler(h)
	c.writeCV.Wake()
	c.wireMu.Unlock()

	if err := h.Wait(ctx); err != nil {
		h.Dumify()
		return ctxErr(ctx)
	}

	switch h.Status() {
	case resulthandler.Cancelled:
		return &Error{Code: ConnectionFailed}
	case resulthandler.Completed:
		for i := range items {
			items[i].Result = wireResultToResult(rhItems[i].Result)
		}
		return nil
	default:
		return &Error{Code: ConnectionFailed}
	}
}

// ErrorMessage returns the last server-reported error text, borrowed for
// the engine handle's lifetime.
func (c *Conn) ErrorMessage() string {
	return c.wire.ErrorMessage()
}

// Close tears the connection down: every handler still enqueued is
// cancelled (waking its submitter with CONNECTION_FAILED), then the
// underlying socket is released and the protocol engine's fd is closed.
// Safe to call more than once, and safe to call concurrently with Run
// returning on its own.
func (c *Conn) Close() error {
	c.teardown()
	return nil
}

func (c *Conn) teardown() {
	c.teardownOnce.Do(func() {
		c.fifoMu.Lock()
		pending := c.fifo
		c.fifo = nil
		c.fifoMu.Unlock()

		for _, h := range pending {
			h.Cancel()
		}

		// The protocol engine owns the fd; release the non-owning view
		// before Finish closes it so teardown never double-closes.
		c.sock.Release()
		c.wire.Finish()
	})
}

func (c *Conn) pushHandler(h resulthandler.Handler) {
	c.fifoMu.Lock()
	c.fifo = append(c.fifo, h)
	c.fifoMu.Unlock()
}

func (c *Conn) frontHandler() resulthandler.Handler {
	c.fifoMu.Lock()
	defer c.fifoMu.Unlock()
	if len(c.fifo) == 0 {
		return nil
	}
	return c.fifo[0]
}

func (c *Conn) popHandler() {
	c.fifoMu.Lock()
	if len(c.fifo) > 0 {
		c.fifo = c.fifo[1:]
	}
	c.fifoMu.Unlock()
}

// errFIFOEmpty backs the engine's assertion that a non-sync result never
// arrives without a front-of-FIFO handler to receive it; see the Open
// Question resolution in SPEC_FULL.md — notices are discarded in
// internal/wire before this assertion is ever reached.
var errFIFOEmpty = errors.New("pqpipe: result arrived with an empty handler FIFO")

// ctxErr normalizes a cancellation into context.Canceled or
// context.DeadlineExceeded even if the wait primitive returned its own
// internal sentinel, so callers only ever see the two standard values.
func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// translateWaitErr distinguishes a readiness wait's cancellation (the
// supplied ctx ending) from a genuine I/O failure, per the socket
// adapter's contract that the two must never be conflated.
func translateWaitErr(ctx context.Context, err error) error {
	if errors.Is(err, netpoll.ErrCancelled) {
		return ctxErr(ctx)
	}
	return &Error{Code: ConnectionFailed, Err: err}
}

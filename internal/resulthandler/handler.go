// Package resulthandler implements the per-submission result consumer that
// couples a submitted statement (or pipelined batch) to the stream of
// result messages the reader task eventually delivers for it.
package resulthandler

import (
	"context"
	"sync"

	"github.com/ashtum/pqpipe/internal/netpoll"
	"github.com/ashtum/pqpipe/internal/wire"
)

// State is a handler's lifecycle state.
type State int

const (
	Waiting State = iota
	Completed
	Cancelled
)

// Handler is the capability set the FIFO and the reader task share: Handle
// is called zero or more times by the reader as results arrive for this
// handler's position in the FIFO, returning true once the handler has
// everything it needs. Complete/Cancel both wake the one submitter blocked
// in Wait; Cancel is used only at connection teardown, never by the
// submitter itself (a cancelled submitter drains instead, see Pipeline).
type Handler interface {
	Handle(result *wire.Result) (completed bool)
	Complete()
	Cancel()
	Status() State
	Wait(ctx context.Context) error
}

// base's mutex exists because the reader and a submitter run as separate
// goroutines here: only the reader mutates state after enqueue, except for
// drain flagging by a cancelling submitter, and that rule needs a real
// lock to hold once both sides can run truly concurrently.
type base struct {
	mu     sync.Mutex
	status State
	waker  *netpoll.Waker
}

func newBase() base {
	return base{status: Waiting, waker: netpoll.NewWaker()}
}

func (b *base) Status() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) Wait(ctx context.Context) error {
	err := b.waker.Wait(ctx)
	if err == nil {
		return nil
	}
	// ctx ended the wait, not a real wakeup; the handler is still whatever
	// it was (normally still Waiting) — the caller decides what to do next.
	return err
}

func (b *base) Complete() {
	b.mu.Lock()
	b.status = Completed
	b.mu.Unlock()
	b.waker.Wake()
}

func (b *base) Cancel() {
	b.mu.Lock()
	b.status = Cancelled
	b.mu.Unlock()
	b.waker.Wake()
}

// Single is the result handler for a single, non-pipelined statement. It
// completes on the first result message; there is nothing to drain on
// submitter cancellation because its buffer is entirely self-contained.
type Single struct {
	base
	result *wire.Result
}

// NewSingle returns a ready-to-enqueue single-query handler.
func NewSingle() *Single {
	return &Single{base: newBase()}
}

func (s *Single) Handle(result *wire.Result) bool {
	s.result = result
	s.Complete()
	return true
}

// Result returns the collected result. Only meaningful once Status() is
// Completed.
func (s *Single) Result() *wire.Result {
	return s.result
}

// PipelineItem is one position in a pipelined batch: the statement to send
// and the slot its result is written into once it arrives, in order.
type PipelineItem struct {
	SQL           string
	ParamValues   [][]byte
	ParamOIDs     []uint32
	ParamFormats  []int16
	ResultFormats []int16
	Result        *wire.Result
}

// Pipeline is the result handler for a batch of N statements sharing one
// sync boundary. In normal operation it writes each arriving result into
// the next item's Result field and completes once every item has one. If
// its submitter is cancelled first, Dumify switches it into a mode that
// stops touching the (possibly stack-unwound) item slice and instead
// counts down the remaining expected results to discard, preserving the
// FIFO/sync alignment for every handler queued behind it.
type Pipeline struct {
	base
	items    []PipelineItem
	next     int
	nDummy   int
	dumified bool
}

// NewPipeline returns a ready-to-enqueue pipeline handler bound to items.
// items is captured by reference (a slice header copy, per Go's value
// semantics) so Dumify can simply stop indexing into it instead of
// tracking iterator validity.
func NewPipeline(items []PipelineItem) *Pipeline {
	return &Pipeline{base: newBase(), items: items}
}

func (p *Pipeline) Handle(result *wire.Result) bool {
	p.mu.Lock()
	if p.dumified {
		p.nDummy--
		done := p.nDummy == 0
		p.mu.Unlock()
		if done {
			p.Complete()
			return true
		}
		return false
	}

	p.items[p.next].Result = result
	p.next++
	done := p.next == len(p.items)
	p.mu.Unlock()
	if done {
		p.Complete()
		return true
	}
	return false
}

// Dumify switches the handler into drain mode: the remaining
// len(items)-next results are simply counted and discarded rather than
// written into items, because the submitter that owns items has already
// been told operation_aborted and may have let its stack frame go.
func (p *Pipeline) Dumify() {
	p.mu.Lock()
	p.dumified = true
	p.nDummy = len(p.items) - p.next
	empty := p.nDummy == 0
	p.mu.Unlock()
	if empty {
		// Nothing left to drain; mark the handler Completed and wake the
		// waiter. This does not remove it from the FIFO: only the reader
		// pops a handler, and only when Handle reports completion.
		p.Complete()
	}
}

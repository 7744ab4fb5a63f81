// Package pqpipetrace combines several pqpipe.Tracer values into one, so a
// connection can be observed by more than one tracer at a time.
package pqpipetrace

import (
	"context"

	"github.com/ashtum/pqpipe"
)

// Multi fans a single Tracer call out to every tracer it holds, in order.
type Multi struct {
	Tracers []pqpipe.Tracer
}

// New returns a Multi wrapping tracers.
func New(tracers ...pqpipe.Tracer) *Multi {
	return &Multi{Tracers: tracers}
}

// TraceQueryStart calls TraceQueryStart on every wrapped tracer in order,
// threading the context returned by one into the next, the way
// multitracer.Tracer.TraceQueryStart chains its own QueryTracers.
func (m *Multi) TraceQueryStart(ctx context.Context, conn *pqpipe.Conn, data pqpipe.TraceQueryStartData) context.Context {
	for _, t := range m.Tracers {
		ctx = t.TraceQueryStart(ctx, conn, data)
	}
	return ctx
}

// TraceQueryEnd calls TraceQueryEnd on every wrapped tracer in order.
func (m *Multi) TraceQueryEnd(ctx context.Context, conn *pqpipe.Conn, data pqpipe.TraceQueryEndData) {
	for _, t := range m.Tracers {
		t.TraceQueryEnd(ctx, conn, data)
	}
}

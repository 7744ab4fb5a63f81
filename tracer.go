package pqpipe

import "context"

// Tracer is the engine's only observability hook, the same shape the
// teacher driver uses instead of a logging library: two calls bracketing
// each Query call, with no opinion on where the data goes. ExecPipeline
// is not traced.
type Tracer interface {
	TraceQueryStart(ctx context.Context, conn *Conn, data TraceQueryStartData) context.Context
	TraceQueryEnd(ctx context.Context, conn *Conn, data TraceQueryEndData)
}

// TraceQueryStartData is passed to TraceQueryStart.
type TraceQueryStartData struct {
	SQL string
}

// TraceQueryEndData is passed to TraceQueryEnd.
type TraceQueryEndData struct {
	Err error
}

// Option configures a Conn at Connect time.
type Option func(*Conn)

// WithTracer installs t as the connection's Tracer. Combine several with
// pqpipetrace.Multi the way multiple teacher tracers are combined with
// multitracer.New.
func WithTracer(t Tracer) Option {
	return func(c *Conn) { c.tracer = t }
}

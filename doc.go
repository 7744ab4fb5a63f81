/*
Package pqpipe is a full-duplex, pipelining client core for the PostgreSQL
frontend/backend protocol.

A single TCP connection carries many outstanding statements at once: the
caller writes request messages back-to-back while a reader concurrently
pulls their results off the same socket, rather than waiting for each
statement's reply before sending the next. This package is only the
engine that makes that safe — a writer task, a reader task, and a FIFO of
result handlers that ties each submission to the results eventually
returned for it. Parameter binding, type encoding, row materialization,
and user-defined type registration are deliberately not this package's
concern; see Params and Result for the minimal wire-ready shapes it
exchanges with those external collaborators.

Establishing a Connection

	conn, err := pqpipe.Connect(ctx, "postgresql://user@host:5432/dbname")
	if err != nil {
		return err
	}
	defer conn.Close()

Connect performs the non-blocking, poll-directed handshake (start_connect,
poll_connect, enter_pipeline_mode) and leaves the connection ready to
pipeline. It does not start the engine: Run must be driven concurrently,
typically in its own goroutine, for the lifetime of the connection.

	go func() {
		if err := conn.Run(ctx); err != nil {
			// every handler still enqueued has already been resolved by the
			// time Run returns; log and stop using conn.
		}
	}()

Submitting Queries

Query is a convenience over a pipeline of one statement:

	result, err := conn.Query(ctx, pqpipe.NewQuery("select 1"))

ExecPipeline submits an ordered batch under a single sync boundary and
fills each item's Result in order once the batch completes:

	items := []pqpipe.PipelineItem{
		{Query: pqpipe.NewQuery("insert into t values(1)")},
		{Query: pqpipe.NewQuery("select x from t")},
	}
	err := conn.ExecPipeline(ctx, items)

Submissions from multiple goroutines are serialized internally so that a
submission's statements and its closing sync marker always land on the
wire contiguously, which is what keeps the FIFO of result handlers aligned
with the sync boundaries the server actually emits.

Cancellation

Cancelling the ctx passed to Query or ExecPipeline resolves the call with
context.Canceled or context.DeadlineExceeded — never wrapped into a
*pqpipe.Error — while the connection keeps running and the handler drains
in the background. Cancelling the ctx passed to Run tears the whole
connection down: every handler still enqueued resolves with
CONNECTION_FAILED.

Connection Pooling

pqpipe.Conn is not concurrency-safe across independent callers beyond the
internal submission serialization, and exactly one Run loop may drive it.
Package pqpipepool provides a minimal pool of such connections, each with
its own Run goroutine, acquired and released through
github.com/jackc/puddle/v2.
*/
package pqpipe

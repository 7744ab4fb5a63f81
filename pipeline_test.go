package pqpipe_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashtum/pqpipe"
	"github.com/ashtum/pqpipe/pqpipetest"
)

// connectAndRun starts a fake backend running script, connects to it, and
// drives Run in the background for the life of the test.
func connectAndRun(t *testing.T, script *pqpipetest.Script) *pqpipe.Conn {
	t.Helper()

	addr := pqpipetest.Serve(t, script)

	conn, err := pqpipe.Connect(context.Background(), addr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-runErr
	})

	return conn
}

func handshakeSteps() []pqpipetest.Step {
	return pqpipetest.AcceptUnauthenticatedConnRequestSteps()
}

// Scenario 1 (§8): connect to a fake server, expect the handshake to
// succeed and the connection to end up in pipeline mode (proven by a
// subsequent query round-tripping in other tests; here we only check
// Connect itself succeeds and the connection can be torn down cleanly).
func TestConnectSucceedsAndEntersPipelineMode(t *testing.T) {
	t.Parallel()

	script := &pqpipetest.Script{Steps: handshakeSteps()}
	script.Steps = append(script.Steps, pqpipetest.WaitForClose())

	addr := pqpipetest.Serve(t, script)
	conn, err := pqpipe.Connect(context.Background(), addr)
	require.NoError(t, err)
	assert.NoError(t, conn.Close())
}

// Scenario 2 (§8): a single SELECT 1 yields exactly one result with one
// row (1).
func TestQuerySingleSelect(t *testing.T) {
	t.Parallel()

	script := &pqpipetest.Script{Steps: handshakeSteps()}
	script.Steps = append(script.Steps,
		pqpipetest.ExpectExtendedQuery(),
		pqpipetest.ExpectSync(),
		pqpipetest.SendRowResult(
			[]pgproto3.FieldDescription{{Name: []byte("?column?"), DataTypeOID: 20, DataTypeSize: 8, Format: 0}},
			[][][]byte{{[]byte("1")}},
			"SELECT 1",
		),
		pqpipetest.SendSync(),
		pqpipetest.WaitForClose(),
	)

	conn := connectAndRun(t, script)

	result, err := conn.Query(context.Background(), pqpipe.NewQuery("select 1"))
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", result.CommandTag)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "1", string(result.Rows[0][0]))
}

// Scenario 3 (§8): a five-statement pipeline fills all five result slots
// in order; the last yields two rows.
func TestExecPipelineFiveStatements(t *testing.T) {
	t.Parallel()

	script := &pqpipetest.Script{Steps: handshakeSteps()}
	script.Steps = append(script.Steps,
		pqpipetest.ExpectExtendedQuery(),
		pqpipetest.ExpectExtendedQuery(),
		pqpipetest.ExpectExtendedQuery(),
		pqpipetest.ExpectExtendedQuery(),
		pqpipetest.ExpectExtendedQuery(),
		pqpipetest.ExpectSync(),
		pqpipetest.SendRowResult(nil, nil, "DROP TABLE"),
		pqpipetest.SendRowResult(nil, nil, "CREATE TABLE"),
		pqpipetest.SendRowResult(nil, nil, "INSERT 0 1"),
		pqpipetest.SendRowResult(nil, nil, "INSERT 0 1"),
		pqpipetest.SendRowResult(
			[]pgproto3.FieldDescription{{Name: []byte("x"), DataTypeOID: 23, DataTypeSize: 4, Format: 0}},
			[][][]byte{{[]byte("1")}, {[]byte("2")}},
			"SELECT 2",
		),
		pqpipetest.SendSync(),
		pqpipetest.WaitForClose(),
	)

	conn := connectAndRun(t, script)

	items := []pqpipe.PipelineItem{
		{Query: pqpipe.NewQuery("drop table if exists t")},
		{Query: pqpipe.NewQuery("create table t(x int)")},
		{Query: pqpipe.NewQuery("insert into t values(1)")},
		{Query: pqpipe.NewQuery("insert into t values(2)")},
		{Query: pqpipe.NewQuery("select x from t order by x")},
	}

	require.NoError(t, conn.ExecPipeline(context.Background(), items))

	assert.Equal(t, "DROP TABLE", items[0].Result.CommandTag)
	assert.Equal(t, "CREATE TABLE", items[1].Result.CommandTag)
	assert.Equal(t, "INSERT 0 1", items[2].Result.CommandTag)
	assert.Equal(t, "INSERT 0 1", items[3].Result.CommandTag)
	require.Len(t, items[4].Result.Rows, 2)
	assert.Equal(t, "1", string(items[4].Result.Rows[0][0]))
	assert.Equal(t, "2", string(items[4].Result.Rows[1][0]))
}

// notifyStep signals ch once reached; blockStep waits on ch. Together they
// let the test pin down exactly how many results the fake server has sent
// before the client gets to cancel a submitter mid-pipeline.
type notifyStep struct{ ch chan struct{} }

func (s notifyStep) Step(*pgproto3.Backend) error {
	close(s.ch)
	return nil
}

type blockStep struct{ ch chan struct{} }

func (s blockStep) Step(*pgproto3.Backend) error {
	<-s.ch
	return nil
}

// Scenario 4 (§8): cancelling a ten-query pipeline submitter after two
// results have been delivered surfaces context.Canceled, and the
// connection remains usable for a subsequent query.
func TestExecPipelineCancellationDumifiesAndConnectionSurvives(t *testing.T) {
	t.Parallel()

	sentTwo := make(chan struct{})
	resume := make(chan struct{})

	script := &pqpipetest.Script{Steps: handshakeSteps()}
	for i := 0; i < 10; i++ {
		script.Steps = append(script.Steps, pqpipetest.ExpectExtendedQuery())
	}
	script.Steps = append(script.Steps, pqpipetest.ExpectSync())
	script.Steps = append(script.Steps,
		pqpipetest.SendRowResult(nil, nil, "INSERT 0 1"),
		pqpipetest.SendRowResult(nil, nil, "INSERT 0 1"),
		notifyStep{sentTwo},
		blockStep{resume},
	)
	for i := 0; i < 8; i++ {
		script.Steps = append(script.Steps, pqpipetest.SendRowResult(nil, nil, "INSERT 0 1"))
	}
	script.Steps = append(script.Steps,
		pqpipetest.SendSync(),
		pqpipetest.ExpectExtendedQuery(),
		pqpipetest.ExpectSync(),
		pqpipetest.SendRowResult(
			[]pgproto3.FieldDescription{{Name: []byte("?column?"), DataTypeOID: 23, DataTypeSize: 4, Format: 0}},
			[][][]byte{{[]byte("42")}},
			"SELECT 1",
		),
		pqpipetest.SendSync(),
		pqpipetest.WaitForClose(),
	)

	conn := connectAndRun(t, script)

	items := make([]pqpipe.PipelineItem, 10)
	for i := range items {
		items[i] = pqpipe.PipelineItem{Query: pqpipe.NewQuery("insert into t values(1)")}
	}

	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	execErr := make(chan error, 1)
	go func() { execErr <- conn.ExecPipeline(pipelineCtx, items) }()

	<-sentTwo
	time.Sleep(50 * time.Millisecond) // let the reader dispatch the two delivered results
	cancelPipeline()

	err := <-execErr
	assert.ErrorIs(t, err, context.Canceled)

	// The dumified handler must never have touched items past what was
	// actually delivered before cancellation.
	for i := 2; i < len(items); i++ {
		assert.Nil(t, items[i].Result, "item %d should not have been written after cancellation", i)
	}

	close(resume)

	result, err := conn.Query(context.Background(), pqpipe.NewQuery("select 42"))
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", result.CommandTag)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "42", string(result.Rows[0][0]))
}

// Scenario 5 (§8): a read failure in the reader resolves a waiting
// submitter with CONNECTION_FAILED and Run with a wrapped
// PQCONSUMEINPUT_FAILED.
func TestReaderIOFailurePropagatesToSubmitterAndRun(t *testing.T) {
	t.Parallel()

	script := &pqpipetest.Script{Steps: handshakeSteps()}
	script.Steps = append(script.Steps,
		pqpipetest.ExpectExtendedQuery(),
		pqpipetest.ExpectSync(),
		// No response, no WaitForClose: the fake server's Serve goroutine
		// closes the accepted connection as soon as the script returns,
		// which the reader observes as a read failure.
	)

	addr := pqpipetest.Serve(t, script)
	conn, err := pqpipe.Connect(context.Background(), addr)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(context.Background()) }()

	_, err = conn.Query(context.Background(), pqpipe.NewQuery("select 1"))
	var pqErr *pqpipe.Error
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, pqpipe.ConnectionFailed, pqErr.Code)

	select {
	case err := <-runErr:
		require.Error(t, err)
		require.ErrorAs(t, err, &pqErr)
		assert.Equal(t, pqpipe.ConsumeInputFailed, pqErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the reader's I/O failure")
	}
}

// Concurrent submitters (§8 properties): two goroutines calling Query at
// the same time must never corrupt the shared protocol engine's send
// buffer — each submission's Parse/Bind/Describe/Execute/Sync bytes land
// on the wire intact and in one piece, whichever submitter goes first.
func TestConcurrentQueriesDoNotCorruptTheSharedSendBuffer(t *testing.T) {
	t.Parallel()

	const n = 4
	script := &pqpipetest.Script{Steps: handshakeSteps()}
	for i := 0; i < n; i++ {
		script.Steps = append(script.Steps,
			pqpipetest.ExpectExtendedQuery(),
			pqpipetest.ExpectSync(),
			pqpipetest.SendRowResult(
				[]pgproto3.FieldDescription{{Name: []byte("?column?"), DataTypeOID: 20, DataTypeSize: 8, Format: 0}},
				[][][]byte{{[]byte("1")}},
				"SELECT 1",
			),
			pqpipetest.SendSync(),
		)
	}
	script.Steps = append(script.Steps, pqpipetest.WaitForClose())

	conn := connectAndRun(t, script)

	var wg sync.WaitGroup
	results := make([]*pqpipe.Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = conn.Query(context.Background(), pqpipe.NewQuery("select 1"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "SELECT 1", results[i].CommandTag)
	}
}

// Teardown completeness (§8 properties): closing a connection with
// handlers still pending resolves every submitter.
func TestCloseResolvesPendingSubmitters(t *testing.T) {
	t.Parallel()

	script := &pqpipetest.Script{Steps: handshakeSteps()}
	script.Steps = append(script.Steps,
		pqpipetest.ExpectExtendedQuery(),
		pqpipetest.ExpectSync(),
		// Never respond; Close tears the connection down from the client
		// side instead.
	)

	addr := pqpipetest.Serve(t, script)
	conn, err := pqpipe.Connect(context.Background(), addr)
	require.NoError(t, err)

	go conn.Run(context.Background()) //nolint:errcheck

	queryErr := make(chan error, 1)
	go func() {
		_, err := conn.Query(context.Background(), pqpipe.NewQuery("select 1"))
		queryErr <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the query actually enqueue first
	require.NoError(t, conn.Close())

	select {
	case err := <-queryErr:
		var pqErr *pqpipe.Error
		require.ErrorAs(t, err, &pqErr)
		assert.Equal(t, pqpipe.ConnectionFailed, pqErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not resolve the pending submitter")
	}
}

package wire_test

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashtum/pqpipe/internal/wire"
	"github.com/ashtum/pqpipe/pqpipetest"
)

func TestConnectAndQueryRoundTrip(t *testing.T) {
	t.Parallel()

	script := &pqpipetest.Script{}
	script.Steps = append(script.Steps, pqpipetest.AcceptUnauthenticatedConnRequestSteps()...)
	script.Steps = append(script.Steps,
		pqpipetest.ExpectExtendedQuery(),
		pqpipetest.ExpectSync(),
		pqpipetest.SendMessage(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{Name: []byte("?column?"), DataTypeOID: 20, DataTypeSize: 8, Format: 0},
		}}),
		pqpipetest.SendMessage(&pgproto3.DataRow{Values: [][]byte{[]byte("1")}}),
		pqpipetest.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")}),
		pqpipetest.SendSync(),
		pqpipetest.WaitForClose(),
	)

	addr := pqpipetest.Serve(t, script)

	c, err := wire.StartConnect("tcp", addr, "postgres", "postgres")
	require.NoError(t, err)
	defer c.Finish()

	for {
		status, err := c.PollConnect()
		require.NoError(t, err)
		if status == wire.PollOK {
			break
		}
		// The fake server always has the next message ready quickly; a tiny
		// sleep avoids a tight busy loop without needing real readiness
		// polling machinery in this unit test.
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, c.EnterPipelineMode())
	require.NoError(t, c.SendQueryParams("select 1", nil, nil, nil, nil))
	require.NoError(t, c.PipelineSync())

	_, err = c.Flush()
	require.NoError(t, err)

	var result *wire.Result
	for result == nil {
		require.NoError(t, c.ConsumeInput())
		res, err := c.GetResult()
		require.NoError(t, err)
		if res == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		r, ok := res.(*wire.Result)
		require.True(t, ok)
		result = r
	}

	assert.Equal(t, "SELECT 1", result.CommandTag)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "1", string(result.Rows[0][0]))

	res, err := c.GetResult()
	require.NoError(t, err)
	_, ok := res.(*wire.PipelineSync)
	assert.True(t, ok)
}

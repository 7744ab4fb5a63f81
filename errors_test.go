package pqpipe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashtum/pqpipe/internal/wire"
)

func TestErrorIsBySentinel(t *testing.T) {
	t.Parallel()

	err := &Error{Code: ConnectionFailed, Err: errors.New("boom")}
	assert.True(t, errors.Is(err, ErrConnectionFailed))
	assert.False(t, errors.Is(err, ErrPipelineSyncFailed))
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := &Error{Code: ConnectionFailed, Err: cause}
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestWrapWireErrMapsEachCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   error
		want Code
	}{
		{wire.ErrStatusFailed, StatusFailed},
		{wire.ErrSetNonblockingFailed, SetNonblockingFailed},
		{wire.ErrConnectionFailed, ConnectionFailed},
		{wire.ErrEnterPipelineModeFailed, EnterPipelineModeFailed},
		{wire.ErrSendQueryParamsFailed, SendQueryParamsFailed},
		{wire.ErrPipelineSyncFailed, PipelineSyncFailed},
		{wire.ErrConsumeInputFailed, ConsumeInputFailed},
	}

	for _, c := range cases {
		got := wrapWireErr(c.in)
		var pqErr *Error
		assert.True(t, errors.As(got, &pqErr))
		assert.Equal(t, c.want, pqErr.Code)
	}
}

func TestWrapWireErrNil(t *testing.T) {
	t.Parallel()

	assert.NoError(t, wrapWireErr(nil))
}

func TestCodeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "PQCONSUMEINPUT_FAILED", ConsumeInputFailed.String())
	assert.Equal(t, "UNKNOWN", Code(999).String())
}

package pqpipe

import (
	"errors"
	"fmt"

	"github.com/ashtum/pqpipe/internal/wire"
)

// Code is one of the closed set of connect-time, submit-time, and runtime
// failure codes the core can report. Cancellation is deliberately not a
// Code: it is surfaced as context.Canceled or context.DeadlineExceeded
// directly, never wrapped into an *Error, so callers can always tell a
// cancelled operation apart from a real protocol or I/O failure with a
// plain errors.Is(err, context.Canceled) check.
type Code int

const (
	// StatusFailed means the driver primitive reported a bad connection
	// status immediately after starting the connect sequence.
	StatusFailed Code = iota
	// SetNonblockingFailed means the socket could not be switched to
	// non-blocking mode. internal/wire never produces it: Go's net.Conn
	// already gives every blocking call a short-deadline escape hatch
	// (see wire.Conn.recvNonBlocking), so there is no separate fcntl-style
	// step that can fail the way PQsetnonblocking can. The code and its
	// sentinel are kept for fidelity with the closed connect-time error set.
	SetNonblockingFailed
	// ConnectionFailed covers handshake poll failures and any runtime I/O
	// or decode failure that tears the connection down.
	ConnectionFailed
	// EnterPipelineModeFailed means the connection could not be switched
	// into pipeline mode.
	EnterPipelineModeFailed
	// SendQueryParamsFailed means a statement could not be buffered for
	// sending.
	SendQueryParamsFailed
	// PipelineSyncFailed means a sync boundary could not be buffered for
	// sending.
	PipelineSyncFailed
	// ConsumeInputFailed means reading from the server failed.
	ConsumeInputFailed
)

func (c Code) String() string {
	switch c {
	case StatusFailed:
		return "PQSTATUS_FAILED"
	case SetNonblockingFailed:
		return "PQSETNONBLOCKING_FAILED"
	case ConnectionFailed:
		return "CONNECTION_FAILED"
	case EnterPipelineModeFailed:
		return "PQENTERPIPELINEMODE_FAILED"
	case SendQueryParamsFailed:
		return "PQSENDQUERYPARAMS_FAILED"
	case PipelineSyncFailed:
		return "PQPIPELINESYNC_FAILED"
	case ConsumeInputFailed:
		return "PQCONSUMEINPUT_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Error is the core's error type. It always carries a Code so callers can
// branch with errors.As into a *pqpipe.Error variable or compare against one of the
// exported sentinels below with errors.Is.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pqpipe: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("pqpipe: %s", e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is supports errors.Is(err, ErrConnectionFailed) and friends by comparing
// only on Code, ignoring the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Exported sentinels, one per Code, for errors.Is comparisons.
var (
	ErrStatusFailed            = &Error{Code: StatusFailed}
	ErrSetNonblockingFailed    = &Error{Code: SetNonblockingFailed}
	ErrConnectionFailed        = &Error{Code: ConnectionFailed}
	ErrEnterPipelineModeFailed = &Error{Code: EnterPipelineModeFailed}
	ErrSendQueryParamsFailed   = &Error{Code: SendQueryParamsFailed}
	ErrPipelineSyncFailed      = &Error{Code: PipelineSyncFailed}
	ErrConsumeInputFailed      = &Error{Code: ConsumeInputFailed}
)

// wrapWireErr maps a sentinel from internal/wire onto the public, coded
// Error type.
func wrapWireErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, wire.ErrStatusFailed):
		return &Error{Code: StatusFailed, Err: err}
	case errors.Is(err, wire.ErrSetNonblockingFailed):
		return &Error{Code: SetNonblockingFailed, Err: err}
	case errors.Is(err, wire.ErrConnectionFailed):
		return &Error{Code: ConnectionFailed, Err: err}
	case errors.Is(err, wire.ErrEnterPipelineModeFailed):
		return &Error{Code: EnterPipelineModeFailed, Err: err}
	case errors.Is(err, wire.ErrSendQueryParamsFailed):
		return &Error{Code: SendQueryParamsFailed, Err: err}
	case errors.Is(err, wire.ErrPipelineSyncFailed):
		return &Error{Code: PipelineSyncFailed, Err: err}
	case errors.Is(err, wire.ErrConsumeInputFailed):
		return &Error{Code: ConsumeInputFailed, Err: err}
	default:
		return &Error{Code: ConnectionFailed, Err: err}
	}
}

// Package wire is the narrow, synchronous, non-blocking contract the
// pipeline engine drives: the "PQ primitive" boundary described by the
// public specification. It owns message encoding/decoding by delegating to
// github.com/jackc/pgx/v5/pgproto3 (the provided driver primitive) and
// owns the underlying net.Conn; everything above this package only ever
// sees decoded messages and the small poll/busy/result vocabulary below.
package wire

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Sentinel errors mirroring the closed error-code set the public API
// exposes. Callers translate these with errors.Is; they are never wrapped
// with additional dynamic context that would defeat that comparison.
var (
	ErrStatusFailed            = errors.New("wire: connection status failed")
	ErrSetNonblockingFailed    = errors.New("wire: set nonblocking failed")
	ErrConnectionFailed        = errors.New("wire: connection failed")
	ErrEnterPipelineModeFailed = errors.New("wire: enter pipeline mode failed")
	ErrSendQueryParamsFailed   = errors.New("wire: send query params failed")
	ErrPipelineSyncFailed      = errors.New("wire: pipeline sync failed")
	ErrConsumeInputFailed      = errors.New("wire: consume input failed")
)

// PollStatus is the hint PollConnect returns so the caller knows which
// socket readiness primitive to await before polling again.
type PollStatus int

const (
	PollReading PollStatus = iota
	PollWriting
	PollOK
	PollFailed
)

type connectPhase int

const (
	phaseSendStartup connectPhase = iota
	phaseAwaitAuth
	phaseAwaitReady
	phaseDone
	phaseFailed
)

// PipelineSync is returned by GetResult when a ReadyForQuery message closes
// out a synchronization point.
type PipelineSync struct{}

// Result is one aggregated statement result: zero or more row field
// descriptions, zero or more rows, and the server's command tag. It is the
// "Result" of the public data model, assembled here from the individual
// RowDescription/DataRow/CommandComplete messages pgproto3 decodes.
type Result struct {
	CommandTag string
	Fields     []pgproto3.FieldDescription
	Rows       [][][]byte
	Err        error
}

type building struct {
	active bool
	fields []pgproto3.FieldDescription
	rows   [][][]byte
}

// Conn is the connection-local PQ primitive facade: one per underlying
// net.Conn. It is not safe for concurrent use on its own: the send half
// (SendQueryParams/PipelineSync/Flush) is called from both submitter
// goroutines and the writer goroutine above this layer, and the caller is
// responsible for serializing those calls with one lock covering an
// entire Send*/PipelineSync sequence through the Flush that ships it. The
// receive half (ConsumeInput/IsBusy/GetResult) is only ever driven by the
// single reader goroutine and needs no external lock.
type Conn struct {
	netConn  net.Conn
	frontend *pgproto3.Frontend

	phase      connectPhase
	connectErr error
	user       string
	database   string

	pipelineMode bool
	queue        []pgproto3.BackendMessage
	build        building
	lastErr      string
}

// StartConnect dials addr and returns a handle in "in progress" status. A
// dial failure is the only way StartConnect itself fails (mirroring
// PQstatus() == CONNECTION_BAD failing start_connect outright).
func StartConnect(network, addr, user, database string) (*Conn, error) {
	netConn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatusFailed, err)
	}

	c := &Conn{
		netConn:  netConn,
		frontend: pgproto3.NewFrontend(netConn, netConn),
		phase:    phaseSendStartup,
		user:     user,
		database: database,
	}
	return c, nil
}

// NetConn exposes the raw connection so the caller can attach a readiness
// adapter to it. wire.Conn remains the owner: it alone closes the fd.
func (c *Conn) NetConn() net.Conn {
	return c.netConn
}

// PollConnect advances the connect/startup handshake through every message
// already received and reports what the caller should wait for next. Each
// attempted read or write uses a one-millisecond deadline so a would-block
// surfaces as a timeout rather than blocking this call.
func (c *Conn) PollConnect() (PollStatus, error) {
	switch c.phase {
	case phaseSendStartup:
		c.netConn.SetWriteDeadline(time.Now().Add(time.Millisecond))
		defer c.netConn.SetWriteDeadline(time.Time{})

		c.frontend.Send(&pgproto3.StartupMessage{
			ProtocolVersion: pgproto3.ProtocolVersionNumber,
			Parameters: map[string]string{
				"user":     c.user,
				"database": c.database,
			},
		})
		if err := c.frontend.Flush(); err != nil {
			if isWouldBlock(err) {
				return PollWriting, nil
			}
			return c.fail(err)
		}
		c.phase = phaseAwaitAuth
		return PollReading, nil

	case phaseAwaitAuth:
		msg, err := c.recvNonBlocking()
		if err != nil {
			if isWouldBlock(err) {
				return PollReading, nil
			}
			return c.fail(err)
		}
		if msg == nil {
			return PollReading, nil
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			c.phase = phaseAwaitReady
			return c.PollConnect()
		case *pgproto3.ErrorResponse:
			return c.fail(errorFromResponse(m))
		default:
			// Any authentication challenge (cleartext, MD5, SASL, ...) is an
			// external collaborator's concern; the core only ever expects
			// trust/peer auth to complete without a challenge.
			return c.fail(fmt.Errorf("wire: unsupported authentication request %T", m))
		}

	case phaseAwaitReady:
		msg, err := c.recvNonBlocking()
		if err != nil {
			if isWouldBlock(err) {
				return PollReading, nil
			}
			return c.fail(err)
		}
		if msg == nil {
			return PollReading, nil
		}
		switch m := msg.(type) {
		case *pgproto3.ParameterStatus, *pgproto3.BackendKeyData:
			return c.PollConnect()
		case *pgproto3.ReadyForQuery:
			c.phase = phaseDone
			return PollOK, nil
		case *pgproto3.ErrorResponse:
			return c.fail(errorFromResponse(m))
		default:
			return c.PollConnect()
		}

	case phaseDone:
		return PollOK, nil

	default:
		return PollFailed, c.connectErr
	}
}

func (c *Conn) fail(err error) (PollStatus, error) {
	c.phase = phaseFailed
	c.connectErr = err
	c.lastErr = err.Error()
	return PollFailed, err
}

// EnterPipelineMode switches the connection into pipeline mode. It never
// talks to the wire: libpq's PQenterPipelineMode is purely a local state
// flip once the connection is idle, and so is this.
func (c *Conn) EnterPipelineMode() error {
	if c.phase != phaseDone {
		return ErrEnterPipelineModeFailed
	}
	c.pipelineMode = true
	return nil
}

// SendQueryParams buffers an unnamed Parse/Bind/Describe/Execute group for
// one statement. Buffering cannot itself fail once pipeline mode is
// entered; the error return exists for contract fidelity with
// PQsendQueryParams and for encoding failures a fuller parameter codec
// would surface.
func (c *Conn) SendQueryParams(sql string, paramValues [][]byte, paramOIDs []uint32, paramFormats, resultFormats []int16) error {
	if !c.pipelineMode {
		return ErrSendQueryParamsFailed
	}
	c.frontend.SendParse(&pgproto3.Parse{Query: sql, ParameterOIDs: paramOIDs})
	c.frontend.SendBind(&pgproto3.Bind{
		ParameterFormatCodes: paramFormats,
		Parameters:           paramValues,
		ResultFormatCodes:    resultFormats,
	})
	c.frontend.SendDescribe(&pgproto3.Describe{ObjectType: 'P'})
	c.frontend.SendExecute(&pgproto3.Execute{})
	return nil
}

// PipelineSync buffers a Sync message, the boundary marker the reader uses
// to know a submission's results are complete.
func (c *Conn) PipelineSync() error {
	if !c.pipelineMode {
		return ErrPipelineSyncFailed
	}
	c.frontend.SendSync(&pgproto3.Sync{})
	return nil
}

// Flush writes everything buffered so far. Go's net.Conn.Write always
// writes to completion or fails outright (there is no short-write retry
// loop to surface the way libpq's non-blocking send buffer does), so this
// never reports "more to write" in this concrete implementation; the bool
// return is kept so the writer task's loop shape (call flush; if more,
// await writable; retry) stays intact for any backend that can legitimately
// return it.
func (c *Conn) Flush() (more bool, err error) {
	if err := c.frontend.Flush(); err != nil {
		return false, err
	}
	return false, nil
}

// ConsumeInput drains every message currently available on the wire,
// queuing the decoded messages for GetResult. It mirrors PQconsumeInput:
// called after the caller has awaited socket-readable, it waits for data
// no longer than recvNonBlocking's one-millisecond deadline.
func (c *Conn) ConsumeInput() error {
	for {
		msg, err := c.recvNonBlocking()
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrConsumeInputFailed, err)
		}
		if msg == nil {
			return nil
		}
		c.queue = append(c.queue, msg)
	}
}

// IsBusy reports whether GetResult would currently block, i.e. whether
// nothing decoded is queued to process.
func (c *Conn) IsBusy() bool {
	return len(c.queue) == 0
}

// GetResult pops and aggregates queued messages into the next available
// result. Outcomes: (*Result, nil) or (*PipelineSync, nil) when one is
// ready — a server-side SQL error arrives as a *Result with a non-nil Err
// field, exactly as PQgetResult returns a PGresult with an error status
// rather than failing the call — and (nil, nil) when the queue is
// exhausted without yet completing one; the caller must re-check IsBusy
// and may need a second (nil, nil) before concluding the sync boundary is
// fully drained (see the reader's double-null probe).
func (c *Conn) GetResult() (any, error) {
	for len(c.queue) > 0 {
		msg := c.queue[0]
		c.queue = c.queue[1:]

		switch m := msg.(type) {
		case *pgproto3.ParseComplete, *pgproto3.BindComplete:
			continue
		case *pgproto3.ParameterStatus, *pgproto3.BackendKeyData:
			continue
		case *pgproto3.NoticeResponse, *pgproto3.NotificationResponse:
			// Discarded here, before any handler ever sees them: unsolicited
			// server messages must never reach the front-of-FIFO dispatch.
			continue
		case *pgproto3.NoData:
			c.build = building{active: true}
			continue
		case *pgproto3.RowDescription:
			c.build = building{active: true, fields: m.Fields}
			continue
		case *pgproto3.DataRow:
			c.build.rows = append(c.build.rows, m.Values)
			continue
		case *pgproto3.EmptyQueryResponse:
			c.build = building{}
			return &Result{}, nil
		case *pgproto3.CommandComplete:
			res := &Result{CommandTag: string(m.CommandTag), Fields: c.build.fields, Rows: c.build.rows}
			c.build = building{}
			return res, nil
		case *pgproto3.ErrorResponse:
			c.build = building{}
			err := errorFromResponse(m)
			c.lastErr = err.Error()
			return &Result{Err: err}, nil
		case *pgproto3.ReadyForQuery:
			return &PipelineSync{}, nil
		default:
			continue
		}
	}
	return nil, nil
}

// Finish closes the underlying connection. It is irreversible.
func (c *Conn) Finish() error {
	return c.netConn.Close()
}

// ErrorMessage returns the last server-reported error text, borrowed for
// the lifetime of this handle.
func (c *Conn) ErrorMessage() string {
	return c.lastErr
}

// recvNonBlocking sets its deadline slightly in the future: a deadline that
// has already passed fails the read before any data is looked at.
func (c *Conn) recvNonBlocking() (pgproto3.BackendMessage, error) {
	c.netConn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer c.netConn.SetReadDeadline(time.Time{})

	msg, err := c.frontend.Receive()
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func isWouldBlock(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func errorFromResponse(msg *pgproto3.ErrorResponse) error {
	return fmt.Errorf("%s: %s", msg.Code, msg.Message)
}

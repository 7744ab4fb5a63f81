// Package pqpipetest provides a scripted, in-process fake PostgreSQL
// backend for exercising the pipeline engine without a real server. It is
// a Step/Script harness built on the same github.com/jackc/pgx/v5/pgproto3
// codec the engine's internal/wire package already depends on.
package pqpipetest

import (
	"fmt"
	"net"
	"reflect"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Step is one action a fake backend performs against one accepted
// connection: expect a message, send one, or wait for the client to close.
type Step interface {
	Step(*pgproto3.Backend) error
}

// Script is an ordered sequence of Steps run against one accepted
// connection.
type Script struct {
	Steps []Step
}

// Run executes every step in order, stopping at the first error.
func (s *Script) Run(backend *pgproto3.Backend) error {
	for _, step := range s.Steps {
		if err := step.Step(backend); err != nil {
			return err
		}
	}
	return nil
}

type expectStartupMessageStep struct{}

func (expectStartupMessageStep) Step(backend *pgproto3.Backend) error {
	_, err := backend.ReceiveStartupMessage()
	return err
}

// ExpectStartupMessage accepts whatever startup message the client sends,
// without validating its contents — the core's conninfo parsing is not
// this package's concern to police.
func ExpectStartupMessage() Step {
	return expectStartupMessageStep{}
}

type expectMessageStep struct {
	want pgproto3.FrontendMessage
}

func (e *expectMessageStep) Step(backend *pgproto3.Backend) error {
	msg, err := backend.Receive()
	if err != nil {
		return err
	}
	if reflect.TypeOf(msg) != reflect.TypeOf(e.want) {
		return fmt.Errorf("pqpipetest: got %T, want %T", msg, e.want)
	}
	return nil
}

// ExpectMessage asserts that the next message received has the same
// concrete type as want (its field values are not compared — pipelined
// Parse/Bind/Describe/Execute bodies vary per statement and per run).
func ExpectMessage(want pgproto3.FrontendMessage) Step {
	return &expectMessageStep{want: want}
}

type expectAnyOfStep struct {
	n int
}

func (e *expectAnyOfStep) Step(backend *pgproto3.Backend) error {
	for i := 0; i < e.n; i++ {
		if _, err := backend.Receive(); err != nil {
			return err
		}
	}
	return nil
}

// ExpectExtendedQuery consumes the four-message Parse/Bind/Describe/
// Execute group the engine sends for one pipelined statement, without
// inspecting their contents.
func ExpectExtendedQuery() Step {
	return &expectAnyOfStep{n: 4}
}

// ExpectSync consumes one Sync message, the boundary marker closing a
// submission.
func ExpectSync() Step {
	return &expectMessageStep{want: &pgproto3.Sync{}}
}

type sendMessageStep struct {
	msg pgproto3.BackendMessage
}

func (e *sendMessageStep) Step(backend *pgproto3.Backend) error {
	backend.Send(e.msg)
	return backend.Flush()
}

// SendMessage queues msg and flushes it immediately.
func SendMessage(msg pgproto3.BackendMessage) Step {
	return &sendMessageStep{msg: msg}
}

type sendRowResultStep struct {
	fields     []pgproto3.FieldDescription
	rows       [][][]byte
	commandTag string
}

func (e *sendRowResultStep) Step(backend *pgproto3.Backend) error {
	if e.fields != nil {
		backend.Send(&pgproto3.RowDescription{Fields: e.fields})
	}
	for _, row := range e.rows {
		backend.Send(&pgproto3.DataRow{Values: row})
	}
	backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(e.commandTag)})
	return backend.Flush()
}

// SendRowResult sends a complete extended-query result for one statement:
// an optional RowDescription, zero or more DataRows, and a closing
// CommandComplete carrying commandTag. Pass a nil fields slice for
// statements with no row description (e.g. INSERT/CREATE/DROP).
func SendRowResult(fields []pgproto3.FieldDescription, rows [][][]byte, commandTag string) Step {
	return &sendRowResultStep{fields: fields, rows: rows, commandTag: commandTag}
}

// SendSync completes a sync boundary by sending ReadyForQuery.
func SendSync() Step {
	return SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

type waitForCloseStep struct{}

func (waitForCloseStep) Step(backend *pgproto3.Backend) error {
	for {
		msg, err := backend.Receive()
		if err != nil {
			return nil //nolint:nilerr // EOF or any read error both mean the client hung up.
		}
		if _, ok := msg.(*pgproto3.Terminate); ok {
			return nil
		}
	}
}

// WaitForClose blocks until the client disconnects or sends Terminate.
func WaitForClose() Step {
	return waitForCloseStep{}
}

// AcceptUnauthenticatedConnRequestSteps is the common handshake prologue:
// accept the startup message, report auth success, hand back bogus
// backend key data, and declare the session ready.
func AcceptUnauthenticatedConnRequestSteps() []Step {
	return []Step{
		ExpectStartupMessage(),
		SendMessage(&pgproto3.AuthenticationOk{}),
		SendMessage(&pgproto3.BackendKeyData{ProcessID: 0, SecretKey: 0}),
		SendSync(),
	}
}

// Serve listens on an ephemeral loopback port, accepts exactly one
// connection, runs script against it on a background goroutine, and
// returns the "host:port" address to dial. Script failures are reported
// through t.Errorf from the background goroutine, the same way the
// teacher's own mock-server test helpers surface them.
func Serve(t testing.TB, script *Script) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pqpipetest: listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		backend := pgproto3.NewBackend(conn, conn)
		if err := script.Run(backend); err != nil {
			t.Errorf("pqpipetest: script: %v", err)
		}
	}()

	return ln.Addr().String()
}

// Package netpoll provides cancellation-aware readiness waits over a single
// stream socket. It is the "socket I/O adapter" leaf of the pipeline engine:
// callers above it never read or write bytes through it directly, they only
// ask whether the socket is currently readable or writable.
package netpoll

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// ErrCancelled is returned by WaitReadable/WaitWritable when the supplied
// context is cancelled before the socket becomes ready. It is distinct from
// any network error so callers can tell cancellation apart from a genuinely
// broken connection.
var ErrCancelled = errors.New("netpoll: wait cancelled")

// Socket wraps a net.Conn that some other owner (the wire protocol facade,
// which owns the underlying file descriptor via its driver primitive) may
// close independently. Socket never closes the connection itself: Attach
// takes a non-owning view, and Release drops that view without touching the
// descriptor, mirroring a library-owned fd that the adapter only observes.
type Socket struct {
	conn net.Conn
	raw  syscall.RawConn
}

// Attach binds the socket adapter to an externally-owned net.Conn. The
// adapter does not take ownership: closing conn remains the caller's (or the
// driver primitive's) responsibility.
func (s *Socket) Attach(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return errors.New("netpoll: connection does not support raw syscall access")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	s.conn = conn
	s.raw = raw
	return nil
}

// Release detaches the adapter from its connection without closing it.
func (s *Socket) Release() {
	s.conn = nil
	s.raw = nil
}

// WaitReadable blocks until the socket has data available to read, ctx is
// cancelled, or an I/O error occurs. It never consumes any bytes.
func (s *Socket) WaitReadable(ctx context.Context) error {
	return s.wait(ctx, s.raw.Read, readReady)
}

// WaitWritable blocks until the socket can accept more data, ctx is
// cancelled, or an I/O error occurs.
func (s *Socket) WaitWritable(ctx context.Context) error {
	return s.wait(ctx, s.raw.Write, writeReady)
}

// wait drives one readiness poll through the runtime network poller via
// rawOp (raw.Read or raw.Write). rawOp calls probe immediately, and again
// every time the runtime poller wakes the goroutine, until probe returns
// true; probe must therefore perform a real, zero-side-effect syscall and
// report false only for EAGAIN/EWOULDBLOCK, otherwise rawOp never actually
// parks on the poller and the deadline-trip cancellation below has nothing
// to interrupt. Cancellation is delivered by tripping the conn's deadline,
// the same mechanism a context watcher uses to interrupt a blocked read or
// write elsewhere in the driver.
func (s *Socket) wait(ctx context.Context, rawOp func(func(uintptr) bool) error, probe func(fd uintptr) bool) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}

	// Captured once: Release may clear s.conn while rawOp is parked.
	conn := s.conn

	stop := make(chan struct{})
	cancelled := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(aLongTimeAgo)
			close(cancelled)
		case <-stop:
		}
	}()

	err := rawOp(probe)
	close(stop)
	conn.SetDeadline(noDeadline)

	select {
	case <-cancelled:
		return ErrCancelled
	default:
	}

	return err
}

// readReady peeks one byte without consuming it, so the protocol engine's
// own reads never lose data to this adapter's probe. It reports not-ready
// only on EAGAIN/EWOULDBLOCK; any other outcome, including a definitive
// error or EOF, is "ready" so the caller's real read surfaces it.
func readReady(fd uintptr) bool {
	var buf [1]byte
	_, _, err := syscall.Recvfrom(int(fd), buf[:], syscall.MSG_PEEK)
	return err != syscall.EAGAIN && err != syscall.EWOULDBLOCK
}

// writeReady probes send-buffer space with a zero-length write, which
// POSIX guarantees has no effect on the stream. A zero-length write isn't
// guaranteed to surface EAGAIN under backpressure, so this is best-effort;
// wire.Conn.Flush always writes to completion in this implementation and
// never reports "more to write", so WaitWritable's readiness result is
// never load-bearing today, only the cancellation wiring it shares with
// WaitReadable is.
func writeReady(fd uintptr) bool {
	_, err := syscall.Write(int(fd), nil)
	return err != syscall.EAGAIN && err != syscall.EWOULDBLOCK
}

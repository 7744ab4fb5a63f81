package netpoll

import "time"

// aLongTimeAgo is used to force a net.Conn's pending read/write to return
// immediately with a timeout error, the same trick net/http and the
// standard library's own tests use to interrupt a blocked syscall.
var aLongTimeAgo = time.Unix(1, 0)

// noDeadline clears a previously set deadline.
var noDeadline = time.Time{}

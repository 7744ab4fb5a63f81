// Package pqpipepool is a minimal connection pool for pqpipe.Conn.
// pqpipe.Conn deliberately stays single-connection, so anything wanting
// more than one connection's worth of throughput needs a pool layered on
// top rather than pooling concerns folded into the engine itself.
package pqpipepool

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/puddle/v2"

	"github.com/ashtum/pqpipe"
)

// entry is one pooled connection: the pqpipe.Conn itself, the goroutine
// driving its Run loop, and the means to stop that goroutine and wait for
// it to exit before the connection is actually closed.
type entry struct {
	id     uuid.UUID
	conn   *pqpipe.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool hands out *pqpipe.Conn instances that are already connected and
// already have a Run goroutine driving them; the caller only ever submits
// queries.
type Pool struct {
	conninfo string
	pool     *puddle.Pool[*entry]
}

// Config holds the small set of knobs meaningful at this layer: how many
// connections to keep and where to dial them.
type Config struct {
	Conninfo string
	MaxConns int32
}

// New constructs a pool. Connections are established lazily, on first
// Acquire, exactly like puddle's own constructor contract.
func New(cfg Config) (*Pool, error) {
	p := &Pool{conninfo: cfg.Conninfo}

	puddlePool, err := puddle.NewPool(&puddle.Config[*entry]{
		Constructor: p.construct,
		Destructor:  destroy,
		MaxSize:     cfg.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	p.pool = puddlePool
	return p, nil
}

func (p *Pool) construct(ctx context.Context) (*entry, error) {
	conn, err := pqpipe.Connect(ctx, p.conninfo)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		id:     uuid.New(),
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(e.done)
		conn.Run(runCtx) //nolint:errcheck // teardown on error is reported to callers via their own Query/ExecPipeline calls, not here.
	}()

	return e, nil
}

func destroy(e *entry) {
	e.cancel()
	<-e.done
	e.conn.Close()
}

// Conn is one acquired, ready-to-use pooled connection. Release it when
// done; it must not be used afterward.
type Conn struct {
	res *puddle.Resource[*entry]
}

// Acquire borrows a connection from the pool, connecting a fresh one if
// none is idle and the pool has room.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	res, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{res: res}, nil
}

// Conn returns the underlying pqpipe.Conn. Submit queries against it;
// never call its Run method yourself — the pool already drives it.
func (c *Conn) Conn() *pqpipe.Conn {
	return c.res.Value().conn
}

// ID is a unique, stable identifier for the underlying pooled connection,
// useful for tracing which physical connection served a given request.
func (c *Conn) ID() uuid.UUID {
	return c.res.Value().id
}

// Release returns the connection to the pool.
func (c *Conn) Release() {
	c.res.Release()
}

// Close shuts the pool down: every idle connection is destroyed, and
// in-use connections are destroyed as they are released.
func (p *Pool) Close() {
	p.pool.Close()
}

// Stat exposes puddle's own pool statistics, unmodified.
func (p *Pool) Stat() *puddle.Stat {
	return p.pool.Stat()
}

package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"opsconductor/internal/transport"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	GlobalLimit    int
	PerTargetLimit int
	AcquireTimeout time.Duration
}

// Handle is one leased connection. It must be returned through exactly one of
// Release or Invalidate; later calls on the same handle are no-ops.
type Handle struct {
	ID     string
	Target string
	Conn   transport.Conn

	settled atomic.Bool
}

// Pool owns connections to targets and enforces a global ceiling plus a
// per-target ceiling. It is the only resource branches mutate concurrently;
// every counter and free-list touch happens under the mutex or a semaphore.
type Pool struct {
	connector transport.Connector
	cfg       PoolConfig

	global *semaphore.Weighted

	mu        sync.Mutex
	perTarget map[string]*semaphore.Weighted
	idle      map[string][]transport.Conn
	closed    bool

	active atomic.Int64
}

// NewPool creates a connection pool over the given connector.
func NewPool(connector transport.Connector, cfg PoolConfig) *Pool {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = 50
	}
	if cfg.PerTargetLimit <= 0 {
		cfg.PerTargetLimit = cfg.GlobalLimit
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	return &Pool{
		connector: connector,
		cfg:       cfg,
		global:    semaphore.NewWeighted(int64(cfg.GlobalLimit)),
		perTarget: make(map[string]*semaphore.Weighted),
		idle:      make(map[string][]transport.Conn),
	}
}

// Acquire blocks until a slot under both ceilings is free, then hands out a
// live connection: an idle one that passes a liveness check, or a fresh dial.
// A stale idle connection gets one fresh-dial attempt before the error
// surfaces. Expiry of the acquire timeout yields a CapacityError; caller
// cancellation yields the context error.
func (p *Pool) Acquire(ctx context.Context, profile transport.Profile) (*Handle, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	if err := p.global.Acquire(acquireCtx, 1); err != nil {
		return nil, p.acquireErr(ctx, profile.TargetSerial)
	}

	targetSem := p.targetSem(profile.TargetSerial)
	if err := targetSem.Acquire(acquireCtx, 1); err != nil {
		p.global.Release(1)
		return nil, p.acquireErr(ctx, profile.TargetSerial)
	}

	conn := p.popIdle(profile.TargetSerial)
	if conn != nil {
		if err := conn.Ping(acquireCtx); err != nil {
			conn.Close()
			conn = nil
		}
	}
	if conn == nil {
		fresh, err := p.connector.Dial(ctx, profile)
		if err != nil {
			targetSem.Release(1)
			p.global.Release(1)
			return nil, &TransportError{Target: profile.TargetSerial, Err: err}
		}
		conn = fresh
	}

	p.active.Add(1)
	return &Handle{
		ID:     uuid.New().String(),
		Target: profile.TargetSerial,
		Conn:   conn,
	}, nil
}

// Release returns a healthy connection to the pool for reuse.
func (p *Pool) Release(h *Handle) {
	if h == nil || !h.settled.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.Conn.Close()
	} else {
		p.idle[h.Target] = append(p.idle[h.Target], h.Conn)
		p.mu.Unlock()
	}

	p.releaseSlots(h.Target)
}

// Invalidate closes a connection whose state is no longer trustworthy. It is
// never returned to the free list.
func (p *Pool) Invalidate(h *Handle) {
	if h == nil || !h.settled.CompareAndSwap(false, true) {
		return
	}
	h.Conn.Close()
	p.releaseSlots(h.Target)
}

// Active returns the number of handles currently held by callers.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Close drops all idle connections. Outstanding handles stay valid until
// their holders release them.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for target, conns := range p.idle {
		for _, conn := range conns {
			conn.Close()
		}
		delete(p.idle, target)
	}
}

func (p *Pool) acquireErr(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return &CapacityError{Target: target, Waited: p.cfg.AcquireTimeout}
}

func (p *Pool) targetSem(target string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.perTarget[target]
	if !ok {
		sem = semaphore.NewWeighted(int64(p.cfg.PerTargetLimit))
		p.perTarget[target] = sem
	}
	return sem
}

func (p *Pool) popIdle(target string) transport.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.idle[target]
	if len(conns) == 0 {
		return nil
	}
	conn := conns[len(conns)-1]
	p.idle[target] = conns[:len(conns)-1]
	return conn
}

func (p *Pool) releaseSlots(target string) {
	p.active.Add(-1)
	p.targetSem(target).Release(1)
	p.global.Release(1)
}

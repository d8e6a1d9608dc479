package pool

import (
	"context"
	"sync"
	"time"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/monitoring"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// pooledConn is an idle connection with its age bookkeeping.
type pooledConn struct {
	conn      Conn
	createdAt time.Time
	idleSince time.Time
}

// tenantPool is the bounded connection pool of one tenant. Borrow
// capacity is a permit channel sized at max; idle connections are a
// LIFO stack so the warmest connection goes out first.
type tenantPool struct {
	tenantID  string
	slot      int
	connector Connector
	cfg       config.PoolConfig
	max       int
	log       logger.Logger

	permits chan struct{}

	mu       sync.Mutex
	idle     []*pooledConn
	busy     int
	lastUsed time.Time
	closed   bool
}

func newTenantPool(tenantID string, slot int, connector Connector, cfg config.PoolConfig, maxOverride int, log logger.Logger) *tenantPool {
	max := cfg.MaxConns
	if maxOverride > 0 && maxOverride < max {
		max = maxOverride
	}
	if max < 1 {
		max = 1
	}
	p := &tenantPool{
		tenantID:  tenantID,
		slot:      slot,
		connector: connector,
		cfg:       cfg,
		max:       max,
		log:       log,
		permits:   make(chan struct{}, max),
		lastUsed:  time.Now(),
	}
	for i := 0; i < max; i++ {
		p.permits <- struct{}{}
	}
	return p
}

// Lease is a borrowed connection. Release returns it; a poisoned lease
// discards the connection instead, since a query abandoned mid-flight
// leaves unknown state on the wire.
type Lease struct {
	Conn      Conn
	pool      *tenantPool
	createdAt time.Time
	done      bool
}

func (l *Lease) Release(ctx context.Context, poisoned bool) {
	if l.done {
		return
	}
	l.done = true
	l.pool.release(ctx, l.Conn, l.createdAt, poisoned)
}

// Acquire borrows a connection, waiting at most the configured acquire
// timeout for a permit.
func (p *tenantPool) Acquire(ctx context.Context) (*Lease, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-p.permits:
	case <-ctx.Done():
		return nil, apperrors.FromContext(ctx)
	case <-timer.C:
		return nil, apperrors.Ef(apperrors.KindPoolTimeout,
			"no connection available within %s", p.cfg.AcquireTimeout)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.permits <- struct{}{}
		return nil, apperrors.E(apperrors.KindTenantInactive, "pool is draining")
	}
	p.lastUsed = time.Now()
	pc := p.popIdleLocked()
	p.busy++
	p.mu.Unlock()
	p.gauge()

	if pc == nil {
		c, err := p.connector.Open(ctx)
		if err != nil {
			p.mu.Lock()
			p.busy--
			p.mu.Unlock()
			p.permits <- struct{}{}
			p.gauge()
			return nil, err
		}
		pc = &pooledConn{conn: c, createdAt: time.Now()}
	}
	return &Lease{Conn: pc.conn, pool: p, createdAt: pc.createdAt}, nil
}

// popIdleLocked pops the freshest idle connection, discarding any that
// aged past recycle_after on the way.
func (p *tenantPool) popIdleLocked() *pooledConn {
	now := time.Now()
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.cfg.RecycleAfter > 0 && now.Sub(pc.createdAt) > p.cfg.RecycleAfter {
			go pc.conn.Close(context.Background())
			continue
		}
		return pc
	}
	return nil
}

func (p *tenantPool) release(ctx context.Context, conn Conn, createdAt time.Time, poisoned bool) {
	p.mu.Lock()
	p.busy--
	p.lastUsed = time.Now()
	keep := !poisoned && !p.closed
	if keep {
		p.idle = append(p.idle, &pooledConn{
			conn:      conn,
			createdAt: createdAt,
			idleSince: time.Now(),
		})
	}
	p.mu.Unlock()
	p.permits <- struct{}{}
	p.gauge()

	if !keep {
		if err := conn.Close(ctx); err != nil {
			p.log.Debug("connection close failed", "tenant_id", p.tenantID, "error", err)
		}
	}
}

// reap closes idle connections past the reap interval, keeping at least
// min_conns warm, and pings the survivors.
func (p *tenantPool) reap(ctx context.Context) {
	now := time.Now()
	var victims []*pooledConn

	p.mu.Lock()
	if !p.closed && p.cfg.IdleReapInterval > 0 {
		remaining := len(p.idle)
		kept := p.idle[:0]
		for _, pc := range p.idle {
			expired := now.Sub(pc.idleSince) > p.cfg.IdleReapInterval ||
				(p.cfg.RecycleAfter > 0 && now.Sub(pc.createdAt) > p.cfg.RecycleAfter)
			if expired && remaining > p.cfg.MinConns {
				victims = append(victims, pc)
				remaining--
				continue
			}
			kept = append(kept, pc)
		}
		p.idle = kept
	}
	survivors := append([]*pooledConn(nil), p.idle...)
	p.mu.Unlock()

	for _, pc := range victims {
		_ = pc.conn.Close(ctx)
	}
	for _, pc := range survivors {
		if err := pc.conn.Ping(ctx); err != nil {
			p.discard(pc)
		}
	}
	p.gauge()
}

func (p *tenantPool) discard(pc *pooledConn) {
	p.mu.Lock()
	for i, cand := range p.idle {
		if cand == pc {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	_ = pc.conn.Close(context.Background())
}

// drain closes every idle connection and marks the pool closed. Busy
// connections are discarded on release.
func (p *tenantPool) drain(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pc := range idle {
		_ = pc.conn.Close(ctx)
	}
	_ = p.connector.Close(ctx)
	monitoring.SetPoolConnections(p.tenantID, 0, 0)
}

func (p *tenantPool) idleFor(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy > 0 {
		return 0
	}
	return now.Sub(p.lastUsed)
}

func (p *tenantPool) gauge() {
	p.mu.Lock()
	idle, busy := len(p.idle), p.busy
	p.mu.Unlock()
	monitoring.SetPoolConnections(p.tenantID, idle, busy)
}

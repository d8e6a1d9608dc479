package pool

import (
	"context"
	"sync"
	"time"

	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/registry"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// Manager owns every tenant pool and breaker. Pools come up lazily on
// first use and go away when the registry drops the tenant, when its
// clone is swapped, or when the tenant sits idle past the configured
// timeout.
type Manager struct {
	reg  *registry.Registry
	cfg  config.PoolConfig
	bcfg config.BreakerConfig
	log  logger.Logger

	mu       sync.Mutex
	pools    map[string]*tenantPool
	breakers map[string]*Breaker

	onBreakerChange func(tenantID, from, to string)
	connectorFor    func(models.DatabaseDescriptor) (Connector, error)

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewManager(reg *registry.Registry, cfg config.PoolConfig, bcfg config.BreakerConfig, log logger.Logger) *Manager {
	m := &Manager{
		reg:      reg,
		cfg:      cfg,
		bcfg:     bcfg,
		log:      log,
		pools:    make(map[string]*tenantPool),
		breakers: make(map[string]*Breaker),
		stop:     make(chan struct{}),
	}
	m.connectorFor = NewConnector
	return m
}

// SetConnectorFactory overrides how connectors are built. Tests swap
// in fakes here.
func (m *Manager) SetConnectorFactory(fn func(models.DatabaseDescriptor) (Connector, error)) {
	m.connectorFor = fn
}

// OnBreakerChange registers a callback invoked after any tenant breaker
// changes state. Used by the audit writer.
func (m *Manager) OnBreakerChange(fn func(tenantID, from, to string)) {
	m.onBreakerChange = fn
}

// Start launches the background reaper and the registry event drain.
func (m *Manager) Start() {
	events := m.reg.Subscribe()
	m.wg.Add(2)
	go m.drainEvents(events)
	go m.reapLoop()
}

// Stop drains every pool and halts background work.
func (m *Manager) Stop(ctx context.Context) {
	close(m.stop)
	m.wg.Wait()

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*tenantPool)
	m.mu.Unlock()
	for _, p := range pools {
		p.drain(ctx)
	}
}

// SetTunables applies hot-reloaded breaker settings to pools created
// from now on; existing breakers keep their thresholds until the
// tenant's pool cycles.
func (m *Manager) SetTunables(cfg config.PoolConfig, bcfg config.BreakerConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.bcfg = bcfg
	m.mu.Unlock()
}

// Execute borrows a connection from the tenant's pool and runs fn with
// it, all under the tenant's breaker. The lease is poisoned when the
// context died during fn, since the connection may still carry an
// in-flight query.
func (m *Manager) Execute(ctx context.Context, tenantID string, fn func(Conn) error) error {
	entry, err := m.reg.Lookup(tenantID)
	if err != nil {
		return err
	}
	p, b := m.poolFor(entry)

	return b.Execute(func() error {
		lease, err := p.Acquire(ctx)
		if err != nil {
			return err
		}
		err = fn(lease.Conn)
		lease.Release(ctx, ctx.Err() != nil)
		return err
	})
}

// BreakerState reports the breaker state of a tenant, "closed" when no
// breaker exists yet.
func (m *Manager) BreakerState(tenantID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[tenantID]; ok {
		return b.State()
	}
	return "closed"
}

// Stats reports pool occupancy for the tenant health endpoint.
func (m *Manager) Stats(tenantID string) (idle, busy, max int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[tenantID]
	if !ok {
		return 0, 0, 0, false
	}
	p.mu.Lock()
	idle, busy, max = len(p.idle), p.busy, p.max
	p.mu.Unlock()
	return idle, busy, max, true
}

func (m *Manager) poolFor(entry registry.Entry) (*tenantPool, *Breaker) {
	tenantID := entry.Tenant.ID
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[tenantID]
	if !ok {
		connector, err := m.connectorFor(entry.Tenant.Descriptor)
		if err != nil {
			// Unknown kinds are caught at activation; reaching here
			// means a registry bug, fail on first acquire.
			m.log.Error("connector build failed", "tenant_id", tenantID, "error", err)
			connector = &failingConnector{err: err, kind: entry.Tenant.Descriptor.Kind}
		}
		p = newTenantPool(tenantID, entry.Slot, connector, m.cfg, entry.Tenant.Quotas.MaxPoolSize, m.log)
		m.pools[tenantID] = p
	}
	b, ok := m.breakers[tenantID]
	if !ok {
		b = NewBreaker(tenantID, m.bcfg, m.log, func(from, to string) {
			if m.onBreakerChange != nil {
				m.onBreakerChange(tenantID, from, to)
			}
		})
		m.breakers[tenantID] = b
	}
	return p, b
}

func (m *Manager) drainEvents(events <-chan registry.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case evt := <-events:
			switch evt.Type {
			case registry.EventDecommissioned, registry.EventDescriptorSwap:
				m.dropPool(evt.TenantID, evt.Type == registry.EventDecommissioned)
			}
		}
	}
}

// dropPool drains a tenant's pool. On a descriptor swap the breaker
// stays so a flapping clone does not get a fresh failure budget.
func (m *Manager) dropPool(tenantID string, dropBreaker bool) {
	m.mu.Lock()
	p, ok := m.pools[tenantID]
	delete(m.pools, tenantID)
	if dropBreaker {
		delete(m.breakers, tenantID)
	}
	m.mu.Unlock()
	if ok {
		p.drain(context.Background())
		m.log.Info("tenant pool drained", "tenant_id", tenantID)
	}
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	interval := m.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	now := time.Now()
	m.mu.Lock()
	pools := make(map[string]*tenantPool, len(m.pools))
	for id, p := range m.pools {
		pools[id] = p
	}
	idleTimeout := m.cfg.IdleTenantTimeout
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for id, p := range pools {
		if idleTimeout > 0 && p.idleFor(now) > idleTimeout {
			m.dropPool(id, false)
			continue
		}
		p.reap(ctx)
	}
}

// failingConnector surfaces a construction error on first use instead
// of at registration time.
type failingConnector struct {
	err  error
	kind models.DatabaseKind
}

func (f *failingConnector) Kind() models.DatabaseKind          { return f.kind }
func (f *failingConnector) Open(context.Context) (Conn, error) { return nil, f.err }
func (f *failingConnector) Close(context.Context) error        { return nil }

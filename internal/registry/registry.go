// Package registry keeps the in-memory view of which tenants are
// routable and which database clone backs each of them. Lookups on the
// request path are lock-free snapshot reads; mutations serialize on a
// writer lock and publish a fresh snapshot.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// EventType enumerates registry change notifications.
type EventType string

const (
	EventActivated      EventType = "activated"
	EventDescriptorSwap EventType = "descriptor_swap"
	EventDecommissioned EventType = "decommissioned"
)

// Event is delivered to subscribers after the snapshot flips, so a
// subscriber that re-reads the registry always sees the new state.
type Event struct {
	Type     EventType
	TenantID string
	Slot     int
}

// Entry is one routable tenant in a snapshot.
type Entry struct {
	Tenant *models.Tenant
	Slot   int
}

type snapshot struct {
	byID map[string]Entry
}

// Registry is the tenant/clone registry.
type Registry struct {
	mu    sync.Mutex // serializes writers and slot assignment
	snap  atomic.Value
	slots *slotArena
	subs  []chan Event
	log   logger.Logger
}

func New(log logger.Logger) *Registry {
	r := &Registry{slots: newSlotArena(), log: log}
	r.snap.Store(&snapshot{byID: map[string]Entry{}})
	return r
}

// Lookup resolves a tenant on the request path. Unknown tenants and
// tenants not currently active are distinct failures.
func (r *Registry) Lookup(tenantID string) (Entry, error) {
	s := r.snap.Load().(*snapshot)
	e, ok := s.byID[tenantID]
	if !ok {
		return Entry{}, apperrors.E(apperrors.KindTenantNotFound, "tenant not found")
	}
	if e.Tenant.Status != models.TenantActive {
		return Entry{}, apperrors.E(apperrors.KindTenantInactive, "tenant is not active")
	}
	return e, nil
}

// Entries returns every registered tenant, active or not.
func (r *Registry) Entries() []Entry {
	s := r.snap.Load().(*snapshot)
	out := make([]Entry, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	return out
}

// Activate registers a tenant or updates its descriptor. Idempotent: a
// re-activation with an unchanged descriptor revision is a no-op. A
// revision bump keeps the tenant's slot and publishes a descriptor swap
// so pools drain against the old clone.
func (r *Registry) Activate(t *models.Tenant) int {
	r.mu.Lock()
	s := r.snap.Load().(*snapshot)
	prev, known := s.byID[t.ID]

	if known && prev.Tenant.Status == models.TenantActive &&
		prev.Tenant.Descriptor.CloneRevision == t.Descriptor.CloneRevision {
		slot := prev.Slot
		r.mu.Unlock()
		return slot
	}

	slot := 0
	evt := EventActivated
	if known {
		slot = prev.Slot
		if prev.Tenant.Status == models.TenantActive {
			evt = EventDescriptorSwap
		}
	} else {
		slot = r.slots.acquire()
	}

	active := *t
	active.Status = models.TenantActive
	r.flip(s, t.ID, Entry{Tenant: &active, Slot: slot})
	subs := append([]chan Event(nil), r.subs...)
	r.mu.Unlock()

	r.log.Info("tenant activated", "tenant_id", t.ID, "slot", slot,
		"clone_revision", t.Descriptor.CloneRevision, "event", string(evt))
	notify(subs, Event{Type: evt, TenantID: t.ID, Slot: slot})
	return slot
}

// Decommission removes a tenant from routing and frees its slot.
// Idempotent: decommissioning an unknown or already-removed tenant is a
// no-op.
func (r *Registry) Decommission(tenantID string) {
	r.mu.Lock()
	s := r.snap.Load().(*snapshot)
	prev, known := s.byID[tenantID]
	if !known {
		r.mu.Unlock()
		return
	}
	next := &snapshot{byID: make(map[string]Entry, len(s.byID))}
	for id, e := range s.byID {
		if id != tenantID {
			next.byID[id] = e
		}
	}
	r.snap.Store(next)
	r.slots.release(prev.Slot)
	subs := append([]chan Event(nil), r.subs...)
	r.mu.Unlock()

	r.log.Info("tenant decommissioned", "tenant_id", tenantID, "slot", prev.Slot)
	notify(subs, Event{Type: EventDecommissioned, TenantID: tenantID, Slot: prev.Slot})
}

// Subscribe returns a channel receiving registry events. The channel is
// buffered; a subscriber that falls behind loses the oldest events
// rather than blocking writers.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) flip(s *snapshot, id string, e Entry) {
	next := &snapshot{byID: make(map[string]Entry, len(s.byID)+1)}
	for k, v := range s.byID {
		next.byID[k] = v
	}
	next.byID[id] = e
	r.snap.Store(next)
}

func notify(subs []chan Event, evt Event) {
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// drop the oldest and retry once
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// slotArena hands out small dense integers identifying pool slots.
// Freed slots are reused before the arena grows.
type slotArena struct {
	next int
	free []int
}

func newSlotArena() *slotArena { return &slotArena{} }

// acquire must be called under the registry writer lock.
func (a *slotArena) acquire() int {
	if n := len(a.free); n > 0 {
		s := a.free[n-1]
		a.free = a.free[:n-1]
		return s
	}
	s := a.next
	a.next++
	return s
}

func (a *slotArena) release(slot int) {
	a.free = append(a.free, slot)
}

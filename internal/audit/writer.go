// Package audit batches RBAC and query audit entries into the metadata
// store. Entries flush on batch size or interval; events in the
// durable set flush synchronously so their row exists before the
// triggering response returns. Ordering within a session is preserved
// because every flush writes the buffer in arrival order.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/monitoring"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

type Writer struct {
	store store.Store
	cfg   config.AuditConfig
	log   logger.Logger

	mu      sync.Mutex
	pending []*models.AuditEntry

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewWriter(st store.Store, cfg config.AuditConfig, log logger.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Writer{store: st, cfg: cfg, log: log, stop: make(chan struct{})}
}

// Entry builds an audit entry with a fresh ID and timestamp.
func Entry(eventType, userID, tenantID, sessionID string, details map[string]interface{}) *models.AuditEntry {
	return &models.AuditEntry{
		ID:        uuid.NewString(),
		EventType: eventType,
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
}

// Record enqueues an entry. Durable events flush the buffer, entry
// included, before returning; everything else is written by the
// background flusher.
func (w *Writer) Record(ctx context.Context, e *models.AuditEntry) error {
	w.mu.Lock()
	w.pending = append(w.pending, e)
	durable := models.DurableEvents[e.EventType]
	full := len(w.pending) >= w.cfg.BatchSize
	var batch []*models.AuditEntry
	if durable || full {
		batch = w.pending
		w.pending = nil
	}
	monitoring.SetAuditBacklog(len(w.pending))
	w.mu.Unlock()

	if batch == nil {
		return nil
	}
	if err := w.store.AppendAudit(ctx, batch); err != nil {
		if durable {
			return err
		}
		// Non-durable batches are best-effort; log and drop.
		w.log.Error("audit flush failed", "entries", len(batch), "error", err)
	}
	return nil
}

// Start launches the interval flusher and the retention pruner.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.flushLoop()
	if w.cfg.RetentionDays > 0 {
		w.wg.Add(1)
		go w.pruneLoop()
	}
}

// Stop flushes what is buffered and halts background work.
func (w *Writer) Stop(ctx context.Context) {
	close(w.stop)
	w.wg.Wait()
	w.flush(ctx)
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.flush(ctx)
			cancel()
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	monitoring.SetAuditBacklog(0)
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := w.store.AppendAudit(ctx, batch); err != nil {
		w.log.Error("audit flush failed", "entries", len(batch), "error", err)
	}
}

func (w *Writer) pruneLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -w.cfg.RetentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := w.store.PruneAudit(ctx, cutoff)
			cancel()
			if err != nil {
				w.log.Error("audit prune failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.Info("audit entries pruned", "count", n, "cutoff", cutoff)
			}
		}
	}
}

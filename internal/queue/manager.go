// Package queue provides the single entry point for recording offline sales.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/mvelasco/posqueue/internal/db"
	apperrors "github.com/mvelasco/posqueue/internal/errors"
	"github.com/mvelasco/posqueue/internal/events"
	"github.com/mvelasco/posqueue/internal/localid"
	"github.com/mvelasco/posqueue/internal/logging"
	"github.com/mvelasco/posqueue/internal/models"
)

// Manager enqueues sales into the durable store and exposes queue state to
// the UI. It never touches the network: Enqueue is purely local and returns
// as soon as the sale is persisted.
type Manager struct {
	store      *db.Store
	bus        *events.Bus
	maxRetries int
	log        zerolog.Logger
}

// NewManager creates a new Manager.
func NewManager(store *db.Store, bus *events.Bus, maxRetries int) *Manager {
	return &Manager{
		store:      store,
		bus:        bus,
		maxRetries: maxRetries,
		log:        logging.Component("queue"),
	}
}

// Enqueue records a sale for later submission and returns its local ID.
//
// The payload is opaque: it is persisted byte-for-byte and later submitted
// unchanged. A storage failure propagates to the caller: an offline sale
// that cannot be persisted is a data-loss risk and must be surfaced
// immediately, not retried silently.
func (m *Manager) Enqueue(ctx context.Context, payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "", apperrors.New(apperrors.ErrInvalid, "empty sale payload")
	}

	now := time.Now()
	sale := &models.QueuedSale{
		LocalID:    localid.New(),
		Payload:    payload,
		Status:     models.SaleStatusPending,
		RetryCount: 0,
		CreatedAt:  now.UnixMilli(),
		UpdatedAt:  now.UnixMilli(),
	}

	if err := m.store.Put(ctx, sale); err != nil {
		m.log.Error().Err(err).Str("local_id", sale.LocalID).Msg("failed to persist offline sale")
		return "", err
	}

	m.log.Info().Str("local_id", sale.LocalID).Msg("sale recorded offline")
	m.emitQueueChanged(ctx)

	return sale.LocalID, nil
}

// PendingCount returns the number of sales not yet accepted by the server
// (pending or failed, exhausted ones included).
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.store.CountPending(ctx)
}

// Failures returns the sales that exhausted their automatic retries and need
// manual resolution.
func (m *Manager) Failures(ctx context.Context) ([]*models.QueuedSale, error) {
	return m.store.GetExhausted(ctx, m.maxRetries)
}

// Retry puts an exhausted sale back in line for automatic sync, resetting its
// retry count. Used after the operator corrected whatever the server rejected.
func (m *Manager) Retry(ctx context.Context, localID string) error {
	sale, err := m.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if !sale.Exhausted(m.maxRetries) {
		return apperrors.Newf(apperrors.ErrInvalid, "sale %s is not permanently failed", localID)
	}

	if err := m.store.ResetForRetry(ctx, localID); err != nil {
		return err
	}

	m.log.Info().Str("local_id", localID).Msg("permanently failed sale reset for retry")
	m.emitQueueChanged(ctx)
	return nil
}

// Discard drops a sale the operator has given up on. The removal is
// deliberate and logged; the queue itself never drops a sale silently.
func (m *Manager) Discard(ctx context.Context, localID string) error {
	if err := localid.Validate(localID); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid local ID", err)
	}

	if err := m.store.Remove(ctx, localID); err != nil {
		return err
	}

	m.log.Warn().Str("local_id", localID).Msg("queued sale discarded by operator")
	m.emitQueueChanged(ctx)
	return nil
}

// emitQueueChanged publishes the current pending count.
func (m *Manager) emitQueueChanged(ctx context.Context) {
	count, err := m.store.CountPending(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to count pending sales")
		return
	}
	m.bus.Publish(events.Event{
		Type: events.EventQueueChanged,
		Data: events.QueueChangedData{PendingCount: count},
	})
}

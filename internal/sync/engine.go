// Package sync drains queued offline sales against the remote sales API.
package sync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mvelasco/posqueue/internal/db"
	apperrors "github.com/mvelasco/posqueue/internal/errors"
	"github.com/mvelasco/posqueue/internal/events"
	"github.com/mvelasco/posqueue/internal/logging"
	"github.com/mvelasco/posqueue/internal/models"
)

// SyncResult summarizes one drain pass.
type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Engine drains the queue against the remote API. Records are processed
// strictly one at a time in creation order: offline queues hold tens of
// records, not thousands, and a consistent server-side history matters more
// than throughput here.
type Engine struct {
	store      *db.Store
	submitter  Submitter
	bus        *events.Bus
	maxRetries int
	timeout    time.Duration
	log        zerolog.Logger

	// draining gates concurrent drains. Owned by the instance, not the
	// package, so independent queues (one per tenant in tests) don't
	// interfere.
	draining atomic.Bool
}

// NewEngine creates a new Engine.
func NewEngine(store *db.Store, submitter Submitter, bus *events.Bus, maxRetries int, timeout time.Duration) *Engine {
	return &Engine{
		store:      store,
		submitter:  submitter,
		bus:        bus,
		maxRetries: maxRetries,
		timeout:    timeout,
		log:        logging.Component("sync"),
	}
}

// IsDraining reports whether a drain pass is currently running.
func (e *Engine) IsDraining() bool {
	return e.draining.Load()
}

// Drain submits all eligible queued sales to the remote API, oldest first.
//
// Reentrancy: if a drain is already running, the call returns immediately
// with an empty result and no network traffic. Overlapping passes would risk
// submitting the same sale twice.
//
// Cancellation: cancelling ctx (the monitor went offline) stops the pass
// between records. The in-flight request is allowed to finish; a request
// already sent cannot be aborted without ambiguous duplicate-submission risk.
//
// Per-record errors are aggregated into the result; they never abort the
// rest of the batch and never escape Drain.
func (e *Engine) Drain(ctx context.Context) (*SyncResult, error) {
	if !e.draining.CompareAndSwap(false, true) {
		e.log.Debug().Msg("drain already in progress, skipping")
		return &SyncResult{}, nil
	}
	defer e.draining.Store(false)

	// The started/completed pair brackets every pass, an empty one included,
	// so the UI can always close its "syncing" indicator.
	e.bus.Publish(events.Event{Type: events.EventSyncStarted})

	eligible, err := e.store.GetEligible(ctx, e.maxRetries)
	if err != nil {
		e.bus.Publish(events.Event{Type: events.EventSyncCompleted, Data: events.SyncCompletedData{}})
		return nil, err
	}
	e.log.Info().Int("count", len(eligible)).Msg("draining offline sales")

	result := &SyncResult{}
	for _, sale := range eligible {
		// Stop between records once the monitor reports offline. Whatever is
		// left keeps its status for the next online transition.
		if ctx.Err() != nil {
			e.log.Info().Int("remaining", len(eligible)-result.Success-result.Failed).
				Msg("drain interrupted, remaining sales deferred")
			break
		}

		e.submitOne(ctx, sale, result)
	}

	e.bus.Publish(events.Event{
		Type: events.EventSyncCompleted,
		Data: events.SyncCompletedData{Success: result.Success, Failed: result.Failed},
	})
	e.emitQueueChanged(context.WithoutCancel(ctx))

	e.log.Info().Int("success", result.Success).Int("failed", result.Failed).Msg("drain completed")
	return result, nil
}

// submitOne attempts a single sale and updates store and result accordingly.
func (e *Engine) submitOne(ctx context.Context, sale *models.QueuedSale, result *SyncResult) {
	// Bookkeeping writes must land even while the drain context is being
	// cancelled, so they run on an uncancellable context.
	storeCtx := context.WithoutCancel(ctx)

	if err := e.store.UpdateStatus(storeCtx, sale.LocalID, models.SaleStatusSyncing, sale.RetryCount, sale.LastError); err != nil {
		e.log.Error().Err(err).Str("local_id", sale.LocalID).Msg("failed to mark sale syncing")
		result.Failed++
		return
	}

	// The request itself always runs to completion: detaching from ctx means
	// an offline transition mid-request cannot abort it.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	err := e.submitter.Submit(reqCtx, sale)
	cancel()

	if err == nil {
		if err := e.store.Remove(storeCtx, sale.LocalID); err != nil {
			// The server accepted the sale but the local copy is stuck. Leave
			// it failed rather than pending: an automatic resubmission would
			// duplicate the sale, a human has to look at it.
			e.log.Error().Err(err).Str("local_id", sale.LocalID).Msg("sale synced but local removal failed")
			e.markFailed(storeCtx, sale, e.maxRetries, "synced but local removal failed: "+err.Error())
			result.Failed++
			return
		}
		result.Success++
		e.log.Info().Str("local_id", sale.LocalID).Msg("offline sale synced")
		return
	}

	result.Failed++

	retryCount := sale.RetryCount + 1
	if apperrors.IsPermanent(err) {
		// Permanent rejections are never retried automatically: the payload
		// will keep failing until the data itself changes. Jump straight to
		// the ceiling so the record drops out of future drains.
		retryCount = e.maxRetries
	}

	e.markFailed(storeCtx, sale, retryCount, err.Error())

	e.log.Warn().Err(err).
		Str("local_id", sale.LocalID).
		Int("retry_count", retryCount).
		Int("max_retries", e.maxRetries).
		Bool("permanent", apperrors.IsPermanent(err)).
		Msg("offline sale submission rejected")
}

// markFailed records a failed attempt and surfaces exhaustion to the UI.
func (e *Engine) markFailed(ctx context.Context, sale *models.QueuedSale, retryCount int, detail string) {
	if err := e.store.UpdateStatus(ctx, sale.LocalID, models.SaleStatusFailed, retryCount, detail); err != nil {
		e.log.Error().Err(err).Str("local_id", sale.LocalID).Msg("failed to mark sale failed")
		return
	}

	if retryCount >= e.maxRetries {
		e.bus.Publish(events.Event{
			Type: events.EventSaleFailed,
			Data: events.SaleFailedData{LocalID: sale.LocalID, Detail: detail},
		})
	}
}

// emitQueueChanged publishes the post-drain pending count.
func (e *Engine) emitQueueChanged(ctx context.Context) {
	count, err := e.store.CountPending(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to count pending sales")
		return
	}
	e.bus.Publish(events.Event{
		Type: events.EventQueueChanged,
		Data: events.QueueChangedData{PendingCount: count},
	})
}

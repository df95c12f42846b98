// Package sync provides unit tests for the drain engine.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mvelasco/posqueue/internal/db"
	apperrors "github.com/mvelasco/posqueue/internal/errors"
	"github.com/mvelasco/posqueue/internal/events"
	"github.com/mvelasco/posqueue/internal/models"
)

const testMaxRetries = 5

// fakeSubmitter scripts per-sale outcomes and records submission order.
type fakeSubmitter struct {
	mu        sync.Mutex
	responses map[string]error // local_id -> scripted error, nil = accept
	submitted []string
	block     chan struct{} // when set, Submit waits until the channel closes
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{responses: make(map[string]error)}
}

func (f *fakeSubmitter) Submit(ctx context.Context, sale *models.QueuedSale) error {
	f.mu.Lock()
	f.submitted = append(f.submitted, sale.LocalID)
	block := f.block
	err := f.responses[sale.LocalID]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return err
}

func (f *fakeSubmitter) submissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.submitted...)
}

// newTestEngine builds an engine over a real sqlite store in a temp dir.
func newTestEngine(t *testing.T, submitter Submitter) (*Engine, *db.Store, *events.Bus) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Failed to initialize migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	store := db.NewStore(database.DB)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	engine := NewEngine(store, submitter, bus, testMaxRetries, 5*time.Second)
	return engine, store, bus
}

// enqueueTestSale inserts a pending sale with a deterministic creation time.
func enqueueTestSale(t *testing.T, store *db.Store, localID string, createdAt int64) {
	t.Helper()
	sale := &models.QueuedSale{
		LocalID:   localID,
		Payload:   json.RawMessage(`{"total": 999}`),
		Status:    models.SaleStatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if err := store.Put(context.Background(), sale); err != nil {
		t.Fatalf("Failed to enqueue test sale: %v", err)
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	engine, _, bus := newTestEngine(t, newFakeSubmitter())

	eventCh, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	result, err := engine.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Success != 0 || result.Failed != 0 {
		t.Errorf("Expected empty result, got %+v", result)
	}

	// Even an empty pass is bracketed by the lifecycle pair
	var sawStarted, sawCompleted bool
	for len(eventCh) > 0 {
		switch evt := <-eventCh; evt.Type {
		case events.EventSyncStarted:
			sawStarted = true
		case events.EventSyncCompleted:
			sawCompleted = true
			data := evt.Data.(events.SyncCompletedData)
			if data.Success != 0 || data.Failed != 0 {
				t.Errorf("Expected zero counts, got %+v", data)
			}
		}
	}
	if !sawStarted || !sawCompleted {
		t.Errorf("Expected sync:started and sync:completed, got started=%v completed=%v", sawStarted, sawCompleted)
	}
}

func TestDrainAllSucceed(t *testing.T) {
	submitter := newFakeSubmitter()
	engine, store, _ := newTestEngine(t, submitter)
	ctx := context.Background()

	enqueueTestSale(t, store, "0000000000001-aaaaaaaa", 1)
	enqueueTestSale(t, store, "0000000000002-bbbbbbbb", 2)

	result, err := engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Success != 2 || result.Failed != 0 {
		t.Errorf("Expected {2 0}, got %+v", result)
	}

	// Synced records are removed; the authoritative copy is server-side now
	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Expected empty store after drain, got %d records", len(all))
	}
}

// TestDrainOrderPreserved verifies submissions happen in creation order even
// when rows were inserted out of order.
func TestDrainOrderPreserved(t *testing.T) {
	submitter := newFakeSubmitter()
	engine, store, _ := newTestEngine(t, submitter)

	enqueueTestSale(t, store, "0000000000003-cccccccc", 3)
	enqueueTestSale(t, store, "0000000000001-aaaaaaaa", 1)
	enqueueTestSale(t, store, "0000000000002-bbbbbbbb", 2)

	if _, err := engine.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	want := []string{"0000000000001-aaaaaaaa", "0000000000002-bbbbbbbb", "0000000000003-cccccccc"}
	got := submitter.submissions()
	if len(got) != len(want) {
		t.Fatalf("Expected %d submissions, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Submission %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

// TestDrainOrderSameTimestamp verifies a burst of sales created in the same
// millisecond is submitted in enqueue order even though their random ID
// suffixes sort differently.
func TestDrainOrderSameTimestamp(t *testing.T) {
	submitter := newFakeSubmitter()
	engine, store, _ := newTestEngine(t, submitter)

	// Reverse lexical suffixes: an ID-based tie-break would submit these
	// backwards.
	want := []string{
		"0000000000007-eeeeeeee",
		"0000000000007-bbbbbbbb",
		"0000000000007-88888888",
		"0000000000007-11111111",
	}
	for _, id := range want {
		enqueueTestSale(t, store, id, 7)
	}

	if _, err := engine.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	got := submitter.submissions()
	if len(got) != len(want) {
		t.Fatalf("Expected %d submissions, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Submission %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

// TestDrainPartialFailure mirrors the mixed scenario: first sale hits a 500,
// second is accepted. The failed one stays persisted with its retry counted;
// a bad record never aborts the rest of the batch.
func TestDrainPartialFailure(t *testing.T) {
	submitter := newFakeSubmitter()
	submitter.responses["0000000000001-aaaaaaaa"] = apperrors.New(apperrors.ErrSyncTransient, "server returned 500")
	engine, store, _ := newTestEngine(t, submitter)
	ctx := context.Background()

	enqueueTestSale(t, store, "0000000000001-aaaaaaaa", 1)
	enqueueTestSale(t, store, "0000000000002-bbbbbbbb", 2)

	result, err := engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Success != 1 || result.Failed != 1 {
		t.Errorf("Expected {1 1}, got %+v", result)
	}

	failed, err := store.Get(ctx, "0000000000001-aaaaaaaa")
	if err != nil {
		t.Fatalf("Failed sale should still be persisted: %v", err)
	}
	if failed.Status != models.SaleStatusFailed {
		t.Errorf("Expected failed status, got %s", failed.Status)
	}
	if failed.RetryCount != 1 {
		t.Errorf("Expected RetryCount 1, got %d", failed.RetryCount)
	}

	if _, err := store.Get(ctx, "0000000000002-bbbbbbbb"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Succeeded sale should be removed, got %v", err)
	}
}

// TestDrainTransientRetriedNextPass verifies a transiently failed sale is
// picked up again by the following drain.
func TestDrainTransientRetriedNextPass(t *testing.T) {
	submitter := newFakeSubmitter()
	submitter.responses["0000000000001-aaaaaaaa"] = apperrors.New(apperrors.ErrSyncTransient, "connection refused")
	engine, store, _ := newTestEngine(t, submitter)
	ctx := context.Background()

	enqueueTestSale(t, store, "0000000000001-aaaaaaaa", 1)

	if _, err := engine.Drain(ctx); err != nil {
		t.Fatalf("First drain failed: %v", err)
	}

	// Network is back
	submitter.mu.Lock()
	delete(submitter.responses, "0000000000001-aaaaaaaa")
	submitter.mu.Unlock()

	result, err := engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Second drain failed: %v", err)
	}
	if result.Success != 1 {
		t.Errorf("Expected retry to succeed, got %+v", result)
	}
}

// TestDrainPermanentFailureExcluded verifies a 4xx rejection drops the sale
// out of automatic retries immediately and surfaces it.
func TestDrainPermanentFailureExcluded(t *testing.T) {
	submitter := newFakeSubmitter()
	submitter.responses["0000000000001-aaaaaaaa"] = apperrors.New(apperrors.ErrSyncPermanent, "server returned 422: bad tax code")
	engine, store, bus := newTestEngine(t, submitter)
	ctx := context.Background()

	eventCh, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	enqueueTestSale(t, store, "0000000000001-aaaaaaaa", 1)

	if _, err := engine.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	sale, err := store.Get(ctx, "0000000000001-aaaaaaaa")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !sale.Exhausted(testMaxRetries) {
		t.Errorf("Expected sale to be exhausted, got %s/%d", sale.Status, sale.RetryCount)
	}

	// Second drain must not touch it
	if _, err := engine.Drain(ctx); err != nil {
		t.Fatalf("Second drain failed: %v", err)
	}
	if got := submitter.submissions(); len(got) != 1 {
		t.Errorf("Expected exactly 1 submission, got %d", len(got))
	}

	// The permanent failure was surfaced
	var sawFailed bool
	for len(eventCh) > 0 {
		evt := <-eventCh
		if evt.Type == events.EventSaleFailed {
			data := evt.Data.(events.SaleFailedData)
			if data.LocalID == "0000000000001-aaaaaaaa" && data.Detail != "" {
				sawFailed = true
			}
		}
	}
	if !sawFailed {
		t.Error("Expected a sale:failed event for the rejected sale")
	}
}

// TestDrainRetryCeiling verifies a sale failing transiently maxRetries times
// becomes permanently failed and is excluded afterwards.
func TestDrainRetryCeiling(t *testing.T) {
	submitter := newFakeSubmitter()
	submitter.responses["0000000000001-aaaaaaaa"] = apperrors.New(apperrors.ErrSyncTransient, "timeout")
	engine, store, bus := newTestEngine(t, submitter)
	ctx := context.Background()

	eventCh, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	enqueueTestSale(t, store, "0000000000001-aaaaaaaa", 1)

	for i := 0; i < testMaxRetries; i++ {
		if _, err := engine.Drain(ctx); err != nil {
			t.Fatalf("Drain %d failed: %v", i+1, err)
		}
	}

	sale, err := store.Get(ctx, "0000000000001-aaaaaaaa")
	if err != nil {
		t.Fatalf("Sale must never disappear without resolution: %v", err)
	}
	if !sale.Exhausted(testMaxRetries) {
		t.Errorf("Expected exhausted after %d failures, got %s/%d", testMaxRetries, sale.Status, sale.RetryCount)
	}

	// Further drains are no-ops for this sale
	if _, err := engine.Drain(ctx); err != nil {
		t.Fatalf("Post-ceiling drain failed: %v", err)
	}
	if got := submitter.submissions(); len(got) != testMaxRetries {
		t.Errorf("Expected %d submissions, got %d", testMaxRetries, len(got))
	}

	var sawFailed bool
	for len(eventCh) > 0 {
		if evt := <-eventCh; evt.Type == events.EventSaleFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("Expected a sale:failed event once the ceiling was reached")
	}
}

// TestDrainReentrancy verifies a second Drain while one is running returns
// immediately without submitting anything.
func TestDrainReentrancy(t *testing.T) {
	submitter := newFakeSubmitter()
	submitter.block = make(chan struct{})
	engine, store, _ := newTestEngine(t, submitter)
	ctx := context.Background()

	enqueueTestSale(t, store, "0000000000001-aaaaaaaa", 1)

	firstDone := make(chan *SyncResult)
	go func() {
		result, _ := engine.Drain(ctx)
		firstDone <- result
	}()

	// Wait until the first drain is inside Submit
	deadline := time.After(2 * time.Second)
	for len(submitter.submissions()) == 0 {
		select {
		case <-deadline:
			t.Fatal("First drain never reached Submit")
		case <-time.After(5 * time.Millisecond):
		}
	}

	second, err := engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Second drain errored: %v", err)
	}
	if second.Success != 0 || second.Failed != 0 {
		t.Errorf("Second drain should be a no-op, got %+v", second)
	}
	if got := submitter.submissions(); len(got) != 1 {
		t.Errorf("Second drain must not submit, got %d submissions", len(got))
	}

	close(submitter.block)
	first := <-firstDone
	if first.Success != 1 {
		t.Errorf("First drain should have completed normally, got %+v", first)
	}
}

// TestDrainStopsOnCancel verifies an offline transition mid-drain defers the
// remaining records; the in-flight one still completes.
func TestDrainStopsOnCancel(t *testing.T) {
	submitter := newFakeSubmitter()
	submitter.block = make(chan struct{})
	engine, store, _ := newTestEngine(t, submitter)

	enqueueTestSale(t, store, "0000000000001-aaaaaaaa", 1)
	enqueueTestSale(t, store, "0000000000002-bbbbbbbb", 2)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *SyncResult)
	go func() {
		result, _ := engine.Drain(ctx)
		done <- result
	}()

	deadline := time.After(2 * time.Second)
	for len(submitter.submissions()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Drain never reached Submit")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Connection drops while the first sale is in flight
	cancel()
	close(submitter.block)

	result := <-done
	if result.Success != 1 {
		t.Errorf("In-flight sale should complete, got %+v", result)
	}

	// The second sale was never attempted and stays pending for the next pass
	if got := submitter.submissions(); len(got) != 1 {
		t.Fatalf("Expected 1 submission, got %d", len(got))
	}
	remaining, err := store.Get(context.Background(), "0000000000002-bbbbbbbb")
	if err != nil {
		t.Fatalf("Deferred sale missing: %v", err)
	}
	if remaining.Status != models.SaleStatusPending {
		t.Errorf("Deferred sale should stay pending, got %s", remaining.Status)
	}
}

// TestDrainNoLoss floods the engine with scripted flakiness and verifies
// every sale ends up either synced (removed) or failed-and-visible.
func TestDrainNoLoss(t *testing.T) {
	submitter := newFakeSubmitter()
	engine, store, _ := newTestEngine(t, submitter)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("%013d-aaaaaaaa", i+1)
		enqueueTestSale(t, store, id, int64(i+1))
		switch i % 3 {
		case 1:
			submitter.responses[id] = apperrors.New(apperrors.ErrSyncTransient, "flaky network")
		case 2:
			submitter.responses[id] = apperrors.New(apperrors.ErrSyncPermanent, "validation error")
		}
	}

	// Drain repeatedly; transient failures heal before the last pass
	for pass := 0; pass < 3; pass++ {
		if pass == 2 {
			submitter.mu.Lock()
			for id, err := range submitter.responses {
				if apperrors.IsTransient(err) {
					delete(submitter.responses, id)
				}
			}
			submitter.mu.Unlock()
		}
		if _, err := engine.Drain(ctx); err != nil {
			t.Fatalf("Drain pass %d failed: %v", pass+1, err)
		}
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	// Only the permanently rejected ones remain, all visible as exhausted
	for _, sale := range all {
		if !sale.Exhausted(testMaxRetries) {
			t.Errorf("Sale %s neither synced nor surfaced: %s/%d", sale.LocalID, sale.Status, sale.RetryCount)
		}
	}
	wantRemaining := total / 3 // the permanently rejected group
	if len(all) != wantRemaining {
		t.Errorf("Expected %d permanently failed records, got %d", wantRemaining, len(all))
	}
}

// Package service wires the queue components into one embeddable unit.
package service

import (
	"context"
	"encoding/json"
	stdsync "sync"

	"github.com/rs/zerolog"

	"github.com/mvelasco/posqueue/internal/config"
	"github.com/mvelasco/posqueue/internal/connectivity"
	"github.com/mvelasco/posqueue/internal/db"
	"github.com/mvelasco/posqueue/internal/events"
	"github.com/mvelasco/posqueue/internal/logging"
	"github.com/mvelasco/posqueue/internal/models"
	"github.com/mvelasco/posqueue/internal/queue"
	"github.com/mvelasco/posqueue/internal/sync"
)

// Service is the embeddable POS write queue: durable store, queue manager,
// sync engine and connectivity monitor composed from a single config. Host
// applications record sales through Enqueue and observe progress through
// Events.
type Service struct {
	cfg     *config.Config
	db      *db.DB
	store   *db.Store
	bus     *events.Bus
	manager *queue.Manager
	engine  *sync.Engine
	monitor *connectivity.Monitor
	api     *sync.APIClient
	log     zerolog.Logger

	// drainCancel aborts the drain pass tied to the current online period.
	drainMu     stdsync.Mutex
	drainCancel context.CancelFunc
	drainWG     stdsync.WaitGroup
}

// New opens the local store, runs migrations, and wires the components.
// The monitor starts offline; call Start or SetOnline to begin syncing.
func New(cfg *config.Config) (*Service, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, err
	}

	store := db.NewStore(database.DB)

	// Rows stuck in 'syncing' mean the previous process died mid-drain.
	// Safe to do before anything else runs; no drain exists yet.
	recovered, err := store.RecoverStuck(context.Background())
	if err != nil {
		database.Close()
		return nil, err
	}

	bus := events.NewBus()
	api := sync.NewAPIClient(cfg.API.BaseURL, cfg.API.AuthToken)

	s := &Service{
		cfg:     cfg,
		db:      database,
		store:   store,
		bus:     bus,
		manager: queue.NewManager(store, bus, cfg.Sync.MaxRetries),
		engine:  sync.NewEngine(store, api, bus, cfg.Sync.MaxRetries, cfg.API.RequestTimeout),
		monitor: connectivity.NewMonitor(cfg.Connectivity.Debounce, cfg.Connectivity.ProbeInterval),
		api:     api,
		log:     logging.Component("service"),
	}

	if recovered > 0 {
		s.log.Warn().Int("count", recovered).Msg("recovered sales stuck syncing from previous run")
	}

	s.monitor.OnOnline(s.startDrain)
	s.monitor.OnOffline(s.cancelDrain)

	return s, nil
}

// Start launches the connectivity probe loop. Optional: a host that observes
// connectivity itself can skip Start and call SetOnline instead.
func (s *Service) Start() {
	s.monitor.Start(s.api.Healthy)
}

// Enqueue records a sale and returns its local ID. Purely local; see
// queue.Manager.Enqueue.
func (s *Service) Enqueue(ctx context.Context, payload json.RawMessage) (string, error) {
	return s.manager.Enqueue(ctx, payload)
}

// PendingCount returns the number of sales not yet accepted by the server.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.manager.PendingCount(ctx)
}

// Failures returns permanently failed sales awaiting manual resolution.
func (s *Service) Failures(ctx context.Context) ([]*models.QueuedSale, error) {
	return s.manager.Failures(ctx)
}

// Retry resets a permanently failed sale for another round of automatic sync.
func (s *Service) Retry(ctx context.Context, localID string) error {
	return s.manager.Retry(ctx, localID)
}

// Discard drops a permanently failed sale the operator gave up on.
func (s *Service) Discard(ctx context.Context, localID string) error {
	return s.manager.Discard(ctx, localID)
}

// DrainNow runs a drain pass immediately, regardless of monitor state.
// Returns the no-op result if a drain is already running.
func (s *Service) DrainNow(ctx context.Context) (*sync.SyncResult, error) {
	return s.engine.Drain(ctx)
}

// SetOnline feeds an externally observed connectivity change into the
// monitor.
func (s *Service) SetOnline(online bool) {
	s.monitor.SetOnline(online)
}

// IsOnline reports confirmed connectivity.
func (s *Service) IsOnline() bool {
	return s.monitor.IsOnline()
}

// Events subscribes to queue events. The returned function unsubscribes.
func (s *Service) Events() (<-chan events.Event, func()) {
	return s.bus.Subscribe()
}

// startDrain launches a drain pass bound to the current online period.
func (s *Service) startDrain() {
	s.drainMu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	s.drainCancel = cancel
	s.drainMu.Unlock()

	s.drainWG.Add(1)
	go func() {
		defer s.drainWG.Done()
		if _, err := s.engine.Drain(ctx); err != nil {
			s.log.Error().Err(err).Msg("drain failed")
		}
	}()
}

// cancelDrain stops the running drain between records when connectivity
// drops.
func (s *Service) cancelDrain() {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	if s.drainCancel != nil {
		s.drainCancel()
		s.drainCancel = nil
	}
}

// Close stops the monitor, waits for any running drain, and releases the
// store. Queued sales stay on disk for the next start.
func (s *Service) Close() error {
	s.monitor.Stop()
	s.cancelDrain()
	s.drainWG.Wait()
	s.bus.Close()
	s.store.Close()
	return s.db.Close()
}

// Package db provides the queued-sale repository.
package db

import (
	"context"
	"database/sql"
	"sync"
	"time"

	apperrors "github.com/mvelasco/posqueue/internal/errors"
	"github.com/mvelasco/posqueue/internal/models"
)

const saleColumns = "local_id, payload, status, retry_count, last_error, created_at, updated_at"

// Store persists queued sales across process restarts. It is the single
// shared mutable resource in the queue: the manager writes on enqueue, the
// sync engine reads and writes during a drain.
type Store struct {
	db *sql.DB

	// Prepared statement cache for the hot queries. Statements are prepared
	// on first use and reused afterwards.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// prepareStmt gets or creates a prepared statement from the cache.
func (s *Store) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, err
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Put inserts or overwrites a sale by its local ID. The write is a single
// statement, so a crash mid-call never leaves a partial row visible.
func (s *Store) Put(ctx context.Context, sale *models.QueuedSale) error {
	query := `
	INSERT INTO queued_sales (` + saleColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		payload = excluded.payload,
		status = excluded.status,
		retry_count = excluded.retry_count,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to prepare put", err)
	}

	_, err = stmt.ExecContext(ctx, sale.LocalID, []byte(sale.Payload), sale.Status,
		sale.RetryCount, sale.LastError, sale.CreatedAt, sale.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to persist sale", err)
	}
	return nil
}

// Get retrieves a single sale by local ID.
func (s *Store) Get(ctx context.Context, localID string) (*models.QueuedSale, error) {
	stmt, err := s.prepareStmt("SELECT " + saleColumns + " FROM queued_sales WHERE local_id = ?")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare get", err)
	}

	sale, err := scanSale(stmt.QueryRowContext(ctx, localID))
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "sale %s not found", localID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read sale", err)
	}
	return sale, nil
}

// GetAll returns every record, oldest first. Ordering matters: sales must be
// submitted in the order they were made, so server-side sequential logic
// (invoice numbering, stock decrements) sees a consistent history. Ties on
// created_at (a burst within one millisecond) fall back to rowid, which is
// insertion order; the local ID suffix is random and cannot break ties.
func (s *Store) GetAll(ctx context.Context) ([]*models.QueuedSale, error) {
	return s.querySales(ctx,
		"SELECT "+saleColumns+" FROM queued_sales ORDER BY created_at, rowid")
}

// GetEligible returns the records the sync engine may attempt: pending or
// failed, below the retry ceiling, oldest first. Syncing rows are excluded so
// an in-flight attempt is never duplicated.
func (s *Store) GetEligible(ctx context.Context, maxRetries int) ([]*models.QueuedSale, error) {
	return s.querySales(ctx, `
	SELECT `+saleColumns+` FROM queued_sales
	WHERE status IN ('pending', 'failed') AND retry_count < ?
	ORDER BY created_at, rowid`, maxRetries)
}

// GetExhausted returns failed records at or past the retry ceiling. These are
// never retried automatically; they wait for manual resolution.
func (s *Store) GetExhausted(ctx context.Context, maxRetries int) ([]*models.QueuedSale, error) {
	return s.querySales(ctx, `
	SELECT `+saleColumns+` FROM queued_sales
	WHERE status = 'failed' AND retry_count >= ?
	ORDER BY created_at, rowid`, maxRetries)
}

// Remove deletes a record. Removing an absent local ID is a no-op.
func (s *Store) Remove(ctx context.Context, localID string) error {
	stmt, err := s.prepareStmt("DELETE FROM queued_sales WHERE local_id = ?")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to prepare remove", err)
	}
	if _, err := stmt.ExecContext(ctx, localID); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to remove sale", err)
	}
	return nil
}

// UpdateStatus updates the sync bookkeeping of a record without touching its
// payload.
func (s *Store) UpdateStatus(ctx context.Context, localID string, status models.SaleStatus, retryCount int, lastError string) error {
	stmt, err := s.prepareStmt(`
	UPDATE queued_sales SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
	WHERE local_id = ?`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to prepare update", err)
	}

	res, err := stmt.ExecContext(ctx, status, retryCount, lastError, time.Now().UnixMilli(), localID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to update sale", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "sale %s not found", localID)
	}
	return nil
}

// ResetForRetry puts an exhausted record back in line for automatic sync:
// status to pending, retry count to zero.
func (s *Store) ResetForRetry(ctx context.Context, localID string) error {
	return s.UpdateStatus(ctx, localID, models.SaleStatusPending, 0, "")
}

// CountPending returns the number of records still owed to the server
// (pending or failed, exhausted ones included, they still need action).
func (s *Store) CountPending(ctx context.Context) (int, error) {
	stmt, err := s.prepareStmt("SELECT COUNT(*) FROM queued_sales WHERE status IN ('pending', 'failed')")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare count", err)
	}

	var count int
	if err := stmt.QueryRowContext(ctx).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to count pending sales", err)
	}
	return count, nil
}

// CountExhausted returns the number of records needing manual resolution.
func (s *Store) CountExhausted(ctx context.Context, maxRetries int) (int, error) {
	stmt, err := s.prepareStmt("SELECT COUNT(*) FROM queued_sales WHERE status = 'failed' AND retry_count >= ?")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare count", err)
	}

	var count int
	if err := stmt.QueryRowContext(ctx, maxRetries).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to count exhausted sales", err)
	}
	return count, nil
}

// RecoverStuck resets records left in 'syncing' by a crash back to 'failed'
// so the next drain picks them up. Called once at startup, before any drain
// can run, so it cannot race with an actual in-flight attempt.
func (s *Store) RecoverStuck(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE queued_sales SET status = 'failed', updated_at = ?
	WHERE status = 'syncing'`, time.Now().UnixMilli())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to recover stuck sales", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// querySales runs a multi-row sale query.
func (s *Store) querySales(ctx context.Context, query string, args ...interface{}) ([]*models.QueuedSale, error) {
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare query", err)
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query sales", err)
	}
	defer rows.Close()

	var sales []*models.QueuedSale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan sale", err)
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate sales", err)
	}
	return sales, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSale(row rowScanner) (*models.QueuedSale, error) {
	var sale models.QueuedSale
	var payload []byte
	err := row.Scan(&sale.LocalID, &payload, &sale.Status, &sale.RetryCount,
		&sale.LastError, &sale.CreatedAt, &sale.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sale.Payload = payload
	return &sale, nil
}

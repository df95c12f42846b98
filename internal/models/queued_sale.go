// Package models provides data model definitions for the POS write queue.
package models

import "encoding/json"

// SaleStatus represents the lifecycle state of a queued sale.
type SaleStatus string

const (
	// SaleStatusPending indicates the sale is waiting for its first sync attempt.
	SaleStatusPending SaleStatus = "pending"
	// SaleStatusSyncing indicates a sync attempt is in flight.
	SaleStatusSyncing SaleStatus = "syncing"
	// SaleStatusSynced indicates the sale was accepted by the server.
	// Synced rows are removed from the store; the status only appears transiently.
	SaleStatusSynced SaleStatus = "synced"
	// SaleStatusFailed indicates the last sync attempt was rejected.
	SaleStatusFailed SaleStatus = "failed"
)

// QueuedSale represents a point-of-sale transaction recorded while offline,
// waiting to be submitted to the remote sales API.
//
// Payload is opaque to the queue: it is stored and submitted byte-for-byte,
// never inspected or mutated.
type QueuedSale struct {
	LocalID    string          `db:"local_id" json:"local_id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Status     SaleStatus      `db:"status" json:"status"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  int64           `db:"created_at" json:"created_at"` // unix millis
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"` // unix millis
}

// TableName returns the table name for QueuedSale.
func (QueuedSale) TableName() string {
	return "queued_sales"
}

// Eligible reports whether the sale should be picked up by the next drain pass.
// Syncing rows are skipped (an attempt is already in flight) and rows at or past
// the retry ceiling require manual resolution.
func (s *QueuedSale) Eligible(maxRetries int) bool {
	if s.Status != SaleStatusPending && s.Status != SaleStatusFailed {
		return false
	}
	return s.RetryCount < maxRetries
}

// Exhausted reports whether the sale has used up its automatic retries and
// needs manual action (retry or discard).
func (s *QueuedSale) Exhausted(maxRetries int) bool {
	return s.Status == SaleStatusFailed && s.RetryCount >= maxRetries
}

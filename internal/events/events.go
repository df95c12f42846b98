// Package events provides the typed pub/sub bus between the queue core and
// the UI layer. The core knows nothing about any UI framework; it only emits
// plain data events.
package events

// EventType identifies the kind of an event.
type EventType string

const (
	// EventSyncStarted fires when a drain pass begins.
	EventSyncStarted EventType = "sync:started"
	// EventSyncCompleted fires when a drain pass finishes, with counts.
	EventSyncCompleted EventType = "sync:completed"
	// EventQueueChanged fires whenever the pending count may have moved.
	EventQueueChanged EventType = "queue:changed"
	// EventSaleFailed fires when a sale becomes permanently failed and needs
	// manual action. UIs should surface this as a persistent, dismissable
	// warning, not a transient toast.
	EventSaleFailed EventType = "sale:failed"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type EventType
	Data interface{}
}

// SyncCompletedData is the payload of EventSyncCompleted.
type SyncCompletedData struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// QueueChangedData is the payload of EventQueueChanged.
type QueueChangedData struct {
	PendingCount int `json:"pending_count"`
}

// SaleFailedData is the payload of EventSaleFailed.
type SaleFailedData struct {
	LocalID string `json:"local_id"`
	Detail  string `json:"detail"`
}

package ash

import (
	"sync"

	"go.uber.org/zap"
)

// Notification describes a committed mutation of a single record or of a whole
// query. Notifications are collected during a run and, if requested, delivered
// through the configured Notifier.
type Notification struct {
	Resource string                 `json:"resource"`
	Action   string                 `json:"action"`
	Record   Record                 `json:"record,omitempty"`
	Actor    interface{}            `json:"-"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Notifier represents the delivery mechanism for notifications. Delivery
// failures are reported to the caller as run-level errors, they never fail
// the mutation itself.
type Notifier interface {
	// Deliver delivers the passed notifications to their consumers.
	Deliver(notifications []Notification) error
}

// newNotificationBuffer returns a preconfigured notificationBuffer struct.
func newNotificationBuffer(notifier Notifier, deliver bool, logger *zap.Logger) *notificationBuffer {
	return &notificationBuffer{
		notifier: notifier,
		deliver:  deliver,
		logger:   logger,
	}
}

// notificationBuffer defers notification delivery while a data-layer
// transaction is open. Notifications published inside a transaction must not
// reach consumers before the transaction outcome is known. Every open
// transaction buffers into its own entry, so a sibling transaction still open
// at publication time never holds up or drops another transaction's committed
// notifications.
type notificationBuffer struct {
	notifier Notifier
	deliver  bool
	logger   *zap.Logger

	mu sync.Mutex
}

// txnEntry buffers the notifications published inside one open transaction.
// Nested transactions chain through parent.
type txnEntry struct {
	parent  *txnEntry
	pending []Notification
}

// Enter opens the buffering entry of a transaction. parent is the enclosing
// transaction's entry, nil for a top-level transaction.
func (b *notificationBuffer) Enter(parent *txnEntry) *txnEntry {
	return &txnEntry{parent: parent}
}

// Leave closes the entry with its transaction's outcome. On a commit the
// deferred notifications move up to the enclosing entry, or are delivered when
// the entry is top-level; on a rollback they are dropped.
func (b *notificationBuffer) Leave(entry *txnEntry, committed bool) {
	b.mu.Lock()
	pending := entry.pending
	entry.pending = nil
	if committed && entry.parent != nil {
		entry.parent.pending = append(entry.parent.pending, pending...)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	if !committed {
		b.logger.Info("dropping notifications of a rolled back transaction", zap.Int("count", len(pending)))
		return
	}
	b.send(pending)
}

// Publish delivers the passed notifications right away when entry is nil and
// defers them into the entry's transaction otherwise.
func (b *notificationBuffer) Publish(entry *txnEntry, notifications []Notification) {
	if len(notifications) == 0 {
		return
	}
	if entry == nil {
		b.send(notifications)
		return
	}
	b.mu.Lock()
	entry.pending = append(entry.pending, notifications...)
	b.mu.Unlock()
}

// send performs the actual delivery if a notifier is configured and delivery
// has been requested for the run.
func (b *notificationBuffer) send(notifications []Notification) {
	if !b.deliver || b.notifier == nil {
		return
	}
	if err := b.notifier.Deliver(notifications); err != nil {
		b.logger.Error("failed to deliver notifications",
			zap.Int("count", len(notifications)),
			zap.NamedError("error_message", err),
		)
	}
}

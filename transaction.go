package ash

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// newTransactionManager returns a preconfigured transactionManager struct.
func newTransactionManager(
	dataLayer DataLayer,
	action *Action,
	scope TransactionScope,
	timeout time.Duration,
	notifications *notificationBuffer,
	logger *zap.Logger,
) *transactionManager {
	return &transactionManager{
		dataLayer:     dataLayer,
		resources:     action.transactionResources(),
		scope:         scope,
		timeout:       timeout,
		notifications: notifications,
		logger:        logger,
	}
}

// transactionManager wraps batch or run processing in data-layer transactions
// at the configured scope. The transaction spans the action resource plus the
// declared touched resources; a callback error rolls the transaction back.
// Notification delivery inside a transaction is deferred until the outcome is
// known.
type transactionManager struct {
	dataLayer     DataLayer
	resources     []string
	scope         TransactionScope
	timeout       time.Duration
	notifications *notificationBuffer
	logger        *zap.Logger

	mu      sync.Mutex
	current *txnEntry
}

// InBatchTransaction runs fn inside a per-batch transaction when the scope is
// batch; otherwise fn runs as is. The returned error is the transaction error
// (fn's error after rollback).
func (m *transactionManager) InBatchTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.scope != TransactionScopeBatch {
		return fn(ctx)
	}
	return m.run(ctx, fn)
}

// InRunTransaction runs fn inside a single transaction around the entire run
// when the scope is all; otherwise fn runs as is.
func (m *transactionManager) InRunTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.scope != TransactionScopeAll {
		return fn(ctx)
	}
	return m.run(ctx, fn)
}

// run opens the transaction bracketed by its own notification buffer entry.
// Only the run-scoped transaction registers its entry as the publication
// target: per-batch transactions are siblings of each other and must never
// buffer a committed sibling's notifications.
func (m *transactionManager) run(ctx context.Context, fn func(ctx context.Context) error) error {
	entry := m.notifications.Enter(m.currentEntry())
	if m.scope == TransactionScopeAll {
		m.setCurrentEntry(entry)
		defer m.setCurrentEntry(nil)
	}
	m.logger.Debug("opening transaction", zap.Strings("resources", m.resources))
	err := m.dataLayer.Transaction(ctx, m.resources, m.timeout, fn)
	if err != nil {
		m.logger.Info("transaction rolled back", zap.NamedError("error_message", err))
	}
	m.notifications.Leave(entry, err == nil)
	return err
}

// currentEntry returns the open run-scoped transaction's notification entry,
// nil when no run transaction is open.
func (m *transactionManager) currentEntry() *txnEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *transactionManager) setCurrentEntry(entry *txnEntry) {
	m.mu.Lock()
	m.current = entry
	m.mu.Unlock()
}

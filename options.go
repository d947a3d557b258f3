package ash

import (
	"errors"
	"fmt"
	"time"
)

const defaultBatchSize = 100

// TransactionScope defines the granularity at which a run is wrapped in
// data-layer transactions.
type TransactionScope string

const (
	// TransactionScopeNone commits each record independently. A failure on
	// one record doesn't roll back its siblings.
	TransactionScopeNone TransactionScope = "none"
	// TransactionScopeBatch opens one transaction per batch. A failure inside
	// a batch rolls the whole batch back and its merged result is the error
	// alone.
	TransactionScopeBatch TransactionScope = "batch"
	// TransactionScopeAll opens a single transaction around the entire run.
	// Incompatible with streamed results. Forces sequential batch processing
	// because a single transaction handle cannot be shared between workers.
	TransactionScopeAll TransactionScope = "all"
)

// Valid checks whether the assigned transaction scope value is valid.
func (s TransactionScope) Valid() error {
	switch s {
	case TransactionScopeNone, TransactionScopeBatch, TransactionScopeAll:
		return nil
	}
	return errors.New("invalid transaction scope")
}

// String converts a TransactionScope to string.
func (s TransactionScope) String() string {
	return string(s)
}

// RunConfig represents the per-run options surface of the pipeline.
type RunConfig struct {
	// BatchSize is the requested number of records per batch. Forced to 1
	// when the action's manual executor has no bulk support. Defaults to 100.
	BatchSize int
	// MaxConcurrency bounds the worker pool processing independent batches.
	// Values below 2, or a data layer without the async execution capability,
	// mean sequential processing.
	MaxConcurrency int
	// TransactionScope selects the transaction granularity. Defaults to none.
	TransactionScope TransactionScope
	// ReturnRecords makes the result carry the list of mutated records.
	ReturnRecords bool
	// ReturnErrors makes the result carry the materialized error list. The
	// error count is populated regardless.
	ReturnErrors bool
	// ReturnNotifications makes the result carry the collected notifications.
	ReturnNotifications bool
	// ReturnStream makes the run emit one result per processed batch instead
	// of a single aggregate. Set by RunStream.
	ReturnStream bool
	// Sorted reorders the final record list by original stream position. The
	// error and notification lists keep accumulation order.
	Sorted bool
	// StopOnError aborts the run after the first failed batch, cancelling
	// queued and in-flight batches.
	StopOnError bool
	// Notify makes the run deliver collected notifications through the
	// configured notifier. Delivery inside a transaction is deferred until
	// the transaction outcome is known.
	Notify bool
	// Authorize makes the run check every record (or the query, on the atomic
	// path) against the configured authorizer.
	Authorize bool
	// Actor is the subject authorization decisions are made for.
	Actor interface{}
	// Tenant scopes data-layer calls to a single tenant.
	Tenant string
	// Timeout bounds the whole run. Zero means no deadline.
	Timeout time.Duration
}

// Validate validates the RunConfig fields and rejects invalid option
// combinations before any work starts.
func (c *RunConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid BatchSize value %d: should be more than 0", c.BatchSize)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("invalid MaxConcurrency value %d: should not be negative", c.MaxConcurrency)
	}
	if err := c.TransactionScope.Valid(); err != nil {
		return fmt.Errorf("invalid TransactionScope value %q: %v", c.TransactionScope, err)
	}
	if c.ReturnStream && c.TransactionScope == TransactionScopeAll {
		return errors.New("ReturnStream cannot be combined with TransactionScope \"all\": the transaction cannot be held open across lazy consumption")
	}
	if c.ReturnStream && c.Sorted {
		return errors.New("ReturnStream cannot be combined with Sorted: streamed results cannot be reordered")
	}
	if c.ReturnStream && c.StopOnError {
		return errors.New("ReturnStream cannot be combined with StopOnError")
	}
	return nil
}

// withDefaults returns a copy of the config with the zero-value fields set to
// their defaults.
func (c RunConfig) withDefaults() RunConfig {
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.TransactionScope == "" {
		c.TransactionScope = TransactionScopeNone
	}
	return c
}

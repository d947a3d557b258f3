package ash

import (
	"context"
	"fmt"

	"github.com/go-playground/validator"
	"go.uber.org/zap"
)

const (
	runnerRunMetricName        = "runner_run"
	runnerBatchSizeMetricName  = "runner_batch_size"
	runnerBatchCountMetricName = "runner_batch_count"
)

// RunnerConfig represents a structure for the Runner config.
type RunnerConfig struct {
	// Action is the mutation descriptor the runner is bound to.
	Action *Action `validate:"required"`
	// DataLayer is the storage the mutation is pushed into.
	DataLayer DataLayer `validate:"required"`
	// Authorizer is the policy engine consulted when a run requests
	// authorization. Optional.
	Authorizer Authorizer
	// Notifier is the delivery mechanism for notifications. Optional.
	Notifier Notifier
	// Logger is the logger to be used alongside the runner. A development
	// logger tagged with the action name is built when omitted.
	Logger *zap.Logger
	// MetricsTracker collects run metrics. Defaults to a no-op tracker.
	MetricsTracker MetricsTracker
}

// NewRunner returns a preconfigured Runner struct bound to the config action.
// The executor variant (native, manual bulk or manual single-record) is
// selected once here, not per run.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("the passed RunnerConfig is invalid: %v", err)
	}
	if err := cfg.Action.Validate(); err != nil {
		return nil, fmt.Errorf("the passed Action is invalid: %v", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = buildDefaultLogger(cfg.Action.Name)
	}
	metrics := cfg.MetricsTracker
	if metrics == nil {
		metrics = emptyMetricsTracker{}
	}
	metrics.Add(runnerRunMetricName, "Time taken to process a whole bulk run")
	metrics.Add(runnerBatchSizeMetricName, "Size of the last processed batch")
	metrics.Add(runnerBatchCountMetricName, "Number of batches processed by the last run")
	return &Runner{
		action:     cfg.Action,
		dataLayer:  cfg.DataLayer,
		authorizer: cfg.Authorizer,
		notifier:   cfg.Notifier,
		exec:       bindExecutor(cfg.Action, cfg.DataLayer, logger),
		throughput: newThroughput(metrics),
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Runner drives bulk runs of one action: it selects between the atomic query
// path and the streaming path, partitions the stream into batches, fans the
// batches out to workers and aggregates the structured result.
type Runner struct {
	action     *Action
	dataLayer  DataLayer
	authorizer Authorizer
	notifier   Notifier
	exec       batchExecutor
	throughput *throughput
	metrics    MetricsTracker
	logger     *zap.Logger
}

// Run executes the action over the source records and returns the aggregate
// result. Invalid option combinations are rejected before any data-layer call
// is made. A returned error means the run itself could not be driven; record
// failures are reported through the result instead.
func (r *Runner) Run(ctx context.Context, source Source, input map[string]interface{}, cfg RunConfig) (*BulkResult, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("the passed RunConfig is invalid: %v", err)
	}
	ctx, cancel := r.runContext(ctx, cfg)
	defer cancel()
	acc := newAccumulator()
	r.logger.Info("run start",
		zap.String("run_token", acc.Token()),
		zap.String("action", r.action.Name),
		zap.String("transaction_scope", cfg.TransactionScope.String()),
	)
	r.metrics.Start(runnerRunMetricName)
	defer r.metrics.Stop(runnerRunMetricName)
	if querySource, ok := source.(QuerySource); ok {
		if result, handled := r.runAtomic(ctx, querySource, input, cfg, acc); handled {
			return result, nil
		}
	}
	return r.runStreaming(ctx, source, input, cfg, acc, nil)
}

// RunStream executes the action over the source records and emits one result
// per processed batch on the returned channel, draining the run accumulator
// per batch. The channel is closed once the stream is exhausted or the run
// fails.
func (r *Runner) RunStream(ctx context.Context, source Source, input map[string]interface{}, cfg RunConfig) (<-chan *BulkResult, error) {
	cfg.ReturnStream = true
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("the passed RunConfig is invalid: %v", err)
	}
	results := make(chan *BulkResult)
	go func() {
		defer close(results)
		ctx, cancel := r.runContext(ctx, cfg)
		defer cancel()
		acc := newAccumulator()
		if querySource, ok := source.(QuerySource); ok {
			if result, handled := r.runAtomic(ctx, querySource, input, cfg, acc); handled {
				select {
				case results <- result:
				case <-ctx.Done():
				}
				return
			}
		}
		if _, err := r.runStreaming(ctx, source, input, cfg, acc, results); err != nil {
			r.logger.Error("streamed run failed", zap.NamedError("error_message", err))
		}
	}()
	return results, nil
}

// runStreaming drives the non-atomic path: partition the stream, process the
// batches through the coordinator and shape the aggregate (or per-batch)
// result out of the run accumulator.
func (r *Runner) runStreaming(
	ctx context.Context,
	source Source,
	input map[string]interface{},
	cfg RunConfig,
	acc *accumulator,
	stream chan<- *BulkResult,
) (*BulkResult, error) {
	buffer := r.newNotificationBuffer(cfg)
	txn := newTransactionManager(r.dataLayer, r.action, cfg.TransactionScope, cfg.Timeout, buffer, r.logger)
	part := newPartitioner(r.action, cfg.BatchSize)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var completed, batchCount int
	var abort *Error
	commitErr := txn.InRunTransaction(runCtx, func(txCtx context.Context) error {
		batches, streamErrs := part.Batches(txCtx, source)
		coord := newCoordinator(r.workerCount(cfg), func(ctx context.Context, batch []indexedRecord) batchOutcome {
			return r.processBatch(ctx, batch, input, cfg, txn)
		}, r.logger)
		var streamErr error
		completed, abort, streamErr = coord.Run(txCtx, cancel, batches, streamErrs, cfg.StopOnError, func(outcome batchOutcome) {
			batchCount++
			r.metrics.Set(runnerBatchSizeMetricName, fmt.Sprintf("%d", outcome.succeeded+len(outcome.errors)))
			r.throughput.Observe(outcome)
			acc.Merge(outcome)
			buffer.Publish(txn.currentEntry(), outcome.notifications)
			if stream != nil {
				records, errs, errorCount, succeeded, notifications := acc.Drain()
				select {
				case stream <- buildResult(cfg, acc.Token(), records, errs, errorCount, succeeded, notifications):
				case <-txCtx.Done():
				}
			}
		})
		if streamErr != nil {
			return streamErr
		}
		if cfg.TransactionScope == TransactionScopeAll {
			if err := acc.FirstFrameworkError(); err != nil {
				return err
			}
		}
		return nil
	})
	r.metrics.Set(runnerBatchCountMetricName, fmt.Sprintf("%d", batchCount))
	if abort != nil {
		acc.Merge(batchOutcome{errors: []*Error{{
			Class:   ErrorClassAborted,
			Message: fmt.Sprintf("run aborted after the first failed batch: %d batches had fully completed", completed),
			Index:   -1,
			Err:     abort,
		}}})
	}
	if commitErr != nil && cfg.TransactionScope != TransactionScopeAll {
		// the stream itself failed; already committed batches keep counting
		acc.Merge(batchOutcome{errors: []*Error{wrapError(commitErr, ErrorClassFramework)}})
	}
	records, errs, errorCount, succeeded, notifications := acc.Drain()
	if commitErr != nil && cfg.TransactionScope == TransactionScopeAll {
		// run-scoped rollback: the committed records are gone, the errors stay
		records, succeeded, notifications = nil, 0, nil
		if firstFrameworkError(errs) == nil {
			errs = append(errs, wrapError(commitErr, ErrorClassFramework))
			errorCount++
		}
	}
	result := buildResult(cfg, acc.Token(), records, errs, errorCount, succeeded, notifications)
	if stream != nil && errorCount > 0 {
		// failures recorded after the last per-batch drain still reach the consumer
		select {
		case stream <- result:
		case <-ctx.Done():
		}
	}
	r.logger.Info("run end",
		zap.String("run_token", acc.Token()),
		zap.String("status", result.Status.String()),
		zap.Int("error_count", result.ErrorCount),
		zap.Int("completed_batches", completed),
	)
	return result, nil
}

// processBatch drives one batch through the full pipeline: changeset
// preparation, changes and validations, authorization, before-batch hooks,
// execution inside the batch transaction and the post-execution stages. The
// returned outcome is the worker's isolated contribution to the run.
func (r *Runner) processBatch(ctx context.Context, batch []indexedRecord, input map[string]interface{}, cfg RunConfig, txn *transactionManager) batchOutcome {
	changesets := prepareChangesets(r.action, batch, input)
	changes := newChangeRunner(r.action, r.logger)
	mustReturn := changes.Run(changesets)
	if cfg.Authorize && r.authorizer != nil {
		authorizeBatch(ctx, r.authorizer, changesets, cfg.Actor)
	}
	changes.RunBeforeBatchHooks(changesets)
	var invalidErrs []*Error
	valid := make([]*Changeset, 0, len(changesets))
	for _, cs := range changesets {
		if cs.Valid() {
			valid = append(valid, cs)
			continue
		}
		invalidErrs = append(invalidErrs, cs.Errors...)
	}
	var outcome batchOutcome
	if len(valid) != 0 {
		opts := execOptions{
			actor:       cfg.Actor,
			tenant:      cfg.Tenant,
			batchSize:   len(batch),
			keepRecords: cfg.ReturnRecords || cfg.Sorted || mustReturn,
		}
		post := newPostPipeline(r.action, r.logger)
		commitErr := txn.InBatchTransaction(ctx, func(txCtx context.Context) error {
			outcome = r.exec.Execute(txCtx, valid, opts)
			post.RunInTransaction(txCtx, valid, &outcome)
			if cfg.TransactionScope == TransactionScopeBatch {
				return firstFrameworkError(outcome.errors)
			}
			return nil
		})
		if commitErr != nil {
			fail := wrapError(commitErr, ErrorClassFramework)
			outcome = batchOutcome{errors: []*Error{fail}}
		}
		post.RunAfterTransaction(valid, &outcome, commitErr)
	}
	outcome.addErrors(invalidErrs...)
	return outcome
}

// workerCount returns the number of workers batches are fanned out to.
// Concurrent processing requires the data layer's async execution capability
// and is unavailable under a run-scoped transaction.
func (r *Runner) workerCount(cfg RunConfig) int {
	if cfg.MaxConcurrency > 1 &&
		r.dataLayer.Supports(CapabilityAsyncExecution) &&
		cfg.TransactionScope != TransactionScopeAll {
		return cfg.MaxConcurrency
	}
	return 1
}

// runContext derives the run context, applying the configured timeout.
func (r *Runner) runContext(ctx context.Context, cfg RunConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout > 0 {
		return context.WithTimeout(ctx, cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// newNotificationBuffer builds the run's notification buffer honoring the
// Notify option.
func (r *Runner) newNotificationBuffer(cfg RunConfig) *notificationBuffer {
	return newNotificationBuffer(r.notifier, cfg.Notify, r.logger)
}

// firstFrameworkError returns the first data-layer or hook error of the list.
func firstFrameworkError(errs []*Error) error {
	for _, err := range errs {
		if err.Class == ErrorClassFramework {
			return err
		}
	}
	return nil
}

// buildDefaultLogger creates a default logger which commits the debug and
// higher level logs supplemented with the action name as the "context" field
// value.
func buildDefaultLogger(context string) *zap.Logger {
	logger, _ := zap.NewDevelopment()
	logger = logger.With(zap.String("context", context))
	return logger
}

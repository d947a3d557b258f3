package ash

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// processBatchFunc processes one batch end to end and returns the worker's
// local contribution.
type processBatchFunc func(ctx context.Context, batch []indexedRecord) batchOutcome

// newCoordinator returns a preconfigured coordinator struct. A workers value
// below 2 means sequential processing in submission order.
func newCoordinator(workers int, process processBatchFunc, logger *zap.Logger) *coordinator {
	if workers < 1 {
		workers = 1
	}
	return &coordinator{
		workers: workers,
		process: process,
		logger:  logger,
	}
}

// coordinator fans batches out to a bounded worker pool and merges the
// per-worker outcomes into the run accumulator at a single join point. Each
// worker's contribution stays isolated until merge: the accumulator is never
// concurrently mutated by two workers at once.
type coordinator struct {
	workers int
	process processBatchFunc
	logger  *zap.Logger
}

// Run consumes the batches channel until it's closed or the run is aborted,
// merging every completed outcome through onResult. It returns the number of
// fully completed (error-free) batches and, under stopOnError, the first
// record error once a batch fails; cancel is invoked to stop queued and
// in-flight batches.
func (c *coordinator) Run(
	ctx context.Context,
	cancel context.CancelFunc,
	batches <-chan []indexedRecord,
	streamErrs <-chan error,
	stopOnError bool,
	onResult func(outcome batchOutcome),
) (completed int, abort *Error, err error) {
	results := make(chan batchOutcome)
	go c.dispatch(ctx, batches, results)
	var streamErr error
	for {
		select {
		case outcome, ok := <-results:
			if !ok {
				return completed, abort, streamErr
			}
			onResult(outcome)
			if len(outcome.errors) == 0 {
				completed++
			} else if stopOnError && abort == nil {
				abort = outcome.errors[0]
				c.logger.Info("aborting run after failed batch", zap.Int("completed_batches", completed))
				cancel()
			}
		case streamErr = <-streamErrs:
			c.logger.Error("record stream failed", zap.NamedError("error_message", streamErr))
			cancel()
		}
	}
}

// dispatch launches up to c.workers concurrent batch processors and closes the
// results channel once all in-flight batches have returned their outcome.
func (c *coordinator) dispatch(ctx context.Context, batches <-chan []indexedRecord, results chan<- batchOutcome) {
	defer close(results)
	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup
	for batch := range batches {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(batch []indexedRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			results <- c.process(ctx, batch)
		}(batch)
	}
	wg.Wait()
}

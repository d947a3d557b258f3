package ash

import (
	"context"

	"go.uber.org/zap"
)

// batchOutcome is the local contribution of one processed batch: the
// materialized records, the accumulated errors and the notifications to
// publish. Workers return their outcome to the coordinator, which merges it
// into the run accumulator at a single join point.
type batchOutcome struct {
	records       []indexedRecord
	errors        []*Error
	notifications []Notification
	// succeeded counts completed records even when their final state hasn't
	// been materialized because nobody asked for result records.
	succeeded int
}

// addErrors folds the errors into the outcome.
func (o *batchOutcome) addErrors(errs ...*Error) {
	o.errors = append(o.errors, errs...)
}

// addNotifications folds the notifications into the outcome.
func (o *batchOutcome) addNotifications(notifications ...Notification) {
	o.notifications = append(o.notifications, notifications...)
}

// dropRecord removes the record with the given stream index from the success
// set, used when a post-execution hook fails for it.
func (o *batchOutcome) dropRecord(index int) {
	for i, record := range o.records {
		if record.index == index {
			o.records = append(o.records[:i], o.records[i+1:]...)
			o.succeeded--
			return
		}
	}
}

// execOptions carries the per-run context an executor needs.
type execOptions struct {
	actor       interface{}
	tenant      string
	batchSize   int
	keepRecords bool
}

// batchExecutor performs the actual data mutation for one prepared batch of
// valid changesets. The three implementations are mutually exclusive and
// selected once at action-binding time.
type batchExecutor interface {
	// Execute mutates the records of the batch and returns the batch outcome.
	// One record's failure must not prevent its siblings from completing.
	Execute(ctx context.Context, batch []*Changeset, opts execOptions) batchOutcome
}

// bindExecutor selects the executor variant for the action: the manual bulk
// executor if the action's manual override declares bulk support, the manual
// single-record executor if it doesn't, and the native data-layer executor
// otherwise.
func bindExecutor(action *Action, dataLayer DataLayer, logger *zap.Logger) batchExecutor {
	if action.Manual == nil {
		return &nativeExecutor{action: action, dataLayer: dataLayer, logger: logger}
	}
	if action.Manual.DestroyBatch != nil {
		return &manualBatchExecutor{action: action, logger: logger}
	}
	return &manualRecordExecutor{action: action, logger: logger}
}

// nativeExecutor is the default execution path: it drives the data layer's
// single-record destroy and materializes the final record state by applying
// the changeset's accumulated attribute changes to the original record.
type nativeExecutor struct {
	action    *Action
	dataLayer DataLayer
	logger    *zap.Logger
}

// Execute destroys every changeset's record through the data layer.
func (e *nativeExecutor) Execute(ctx context.Context, batch []*Changeset, opts execOptions) batchOutcome {
	var outcome batchOutcome
	for _, cs := range batch {
		if err := e.dataLayer.Destroy(ctx, e.action.Resource, cs); err != nil {
			fail := wrapError(err, ErrorClassFramework)
			indexErrors([]*Error{fail}, cs.Index)
			outcome.addErrors(fail)
			continue
		}
		outcome.succeeded++
		if opts.keepRecords {
			outcome.records = append(outcome.records, indexedRecord{record: cs.materialize(), index: cs.Index})
		}
	}
	return outcome
}

// manualBatchExecutor invokes the manual bulk override once per batch and
// unpacks its tagged outcome sequence.
type manualBatchExecutor struct {
	action *Action
	logger *zap.Logger
}

// Execute runs the manual bulk override with the full batch.
func (e *manualBatchExecutor) Execute(ctx context.Context, batch []*Changeset, opts execOptions) batchOutcome {
	outcomes := e.action.Manual.DestroyBatch(ctx, batch, ManualOptions{
		Actor:     opts.actor,
		Tenant:    opts.tenant,
		BatchSize: opts.batchSize,
	})
	return foldManualOutcomes(outcomes, batch, e.action.Resource, opts)
}

// manualRecordExecutor invokes the manual single-record override once per
// changeset. The partitioner forces a batch size of 1 in this mode.
type manualRecordExecutor struct {
	action *Action
	logger *zap.Logger
}

// Execute runs the manual single-record override for every changeset.
func (e *manualRecordExecutor) Execute(ctx context.Context, batch []*Changeset, opts execOptions) batchOutcome {
	var outcome batchOutcome
	for _, cs := range batch {
		outcomes := e.action.Manual.DestroyRecord(ctx, cs, ManualOptions{
			Actor:     opts.actor,
			Tenant:    opts.tenant,
			BatchSize: 1,
		})
		folded := foldManualOutcomes(outcomes, []*Changeset{cs}, e.action.Resource, opts)
		outcome.records = append(outcome.records, folded.records...)
		outcome.succeeded += folded.succeeded
		outcome.addErrors(folded.errors...)
		outcome.addNotifications(folded.notifications...)
	}
	return outcome
}

// foldManualOutcomes unpacks a manual executor's tagged outcome sequence into
// a batch outcome. Result records are mapped back to their original stream
// positions by the resource primary key; records the executor invented get the
// positions of the changesets no keyed record claimed, in batch order.
func foldManualOutcomes(outcomes []ManualOutcome, batch []*Changeset, resource *Resource, opts execOptions) batchOutcome {
	var outcome batchOutcome
	indexByKey := make(map[interface{}]int, len(batch))
	for _, cs := range batch {
		if cs.Record != nil {
			indexByKey[cs.Record[resource.PrimaryKey]] = cs.Index
		}
	}
	claimed := make(map[interface{}]bool, len(batch))
	for _, manual := range outcomes {
		if manual.Kind != ManualOutcomeRecord {
			continue
		}
		key := manual.Record[resource.PrimaryKey]
		if _, ok := indexByKey[key]; ok {
			claimed[key] = true
		}
	}
	next := 0
	for _, manual := range outcomes {
		switch manual.Kind {
		case ManualOutcomeRecord:
			outcome.succeeded++
			if !opts.keepRecords {
				continue
			}
			index, ok := indexByKey[manual.Record[resource.PrimaryKey]]
			if !ok {
				for next < len(batch) {
					cs := batch[next]
					if cs.Record != nil && claimed[cs.Record[resource.PrimaryKey]] {
						next++
						continue
					}
					break
				}
				if next < len(batch) {
					index = batch[next].Index
					next++
				} else {
					index = -1
				}
			}
			outcome.records = append(outcome.records, indexedRecord{record: manual.Record, index: index})
		case ManualOutcomeError:
			outcome.addErrors(manual.Err)
		case ManualOutcomeNotification:
			outcome.addNotifications(*manual.Notification)
		}
	}
	return outcome
}

package ash

import (
	"context"

	"go.uber.org/zap"
)

// newPostPipeline returns a preconfigured postPipeline struct.
func newPostPipeline(action *Action, logger *zap.Logger) *postPipeline {
	return &postPipeline{action: action, logger: logger}
}

// postPipeline runs the ordered post-execution stages over a batch: deferred
// after-action hooks, relationship management, deferred after-transaction
// hooks and the changes' after-batch hooks. Hook failures append to the
// outcome errors and drop the record from the success set; hook notifications
// are folded into the outcome.
type postPipeline struct {
	action *Action
	logger *zap.Logger
}

// RunInTransaction runs the stages which belong inside the batch transaction:
// after-action hooks and relationship management.
func (p *postPipeline) RunInTransaction(ctx context.Context, batch []*Changeset, outcome *batchOutcome) {
	records := recordsByIndex(outcome.records)
	p.runAfterActionHooks(batch, records, outcome)
	p.runRelationships(ctx, batch, records, outcome)
}

// RunAfterTransaction runs the stages which must observe the transaction
// outcome: after-transaction hooks (exactly once per record, even on failure
// paths) and the changes' after-batch hooks scoped to the subsets their
// change touched.
func (p *postPipeline) RunAfterTransaction(batch []*Changeset, outcome *batchOutcome, commitErr error) {
	records := recordsByIndex(outcome.records)
	for _, cs := range batch {
		for _, hook := range cs.afterTransactionHooks {
			hook(records[cs.Index], commitErr)
		}
	}
	p.runAfterBatchHooks(batch, outcome)
}

// runAfterActionHooks invokes the deferred after-action hooks with the
// committed record.
func (p *postPipeline) runAfterActionHooks(batch []*Changeset, records map[int]Record, outcome *batchOutcome) {
	for _, cs := range batch {
		record, ok := records[cs.Index]
		if !ok {
			continue
		}
		for _, hook := range cs.afterActionHooks {
			notifications, err := hook(record)
			outcome.addNotifications(notifications...)
			if err != nil {
				fail := wrapError(err, ErrorClassFramework)
				indexErrors([]*Error{fail}, cs.Index)
				outcome.addErrors(fail)
				outcome.dropRecord(cs.Index)
				delete(records, cs.Index)
				break
			}
		}
	}
}

// runRelationships performs the linked-record mutations implied by the action.
func (p *postPipeline) runRelationships(ctx context.Context, batch []*Changeset, records map[int]Record, outcome *batchOutcome) {
	for _, cs := range batch {
		record, ok := records[cs.Index]
		if !ok {
			continue
		}
		for _, op := range cs.relationships {
			notifications, err := op.Manage(ctx, record)
			outcome.addNotifications(notifications...)
			if err != nil {
				p.logger.Info("relationship management failed",
					zap.String("relationship", op.Name),
					zap.Int("record_index", cs.Index),
					zap.NamedError("error_message", err),
				)
				fail := wrapError(err, ErrorClassFramework)
				indexErrors([]*Error{fail}, cs.Index)
				outcome.addErrors(fail)
				outcome.dropRecord(cs.Index)
				delete(records, cs.Index)
				break
			}
		}
	}
}

// runAfterBatchHooks invokes every change's after-batch hook with exactly the
// changesets the change touched and their materialized records.
func (p *postPipeline) runAfterBatchHooks(batch []*Changeset, outcome *batchOutcome) {
	records := recordsByIndex(outcome.records)
	for i := range p.action.Changes {
		change := &p.action.Changes[i]
		if change.AfterBatch == nil {
			continue
		}
		subset := changesetsApplied(batch, i)
		if len(subset) == 0 {
			continue
		}
		subsetRecords := make([]Record, 0, len(subset))
		for _, cs := range subset {
			if record, ok := records[cs.Index]; ok {
				subsetRecords = append(subsetRecords, record)
			}
		}
		notifications, errs := change.AfterBatch(subset, subsetRecords)
		outcome.addNotifications(notifications...)
		for _, err := range errs {
			outcome.addErrors(err)
			if err.Index >= 0 {
				outcome.dropRecord(err.Index)
			}
		}
	}
}

// recordsByIndex maps the outcome records by their original stream positions.
func recordsByIndex(records []indexedRecord) map[int]Record {
	byIndex := make(map[int]Record, len(records))
	for _, record := range records {
		byIndex[record.index] = record.record
	}
	return byIndex
}

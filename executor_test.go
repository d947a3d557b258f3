package ash

import (
	"context"
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestChangeRunnerPredicateScoping(t *testing.T) {
	// ARRANGE
	touched := []int{}
	wanted := map[int]bool{2: true, 5: true}
	action := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"},
		ActionWithChanges(Change{
			Name: "tag_selected",
			Where: []PredicateFunc{func(cs *Changeset) bool {
				return wanted[cs.Record["id"].(int)]
			}},
			Change: func(cs *Changeset) *Changeset {
				touched = append(touched, cs.Record["id"].(int))
				cs.ChangeAttribute("selected", true)
				return cs
			},
		}),
	)
	batch := prepareChangesets(action, indexedRecords(6), nil)

	// ACT
	newChangeRunner(action, zap.NewNop()).Run(batch)

	// ASSERT
	assert.Equalf(t, []int{2, 5}, touched, "touched records mismatch")
	applied := changesetsApplied(batch, 0)
	if assert.Equalf(t, 2, len(applied), "applied changesets number mismatch") {
		assert.Equalf(t, 2, applied[0].Record["id"], "applied changeset record mismatch")
		assert.Equalf(t, 5, applied[1].Record["id"], "applied changeset record mismatch")
	}
	for _, cs := range batch {
		if wanted[cs.Record["id"].(int)] {
			assert.Equalf(t, true, cs.Attributes["selected"], "matching changesets must carry the attribute change")
		} else {
			assert.NotContainsf(t, cs.Attributes, "selected", "non-matching changesets must stay untouched")
		}
	}
}

func TestChangeRunnerWholeBatchFastPath(t *testing.T) {
	// ARRANGE
	calls := 0
	action := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"},
		ActionWithChanges(Change{
			Name: "stamp_all",
			ChangeBatch: func(batch []*Changeset) []*Changeset {
				calls++
				for _, cs := range batch {
					cs.ChangeAttribute("stamped", true)
				}
				return batch
			},
		}),
	)
	batch := prepareChangesets(action, indexedRecords(8), nil)

	// ACT
	newChangeRunner(action, zap.NewNop()).Run(batch)

	// ASSERT
	assert.Equalf(t, 1, calls, "an unscoped batch change must run exactly once per batch")
	for _, cs := range batch {
		assert.Equalf(t, true, cs.Attributes["stamped"], "every changeset must be transformed")
		assert.Truef(t, cs.changeApplied(0), "every changeset must be tagged as touched")
	}
}

func TestChangeRunnerOnlyWhenValid(t *testing.T) {
	// ARRANGE
	action := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"},
		ActionWithValidations(Validation{
			Name: "reject_first",
			Validate: func(cs *Changeset) *Error {
				if cs.Record["id"].(int) == 0 {
					return NewFieldError("id", "rejected")
				}
				return nil
			},
		}),
		ActionWithChanges(Change{
			Name:          "stamp_valid",
			OnlyWhenValid: true,
			Change: func(cs *Changeset) *Changeset {
				cs.ChangeAttribute("stamped", true)
				return cs
			},
		}),
	)
	batch := prepareChangesets(action, indexedRecords(3), nil)

	// ACT
	newChangeRunner(action, zap.NewNop()).Run(batch)

	// ASSERT
	byID := map[int]*Changeset{}
	for _, cs := range batch {
		byID[cs.Record["id"].(int)] = cs
	}
	assert.Falsef(t, byID[0].Valid(), "the rejected changeset is expected to be invalid")
	assert.NotContainsf(t, byID[0].Attributes, "stamped", "an OnlyWhenValid change must skip invalid changesets")
	assert.Equalf(t, true, byID[1].Attributes["stamped"], "valid changesets must be transformed")
	assert.Equalf(t, true, byID[2].Attributes["stamped"], "valid changesets must be transformed")
}

func TestChangeRunnerRevalidationIsIdempotent(t *testing.T) {
	// ARRANGE
	action := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"},
		ActionWithValidations(Validation{
			Name: "reject_even",
			Validate: func(cs *Changeset) *Error {
				if cs.Record["id"].(int)%2 == 0 {
					return NewFieldError("id", "even ids are rejected")
				}
				return nil
			},
		}),
	)
	batch := prepareChangesets(action, indexedRecords(4), nil)
	runner := newChangeRunner(action, zap.NewNop())
	runner.Run(batch)
	errorsAfterFirst := make([]int, len(batch))
	for i, cs := range batch {
		errorsAfterFirst[i] = len(cs.Errors)
	}

	// ACT
	runner.runValidations(batch)

	// ASSERT
	for i, cs := range batch {
		assert.Equalf(t, errorsAfterFirst[i], len(cs.Errors), "re-validating an already failed changeset must not duplicate errors")
	}
}

func TestChangeRunnerMustReturnRecords(t *testing.T) {
	// ARRANGE
	plain := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"})
	withAfterBatch := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"},
		ActionWithChanges(Change{
			Name:   "noop",
			Change: func(cs *Changeset) *Changeset { return cs },
			AfterBatch: func(batch []*Changeset, records []Record) ([]Notification, []*Error) {
				return nil, nil
			},
		}),
	)

	// ACT
	plainBatch := prepareChangesets(plain, indexedRecords(2), nil)
	plainMust := newChangeRunner(plain, zap.NewNop()).Run(plainBatch)
	hookBatch := prepareChangesets(withAfterBatch, indexedRecords(2), nil)
	hookMust := newChangeRunner(withAfterBatch, zap.NewNop()).Run(hookBatch)

	// ASSERT
	assert.Falsef(t, plainMust, "a plain action needs no materialized records")
	assert.Truef(t, hookMust, "an after-batch hook needs materialized records")

	// a deferred side effect on a single changeset forces retention too
	sideBatch := prepareChangesets(plain, indexedRecords(2), nil)
	sideBatch[1].AfterAction(func(record Record) ([]Notification, error) { return nil, nil })
	assert.Truef(t, newChangeRunner(plain, zap.NewNop()).Run(sideBatch), "a deferred hook needs materialized records")

	txnBatch := prepareChangesets(plain, indexedRecords(2), nil)
	txnBatch[0].AfterTransaction(func(record Record, runErr error) {})
	assert.Truef(t, newChangeRunner(plain, zap.NewNop()).Run(txnBatch), "an after-transaction hook needs materialized records")
}

func TestChangeRunnerBeforeBatchSubset(t *testing.T) {
	// ARRANGE
	seen := []int{}
	action := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"},
		ActionWithChanges(Change{
			Name: "select_odd",
			Where: []PredicateFunc{func(cs *Changeset) bool {
				return cs.Record["id"].(int)%2 == 1
			}},
			Change: func(cs *Changeset) *Changeset { return cs },
			BeforeBatch: func(batch []*Changeset) {
				for _, cs := range batch {
					seen = append(seen, cs.Record["id"].(int))
				}
			},
		}),
	)
	batch := prepareChangesets(action, indexedRecords(5), nil)
	runner := newChangeRunner(action, zap.NewNop())
	runner.Run(batch)

	// ACT
	runner.RunBeforeBatchHooks(batch)

	// ASSERT
	assert.Equalf(t, []int{1, 3}, seen, "the before-batch hook must see exactly the touched subset")
}

func TestBindExecutor(t *testing.T) {
	// ARRANGE
	resource := &Resource{Name: "posts", PrimaryKey: "id"}
	native := NewAction("destroy", resource)
	manualBulk := NewAction("destroy", resource, ActionWithManual(&Manual{
		DestroyBatch: func(ctx context.Context, batch []*Changeset, opts ManualOptions) []ManualOutcome { return nil },
	}))
	manualSingle := NewAction("destroy", resource, ActionWithManual(&Manual{
		DestroyRecord: func(ctx context.Context, cs *Changeset, opts ManualOptions) []ManualOutcome { return nil },
	}))

	// ACT / ASSERT
	assert.IsTypef(t, &nativeExecutor{}, bindExecutor(native, &mockDataLayer{}, zap.NewNop()), "executor variant mismatch")
	assert.IsTypef(t, &manualBatchExecutor{}, bindExecutor(manualBulk, nil, zap.NewNop()), "executor variant mismatch")
	assert.IsTypef(t, &manualRecordExecutor{}, bindExecutor(manualSingle, nil, zap.NewNop()), "executor variant mismatch")
}

func TestFoldManualOutcomes(t *testing.T) {
	// ARRANGE
	resource := &Resource{Name: "posts", PrimaryKey: "id"}
	action := NewAction("destroy", resource)
	batch := prepareChangesets(action, indexedRecords(3), nil)
	outcomes := []ManualOutcome{
		ManualOk(Record{"id": 2, "title": "title_2"}),
		ManualOk(Record{"id": 0, "title": "title_0"}),
		ManualError(NewError(nil, "record 1 is gone", ErrorClassInvalid)),
		ManualNotify(Notification{Resource: "posts", Action: "destroy"}),
	}

	// ACT
	outcome := foldManualOutcomes(outcomes, batch, resource, execOptions{keepRecords: true})

	// ASSERT
	assert.Equalf(t, 2, outcome.succeeded, "succeeded count mismatch")
	if assert.Equalf(t, 2, len(outcome.records), "outcome records number mismatch") {
		assert.Equalf(t, 2, outcome.records[0].index, "records must map back to their stream positions")
		assert.Equalf(t, 0, outcome.records[1].index, "records must map back to their stream positions")
	}
	assert.Equalf(t, 1, len(outcome.errors), "outcome errors number mismatch")
	assert.Equalf(t, 1, len(outcome.notifications), "outcome notifications number mismatch")
}

func TestFoldManualOutcomesInventedRecordPositions(t *testing.T) {
	// ARRANGE
	resource := &Resource{Name: "posts", PrimaryKey: "id"}
	action := NewAction("destroy", resource)
	batch := prepareChangesets(action, indexedRecords(3), nil)
	outcomes := []ManualOutcome{
		ManualOk(Record{"id": 99, "title": "tombstone"}),
		ManualOk(Record{"id": 0, "title": "title_0"}),
	}

	// ACT
	outcome := foldManualOutcomes(outcomes, batch, resource, execOptions{keepRecords: true})

	// ASSERT
	if assert.Equalf(t, 2, len(outcome.records), "outcome records number mismatch") {
		assert.Equalf(t, 1, outcome.records[0].index, "an invented record must take an unclaimed position")
		assert.Equalf(t, 0, outcome.records[1].index, "a keyed record must map back to its own position")
	}
}

func TestChangesetMaterialize(t *testing.T) {
	// ARRANGE
	cs := NewChangeset(&Resource{Name: "posts", PrimaryKey: "id"}, Record{"id": 1, "title": "old", "body": "text"}, 0)
	cs.ChangeAttribute("title", "new")
	cs.ChangeAttribute("archived", true)

	// ACT
	materialized := cs.materialize()

	// ASSERT
	if diff := deep.Equal(map[string]interface{}(materialized), map[string]interface{}{
		"id":       1,
		"title":    "new",
		"body":     "text",
		"archived": true,
	}); diff != nil {
		t.Errorf("materialized record mismatch: %v", diff)
	}
	assert.Equalf(t, "old", cs.Record["title"], "the original record must stay untouched")
}

// indexedRecords builds n indexed records with sequential ids matching their
// stream positions.
func indexedRecords(n int) []indexedRecord {
	result := make([]indexedRecord, 0, n)
	for i, record := range records(n) {
		result = append(result, indexedRecord{record: record, index: i})
	}
	return result
}

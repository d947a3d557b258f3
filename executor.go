package ash

import (
	"go.uber.org/zap"
)

// newChangeRunner returns a preconfigured changeRunner struct.
func newChangeRunner(action *Action, logger *zap.Logger) *changeRunner {
	return &changeRunner{action: action, logger: logger}
}

// changeRunner drives the ordered list of declared validations and changes
// over a batch of changesets, tracking which change touched which changesets
// so that batch-level hooks later see exactly the same population.
type changeRunner struct {
	action *Action
	logger *zap.Logger
}

// Run applies the action's validations and changes to the batch in declaration
// order. The returned flag reports whether the batch must retain materialized
// result records post-execution because some changeset gained a deferred side
// effect or a change declares an after-batch hook.
func (r *changeRunner) Run(batch []*Changeset) bool {
	r.runValidations(batch)
	r.runChanges(batch)
	return r.mustReturnRecords(batch)
}

// runValidations applies every declared validation to the matching changesets.
// A failed validation appends an error to the changeset without discarding it
// from the batch.
func (r *changeRunner) runValidations(batch []*Changeset) {
	for i, validation := range r.action.Validations {
		for _, cs := range batch {
			if cs.validationApplied(i) {
				continue
			}
			if !predicatesMatch(validation.Where, cs) {
				continue
			}
			if validation.OnlyWhenValid && !cs.Valid() {
				continue
			}
			cs.markValidated(i)
			if err := validation.Validate(cs); err != nil {
				cs.AddError(err)
			}
		}
	}
}

// runChanges applies every declared change in declaration order. A change
// without predicates and without the OnlyWhenValid scope transforms the whole
// batch in one call; otherwise the batch is split into matches and non-matches
// and only the matches are transformed, recombined ahead of the non-matches.
func (r *changeRunner) runChanges(batch []*Changeset) {
	for i := range r.action.Changes {
		change := &r.action.Changes[i]
		if change.appliesToWholeBatch() {
			r.applyToAll(change, i, batch)
			continue
		}
		matches, rest := splitByChangeScope(change, batch)
		if len(matches) == 0 {
			continue
		}
		r.applyToAll(change, i, matches)
		copy(batch, append(matches, rest...))
	}
}

// applyToAll transforms every changeset of the subset with the change and tags
// them with the change's declaration index.
func (r *changeRunner) applyToAll(change *Change, changeIndex int, subset []*Changeset) {
	if change.ChangeBatch != nil {
		transformed := change.ChangeBatch(subset)
		copy(subset, transformed)
	} else {
		for j, cs := range subset {
			subset[j] = change.Change(cs)
		}
	}
	for _, cs := range subset {
		cs.markApplied(changeIndex)
	}
}

// mustReturnRecords reports whether result records have to be materialized for
// hooks even when the caller didn't ask for them.
func (r *changeRunner) mustReturnRecords(batch []*Changeset) bool {
	for i := range r.action.Changes {
		if r.action.Changes[i].AfterBatch != nil {
			return true
		}
	}
	for _, cs := range batch {
		if cs.HasSideEffects() {
			return true
		}
	}
	return false
}

// RunBeforeBatchHooks invokes every change's before-batch hook with exactly
// the subset of the batch the change has been applied to.
func (r *changeRunner) RunBeforeBatchHooks(batch []*Changeset) {
	for i := range r.action.Changes {
		change := &r.action.Changes[i]
		if change.BeforeBatch == nil {
			continue
		}
		subset := changesetsApplied(batch, i)
		if len(subset) == 0 {
			continue
		}
		r.logger.Debug("running before-batch hook",
			zap.String("change", change.Name),
			zap.Int("subset_size", len(subset)),
		)
		change.BeforeBatch(subset)
	}
}

// predicatesMatch reports whether the changeset matches all predicates.
// Predicates are combined with AND; an empty list always matches.
func predicatesMatch(predicates []PredicateFunc, cs *Changeset) bool {
	for _, predicate := range predicates {
		if !predicate(cs) {
			return false
		}
	}
	return true
}

// splitByChangeScope splits the batch into the changesets the change applies
// to and the rest, both keeping their relative order.
func splitByChangeScope(change *Change, batch []*Changeset) (matches, rest []*Changeset) {
	for _, cs := range batch {
		if predicatesMatch(change.Where, cs) && (!change.OnlyWhenValid || cs.Valid()) {
			matches = append(matches, cs)
		} else {
			rest = append(rest, cs)
		}
	}
	return matches, rest
}

// changesetsApplied returns the changesets of the batch tagged as touched by
// the change with the given declaration index.
func changesetsApplied(batch []*Changeset, changeIndex int) []*Changeset {
	var applied []*Changeset
	for _, cs := range batch {
		if cs.changeApplied(changeIndex) {
			applied = append(applied, cs)
		}
	}
	return applied
}

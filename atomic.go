package ash

import (
	"context"

	"go.uber.org/zap"
)

// runAtomic attempts to collapse the run into a single data-store-native
// operation. The second return value reports whether the atomic path handled
// the run; false means the caller must fall back to the streaming path.
func (r *Runner) runAtomic(ctx context.Context, source QuerySource, input map[string]interface{}, cfg RunConfig, acc *accumulator) (*BulkResult, bool) {
	if !r.action.AtomicSupported || !r.dataLayer.Supports(CapabilityDestroyQuery) {
		return nil, false
	}
	query, cs, ok := r.buildAtomicChangeset(source.Query(), input)
	if !ok {
		r.logger.Info("atomic path unavailable, falling back to streaming")
		return nil, false
	}
	if !cs.Valid() {
		r.logger.Info("atomic changeset is invalid", zap.Int("errors", len(cs.Errors)))
		return r.atomicError(cfg, acc, cs.Errors...), true
	}
	if cfg.Authorize && r.authorizer != nil {
		rewritten, err := authorizeQuery(ctx, r.authorizer, query, cfg.Actor)
		if err != nil {
			return r.atomicError(cfg, acc, err), true
		}
		query = rewritten
	}
	records, err := r.dataLayer.DestroyQuery(ctx, query, cs, DestroyQueryOptions{
		ReturnRecords: cfg.ReturnRecords,
		Tenant:        cfg.Tenant,
	})
	if err != nil {
		return r.atomicError(cfg, acc, wrapError(err, ErrorClassFramework)), true
	}
	indexed := make([]indexedRecord, 0, len(records))
	for i, record := range records {
		indexed = append(indexed, indexedRecord{record: record, index: i})
	}
	notifications := []Notification(nil)
	if cfg.Notify || cfg.ReturnNotifications {
		notifications = append(notifications, Notification{
			Resource: r.action.Resource.Name,
			Action:   r.action.Name,
			Actor:    cfg.Actor,
			Metadata: map[string]interface{}{"atomic": true},
		})
	}
	r.newNotificationBuffer(cfg).Publish(nil, notifications)
	r.logger.Info("atomic execution succeeded", zap.Int("returned_records", len(indexed)))
	return buildResult(cfg, acc.Token(), indexed, nil, 0, len(indexed), notifications), true
}

// buildAtomicChangeset expresses every declared change as a query rewrite. A
// change without an atomic expression makes the whole attempt fall back to
// streaming; a failing rewrite or failing argument cast marks the changeset
// invalid, which the caller turns into an immediate error result with no data
// layer call made.
func (r *Runner) buildAtomicChangeset(query *Query, input map[string]interface{}) (*Query, *Changeset, bool) {
	for i := range r.action.Changes {
		if r.action.Changes[i].Atomic == nil {
			return nil, nil, false
		}
	}
	cs := NewChangeset(r.action.Resource, nil, -1)
	castArguments(r.action, cs, input)
	rewritten := query.Clone()
	for i := range r.action.Changes {
		next, err := r.action.Changes[i].Atomic(rewritten)
		if err != nil {
			cs.AddError(wrapError(err, ErrorClassInvalid))
			return rewritten, cs, true
		}
		rewritten = next
	}
	return rewritten, cs, true
}

// atomicError shapes an error-status result out of the passed run-level
// errors without any side effects having happened.
func (r *Runner) atomicError(cfg RunConfig, acc *accumulator, errs ...*Error) *BulkResult {
	return buildResult(cfg, acc.Token(), nil, errs, len(errs), 0, nil)
}

package ash

import (
	"context"
)

// DecisionKind tags an authorization Decision variant.
type DecisionKind string

const (
	// DecisionAllow permits the mutation.
	DecisionAllow DecisionKind = "allow"
	// DecisionDeny forbids the mutation.
	DecisionDeny DecisionKind = "deny"
	// DecisionError reports that the authorization check itself failed.
	DecisionError DecisionKind = "error"
)

// Decision is the outcome of an authorization check. An allow decision may
// carry a rewritten query narrowing the visible scope of a query-level check.
type Decision struct {
	Kind  DecisionKind
	Query *Query
	Err   error
}

// Allow returns a permitting decision.
func Allow() Decision {
	return Decision{Kind: DecisionAllow}
}

// AllowRewritten returns a permitting decision narrowing the checked query.
func AllowRewritten(query *Query) Decision {
	return Decision{Kind: DecisionAllow, Query: query}
}

// Deny returns a forbidding decision with the denial reason.
func Deny(err error) Decision {
	return Decision{Kind: DecisionDeny, Err: err}
}

// DecisionFailed returns a decision reporting that the check itself failed.
func DecisionFailed(err error) Decision {
	return Decision{Kind: DecisionError, Err: err}
}

// Authorizer is the policy engine surface consumed by the pipeline. Per-record
// checks run on the streaming path, the per-query check on the atomic path.
type Authorizer interface {
	// CanPerformRecord decides whether the actor may perform the mutation
	// described by the changeset.
	CanPerformRecord(ctx context.Context, cs *Changeset, actor interface{}) Decision
	// CanPerformQuery decides whether the actor may perform the mutation over
	// all records matched by the query.
	CanPerformQuery(ctx context.Context, query *Query, actor interface{}) Decision
}

// authorizeBatch checks every still-valid changeset of the batch against the
// authorizer. Denials and check failures convert into changeset errors: the
// changeset stays in the batch but becomes invalid, its siblings are
// unaffected.
func authorizeBatch(ctx context.Context, authorizer Authorizer, batch []*Changeset, actor interface{}) {
	for _, cs := range batch {
		if !cs.Valid() {
			continue
		}
		decision := authorizer.CanPerformRecord(ctx, cs, actor)
		switch decision.Kind {
		case DecisionAllow:
		case DecisionDeny:
			cs.AddError(NewError(decision.Err, "forbidden", ErrorClassForbidden))
		default:
			cs.AddError(NewError(decision.Err, "authorization check failed", ErrorClassForbidden))
		}
	}
}

// authorizeQuery checks the query against the authorizer. On allow, the
// possibly rewritten query is returned; any other outcome aborts the atomic
// attempt with a run-level error.
func authorizeQuery(ctx context.Context, authorizer Authorizer, query *Query, actor interface{}) (*Query, *Error) {
	decision := authorizer.CanPerformQuery(ctx, query, actor)
	switch decision.Kind {
	case DecisionAllow:
		if decision.Query != nil {
			return decision.Query, nil
		}
		return query, nil
	case DecisionDeny:
		return nil, NewError(decision.Err, "forbidden", ErrorClassForbidden)
	default:
		return nil, NewError(decision.Err, "authorization check failed", ErrorClassForbidden)
	}
}

package ash

import (
	"sync"

	"github.com/google/uuid"
)

// newAccumulator returns a new run-scoped accumulator with a fresh run token.
func newAccumulator() *accumulator {
	return &accumulator{token: uuid.NewString()}
}

// accumulator is the run-scoped store of records, errors and notifications.
// It is exclusively owned by the run: workers never hold a reference to it,
// they return their local batch outcome and the coordinator merges it at a
// single join point. The mutex only guards against a streamed drain racing
// the merge loop.
type accumulator struct {
	token string

	mu            sync.Mutex
	records       []indexedRecord
	errors        []*Error
	errorCount    int
	succeeded     int
	notifications []Notification
}

// Token returns the unique token scoping this run's state.
func (a *accumulator) Token() string {
	return a.token
}

// Merge folds a completed worker's batch outcome into the accumulator.
func (a *accumulator) Merge(outcome batchOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, outcome.records...)
	a.errors = append(a.errors, outcome.errors...)
	a.errorCount += len(outcome.errors)
	a.succeeded += outcome.succeeded
	a.notifications = append(a.notifications, outcome.notifications...)
}

// ErrorCount returns the number of errors accumulated so far.
func (a *accumulator) ErrorCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errorCount
}

// FirstFrameworkError returns the first accumulated data-layer or hook error,
// used to decide a run-scoped rollback.
func (a *accumulator) FirstFrameworkError() *Error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, err := range a.errors {
		if err.Class == ErrorClassFramework {
			return err
		}
	}
	return nil
}

// Drain empties the accumulator and returns its content. The final aggregate
// is drained exactly once; streamed runs drain once per batch instead.
func (a *accumulator) Drain() (records []indexedRecord, errors []*Error, errorCount, succeeded int, notifications []Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	records, a.records = a.records, nil
	errors, a.errors = a.errors, nil
	notifications, a.notifications = a.notifications, nil
	errorCount, a.errorCount = a.errorCount, 0
	succeeded, a.succeeded = a.succeeded, 0
	return records, errors, errorCount, succeeded, notifications
}

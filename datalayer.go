package ash

import (
	"context"
	"errors"
	"time"
)

// Capability identifies an optional feature of a DataLayer. The pipeline
// queries capabilities to pick between execution paths instead of probing
// calls at runtime.
type Capability string

const (
	// CapabilityDestroy whether the data layer can destroy single records.
	CapabilityDestroy Capability = "destroy"
	// CapabilityDestroyQuery whether the data layer can destroy all records
	// matching a query in one native call. Required for the atomic path.
	CapabilityDestroyQuery Capability = "destroy_query"
	// CapabilityTransaction whether the data layer supports transactions.
	CapabilityTransaction Capability = "transaction"
	// CapabilityAsyncExecution whether the data layer tolerates concurrent
	// calls from multiple workers.
	CapabilityAsyncExecution Capability = "async_execution"
)

// String converts a Capability to string.
func (c Capability) String() string {
	return string(c)
}

// DataLayer is the storage capability interface consumed by the pipeline. How
// records are stored, fetched and filtered is entirely up to the
// implementation; the pipeline only drives destroy calls and transactions
// through it.
type DataLayer interface {
	// Supports reports whether the data layer provides the given capability.
	Supports(capability Capability) bool
	// Destroy removes the single record held by the changeset. The
	// implementation addresses the record by the resource primary key.
	Destroy(ctx context.Context, resource *Resource, cs *Changeset) error
	// DestroyQuery removes all records matching the query in one native
	// operation. The result records are populated only if requested by opts.
	DestroyQuery(ctx context.Context, query *Query, cs *Changeset, opts DestroyQueryOptions) ([]Record, error)
	// Transaction runs fn inside a data-layer transaction spanning the given
	// resources. The transaction is committed when fn returns nil and rolled
	// back when fn returns an error. A zero timeout means no deadline.
	Transaction(ctx context.Context, resources []string, timeout time.Duration, fn func(ctx context.Context) error) error
}

// DestroyQueryOptions modifies the DataLayer DestroyQuery behaviour.
type DestroyQueryOptions struct {
	// ReturnRecords makes the call materialize and return the destroyed
	// records.
	ReturnRecords bool
	// Tenant scopes the query to a single tenant if the data layer is
	// multitenant-aware.
	Tenant string
}

// ErrCapabilityUnsupported is returned by data layers when a call requires a
// capability they don't provide.
var ErrCapabilityUnsupported = errors.New("capability is not supported by the data layer")

// Query is a declarative, store-agnostic selection of records of one resource.
// Data layers compile it to their native query representation.
type Query struct {
	Resource *Resource
	Filters  []Filter
	Tenant   string
	Limit    int
}

// Clone returns a copy of the query with its own filters slice.
func (q *Query) Clone() *Query {
	clone := *q
	clone.Filters = make([]Filter, len(q.Filters))
	copy(clone.Filters, q.Filters)
	return &clone
}

// Filter constrains a query to records whose field relates to the given value.
type Filter struct {
	Field string
	Op    FilterOp
	Value interface{}
}

// FilterOp defines the comparison a Filter applies.
type FilterOp string

const (
	// FilterOpEq matches records whose field equals the value.
	FilterOpEq FilterOp = "eq"
	// FilterOpNotEq matches records whose field differs from the value.
	FilterOpNotEq FilterOp = "not_eq"
	// FilterOpIn matches records whose field equals one of the listed values.
	FilterOpIn FilterOp = "in"
	// FilterOpLt matches records whose field is less than the value.
	FilterOpLt FilterOp = "lt"
	// FilterOpGt matches records whose field is greater than the value.
	FilterOpGt FilterOp = "gt"
)

// Valid checks whether the assigned filter op value is valid.
func (o FilterOp) Valid() error {
	switch o {
	case FilterOpEq, FilterOpNotEq, FilterOpIn, FilterOpLt, FilterOpGt:
		return nil
	}
	return errors.New("invalid filter op")
}

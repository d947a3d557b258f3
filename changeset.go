package ash

import (
	"context"

	"github.com/divideandconquer/go-merge/merge"
)

// NewChangeset returns a new *Changeset for the given record. The index is the
// record's 0-based position in the original input stream; query-level
// changesets built for the atomic path use index -1.
func NewChangeset(resource *Resource, record Record, index int) *Changeset {
	return &Changeset{
		Resource:   resource,
		Record:     record,
		Attributes: make(map[string]interface{}),
		Arguments:  make(map[string]interface{}),
		Context:    map[string]interface{}{changesetContextIndexKey: index},
		Index:      index,
	}
}

// changesetContextIndexKey is the context key under which a changeset carries
// its record's original stream position.
const changesetContextIndexKey = "original_index"

// Changeset is the mutable unit of work for one target record. It accumulates
// cast arguments, attribute changes, validation errors and deferred hooks
// while the record travels through the pipeline.
type Changeset struct {
	Resource *Resource
	Record   Record
	// Attributes holds the attribute changes to apply to the record on
	// successful execution.
	Attributes map[string]interface{}
	// Arguments holds the action input arguments cast for this changeset.
	Arguments map[string]interface{}
	// Context carries free-form metadata, including the record's original
	// stream position.
	Context map[string]interface{}
	// Index is the record's 0-based position in the original input stream.
	Index  int
	Errors []*Error

	appliedChanges        map[int]struct{}
	appliedValidations    map[int]struct{}
	afterActionHooks      []AfterActionHook
	afterTransactionHooks []AfterTransactionHook
	relationships         []RelationshipOp
}

// AfterActionHook is a deferred hook invoked with the committed record right
// after the data layer has executed the action for it.
type AfterActionHook func(record Record) ([]Notification, error)

// AfterTransactionHook is a deferred cleanup hook. It runs exactly once per
// record after the enclosing transaction has finished, with the commit error
// if the record's batch failed. The record is nil when it was not executed.
type AfterTransactionHook func(record Record, runErr error)

// RelationshipOp describes a linked-record mutation implied by the action,
// e.g. destroying dependent rows. The manage callback performs the mutation
// and may emit notifications.
type RelationshipOp struct {
	Name   string
	Manage func(ctx context.Context, record Record) ([]Notification, error)
}

// Valid returns whether the changeset has accumulated no errors so far.
func (c *Changeset) Valid() bool {
	return len(c.Errors) == 0
}

// AddError appends the error to the changeset keeping the changeset in its
// batch. The record index is stamped on the error.
func (c *Changeset) AddError(errs ...*Error) {
	indexErrors(errs, c.Index)
	c.Errors = append(c.Errors, errs...)
}

// ChangeAttribute registers an attribute change to be applied to the record
// on successful execution.
func (c *Changeset) ChangeAttribute(name string, value interface{}) {
	c.Attributes[name] = value
}

// Argument returns the cast action argument with the given name.
func (c *Changeset) Argument(name string) (interface{}, bool) {
	v, ok := c.Arguments[name]
	return v, ok
}

// AfterAction defers the hook until the record has been executed by the data
// layer.
func (c *Changeset) AfterAction(hook AfterActionHook) {
	c.afterActionHooks = append(c.afterActionHooks, hook)
}

// AfterTransaction defers the hook until the enclosing transaction has
// finished. The hook runs exactly once even if the record's batch fails.
func (c *Changeset) AfterTransaction(hook AfterTransactionHook) {
	c.afterTransactionHooks = append(c.afterTransactionHooks, hook)
}

// ManageRelationship registers a linked-record mutation to be performed right
// after the record has been executed.
func (c *Changeset) ManageRelationship(op RelationshipOp) {
	c.relationships = append(c.relationships, op)
}

// HasSideEffects reports whether the changeset carries deferred work which
// needs the materialized record after execution. It forces the batch to retain
// result records even when the caller didn't request them.
func (c *Changeset) HasSideEffects() bool {
	return len(c.afterActionHooks) != 0 ||
		len(c.afterTransactionHooks) != 0 ||
		len(c.relationships) != 0
}

// markApplied tags the changeset as touched by the change with the given
// declaration index. After-batch hooks use the tags to see exactly the
// records their change step touched.
func (c *Changeset) markApplied(changeIndex int) {
	if c.appliedChanges == nil {
		c.appliedChanges = make(map[int]struct{})
	}
	c.appliedChanges[changeIndex] = struct{}{}
}

// changeApplied reports whether the change with the given declaration index
// has been applied to the changeset.
func (c *Changeset) changeApplied(changeIndex int) bool {
	_, ok := c.appliedChanges[changeIndex]
	return ok
}

// markValidated tags the changeset as checked by the validation with the given
// declaration index. Re-running the executor over an already checked changeset
// yields the same error set.
func (c *Changeset) markValidated(validationIndex int) {
	if c.appliedValidations == nil {
		c.appliedValidations = make(map[int]struct{})
	}
	c.appliedValidations[validationIndex] = struct{}{}
}

// validationApplied reports whether the validation with the given declaration
// index has already checked the changeset.
func (c *Changeset) validationApplied(validationIndex int) bool {
	_, ok := c.appliedValidations[validationIndex]
	return ok
}

// materialize returns the final record state by merging the accumulated
// attribute changes over the original record.
func (c *Changeset) materialize() Record {
	if len(c.Attributes) == 0 {
		return c.Record
	}
	base := map[string]interface{}(c.Record.Clone())
	merged := merge.Merge(base, c.Attributes).(map[string]interface{})
	return Record(merged)
}

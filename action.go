package ash

import (
	"context"
	"errors"
	"fmt"
)

// PredicateFunc decides whether a change or validation applies to a changeset.
// Multiple predicates on the same declaration are combined with AND.
type PredicateFunc func(cs *Changeset) bool

// ChangeFunc transforms a single changeset. Implementations mutate the passed
// changeset and return it.
type ChangeFunc func(cs *Changeset) *Changeset

// BatchChangeFunc transforms a whole batch of changesets in one call. Used as
// the fast path for changes which apply to the entire batch uniformly.
type BatchChangeFunc func(batch []*Changeset) []*Changeset

// ValidationFunc validates a single changeset and returns the validation
// error, or nil if the changeset is fine.
type ValidationFunc func(cs *Changeset) *Error

// AtomicFunc rewrites a query so that the change's effect is expressed as a
// data-store-native operation. Returning an error marks the run's atomic
// changeset as invalid.
type AtomicFunc func(q *Query) (*Query, error)

// BeforeBatchFunc is invoked with the subset of the batch the change is about
// to touch, right before the batch is executed.
type BeforeBatchFunc func(batch []*Changeset)

// AfterBatchFunc is invoked after execution with the subset of the batch the
// change touched and the corresponding materialized records.
type AfterBatchFunc func(batch []*Changeset, records []Record) ([]Notification, []*Error)

// Change is a single declared transformation of an action. A change with an
// empty Where list and OnlyWhenValid unset applies to the entire batch
// uniformly; otherwise it applies only to the matching subset.
type Change struct {
	Name string
	// Change transforms one changeset. Ignored if ChangeBatch is set and the
	// change runs on the whole-batch fast path.
	Change ChangeFunc
	// ChangeBatch transforms the whole batch in one call.
	ChangeBatch BatchChangeFunc
	// Atomic expresses the change as a query rewrite for the atomic path.
	// A change without Atomic forces the run onto the streaming path.
	Atomic AtomicFunc
	// Where scopes the change to changesets matching all predicates.
	Where []PredicateFunc
	// OnlyWhenValid scopes the change to changesets without errors.
	OnlyWhenValid bool
	// BeforeBatch runs before execution with the subset the change touches.
	BeforeBatch BeforeBatchFunc
	// AfterBatch runs after execution with the subset the change touched.
	AfterBatch AfterBatchFunc
}

// appliesToWholeBatch reports whether the change runs on the whole-batch fast
// path.
func (c *Change) appliesToWholeBatch() bool {
	return len(c.Where) == 0 && !c.OnlyWhenValid
}

// Validation is a single declared validation of an action.
type Validation struct {
	Name     string
	Validate ValidationFunc
	// Where scopes the validation to changesets matching all predicates.
	Where []PredicateFunc
	// OnlyWhenValid scopes the validation to changesets without errors.
	OnlyWhenValid bool
}

// ManualOptions carries the run context manual executors receive alongside
// their changesets.
type ManualOptions struct {
	Actor     interface{}
	Tenant    string
	BatchSize int
}

// Manual is a collaborator-supplied executor override performing the actual
// mutation instead of the native data-layer call. DestroyBatch is optional:
// without it the pipeline forces a batch size of 1 and drives DestroyRecord.
type Manual struct {
	// DestroyRecord performs the mutation for a single changeset.
	DestroyRecord func(ctx context.Context, cs *Changeset, opts ManualOptions) []ManualOutcome
	// DestroyBatch performs the mutation for a whole batch at once.
	DestroyBatch func(ctx context.Context, batch []*Changeset, opts ManualOptions) []ManualOutcome
}

// ManualOutcome is one element of a manual executor result sequence: a
// destroyed record, a failed record or a notification to publish.
type ManualOutcome struct {
	Kind         ManualOutcomeKind
	Record       Record
	Err          *Error
	Notification *Notification
}

// ManualOutcomeKind tags a ManualOutcome variant.
type ManualOutcomeKind string

const (
	// ManualOutcomeRecord reports a successfully destroyed record.
	ManualOutcomeRecord ManualOutcomeKind = "record"
	// ManualOutcomeError reports a failed record.
	ManualOutcomeError ManualOutcomeKind = "error"
	// ManualOutcomeNotification emits a notification.
	ManualOutcomeNotification ManualOutcomeKind = "notification"
)

// ManualOk returns a success outcome carrying the destroyed record.
func ManualOk(record Record) ManualOutcome {
	return ManualOutcome{Kind: ManualOutcomeRecord, Record: record}
}

// ManualError returns a failure outcome carrying the record error.
func ManualError(err *Error) ManualOutcome {
	return ManualOutcome{Kind: ManualOutcomeError, Err: err}
}

// ManualNotify returns an outcome emitting a notification.
func ManualNotify(notification Notification) ManualOutcome {
	return ManualOutcome{Kind: ManualOutcomeNotification, Notification: &notification}
}

// Argument declares a typed input argument of an action. Run inputs are cast
// to the declared type during changeset preparation.
type Argument struct {
	Name     string
	Type     ArgumentType
	Required bool
	Default  interface{}
}

// ArgumentType defines the type an action argument is cast to.
type ArgumentType string

const (
	// ArgumentTypeString casts the input to a string.
	ArgumentTypeString ArgumentType = "string"
	// ArgumentTypeInt casts the input to an int64.
	ArgumentTypeInt ArgumentType = "int"
	// ArgumentTypeFloat casts the input to a float64.
	ArgumentTypeFloat ArgumentType = "float"
	// ArgumentTypeBool casts the input to a bool.
	ArgumentTypeBool ArgumentType = "bool"
	// ArgumentTypeAny accepts the input as is.
	ArgumentTypeAny ArgumentType = "any"
)

// Valid checks whether the assigned argument type value is valid.
func (t ArgumentType) Valid() error {
	switch t {
	case ArgumentTypeString, ArgumentTypeInt, ArgumentTypeFloat, ArgumentTypeBool, ArgumentTypeAny:
		return nil
	}
	return errors.New("invalid argument type")
}

// ActionOpt is a type that modifies the default Action behaviour.
type ActionOpt func(a *Action)

// ActionWithChanges appends the changes to the action in declaration order.
var ActionWithChanges = func(changes ...Change) func(a *Action) {
	return func(a *Action) {
		a.Changes = append(a.Changes, changes...)
	}
}

// ActionWithValidations appends the validations to the action in declaration
// order.
var ActionWithValidations = func(validations ...Validation) func(a *Action) {
	return func(a *Action) {
		a.Validations = append(a.Validations, validations...)
	}
}

// ActionWithArguments declares the action input arguments.
var ActionWithArguments = func(arguments ...Argument) func(a *Action) {
	return func(a *Action) {
		a.Arguments = append(a.Arguments, arguments...)
	}
}

// ActionWithManual makes the action execute through the passed manual executor
// instead of the native data-layer call.
var ActionWithManual = func(manual *Manual) func(a *Action) {
	return func(a *Action) {
		a.Manual = manual
	}
}

// ActionWithAtomicSupport allows the action to be collapsed into a single
// data-store-native operation when all its changes can be expressed atomically.
var ActionWithAtomicSupport = func() func(a *Action) {
	return func(a *Action) {
		a.AtomicSupported = true
	}
}

// ActionWithTouchedResources declares additional resources every transaction
// of the action must also span.
var ActionWithTouchedResources = func(resources ...string) func(a *Action) {
	return func(a *Action) {
		a.TouchedResources = append(a.TouchedResources, resources...)
	}
}

// NewAction returns a preconfigured *Action struct describing a mutation type
// of the given resource.
func NewAction(name string, resource *Resource, opts ...ActionOpt) *Action {
	a := &Action{
		Name:     name,
		Resource: resource,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Action is the immutable descriptor of a mutation type: its ordered changes
// and validations, its optional manual executor and its transactional
// footprint.
type Action struct {
	Name             string
	Resource         *Resource
	Changes          []Change
	Validations      []Validation
	Arguments        []Argument
	Manual           *Manual
	AtomicSupported  bool
	TouchedResources []string
}

// Validate validates the action definition.
func (a *Action) Validate() error {
	if a.Name == "" {
		return errors.New("action name is required")
	}
	if a.Resource == nil {
		return errors.New("action resource is required")
	}
	if a.Resource.PrimaryKey == "" {
		return fmt.Errorf("resource %s primary key is required", a.Resource.Name)
	}
	for i, change := range a.Changes {
		if change.Change == nil && change.ChangeBatch == nil {
			return fmt.Errorf("change %d (%s) declares neither Change nor ChangeBatch", i, change.Name)
		}
	}
	for i, validation := range a.Validations {
		if validation.Validate == nil {
			return fmt.Errorf("validation %d (%s) declares no Validate func", i, validation.Name)
		}
	}
	for i, argument := range a.Arguments {
		if err := argument.Type.Valid(); err != nil {
			return fmt.Errorf("argument %d (%s): %v", i, argument.Name, err)
		}
	}
	if a.Manual != nil && a.Manual.DestroyRecord == nil && a.Manual.DestroyBatch == nil {
		return errors.New("manual executor declares neither DestroyRecord nor DestroyBatch")
	}
	return nil
}

// transactionResources returns the full list of resources a transaction of the
// action must span: the action resource plus the declared touched resources.
func (a *Action) transactionResources() []string {
	resources := make([]string, 0, len(a.TouchedResources)+1)
	resources = append(resources, a.Resource.Name)
	resources = append(resources, a.TouchedResources...)
	return resources
}

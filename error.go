package ash

import (
	"encoding/json"
	"fmt"
)

// NewError returns a new *Error populated with the passed parameters. The
// record index is left unset and will be populated by the pipeline once the
// error is attached to a changeset.
func NewError(err error, message string, class ErrorClass) *Error {
	return &Error{
		Class:   class,
		Message: message,
		Index:   -1,
		Err:     err,
	}
}

// NewFieldError returns a new *Error bound to a single record field. It's the
// error shape validations are expected to produce.
func NewFieldError(field, message string) *Error {
	return &Error{
		Class:   ErrorClassInvalid,
		Field:   field,
		Message: message,
		Index:   -1,
	}
}

// Error represents a single failure that happened during a bulk run. It's used
// by the pipeline to account failed records without aborting their siblings.
type Error struct {
	Class   ErrorClass `json:"class"`
	Field   string     `json:"field,omitempty"`
	Message string     `json:"message"`
	// Index is the 0-based original stream position of the record the error
	// belongs to, or -1 for run-level errors.
	Index int   `json:"index"`
	Err   error `json:"-"`
}

// Error makes the Error type implement the error interface.
func (e *Error) Error() string {
	if d, err := json.Marshal(e); err == nil {
		return string(d)
	}
	return fmt.Sprintf("%+v", *e)
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON overrides the default MarshalJSON method in order to represent
// the wrapped cause as its message string.
func (e *Error) MarshalJSON() ([]byte, error) {
	var cause string
	if e.Err != nil {
		cause = e.Err.Error()
	}
	type Alias Error
	return json.Marshal(&struct {
		Cause string `json:"cause,omitempty"`
		*Alias
	}{
		Cause: cause,
		Alias: (*Alias)(e),
	})
}

// ErrorClass defines the kind of an error within a bulk run. It can be used to
// logically group errors.
type ErrorClass string

const (
	// ErrorClassInvalid describes errors produced by validations and argument
	// casting. They are per-record and non-fatal to sibling records.
	ErrorClassInvalid ErrorClass = "invalid"
	// ErrorClassForbidden describes authorization denials. They are treated
	// like validation errors on the denied record or query.
	ErrorClassForbidden ErrorClass = "forbidden"
	// ErrorClassFramework describes errors raised by the data layer or by
	// hooks. Inside a batch or run transaction they trigger a rollback.
	ErrorClassFramework ErrorClass = "framework"
	// ErrorClassAborted describes the run being short-circuited by the
	// StopOnError option after the first failed batch.
	ErrorClassAborted ErrorClass = "aborted"
)

// String converts an ErrorClass to string.
func (c ErrorClass) String() string {
	return string(c)
}

// wrapError converts an arbitrary error into an *Error of the given class,
// keeping an already classified error untouched.
func wrapError(err error, class ErrorClass) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return NewError(err, err.Error(), class)
}

// indexErrors stamps the given record index on every error which doesn't carry
// one yet.
func indexErrors(errs []*Error, index int) {
	for _, err := range errs {
		if err.Index < 0 {
			err.Index = index
		}
	}
}

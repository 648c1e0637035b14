package ingest

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a reported error.
type ErrorKind string

const (
	Validation ErrorKind = "validation"
	Reference  ErrorKind = "reference"
	Conflict   ErrorKind = "conflict"
	Source     ErrorKind = "source"
	Store      ErrorKind = "store"
	Cancelled  ErrorKind = "cancelled"
)

// RecordError is one entry of the run report.
type RecordError struct {
	Key     string    `json:"key"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Key, e.Kind, e.Message)
}

// ReferenceError is raised when a record names a parent that is neither in
// the corpus nor in the store.
type ReferenceError struct {
	Key     string
	Missing string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("%s: %s does not exist", e.Key, e.Missing)
}

// StoreError wraps a statement or transaction failure. Exhausted is set
// once a transient failure has used up every retry attempt.
type StoreError struct {
	Key       string
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *StoreError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Key, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// TopicError reports that a topic's transaction was rolled back.
type TopicError struct {
	Topic string
	Err   error
}

func (e *TopicError) Error() string {
	return fmt.Sprintf("topic %s: %v", e.Topic, e.Err)
}

func (e *TopicError) Unwrap() error { return e.Err }

// Classify maps an error to its report kind.
func Classify(err error) ErrorKind {
	var ref *ReferenceError
	switch {
	case errors.As(err, &ref):
		return Reference
	case errors.Is(err, context.Canceled):
		return Cancelled
	}
	return Store
}

// recordError turns a topic failure into a report entry keyed by the
// record that caused it.
func recordError(topicKey string, err error) RecordError {
	key := topicKey
	var ref *ReferenceError
	var se *StoreError
	switch {
	case errors.As(err, &ref):
		key = ref.Key
	case errors.As(err, &se) && se.Key != "":
		key = se.Key
	}
	return RecordError{Key: key, Kind: Classify(err), Message: err.Error()}
}

package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrQueueNotFound = errors.New("queue not found")
	ErrJobNotFound   = errors.New("job not found")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNotRunning    = errors.New("dispatcher is not running")
)

type StoreConnectionError struct {
	Store string
	Err   error
}

func (e *StoreConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s store: %v", e.Store, e.Err)
}

func (e *StoreConnectionError) Unwrap() error {
	return e.Err
}

func IsStoreConnection(err error) bool {
	var sce *StoreConnectionError
	return errors.As(err, &sce)
}

type StoreOperationError struct {
	Operation string
	Err       error
}

func (e *StoreOperationError) Error() string {
	return fmt.Sprintf("store operation %s failed: %v", e.Operation, e.Err)
}

func (e *StoreOperationError) Unwrap() error {
	return e.Err
}

func IsStoreOperation(err error) bool {
	var soe *StoreOperationError
	return errors.As(err, &soe)
}

type HandlerNotFoundError struct {
	Kind string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for kind: %s", e.Kind)
}

func IsHandlerNotFound(err error) bool {
	var hnf *HandlerNotFoundError
	return errors.As(err, &hnf)
}

type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

func IsJobNotFound(err error) bool {
	var jnf *JobNotFoundError
	return errors.As(err, &jnf)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type TimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s timed out after %v", e.JobID, e.Timeout)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// PartialFailureError reports an operation that completed its primary effect
// but degraded one or more optional sub-operations. The dispatcher counts it
// as a success and surfaces the degraded list instead of retrying.
type PartialFailureError struct {
	Degraded []string
	Err      error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("completed with degraded sub-operations [%s]: %v",
		strings.Join(e.Degraded, ", "), e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

func IsPartialFailure(err error) bool {
	var pfe *PartialFailureError
	return errors.As(err, &pfe)
}

func AsPartialFailure(err error) (*PartialFailureError, bool) {
	var pfe *PartialFailureError
	if errors.As(err, &pfe) {
		return pfe, true
	}
	return nil, false
}

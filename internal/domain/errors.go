package domain

import "fmt"

// Error types for consistent error handling across the service.
// Classification, tagging and tracing never return these for data problems;
// they surface only from I/O boundaries (loaders, sinks, rule files, HTTP).

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService wraps errors from external collaborators.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error { return e.Err }

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrUnauthorized indicates a missing or invalid investigator token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrRuleFile indicates the rule tables file could not be read or parsed.
type ErrRuleFile struct {
	Path string
	Err  error
}

func (e *ErrRuleFile) Error() string {
	return fmt.Sprintf("rule tables %s: %v", e.Path, e.Err)
}

func (e *ErrRuleFile) Unwrap() error { return e.Err }

// ErrBusy indicates the analysis bulkhead is saturated.
type ErrBusy struct {
	Resource string
}

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("too many concurrent requests: %s", e.Resource)
}

package types

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrServiceNotFound indicates no service is bound to the requested port
	ErrServiceNotFound = errors.New("service not found")

	// ErrRouteNotFound indicates the requested route does not exist
	ErrRouteNotFound = errors.New("route not found")

	// ErrNoAliveTargets indicates every target of a cluster is marked dead
	ErrNoAliveTargets = errors.New("can not find alive host in the clusters")

	// ErrMissingMatcher indicates an HTTP route was configured without a path matcher
	ErrMissingMatcher = errors.New("the matcher could not be none for http")

	// ErrMissingAllowDenyValue indicates an Allow/Deny rule without an address
	ErrMissingAllowDenyValue = errors.New("the value could not be none when the limit_type is not AllowAll or DenyAll")

	// ErrNoRouteMatched indicates no route of the service accepted the request
	ErrNoRouteMatched = errors.New("no route matched")

	// ErrInvalidConfiguration indicates invalid configuration
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrStorageError indicates a persistence operation failed
	ErrStorageError = errors.New("storage error")

	// ErrNoPersistedConfig indicates the persistence backend holds no snapshot yet
	ErrNoPersistedConfig = errors.New("no persisted configuration")

	// ErrUnauthorized indicates authentication is required
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the request was rejected by the route policy
	ErrForbidden = errors.New("forbidden")

	// ErrListenerBind indicates no worker of a pool could bind its port
	ErrListenerBind = errors.New("failed to bind listener")

	// ErrInvalidWeight indicates an invalid weight value
	ErrInvalidWeight = errors.New("invalid weight value")
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// Is lets callers match any validation failure against ErrInvalidConfiguration.
func (e ValidationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// MultiError represents multiple errors
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors: %v", e.Errors)
}

// Unwrap exposes the collected errors to errors.Is and errors.As
func (e MultiError) Unwrap() []error {
	return e.Errors
}

// Add adds an error to the MultiError
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// ErrorOrNil returns nil when no error was collected
func (e *MultiError) ErrorOrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return *e
}

// ProxyError wraps an error with additional context
type ProxyError struct {
	Op      string // Operation that failed
	Service string // Service involved
	Err     error  // Original error
}

func (e ProxyError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Service, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e ProxyError) Unwrap() error {
	return e.Err
}

package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "recv", "query")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ValidationError marks a rejected argument. It is never retried and the
// circuit breaker does not record it as a failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

func (e *ValidationError) IsRetriable() bool {
	return false
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	// ErrConnectionFailed is returned when the feed connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrStreamClosed is returned when sending on a stream that was already completed.
	ErrStreamClosed = errors.New("stream closed")

	// ErrCallNotPermitted is returned by the circuit breaker while it rejects calls.
	ErrCallNotPermitted = errors.New("call not permitted")

	// ErrQueueFull is returned by bounded queues when an item is dropped.
	ErrQueueFull = errors.New("queue full")

	// ErrQueueClosed is returned by bounded queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")

	// ErrEmptyUniverse is returned when there is nothing to subscribe to.
	ErrEmptyUniverse = errors.New("instrument universe is empty")

	// ErrStoreUnavailable is returned when persistence cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

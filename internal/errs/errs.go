package errs

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrNotImage         = errors.New("not an image")
	ErrImageTooSmall    = errors.New("image too small")
	ErrNoFace           = errors.New("no face detected")
	ErrMultipleFaces    = errors.New("multiple faces detected")
)

// Kind categorizes an error by how the pipeline handles it.
type Kind string

const (
	KindConnection  Kind = "connection"
	KindTimeout     Kind = "timeout"
	KindValidation  Kind = "validation"
	KindCircuitOpen Kind = "circuit_open"
	KindNotFound    Kind = "not_found"
	KindAPI         Kind = "api"
	KindInternal    Kind = "internal"
)

// ScanError is a structured error for pipeline operations.
type ScanError struct {
	Kind       Kind
	Op         string // operation that failed (e.g. "crawl_page", "download_image")
	Platform   string // platform or provider name where the error occurred
	Err        error
	StatusCode int
	Timestamp  time.Time
	Retryable  bool
}

func (e *ScanError) Error() string {
	if e.Platform != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Platform, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is matching against the base sentinels.
func (e *ScanError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrConnectionFailed:
		return e.Kind == KindConnection
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	}
	return errors.Is(e.Err, target)
}

// New creates a ScanError with retryability derived from the kind.
func New(kind Kind, op, platform string, err error) *ScanError {
	return &ScanError{
		Kind:      kind,
		Op:        op,
		Platform:  platform,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind, err),
	}
}

// WithStatusCode attaches an HTTP status and refines retryability.
func (e *ScanError) WithStatusCode(code int) *ScanError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(kind Kind, err error) bool {
	switch kind {
	case KindConnection, KindTimeout:
		return true
	case KindValidation, KindNotFound, KindCircuitOpen:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput)
		}
		return true
	}
}

// WrapConnection wraps a connection error with operation context.
func WrapConnection(op, platform string, err error) error {
	return New(KindConnection, op, platform, err)
}

// WrapAPI wraps an upstream API error with its status code.
func WrapAPI(op, platform string, err error, statusCode int) error {
	return New(KindAPI, op, platform, err).WithStatusCode(statusCode)
}

// WrapValidation wraps a terminal validation failure.
func WrapValidation(op string, err error) error {
	return New(KindValidation, op, "", err)
}

// IsRetryable checks whether an error should be retried.
func IsRetryable(err error) bool {
	var scanErr *ScanError
	if errors.As(err, &scanErr) {
		return scanErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsCircuitOpen checks whether an error came from an open circuit breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

package voltstream

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error values returned by the engine
var (
	ErrUnknownStream    = errors.New("unknown stream")
	ErrStreamInactive   = errors.New("stream inactive")
	ErrSchemaValidation = errors.New("schema validation failed")
	ErrDuplicateStream  = errors.New("stream already exists")
	ErrDuplicateSchema  = errors.New("schema already exists")
	ErrDuplicateRule    = errors.New("rule already exists")
	ErrUnknownSchema    = errors.New("unknown schema")
	ErrUnknownRule      = errors.New("unknown rule")
	ErrUnknownSink      = errors.New("no sink registered for kind")
	ErrInvalidRule      = errors.New("invalid rule")
	ErrInvalidFilter    = errors.New("invalid filter")
	ErrQueueFull        = errors.New("processing queue full")
	ErrAlreadyRunning   = errors.New("engine already running")
	ErrNotRunning       = errors.New("engine not running")
)

// FieldViolation describes a single field that failed schema validation
type FieldViolation struct {
	Field  string
	Reason string
}

// ValidationError is returned synchronously by Publish when a payload
// does not satisfy the schema bound to the stream.
type ValidationError struct {
	StreamID   string
	SchemaID   string
	Violations []FieldViolation
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Reason))
	}
	return fmt.Sprintf("stream %s: schema %s: %s", e.StreamID, e.SchemaID, strings.Join(parts, "; "))
}

// Is reports ErrSchemaValidation as the sentinel for every ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}

// ConfigurationError reports a reference to an unknown or conflicting
// stream, rule, schema or sink.
type ConfigurationError struct {
	Kind string
	ID   string
	Err  error
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Kind, e.ID, e.Err)
}

// Unwrap returns the underlying error
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ProcessingError wraps a failure raised while matching, calculating or
// notifying inside the tick loop. It is recorded, never returned to producers.
type ProcessingError struct {
	Stage          string
	RuleID         string
	SubscriptionID string
	Err            error
}

// Error implements the error interface
func (e *ProcessingError) Error() string {
	owner := e.RuleID
	if owner == "" {
		owner = e.SubscriptionID
	}
	return fmt.Sprintf("%s failed for %s: %v", e.Stage, owner, e.Err)
}

// Unwrap returns the underlying error
func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// SinkError wraps a failure returned by an external sink
type SinkError struct {
	Kind   SinkKind
	Target string
	Err    error
}

// Error implements the error interface
func (e *SinkError) Error() string {
	return fmt.Sprintf("%s sink %q: %v", e.Kind, e.Target, e.Err)
}

// Unwrap returns the underlying error
func (e *SinkError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a payload validation failure
func IsValidation(err error) bool {
	return errors.Is(err, ErrSchemaValidation)
}

// IsConfiguration reports whether err refers to unknown or conflicting configuration
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsSink reports whether err originated in an external sink
func IsSink(err error) bool {
	var se *SinkError
	return errors.As(err, &se)
}

func configErr(kind, id string, err error) error {
	return &ConfigurationError{Kind: kind, ID: id, Err: err}
}

// Package errors provides the unified pipeline error taxonomy used to
// decide retry/admission/termination behavior across stages.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error for retry and routing decisions.
type Kind string

const (
	// TransientIO covers blob/tracking-store I/O failures expected to
	// succeed on retry (network blips, connection resets).
	TransientIO Kind = "TRANSIENT_IO"
	// TransientProvider covers provider-side failures that are expected
	// to clear (rate limiting, 5xx, timeouts).
	TransientProvider Kind = "TRANSIENT_PROVIDER"
	// PermanentSchema covers a provider response that cannot be coerced
	// into the expected schema no matter how many times it is retried.
	PermanentSchema Kind = "PERMANENT_SCHEMA"
	// PermanentInput covers malformed or unsupported input documents.
	PermanentInput Kind = "PERMANENT_INPUT"
	// Cancelled covers operator or caller cancellation.
	Cancelled Kind = "CANCELLED"
	// AdmissionRejected covers admission-time rejection (capacity,
	// dedup, quota).
	AdmissionRejected Kind = "ADMISSION_REJECTED"
	// Unknown covers anything that doesn't fit the taxonomy above; it is
	// treated conservatively as non-retryable.
	Unknown Kind = "UNKNOWN"
)

// retryable reports whether a Kind is, by definition, worth retrying.
var retryable = map[Kind]bool{
	TransientIO:       true,
	TransientProvider: true,
	PermanentSchema:   false,
	PermanentInput:    false,
	Cancelled:         false,
	AdmissionRejected: false,
	Unknown:           false,
}

// PipelineError is a structured error carrying a taxonomy Kind, the stage
// that produced it, and optional structured details.
type PipelineError struct {
	Kind    Kind                   `json:"kind"`
	Stage   string                 `json:"stage,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Kind, e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Stage, e.Message)
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the pipeline should retry the operation that
// produced this error.
func (e *PipelineError) Retryable() bool {
	return retryable[e.Kind]
}

// WithDetails attaches a structured detail key/value to the error.
func (e *PipelineError) WithDetails(key string, value interface{}) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a PipelineError with no wrapped cause.
func New(kind Kind, stage, message string) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Message: message}
}

// Wrap creates a PipelineError wrapping an existing error.
func Wrap(kind Kind, stage, message string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Message: message, Err: err}
}

// Constructors for common cases.

func TransientIOErr(stage string, err error) *PipelineError {
	return Wrap(TransientIO, stage, "transient I/O failure", err)
}

func TransientProviderErr(stage, provider string, err error) *PipelineError {
	return Wrap(TransientProvider, stage, "transient provider failure", err).
		WithDetails("provider", provider)
}

func PermanentSchemaErr(stage string, err error) *PipelineError {
	return Wrap(PermanentSchema, stage, "response did not conform to the expected schema", err)
}

func PermanentInputErr(stage, reason string) *PipelineError {
	return New(PermanentInput, stage, reason)
}

func CancelledErr(stage string) *PipelineError {
	return New(Cancelled, stage, "operation cancelled")
}

func AdmissionRejectedErr(reason string) *PipelineError {
	return New(AdmissionRejected, "", reason)
}

// Helper functions

// IsPipelineError reports whether err is (or wraps) a *PipelineError.
func IsPipelineError(err error) bool {
	var pe *PipelineError
	return errors.As(err, &pe)
}

// GetPipelineError extracts a *PipelineError from an error chain.
func GetPipelineError(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// KindOf returns the taxonomy Kind of err, or Unknown if err is not a
// *PipelineError.
func KindOf(err error) Kind {
	if pe := GetPipelineError(err); pe != nil {
		return pe.Kind
	}
	return Unknown
}

// IsRetryable reports whether err should be retried, per the taxonomy.
// Non-PipelineError errors are treated as non-retryable.
func IsRetryable(err error) bool {
	if pe := GetPipelineError(err); pe != nil {
		return pe.Retryable()
	}
	return false
}

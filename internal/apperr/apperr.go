// Package apperr defines the error kinds surfaced by the estimation pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindDataSource  Kind = "DATA_SOURCE"
	KindDataQuality Kind = "DATA_QUALITY"
	KindModelInput  Kind = "MODEL_INPUT"
	KindSampler     Kind = "SAMPLER"
	KindConfig      Kind = "CONFIG"
	KindStorage     Kind = "STORAGE"
)

// Error is a classified error with an optional underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		prefix += " " + e.Op + ":"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error of the given kind.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// DataSource reports a transport, format or schema failure while fetching.
func DataSource(op, message string, cause error) *Error {
	return New(KindDataSource, op, message, cause)
}

// DataQuality reports unusable observations: empty sets, bad dates, bad counts.
func DataQuality(op, message string, cause error) *Error {
	return New(KindDataQuality, op, message, cause)
}

// ModelInput reports a shape or sign violation in the sampler data contract.
func ModelInput(op, message string, cause error) *Error {
	return New(KindModelInput, op, message, cause)
}

// Sampler reports a compile or execution failure of the inference engine.
func Sampler(op, message string, cause error) *Error {
	return New(KindSampler, op, message, cause)
}

// Config reports an invalid or unreadable configuration.
func Config(op, message string, cause error) *Error {
	return New(KindConfig, op, message, cause)
}

// Storage reports a run-history database failure.
func Storage(op, message string, cause error) *Error {
	return New(KindStorage, op, message, cause)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err's chain holds an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

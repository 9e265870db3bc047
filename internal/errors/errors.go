// Package errors defines the harness error taxonomy and environment error summaries.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error by how the harness recovers from it.
type Kind string

const (
	KindValidation  Kind = "validation_error"
	KindProtocol    Kind = "protocol_error"
	KindEnvironment Kind = "environment_error"
	KindResource    Kind = "resource_error"
	KindTimeout     Kind = "timeout_error"
)

// Code identifies a specific failure within a Kind.
type Code string

const (
	CodeInvalidTaskFormat    Code = "InvalidTaskFormat"
	CodeUnknownBenchmark     Code = "UnknownBenchmark"
	CodeBenchmarkMismatch    Code = "BenchmarkMismatch"
	CodeSessionAlreadyActive Code = "SessionAlreadyActive"
	CodeNotInitialized       Code = "NotInitialized"
	CodeAlreadyInitialized   Code = "AlreadyInitialized"
	CodeInvalidAction        Code = "InvalidAction"
	CodeEmptyBatch           Code = "EmptyBatch"
	CodeBatchTooLarge        Code = "BatchTooLarge"
	CodeTaskCompleted        Code = "TaskCompleted"
	CodeToolLimitExceeded    Code = "ToolLimitExceeded"
	CodeActionTimeout        Code = "ActionTimeout"
	CodeEnvironmentFailure   Code = "EnvironmentFailure"
	CodeSessionClosed        Code = "SessionClosed"
	CodeUnreachable          Code = "Unreachable"
	CodeMalformedResponse    Code = "MalformedResponse"
	CodeUnknownMethod        Code = "UnknownMethod"
	CodeCleanupIncomplete    Code = "CleanupIncomplete"
	CodeDispatchFailed       Code = "DispatchFailed"
)

// NoIndex marks an error that does not refer to a batch position.
const NoIndex = -1

// Error is a classified harness error.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Index   int // batch index of the offending action, or NoIndex
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Index != NoIndex {
		msg = fmt.Sprintf("action %d: %s", e.Index, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind and Code so sentinel comparisons work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// New creates an error without a batch index.
func New(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Index: NoIndex}
}

// Wrap creates an error that wraps err.
func Wrap(kind Kind, code Code, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Index: NoIndex, Err: err}
}

// Validation creates a validation error for the action at index.
func Validation(code Code, index int, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...), Index: index}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidTaskFormat    = &Error{Kind: KindValidation, Code: CodeInvalidTaskFormat, Index: NoIndex}
	ErrUnknownBenchmark     = &Error{Kind: KindValidation, Code: CodeUnknownBenchmark, Index: NoIndex}
	ErrBenchmarkMismatch    = &Error{Kind: KindValidation, Code: CodeBenchmarkMismatch, Index: NoIndex}
	ErrSessionAlreadyActive = &Error{Kind: KindValidation, Code: CodeSessionAlreadyActive, Index: NoIndex}
	ErrNotInitialized       = &Error{Kind: KindValidation, Code: CodeNotInitialized, Index: NoIndex}
	ErrAlreadyInitialized   = &Error{Kind: KindValidation, Code: CodeAlreadyInitialized, Index: NoIndex}
	ErrSessionClosed        = &Error{Kind: KindEnvironment, Code: CodeSessionClosed, Index: NoIndex}
	ErrUnreachable          = &Error{Kind: KindProtocol, Code: CodeUnreachable, Index: NoIndex}
	ErrDispatchFailed       = &Error{Kind: KindProtocol, Code: CodeDispatchFailed, Index: NoIndex}
)

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// CodeOf returns the Code of err, or "" for unclassified errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// Retryable reports whether the caller may retry the operation that failed with err.
func Retryable(err error) bool {
	return KindOf(err) == KindProtocol
}

// Package domain defines the query model, compiled scopes, collaborator ports and
// errors shared by the compiler pipeline.
package domain

import "fmt"

// ValidationError indicates an illegal query shape (missing source, nested
// sub-query, disallowed sub-query content, malformed DTO).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// UnsupportedFeatureError indicates a function or operator the selected dialect
// cannot express.
type UnsupportedFeatureError struct {
	Message string
	Dialect string
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	if e.Dialect == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (dialect %s)", e.Message, e.Dialect)
}

// CompilationError indicates a query that is well-formed but cannot be compiled:
// measure cycles, unresolved field references, duplicate dimension tuples.
type CompilationError struct {
	Message string
}

func (e *CompilationError) Error() string { return e.Message }

// ExecutionError wraps an opaque failure of the execution collaborator.
type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string { return "execute query: " + e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrUnsupportedFeature creates an UnsupportedFeatureError for the given dialect
// and feature name.
func ErrUnsupportedFeature(dialect, feature, format string, args ...interface{}) *UnsupportedFeatureError {
	return &UnsupportedFeatureError{
		Message: fmt.Sprintf(format, args...),
		Dialect: dialect,
		Feature: feature,
	}
}

// ErrCompilation creates a CompilationError with a formatted message.
func ErrCompilation(format string, args ...interface{}) *CompilationError {
	return &CompilationError{Message: fmt.Sprintf(format, args...)}
}

// ErrExecution wraps an executor failure for the given SQL text.
func ErrExecution(sqlText string, err error) *ExecutionError {
	return &ExecutionError{SQL: sqlText, Err: err}
}

// Package errs provides structured error types and helpers for herald services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeConfiguration indicates a misconfigured resource or component. Always fatal.
	CodeConfiguration Code = "invalid_configuration"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeTransport indicates a hub or queue transport failure.
	CodeTransport Code = "transport"
	// CodeSerialization indicates a payload could not be produced.
	CodeSerialization Code = "serialization"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode refines a Code with a stable, machine-readable reason.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalUnknownOption indicates an option key outside the allowed set.
	CanonicalUnknownOption CanonicalCode = "unknown_option"
	// CanonicalInvalidPolicy indicates a policy that is neither a boolean nor an option map.
	CanonicalInvalidPolicy CanonicalCode = "invalid_policy"
	// CanonicalExpressionEngineMissing indicates an expression was found but no engine is configured.
	CanonicalExpressionEngineMissing CanonicalCode = "expression_engine_missing"
	// CanonicalExpressionFailed indicates the expression engine rejected or failed to run an expression.
	CanonicalExpressionFailed CanonicalCode = "expression_failed"
	// CanonicalHubNotFound indicates the requested hub is not registered.
	CanonicalHubNotFound CanonicalCode = "hub_not_found"
	// CanonicalVersionConflict indicates a compare-and-swap lost against a concurrent writer.
	CanonicalVersionConflict CanonicalCode = "version_conflict"
)

// E captures structured error information produced across herald.
type E struct {
	Component string
	Code      Code
	Canonical CanonicalCode
	Message   string
	Resource  string
	Option    string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Canonical: CanonicalUnknown,
		Message:   "",
		Resource:  "",
		Option:    "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithResource records the resource class the error relates to.
func WithResource(resource string) Option {
	trimmed := strings.TrimSpace(resource)
	return func(e *E) {
		e.Resource = trimmed
	}
}

// WithOption records the offending option key.
func WithOption(option string) Option {
	trimmed := strings.TrimSpace(option)
	return func(e *E) {
		e.Option = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Resource != "" {
		parts = append(parts, "resource="+strconv.Quote(e.Resource))
	}
	if e.Option != "" {
		parts = append(parts, "option="+strconv.Quote(e.Option))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries an *E with the provided code anywhere in its chain.
func Is(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// IsConfiguration reports whether err is a fatal configuration error.
func IsConfiguration(err error) bool { return Is(err, CodeConfiguration) }

// IsTransport reports whether err originated from a hub or queue transport.
func IsTransport(err error) bool { return Is(err, CodeTransport) }

// Canonical extracts the canonical code from err, or CanonicalUnknown.
func Canonical(err error) CanonicalCode {
	var e *E
	if !errors.As(err, &e) {
		return CanonicalUnknown
	}
	return e.Canonical
}

// Configuration returns a configuration error for the resource.
func Configuration(component, resource string, canonical CanonicalCode, msg string, opts ...Option) *E {
	base := []Option{
		WithResource(resource),
		WithCanonicalCode(canonical),
		WithMessage(msg),
	}
	return New(component, CodeConfiguration, append(base, opts...)...)
}

// Package apcerr defines the error taxonomy shared by every APC component.
//
// The coordinator, provider and executor all wrap underlying failures in a
// *Error carrying a Category so call sites can decide retry vs. immediate
// surface without string-matching error text.
package apcerr

import (
	"errors"
	"fmt"
)

// Category tags an error with the coarse-grained taxonomy from the error
// handling design: configuration, credential, network, authentication,
// rate-limit, provider-protocol, executor, sandbox-violation, timeout,
// scratchpad-full, planning-failed, cancellation.
type Category string

const (
	Configuration     Category = "configuration"
	Credential        Category = "credential"
	Network           Category = "network"
	Authentication    Category = "authentication"
	RateLimit         Category = "rate-limit"
	ProviderProtocol  Category = "provider-protocol"
	Executor          Category = "executor"
	SandboxViolation  Category = "sandbox-violation"
	Timeout           Category = "timeout"
	ScratchpadFull    Category = "scratchpad-full"
	PlanningFailed    Category = "planning-failed"
	Cancellation      Category = "cancellation"
	Unknown           Category = "unknown"
)

// retryable holds the categories the cross-cutting provider contract treats
// as idempotent and transient: network, rate-limit, provider-protocol
// 5xx-equivalents, and timeout. Everything else surfaces immediately.
var retryable = map[Category]bool{
	Network:          true,
	RateLimit:        true,
	ProviderProtocol: true,
	Timeout:          true,
}

// Error is the taxonomy-carrying error wrapper every APC component returns.
type Error struct {
	Category Category
	Op       string // the operation that failed, e.g. "refine-instruction"
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Category)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a category and the operation name, following the
// teacher's fmt.Errorf("role: %w", err) wrapping convention but attaching a
// structured category instead of relying on string prefixes.
func New(op string, cat Category, err error) *Error {
	return &Error{Op: op, Category: cat, Err: err}
}

// Newf builds a categorized error from a format string, with no underlying
// cause to wrap.
func Newf(op string, cat Category, format string, args ...any) *Error {
	return &Error{Op: op, Category: cat, Err: fmt.Errorf(format, args...)}
}

// CategoryOf extracts the category of err, walking the wrap chain. Returns
// Unknown if err does not carry one.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return Unknown
}

// Retryable reports whether err's category is subject to the bounded
// exponential-backoff retry policy described in the Model Provider contract.
func Retryable(err error) bool {
	return retryable[CategoryOf(err)]
}

// Is reports whether err's category equals cat, regardless of wrapping depth.
func Is(err error, cat Category) bool {
	return CategoryOf(err) == cat
}

/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The taxonomy mirrors how failures propagate:

  1. Over-allocation   - local to one allocation attempt; recorded, loop continues
  2. Unknown field     - a match rule names a field that does not exist;
                         rejected at rule-resolution time, before any invoice
                         is touched
  3. Transient store   - a collaborator is unreachable; propagates, the run
                         is recorded as an error and retried next cycle
  4. Configuration     - schedule config is invalid; fails fast

USAGE:
  Callers classify with errors.Is/errors.As:

    if errors.Is(err, ErrOverAllocation) { ... record and continue ... }
    if IsTransient(err) { ... do not advance the last-run timestamp ... }

SEE ALSO:
  - ledger.go: raises over-allocation errors
  - rules.go: raises unknown-field errors
  - runner.go: classifies errors at the top of each run
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOverAllocation is returned when an append would allocate more than
	// an order's total or a payment's amount. Local to one candidate.
	ErrOverAllocation = errors.New("allocation exceeds available balance")

	// ErrNonPositiveAmount is returned when an append carries a zero or
	// negative amount. Reconciliation amounts are strictly positive.
	ErrNonPositiveAmount = errors.New("reconciliation amount must be positive")

	// ErrUnknownField is returned when a match rule references an order
	// field the resolver does not know about.
	ErrUnknownField = errors.New("unknown order field")

	// ErrTransientStore is returned when an external store or builder is
	// unreachable. Such failures are retried on the next scheduled cycle.
	ErrTransientStore = errors.New("transient store failure")

	// ErrInvalidConfig is returned when required schedule configuration is
	// missing or out of range.
	ErrInvalidConfig = errors.New("invalid schedule configuration")

	// ErrConfigNotFound is returned when no schedule configuration exists
	// for the requested company.
	ErrConfigNotFound = errors.New("schedule configuration not found")

	// ErrInvoiceNotFound is returned when a referenced public invoice
	// does not exist.
	ErrInvoiceNotFound = errors.New("public invoice not found")

	// ErrOrderNotFound is returned when a referenced sales order does
	// not exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrPaymentNotFound is returned when a referenced payment does not
	// exist.
	ErrPaymentNotFound = errors.New("payment not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OverAllocationError describes which conservation invariant an append
// would have violated.
type OverAllocationError struct {
	Side      string // "order" or "payment"
	OrderID   OrderID
	PaymentID PaymentID
	Total     decimal.Decimal
	Allocated decimal.Decimal
	Requested decimal.Decimal
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("over-allocation on %s: total %s, already allocated %s, requested %s",
		e.Side, e.Total, e.Allocated, e.Requested)
}

func (e *OverAllocationError) Unwrap() error { return ErrOverAllocation }

// UnknownFieldError identifies the rule that references a missing field.
type UnknownFieldError struct {
	Rule  string
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("rule %q references unknown order field %q", e.Rule, e.Field)
}

func (e *UnknownFieldError) Unwrap() error { return ErrUnknownField }

// ConfigError reports a single invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// TransientError wraps a collaborator failure so callers can decide to
// retry on the next cycle instead of treating it as permanent.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return ErrTransientStore }

// Transient wraps err as a TransientError, nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation reports whether err is a per-candidate allocation rejection.
// These are recorded and skipped; they never abort a pass.
func IsValidation(err error) bool {
	return errors.Is(err, ErrOverAllocation) || errors.Is(err, ErrNonPositiveAmount)
}

// IsTransient reports whether err might succeed if the run is retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// IsConfig reports whether err is a fail-fast configuration problem.
func IsConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrUnknownField)
}

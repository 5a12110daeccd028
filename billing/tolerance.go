/*
tolerance.go - Amount comparison under a tolerance policy

PURPOSE:
  Decides whether two amounts are "equal enough". Downstream consumers use
  this to accept a fully-reconciled invoice whose allocated total differs
  from the document total by an acceptable margin (rounding, marketplace
  fees). The allocation loop itself never uses tolerance - it always works
  with exact remainders.

POLICIES:
  none     - amounts must match exactly
  fixed    - absolute difference up to a configured maximum
  percent  - difference up to a percentage of the expected amount

SEE ALSO:
  - schedule.go: ScheduleConfig carries the configured policy per company
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TOLERANCE POLICY
// =============================================================================

type ToleranceKind string

const (
	ToleranceNone    ToleranceKind = "none"
	ToleranceFixed   ToleranceKind = "fixed"
	TolerancePercent ToleranceKind = "percent"
)

// TolerancePolicy configures how much two amounts may diverge and still be
// considered equal. The zero value is the exact-match policy.
type TolerancePolicy struct {
	Kind       ToleranceKind
	MaxDiff    decimal.Decimal // for ToleranceFixed
	MaxPercent decimal.Decimal // for TolerancePercent, in [0, 100]
}

var hundred = decimal.NewFromInt(100)

// Validate rejects policies that can never be satisfied sensibly.
func (p TolerancePolicy) Validate() error {
	switch p.Kind {
	case "", ToleranceNone:
		return nil
	case ToleranceFixed:
		if p.MaxDiff.IsNegative() {
			return &ConfigError{Field: "tolerance.max_diff", Reason: "must not be negative"}
		}
	case TolerancePercent:
		if p.MaxPercent.IsNegative() || p.MaxPercent.GreaterThan(hundred) {
			return &ConfigError{Field: "tolerance.max_percent", Reason: "must be between 0 and 100"}
		}
	default:
		return &ConfigError{Field: "tolerance.kind", Reason: fmt.Sprintf("unknown kind %q", p.Kind)}
	}
	return nil
}

// WithinTolerance reports whether actual is acceptably close to expected.
// Pure function, no side effects.
func (p TolerancePolicy) WithinTolerance(expected, actual decimal.Decimal) bool {
	diff := expected.Sub(actual).Abs()

	switch p.Kind {
	case "", ToleranceNone:
		return diff.IsZero()
	case ToleranceFixed:
		return diff.LessThanOrEqual(p.MaxDiff)
	case TolerancePercent:
		if expected.IsZero() {
			return actual.IsZero()
		}
		pct := diff.Div(expected).Mul(hundred)
		return pct.LessThanOrEqual(p.MaxPercent)
	}
	return false
}

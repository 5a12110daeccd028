/*
schedule.go - Dual-loop schedule configuration and due checks

PURPOSE:
  One configuration record per company carries two independent parameter
  sets: a calendar window for invoice generation (run on day D at HH:MM,
  once per month) and an interval for reconciliation (run every N units).
  The due checks are pure functions of (config, now); the scheduler and
  the manual operator surface both go through them.

WINDOW SEMANTICS:
  The invoice loop fires only inside the exact configured minute, and only
  if it has not already fired in the current (month, year). A missed minute
  is NOT retried later in the month - if the host was down during the
  window, an operator clears LastInvoiceRun to re-arm it. That trade-off is
  deliberate: a late consolidated invoice dated mid-month is worse than an
  operator decision.

INTERVAL SEMANTICS:
  The reconciliation loop fires when it has never run, or when
  now >= last + count*unit. The timestamp advances after every completed
  run, including no-ops, so a quiet system does not re-trigger tightly.

SEE ALSO:
  - runner.go: the loop bodies
  - api/scheduler.go: the ticker that evaluates these checks
*/
package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// INTERVAL UNITS
// =============================================================================

type IntervalUnit string

const (
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
	UnitWeeks   IntervalUnit = "weeks"
)

// Minutes converts one unit to minutes. Unknown units fall back to hours,
// matching the defensive posture of the configuration UI this replaces.
func (u IntervalUnit) Minutes() int {
	switch u {
	case UnitMinutes:
		return 1
	case UnitHours:
		return 60
	case UnitDays:
		return 60 * 24
	case UnitWeeks:
		return 60 * 24 * 7
	}
	return 60
}

// =============================================================================
// PERIOD SELECTION - Which orders an invoice run picks up
// =============================================================================

type PeriodMode string

const (
	// PeriodTrailing selects the last PeriodDays days ending today.
	PeriodTrailing PeriodMode = "trailing"
	// PeriodRange selects an explicit [PeriodFrom, PeriodTo].
	PeriodRange PeriodMode = "range"
)

// =============================================================================
// SCHEDULE CONFIG - One record per company, passed explicitly
// =============================================================================

// ScheduleConfig is loaded once per invocation and passed down explicitly.
// It is never ambient state: whoever mutates the last-run timestamps must
// persist the change through the ConfigStore.
type ScheduleConfig struct {
	CompanyID CompanyID

	// PartnerID is the counter-partner consolidated invoices are issued to
	// and payment searches are scoped by.
	PartnerID string

	// Invoice-generation window.
	InvoiceEnabled bool
	InvoiceDay     int // 1-28
	InvoiceHour    int // 0-23
	InvoiceMinute  int // 0-59
	LastInvoiceRun *time.Time

	// Reconciliation interval.
	ReconcileEnabled bool
	ReconcileEvery   int
	ReconcileUnit    IntervalUnit
	LastReconcileRun *time.Time

	// Invoice period selection.
	PeriodMode PeriodMode
	PeriodDays int
	PeriodFrom *time.Time
	PeriodTo   *time.Time

	// Acceptance tolerance for fully-reconciled invoices.
	Tolerance TolerancePolicy

	// AutoPost posts the accounting document immediately after building it.
	AutoPost bool

	// NotifyEmail receives run summaries when set. Best effort.
	NotifyEmail string
}

// Validate fails fast on configuration that would make a run meaningless.
// Called before any invoice is touched.
func (c ScheduleConfig) Validate() error {
	if c.CompanyID == "" {
		return &ConfigError{Field: "company_id", Reason: "is required"}
	}
	if c.InvoiceEnabled {
		if c.InvoiceDay < 1 || c.InvoiceDay > 28 {
			return &ConfigError{Field: "invoice_day", Reason: "must be between 1 and 28"}
		}
		if c.InvoiceHour < 0 || c.InvoiceHour > 23 {
			return &ConfigError{Field: "invoice_hour", Reason: "must be between 0 and 23"}
		}
		if c.InvoiceMinute < 0 || c.InvoiceMinute > 59 {
			return &ConfigError{Field: "invoice_minute", Reason: "must be between 0 and 59"}
		}
	}
	if c.ReconcileEnabled && c.ReconcileEvery < 1 {
		return &ConfigError{Field: "reconcile_every", Reason: "must be at least 1"}
	}
	switch c.PeriodMode {
	case "", PeriodTrailing:
		if c.PeriodDays < 0 {
			return &ConfigError{Field: "period_days", Reason: "must not be negative"}
		}
	case PeriodRange:
		if c.PeriodFrom == nil || c.PeriodTo == nil {
			return &ConfigError{Field: "period_from/period_to", Reason: "are required for an explicit range"}
		}
		if c.PeriodFrom.After(*c.PeriodTo) {
			return &ConfigError{Field: "period_from", Reason: "must not be after period_to"}
		}
	default:
		return &ConfigError{Field: "period_mode", Reason: fmt.Sprintf("unknown mode %q", c.PeriodMode)}
	}
	return c.Tolerance.Validate()
}

// InvoiceWindowDue reports whether the invoice-generation loop should run
// now: inside the configured minute and not already run this month.
func (c ScheduleConfig) InvoiceWindowDue(now time.Time) bool {
	if !c.InvoiceEnabled {
		return false
	}
	if now.Day() != c.InvoiceDay || now.Hour() != c.InvoiceHour || now.Minute() != c.InvoiceMinute {
		return false
	}
	if last := c.LastInvoiceRun; last != nil {
		if last.Month() == now.Month() && last.Year() == now.Year() {
			return false
		}
	}
	return true
}

// ReconciliationDue reports whether the reconciliation loop should run now.
func (c ScheduleConfig) ReconciliationDue(now time.Time) bool {
	if !c.ReconcileEnabled {
		return false
	}
	last := c.LastReconcileRun
	if last == nil {
		return true
	}
	interval := time.Duration(c.ReconcileEvery*c.ReconcileUnit.Minutes()) * time.Minute
	return !now.Before(last.Add(interval))
}

// Period resolves the order-selection window for an invoice run.
func (c ScheduleConfig) Period(now time.Time) (from, to time.Time, err error) {
	if c.PeriodMode == PeriodRange {
		if c.PeriodFrom == nil || c.PeriodTo == nil {
			return from, to, &ConfigError{Field: "period_from/period_to", Reason: "are required for an explicit range"}
		}
		return *c.PeriodFrom, *c.PeriodTo, nil
	}
	days := c.PeriodDays
	if days == 0 {
		days = 7
	}
	to = now
	from = now.AddDate(0, 0, -days)
	return from, to, nil
}

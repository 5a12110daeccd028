/*
stores.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and everything it does not own.
  Orders, payments, accounting documents, and notifications belong to
  external subsystems - the engine consumes their contracts and must not
  reimplement them. Reconciliations, executions, public invoices, match
  rules, and the schedule configuration are the engine's own state.

APPEND-ONLY CONTRACT:
  ReconciliationStore has no update and no delete. Corrections to the
  ledger are out of scope by design: a wrong allocation is fixed upstream
  (cancel the document, rebuild) - never by editing history.

IMPLEMENTATIONS:
  - store/sqlite: production persistence for the engine-owned state
  - billing/store: in-memory implementations of everything, including
    fake order/payment stores, for tests and local runs

SEE ALSO:
  - ledger.go: balance derivation over ReconciliationStore
  - runner.go: orchestrates all of these per run
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// EXTERNAL COLLABORATORS - consumed, never reimplemented
// =============================================================================

// OrderStore reads sales orders from the external sales subsystem.
type OrderStore interface {
	// SearchEligible returns orders for the company created inside
	// [from, to] that are not yet invoiced. Result order is creation order.
	SearchEligible(ctx context.Context, company CompanyID, from, to time.Time) ([]Order, error)

	// MarkInvoiced records that the orders now belong to a public invoice
	// so later eligibility searches exclude them.
	MarkInvoiced(ctx context.Context, ids []OrderID) error

	// Get returns one order by ID.
	Get(ctx context.Context, id OrderID) (Order, error)
}

// PaymentQuery is the predicate built from a FieldMatchRule. The store
// decides how to evaluate it; the engine only promises that candidate
// ordering is deterministic (creation order).
type PaymentQuery struct {
	Field     string
	Value     string
	Mode      MatchMode
	PartnerID string
}

// PaymentStore reads inbound payments from the external payments subsystem.
type PaymentStore interface {
	// Search returns candidate payments matching the query, in creation
	// order. Only posted inbound payments are returned.
	Search(ctx context.Context, q PaymentQuery) ([]Payment, error)

	// Get returns one payment by ID. The ledger uses it for conservation
	// checks on append.
	Get(ctx context.Context, id PaymentID) (Payment, error)
}

// InvoiceBuilder creates and posts the consolidated accounting document.
// Document construction (lines, taxes, numbering) is entirely its concern.
type InvoiceBuilder interface {
	BuildConsolidated(ctx context.Context, company CompanyID, orders []Order) (documentID string, err error)
	Post(ctx context.Context, documentID string) error
}

// NotificationSender delivers run summaries. Best effort: failures are
// logged and never fail the run.
type NotificationSender interface {
	Send(ctx context.Context, recipient string, exec Execution) error
}

// RuleProvider returns the active field-match rules for a company,
// ordered by ascending sequence.
type RuleProvider interface {
	ActiveRules(ctx context.Context, company CompanyID) ([]FieldMatchRule, error)
}

// =============================================================================
// ENGINE-OWNED STATE
// =============================================================================

// ReconciliationStore persists ledger rows. APPEND-ONLY: no update, no
// delete, ever.
type ReconciliationStore interface {
	AppendReconciliation(ctx context.Context, rec Reconciliation) error

	// ForInvoice returns all rows for one public invoice, oldest first.
	ForInvoice(ctx context.Context, invoiceID InvoiceID) ([]Reconciliation, error)

	// ForPayment returns all rows consuming one payment, across every
	// invoice, oldest first.
	ForPayment(ctx context.Context, paymentID PaymentID) ([]Reconciliation, error)
}

// InvoiceStore persists public invoice records and their order snapshots.
type InvoiceStore interface {
	SaveInvoice(ctx context.Context, inv PublicInvoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (PublicInvoice, error)

	// Pending returns invoices in state invoiced or partial for the
	// company, oldest first.
	Pending(ctx context.Context, company CompanyID) ([]PublicInvoice, error)

	// SetState records the derived state after a reconciliation pass.
	SetState(ctx context.Context, id InvoiceID, state InvoiceState) error
}

// ExecutionStore persists the audit trail of runs. Executions are created
// once, finished once, and never deleted.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec Execution) error
	FinishExecution(ctx context.Context, exec Execution) error
	ListExecutions(ctx context.Context, company CompanyID, limit int) ([]Execution, error)
}

// ConfigStore persists the per-company schedule configuration.
type ConfigStore interface {
	GetConfig(ctx context.Context, company CompanyID) (ScheduleConfig, error)
	SaveConfig(ctx context.Context, cfg ScheduleConfig) error

	// Companies lists every company with a stored configuration. The
	// scheduler iterates them on each tick.
	Companies(ctx context.Context) ([]CompanyID, error)
}

/*
Package billing provides the payment-to-order reconciliation engine.

PURPOSE:
  This package contains the core types and algorithms for matching money
  received (payments) against sales transactions (orders) grouped under a
  consolidated "public" invoice. Allocation records form an append-only
  ledger; every balance is derived by summing over it, never by mutating
  a running total stored elsewhere. That derivation is what makes the
  engine safe to re-run at any time.

KEY CONCEPTS IN THIS FILE (types.go):
  - Order: external sales transaction to be reconciled
  - Payment: external money-received transaction that can fund orders
  - PublicInvoice: a batch of orders billed together in one document
  - Reconciliation: one immutable allocation of a payment amount to an order
  - Execution: audit record of one scheduled or manual run

DESIGN PRINCIPLES:
  1. Immutability: Reconciliation records are never updated or deleted
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing order/payment IDs
  4. Derivation: invoice state and all balances are recomputed, not stored

SEE ALSO:
  - ledger.go: Balance queries and invariant-checked appends
  - engine.go: The allocation algorithm
  - schedule.go: The dual control-loop configuration
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrderID string
type PaymentID string
type InvoiceID string
type CompanyID string

// =============================================================================
// ORDER - External sales transaction (owned by the sales subsystem)
// =============================================================================

// Order is a read-only view of a sales transaction. The engine never
// mutates orders; it only reads their totals and lookup keys.
type Order struct {
	ID          OrderID
	Name        string
	CompanyID   CompanyID
	AmountTotal decimal.Decimal

	// Keys holds named business fields used for payment matching, e.g.
	// marketplace order IDs or client references. Which keys are legal
	// match sources is controlled by the field resolver (rules.go).
	Keys map[string]string
}

// Key returns a named lookup key, empty string if absent.
func (o Order) Key(name string) string {
	if o.Keys == nil {
		return ""
	}
	return o.Keys[name]
}

// =============================================================================
// PAYMENT - External money-received transaction (owned by payments subsystem)
// =============================================================================

// Payment is a read-only view of an inbound payment. A payment may fund
// many orders across many invoices; its available balance is its amount
// minus everything the ledger has already allocated from it.
type Payment struct {
	ID        PaymentID
	Name      string
	PartnerID string
	Amount    decimal.Decimal
	Keys      map[string]string

	// CreatedAt orders candidates deterministically when several payments
	// match the same rule.
	CreatedAt time.Time
}

// Key returns a named lookup key. "name" always resolves to the payment
// number so rules can match against it like any other field.
func (p Payment) Key(name string) string {
	if name == "name" {
		return p.Name
	}
	if p.Keys == nil {
		return ""
	}
	return p.Keys[name]
}

// =============================================================================
// PUBLIC INVOICE - A batch of orders billed in one consolidated document
// =============================================================================

type InvoiceState string

const (
	StateDraft      InvoiceState = "draft"      // orders selected, no document yet
	StateInvoiced   InvoiceState = "invoiced"   // accounting document attached
	StatePartial    InvoiceState = "partial"    // some orders still unreconciled
	StateReconciled InvoiceState = "reconciled" // every order fully allocated
	StateCancelled  InvoiceState = "cancelled"
)

// PublicInvoice groups the orders created within a date window for one
// company. State is derived from the ledger and recomputed after every
// reconciliation pass; the allocation engine is the only writer.
type PublicInvoice struct {
	ID        InvoiceID
	Name      string
	CompanyID CompanyID

	// PartnerID is the counter-partner the consolidated document is issued
	// to; payment searches are scoped to it.
	PartnerID string

	DateFrom time.Time
	DateTo   time.Time

	// DocumentID references the accounting document created by the external
	// invoice builder. Empty while the invoice is a draft.
	DocumentID string

	State     InvoiceState
	Orders    []Order
	CreatedAt time.Time
}

// Label identifies the invoice in logs and run summaries. Names are
// assigned at generation time; anything else falls back to the ID.
func (inv PublicInvoice) Label() string {
	if inv.Name != "" {
		return inv.Name
	}
	return string(inv.ID)
}

// TotalAmount sums the order totals.
func (inv PublicInvoice) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, o := range inv.Orders {
		total = total.Add(o.AmountTotal)
	}
	return total
}

// =============================================================================
// RECONCILIATION - One immutable allocation of a payment amount to an order
// =============================================================================

// Reconciliation is a single ledger row. Never updated, never deleted.
// All order and payment balances are derived by summing these rows.
type Reconciliation struct {
	ID           string
	InvoiceID    InvoiceID
	OrderID      OrderID
	PaymentID    PaymentID
	MatchedField string
	MatchedValue string
	Amount       decimal.Decimal
	CreatedAt    time.Time
}

// =============================================================================
// EXECUTION - Audit record of one scheduled or manual run
// =============================================================================

type ExecutionType string

const (
	ExecInvoice        ExecutionType = "invoice"
	ExecReconciliation ExecutionType = "reconciliation"
)

type ExecutionState string

const (
	ExecRunning ExecutionState = "running"
	ExecDone    ExecutionState = "done"
	ExecError   ExecutionState = "error"
)

// Execution is created at the start of a run and finished at the end.
// Rows are never deleted; together they form the operational audit trail.
type Execution struct {
	ID        string
	CompanyID CompanyID
	Type      ExecutionType
	Manual    bool
	State     ExecutionState

	// Result is a human-readable multi-line summary suitable for direct
	// display or export.
	Result string

	OrdersFound      int
	OrdersProcessed  int
	ReconciledCount  int
	ReconciledAmount decimal.Decimal
	ErrorCount       int

	// InvoiceID references the public invoice an invoice-generation run
	// produced, when it produced one.
	InvoiceID InvoiceID

	StartedAt  time.Time
	FinishedAt *time.Time
}

// Duration returns the run time, zero while still running.
func (e Execution) Duration() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

/*
ledger.go - Balance derivation and invariant-checked appends

PURPOSE:
  The ledger is the single source of truth for how much of every order and
  payment has been allocated. Balances are always computed fresh from
  storage at the start of a run - never cached across runs - which is what
  makes re-execution idempotent even when other actors append rows between
  runs.

CRITICAL INVARIANTS (checked on every append):
  1. sum(rows for order O)   <= O.AmountTotal
  2. sum(rows for payment P) <= P.Amount
  3. row amounts are strictly positive
  4. APPEND-ONLY: rows are never updated or deleted

The engine is expected to never request an over-allocation; the checks here
are the backstop for races with concurrent writers.

SEE ALSO:
  - engine.go: the only producer of ledger rows
  - stores.go: ReconciliationStore, the raw persistence contract
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger answers balance questions and appends allocation rows.
type Ledger interface {
	// ReconciledForOrder sums existing allocations for one order, scoped
	// to the invoice being processed.
	ReconciledForOrder(ctx context.Context, invoiceID InvoiceID, orderID OrderID) (decimal.Decimal, error)

	// ReconciledForPayment sums existing allocations for one payment,
	// across every invoice.
	ReconciledForPayment(ctx context.Context, paymentID PaymentID) (decimal.Decimal, error)

	// OrderTotals returns the per-order allocated sums for one invoice in
	// a single read. Used to seed the engine's session caches.
	OrderTotals(ctx context.Context, invoiceID InvoiceID) (map[OrderID]decimal.Decimal, error)

	// Append writes one immutable row after re-checking both conservation
	// invariants against current storage.
	Append(ctx context.Context, rec Reconciliation, order Order) error
}

// =============================================================================
// DEFAULT LEDGER - Implementation over ReconciliationStore
// =============================================================================

type DefaultLedger struct {
	Recs     ReconciliationStore
	Payments PaymentStore
}

func NewLedger(recs ReconciliationStore, payments PaymentStore) *DefaultLedger {
	return &DefaultLedger{Recs: recs, Payments: payments}
}

func (l *DefaultLedger) ReconciledForOrder(ctx context.Context, invoiceID InvoiceID, orderID OrderID) (decimal.Decimal, error) {
	rows, err := l.Recs.ForInvoice(ctx, invoiceID)
	if err != nil {
		return decimal.Zero, Transient("load reconciliations for invoice", err)
	}
	total := decimal.Zero
	for _, r := range rows {
		if r.OrderID == orderID {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}

func (l *DefaultLedger) ReconciledForPayment(ctx context.Context, paymentID PaymentID) (decimal.Decimal, error) {
	rows, err := l.Recs.ForPayment(ctx, paymentID)
	if err != nil {
		return decimal.Zero, Transient("load reconciliations for payment", err)
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Amount)
	}
	return total, nil
}

func (l *DefaultLedger) OrderTotals(ctx context.Context, invoiceID InvoiceID) (map[OrderID]decimal.Decimal, error) {
	rows, err := l.Recs.ForInvoice(ctx, invoiceID)
	if err != nil {
		return nil, Transient("load reconciliations for invoice", err)
	}
	totals := make(map[OrderID]decimal.Decimal)
	for _, r := range rows {
		totals[r.OrderID] = totals[r.OrderID].Add(r.Amount)
	}
	return totals, nil
}

// Append validates and persists one row. The order is passed in because
// the engine already holds it; the payment is re-read so the payment-side
// check sees the freshest total.
func (l *DefaultLedger) Append(ctx context.Context, rec Reconciliation, order Order) error {
	if !rec.Amount.IsPositive() {
		return ErrNonPositiveAmount
	}

	orderAllocated, err := l.ReconciledForOrder(ctx, rec.InvoiceID, rec.OrderID)
	if err != nil {
		return err
	}
	if orderAllocated.Add(rec.Amount).GreaterThan(order.AmountTotal) {
		return &OverAllocationError{
			Side:      "order",
			OrderID:   rec.OrderID,
			PaymentID: rec.PaymentID,
			Total:     order.AmountTotal,
			Allocated: orderAllocated,
			Requested: rec.Amount,
		}
	}

	payment, err := l.Payments.Get(ctx, rec.PaymentID)
	if err != nil {
		return Transient("load payment", err)
	}
	paymentAllocated, err := l.ReconciledForPayment(ctx, rec.PaymentID)
	if err != nil {
		return err
	}
	if paymentAllocated.Add(rec.Amount).GreaterThan(payment.Amount) {
		return &OverAllocationError{
			Side:      "payment",
			OrderID:   rec.OrderID,
			PaymentID: rec.PaymentID,
			Total:     payment.Amount,
			Allocated: paymentAllocated,
			Requested: rec.Amount,
		}
	}

	if err := l.Recs.AppendReconciliation(ctx, rec); err != nil {
		return Transient("append reconciliation", err)
	}
	return nil
}

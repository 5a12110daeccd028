/*
engine.go - The allocation algorithm

PURPOSE:
  For one public invoice, maximize the money matched between its orders and
  all available payments without violating the two conservation invariants
  and without double-counting work recorded by a previous run.

ALGORITHM (per invoice):
  1. Seed in-memory session caches from the ledger so partially-reconciled
     state from earlier runs is respected from the first iteration.
  2. For each order with a positive remainder, walk the match rules in
     sequence order; for each rule, search candidate payments and allocate
     min(orderRemaining, paymentRemaining) greedily, appending one ledger
     row per allocation.
  3. Recompute and persist the invoice's derived state.

WHY GREEDY:
  A payment can fund many orders (1->N) and an order can be funded by many
  payments (N->1). Amounts are additive and there is no preference beyond
  rule sequence, so "first match wins, smallest remaining balance
  constrains the amount" respects both invariants without a combinatorial
  matching search. Candidate ties break in query order, which the payment
  store keeps deterministic (creation order).

FAILURE SEMANTICS:
  One rejected append is recorded and the loop continues - a single bad
  candidate must never abort the whole pass. A failed payment search
  aborts only that rule. Anything escaping the per-invoice pass is the
  caller's problem (runner.go records it on the Execution).

SEE ALSO:
  - ledger.go: balance seeding and invariant-checked appends
  - rules.go: rule resolution (happens before the engine runs)
  - runner.go: drives the engine across all pending invoices
*/
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RESULTS - Per-attempt outcomes collected into a run-level report
// =============================================================================

// AllocationFailure records one rejected or failed allocation attempt.
// Failures are data, not control flow: the pass continues past them.
type AllocationFailure struct {
	OrderID   OrderID
	PaymentID PaymentID
	Rule      string
	Amount    decimal.Decimal
	Err       error
}

// ReconcileResult summarizes one per-invoice pass.
type ReconcileResult struct {
	InvoiceID        InvoiceID
	NewRows          int
	ReconciledAmount decimal.Decimal
	State            InvoiceState
	Failures         []AllocationFailure
}

// =============================================================================
// ALLOCATION ENGINE
// =============================================================================

type AllocationEngine struct {
	Ledger   Ledger
	Payments PaymentStore
	Invoices InvoiceStore
	Log      zerolog.Logger

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewAllocationEngine(ledger Ledger, payments PaymentStore, invoices InvoiceStore, log zerolog.Logger) *AllocationEngine {
	return &AllocationEngine{
		Ledger:   ledger,
		Payments: payments,
		Invoices: invoices,
		Log:      log.With().Str("component", "allocation-engine").Logger(),
		Now:      time.Now,
	}
}

// ReconcileInvoice runs one full allocation pass and persists the derived
// invoice state. Safe to call repeatedly: with no new payments and no
// order changes it appends zero rows. The tolerance policy only affects
// the derived state: allocations themselves are always exact.
func (e *AllocationEngine) ReconcileInvoice(ctx context.Context, inv PublicInvoice, rules []ResolvedRule, tol TolerancePolicy) (ReconcileResult, error) {
	result, err := e.run(ctx, inv, rules, tol)
	if err != nil {
		return result, err
	}
	if err := e.Invoices.SetState(ctx, inv.ID, result.State); err != nil {
		return result, Transient("update invoice state", err)
	}
	return result, nil
}

// PreviewInvoice runs the identical pass without writing anything: no
// ledger rows, no state update. Used by the operator dry-run surface.
func (e *AllocationEngine) PreviewInvoice(ctx context.Context, inv PublicInvoice, rules []ResolvedRule, tol TolerancePolicy) (ReconcileResult, []Reconciliation, error) {
	return e.preview(ctx, inv, rules, tol)
}

func (e *AllocationEngine) run(ctx context.Context, inv PublicInvoice, rules []ResolvedRule, tol TolerancePolicy) (ReconcileResult, error) {
	result := ReconcileResult{InvoiceID: inv.ID, ReconciledAmount: decimal.Zero}

	// Session caches, discarded when the pass ends. orderUsed starts from
	// the persisted per-order totals. The payment side is split in two:
	// paymentBase snapshots the persisted total once, on first sight of
	// each payment, and paymentUsed tracks what this pass consumes. Rows
	// appended during the pass must only be counted via paymentUsed, never
	// re-read from the ledger, or the balance drains at double speed.
	orderUsed, err := e.Ledger.OrderTotals(ctx, inv.ID)
	if err != nil {
		return result, err
	}
	paymentBase := make(map[PaymentID]decimal.Decimal)
	paymentUsed := make(map[PaymentID]decimal.Decimal)

	anyRemaining := false
	for _, order := range inv.Orders {
		remaining := order.AmountTotal.Sub(orderUsed[order.ID])
		if !remaining.IsPositive() {
			continue
		}

		e.Log.Debug().
			Str("invoice", string(inv.ID)).
			Str("order", order.Name).
			Str("remaining", remaining.String()).
			Msg("processing order")

		remaining = e.allocateOrder(ctx, inv, order, rules, remaining, orderUsed, paymentBase, paymentUsed, &result)
		// A shortfall inside the tolerance still counts as settled.
		if remaining.IsPositive() && !tol.WithinTolerance(order.AmountTotal, orderUsed[order.ID]) {
			anyRemaining = true
		}
	}

	if anyRemaining {
		result.State = StatePartial
	} else {
		result.State = StateReconciled
	}
	return result, nil
}

// allocateOrder walks the rules for one order and returns its remainder.
func (e *AllocationEngine) allocateOrder(
	ctx context.Context,
	inv PublicInvoice,
	order Order,
	rules []ResolvedRule,
	remaining decimal.Decimal,
	orderUsed map[OrderID]decimal.Decimal,
	paymentBase map[PaymentID]decimal.Decimal,
	paymentUsed map[PaymentID]decimal.Decimal,
	result *ReconcileResult,
) decimal.Decimal {
	for _, rule := range rules {
		if !remaining.IsPositive() {
			break
		}

		value := rule.Value(order)
		if value == "" {
			continue
		}

		candidates, err := e.Payments.Search(ctx, rule.Query(value, inv.PartnerID))
		if err != nil {
			// A broken search aborts only this rule.
			e.Log.Warn().Err(err).Str("rule", rule.Name).Str("order", order.Name).
				Msg("payment search failed, skipping rule")
			result.Failures = append(result.Failures, AllocationFailure{
				OrderID: order.ID, Rule: rule.Name, Err: Transient("search payments", err),
			})
			continue
		}

		for _, payment := range candidates {
			if !remaining.IsPositive() {
				break
			}

			available, err := e.paymentRemaining(ctx, payment, paymentBase, paymentUsed)
			if err != nil {
				result.Failures = append(result.Failures, AllocationFailure{
					OrderID: order.ID, PaymentID: payment.ID, Rule: rule.Name, Err: err,
				})
				continue
			}
			if !available.IsPositive() {
				continue
			}

			amount := decimal.Min(remaining, available)
			rec := Reconciliation{
				ID:           uuid.NewString(),
				InvoiceID:    inv.ID,
				OrderID:      order.ID,
				PaymentID:    payment.ID,
				MatchedField: rule.Name,
				MatchedValue: value,
				Amount:       amount,
				CreatedAt:    e.Now().UTC(),
			}

			if err := e.Ledger.Append(ctx, rec, order); err != nil {
				// One failed allocation never aborts the pass.
				e.Log.Warn().Err(err).
					Str("order", order.Name).
					Str("payment", string(payment.ID)).
					Msg("allocation rejected")
				result.Failures = append(result.Failures, AllocationFailure{
					OrderID: order.ID, PaymentID: payment.ID, Rule: rule.Name,
					Amount: amount, Err: err,
				})
				continue
			}

			paymentUsed[payment.ID] = paymentUsed[payment.ID].Add(amount)
			orderUsed[order.ID] = orderUsed[order.ID].Add(amount)
			remaining = remaining.Sub(amount)
			result.NewRows++
			result.ReconciledAmount = result.ReconciledAmount.Add(amount)

			e.Log.Info().
				Str("order", order.Name).
				Str("payment", string(payment.ID)).
				Str("amount", amount.String()).
				Str("rule", rule.Name).
				Msg("allocated")
		}
	}
	return remaining
}

// paymentRemaining combines the persisted total, snapshotted once per pass,
// with this-run usage. The snapshot keeps rows appended by this pass out of
// the persisted side; they are already accounted for in paymentUsed.
func (e *AllocationEngine) paymentRemaining(ctx context.Context, payment Payment, paymentBase, paymentUsed map[PaymentID]decimal.Decimal) (decimal.Decimal, error) {
	persisted, ok := paymentBase[payment.ID]
	if !ok {
		var err error
		persisted, err = e.Ledger.ReconciledForPayment(ctx, payment.ID)
		if err != nil {
			return decimal.Zero, err
		}
		paymentBase[payment.ID] = persisted
	}
	return payment.Amount.Sub(persisted).Sub(paymentUsed[payment.ID]), nil
}

// preview runs the identical pass against a ledger that collects rows
// instead of persisting them.
func (e *AllocationEngine) preview(ctx context.Context, inv PublicInvoice, rules []ResolvedRule, tol TolerancePolicy) (ReconcileResult, []Reconciliation, error) {
	// The dry pass still walks the real ledger for balances, so the
	// preview is exactly what the next wet pass would do.
	var proposed []Reconciliation
	collector := &collectingLedger{Ledger: e.Ledger, out: &proposed}
	engine := &AllocationEngine{
		Ledger:   collector,
		Payments: e.Payments,
		Invoices: e.Invoices,
		Log:      e.Log,
		Now:      e.Now,
	}
	result, err := engine.run(ctx, inv, rules, tol)
	return result, proposed, err
}

// collectingLedger records appends instead of persisting them. Balance
// reads pass through to the real ledger; rows proposed earlier in the
// same preview are covered by the engine's session caches.
type collectingLedger struct {
	Ledger
	out *[]Reconciliation
}

func (c *collectingLedger) Append(_ context.Context, rec Reconciliation, _ Order) error {
	*c.out = append(*c.out, rec)
	return nil
}

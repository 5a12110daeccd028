package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	mem      *store.Memory
	payments *store.Payments
	ledger   *billing.DefaultLedger
	engine   *billing.AllocationEngine
	resolver *billing.FieldResolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	payments := store.NewPayments()
	ledger := billing.NewLedger(mem, payments)
	engine := billing.NewAllocationEngine(ledger, payments, mem, zerolog.Nop())
	engine.Now = func() time.Time {
		return time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)
	}
	return &fixture{
		mem:      mem,
		payments: payments,
		ledger:   ledger,
		engine:   engine,
		resolver: billing.NewFieldResolver(),
	}
}

func (f *fixture) rules(t *testing.T, rules ...billing.FieldMatchRule) []billing.ResolvedRule {
	t.Helper()
	resolved, err := billing.ResolveRules(rules, f.resolver)
	require.NoError(t, err)
	return resolved
}

func mlRule(seq int) billing.FieldMatchRule {
	return billing.FieldMatchRule{
		Name: "by-ml-order", OrderField: "ml_order_id", PaymentField: "order_id",
		Mode: billing.MatchExact, Sequence: seq, Active: true,
	}
}

func mlOrder(id billing.OrderID, total, mlID string) billing.Order {
	return billing.Order{
		ID: id, Name: "SO-" + string(id), AmountTotal: dec(total),
		Keys: map[string]string{"ml_order_id": mlID},
	}
}

func mlPayment(id billing.PaymentID, amount, orderID string, created time.Time) billing.Payment {
	return billing.Payment{
		ID: id, Name: "PAY-" + string(id), PartnerID: "mp-partner",
		Amount: dec(amount), Keys: map[string]string{"order_id": orderID},
		CreatedAt: created,
	}
}

func (f *fixture) saveInvoice(t *testing.T, inv billing.PublicInvoice) billing.PublicInvoice {
	t.Helper()
	require.NoError(t, f.mem.SaveInvoice(context.Background(), inv))
	return inv
}

// =============================================================================
// GREEDY ALLOCATION
// =============================================================================

func TestEngine_SplitsOrderAcrossPayments(t *testing.T) {
	// GIVEN: A 100 order and two matching payments of 60 and 50
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	f.payments.Add(mlPayment("pay-1", "60.00", "ML-1", base))
	f.payments.Add(mlPayment("pay-2", "50.00", "ML-1", base.Add(time.Hour)))

	inv := f.saveInvoice(t, billing.PublicInvoice{
		ID: "inv-1", Name: "PUB-1", PartnerID: "mp-partner", State: billing.StateInvoiced,
		Orders: []billing.Order{mlOrder("ord-1", "100.00", "ML-1")},
	})

	// WHEN: Reconciling
	result, err := f.engine.ReconcileInvoice(ctx, inv, f.rules(t, mlRule(10)), billing.TolerancePolicy{})
	require.NoError(t, err)

	// THEN: 60 from the older payment, 40 from the newer, 10 left on pay-2
	assert.Equal(t, 2, result.NewRows)
	assert.True(t, result.ReconciledAmount.Equal(dec("100.00")), "got %s", result.ReconciledAmount)
	assert.Equal(t, billing.StateReconciled, result.State)
	assert.Empty(t, result.Failures)

	used1, err := f.ledger.ReconciledForPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, used1.Equal(dec("60.00")))

	used2, err := f.ledger.ReconciledForPayment(ctx, "pay-2")
	require.NoError(t, err)
	assert.True(t, used2.Equal(dec("40.00")))

	stored, err := f.mem.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StateReconciled, stored.State)
}

func TestEngine_OnePaymentFundsManyOrders(t *testing.T) {
	// GIVEN: A single 100 payment matching two orders of 60 and 40
	f := newFixture(t)
	ctx := context.Background()
	pay := billing.Payment{
		ID: "pay-1", PartnerID: "mp-partner", Amount: dec("100.00"),
		Keys:      map[string]string{"order_id": "PACK-9"},
		CreatedAt: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
	f.payments.Add(pay)

	inv := f.saveInvoice(t, billing.PublicInvoice{
		ID: "inv-1", PartnerID: "mp-partner", State: billing.StateInvoiced,
		Orders: []billing.Order{
			mlOrder("ord-1", "60.00", "PACK-9"),
			mlOrder("ord-2", "40.00", "PACK-9"),
		},
	})

	// WHEN: Reconciling
	result, err := f.engine.ReconcileInvoice(ctx, inv, f.rules(t, mlRule(10)), billing.TolerancePolicy{})
	require.NoError(t, err)

	// THEN: Both orders fully funded, payment fully consumed
	assert.Equal(t, 2, result.NewRows)
	assert.Equal(t, billing.StateReconciled, result.State)

	used, err := f.ledger.ReconciledForPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, used.Equal(dec("100.00")))
}

func TestEngine_PartialWhenPaymentsRunOut(t *testing.T) {
	// GIVEN: A 100 order and only 30 of matching money
	f := newFixture(t)
	ctx := context.Background()
	f.payments.Add(mlPayment("pay-1", "30.00", "ML-1", time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)))

	inv := f.saveInvoice(t, billing.PublicInvoice{
		ID: "inv-1", PartnerID: "mp-partner", State: billing.StateInvoiced,
		Orders: []billing.Order{mlOrder("ord-1", "100.00", "ML-1")},
	})

	result, err := f.engine.ReconcileInvoice(ctx, inv, f.rules(t, mlRule(10)), billing.TolerancePolicy{})
	require.NoError(t, err)

	// THEN: One row, partial state persisted
	assert.Equal(t, 1, result.NewRows)
	assert.True(t, result.ReconciledAmount.Equal(dec("30.00")))
	assert.Equal(t, billing.StatePartial, result.State)

	stored, err := f.mem.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatePartial, stored.State)
}

// =============================================================================
// IDEMPOTENT RE-EXECUTION
// =============================================================================

func TestEngine_RerunAppendsNothingNew(t *testing.T) {
	// GIVEN: An invoice already fully reconciled by a first pass
	f := newFixture(t)
	ctx := context.Background()
	f.payments.Add(mlPayment("pay-1", "100.00", "ML-1", time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)))

	inv := f.saveInvoice(t, billing.PublicInvoice{
		ID: "inv-1", PartnerID: "mp-partner", State: billing.StateInvoiced,
		Orders: []billing.Order{mlOrder("ord-1", "100.00", "ML-1")},
	})
	rules := f.rules(t, mlRule(10))

	first, err := f.engine.ReconcileInvoice(ctx, inv, rules, billing.TolerancePolicy{})
	require.NoError(t, err)
	require.Equal(t, 1, first.NewRows)

	// WHEN: Running again with nothing changed
	second, err := f.engine.ReconcileInvoice(ctx, inv, rules, billing.TolerancePolicy{})
	require.NoError(t, err)

	// THEN: Zero rows, totals unchanged, state stays reconciled
	assert.Equal(t, 0, second.NewRows)
	assert.True(t, second.ReconciledAmount.IsZero())
	assert.Equal(t, billing.StateReconciled, second.State)

	rows, err := f.mem.ForInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestEngine_RerunPicksUpNewMoneyOnly(t *testing.T) {
	// GIVEN: A first pass that left 70 open on the order
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	f.payments.Add(mlPayment("pay-1", "30.00", "ML-1", base))

	inv := f.saveInvoice(t, billing.PublicInvoice{
		ID: "inv-1", PartnerID: "mp-partner", State: billing.StateInvoiced,
		Orders: []billing.Order{mlOrder("ord-1", "100.00", "ML-1")},
	})
	rules := f.rules(t, mlRule(10))

	_, err := f.engine.ReconcileInvoice(ctx, inv, rules, billing.TolerancePolicy{})
	require.NoError(t, err)

	// WHEN: A new payment arrives and the pass runs again
	f.payments.Add(mlPayment("pay-2", "70.00", "ML-1", base.Add(time.Hour)))
	second, err := f.engine.ReconcileInvoice(ctx, inv, rules, billing.TolerancePolicy{})
	require.NoError(t, err)

	// THEN: Only the new 70 is allocated and the invoice closes
	assert.Equal(t, 1, second.NewRows)
	assert.True(t, second.ReconciledAmount.Equal(dec("70.00")))
	assert.Equal(t, billing.StateReconciled, second.State)
}

// =============================================================================
// RULE SEQUENCE AND FAILURE ISOLATION
// =============================================================================

func TestEngine_LaterRulesOnlyRunOnLeftovers(t *testing.T) {
	// GIVEN: A first rule that fully funds the order and a second rule
	// whose candidate must stay untouched
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	f.payments.Add(mlPayment("pay-1", "100.00", "ML-1", base))
	f.payments.Add(billing.Payment{
		ID: "pay-2", PartnerID: "mp-partner", Amount: dec("500.00"),
		Keys: map[string]string{"reference": "SO-ord-1"}, CreatedAt: base,
	})

	inv := f.saveInvoice(t, billing.PublicInvoice{
		ID: "inv-1", PartnerID: "mp-partner", State: billing.StateInvoiced,
		Orders: []billing.Order{mlOrder("ord-1", "100.00", "ML-1")},
	})
	rules := f.rules(t,
		mlRule(10),
		billing.FieldMatchRule{
			Name: "by-name", OrderField: "name", PaymentField: "reference",
			Mode: billing.MatchContains, Sequence: 20, Active: true,
		},
	)

	result, err := f.engine.ReconcileInvoice(ctx, inv, rules, billing.TolerancePolicy{})
	require.NoError(t, err)

	assert.Equal(t, billing.StateReconciled, result.State)
	used, err := f.ledger.ReconciledForPayment(ctx, "pay-2")
	require.NoError(t, err)
	assert.True(t, used.IsZero(), "fallback payment must not be consumed")
}

// flakySearch fails searches on one payment field and delegates the rest.
type flakySearch struct {
	*store.Payments
	failField string
}

func (f *flakySearch) Search(ctx context.Context, q billing.PaymentQuery) ([]billing.Payment, error) {
	if q.Field == f.failField {
		return nil, errors.New("payment backend unavailable")
	}
	return f.Payments.Search(ctx, q)
}

func TestEngine_BrokenSearchSkipsRuleNotPass(t *testing.T) {
	// GIVEN: The first rule's search fails, the second rule can still match
	f := newFixture(t)
	ctx := context.Background()
	payments := &flakySearch{Payments: f.payments, failField: "order_id"}
	f.engine.Payments = payments
	f.payments.Add(billing.Payment{
		ID: "pay-1", PartnerID: "mp-partner", Amount: dec("100.00"),
		Keys:      map[string]string{"reference": "SO-ord-1"},
		CreatedAt: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
	})

	inv := f.saveInvoice(t, billing.PublicInvoice{
		ID: "inv-1", PartnerID: "mp-partner", State: billing.StateInvoiced,
		Orders: []billing.Order{mlOrder("ord-1", "100.00", "ML-1")},
	})
	rules := f.rules(t,
		mlRule(10),
		billing.FieldMatchRule{
			Name: "by-name", OrderField: "name", PaymentField: "reference",
			Mode: billing.MatchContains, Sequence: 20, Active: true,
		},
	)

	// WHEN: Reconciling
	result, err := f.engine.ReconcileInvoice(ctx, inv, rules, billing.TolerancePolicy{})
	require.NoError(t, err)

	// THEN: The failure is recorded and the fallback rule still closed
	// the order
	assert.Equal(t, billing.StateReconciled, result.State)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "by-ml-order", result.Failures[0].Rule)
	assert.True(t, billing.IsTransient(result.Failures[0].Err))
	assert.Equal(t, 1, result.NewRows)
}

// =============================================================================
// PREVIEW
// =============================================================================

func TestEngine_PreviewWritesNothing(t *testing.T) {
	// GIVEN: A reconcilable invoice
	f := newFixture(t)
	ctx := context.Background()
	f.payments.Add(mlPayment("pay-1", "100.00", "ML-1", time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)))

	inv := f.saveInvoice(t, billing.PublicInvoice{
		ID: "inv-1", PartnerID: "mp-partner", State: billing.StateInvoiced,
		Orders: []billing.Order{mlOrder("ord-1", "100.00", "ML-1")},
	})

	// WHEN: Previewing
	result, proposed, err := f.engine.PreviewInvoice(ctx, inv, f.rules(t, mlRule(10)), billing.TolerancePolicy{})
	require.NoError(t, err)

	// THEN: The proposal matches a wet run, but nothing was persisted
	assert.Equal(t, 1, result.NewRows)
	require.Len(t, proposed, 1)
	assert.True(t, proposed[0].Amount.Equal(dec("100.00")))

	rows, err := f.mem.ForInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Empty(t, rows)

	stored, err := f.mem.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StateInvoiced, stored.State, "preview must not change state")
}

func TestEngine_ToleranceSettlesSmallShortfall(t *testing.T) {
	// GIVEN: A 100.00 order and only 99.98 of matching money
	f := newFixture(t)
	ctx := context.Background()
	f.payments.Add(mlPayment("pay-1", "99.98", "ML-1", time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)))

	inv := f.saveInvoice(t, billing.PublicInvoice{
		ID: "inv-1", PartnerID: "mp-partner", State: billing.StateInvoiced,
		Orders: []billing.Order{mlOrder("ord-1", "100.00", "ML-1")},
	})
	rules := f.rules(t, mlRule(10))

	// WHEN: Reconciling with a 0.05 fixed tolerance
	tol := billing.TolerancePolicy{Kind: billing.ToleranceFixed, MaxDiff: dec("0.05")}
	result, err := f.engine.ReconcileInvoice(ctx, inv, rules, tol)
	require.NoError(t, err)

	// THEN: The allocation is exact, but the shortfall counts as settled
	assert.True(t, result.ReconciledAmount.Equal(dec("99.98")))
	assert.Equal(t, billing.StateReconciled, result.State)

	// A strict policy on the same data derives partial
	inv2 := f.saveInvoice(t, billing.PublicInvoice{
		ID: "inv-2", PartnerID: "mp-partner", State: billing.StateInvoiced,
		Orders: []billing.Order{mlOrder("ord-2", "100.00", "ML-2")},
	})
	f.payments.Add(mlPayment("pay-2", "99.98", "ML-2", time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)))
	result, err = f.engine.ReconcileInvoice(ctx, inv2, rules, billing.TolerancePolicy{})
	require.NoError(t, err)
	assert.Equal(t, billing.StatePartial, result.State)
}

func TestEngine_PreviewMatchesWetRunForSharedPayment(t *testing.T) {
	// GIVEN: One payment that must fund two orders in the same pass
	f := newFixture(t)
	ctx := context.Background()
	f.payments.Add(billing.Payment{
		ID: "pay-1", PartnerID: "mp-partner", Amount: dec("100.00"),
		Keys:      map[string]string{"order_id": "PACK-7"},
		CreatedAt: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
	})
	inv := f.saveInvoice(t, billing.PublicInvoice{
		ID: "inv-1", PartnerID: "mp-partner", State: billing.StateInvoiced,
		Orders: []billing.Order{
			mlOrder("ord-1", "60.00", "PACK-7"),
			mlOrder("ord-2", "40.00", "PACK-7"),
		},
	})
	rules := f.rules(t, mlRule(10))

	// WHEN: Previewing, then running for real
	dry, proposed, err := f.engine.PreviewInvoice(ctx, inv, rules, billing.TolerancePolicy{})
	require.NoError(t, err)
	wet, err := f.engine.ReconcileInvoice(ctx, inv, rules, billing.TolerancePolicy{})
	require.NoError(t, err)

	// THEN: The dry pass promised exactly what the wet pass delivered
	assert.Equal(t, wet.NewRows, dry.NewRows)
	assert.Equal(t, 2, wet.NewRows)
	assert.Equal(t, wet.State, dry.State)
	assert.Equal(t, billing.StateReconciled, wet.State)
	assert.True(t, dry.ReconciledAmount.Equal(wet.ReconciledAmount))
	require.Len(t, proposed, 2)
}

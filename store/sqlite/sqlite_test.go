package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSQLite_ReconciliationRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)

	recs := []billing.Reconciliation{
		{ID: "r1", InvoiceID: "inv-1", OrderID: "ord-1", PaymentID: "pay-1",
			MatchedField: "by-ml-order", MatchedValue: "ML-1", Amount: dec("60.00"), CreatedAt: at},
		{ID: "r2", InvoiceID: "inv-1", OrderID: "ord-1", PaymentID: "pay-2",
			MatchedField: "by-ml-order", MatchedValue: "ML-1", Amount: dec("40.00"), CreatedAt: at.Add(time.Second)},
		{ID: "r3", InvoiceID: "inv-2", OrderID: "ord-9", PaymentID: "pay-2",
			MatchedField: "by-name", MatchedValue: "SO-9", Amount: dec("5.50"), CreatedAt: at.Add(2 * time.Second)},
	}
	for _, r := range recs {
		require.NoError(t, s.AppendReconciliation(ctx, r))
	}

	byInvoice, err := s.ForInvoice(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, byInvoice, 2)
	assert.Equal(t, "r1", byInvoice[0].ID, "oldest first")
	assert.True(t, byInvoice[0].Amount.Equal(dec("60.00")))
	assert.Equal(t, "ML-1", byInvoice[0].MatchedValue)

	byPayment, err := s.ForPayment(ctx, "pay-2")
	require.NoError(t, err)
	require.Len(t, byPayment, 2)
	assert.Equal(t, billing.InvoiceID("inv-1"), byPayment[0].InvoiceID)
	assert.Equal(t, billing.InvoiceID("inv-2"), byPayment[1].InvoiceID)
}

func TestSQLite_InvoiceRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	inv := billing.PublicInvoice{
		ID: "inv-1", Name: "PUB-20260301", CompanyID: "co-1", PartnerID: "mp-partner",
		DateFrom: at.AddDate(0, 0, -7), DateTo: at,
		DocumentID: "DOC-1", State: billing.StateInvoiced,
		Orders: []billing.Order{
			{ID: "ord-1", Name: "SO-1", CompanyID: "co-1", AmountTotal: dec("60.00"),
				Keys: map[string]string{"ml_order_id": "ML-1"}},
			{ID: "ord-2", Name: "SO-2", CompanyID: "co-1", AmountTotal: dec("40.00")},
		},
		CreatedAt: at,
	}
	require.NoError(t, s.SaveInvoice(ctx, inv))

	got, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, inv.Name, got.Name)
	assert.Equal(t, inv.DocumentID, got.DocumentID)
	require.Len(t, got.Orders, 2)
	assert.Equal(t, "ML-1", got.Orders[0].Key("ml_order_id"))
	assert.True(t, got.TotalAmount().Equal(dec("100.00")))

	// State flows through Pending until the invoice closes
	pending, err := s.Pending(ctx, "co-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Len(t, pending[0].Orders, 2)

	require.NoError(t, s.SetState(ctx, "inv-1", billing.StateReconciled))
	pending, err = s.Pending(ctx, "co-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err = s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StateReconciled, got.State)

	_, err = s.GetInvoice(ctx, "inv-nope")
	require.ErrorIs(t, err, billing.ErrInvoiceNotFound)
	require.ErrorIs(t, s.SetState(ctx, "inv-nope", billing.StatePartial), billing.ErrInvoiceNotFound)
}

func TestSQLite_ExecutionRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	started := time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)

	exec := billing.Execution{
		ID: "e1", CompanyID: "co-1", Type: billing.ExecReconciliation,
		State: billing.ExecRunning, ReconciledAmount: decimal.Zero, StartedAt: started,
	}
	require.NoError(t, s.CreateExecution(ctx, exec))

	finished := started.Add(3 * time.Second)
	exec.State = billing.ExecDone
	exec.Result = "Processed 2 of 2 invoices."
	exec.OrdersProcessed = 2
	exec.ReconciledCount = 3
	exec.ReconciledAmount = dec("100.00")
	exec.FinishedAt = &finished
	require.NoError(t, s.FinishExecution(ctx, exec))

	require.NoError(t, s.CreateExecution(ctx, billing.Execution{
		ID: "e2", CompanyID: "co-1", Type: billing.ExecInvoice, Manual: true,
		State: billing.ExecRunning, ReconciledAmount: decimal.Zero,
		StartedAt: started.Add(time.Minute),
	}))

	list, err := s.ListExecutions(ctx, "co-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "e2", list[0].ID, "newest first")
	assert.Equal(t, "e1", list[1].ID)
	assert.Equal(t, billing.ExecDone, list[1].State)
	assert.True(t, list[1].ReconciledAmount.Equal(dec("100.00")))
	require.NotNil(t, list[1].FinishedAt)
	assert.Equal(t, 3*time.Second, list[1].Duration())
}

func TestSQLite_ConfigRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.GetConfig(ctx, "co-1")
	require.ErrorIs(t, err, billing.ErrConfigNotFound)

	lastRun := time.Date(2026, time.February, 5, 3, 30, 0, 0, time.UTC)
	cfg := billing.ScheduleConfig{
		CompanyID:        "co-1",
		PartnerID:        "mp-partner",
		InvoiceEnabled:   true,
		InvoiceDay:       5,
		InvoiceHour:      3,
		InvoiceMinute:    30,
		LastInvoiceRun:   &lastRun,
		ReconcileEnabled: true,
		ReconcileEvery:   4,
		ReconcileUnit:    billing.UnitHours,
		PeriodMode:       billing.PeriodTrailing,
		PeriodDays:       14,
		Tolerance: billing.TolerancePolicy{
			Kind: billing.ToleranceFixed, MaxDiff: dec("0.05"), MaxPercent: decimal.Zero,
		},
		AutoPost:    true,
		NotifyEmail: "billing@example.com",
	}
	require.NoError(t, s.SaveConfig(ctx, cfg))

	got, err := s.GetConfig(ctx, "co-1")
	require.NoError(t, err)
	assert.Equal(t, cfg.PartnerID, got.PartnerID)
	assert.Equal(t, 5, got.InvoiceDay)
	require.NotNil(t, got.LastInvoiceRun)
	assert.True(t, got.LastInvoiceRun.Equal(lastRun))
	assert.Nil(t, got.LastReconcileRun)
	assert.Equal(t, billing.ToleranceFixed, got.Tolerance.Kind)
	assert.True(t, got.Tolerance.MaxDiff.Equal(dec("0.05")))
	assert.True(t, got.AutoPost)
	require.NoError(t, got.Validate())

	// Upsert keeps one row per company
	got.ReconcileEvery = 8
	require.NoError(t, s.SaveConfig(ctx, got))
	companies, err := s.Companies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []billing.CompanyID{"co-1"}, companies)

	got, err = s.GetConfig(ctx, "co-1")
	require.NoError(t, err)
	assert.Equal(t, 8, got.ReconcileEvery)
}

func TestSQLite_RuleRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rules := []billing.FieldMatchRule{
		{CompanyID: "co-1", Name: "by-origin", OrderField: "origin", PaymentField: "reference",
			Mode: billing.MatchContains, Sequence: 20, Active: true},
		{CompanyID: "co-1", Name: "by-ml-order", OrderField: "ml_order_id", PaymentField: "order_id",
			Mode: billing.MatchExact, Sequence: 10, Active: true},
		{CompanyID: "co-1", Name: "disabled", OrderField: "name", PaymentField: "memo",
			Sequence: 5, Active: false},
		{CompanyID: "co-2", Name: "other-company", OrderField: "name", PaymentField: "memo",
			Sequence: 1, Active: true},
	}
	for _, r := range rules {
		require.NoError(t, s.SaveRule(ctx, r))
	}

	active, err := s.ActiveRules(ctx, "co-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "by-ml-order", active[0].Name, "sequence order")
	assert.Equal(t, "by-origin", active[1].Name)

	// Upsert by (company, name)
	update := rules[1]
	update.Sequence = 30
	require.NoError(t, s.SaveRule(ctx, update))
	active, err = s.ActiveRules(ctx, "co-1")
	require.NoError(t, err)
	assert.Equal(t, "by-ml-order", active[1].Name)
}

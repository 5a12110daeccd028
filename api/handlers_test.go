/*
handlers_test.go - Unit tests for API handlers

Tests cover:
- manual run endpoints and the execution audit trail
- invoice lookups and ledger row listing
- reconciliation preview (no writes)
- configuration validation over HTTP
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	memstore "github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type apiFixture struct {
	mem      *memstore.Memory
	orders   *memstore.Orders
	payments *memstore.Payments
	runner   *billing.Runner
	router   http.Handler
	now      time.Time
}

type staticBuilder struct{}

func (staticBuilder) BuildConsolidated(context.Context, billing.CompanyID, []billing.Order) (string, error) {
	return "DOC-1", nil
}
func (staticBuilder) Post(context.Context, string) error { return nil }

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mem := memstore.NewMemory()
	orders := memstore.NewOrders()
	payments := memstore.NewPayments()
	resolver := billing.NewFieldResolver()
	now := time.Date(2026, time.April, 10, 12, 0, 0, 0, time.UTC)

	engine := billing.NewAllocationEngine(billing.NewLedger(mem, payments), payments, mem, zerolog.Nop())
	engine.Now = func() time.Time { return now }

	runner := &billing.Runner{
		Configs:    mem,
		Orders:     orders,
		Builder:    staticBuilder{},
		Invoices:   mem,
		Executions: mem,
		Rules:      mem,
		Resolver:   resolver,
		Engine:     engine,
		Log:        zerolog.Nop(),
		Now:        func() time.Time { return now },
	}

	h := &Handler{
		Configs:    mem,
		Invoices:   mem,
		Recs:       mem,
		Executions: mem,
		Rules:      mem,
		Runner:     runner,
		Engine:     engine,
		Resolver:   resolver,
		Log:        zerolog.Nop(),
	}

	cfg := billing.ScheduleConfig{
		CompanyID:        "co-1",
		PartnerID:        "mp-partner",
		ReconcileEnabled: true,
		ReconcileEvery:   4,
		ReconcileUnit:    billing.UnitHours,
	}
	require.NoError(t, mem.SaveConfig(context.Background(), cfg))
	mem.SetRules("co-1", []billing.FieldMatchRule{{
		Name: "by-ml-order", OrderField: "ml_order_id", PaymentField: "order_id",
		Mode: billing.MatchExact, Sequence: 10, Active: true, CompanyID: "co-1",
	}})

	return &apiFixture{
		mem: mem, orders: orders, payments: payments,
		runner: runner, router: NewRouter(h), now: now,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func (f *apiFixture) seedInvoice(t *testing.T) billing.PublicInvoice {
	t.Helper()
	inv := billing.PublicInvoice{
		ID: "inv-1", Name: "PUB-1", CompanyID: "co-1", PartnerID: "mp-partner",
		State: billing.StateInvoiced,
		Orders: []billing.Order{{
			ID: "ord-1", Name: "SO-1", CompanyID: "co-1",
			AmountTotal: decimal.RequireFromString("100.00"),
			Keys:        map[string]string{"ml_order_id": "ML-1"},
		}},
		CreatedAt: f.now.Add(-time.Hour),
	}
	require.NoError(t, f.mem.SaveInvoice(context.Background(), inv))
	return inv
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

func TestAPI_TriggerReconciliationRun(t *testing.T) {
	// GIVEN: A pending invoice and a payment covering it
	f := newAPIFixture(t)
	f.seedInvoice(t)
	f.payments.Add(billing.Payment{
		ID: "pay-1", PartnerID: "mp-partner",
		Amount: decimal.RequireFromString("100.00"),
		Keys:   map[string]string{"order_id": "ML-1"},
	})

	// WHEN: Triggering a manual run
	w := f.do(t, http.MethodPost, "/api/runs/reconciliation", RunRequest{CompanyID: "co-1"})

	// THEN: The execution reports the allocation and is marked manual
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	exec := decodeJSON[ExecutionDTO](t, w)
	assert.Equal(t, "done", exec.State)
	assert.True(t, exec.Manual)
	assert.Equal(t, 1, exec.ReconciledCount)
	assert.Equal(t, "100.00", exec.ReconciledAmount)

	// And the audit trail shows it
	w = f.do(t, http.MethodGet, "/api/executions?company_id=co-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	execs := decodeJSON[[]ExecutionDTO](t, w)
	require.Len(t, execs, 1)
	assert.Equal(t, "reconciliation", execs[0].Type)
}

func TestAPI_TriggerRunUnknownCompany(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/runs/reconciliation", RunRequest{CompanyID: "co-nope"})

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_TriggerRunRequiresCompany(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/runs/invoice", RunRequest{})

	require.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// INVOICE ENDPOINTS
// =============================================================================

func TestAPI_InvoiceLookup(t *testing.T) {
	f := newAPIFixture(t)
	f.seedInvoice(t)

	w := f.do(t, http.MethodGet, "/api/invoices/inv-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	inv := decodeJSON[InvoiceDTO](t, w)
	assert.Equal(t, "PUB-1", inv.Name)
	assert.Equal(t, "100.00", inv.TotalAmount)
	require.Len(t, inv.Orders, 1)

	w = f.do(t, http.MethodGet, "/api/invoices/inv-nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/invoices?company_id=co-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeJSON[[]InvoiceDTO](t, w)
	require.Len(t, list, 1)
}

func TestAPI_PreviewWritesNothing(t *testing.T) {
	// GIVEN: A fundable pending invoice
	f := newAPIFixture(t)
	f.seedInvoice(t)
	f.payments.Add(billing.Payment{
		ID: "pay-1", PartnerID: "mp-partner",
		Amount: decimal.RequireFromString("100.00"),
		Keys:   map[string]string{"order_id": "ML-1"},
	})

	// WHEN: Previewing
	w := f.do(t, http.MethodPost, "/api/preview/reconciliation", PreviewRequest{InvoiceID: "inv-1"})

	// THEN: The proposal is reported but no ledger rows exist
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	preview := decodeJSON[PreviewResponse](t, w)
	assert.Equal(t, 1, preview.NewRows)
	assert.Equal(t, "reconciled", preview.State)
	require.Len(t, preview.Proposed, 1)

	w = f.do(t, http.MethodGet, "/api/invoices/inv-1/reconciliations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rows := decodeJSON[[]ReconciliationDTO](t, w)
	assert.Empty(t, rows)
}

// =============================================================================
// CONFIGURATION ENDPOINTS
// =============================================================================

func TestAPI_ConfigRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	dto := ConfigDTO{
		PartnerID:        "mp-partner",
		InvoiceEnabled:   true,
		InvoiceDay:       5,
		InvoiceHour:      3,
		InvoiceMinute:    30,
		ReconcileEnabled: true,
		ReconcileEvery:   2,
		ReconcileUnit:    "hours",
	}
	w := f.do(t, http.MethodPut, "/api/config/co-2", dto)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/config/co-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON[ConfigDTO](t, w)
	assert.Equal(t, "co-2", got.CompanyID)
	assert.Equal(t, 5, got.InvoiceDay)
	assert.Equal(t, "hours", got.ReconcileUnit)
}

func TestAPI_ConfigValidationOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	// Day 29 can skip February entirely; the API must reject it
	dto := ConfigDTO{InvoiceEnabled: true, InvoiceDay: 29}
	w := f.do(t, http.MethodPut, "/api/config/co-2", dto)

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeJSON[ErrorResponse](t, w)
	assert.Contains(t, resp.Details, "invoice_day")
}

func TestAPI_ListRules(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/rules?company_id=co-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rules := decodeJSON[[]RuleDTO](t, w)
	require.Len(t, rules, 1)
	assert.Equal(t, "by-ml-order", rules[0].Name)
}

/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the reconciliation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Runs:
    POST   /api/runs/invoice          Trigger an invoice-generation run
    POST   /api/runs/reconciliation   Trigger a reconciliation run
    GET    /api/executions            Run audit trail

  Invoices:
    GET    /api/invoices                         Pending invoices
    GET    /api/invoices/{id}                    One invoice
    GET    /api/invoices/{id}/reconciliations    Its ledger rows
    POST   /api/preview/reconciliation           Dry reconciliation pass

  Configuration:
    GET    /api/config/{company}      Schedule configuration
    PUT    /api/config/{company}      Replace schedule configuration
    GET    /api/rules                 Active match rules

MANUAL RUNS:
  The run endpoints bypass the due-checks but share everything else with
  the scheduler: same Runner, same Execution audit trail, same timestamp
  policy. A manual run advances the last-run timestamps.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid configuration
  - 404: Unknown company or invoice
  - 502: A collaborator store is unreachable
  - 500: Everything else

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: The automated counterpart of the run endpoints
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Configs    billing.ConfigStore
	Invoices   billing.InvoiceStore
	Recs       billing.ReconciliationStore
	Executions billing.ExecutionStore
	Rules      billing.RuleProvider
	Runner     *billing.Runner
	Engine     *billing.AllocationEngine
	Resolver   *billing.FieldResolver
	Log        zerolog.Logger
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

// TriggerInvoiceRun starts an invoice-generation run for one company.
// POST /api/runs/invoice
func (h *Handler) TriggerInvoiceRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.CompanyID == "" {
		writeError(w, http.StatusBadRequest, "company_id is required", nil)
		return
	}

	exec, err := h.Runner.RunInvoiceGeneration(r.Context(), billing.CompanyID(req.CompanyID), true)
	if err != nil && exec.ID == "" {
		// The run never started; the failed run itself is reported via
		// its execution record.
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionDTO(exec))
}

// TriggerReconciliationRun starts a reconciliation run for one company.
// POST /api/runs/reconciliation
func (h *Handler) TriggerReconciliationRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.CompanyID == "" {
		writeError(w, http.StatusBadRequest, "company_id is required", nil)
		return
	}

	exec, err := h.Runner.RunReconciliation(r.Context(), billing.CompanyID(req.CompanyID), true)
	if err != nil && exec.ID == "" {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionDTO(exec))
}

// ListExecutions returns the run audit trail, newest first.
// GET /api/executions?company_id=...&limit=...
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	company := r.URL.Query().Get("company_id")
	if company == "" {
		writeError(w, http.StatusBadRequest, "company_id is required", nil)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	execs, err := h.Executions.ListExecutions(r.Context(), billing.CompanyID(company), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ExecutionDTO, 0, len(execs))
	for _, e := range execs {
		dtos = append(dtos, toExecutionDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// INVOICE ENDPOINTS
// =============================================================================

// ListPendingInvoices returns invoices still waiting for money.
// GET /api/invoices?company_id=...
func (h *Handler) ListPendingInvoices(w http.ResponseWriter, r *http.Request) {
	company := r.URL.Query().Get("company_id")
	if company == "" {
		writeError(w, http.StatusBadRequest, "company_id is required", nil)
		return
	}

	invoices, err := h.Invoices.Pending(r.Context(), billing.CompanyID(company))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]InvoiceDTO, 0, len(invoices))
	for _, inv := range invoices {
		dtos = append(dtos, toInvoiceDTO(inv))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInvoice returns one invoice with its order snapshots.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	inv, err := h.Invoices.GetInvoice(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// GetInvoiceReconciliations returns the ledger rows for one invoice.
// GET /api/invoices/{id}/reconciliations
func (h *Handler) GetInvoiceReconciliations(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	if _, err := h.Invoices.GetInvoice(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	rows, err := h.Recs.ForInvoice(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ReconciliationDTO, 0, len(rows))
	for _, rec := range rows {
		dtos = append(dtos, toReconciliationDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PreviewReconciliation runs a dry pass over one invoice and reports what
// would be allocated, without writing anything.
// POST /api/preview/reconciliation
func (h *Handler) PreviewReconciliation(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.InvoiceID == "" {
		writeError(w, http.StatusBadRequest, "invoice_id is required", nil)
		return
	}

	inv, err := h.Invoices.GetInvoice(r.Context(), billing.InvoiceID(req.InvoiceID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rules, err := h.Rules.ActiveRules(r.Context(), inv.CompanyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resolved, err := billing.ResolveRules(rules, h.Resolver)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	cfg, err := h.Configs.GetConfig(r.Context(), inv.CompanyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, proposed, err := h.Engine.PreviewInvoice(r.Context(), inv, resolved, cfg.Tolerance)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := PreviewResponse{
		InvoiceID:        string(result.InvoiceID),
		State:            string(result.State),
		NewRows:          result.NewRows,
		ReconciledAmount: result.ReconciledAmount.StringFixed(2),
		Proposed:         make([]ReconciliationDTO, 0, len(proposed)),
	}
	for _, rec := range proposed {
		resp.Proposed = append(resp.Proposed, toReconciliationDTO(rec))
	}
	for _, f := range result.Failures {
		resp.Failures = append(resp.Failures, FailureDTO{
			OrderID:   string(f.OrderID),
			PaymentID: string(f.PaymentID),
			Rule:      f.Rule,
			Error:     f.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CONFIGURATION ENDPOINTS
// =============================================================================

// GetConfig returns the schedule configuration for one company.
// GET /api/config/{company}
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	company := billing.CompanyID(chi.URLParam(r, "company"))

	cfg, err := h.Configs.GetConfig(r.Context(), company)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigDTO(cfg))
}

// PutConfig validates and replaces the schedule configuration.
// PUT /api/config/{company}
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	company := chi.URLParam(r, "company")

	var dto ConfigDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	dto.CompanyID = company

	cfg, err := dto.toConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid configuration values", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Configs.SaveConfig(r.Context(), cfg); err != nil {
		writeDomainError(w, err)
		return
	}

	h.Log.Info().Str("company", company).Msg("schedule configuration updated")
	writeJSON(w, http.StatusOK, toConfigDTO(cfg))
}

// ListRules returns the active match rules for a company in sequence order.
// GET /api/rules?company_id=...
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	company := r.URL.Query().Get("company_id")
	if company == "" {
		writeError(w, http.StatusBadRequest, "company_id is required", nil)
		return
	}

	rules, err := h.Rules.ActiveRules(r.Context(), billing.CompanyID(company))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]RuleDTO, 0, len(rules))
	for _, rule := range rules {
		dtos = append(dtos, toRuleDTO(rule))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain error classes to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrInvoiceNotFound),
		errors.Is(err, billing.ErrConfigNotFound):
		writeError(w, http.StatusNotFound, "not found", err)
	case billing.IsConfig(err):
		writeError(w, http.StatusBadRequest, "invalid configuration", err)
	case billing.IsTransient(err):
		writeError(w, http.StatusBadGateway, "upstream store unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

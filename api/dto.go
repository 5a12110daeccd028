/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// RunRequest triggers one manual run for a company.
type RunRequest struct {
	CompanyID string `json:"company_id"`
}

// PreviewRequest asks for a dry reconciliation pass over one invoice.
type PreviewRequest struct {
	InvoiceID string `json:"invoice_id"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// OrderDTO is the snapshot of one order billed on an invoice.
type OrderDTO struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	AmountTotal string            `json:"amount_total"`
	Keys        map[string]string `json:"keys,omitempty"`
}

// InvoiceDTO represents a public invoice in API responses.
type InvoiceDTO struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CompanyID   string     `json:"company_id"`
	PartnerID   string     `json:"partner_id,omitempty"`
	DateFrom    string     `json:"date_from"`
	DateTo      string     `json:"date_to"`
	DocumentID  string     `json:"document_id,omitempty"`
	State       string     `json:"state"`
	TotalAmount string     `json:"total_amount"`
	Orders      []OrderDTO `json:"orders"`
	CreatedAt   string     `json:"created_at"`
}

// ReconciliationDTO is one ledger row.
type ReconciliationDTO struct {
	ID           string `json:"id"`
	InvoiceID    string `json:"invoice_id"`
	OrderID      string `json:"order_id"`
	PaymentID    string `json:"payment_id"`
	MatchedField string `json:"matched_field"`
	MatchedValue string `json:"matched_value,omitempty"`
	Amount       string `json:"amount"`
	CreatedAt    string `json:"created_at"`
}

// ExecutionDTO is one run audit record.
type ExecutionDTO struct {
	ID               string `json:"id"`
	CompanyID        string `json:"company_id"`
	Type             string `json:"type"`
	Manual           bool   `json:"manual"`
	State            string `json:"state"`
	Result           string `json:"result,omitempty"`
	OrdersFound      int    `json:"orders_found"`
	OrdersProcessed  int    `json:"orders_processed"`
	ReconciledCount  int    `json:"reconciled_count"`
	ReconciledAmount string `json:"reconciled_amount"`
	ErrorCount       int    `json:"error_count"`
	InvoiceID        string `json:"invoice_id,omitempty"`
	StartedAt        string `json:"started_at"`
	FinishedAt       string `json:"finished_at,omitempty"`
	DurationMs       int64  `json:"duration_ms"`
}

// PreviewResponse reports what the next reconciliation pass would do.
type PreviewResponse struct {
	InvoiceID        string              `json:"invoice_id"`
	State            string              `json:"state"`
	NewRows          int                 `json:"new_rows"`
	ReconciledAmount string              `json:"reconciled_amount"`
	Proposed         []ReconciliationDTO `json:"proposed"`
	Failures         []FailureDTO        `json:"failures,omitempty"`
}

// FailureDTO is one rejected allocation attempt.
type FailureDTO struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id,omitempty"`
	Rule      string `json:"rule"`
	Error     string `json:"error"`
}

// ConfigDTO mirrors the per-company schedule configuration.
type ConfigDTO struct {
	CompanyID        string `json:"company_id"`
	PartnerID        string `json:"partner_id,omitempty"`
	InvoiceEnabled   bool   `json:"invoice_enabled"`
	InvoiceDay       int    `json:"invoice_day"`
	InvoiceHour      int    `json:"invoice_hour"`
	InvoiceMinute    int    `json:"invoice_minute"`
	LastInvoiceRun   string `json:"last_invoice_run,omitempty"`
	ReconcileEnabled bool   `json:"reconcile_enabled"`
	ReconcileEvery   int    `json:"reconcile_every"`
	ReconcileUnit    string `json:"reconcile_unit"`
	LastReconcileRun string `json:"last_reconcile_run,omitempty"`
	PeriodMode       string `json:"period_mode,omitempty"`
	PeriodDays       int    `json:"period_days,omitempty"`
	PeriodFrom       string `json:"period_from,omitempty"`
	PeriodTo         string `json:"period_to,omitempty"`
	ToleranceKind    string `json:"tolerance_kind,omitempty"`
	ToleranceDiff    string `json:"tolerance_max_diff,omitempty"`
	TolerancePct     string `json:"tolerance_max_percent,omitempty"`
	AutoPost         bool   `json:"auto_post"`
	NotifyEmail      string `json:"notify_email,omitempty"`
}

// RuleDTO mirrors one field-match rule.
type RuleDTO struct {
	CompanyID    string `json:"company_id"`
	Name         string `json:"name"`
	OrderField   string `json:"order_field"`
	PaymentField string `json:"payment_field"`
	Mode         string `json:"mode"`
	Sequence     int    `json:"sequence"`
	Active       bool   `json:"active"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toInvoiceDTO(inv billing.PublicInvoice) InvoiceDTO {
	orders := make([]OrderDTO, 0, len(inv.Orders))
	for _, o := range inv.Orders {
		orders = append(orders, OrderDTO{
			ID:          string(o.ID),
			Name:        o.Name,
			AmountTotal: o.AmountTotal.StringFixed(2),
			Keys:        o.Keys,
		})
	}
	return InvoiceDTO{
		ID:          string(inv.ID),
		Name:        inv.Name,
		CompanyID:   string(inv.CompanyID),
		PartnerID:   inv.PartnerID,
		DateFrom:    inv.DateFrom.Format("2006-01-02"),
		DateTo:      inv.DateTo.Format("2006-01-02"),
		DocumentID:  inv.DocumentID,
		State:       string(inv.State),
		TotalAmount: inv.TotalAmount().StringFixed(2),
		Orders:      orders,
		CreatedAt:   inv.CreatedAt.Format(time.RFC3339),
	}
}

func toReconciliationDTO(rec billing.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		ID:           rec.ID,
		InvoiceID:    string(rec.InvoiceID),
		OrderID:      string(rec.OrderID),
		PaymentID:    string(rec.PaymentID),
		MatchedField: rec.MatchedField,
		MatchedValue: rec.MatchedValue,
		Amount:       rec.Amount.StringFixed(2),
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
	}
}

func toExecutionDTO(exec billing.Execution) ExecutionDTO {
	dto := ExecutionDTO{
		ID:               exec.ID,
		CompanyID:        string(exec.CompanyID),
		Type:             string(exec.Type),
		Manual:           exec.Manual,
		State:            string(exec.State),
		Result:           exec.Result,
		OrdersFound:      exec.OrdersFound,
		OrdersProcessed:  exec.OrdersProcessed,
		ReconciledCount:  exec.ReconciledCount,
		ReconciledAmount: exec.ReconciledAmount.StringFixed(2),
		ErrorCount:       exec.ErrorCount,
		InvoiceID:        string(exec.InvoiceID),
		StartedAt:        exec.StartedAt.Format(time.RFC3339),
		DurationMs:       exec.Duration().Milliseconds(),
	}
	if exec.FinishedAt != nil {
		dto.FinishedAt = exec.FinishedAt.Format(time.RFC3339)
	}
	return dto
}

func toConfigDTO(cfg billing.ScheduleConfig) ConfigDTO {
	dto := ConfigDTO{
		CompanyID:        string(cfg.CompanyID),
		PartnerID:        cfg.PartnerID,
		InvoiceEnabled:   cfg.InvoiceEnabled,
		InvoiceDay:       cfg.InvoiceDay,
		InvoiceHour:      cfg.InvoiceHour,
		InvoiceMinute:    cfg.InvoiceMinute,
		ReconcileEnabled: cfg.ReconcileEnabled,
		ReconcileEvery:   cfg.ReconcileEvery,
		ReconcileUnit:    string(cfg.ReconcileUnit),
		PeriodMode:       string(cfg.PeriodMode),
		PeriodDays:       cfg.PeriodDays,
		ToleranceKind:    string(cfg.Tolerance.Kind),
		AutoPost:         cfg.AutoPost,
		NotifyEmail:      cfg.NotifyEmail,
	}
	if !cfg.Tolerance.MaxDiff.IsZero() {
		dto.ToleranceDiff = cfg.Tolerance.MaxDiff.String()
	}
	if !cfg.Tolerance.MaxPercent.IsZero() {
		dto.TolerancePct = cfg.Tolerance.MaxPercent.String()
	}
	if cfg.LastInvoiceRun != nil {
		dto.LastInvoiceRun = cfg.LastInvoiceRun.Format(time.RFC3339)
	}
	if cfg.LastReconcileRun != nil {
		dto.LastReconcileRun = cfg.LastReconcileRun.Format(time.RFC3339)
	}
	if cfg.PeriodFrom != nil {
		dto.PeriodFrom = cfg.PeriodFrom.Format("2006-01-02")
	}
	if cfg.PeriodTo != nil {
		dto.PeriodTo = cfg.PeriodTo.Format("2006-01-02")
	}
	return dto
}

func (d ConfigDTO) toConfig() (billing.ScheduleConfig, error) {
	cfg := billing.ScheduleConfig{
		CompanyID:        billing.CompanyID(d.CompanyID),
		PartnerID:        d.PartnerID,
		InvoiceEnabled:   d.InvoiceEnabled,
		InvoiceDay:       d.InvoiceDay,
		InvoiceHour:      d.InvoiceHour,
		InvoiceMinute:    d.InvoiceMinute,
		ReconcileEnabled: d.ReconcileEnabled,
		ReconcileEvery:   d.ReconcileEvery,
		ReconcileUnit:    billing.IntervalUnit(d.ReconcileUnit),
		PeriodMode:       billing.PeriodMode(d.PeriodMode),
		PeriodDays:       d.PeriodDays,
		AutoPost:         d.AutoPost,
		NotifyEmail:      d.NotifyEmail,
		Tolerance:        billing.TolerancePolicy{Kind: billing.ToleranceKind(d.ToleranceKind)},
	}
	var err error
	if d.ToleranceDiff != "" {
		if cfg.Tolerance.MaxDiff, err = decimal.NewFromString(d.ToleranceDiff); err != nil {
			return cfg, err
		}
	}
	if d.TolerancePct != "" {
		if cfg.Tolerance.MaxPercent, err = decimal.NewFromString(d.TolerancePct); err != nil {
			return cfg, err
		}
	}
	if d.PeriodFrom != "" {
		t, err := time.Parse("2006-01-02", d.PeriodFrom)
		if err != nil {
			return cfg, err
		}
		cfg.PeriodFrom = &t
	}
	if d.PeriodTo != "" {
		t, err := time.Parse("2006-01-02", d.PeriodTo)
		if err != nil {
			return cfg, err
		}
		cfg.PeriodTo = &t
	}
	if d.LastInvoiceRun != "" {
		t, err := time.Parse(time.RFC3339, d.LastInvoiceRun)
		if err != nil {
			return cfg, err
		}
		cfg.LastInvoiceRun = &t
	}
	if d.LastReconcileRun != "" {
		t, err := time.Parse(time.RFC3339, d.LastReconcileRun)
		if err != nil {
			return cfg, err
		}
		cfg.LastReconcileRun = &t
	}
	return cfg, nil
}

func toRuleDTO(rule billing.FieldMatchRule) RuleDTO {
	return RuleDTO{
		CompanyID:    string(rule.CompanyID),
		Name:         rule.Name,
		OrderField:   rule.OrderField,
		PaymentField: rule.PaymentField,
		Mode:         string(rule.Mode),
		Sequence:     rule.Sequence,
		Active:       rule.Active,
	}
}

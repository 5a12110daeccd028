// Package store provides in-memory implementations of the billing
// persistence interfaces, plus fake order and payment stores. Used by
// tests and local runs; production state lives in store/sqlite.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - engine-owned state (reconciliations, invoices,
// executions, configs, rules)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	recs       []billing.Reconciliation
	invoices   map[billing.InvoiceID]billing.PublicInvoice
	executions []billing.Execution
	configs    map[billing.CompanyID]billing.ScheduleConfig
	rules      map[billing.CompanyID][]billing.FieldMatchRule
}

func NewMemory() *Memory {
	return &Memory{
		invoices: make(map[billing.InvoiceID]billing.PublicInvoice),
		configs:  make(map[billing.CompanyID]billing.ScheduleConfig),
		rules:    make(map[billing.CompanyID][]billing.FieldMatchRule),
	}
}

// AppendReconciliation adds a single ledger row. Append-only.
func (m *Memory) AppendReconciliation(_ context.Context, rec billing.Reconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *Memory) ForInvoice(_ context.Context, invoiceID billing.InvoiceID) ([]billing.Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Reconciliation
	for _, r := range m.recs {
		if r.InvoiceID == invoiceID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *Memory) ForPayment(_ context.Context, paymentID billing.PaymentID) ([]billing.Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Reconciliation
	for _, r := range m.recs {
		if r.PaymentID == paymentID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *Memory) SaveInvoice(_ context.Context, inv billing.PublicInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = inv
	return nil
}

func (m *Memory) GetInvoice(_ context.Context, id billing.InvoiceID) (billing.PublicInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return billing.PublicInvoice{}, billing.ErrInvoiceNotFound
	}
	return inv, nil
}

func (m *Memory) Pending(_ context.Context, company billing.CompanyID) ([]billing.PublicInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.PublicInvoice
	for _, inv := range m.invoices {
		if inv.CompanyID != company {
			continue
		}
		if inv.State == billing.StateInvoiced || inv.State == billing.StatePartial {
			result = append(result, inv)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) SetState(_ context.Context, id billing.InvoiceID, state billing.InvoiceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return billing.ErrInvoiceNotFound
	}
	inv.State = state
	m.invoices[id] = inv
	return nil
}

func (m *Memory) CreateExecution(_ context.Context, exec billing.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, exec)
	return nil
}

func (m *Memory) FinishExecution(_ context.Context, exec billing.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.executions {
		if m.executions[i].ID == exec.ID {
			m.executions[i] = exec
			return nil
		}
	}
	// FinishExecution on an unknown ID records it as-is rather than
	// losing the audit row.
	m.executions = append(m.executions, exec)
	return nil
}

// ListExecutions returns runs for the company, newest first.
func (m *Memory) ListExecutions(_ context.Context, company billing.CompanyID, limit int) ([]billing.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Execution
	for i := len(m.executions) - 1; i >= 0; i-- {
		if m.executions[i].CompanyID != company {
			continue
		}
		result = append(result, m.executions[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) GetConfig(_ context.Context, company billing.CompanyID) (billing.ScheduleConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[company]
	if !ok {
		return billing.ScheduleConfig{}, billing.ErrConfigNotFound
	}
	return cfg, nil
}

func (m *Memory) SaveConfig(_ context.Context, cfg billing.ScheduleConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.CompanyID] = cfg
	return nil
}

func (m *Memory) Companies(_ context.Context) ([]billing.CompanyID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]billing.CompanyID, 0, len(m.configs))
	for c := range m.configs {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// SetRules replaces the rule set for a company.
func (m *Memory) SetRules(company billing.CompanyID, rules []billing.FieldMatchRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[company] = append([]billing.FieldMatchRule{}, rules...)
}

func (m *Memory) ActiveRules(_ context.Context, company billing.CompanyID) ([]billing.FieldMatchRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.FieldMatchRule
	for _, r := range m.rules[company] {
		if r.Active {
			result = append(result, r)
		}
	}
	return result, nil
}

// =============================================================================
// FAKE ORDER STORE
// =============================================================================

// Orders is a canned order source for tests and local runs.
type Orders struct {
	mu     sync.RWMutex
	orders []billing.Order
	// Invoiced marks orders already consumed by an earlier invoice run.
	invoiced map[billing.OrderID]bool
	// CreatedAt per order, for period filtering.
	created map[billing.OrderID]int64
}

func NewOrders() *Orders {
	return &Orders{
		invoiced: make(map[billing.OrderID]bool),
		created:  make(map[billing.OrderID]int64),
	}
}

// Add registers an order with a creation time (unix seconds).
func (o *Orders) Add(order billing.Order, createdUnix int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.orders = append(o.orders, order)
	o.created[order.ID] = createdUnix
}

// MarkInvoiced excludes orders from future eligibility searches.
func (o *Orders) MarkInvoiced(_ context.Context, ids []billing.OrderID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		o.invoiced[id] = true
	}
	return nil
}

func (o *Orders) SearchEligible(_ context.Context, company billing.CompanyID, from, to time.Time) ([]billing.Order, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var result []billing.Order
	for _, ord := range o.orders {
		if ord.CompanyID != company || o.invoiced[ord.ID] {
			continue
		}
		created := time.Unix(o.created[ord.ID], 0).UTC()
		if created.Before(from) || created.After(to) {
			continue
		}
		result = append(result, ord)
	}
	sort.SliceStable(result, func(i, j int) bool {
		ci, cj := o.created[result[i].ID], o.created[result[j].ID]
		if ci == cj {
			return result[i].ID < result[j].ID
		}
		return ci < cj
	})
	return result, nil
}

func (o *Orders) Get(_ context.Context, id billing.OrderID) (billing.Order, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, ord := range o.orders {
		if ord.ID == id {
			return ord, nil
		}
	}
	return billing.Order{}, billing.ErrOrderNotFound
}

// =============================================================================
// FAKE PAYMENT STORE
// =============================================================================

// Payments is a canned payment source for tests and local runs. Search
// results follow creation order with ID as tiebreak, so runs against the
// same data are deterministic.
type Payments struct {
	mu       sync.RWMutex
	payments []billing.Payment
}

func NewPayments() *Payments {
	return &Payments{}
}

func (p *Payments) Add(payment billing.Payment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments = append(p.payments, payment)
}

func (p *Payments) Search(_ context.Context, q billing.PaymentQuery) ([]billing.Payment, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var result []billing.Payment
	for _, pay := range p.payments {
		if q.PartnerID != "" && pay.PartnerID != q.PartnerID {
			continue
		}
		if matches(pay.Key(q.Field), q.Value, q.Mode) {
			result = append(result, pay)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (p *Payments) Get(_ context.Context, id billing.PaymentID) (billing.Payment, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, pay := range p.payments {
		if pay.ID == id {
			return pay, nil
		}
	}
	return billing.Payment{}, billing.ErrPaymentNotFound
}

func matches(candidate, value string, mode billing.MatchMode) bool {
	if candidate == "" || value == "" {
		return false
	}
	switch mode {
	case billing.MatchExact:
		return candidate == value
	case billing.MatchContains:
		return strings.Contains(candidate, value)
	default: // MatchContainsFold
		return strings.Contains(strings.ToLower(candidate), strings.ToLower(value))
	}
}

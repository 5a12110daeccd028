/*
Package sqlite provides the SQLite-backed implementation of the billing
persistence interfaces.

PURPOSE:
  Persists everything the engine owns. Orders and payments stay in the
  external subsystems; this store never holds them, only a snapshot of
  each order billed on a public invoice.

INTERFACES IMPLEMENTED:
  billing.ReconciliationStore: the append-only allocation ledger
  billing.InvoiceStore:        public invoices and their order snapshots
  billing.ExecutionStore:      the run audit trail
  billing.ConfigStore:         per-company schedule configuration
  billing.RuleProvider:        field-match rules

APPEND-ONLY ENFORCEMENT:
  The reconciliations table has no UPDATE and no DELETE statements
  anywhere in this package. Corrections happen upstream (cancel the
  document, re-run), never by editing ledger history.

KEY TABLES:
  reconciliations:  Immutable allocation rows
  public_invoices:  Invoice header records
  invoice_orders:   Snapshot of the orders billed on each invoice
  executions:       One row per scheduled or manual run
  schedule_configs: One row per company
  match_rules:      Sequence-ordered match configuration

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. With PostgreSQL the database-level
  concurrency control would handle this instead.

WAL MODE:
  SQLite is opened with WAL so readers do not block behind the single
  writer.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := billing.NewLedger(store, paymentStore)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/stores.go: interface definitions
  - billing/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// Store implements all billing storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Reconciliations (append-only allocation ledger)
	CREATE TABLE IF NOT EXISTS reconciliations (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		matched_field TEXT NOT NULL,
		matched_value TEXT,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Balance derivation reads everything for one invoice or one payment
	CREATE INDEX IF NOT EXISTS idx_reconciliations_invoice
		ON reconciliations(invoice_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_reconciliations_payment
		ON reconciliations(payment_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_reconciliations_order
		ON reconciliations(invoice_id, order_id);

	-- Public Invoices
	CREATE TABLE IF NOT EXISTS public_invoices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		company_id TEXT NOT NULL,
		partner_id TEXT,
		date_from TEXT NOT NULL,
		date_to TEXT NOT NULL,
		document_id TEXT,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_company_state
		ON public_invoices(company_id, state, created_at);

	-- Order snapshots per invoice. The external sales subsystem owns the
	-- live orders; these rows freeze what was billed.
	CREATE TABLE IF NOT EXISTS invoice_orders (
		invoice_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		name TEXT NOT NULL,
		company_id TEXT NOT NULL,
		amount_total TEXT NOT NULL,
		keys_json TEXT,
		position INTEGER NOT NULL,
		PRIMARY KEY (invoice_id, order_id)
	);

	CREATE INDEX IF NOT EXISTS idx_invoice_orders_invoice
		ON invoice_orders(invoice_id, position);

	-- Executions (run audit trail, never deleted)
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		type TEXT NOT NULL,
		manual BOOLEAN NOT NULL DEFAULT FALSE,
		state TEXT NOT NULL,
		result TEXT,
		orders_found INTEGER DEFAULT 0,
		orders_processed INTEGER DEFAULT 0,
		reconciled_count INTEGER DEFAULT 0,
		reconciled_amount TEXT NOT NULL DEFAULT '0',
		error_count INTEGER DEFAULT 0,
		invoice_id TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_executions_company
		ON executions(company_id, started_at DESC);

	-- Schedule Configs (one row per company)
	CREATE TABLE IF NOT EXISTS schedule_configs (
		company_id TEXT PRIMARY KEY,
		partner_id TEXT,
		invoice_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		invoice_day INTEGER DEFAULT 1,
		invoice_hour INTEGER DEFAULT 0,
		invoice_minute INTEGER DEFAULT 0,
		last_invoice_run TEXT,
		reconcile_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		reconcile_every INTEGER DEFAULT 1,
		reconcile_unit TEXT DEFAULT 'hours',
		last_reconcile_run TEXT,
		period_mode TEXT DEFAULT 'trailing',
		period_days INTEGER DEFAULT 7,
		period_from TEXT,
		period_to TEXT,
		tolerance_kind TEXT DEFAULT 'none',
		tolerance_max_diff TEXT DEFAULT '0',
		tolerance_max_percent TEXT DEFAULT '0',
		auto_post BOOLEAN NOT NULL DEFAULT FALSE,
		notify_email TEXT,
		updated_at TEXT NOT NULL
	);

	-- Match Rules
	CREATE TABLE IF NOT EXISTS match_rules (
		company_id TEXT NOT NULL,
		name TEXT NOT NULL,
		order_field TEXT NOT NULL,
		payment_field TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'contains_fold',
		sequence INTEGER NOT NULL DEFAULT 10,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (company_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_match_rules_company
		ON match_rules(company_id, sequence);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECONCILIATION STORE (billing.ReconciliationStore interface)
// =============================================================================

// AppendReconciliation adds one immutable ledger row.
func (s *Store) AppendReconciliation(ctx context.Context, rec billing.Reconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reconciliations
		(id, invoice_id, order_id, payment_id, matched_field, matched_value, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.InvoiceID,
		rec.OrderID,
		rec.PaymentID,
		rec.MatchedField,
		rec.MatchedValue,
		rec.Amount.String(),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append reconciliation: %w", err)
	}
	return nil
}

// ForInvoice returns all rows for one public invoice, oldest first.
func (s *Store) ForInvoice(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, invoice_id, order_id, payment_id, matched_field, matched_value, amount, created_at
		FROM reconciliations
		WHERE invoice_id = ?
		ORDER BY created_at ASC, id ASC
	`
	return s.queryReconciliations(ctx, query, invoiceID)
}

// ForPayment returns all rows consuming one payment, oldest first.
func (s *Store) ForPayment(ctx context.Context, paymentID billing.PaymentID) ([]billing.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, invoice_id, order_id, payment_id, matched_field, matched_value, amount, created_at
		FROM reconciliations
		WHERE payment_id = ?
		ORDER BY created_at ASC, id ASC
	`
	return s.queryReconciliations(ctx, query, paymentID)
}

func (s *Store) queryReconciliations(ctx context.Context, query string, args ...any) ([]billing.Reconciliation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliations: %w", err)
	}
	defer rows.Close()

	var result []billing.Reconciliation
	for rows.Next() {
		var rec billing.Reconciliation
		var matchedValue sql.NullString
		var amount, createdAt string
		if err := rows.Scan(&rec.ID, &rec.InvoiceID, &rec.OrderID, &rec.PaymentID,
			&rec.MatchedField, &matchedValue, &amount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
		}
		rec.MatchedValue = matchedValue.String
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("corrupt created_at %q: %w", createdAt, err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// =============================================================================
// INVOICE STORE (billing.InvoiceStore interface)
// =============================================================================

// SaveInvoice writes the header and replaces the order snapshots in one
// transaction.
func (s *Store) SaveInvoice(ctx context.Context, inv billing.PublicInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO public_invoices
		(id, name, company_id, partner_id, date_from, date_to, document_id, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			partner_id = excluded.partner_id,
			date_from = excluded.date_from,
			date_to = excluded.date_to,
			document_id = excluded.document_id,
			state = excluded.state
	`,
		inv.ID, inv.Name, inv.CompanyID, inv.PartnerID,
		inv.DateFrom.UTC().Format(time.RFC3339),
		inv.DateTo.UTC().Format(time.RFC3339),
		inv.DocumentID, inv.State,
		inv.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save invoice: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_orders WHERE invoice_id = ?`, inv.ID); err != nil {
		return fmt.Errorf("failed to clear order snapshots: %w", err)
	}
	for i, o := range inv.Orders {
		keysJSON, _ := json.Marshal(o.Keys)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_orders
			(invoice_id, order_id, name, company_id, amount_total, keys_json, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, inv.ID, o.ID, o.Name, o.CompanyID, o.AmountTotal.String(), string(keysJSON), i)
		if err != nil {
			return fmt.Errorf("failed to save order snapshot: %w", err)
		}
	}

	return tx.Commit()
}

// GetInvoice returns one invoice with its order snapshots.
func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (billing.PublicInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, company_id, partner_id, date_from, date_to, document_id, state, created_at
		FROM public_invoices WHERE id = ?
	`, id)

	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return billing.PublicInvoice{}, billing.ErrInvoiceNotFound
	}
	if err != nil {
		return billing.PublicInvoice{}, err
	}

	inv.Orders, err = s.invoiceOrders(ctx, inv.ID)
	return inv, err
}

// Pending returns invoices in state invoiced or partial, oldest first.
func (s *Store) Pending(ctx context.Context, company billing.CompanyID) ([]billing.PublicInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, company_id, partner_id, date_from, date_to, document_id, state, created_at
		FROM public_invoices
		WHERE company_id = ? AND state IN (?, ?)
		ORDER BY created_at ASC, id ASC
	`, company, billing.StateInvoiced, billing.StatePartial)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending invoices: %w", err)
	}
	defer rows.Close()

	var result []billing.PublicInvoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		if result[i].Orders, err = s.invoiceOrders(ctx, result[i].ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// SetState records the derived state after a reconciliation pass.
func (s *Store) SetState(ctx context.Context, id billing.InvoiceID, state billing.InvoiceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE public_invoices SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("failed to update invoice state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrInvoiceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (billing.PublicInvoice, error) {
	var inv billing.PublicInvoice
	var partnerID, documentID sql.NullString
	var dateFrom, dateTo, createdAt string

	err := row.Scan(&inv.ID, &inv.Name, &inv.CompanyID, &partnerID,
		&dateFrom, &dateTo, &documentID, &inv.State, &createdAt)
	if err != nil {
		return inv, err
	}
	inv.PartnerID = partnerID.String
	inv.DocumentID = documentID.String
	if inv.DateFrom, err = time.Parse(time.RFC3339, dateFrom); err != nil {
		return inv, fmt.Errorf("corrupt date_from %q: %w", dateFrom, err)
	}
	if inv.DateTo, err = time.Parse(time.RFC3339, dateTo); err != nil {
		return inv, fmt.Errorf("corrupt date_to %q: %w", dateTo, err)
	}
	if inv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return inv, fmt.Errorf("corrupt created_at %q: %w", createdAt, err)
	}
	return inv, nil
}

func (s *Store) invoiceOrders(ctx context.Context, id billing.InvoiceID) ([]billing.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, name, company_id, amount_total, keys_json
		FROM invoice_orders
		WHERE invoice_id = ?
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order snapshots: %w", err)
	}
	defer rows.Close()

	var result []billing.Order
	for rows.Next() {
		var o billing.Order
		var amount string
		var keysJSON sql.NullString
		if err := rows.Scan(&o.ID, &o.Name, &o.CompanyID, &amount, &keysJSON); err != nil {
			return nil, fmt.Errorf("failed to scan order snapshot: %w", err)
		}
		if o.AmountTotal, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount_total %q: %w", amount, err)
		}
		if keysJSON.Valid && keysJSON.String != "" && keysJSON.String != "null" {
			if err := json.Unmarshal([]byte(keysJSON.String), &o.Keys); err != nil {
				return nil, fmt.Errorf("corrupt keys_json: %w", err)
			}
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// =============================================================================
// EXECUTION STORE (billing.ExecutionStore interface)
// =============================================================================

func (s *Store) CreateExecution(ctx context.Context, exec billing.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions
		(id, company_id, type, manual, state, result, orders_found, orders_processed,
		 reconciled_count, reconciled_amount, error_count, invoice_id, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID, exec.CompanyID, exec.Type, exec.Manual, exec.State, exec.Result,
		exec.OrdersFound, exec.OrdersProcessed, exec.ReconciledCount,
		exec.ReconciledAmount.String(), exec.ErrorCount,
		nullString(string(exec.InvoiceID)),
		exec.StartedAt.UTC().Format(time.RFC3339Nano),
		nullTime(exec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (s *Store) FinishExecution(ctx context.Context, exec billing.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			state = ?, result = ?, orders_found = ?, orders_processed = ?,
			reconciled_count = ?, reconciled_amount = ?, error_count = ?,
			invoice_id = ?, finished_at = ?
		WHERE id = ?
	`,
		exec.State, exec.Result, exec.OrdersFound, exec.OrdersProcessed,
		exec.ReconciledCount, exec.ReconciledAmount.String(), exec.ErrorCount,
		nullString(string(exec.InvoiceID)), nullTime(exec.FinishedAt),
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	return nil
}

// ListExecutions returns runs for the company, newest first.
func (s *Store) ListExecutions(ctx context.Context, company billing.CompanyID, limit int) ([]billing.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, type, manual, state, result, orders_found, orders_processed,
		       reconciled_count, reconciled_amount, error_count, invoice_id, started_at, finished_at
		FROM executions
		WHERE company_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, company, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var result []billing.Execution
	for rows.Next() {
		var exec billing.Execution
		var resultMsg, invoiceID, finishedAt sql.NullString
		var amount, startedAt string
		if err := rows.Scan(&exec.ID, &exec.CompanyID, &exec.Type, &exec.Manual,
			&exec.State, &resultMsg, &exec.OrdersFound, &exec.OrdersProcessed,
			&exec.ReconciledCount, &amount, &exec.ErrorCount,
			&invoiceID, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec.Result = resultMsg.String
		exec.InvoiceID = billing.InvoiceID(invoiceID.String)
		if exec.ReconciledAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt reconciled_amount %q: %w", amount, err)
		}
		if exec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("corrupt started_at %q: %w", startedAt, err)
		}
		if finishedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt finished_at %q: %w", finishedAt.String, err)
			}
			exec.FinishedAt = &t
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// =============================================================================
// CONFIG STORE (billing.ConfigStore interface)
// =============================================================================

func (s *Store) GetConfig(ctx context.Context, company billing.CompanyID) (billing.ScheduleConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT company_id, partner_id, invoice_enabled, invoice_day, invoice_hour, invoice_minute,
		       last_invoice_run, reconcile_enabled, reconcile_every, reconcile_unit,
		       last_reconcile_run, period_mode, period_days, period_from, period_to,
		       tolerance_kind, tolerance_max_diff, tolerance_max_percent, auto_post, notify_email
		FROM schedule_configs WHERE company_id = ?
	`, company)

	var cfg billing.ScheduleConfig
	var partnerID, lastInvoice, lastReconcile, periodFrom, periodTo, notifyEmail sql.NullString
	var maxDiff, maxPercent string
	err := row.Scan(&cfg.CompanyID, &partnerID, &cfg.InvoiceEnabled,
		&cfg.InvoiceDay, &cfg.InvoiceHour, &cfg.InvoiceMinute,
		&lastInvoice, &cfg.ReconcileEnabled, &cfg.ReconcileEvery, &cfg.ReconcileUnit,
		&lastReconcile, &cfg.PeriodMode, &cfg.PeriodDays, &periodFrom, &periodTo,
		&cfg.Tolerance.Kind, &maxDiff, &maxPercent, &cfg.AutoPost, &notifyEmail)
	if err == sql.ErrNoRows {
		return cfg, billing.ErrConfigNotFound
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.PartnerID = partnerID.String
	cfg.NotifyEmail = notifyEmail.String
	if cfg.Tolerance.MaxDiff, err = decimal.NewFromString(maxDiff); err != nil {
		return cfg, fmt.Errorf("corrupt tolerance_max_diff %q: %w", maxDiff, err)
	}
	if cfg.Tolerance.MaxPercent, err = decimal.NewFromString(maxPercent); err != nil {
		return cfg, fmt.Errorf("corrupt tolerance_max_percent %q: %w", maxPercent, err)
	}
	if cfg.LastInvoiceRun, err = parseNullTime(lastInvoice); err != nil {
		return cfg, err
	}
	if cfg.LastReconcileRun, err = parseNullTime(lastReconcile); err != nil {
		return cfg, err
	}
	if cfg.PeriodFrom, err = parseNullTime(periodFrom); err != nil {
		return cfg, err
	}
	if cfg.PeriodTo, err = parseNullTime(periodTo); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *Store) SaveConfig(ctx context.Context, cfg billing.ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tolerance := cfg.Tolerance
	if tolerance.Kind == "" {
		tolerance.Kind = billing.ToleranceNone
	}
	periodMode := cfg.PeriodMode
	if periodMode == "" {
		periodMode = billing.PeriodTrailing
	}
	unit := cfg.ReconcileUnit
	if unit == "" {
		unit = billing.UnitHours
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_configs
		(company_id, partner_id, invoice_enabled, invoice_day, invoice_hour, invoice_minute,
		 last_invoice_run, reconcile_enabled, reconcile_every, reconcile_unit,
		 last_reconcile_run, period_mode, period_days, period_from, period_to,
		 tolerance_kind, tolerance_max_diff, tolerance_max_percent, auto_post, notify_email, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id) DO UPDATE SET
			partner_id = excluded.partner_id,
			invoice_enabled = excluded.invoice_enabled,
			invoice_day = excluded.invoice_day,
			invoice_hour = excluded.invoice_hour,
			invoice_minute = excluded.invoice_minute,
			last_invoice_run = excluded.last_invoice_run,
			reconcile_enabled = excluded.reconcile_enabled,
			reconcile_every = excluded.reconcile_every,
			reconcile_unit = excluded.reconcile_unit,
			last_reconcile_run = excluded.last_reconcile_run,
			period_mode = excluded.period_mode,
			period_days = excluded.period_days,
			period_from = excluded.period_from,
			period_to = excluded.period_to,
			tolerance_kind = excluded.tolerance_kind,
			tolerance_max_diff = excluded.tolerance_max_diff,
			tolerance_max_percent = excluded.tolerance_max_percent,
			auto_post = excluded.auto_post,
			notify_email = excluded.notify_email,
			updated_at = excluded.updated_at
	`,
		cfg.CompanyID, nullString(cfg.PartnerID), cfg.InvoiceEnabled,
		cfg.InvoiceDay, cfg.InvoiceHour, cfg.InvoiceMinute,
		nullTime(cfg.LastInvoiceRun), cfg.ReconcileEnabled, cfg.ReconcileEvery, unit,
		nullTime(cfg.LastReconcileRun), periodMode, cfg.PeriodDays,
		nullTime(cfg.PeriodFrom), nullTime(cfg.PeriodTo),
		tolerance.Kind, tolerance.MaxDiff.String(), tolerance.MaxPercent.String(),
		cfg.AutoPost, nullString(cfg.NotifyEmail),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func (s *Store) Companies(ctx context.Context) ([]billing.CompanyID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT company_id FROM schedule_configs ORDER BY company_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query companies: %w", err)
	}
	defer rows.Close()

	var result []billing.CompanyID
	for rows.Next() {
		var c billing.CompanyID
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// =============================================================================
// RULE PROVIDER (billing.RuleProvider interface)
// =============================================================================

// SaveRule upserts one match rule, keyed by (company, name).
func (s *Store) SaveRule(ctx context.Context, rule billing.FieldMatchRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode := rule.Mode
	if mode == "" {
		mode = billing.MatchContainsFold
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO match_rules
		(company_id, name, order_field, payment_field, mode, sequence, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, name) DO UPDATE SET
			order_field = excluded.order_field,
			payment_field = excluded.payment_field,
			mode = excluded.mode,
			sequence = excluded.sequence,
			active = excluded.active
	`, rule.CompanyID, rule.Name, rule.OrderField, rule.PaymentField, mode, rule.Sequence, rule.Active)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// ActiveRules returns the active rules for a company in sequence order.
func (s *Store) ActiveRules(ctx context.Context, company billing.CompanyID) ([]billing.FieldMatchRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT company_id, name, order_field, payment_field, mode, sequence, active
		FROM match_rules
		WHERE company_id = ? AND active
		ORDER BY sequence ASC, name ASC
	`, company)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var result []billing.FieldMatchRule
	for rows.Next() {
		var rule billing.FieldMatchRule
		if err := rows.Scan(&rule.CompanyID, &rule.Name, &rule.OrderField,
			&rule.PaymentField, &rule.Mode, &rule.Sequence, &rule.Active); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

/*
runner.go - Loop bodies for the two scheduled runs

PURPOSE:
  The Runner owns everything that happens once a loop is due (or an
  operator triggers it manually): opening an Execution record, doing the
  work, writing the summary, and advancing the last-run timestamp.

TIMESTAMP POLICY:
  - A completed run advances its loop's timestamp, even when it was a
    no-op. A quiet system must not re-trigger every cycle.
  - A failed run leaves the timestamp untouched so the interval due-check
    retries next cycle. For the monthly invoice window the same-month
    guard still applies: if the whole window month is lost, an operator
    resets LastInvoiceRun. Deliberate trade-off, not a bug.
  - Manual runs advance timestamps too, so an automatic run does not
    immediately redo the same work.

ERROR POLICY:
  Errors while processing one invoice never abort its siblings; the
  aggregate Execution records a partial success with an error count.
  Anything failing before the invoice loop starts finishes the Execution
  as "error".

SEE ALSO:
  - engine.go: the per-invoice pass
  - schedule.go: due checks and the config value object
  - api/scheduler.go: calls these on the tick
*/
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxErrorDetails caps how many per-invoice error lines end up in the
// Execution summary.
const maxErrorDetails = 5

// =============================================================================
// RUNNER
// =============================================================================

type Runner struct {
	Configs    ConfigStore
	Orders     OrderStore
	Builder    InvoiceBuilder
	Invoices   InvoiceStore
	Executions ExecutionStore
	Rules      RuleProvider
	Resolver   *FieldResolver
	Engine     *AllocationEngine
	Notifier   NotificationSender
	Log        zerolog.Logger

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// =============================================================================
// INVOICE-GENERATION RUN
// =============================================================================

// RunInvoiceGeneration collects eligible orders for the configured period,
// has the external builder create the consolidated accounting document,
// and records the new public invoice. Bypasses the due-check: callers
// decide when to invoke it.
func (r *Runner) RunInvoiceGeneration(ctx context.Context, company CompanyID, manual bool) (Execution, error) {
	log := r.Log.With().Str("component", "invoice-run").Str("company", string(company)).Logger()

	cfg, err := r.Configs.GetConfig(ctx, company)
	if err != nil {
		return Execution{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Execution{}, err
	}

	exec := r.openExecution(ctx, company, ExecInvoice, manual)

	from, to, err := cfg.Period(r.now())
	if err != nil {
		return r.failExecution(ctx, exec, err), err
	}

	orders, err := r.Orders.SearchEligible(ctx, company, from, to)
	if err != nil {
		err = Transient("search eligible orders", err)
		return r.failExecution(ctx, exec, err), err
	}
	exec.OrdersFound = len(orders)

	if len(orders) == 0 {
		exec.State = ExecDone
		exec.Result = "No eligible orders found for the period."
		r.closeExecution(ctx, &exec)
		r.touchInvoiceRun(ctx, cfg)
		return exec, nil
	}

	invoice := PublicInvoice{
		ID:        InvoiceID(uuid.NewString()),
		Name:      fmt.Sprintf("PUB-%s", r.now().UTC().Format("20060102-150405")),
		CompanyID: company,
		PartnerID: cfg.PartnerID,
		DateFrom:  from,
		DateTo:    to,
		State:     StateDraft,
		Orders:    orders,
		CreatedAt: r.now().UTC(),
	}

	documentID, err := r.Builder.BuildConsolidated(ctx, company, orders)
	if err != nil {
		err = Transient("build consolidated invoice", err)
		return r.failExecution(ctx, exec, err), err
	}
	invoice.DocumentID = documentID
	invoice.State = StateInvoiced

	if err := r.Invoices.SaveInvoice(ctx, invoice); err != nil {
		err = Transient("save public invoice", err)
		return r.failExecution(ctx, exec, err), err
	}

	ids := make([]OrderID, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	if err := r.Orders.MarkInvoiced(ctx, ids); err != nil {
		// The invoice exists; the source system just missed the writeback.
		// Eligibility searches may return these orders again until it
		// catches up, which a re-run then bills a second time, so this is
		// loud in the log.
		log.Error().Err(err).Msg("failed to mark orders invoiced")
	}

	if cfg.AutoPost {
		if err := r.Builder.Post(ctx, documentID); err != nil {
			err = Transient("post invoice document", err)
			return r.failExecution(ctx, exec, err), err
		}
	}

	exec.State = ExecDone
	exec.OrdersProcessed = len(orders)
	exec.InvoiceID = invoice.ID
	exec.Result = fmt.Sprintf("Invoice %s created with %d orders (document %s).",
		invoice.Name, len(orders), documentID)
	r.closeExecution(ctx, &exec)
	r.touchInvoiceRun(ctx, cfg)
	r.notify(ctx, cfg, exec)

	log.Info().Str("invoice", invoice.Name).Int("orders", len(orders)).Msg("invoice run completed")
	return exec, nil
}

// =============================================================================
// RECONCILIATION RUN
// =============================================================================

// RunReconciliation processes every pending public invoice for the
// company, oldest first, and aggregates the results into one Execution.
func (r *Runner) RunReconciliation(ctx context.Context, company CompanyID, manual bool) (Execution, error) {
	log := r.Log.With().Str("component", "reconciliation-run").Str("company", string(company)).Logger()

	cfg, err := r.Configs.GetConfig(ctx, company)
	if err != nil {
		return Execution{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Execution{}, err
	}

	exec := r.openExecution(ctx, company, ExecReconciliation, manual)

	rules, err := r.Rules.ActiveRules(ctx, company)
	if err != nil {
		err = Transient("load match rules", err)
		return r.failExecution(ctx, exec, err), err
	}
	resolved, err := ResolveRules(rules, r.Resolver)
	if err != nil {
		return r.failExecution(ctx, exec, err), err
	}

	pending, err := r.Invoices.Pending(ctx, company)
	if err != nil {
		err = Transient("load pending invoices", err)
		return r.failExecution(ctx, exec, err), err
	}

	if len(pending) == 0 {
		exec.State = ExecDone
		exec.Result = "No public invoices pending reconciliation."
		r.closeExecution(ctx, &exec)
		r.touchReconcileRun(ctx, cfg)
		return exec, nil
	}

	total := decimal.Zero
	rows := 0
	processed := 0
	var errDetails []string

	for _, invoice := range pending {
		result, err := r.Engine.ReconcileInvoice(ctx, invoice, resolved, cfg.Tolerance)
		if err != nil {
			exec.ErrorCount++
			if len(errDetails) < maxErrorDetails {
				errDetails = append(errDetails, fmt.Sprintf("%s: %v", invoice.Label(), err))
			}
			log.Error().Err(err).Str("invoice", invoice.Label()).Msg("invoice pass failed")
			continue
		}
		processed++
		rows += result.NewRows
		total = total.Add(result.ReconciledAmount)
		if result.NewRows > 0 {
			log.Info().Str("invoice", invoice.Label()).
				Int("rows", result.NewRows).
				Str("amount", result.ReconciledAmount.String()).
				Msg("invoice reconciled")
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Processed %d of %d invoices.\n", processed, len(pending))
	fmt.Fprintf(&b, "Created %d allocations for a total of %s.", rows, total.StringFixed(2))
	if exec.ErrorCount > 0 {
		fmt.Fprintf(&b, "\nErrors: %d", exec.ErrorCount)
		for _, d := range errDetails {
			fmt.Fprintf(&b, "\n  - %s", d)
		}
	}

	exec.State = ExecDone
	exec.Result = b.String()
	exec.OrdersProcessed = processed
	exec.ReconciledCount = rows
	exec.ReconciledAmount = total
	r.closeExecution(ctx, &exec)

	// A run with failed invoices leaves the timestamp alone so the
	// due-check retries next cycle; failure-free runs always advance it,
	// no-ops included.
	if exec.ErrorCount == 0 {
		r.touchReconcileRun(ctx, cfg)
	}
	if rows > 0 {
		r.notify(ctx, cfg, exec)
	}

	return exec, nil
}

// =============================================================================
// EXECUTION BOOKKEEPING
// =============================================================================

func (r *Runner) openExecution(ctx context.Context, company CompanyID, typ ExecutionType, manual bool) Execution {
	exec := Execution{
		ID:               uuid.NewString(),
		CompanyID:        company,
		Type:             typ,
		Manual:           manual,
		State:            ExecRunning,
		ReconciledAmount: decimal.Zero,
		StartedAt:        r.now().UTC(),
	}
	if err := r.Executions.CreateExecution(ctx, exec); err != nil {
		// The run is more important than its audit row.
		r.Log.Error().Err(err).Msg("failed to create execution record")
	}
	return exec
}

func (r *Runner) closeExecution(ctx context.Context, exec *Execution) {
	finished := r.now().UTC()
	exec.FinishedAt = &finished
	if err := r.Executions.FinishExecution(ctx, *exec); err != nil {
		r.Log.Error().Err(err).Str("execution", exec.ID).Msg("failed to finish execution record")
	}
}

func (r *Runner) failExecution(ctx context.Context, exec Execution, cause error) Execution {
	exec.State = ExecError
	exec.ErrorCount++
	exec.Result = cause.Error()
	r.closeExecution(ctx, &exec)
	return exec
}

func (r *Runner) touchInvoiceRun(ctx context.Context, cfg ScheduleConfig) {
	now := r.now().UTC()
	cfg.LastInvoiceRun = &now
	if err := r.Configs.SaveConfig(ctx, cfg); err != nil {
		r.Log.Error().Err(err).Msg("failed to persist last invoice run")
	}
}

func (r *Runner) touchReconcileRun(ctx context.Context, cfg ScheduleConfig) {
	now := r.now().UTC()
	cfg.LastReconcileRun = &now
	if err := r.Configs.SaveConfig(ctx, cfg); err != nil {
		r.Log.Error().Err(err).Msg("failed to persist last reconciliation run")
	}
}

func (r *Runner) notify(ctx context.Context, cfg ScheduleConfig, exec Execution) {
	if cfg.NotifyEmail == "" || r.Notifier == nil {
		return
	}
	if err := r.Notifier.Send(ctx, cfg.NotifyEmail, exec); err != nil {
		r.Log.Warn().Err(err).Msg("notification failed")
	}
}

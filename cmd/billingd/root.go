/*
root.go - Root command, shared flags, and dependency wiring

PURPOSE:
  Builds the object graph every subcommand shares: the SQLite store for
  engine-owned state, the allocation engine, and the runner.

CONNECTORS:
  Orders, payments, document building, and notifications live in external
  subsystems. This binary wires in-process stand-ins for them so the
  engine can be run and exercised end to end; a production deployment
  replaces them with connectors to the real sales/payment/accounting
  backends by implementing the interfaces in billing/stores.go.

SEE ALSO:
  - billing/stores.go: the connector contracts
  - serve.go, run.go: the subcommands
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	memstore "github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/logging"
	"github.com/warp/billing-engine/store/sqlite"
)

var (
	flagDB        string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "billingd",
	Short: "Payment-to-order reconciliation engine",
	Long: `billingd consolidates eligible sales orders into public invoices on a
monthly calendar window and matches incoming payments against them on a
configurable interval. All allocations land in an append-only ledger;
every balance is derived from it, which makes every run safe to repeat.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Setup(logging.Config{
			Level:  flagLogLevel,
			Format: flagLogFormat,
		})
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "billing.db", "SQLite database path (\":memory:\" for in-memory)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "console", "log format (console, json)")
}

// =============================================================================
// DEPENDENCY WIRING
// =============================================================================

type runtime struct {
	store    *sqlite.Store
	orders   *memstore.Orders
	payments *memstore.Payments
	runner   *billing.Runner
	engine   *billing.AllocationEngine
	resolver *billing.FieldResolver
	handler  *api.Handler
}

func newRuntime() (*runtime, error) {
	store, err := sqlite.New(flagDB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	orders := memstore.NewOrders()
	payments := memstore.NewPayments()
	resolver := billing.NewFieldResolver()

	ledger := billing.NewLedger(store, payments)
	engine := billing.NewAllocationEngine(ledger, payments, store, logging.WithComponent("engine"))

	runner := &billing.Runner{
		Configs:    store,
		Orders:     orders,
		Builder:    &documentMinter{log: logging.WithComponent("builder")},
		Invoices:   store,
		Executions: store,
		Rules:      store,
		Resolver:   resolver,
		Engine:     engine,
		Notifier:   &logNotifier{log: logging.WithComponent("notifier")},
		Log:        logging.WithComponent("runner"),
	}

	handler := &api.Handler{
		Configs:    store,
		Invoices:   store,
		Recs:       store,
		Executions: store,
		Rules:      store,
		Runner:     runner,
		Engine:     engine,
		Resolver:   resolver,
		Log:        logging.WithComponent("api"),
	}

	return &runtime{
		store:    store,
		orders:   orders,
		payments: payments,
		runner:   runner,
		engine:   engine,
		resolver: resolver,
		handler:  handler,
	}, nil
}

func (rt *runtime) Close() {
	rt.store.Close()
}

// documentMinter stands in for the external accounting backend.
type documentMinter struct {
	log zerolog.Logger
}

func (m *documentMinter) BuildConsolidated(_ context.Context, company billing.CompanyID, orders []billing.Order) (string, error) {
	id := "CONSOL-" + uuid.NewString()[:8]
	m.log.Info().Str("company", string(company)).Int("orders", len(orders)).Str("document", id).
		Msg("consolidated document built")
	return id, nil
}

func (m *documentMinter) Post(_ context.Context, documentID string) error {
	m.log.Info().Str("document", documentID).Msg("document posted")
	return nil
}

// logNotifier stands in for the external mail subsystem.
type logNotifier struct {
	log zerolog.Logger
}

func (n *logNotifier) Send(_ context.Context, recipient string, exec billing.Execution) error {
	n.log.Info().Str("to", recipient).Str("execution", exec.ID).Str("type", string(exec.Type)).
		Msg("run summary delivered")
	return nil
}

/*
scheduler_test.go - Unit tests for the dual control-loop scheduler

Tests drive Evaluate directly with an injected clock rather than waiting
on the ticker, so each "tick" is deterministic.
*/
package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

type schedFixture struct {
	*apiFixture
	sched *Scheduler
	clock time.Time
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	f := newAPIFixture(t)
	sf := &schedFixture{apiFixture: f, clock: f.now}

	nowFn := func() time.Time { return sf.clock }
	f.runner.Now = nowFn
	sf.sched = NewScheduler(f.mem, f.runner, f.runner.Log)
	sf.sched.Now = nowFn
	return sf
}

func (sf *schedFixture) executions(t *testing.T, company billing.CompanyID) []billing.Execution {
	t.Helper()
	execs, err := sf.mem.ListExecutions(context.Background(), company, 0)
	require.NoError(t, err)
	return execs
}

func (sf *schedFixture) saveConfig(t *testing.T, cfg billing.ScheduleConfig) {
	t.Helper()
	require.NoError(t, sf.mem.SaveConfig(context.Background(), cfg))
}

func TestScheduler_ReconciliationIntervalFires(t *testing.T) {
	// GIVEN: A company reconciling every 4 hours, never run before
	sf := newSchedFixture(t)
	ctx := context.Background()

	// WHEN: The first tick
	sf.sched.Evaluate(ctx)

	// THEN: One reconciliation run happened and its timestamp was recorded
	execs := sf.executions(t, "co-1")
	require.Len(t, execs, 1)
	assert.Equal(t, billing.ExecReconciliation, execs[0].Type)
	assert.False(t, execs[0].Manual)

	cfg, err := sf.mem.GetConfig(ctx, "co-1")
	require.NoError(t, err)
	require.NotNil(t, cfg.LastReconcileRun)
	assert.True(t, cfg.LastReconcileRun.Equal(sf.clock))

	// WHEN: Ticks inside the interval
	sf.clock = sf.clock.Add(time.Hour)
	sf.sched.Evaluate(ctx)
	assert.Len(t, sf.executions(t, "co-1"), 1)

	// WHEN: A tick past the interval
	sf.clock = sf.clock.Add(3 * time.Hour)
	sf.sched.Evaluate(ctx)
	assert.Len(t, sf.executions(t, "co-1"), 2)
}

func TestScheduler_InvoiceWindowFiresOncePerMonth(t *testing.T) {
	// GIVEN: Invoice generation on day 10 at 12:00, the fixture clock's minute
	sf := newSchedFixture(t)
	ctx := context.Background()
	sf.saveConfig(t, billing.ScheduleConfig{
		CompanyID:      "co-1",
		PartnerID:      "mp-partner",
		InvoiceEnabled: true,
		InvoiceDay:     10,
		InvoiceHour:    12,
		InvoiceMinute:  0,
	})

	// WHEN: A tick inside the window
	sf.sched.Evaluate(ctx)

	// THEN: The invoice run fires
	execs := sf.executions(t, "co-1")
	require.Len(t, execs, 1)
	assert.Equal(t, billing.ExecInvoice, execs[0].Type)

	// WHEN: Another tick the same minute
	sf.sched.Evaluate(ctx)

	// THEN: The once-per-month guard holds
	assert.Len(t, sf.executions(t, "co-1"), 1)

	// WHEN: The window a month later
	sf.clock = sf.clock.AddDate(0, 1, 0)
	sf.sched.Evaluate(ctx)

	// THEN: It fires again
	assert.Len(t, sf.executions(t, "co-1"), 2)
}

func TestScheduler_MissedWindowIsNotRetried(t *testing.T) {
	// GIVEN: A window at 12:00 and a tick that arrives at 12:07
	sf := newSchedFixture(t)
	ctx := context.Background()
	sf.saveConfig(t, billing.ScheduleConfig{
		CompanyID:      "co-1",
		InvoiceEnabled: true,
		InvoiceDay:     10,
		InvoiceHour:    12,
		InvoiceMinute:  0,
	})
	sf.clock = sf.clock.Add(7 * time.Minute)

	// WHEN: Ticks for the rest of the day
	sf.sched.Evaluate(ctx)
	sf.clock = sf.clock.Add(6 * time.Hour)
	sf.sched.Evaluate(ctx)

	// THEN: Nothing fires until next month's window
	assert.Empty(t, sf.executions(t, "co-1"))
}

func TestScheduler_BrokenConfigIsSkipped(t *testing.T) {
	// GIVEN: One healthy company and one with an impossible window
	sf := newSchedFixture(t)
	ctx := context.Background()
	sf.saveConfig(t, billing.ScheduleConfig{
		CompanyID:      "co-broken",
		InvoiceEnabled: true,
		InvoiceDay:     31,
	})

	// WHEN: A tick
	sf.sched.Evaluate(ctx)

	// THEN: The healthy company still ran; the broken one did not
	assert.Len(t, sf.executions(t, "co-1"), 1)
	assert.Empty(t, sf.executions(t, "co-broken"))
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	sf := newSchedFixture(t)
	sf.sched.Tick = 10 * time.Millisecond

	sf.sched.Start()
	sf.sched.Start()
	sf.sched.Stop()
	sf.sched.Stop()
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	// GIVEN: A scheduler that has been started and stopped once
	sf := newSchedFixture(t)
	sf.sched.Tick = 10 * time.Millisecond
	sf.sched.Start()
	sf.sched.Stop()

	// WHEN: Starting again
	sf.sched.Start()

	// THEN: The loop is alive and a second Stop shuts it down cleanly
	select {
	case <-sf.sched.stop:
		t.Fatal("stop channel already closed after restart")
	default:
	}
	sf.sched.Stop()
}

/*
scheduler.go - The dual control-loop scheduler

PURPOSE:
  Evaluates both due-checks for every configured company once per minute
  and fires the matching runs. Two independent loops share one ticker:

  - Invoice generation: a calendar window (day D at HH:MM, once a month).
    A one-minute tick granularity is what makes the exact-minute check
    reliable; a coarser tick could step over the window entirely.
  - Reconciliation: an interval (every N minutes/hours/days/weeks).

DESIGN:
  - One background goroutine, one ticker
  - Per-tick, companies are processed sequentially; runs for different
    ticks never overlap because the loop body runs on the ticker goroutine
  - A company with a broken config is skipped and logged, never fatal
  - Manual runs (see handlers.go) share the Runner and therefore the
    timestamp policy; the scheduler simply respects what they recorded

USAGE:
  scheduler := NewScheduler(configs, runner, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - billing/schedule.go: the due checks
  - billing/runner.go: the loop bodies
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
)

// Scheduler drives the two control loops for every configured company.
type Scheduler struct {
	Configs billing.ConfigStore
	Runner  *billing.Runner
	Log     zerolog.Logger

	// Tick defaults to one minute. Shorter ticks are only useful in tests.
	Tick time.Duration

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a scheduler with a one-minute tick.
func NewScheduler(configs billing.ConfigStore, runner *billing.Runner, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		Configs: configs,
		Runner:  runner,
		Log:     log.With().Str("component", "scheduler").Logger(),
		Tick:    time.Minute,
		Now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	// Stop closed the previous channel; every Start gets a fresh one so
	// the scheduler survives a stop/start cycle.
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Tick)
	s.wg.Add(1)
	go s.run()

	s.Log.Info().Dur("tick", s.Tick).Msg("scheduler started")
}

// Stop stops the scheduler and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ticker.C:
			s.Evaluate(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Evaluate runs both due-checks for every configured company, firing the
// runs that are due. Exported so tests and operators can drive a single
// tick deterministically.
func (s *Scheduler) Evaluate(ctx context.Context) {
	now := s.Now()

	companies, err := s.Configs.Companies(ctx)
	if err != nil {
		s.Log.Error().Err(err).Msg("failed to list companies")
		return
	}

	for _, company := range companies {
		s.evaluateCompany(ctx, company, now)
	}
}

func (s *Scheduler) evaluateCompany(ctx context.Context, company billing.CompanyID, now time.Time) {
	log := s.Log.With().Str("company", string(company)).Logger()

	cfg, err := s.Configs.GetConfig(ctx, company)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return
	}
	if err := cfg.Validate(); err != nil {
		// A broken config must not stop the other companies.
		log.Error().Err(err).Msg("skipping company with invalid config")
		return
	}

	if cfg.InvoiceWindowDue(now) {
		log.Info().Time("now", now).Msg("invoice window due")
		if _, err := s.Runner.RunInvoiceGeneration(ctx, company, false); err != nil {
			log.Error().Err(err).Msg("invoice run failed")
		}
		// The invoice run may have advanced timestamps; re-read before
		// the interval check.
		if cfg, err = s.Configs.GetConfig(ctx, company); err != nil {
			log.Error().Err(err).Msg("failed to reload config")
			return
		}
	}

	if cfg.ReconciliationDue(now) {
		log.Debug().Time("now", now).Msg("reconciliation interval due")
		if _, err := s.Runner.RunReconciliation(ctx, company, false); err != nil {
			log.Error().Err(err).Msg("reconciliation run failed")
		}
	}
}

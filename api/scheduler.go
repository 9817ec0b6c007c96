/*
scheduler.go - Automated recurrence scheduler

PURPOSE:
  Periodically runs the recurrence engine for the current period so that
  recurring commitments generate their commissions without an operator
  calling /api/recurrence/run by hand.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - One run per configured organisation per tick
  - Idempotency keys make repeated runs cheap: commitments already
    processed for the period are skipped, so a short interval is safe

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Organisations: Tenants to run for (default: the single-tenant default)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewRecurrenceScheduler(engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunRecurrence endpoint (manual runs)
  - commission/recurrence.go: RecurrenceEngine
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
)

// RecurrenceScheduler runs the recurrence engine on a fixed interval.
type RecurrenceScheduler struct {
	Engine        *commission.RecurrenceEngine
	CheckInterval time.Duration
	Organisations []commission.OrganisationID
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRecurrenceScheduler creates a new scheduler.
func NewRecurrenceScheduler(engine *commission.RecurrenceEngine) *RecurrenceScheduler {
	return &RecurrenceScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Organisations: []commission.OrganisationID{DefaultOrganisation},
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (rs *RecurrenceScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	log.Printf("[Scheduler] Started with check interval: %v", rs.CheckInterval)
}

// Stop stops the scheduler.
func (rs *RecurrenceScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (rs *RecurrenceScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.checkAndProcess()

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess()
		case <-rs.stop:
			return
		}
	}
}

func (rs *RecurrenceScheduler) checkAndProcess() {
	ctx := context.Background()
	period := commission.PeriodOf(time.Now().UTC())

	for _, org := range rs.Organisations {
		summary, err := rs.Engine.Run(ctx, org, period, "scheduler")
		if err != nil {
			log.Printf("[Scheduler] Run failed for %s/%s: %v", org, period, err)
			continue
		}
		if summary.Generated > 0 || summary.Failed > 0 {
			log.Printf("[Scheduler] %s/%s: %d generated, %d skipped, %d failed",
				org, period, summary.Generated, summary.Skipped, summary.Failed)
		}
	}
}

// RunNow triggers an immediate run (for testing/admin).
func (rs *RecurrenceScheduler) RunNow() {
	rs.checkAndProcess()
}

// GetNextRunTime returns when the next scheduled run will occur.
func (rs *RecurrenceScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}

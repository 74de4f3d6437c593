/*
scheduler.go - Recurring day-boundary reconciliation

PURPOSE:
  Runs the store's RecomputeDerived batch on an interval so derived fields
  never drift even when no view is open. The batch is idempotent, so the
  interval is a freshness knob, not a correctness one; staff can also
  trigger the same reconciliation on demand via POST /api/admin/recompute.

USAGE:
  scheduler := NewRecomputeScheduler(machine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - loan/machine.go: Recompute
  - handlers.go: the on-demand endpoint
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/room19/loan-engine/loan"
)

// RecomputeScheduler periodically reconciles derived loan fields.
type RecomputeScheduler struct {
	Machine       *loan.Machine
	CheckInterval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRecomputeScheduler(machine *loan.Machine) *RecomputeScheduler {
	return &RecomputeScheduler{
		Machine:       machine,
		CheckInterval: 1 * time.Hour,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler. Runs one reconciliation immediately.
func (rs *RecomputeScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)
	go rs.run()

	log.Printf("[Scheduler] started with check interval: %v", rs.CheckInterval)
}

// Stop stops the scheduler and waits for the worker to exit.
func (rs *RecomputeScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		log.Println("[Scheduler] stopped")
	}
}

// RunNow triggers an immediate reconciliation (for admin/testing).
func (rs *RecomputeScheduler) RunNow() {
	rs.check()
}

func (rs *RecomputeScheduler) run() {
	defer rs.wg.Done()

	rs.check()
	for {
		select {
		case <-rs.ticker.C:
			rs.check()
		case <-rs.stop:
			return
		}
	}
}

func (rs *RecomputeScheduler) check() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := rs.Machine.Recompute(ctx)
	if err != nil {
		log.Printf("[Scheduler] recompute failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Scheduler] reconciled %d loans", n)
	}
}

package broadcast

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/room19/loan-engine/loan"
)

// Snapshot is what a view renders: the fresh canonical record plus the
// derived fields, all re-computed locally from the fetch.
type Snapshot struct {
	Loan        loan.Loan
	Status      loan.Status
	DaysLate    int
	AccruedFine loan.Money
	Plan        loan.ExtensionPlan
}

// Derive re-computes the view-facing fields from a canonical record.
func Derive(l loan.Loan, now time.Time) Snapshot {
	return Snapshot{
		Loan:        l,
		Status:      loan.Resolve(l, now),
		DaysLate:    loan.DaysLate(l.Due, now),
		AccruedFine: loan.AccruedFine(l, now),
		Plan:        loan.Plan(l, now),
	}
}

// Poller keeps one open view of one loan fresh. It re-fetches on a fixed
// interval and immediately on each bus signal, re-deriving locally each
// time. Fetch failures are non-fatal: the next tick resolves them.
type Poller struct {
	store    loan.Store
	bus      *Bus
	clock    loan.Clock
	loanID   loan.LoanID
	interval time.Duration
	onUpdate func(Snapshot)

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller wires a view to the store and the bus. The interval is clamped
// to the 1-3s consistency band. onUpdate runs on the poller goroutine.
func NewPoller(store loan.Store, bus *Bus, clock loan.Clock, id loan.LoanID,
	interval time.Duration, onUpdate func(Snapshot)) *Poller {

	if interval < time.Second {
		interval = time.Second
	}
	if interval > 3*time.Second {
		interval = 3 * time.Second
	}
	return &Poller{
		store:    store,
		bus:      bus,
		clock:    clock,
		loanID:   id,
		interval: interval,
		onUpdate: onUpdate,
		kick:     make(chan struct{}, 1),
	}
}

// Start begins polling until Stop or ctx cancellation.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	unsubscribe := p.bus.Subscribe(p.loanID, func(loan.Mutation) {
		// Coalesce: one pending kick is enough, the refetch reads truth.
		select {
		case p.kick <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(p.done)
		defer unsubscribe()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.refetch(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.refetch(ctx)
			case <-p.kick:
				p.refetch(ctx)
			}
		}
	}()
}

// Stop tears the view down: unsubscribes and stops the timer. Blocks until
// the poll goroutine exits.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Poller) refetch(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	l, err := p.store.Get(fetchCtx, p.loanID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[Poller] fetch loan %s: %v", p.loanID, err)
		}
		return
	}
	p.onUpdate(Derive(l, p.clock.Now()))
}

/*
Package broadcast keeps concurrently open views of a loan converging on the
authoritative record.

PURPOSE:
  After any committed transition the state machine emits a LoanMutated
  signal. This package delivers it on two tiers and backs both with polling:

    1. Bus  - in-process publish/subscribe for same-process observers
    2. Hub  - cross-context websocket signal carrying only {loan_id, kind}
    3. Poller - each open view independently re-fetches on a fixed interval
       as a fallback against missed signals

  A signal is never the payload of record. On receipt (or on a poll tick) a
  view re-fetches the canonical loan and re-derives status, fine, and
  options locally through the pure calculators. The consistency guarantee
  is eventual: every view converges within one poll interval or one signal
  delivery, whichever is sooner; beyond that, last fetch wins.

SEE ALSO:
  - loan/machine.go: the only emitter
  - poller.go: the view-side loop
*/
package broadcast

import (
	"sync"

	"github.com/room19/loan-engine/loan"
)

// =============================================================================
// BUS - In-process publish/subscribe
// =============================================================================

// Bus fans LoanMutated signals out to same-process subscribers. Delivery is
// asynchronous: a slow subscriber never blocks the emitter or its siblings.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	byLoan map[loan.LoanID]map[int]func(loan.Mutation)
	all    map[int]func(loan.Mutation)
}

func NewBus() *Bus {
	return &Bus{
		byLoan: make(map[loan.LoanID]map[int]func(loan.Mutation)),
		all:    make(map[int]func(loan.Mutation)),
	}
}

// Subscribe registers a callback for one loan's mutations. The returned
// cancel func unsubscribes; views must call it on teardown.
func (b *Bus) Subscribe(id loan.LoanID, fn func(loan.Mutation)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	subID := b.nextID
	if b.byLoan[id] == nil {
		b.byLoan[id] = make(map[int]func(loan.Mutation))
	}
	b.byLoan[id][subID] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.byLoan[id], subID)
		if len(b.byLoan[id]) == 0 {
			delete(b.byLoan, id)
		}
	}
}

// SubscribeAll registers a callback for every mutation, including batch
// recomputes that carry no loan id.
func (b *Bus) SubscribeAll(fn func(loan.Mutation)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	subID := b.nextID
	b.all[subID] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, subID)
	}
}

// LoanMutated implements loan.Notifier.
func (b *Bus) LoanMutated(m loan.Mutation) {
	b.mu.RLock()
	targets := make([]func(loan.Mutation), 0, len(b.all)+len(b.byLoan[m.LoanID]))
	for _, fn := range b.byLoan[m.LoanID] {
		targets = append(targets, fn)
	}
	for _, fn := range b.all {
		targets = append(targets, fn)
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		go fn(m)
	}
}

var _ loan.Notifier = (*Bus)(nil)

// =============================================================================
// FANOUT - Compose the two signal tiers behind one Notifier
// =============================================================================

// Fanout forwards each mutation to every attached Notifier (typically the
// Bus and the Hub).
type Fanout []loan.Notifier

func (f Fanout) LoanMutated(m loan.Mutation) {
	for _, n := range f {
		n.LoanMutated(m)
	}
}

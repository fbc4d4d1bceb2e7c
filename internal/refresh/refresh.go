// Package refresh decides whether quote refresh cycles continue and provides
// the scheduling primitives used by the request controller.
package refresh

import (
	"context"
	"sync"
	"time"
)

type Policy struct {
	MaxRefreshCount int
	// InsufficientBalanceOverride suspends refreshing, e.g. on simulated
	// networks where balances are not real.
	InsufficientBalanceOverride bool
}

// ShouldRefresh reports whether another refresh cycle should be scheduled.
func ShouldRefresh(refreshCount int, p Policy) bool {
	if p.InsufficientBalanceOverride {
		return false
	}
	return refreshCount < p.MaxRefreshCount
}

// Debouncer runs the most recently triggered function once no new trigger
// arrived for the configured delay. Every trigger is counted until it has
// run or was dropped, so Wait covers pending work as well as running work.
type Debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	gen   uint64
	wg    sync.WaitGroup
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Trigger schedules fn, replacing any pending function.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.gen++
	gen := d.gen
	d.wg.Add(1)
	d.timer = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending function. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	return d.stopLocked()
}

// stopLocked stops the pending timer. A timer that already fired releases
// its own count once it sees the bumped generation.
func (d *Debouncer) stopLocked() bool {
	if d.timer == nil {
		return false
	}
	stopped := d.timer.Stop()
	if stopped {
		d.wg.Done()
	}
	d.timer = nil
	return stopped
}

// Wait blocks until every triggered function has run or was dropped.
func (d *Debouncer) Wait() {
	d.wg.Wait()
}

// Pending reports whether a function is waiting to run.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Ticket identifies one issued request.
type Ticket struct {
	Seq uint64
	Key string
}

// Tracker hands out tickets for requests. Starting a request supersedes the
// previous one: its context is cancelled and its ticket is published on the
// superseded channel.
type Tracker struct {
	mu         sync.Mutex
	seq        uint64
	current    Ticket
	cancel     context.CancelFunc
	superseded chan Ticket
}

func NewTracker() *Tracker {
	return &Tracker{superseded: make(chan Ticket, 16)}
}

// Begin starts a request for key and returns its context and ticket.
func (t *Tracker) Begin(parent context.Context, key string) (context.Context, Ticket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.supersedeLocked()
	t.seq++
	ctx, cancel := context.WithCancel(parent)
	t.current = Ticket{Seq: t.seq, Key: key}
	t.cancel = cancel
	return ctx, t.current
}

// Current reports whether ticket belongs to the latest request.
func (t *Tracker) Current(ticket Ticket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ticket.Seq != 0 && ticket == t.current
}

// Finish releases ticket's context once its result has been handled. A
// finished request is not reported as superseded.
func (t *Tracker) Finish(ticket Ticket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ticket != t.current || t.cancel == nil {
		return
	}
	t.cancel()
	t.cancel = nil
}

// Reset supersedes the in-flight request without starting a new one.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.supersedeLocked()
	t.seq++
	t.current = Ticket{}
}

// Superseded delivers tickets of requests replaced before completion.
// Deliveries are dropped when nobody drains the channel.
func (t *Tracker) Superseded() <-chan Ticket {
	return t.superseded
}

func (t *Tracker) supersedeLocked() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.cancel = nil
	select {
	case t.superseded <- t.current:
	default:
	}
}

// Package poller tails the remote event store for one workflow at a time.
//
// Polling keeps a strictly-greater-than timestamp cursor per run. A fresh
// run starts from cursor zero so records written before the poller attached
// are still retrieved. Consecutive failures climb a backoff ladder; the
// first successful poll resets it.
package poller

import (
	"context"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/agenttrail/agenttrail/internal/log"
	"github.com/agenttrail/agenttrail/internal/pubsub"
	"github.com/agenttrail/agenttrail/internal/workflow/events"
	"github.com/agenttrail/agenttrail/internal/workflow/store"
)

// DefaultInterval is the steady-state poll cadence.
const DefaultInterval = 500 * time.Millisecond

// seenTTL matches the remote store's record TTL.
const seenTTL = 2 * time.Hour

// PollError describes one failed poll attempt. The poller keeps retrying;
// this is operator diagnostics, not a terminal condition.
type PollError struct {
	WorkflowID string
	// Attempt is the 1-based count of consecutive failures.
	Attempt   int
	NextRetry time.Duration
	Err       string
}

// Poller tails the store for the active workflow and publishes new records.
type Poller struct {
	store    store.EventStore
	interval time.Duration

	// backoffSteps overrides the default ladder; nil means the default.
	backoffSteps []time.Duration

	mu         sync.Mutex
	workflowID string
	cursor     int64
	seen       *cache.Cache
	cancel     context.CancelFunc
	active     bool

	eventsOut *pubsub.Broker[events.Event]
	pollErrs  *pubsub.Broker[PollError]
}

// Option customizes a Poller.
type Option func(*Poller)

// WithInterval overrides the steady-state poll cadence.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// New creates a Poller over the given store. It does not poll until
// StartPolling is called.
func New(st store.EventStore, opts ...Option) *Poller {
	p := &Poller{
		store:     st,
		interval:  DefaultInterval,
		seen:      cache.New(seenTTL, seenTTL),
		eventsOut: pubsub.NewBroker[events.Event](),
		pollErrs:  pubsub.NewBroker[PollError](),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StartPolling begins tailing workflowID.
//
// Calling it for the already-active workflow is a no-op. Calling it for the
// same workflow after the poller stopped resumes with the existing cursor
// and identity set. A different workflow resets both and starts from zero.
func (p *Poller) StartPolling(ctx context.Context, workflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active && p.workflowID == workflowID {
		return
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.workflowID != workflowID {
		p.workflowID = workflowID
		p.cursor = 0
		p.seen.Flush()
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.active = true

	log.Debug(log.CatPoll, "polling started", "workflowID", workflowID, "cursor", p.cursor)
	log.SafeGo("poller.loop", func() { p.loop(runCtx, workflowID) })
}

// StopPolling halts the poll loop. The cursor and identity set survive so
// a later StartPolling for the same workflow resumes where it left off.
func (p *Poller) StopPolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.active = false
}

// Active reports whether a poll loop is currently running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Poller) loop(ctx context.Context, workflowID string) {
	backoff := Backoff{steps: p.backoffSteps}
	timer := time.NewTimer(0) // first poll fires immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		terminal, err := p.pollOnce(ctx, workflowID)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			delay := backoff.Next()
			log.Warn(log.CatPoll, "poll failed",
				"workflowID", workflowID, "attempt", backoff.Attempt, "retryIn", delay, "err", err.Error())
			p.pollErrs.Publish(PollError{
				WorkflowID: workflowID,
				Attempt:    backoff.Attempt,
				NextRetry:  delay,
				Err:        err.Error(),
			})
			timer.Reset(delay)
		case terminal:
			log.Debug(log.CatPoll, "terminal record observed, polling stopped", "workflowID", workflowID)
			p.stopSelf(workflowID)
			return
		default:
			backoff.Reset()
			timer.Reset(p.interval)
		}
	}
}

// pollOnce fetches records past the cursor and publishes the new ones.
// It reports whether a terminal record was observed; nothing after a
// terminal record in the same batch is published.
func (p *Poller) pollOnce(ctx context.Context, workflowID string) (bool, error) {
	p.mu.Lock()
	after := p.cursor
	p.mu.Unlock()

	recs, err := p.store.QueryEvents(ctx, workflowID, after)
	if err != nil {
		return false, err
	}

	for _, ev := range recs {
		p.mu.Lock()
		if ev.Timestamp > p.cursor {
			p.cursor = ev.Timestamp
		}
		id := events.PolledIdentity(ev.WorkflowID, ev.Timestamp)
		if _, dup := p.seen.Get(id); dup {
			p.mu.Unlock()
			continue
		}
		p.seen.SetDefault(id, struct{}{})
		p.mu.Unlock()

		p.eventsOut.Publish(ev)
		if ev.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// stopSelf marks the loop stopped unless a newer run already took over.
func (p *Poller) stopSelf(workflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workflowID == workflowID && p.active {
		p.active = false
		p.cancel = nil
	}
}

// Events subscribes to records retrieved from the store.
func (p *Poller) Events(ctx context.Context) <-chan pubsub.Event[events.Event] {
	return p.eventsOut.Subscribe(ctx)
}

// PollErrors subscribes to poll failure diagnostics.
func (p *Poller) PollErrors(ctx context.Context) <-chan pubsub.Event[PollError] {
	return p.pollErrs.Subscribe(ctx)
}

// Close stops polling and closes the outbound channels.
func (p *Poller) Close() {
	p.StopPolling()
	p.eventsOut.Close()
	p.pollErrs.Close()
}

// Package merger combines the stdout and polled event streams into one
// append-only, timestamp-ordered log.
//
// Arrivals are coalesced in a short debounce window and sorted by
// timestamp within it; entries already in the log are never reordered.
// Run outcome is trusted only from the stdout stream: a polled terminal
// record merges into the log but never produces an Outcome.
package merger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agenttrail/agenttrail/internal/log"
	"github.com/agenttrail/agenttrail/internal/pubsub"
	"github.com/agenttrail/agenttrail/internal/workflow/events"
)

// DefaultDebounce is the coalescing window for arrivals.
const DefaultDebounce = 50 * time.Millisecond

// Merger merges two event sources into an ordered log.
type Merger struct {
	debounce time.Duration

	mu          sync.Mutex
	pending     []events.MergedEntry
	entries     []events.MergedEntry
	timer       *time.Timer
	outcomeSent bool

	batches  *pubsub.Broker[[]events.MergedEntry]
	outcomes *pubsub.Broker[events.Event]
}

// Option customizes a Merger.
type Option func(*Merger)

// WithDebounce overrides the coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(m *Merger) { m.debounce = d }
}

// New creates an empty Merger.
func New(opts ...Option) *Merger {
	m := &Merger{
		debounce: DefaultDebounce,
		batches:  pubsub.NewBroker[[]events.MergedEntry](),
		outcomes: pubsub.NewBroker[events.Event](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ingest adds one event from the given source. Every arrival rearms the
// debounce timer; the batch flushes once the stream goes quiet for the
// whole window.
func (m *Merger) Ingest(src events.Source, ev events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = append(m.pending, events.MergedEntry{Source: src, Event: ev})
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, m.flush)
}

// flush sorts and publishes the pending window.
func (m *Merger) flush() {
	m.mu.Lock()
	m.timer = nil
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}

	batch := m.pending
	m.pending = nil
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Event.Timestamp < batch[j].Event.Timestamp
	})
	m.entries = append(m.entries, batch...)

	var outcome *events.Event
	if !m.outcomeSent {
		for _, entry := range batch {
			if entry.Source == events.SourceStdout && entry.Event.IsTerminal() {
				ev := entry.Event
				outcome = &ev
				m.outcomeSent = true
				break
			}
		}
	}
	m.mu.Unlock()

	log.Debug(log.CatMerge, "flushed batch", "entries", len(batch))
	m.batches.Publish(batch)
	if outcome != nil {
		m.outcomes.Publish(*outcome)
	}
}

// Reset discards the log and pending window. Call when a new run begins.
func (m *Merger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = nil
	m.entries = nil
	m.outcomeSent = false
}

// NextTurn rearms the outcome for a follow-up turn while keeping the
// merged log. Each turn announces at most one outcome.
func (m *Merger) NextTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomeSent = false
}

// Log returns a snapshot of the merged log in publication order.
func (m *Merger) Log() []events.MergedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.MergedEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Batches subscribes to sorted debounce-window batches.
func (m *Merger) Batches(ctx context.Context) <-chan pubsub.Event[[]events.MergedEntry] {
	return m.batches.Subscribe(ctx)
}

// Outcomes subscribes to the run outcome. At most one outcome is published
// per run, carrying the stdout terminal event.
func (m *Merger) Outcomes(ctx context.Context) <-chan pubsub.Event[events.Event] {
	return m.outcomes.Subscribe(ctx)
}

// Close closes the outbound channels.
func (m *Merger) Close() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.batches.Close()
	m.outcomes.Close()
}

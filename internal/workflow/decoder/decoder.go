// Package decoder turns raw stdout lines into typed domain events.
//
// Malformed lines are reported on a separate diagnostics channel and never
// halt the stream. Events whose identity was already seen in the current
// run are dropped silently.
package decoder

import (
	"context"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/agenttrail/agenttrail/internal/log"
	"github.com/agenttrail/agenttrail/internal/pubsub"
	"github.com/agenttrail/agenttrail/internal/workflow/events"
)

// maxErrorExcerpt bounds the copy of an offending line attached to a parse
// error diagnostic.
const maxErrorExcerpt = 200

// seenTTL matches the remote store's record TTL; identities older than this
// can never be retransmitted.
const seenTTL = 2 * time.Hour

// ParseError describes a line that could not be decoded. It is a
// diagnostic for the operator channel, not a domain event.
type ParseError struct {
	WorkflowID string
	// Line is a truncated copy of the offending input.
	Line string
	Err  string
}

// Decoder decodes JSON Lines into domain events with per-run dedup.
type Decoder struct {
	mu   sync.Mutex
	seen *cache.Cache

	eventsOut *pubsub.Broker[events.Event]
	parseErrs *pubsub.Broker[ParseError]
}

// New creates a Decoder with an empty identity set.
func New() *Decoder {
	return &Decoder{
		seen:      cache.New(seenTTL, seenTTL),
		eventsOut: pubsub.NewBroker[events.Event](),
		parseErrs: pubsub.NewBroker[ParseError](),
	}
}

// Reset clears the identity set. Call when a new run begins.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen.Flush()
}

// HandleLine decodes one raw line. Valid new events are published; valid
// duplicates are dropped; malformed lines produce a parse-error diagnostic
// and the stream continues.
func (d *Decoder) HandleLine(workflowID, line string) {
	ev, err := events.Parse([]byte(line))
	if err != nil {
		excerpt := line
		if len(excerpt) > maxErrorExcerpt {
			excerpt = excerpt[:maxErrorExcerpt]
		}
		log.Warn(log.CatParse, "dropping undecodable line",
			"workflowID", workflowID, "err", err.Error())
		d.parseErrs.Publish(ParseError{
			WorkflowID: workflowID,
			Line:       excerpt,
			Err:        err.Error(),
		})
		return
	}

	id := ev.Identity()

	d.mu.Lock()
	if _, dup := d.seen.Get(id); dup {
		d.mu.Unlock()
		return
	}
	d.seen.SetDefault(id, struct{}{})
	d.mu.Unlock()

	d.eventsOut.Publish(ev)
}

// Events subscribes to decoded domain events.
func (d *Decoder) Events(ctx context.Context) <-chan pubsub.Event[events.Event] {
	return d.eventsOut.Subscribe(ctx)
}

// ParseErrors subscribes to decode diagnostics.
func (d *Decoder) ParseErrors(ctx context.Context) <-chan pubsub.Event[ParseError] {
	return d.parseErrs.Subscribe(ctx)
}

// Close closes both outbound channels.
func (d *Decoder) Close() {
	d.eventsOut.Close()
	d.parseErrs.Close()
}

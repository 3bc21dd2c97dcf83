// Package store defines the remote event store port.
//
// The store is an append-only table keyed by (workflow_id, timestamp).
// Records written before a poller attaches are retrieved by querying from
// a zero cursor.
package store

import (
	"context"

	"github.com/agenttrail/agenttrail/internal/workflow/events"
)

// EventStore is the read/write port for the remote event store.
type EventStore interface {
	// QueryEvents returns all records for workflowID with timestamp
	// strictly greater than afterTimestamp, sorted ascending by
	// timestamp.
	QueryEvents(ctx context.Context, workflowID string, afterTimestamp int64) ([]events.Event, error)

	// PutEvent writes one record. Writes are fire-and-forget at the call
	// sites: failures are logged, never propagated into the run.
	PutEvent(ctx context.Context, ev events.Event) error
}

// Package status derives a single workflow status from the merged event
// log and process lifecycle.
//
// Precedence when signals disagree: a kill always wins, an error beats a
// completion, and a completion beats the partial state inferred from the
// entry node stopping without a terminal event.
package status

import (
	"context"
	"sync"

	"github.com/agenttrail/agenttrail/internal/log"
	"github.com/agenttrail/agenttrail/internal/pubsub"
	"github.com/agenttrail/agenttrail/internal/workflow/events"
	"github.com/agenttrail/agenttrail/internal/workflow/launcher"
)

// Status is the derived state of the active workflow.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusPartial  Status = "partial"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusKilled   Status = "killed"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether the run has reached a final state.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusKilled
}

// Transition is one status change.
type Transition struct {
	WorkflowID string
	From       Status
	To         Status
}

// Tracker folds merged entries and process state into a Status.
type Tracker struct {
	mu          sync.Mutex
	status      Status
	workflowID  string
	entryNodeID string

	transitions *pubsub.Broker[Transition]
}

// New creates an idle Tracker.
func New() *Tracker {
	return &Tracker{
		status:      StatusIdle,
		transitions: pubsub.NewBroker[Transition](),
	}
}

// Status returns the current derived status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// BeginRun resets the tracker for a fresh run.
func (t *Tracker) BeginRun(workflowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workflowID = workflowID
	t.entryNodeID = ""
	t.setLocked(StatusRunning)
}

// ObserveFollowUp marks a paused multi-turn run active again.
func (t *Tracker) ObserveFollowUp() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusPartial {
		t.setLocked(StatusRunning)
	}
}

// ObserveEntry folds one merged log entry into the status.
//
// The entry node is whichever node starts first. If it stops while the run
// is still live and no terminal event arrives, the run is partial: the
// workflow yielded control without finishing.
func (t *Tracker) ObserveEntry(entry events.MergedEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ev := entry.Event
	switch ev.Type {
	case events.TypeNodeStart:
		if t.entryNodeID == "" {
			t.entryNodeID = ev.NodeID
		}
	case events.TypeNodeStop:
		if ev.NodeID == t.entryNodeID && t.status == StatusRunning {
			t.setLocked(StatusPartial)
		}
	case events.TypeWorkflowComplete:
		if t.status != StatusKilled && t.status != StatusError {
			t.setLocked(StatusComplete)
		}
	case events.TypeWorkflowError:
		if t.status != StatusKilled {
			t.setLocked(StatusError)
		}
	}
}

// ObserveProcessState folds a launcher state change into the status.
// Process exit codes never mark success; completion comes only from the
// stdout terminal event.
func (t *Tracker) ObserveProcessState(state launcher.ProcessState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch state {
	case launcher.StateKilled:
		if t.status != StatusKilled {
			t.setLocked(StatusKilled)
		}
	case launcher.StateFailed:
		if t.status == StatusRunning || t.status == StatusPartial {
			t.setLocked(StatusError)
		}
	}
}

func (t *Tracker) setLocked(to Status) {
	from := t.status
	if from == to {
		return
	}
	t.status = to
	log.Debug(log.CatRun, "status changed",
		"workflowID", t.workflowID, "from", from, "to", to)
	t.transitions.Publish(Transition{
		WorkflowID: t.workflowID,
		From:       from,
		To:         to,
	})
}

// Transitions subscribes to status changes.
func (t *Tracker) Transitions(ctx context.Context) <-chan pubsub.Event[Transition] {
	return t.transitions.Subscribe(ctx)
}

// Close closes the transition channel.
func (t *Tracker) Close() {
	t.transitions.Close()
}

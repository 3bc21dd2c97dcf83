// Package events defines the domain event vocabulary shared by the stdout
// stream and the remote event store.
//
// The agent workload emits one JSON object per stdout line:
//
//	{"event_type":"node_start","timestamp":1712000000123,"workflow_id":"wf-1","node_id":"triage","node_name":"Triage"}
//	{"event_type":"workflow_complete","timestamp":1712000009000,"workflow_id":"wf-1","status":"success","final_agent":"aggregator"}
//
// The remote store holds tool execution records keyed (workflow_id,
// timestamp); records without an event_type discriminator are tool events.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates domain event kinds.
type Type string

const (
	TypeGraphStructure   Type = "graph_structure"
	TypeNodeStart        Type = "node_start"
	TypeNodeStop         Type = "node_stop"
	TypeNodeStream       Type = "node_stream"
	TypeRouterDecision   Type = "router_decision"
	TypeToolEvent        Type = "tool_event"
	TypeWorkflowComplete Type = "workflow_complete"
	TypeWorkflowError    Type = "workflow_error"
)

// knownTypes is the set of accepted event_type discriminators.
var knownTypes = map[Type]struct{}{
	TypeGraphStructure:   {},
	TypeNodeStart:        {},
	TypeNodeStop:         {},
	TypeNodeStream:       {},
	TypeRouterDecision:   {},
	TypeToolEvent:        {},
	TypeWorkflowComplete: {},
	TypeWorkflowError:    {},
}

// IsTerminal reports whether the type signals definitive success or failure
// of the whole run.
func (t Type) IsTerminal() bool {
	return t == TypeWorkflowComplete || t == TypeWorkflowError
}

// String returns the string representation of the Type.
func (t Type) String() string { return string(t) }

// Parse errors. ErrUnknownType and ErrInvalidTimestamp indicate a
// syntactically valid JSON object with an unrecognized shape.
var (
	ErrUnknownType      = errors.New("events: unrecognized event_type")
	ErrInvalidTimestamp = errors.New("events: missing or non-positive timestamp")
)

// Event is one domain event. Events are immutable once constructed; the
// pipeline passes them by value.
type Event struct {
	Type       Type   `json:"event_type"`
	Timestamp  int64  `json:"timestamp"` // epoch milliseconds
	WorkflowID string `json:"workflow_id"`
	TraceID    string `json:"trace_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`

	// Node lifecycle payload (node_start, node_stop, node_stream).
	NodeID   string `json:"node_id,omitempty"`
	NodeName string `json:"node_name,omitempty"`
	Text     string `json:"text,omitempty"`

	// Outcome payload (node_stop, workflow_complete, workflow_error,
	// tool events).
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	Result     string `json:"result,omitempty"`
	FinalAgent string `json:"final_agent,omitempty"`

	// Graph payload (graph_structure).
	Graph json.RawMessage `json:"graph,omitempty"`

	// Routing payload (router_decision).
	RouterModel string `json:"router_model,omitempty"`

	// Tool execution payload (polled records).
	EventID      string `json:"event_id,omitempty"`
	Agent        string `json:"agent,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Raw preserves the original wire bytes for stdout-sourced events.
	Raw []byte `json:"-"`
}

// IsTerminal reports whether this event ends the run.
func (e Event) IsTerminal() bool { return e.Type.IsTerminal() }

// Identity returns the dedup identity for this event.
//
// Stdout-sourced events are identified by their content: the same line
// retransmitted yields the same identity. Polled records carry the store's
// composite primary key (workflow_id, timestamp), which PolledIdentity
// exposes; Identity on a polled record falls back to the same key.
func (e Event) Identity() string {
	if len(e.Raw) > 0 {
		sum := sha256.Sum256(e.Raw)
		return hex.EncodeToString(sum[:16])
	}
	return PolledIdentity(e.WorkflowID, e.Timestamp)
}

// PolledIdentity is the composite key identity for a remote store record.
func PolledIdentity(workflowID string, timestamp int64) string {
	return fmt.Sprintf("%s/%d", workflowID, timestamp)
}

// Parse decodes one stdout line into an Event. It returns ErrUnknownType
// for a valid JSON object without a recognized discriminator and
// ErrInvalidTimestamp when the timestamp is absent or non-positive.
func Parse(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("events: malformed line: %w", err)
	}

	if _, ok := knownTypes[ev.Type]; !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
	if ev.Timestamp <= 0 {
		return Event{}, ErrInvalidTimestamp
	}

	ev.Raw = make([]byte, len(line))
	copy(ev.Raw, line)
	return ev, nil
}

// Source tags a merged entry with the channel it arrived on.
type Source string

const (
	SourceStdout Source = "stdout"
	SourcePolled Source = "polled"
)

// MergedEntry is a domain event tagged with its originating source. The
// merged log is an append-only, timestamp-ascending sequence of these.
type MergedEntry struct {
	Source Source
	Event  Event
}

package decoder

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agenttrail/agenttrail/internal/pubsub"
	"github.com/agenttrail/agenttrail/internal/workflow/events"
)

func drainEvents(ch <-chan pubsub.Event[events.Event], wait time.Duration) []events.Event {
	time.Sleep(wait)
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Payload)
		default:
			return out
		}
	}
}

func drainErrors(ch <-chan pubsub.Event[ParseError], wait time.Duration) []ParseError {
	time.Sleep(wait)
	var out []ParseError
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Payload)
		default:
			return out
		}
	}
}

func TestHandleLine_ValidLineEmitsEvent(t *testing.T) {
	d := New()
	defer d.Close()

	ch := d.Events(context.Background())
	d.HandleLine("wf-1", `{"event_type":"node_start","timestamp":1000,"workflow_id":"wf-1","node_id":"triage"}`)

	got := drainEvents(ch, 10*time.Millisecond)
	require.Len(t, got, 1)
	require.Equal(t, events.TypeNodeStart, got[0].Type)
	require.Equal(t, "triage", got[0].NodeID)
}

func TestHandleLine_MalformedLinesNeverBlockValidOnes(t *testing.T) {
	d := New()
	defer d.Close()

	evCh := d.Events(context.Background())
	errCh := d.ParseErrors(context.Background())

	lines := []string{
		`{"event_type":"node_start","timestamp":1000,"workflow_id":"wf-1","node_id":"a"}`,
		`garbage not json`,
		`{"event_type":"unknown_kind","timestamp":2000}`,
		`{"event_type":"node_stop","timestamp":3000,"workflow_id":"wf-1","node_id":"a","status":"completed"}`,
		`{"event_type":"node_start","timestamp":4000`,
		`{"event_type":"workflow_complete","timestamp":5000,"workflow_id":"wf-1","status":"success"}`,
	}
	for _, line := range lines {
		d.HandleLine("wf-1", line)
	}

	got := drainEvents(evCh, 10*time.Millisecond)
	require.Len(t, got, 3, "only the three valid lines decode")
	require.Equal(t, events.TypeNodeStart, got[0].Type)
	require.Equal(t, events.TypeNodeStop, got[1].Type)
	require.Equal(t, events.TypeWorkflowComplete, got[2].Type)

	errs := drainErrors(errCh, 10*time.Millisecond)
	require.Len(t, errs, 3)
}

func TestHandleLine_ParseErrorTruncatesLine(t *testing.T) {
	d := New()
	defer d.Close()

	errCh := d.ParseErrors(context.Background())
	long := "x" + strings.Repeat("y", 500)
	d.HandleLine("wf-1", long)

	errs := drainErrors(errCh, 10*time.Millisecond)
	require.Len(t, errs, 1)
	require.Len(t, errs[0].Line, maxErrorExcerpt)
	require.Equal(t, "wf-1", errs[0].WorkflowID)
}

func TestHandleLine_DuplicateIdentityDroppedSilently(t *testing.T) {
	d := New()
	defer d.Close()

	evCh := d.Events(context.Background())
	errCh := d.ParseErrors(context.Background())

	line := `{"event_type":"node_start","timestamp":1000,"workflow_id":"wf-1","node_id":"a"}`
	d.HandleLine("wf-1", line)
	d.HandleLine("wf-1", line)

	require.Len(t, drainEvents(evCh, 10*time.Millisecond), 1)
	require.Empty(t, drainErrors(errCh, 10*time.Millisecond), "duplicates are not errors")
}

func TestReset_ClearsIdentitySet(t *testing.T) {
	d := New()
	defer d.Close()

	evCh := d.Events(context.Background())
	line := `{"event_type":"node_start","timestamp":1000,"workflow_id":"wf-1","node_id":"a"}`

	d.HandleLine("wf-1", line)
	d.Reset()
	d.HandleLine("wf-2", line)

	require.Len(t, drainEvents(evCh, 10*time.Millisecond), 2)
}

func TestHandleLine_HighVolumeDistinctEvents(t *testing.T) {
	d := New()
	defer d.Close()

	evCh := d.Events(context.Background())
	for i := 0; i < 100; i++ {
		d.HandleLine("wf-1", fmt.Sprintf(
			`{"event_type":"node_stream","timestamp":%d,"workflow_id":"wf-1","node_id":"a","text":"tok%d"}`,
			1000+i, i))
	}

	require.Len(t, drainEvents(evCh, 20*time.Millisecond), 100)
}

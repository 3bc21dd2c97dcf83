package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agenttrail/agenttrail/internal/pubsub"
	"github.com/agenttrail/agenttrail/internal/workflow/events"
)

type query struct {
	workflowID string
	after      int64
}

// fakeStore serves seeded records filtered by the cursor, optionally
// failing the first N queries or ignoring the cursor entirely.
type fakeStore struct {
	mu           sync.Mutex
	records      []events.Event
	queries      []query
	failuresLeft int
	ignoreCursor bool
}

func (f *fakeStore) QueryEvents(_ context.Context, workflowID string, after int64) ([]events.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query{workflowID, after})
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, errors.New("throttled")
	}
	var out []events.Event
	for _, r := range f.records {
		if r.WorkflowID != workflowID {
			continue
		}
		if f.ignoreCursor || r.Timestamp > after {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) PutEvent(_ context.Context, _ events.Event) error { return nil }

func (f *fakeStore) append(evs ...events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, evs...)
}

func (f *fakeStore) queryLog() []query {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]query, len(f.queries))
	copy(out, f.queries)
	return out
}

func toolRec(workflowID string, ts int64) events.Event {
	return events.Event{
		Type:       events.TypeToolEvent,
		WorkflowID: workflowID,
		Timestamp:  ts,
		ToolName:   "search",
		Status:     "completed",
	}
}

func terminalRec(workflowID string, ts int64) events.Event {
	return events.Event{
		Type:       events.TypeWorkflowComplete,
		WorkflowID: workflowID,
		Timestamp:  ts,
		Status:     "success",
	}
}

func collectEvents(t *testing.T, ch <-chan pubsub.Event[events.Event], n int) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev.Payload)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestStartPolling_FirstPollRetrievesPreexistingRecords(t *testing.T) {
	st := &fakeStore{records: []events.Event{toolRec("wf-1", 100), toolRec("wf-1", 200)}}
	p := New(st, WithInterval(10*time.Millisecond))
	defer p.Close()

	ch := p.Events(context.Background())
	p.StartPolling(context.Background(), "wf-1")

	got := collectEvents(t, ch, 2)
	require.Equal(t, int64(100), got[0].Timestamp)
	require.Equal(t, int64(200), got[1].Timestamp)
	require.Equal(t, int64(0), st.queryLog()[0].after, "fresh runs start from cursor zero")
}

func TestPolling_CursorAdvancesPastDelivered(t *testing.T) {
	st := &fakeStore{records: []events.Event{toolRec("wf-1", 100)}}
	p := New(st, WithInterval(10*time.Millisecond))
	defer p.Close()

	ch := p.Events(context.Background())
	p.StartPolling(context.Background(), "wf-1")
	collectEvents(t, ch, 1)

	st.append(toolRec("wf-1", 300))
	got := collectEvents(t, ch, 1)
	require.Equal(t, int64(300), got[0].Timestamp)

	require.Eventually(t, func() bool {
		log := st.queryLog()
		return log[len(log)-1].after == 300
	}, time.Second, 10*time.Millisecond)
}

func TestPolling_DuplicateRecordsPublishedOnce(t *testing.T) {
	st := &fakeStore{
		records:      []events.Event{toolRec("wf-1", 100)},
		ignoreCursor: true,
	}
	p := New(st, WithInterval(5*time.Millisecond))
	defer p.Close()

	ch := p.Events(context.Background())
	p.StartPolling(context.Background(), "wf-1")
	collectEvents(t, ch, 1)

	time.Sleep(50 * time.Millisecond)
	select {
	case ev := <-ch:
		t.Fatalf("duplicate record republished: %+v", ev.Payload)
	default:
	}
}

func TestPolling_TerminalRecordStopsPolling(t *testing.T) {
	st := &fakeStore{records: []events.Event{
		toolRec("wf-1", 100),
		terminalRec("wf-1", 200),
		toolRec("wf-1", 300),
	}}
	p := New(st, WithInterval(5*time.Millisecond))
	defer p.Close()

	ch := p.Events(context.Background())
	p.StartPolling(context.Background(), "wf-1")

	got := collectEvents(t, ch, 2)
	require.Equal(t, events.TypeWorkflowComplete, got[1].Type)

	require.Eventually(t, func() bool { return !p.Active() }, time.Second, 5*time.Millisecond)

	// Nothing past the terminal record is published and no further
	// queries are issued.
	queries := len(st.queryLog())
	time.Sleep(50 * time.Millisecond)
	require.Len(t, st.queryLog(), queries)
	select {
	case ev := <-ch:
		t.Fatalf("record after terminal published: %+v", ev.Payload)
	default:
	}
}

func TestPolling_FailuresReportAndRetry(t *testing.T) {
	st := &fakeStore{
		records:      []events.Event{toolRec("wf-1", 100)},
		failuresLeft: 2,
	}
	p := New(st, WithInterval(5*time.Millisecond))
	p.backoffSteps = []time.Duration{5 * time.Millisecond, 5 * time.Millisecond}
	defer p.Close()

	evCh := p.Events(context.Background())
	errCh := p.PollErrors(context.Background())
	p.StartPolling(context.Background(), "wf-1")

	var errs []PollError
	deadline := time.After(2 * time.Second)
	for len(errs) < 2 {
		select {
		case ev := <-errCh:
			errs = append(errs, ev.Payload)
		case <-deadline:
			t.Fatal("timed out waiting for poll errors")
		}
	}
	require.Equal(t, 1, errs[0].Attempt)
	require.Equal(t, 2, errs[1].Attempt)
	require.Equal(t, 5*time.Millisecond, errs[0].NextRetry)

	// The loop survives the failures and delivers once the store recovers.
	got := collectEvents(t, evCh, 1)
	require.Equal(t, int64(100), got[0].Timestamp)
}

func TestStartPolling_NewWorkflowResetsCursor(t *testing.T) {
	st := &fakeStore{records: []events.Event{toolRec("wf-1", 100), toolRec("wf-2", 50)}}
	p := New(st, WithInterval(5*time.Millisecond))
	defer p.Close()

	ch := p.Events(context.Background())
	p.StartPolling(context.Background(), "wf-1")
	collectEvents(t, ch, 1)

	p.StartPolling(context.Background(), "wf-2")
	got := collectEvents(t, ch, 1)
	require.Equal(t, "wf-2", got[0].WorkflowID)
	require.Equal(t, int64(50), got[0].Timestamp, "new workflow starts from cursor zero")
}

func TestStartPolling_SameWorkflowResumesCursor(t *testing.T) {
	st := &fakeStore{records: []events.Event{toolRec("wf-1", 100)}}
	p := New(st, WithInterval(5*time.Millisecond))
	defer p.Close()

	ch := p.Events(context.Background())
	p.StartPolling(context.Background(), "wf-1")
	collectEvents(t, ch, 1)

	p.StopPolling()
	require.False(t, p.Active())

	p.StartPolling(context.Background(), "wf-1")
	require.Eventually(t, func() bool {
		log := st.queryLog()
		return log[len(log)-1].after == 100
	}, time.Second, 5*time.Millisecond, "resume must keep the cursor")

	// The already-delivered record is not republished.
	time.Sleep(30 * time.Millisecond)
	select {
	case ev := <-ch:
		t.Fatalf("record republished on resume: %+v", ev.Payload)
	default:
	}
}

func TestStartPolling_ActiveSameWorkflowIsNoOp(t *testing.T) {
	st := &fakeStore{records: []events.Event{toolRec("wf-1", 100)}}
	p := New(st, WithInterval(5*time.Millisecond))
	defer p.Close()

	ch := p.Events(context.Background())
	p.StartPolling(context.Background(), "wf-1")
	p.StartPolling(context.Background(), "wf-1")

	collectEvents(t, ch, 1)
	time.Sleep(30 * time.Millisecond)
	select {
	case ev := <-ch:
		t.Fatalf("duplicate loop republished record: %+v", ev.Payload)
	default:
	}
}

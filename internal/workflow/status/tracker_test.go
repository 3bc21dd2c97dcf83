package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agenttrail/agenttrail/internal/workflow/events"
	"github.com/agenttrail/agenttrail/internal/workflow/launcher"
)

func stdoutEntry(typ events.Type, nodeID string) events.MergedEntry {
	return events.MergedEntry{
		Source: events.SourceStdout,
		Event:  events.Event{Type: typ, Timestamp: 1000, WorkflowID: "wf-1", NodeID: nodeID},
	}
}

func TestBeginRun_IdleToRunning(t *testing.T) {
	tr := New()
	defer tr.Close()

	require.Equal(t, StatusIdle, tr.Status())
	tr.BeginRun("wf-1")
	require.Equal(t, StatusRunning, tr.Status())
}

func TestEntryNodeStop_WithoutTerminalIsPartial(t *testing.T) {
	tr := New()
	defer tr.Close()
	tr.BeginRun("wf-1")

	tr.ObserveEntry(stdoutEntry(events.TypeNodeStart, "triage"))
	tr.ObserveEntry(stdoutEntry(events.TypeNodeStart, "worker"))
	tr.ObserveEntry(stdoutEntry(events.TypeNodeStop, "worker"))
	require.Equal(t, StatusRunning, tr.Status(), "non-entry nodes stopping means nothing")

	tr.ObserveEntry(stdoutEntry(events.TypeNodeStop, "triage"))
	require.Equal(t, StatusPartial, tr.Status())
}

func TestWorkflowComplete_OverridesPartial(t *testing.T) {
	tr := New()
	defer tr.Close()
	tr.BeginRun("wf-1")

	tr.ObserveEntry(stdoutEntry(events.TypeNodeStart, "triage"))
	tr.ObserveEntry(stdoutEntry(events.TypeNodeStop, "triage"))
	require.Equal(t, StatusPartial, tr.Status())

	tr.ObserveEntry(stdoutEntry(events.TypeWorkflowComplete, ""))
	require.Equal(t, StatusComplete, tr.Status())
}

func TestWorkflowError_BeatsComplete(t *testing.T) {
	tr := New()
	defer tr.Close()
	tr.BeginRun("wf-1")

	tr.ObserveEntry(stdoutEntry(events.TypeWorkflowError, ""))
	tr.ObserveEntry(stdoutEntry(events.TypeWorkflowComplete, ""))
	require.Equal(t, StatusError, tr.Status(), "completion never downgrades an error")

	tr2 := New()
	defer tr2.Close()
	tr2.BeginRun("wf-1")
	tr2.ObserveEntry(stdoutEntry(events.TypeWorkflowComplete, ""))
	tr2.ObserveEntry(stdoutEntry(events.TypeWorkflowError, ""))
	require.Equal(t, StatusError, tr2.Status(), "a late error upgrades a completion")
}

func TestKilled_AlwaysWins(t *testing.T) {
	tr := New()
	defer tr.Close()
	tr.BeginRun("wf-1")

	tr.ObserveEntry(stdoutEntry(events.TypeWorkflowComplete, ""))
	tr.ObserveProcessState(launcher.StateKilled)
	require.Equal(t, StatusKilled, tr.Status())

	tr.ObserveEntry(stdoutEntry(events.TypeWorkflowError, ""))
	require.Equal(t, StatusKilled, tr.Status(), "nothing overrides a kill")
}

func TestProcessFailed_MarksError(t *testing.T) {
	tr := New()
	defer tr.Close()
	tr.BeginRun("wf-1")

	tr.ObserveProcessState(launcher.StateFailed)
	require.Equal(t, StatusError, tr.Status())
}

func TestProcessFailed_DoesNotDowngradeComplete(t *testing.T) {
	tr := New()
	defer tr.Close()
	tr.BeginRun("wf-1")

	tr.ObserveEntry(stdoutEntry(events.TypeWorkflowComplete, ""))
	tr.ObserveProcessState(launcher.StateFailed)
	require.Equal(t, StatusComplete, tr.Status(), "stdout already settled the outcome")
}

func TestProcessCompleted_DoesNotMarkSuccess(t *testing.T) {
	tr := New()
	defer tr.Close()
	tr.BeginRun("wf-1")

	tr.ObserveProcessState(launcher.StateCompleted)
	require.Equal(t, StatusRunning, tr.Status(), "exit zero is not a workflow outcome")
}

func TestFollowUp_PartialBackToRunning(t *testing.T) {
	tr := New()
	defer tr.Close()
	tr.BeginRun("wf-1")

	tr.ObserveEntry(stdoutEntry(events.TypeNodeStart, "triage"))
	tr.ObserveEntry(stdoutEntry(events.TypeNodeStop, "triage"))
	require.Equal(t, StatusPartial, tr.Status())

	tr.ObserveFollowUp()
	require.Equal(t, StatusRunning, tr.Status())

	tr.ObserveFollowUp()
	require.Equal(t, StatusRunning, tr.Status(), "follow-up outside partial is a no-op")
}

func TestBeginRun_ResetsEntryNode(t *testing.T) {
	tr := New()
	defer tr.Close()

	tr.BeginRun("wf-1")
	tr.ObserveEntry(stdoutEntry(events.TypeNodeStart, "triage"))

	tr.BeginRun("wf-2")
	tr.ObserveEntry(stdoutEntry(events.TypeNodeStart, "router"))
	tr.ObserveEntry(stdoutEntry(events.TypeNodeStop, "triage"))
	require.Equal(t, StatusRunning, tr.Status(), "old entry node carries nothing into the new run")

	tr.ObserveEntry(stdoutEntry(events.TypeNodeStop, "router"))
	require.Equal(t, StatusPartial, tr.Status())
}

func TestTransitions_PublishFromTo(t *testing.T) {
	tr := New()
	defer tr.Close()

	ch := tr.Transitions(context.Background())
	tr.BeginRun("wf-1")
	tr.ObserveEntry(stdoutEntry(events.TypeWorkflowComplete, ""))

	var got []Transition
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.Payload)
		case <-deadline:
			t.Fatal("missing transitions")
		}
	}
	require.Equal(t, []Transition{
		{WorkflowID: "wf-1", From: StatusIdle, To: StatusRunning},
		{WorkflowID: "wf-1", From: StatusRunning, To: StatusComplete},
	}, got)
}

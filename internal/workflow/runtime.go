// Package workflow assembles the execution pipeline: launcher, decoder,
// store poller, merger, and status tracker, behind one façade.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agenttrail/agenttrail/internal/config"
	"github.com/agenttrail/agenttrail/internal/log"
	"github.com/agenttrail/agenttrail/internal/pubsub"
	"github.com/agenttrail/agenttrail/internal/telemetry"
	"github.com/agenttrail/agenttrail/internal/workflow/decoder"
	"github.com/agenttrail/agenttrail/internal/workflow/events"
	"github.com/agenttrail/agenttrail/internal/workflow/launcher"
	"github.com/agenttrail/agenttrail/internal/workflow/merger"
	"github.com/agenttrail/agenttrail/internal/workflow/poller"
	"github.com/agenttrail/agenttrail/internal/workflow/status"
	"github.com/agenttrail/agenttrail/internal/workflow/store"
)

// ErrNoActiveRun is returned by SendFollowUp before any run has started.
var ErrNoActiveRun = errors.New("workflow: no run to follow up on")

// Turn is one prompt in a multi-turn conversation.
type Turn struct {
	TurnNumber int    `json:"turn_number"`
	Prompt     string `json:"prompt"`
}

// conversationContext is the JSON history handed to follow-up turns.
type conversationContext struct {
	EntryAgent string `json:"entry_agent"`
	Turns      []Turn `json:"turns"`
}

// Runtime wires the pipeline stages together and owns their lifecycles.
// All stages are safe for concurrent use; the Runtime adds run-level
// orchestration on top: start, follow-up, kill, and per-run telemetry.
type Runtime struct {
	launcher *launcher.Launcher
	decoder  *decoder.Decoder
	poller   *poller.Poller
	merger   *merger.Merger
	tracker  *status.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	run        *launcher.Run
	turns      []Turn
	finalAgent string
	span       trace.Span
}

// New builds the pipeline from configuration and starts the internal
// pumps. The event store is injected so callers choose the backend.
func New(cfg config.Config, st store.EventStore, opts ...launcher.Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runtime{
		launcher: launcher.New(launcher.Config{
			Interpreter: cfg.Runner.Interpreter,
			EntryScript: cfg.Runner.EntryScript,
			WorkDir:     cfg.Runner.ProjectRoot,
			TableName:   cfg.Store.TableName,
			Region:      cfg.Store.Region,
			KillGrace:   cfg.Runner.KillGrace,
		}, opts...),
		decoder: decoder.New(),
		poller:  poller.New(st, poller.WithInterval(cfg.Poller.Interval)),
		merger:  merger.New(merger.WithDebounce(cfg.Merger.Debounce)),
		tracker: status.New(),
		ctx:     ctx,
		cancel:  cancel,
	}

	log.SafeGo("workflow.pumpStdout", r.pumpStdout)
	log.SafeGo("workflow.pumpStderr", r.pumpStderr)
	log.SafeGo("workflow.pumpDecoded", r.pumpDecoded)
	log.SafeGo("workflow.pumpPolled", r.pumpPolled)
	log.SafeGo("workflow.pumpBatches", r.pumpBatches)
	log.SafeGo("workflow.pumpProcessStates", r.pumpProcessStates)
	log.SafeGo("workflow.pumpOutcomes", r.pumpOutcomes)

	return r
}

// Start launches a fresh run. Any still-running process is terminated
// first; the decoder identity set and merged log reset so runs never
// bleed into each other.
func (r *Runtime) Start(ctx context.Context, prompt string) (launcher.Run, error) {
	r.poller.StopPolling()
	r.decoder.Reset()
	r.merger.Reset()

	run, err := r.launcher.Start(ctx, launcher.StartInput{Prompt: prompt})
	if err != nil {
		return launcher.Run{}, err
	}

	r.mu.Lock()
	r.run = &run
	r.turns = []Turn{{TurnNumber: run.TurnNumber, Prompt: prompt}}
	r.finalAgent = ""
	r.beginSpanLocked(run)
	r.mu.Unlock()

	r.tracker.BeginRun(run.WorkflowID)
	r.poller.StartPolling(r.ctx, run.WorkflowID)

	log.Info(log.CatRun, "run started",
		"workflowID", run.WorkflowID, "traceID", run.TraceID, "turn", run.TurnNumber)
	return run, nil
}

// SendFollowUp continues the current conversation with another prompt.
// The run identity carries over, the turn number increments, and the
// accumulated history rides along as conversation context.
func (r *Runtime) SendFollowUp(ctx context.Context, prompt string) (launcher.Run, error) {
	r.mu.Lock()
	if r.run == nil {
		r.mu.Unlock()
		return launcher.Run{}, ErrNoActiveRun
	}
	prev := *r.run
	cc, err := json.Marshal(conversationContext{
		EntryAgent: r.finalAgent,
		Turns:      r.turns,
	})
	r.mu.Unlock()
	if err != nil {
		return launcher.Run{}, err
	}

	r.merger.NextTurn()

	run, err := r.launcher.Start(ctx, launcher.StartInput{
		Prompt:              prompt,
		TurnNumber:          prev.TurnNumber + 1,
		ConversationContext: string(cc),
		WorkflowID:          prev.WorkflowID,
		TraceID:             prev.TraceID,
	})
	if err != nil {
		return launcher.Run{}, err
	}

	r.mu.Lock()
	r.run = &run
	r.turns = append(r.turns, Turn{TurnNumber: run.TurnNumber, Prompt: prompt})
	r.beginSpanLocked(run)
	r.mu.Unlock()

	r.tracker.ObserveFollowUp()
	r.poller.StartPolling(r.ctx, run.WorkflowID)

	log.Info(log.CatRun, "follow-up sent",
		"workflowID", run.WorkflowID, "turn", run.TurnNumber)
	return run, nil
}

// Kill terminates the running process and stops polling.
func (r *Runtime) Kill(ctx context.Context) error {
	r.poller.StopPolling()
	err := r.launcher.Kill(ctx)
	r.endSpan()
	return err
}

// Status returns the derived workflow status.
func (r *Runtime) Status() status.Status {
	return r.tracker.Status()
}

// ActiveRun returns the most recent run, if any.
func (r *Runtime) ActiveRun() (launcher.Run, bool) {
	return r.launcher.ActiveRun()
}

// MergedLog returns a snapshot of the merged event log.
func (r *Runtime) MergedLog() []events.MergedEntry {
	return r.merger.Log()
}

// Batches subscribes to merged, timestamp-ordered event batches.
func (r *Runtime) Batches(ctx context.Context) <-chan pubsub.Event[[]events.MergedEntry] {
	return r.merger.Batches(ctx)
}

// Outcomes subscribes to run outcomes.
func (r *Runtime) Outcomes(ctx context.Context) <-chan pubsub.Event[events.Event] {
	return r.merger.Outcomes(ctx)
}

// Transitions subscribes to workflow status changes.
func (r *Runtime) Transitions(ctx context.Context) <-chan pubsub.Event[status.Transition] {
	return r.tracker.Transitions(ctx)
}

// ProcessStates subscribes to launcher lifecycle transitions.
func (r *Runtime) ProcessStates(ctx context.Context) <-chan pubsub.Event[launcher.StateChange] {
	return r.launcher.StateChanges(ctx)
}

// ParseErrors subscribes to stdout decode diagnostics.
func (r *Runtime) ParseErrors(ctx context.Context) <-chan pubsub.Event[decoder.ParseError] {
	return r.decoder.ParseErrors(ctx)
}

// PollErrors subscribes to store poll diagnostics.
func (r *Runtime) PollErrors(ctx context.Context) <-chan pubsub.Event[poller.PollError] {
	return r.poller.PollErrors(ctx)
}

// Close tears the whole pipeline down.
func (r *Runtime) Close() error {
	r.cancel()
	err := r.launcher.Close()
	r.decoder.Close()
	r.poller.Close()
	r.merger.Close()
	r.tracker.Close()
	r.endSpan()
	return err
}

func (r *Runtime) pumpStdout() {
	for ev := range r.launcher.Lines(r.ctx) {
		r.decoder.HandleLine(ev.Payload.WorkflowID, ev.Payload.Text)
	}
}

func (r *Runtime) pumpStderr() {
	for ev := range r.launcher.StderrLines(r.ctx) {
		log.Info(log.CatProc, "workload stderr",
			"workflowID", ev.Payload.WorkflowID, "line", ev.Payload.Text)
	}
}

func (r *Runtime) pumpDecoded() {
	for ev := range r.decoder.Events(r.ctx) {
		r.merger.Ingest(events.SourceStdout, ev.Payload)
	}
}

func (r *Runtime) pumpPolled() {
	for ev := range r.poller.Events(r.ctx) {
		r.merger.Ingest(events.SourcePolled, ev.Payload)
	}
}

func (r *Runtime) pumpBatches() {
	for batch := range r.merger.Batches(r.ctx) {
		for _, entry := range batch.Payload {
			r.tracker.ObserveEntry(entry)
		}
	}
}

func (r *Runtime) pumpProcessStates() {
	for ev := range r.launcher.StateChanges(r.ctx) {
		r.tracker.ObserveProcessState(ev.Payload.To)
	}
}

// pumpOutcomes reacts to the stdout terminal event: polling stops, the
// final agent is recorded for follow-up routing, and the run span ends.
func (r *Runtime) pumpOutcomes() {
	for ev := range r.merger.Outcomes(r.ctx) {
		outcome := ev.Payload

		r.mu.Lock()
		if outcome.FinalAgent != "" {
			r.finalAgent = outcome.FinalAgent
		}
		r.mu.Unlock()

		r.poller.StopPolling()
		r.endSpan()

		log.Info(log.CatRun, "run finished",
			"workflowID", outcome.WorkflowID,
			"outcome", outcome.Type.String(),
			"status", outcome.Status,
			"finalAgent", outcome.FinalAgent)
	}
}

// beginSpanLocked starts the per-turn span. Must be called with mu held.
func (r *Runtime) beginSpanLocked(run launcher.Run) {
	if r.span != nil {
		r.span.End()
	}
	_, span := telemetry.Tracer().Start(context.Background(), "workflow.turn",
		trace.WithAttributes(
			attribute.String("workflow.id", run.WorkflowID),
			attribute.String("workflow.trace_id", run.TraceID),
			attribute.Int("workflow.turn", run.TurnNumber),
		))
	r.span = span
}

func (r *Runtime) endSpan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.span != nil {
		r.span.End()
		r.span = nil
	}
}

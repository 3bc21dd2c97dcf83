// Package launcher owns the agent workload subprocess: spawn, stdout line
// buffering, stderr forwarding, graceful termination, and lifecycle state.
//
// The launcher is pure process I/O. It never parses JSON; raw lines flow to
// the decoder downstream.
package launcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/agenttrail/agenttrail/internal/log"
	"github.com/agenttrail/agenttrail/internal/pubsub"
)

// ProcessState is the lifecycle state of the launched process.
type ProcessState string

const (
	StateIdle      ProcessState = "idle"
	StateRunning   ProcessState = "running"
	StateCompleted ProcessState = "completed"
	StateFailed    ProcessState = "failed"
	StateKilled    ProcessState = "killed"
)

// IsTerminal reports whether the state is final for the current run.
func (s ProcessState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateKilled
}

// Pre-flight validation errors.
var (
	ErrEntryScriptUnset   = errors.New("launcher: entry script is not configured")
	ErrEntryScriptMissing = errors.New("launcher: entry script does not exist")
)

// Config describes how the workload process is spawned.
type Config struct {
	// Interpreter runs the entry script, e.g. "python3". An invalid
	// interpreter path fails naturally at spawn time.
	Interpreter string
	// EntryScript is the workload entrypoint; validated before spawning.
	EntryScript string
	// WorkDir is the working directory for the process (project root).
	WorkDir string
	// TableName and Region are forwarded to the process environment as
	// AGENTIFY_TABLE_NAME and AWS_REGION.
	TableName string
	Region    string
	// KillGrace is the window between SIGTERM and SIGKILL. Defaults to 1s.
	KillGrace time.Duration
}

// StartInput carries per-run parameters for Start.
type StartInput struct {
	Prompt string

	// TurnNumber starts at 1. Defaults to 1 when zero.
	TurnNumber int
	// ConversationContext is the JSON conversation history passed on
	// follow-up turns (turn > 1).
	ConversationContext string

	// WorkflowID and TraceID, when set, reuse an existing run's identity
	// (follow-up turns). When empty, fresh ids are generated.
	WorkflowID string
	TraceID    string
}

// Run identifies one execution attempt.
type Run struct {
	WorkflowID string
	TraceID    string
	TurnNumber int
	StartedAt  time.Time
}

// RawLine is one completed line of subprocess output.
type RawLine struct {
	WorkflowID string
	Text       string
}

// StateChange notifies subscribers of a ProcessState transition.
type StateChange struct {
	WorkflowID string
	From       ProcessState
	To         ProcessState
}

// ExitInfo describes how the process ended.
type ExitInfo struct {
	WorkflowID string
	Code       int
	Signal     string
}

// Option customizes a Launcher.
type Option func(*Launcher)

// WithWorkflowIDGenerator injects the workflow id generator.
func WithWorkflowIDGenerator(fn func() string) Option {
	return func(l *Launcher) { l.newWorkflowID = fn }
}

// WithTraceIDGenerator injects the trace id generator.
func WithTraceIDGenerator(fn func() string) Option {
	return func(l *Launcher) { l.newTraceID = fn }
}

// Launcher owns at most one workload process at a time.
type Launcher struct {
	cfg           Config
	newWorkflowID func() string
	newTraceID    func() string

	mu            sync.Mutex
	state         ProcessState
	run           *Run
	cmd           *exec.Cmd
	killRequested bool
	waitDone      chan struct{}

	lines       *pubsub.Broker[RawLine]
	stderrLines *pubsub.Broker[RawLine]
	states      *pubsub.Broker[StateChange]
	exits       *pubsub.Broker[ExitInfo]
}

// New creates a Launcher in the idle state.
func New(cfg Config, opts ...Option) *Launcher {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 1 * time.Second
	}

	l := &Launcher{
		cfg:           cfg,
		newWorkflowID: defaultWorkflowID,
		newTraceID:    defaultTraceID,
		state:         StateIdle,
		lines:         pubsub.NewBroker[RawLine](),
		stderrLines:   pubsub.NewBroker[RawLine](),
		states:        pubsub.NewBroker[StateChange](),
		exits:         pubsub.NewBroker[ExitInfo](),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func defaultWorkflowID() string {
	return "wf-" + uuid.NewString()[:8]
}

// defaultTraceID returns a 32-hex-char OpenTelemetry-compatible trace id.
func defaultTraceID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Start validates the configured entry script, synchronously terminates any
// still-running process, then spawns a new workload:
//
//	interpreter entryScript --prompt <text> --workflow-id <id> --trace-id <hex32> --turn-number <n>
//
// The old process reaches a terminal state before the new one is spawned,
// so two workflows' stdout streams never interleave.
func (l *Launcher) Start(ctx context.Context, input StartInput) (Run, error) {
	if l.cfg.EntryScript == "" {
		return Run{}, ErrEntryScriptUnset
	}
	if _, err := os.Stat(l.cfg.EntryScript); err != nil {
		return Run{}, fmt.Errorf("%w: %s", ErrEntryScriptMissing, l.cfg.EntryScript)
	}

	if l.State() == StateRunning {
		log.Debug(log.CatProc, "terminating previous run before restart")
		if err := l.Kill(ctx); err != nil {
			return Run{}, fmt.Errorf("launcher: stopping previous run: %w", err)
		}
	}

	run := Run{
		WorkflowID: input.WorkflowID,
		TraceID:    input.TraceID,
		TurnNumber: input.TurnNumber,
		StartedAt:  time.Now(),
	}
	if run.WorkflowID == "" {
		run.WorkflowID = l.newWorkflowID()
	}
	if run.TraceID == "" {
		run.TraceID = l.newTraceID()
	}
	if run.TurnNumber == 0 {
		run.TurnNumber = 1
	}

	cmd := exec.Command(l.cfg.Interpreter, l.buildArgs(run, input)...)
	cmd.Dir = l.cfg.WorkDir
	cmd.Env = l.buildEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Run{}, fmt.Errorf("launcher: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Run{}, fmt.Errorf("launcher: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Run{}, fmt.Errorf("launcher: spawning %s: %w", l.cfg.Interpreter, err)
	}

	log.Debug(log.CatProc, "spawned workload process",
		"workflowID", run.WorkflowID, "traceID", run.TraceID,
		"turn", run.TurnNumber, "pid", cmd.Process.Pid)

	l.mu.Lock()
	l.cmd = cmd
	l.run = &run
	l.killRequested = false
	l.waitDone = make(chan struct{})
	waitDone := l.waitDone
	l.setStateLocked(StateRunning)
	l.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	log.SafeGo("launcher.readStdout", func() {
		defer readers.Done()
		l.readLines(stdout, run.WorkflowID, l.lines)
	})
	log.SafeGo("launcher.readStderr", func() {
		defer readers.Done()
		l.readLines(stderr, run.WorkflowID, l.stderrLines)
	})

	log.SafeGo("launcher.wait", func() {
		// Pipes must be drained before Wait; this also guarantees every
		// line is published before the exit notification.
		readers.Wait()
		err := cmd.Wait()
		l.finish(run.WorkflowID, err)
		close(waitDone)
	})

	return run, nil
}

// Kill sends a graceful terminate signal and escalates to SIGKILL if the
// process has not exited within the configured grace period. It returns
// after the process has fully exited. Killing an idle launcher is a no-op.
func (l *Launcher) Kill(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateRunning || l.cmd == nil || l.cmd.Process == nil {
		l.mu.Unlock()
		return nil
	}
	l.killRequested = true
	proc := l.cmd.Process
	waitDone := l.waitDone
	grace := l.cfg.KillGrace
	l.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Already gone; the wait goroutine will settle the state.
		log.Debug(log.CatProc, "SIGTERM failed", "err", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		_ = proc.Kill()
	case <-timer.C:
		log.Warn(log.CatProc, "process did not exit within grace period, escalating", "grace", grace)
		_ = proc.Kill()
	}

	<-waitDone
	return nil
}

// State returns the current process state.
func (l *Launcher) State() ProcessState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ActiveRun returns the current run, if any. The run stays available after
// the process reaches a terminal state, until the next Start.
func (l *Launcher) ActiveRun() (Run, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run == nil {
		return Run{}, false
	}
	return *l.run, true
}

// Lines subscribes to completed stdout lines.
func (l *Launcher) Lines(ctx context.Context) <-chan pubsub.Event[RawLine] {
	return l.lines.Subscribe(ctx)
}

// StderrLines subscribes to completed stderr lines (diagnostics only).
func (l *Launcher) StderrLines(ctx context.Context) <-chan pubsub.Event[RawLine] {
	return l.stderrLines.Subscribe(ctx)
}

// StateChanges subscribes to process state transitions.
func (l *Launcher) StateChanges(ctx context.Context) <-chan pubsub.Event[StateChange] {
	return l.states.Subscribe(ctx)
}

// Exits subscribes to process exit notifications.
func (l *Launcher) Exits(ctx context.Context) <-chan pubsub.Event[ExitInfo] {
	return l.exits.Subscribe(ctx)
}

// Close terminates any running process and closes all event channels.
func (l *Launcher) Close() error {
	err := l.Kill(context.Background())
	l.lines.Close()
	l.stderrLines.Close()
	l.states.Close()
	l.exits.Close()
	return err
}

func (l *Launcher) buildArgs(run Run, input StartInput) []string {
	args := []string{
		l.cfg.EntryScript,
		"--prompt", input.Prompt,
		"--workflow-id", run.WorkflowID,
		"--trace-id", run.TraceID,
		"--turn-number", strconv.Itoa(run.TurnNumber),
	}
	if input.ConversationContext != "" {
		args = append(args, "--conversation-context", input.ConversationContext)
	}
	return args
}

func (l *Launcher) buildEnv() []string {
	env := os.Environ()
	if l.cfg.TableName != "" {
		env = append(env, "AGENTIFY_TABLE_NAME="+l.cfg.TableName)
	}
	if l.cfg.Region != "" {
		env = append(env, "AWS_REGION="+l.cfg.Region)
	}
	return env
}

// readLines pumps a pipe through the line buffer, publishing each complete
// line. Any trailing partial line is flushed when the pipe closes.
func (l *Launcher) readLines(r io.Reader, workflowID string, out *pubsub.Broker[RawLine]) {
	var buf lineBuffer
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, line := range buf.Write(chunk[:n]) {
				out.Publish(RawLine{WorkflowID: workflowID, Text: line})
			}
		}
		if err != nil {
			if line, ok := buf.Flush(); ok {
				out.Publish(RawLine{WorkflowID: workflowID, Text: line})
			}
			return
		}
	}
}

// finish settles the terminal state and publishes the exit notification.
func (l *Launcher) finish(workflowID string, waitErr error) {
	code := 0
	signal := ""
	if waitErr != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
			}
		}
	}

	l.mu.Lock()
	final := StateCompleted
	switch {
	case l.killRequested:
		final = StateKilled
	case waitErr != nil:
		final = StateFailed
	}
	l.setStateLocked(final)
	l.cmd = nil
	l.mu.Unlock()

	log.Debug(log.CatProc, "process exited",
		"workflowID", workflowID, "code", code, "signal", signal, "state", final)
	l.exits.Publish(ExitInfo{WorkflowID: workflowID, Code: code, Signal: signal})
}

// setStateLocked transitions the state and publishes the change.
// Must be called with mu held.
func (l *Launcher) setStateLocked(to ProcessState) {
	if l.state == to {
		return
	}
	change := StateChange{From: l.state, To: to}
	if l.run != nil {
		change.WorkflowID = l.run.WorkflowID
	}
	l.state = to
	l.states.Publish(change)
}

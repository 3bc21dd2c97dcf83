package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenttrail/agenttrail/internal/log"
	"github.com/agenttrail/agenttrail/internal/pubsub"
	"github.com/agenttrail/agenttrail/internal/telemetry"
	"github.com/agenttrail/agenttrail/internal/workflow"
	"github.com/agenttrail/agenttrail/internal/workflow/events"
	"github.com/agenttrail/agenttrail/internal/workflow/status"
	"github.com/agenttrail/agenttrail/internal/workflow/store"
	"github.com/agenttrail/agenttrail/internal/workflow/store/dynamo"
)

var (
	runPrompt      string
	runEntryScript string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one workflow and print the merged event timeline",
	Long: `Launch the configured entry script with a prompt, merge its stdout
events with tool records polled from the remote store, and print the
combined timeline as JSON lines until the workflow reaches a final state.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "prompt for the workflow (required)")
	runCmd.Flags().StringVar(&runEntryScript, "entry-script", "", "override the configured entry script")
	_ = runCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(runCmd)
}

// nullStore serves runs without a configured remote table: nothing to
// poll, writes vanish.
type nullStore struct{}

func (nullStore) QueryEvents(_ context.Context, _ string, _ int64) ([]events.Event, error) {
	return nil, nil
}

func (nullStore) PutEvent(_ context.Context, _ events.Event) error { return nil }

// timelineEntry is the stdout line shape for one merged event.
type timelineEntry struct {
	Source events.Source `json:"source"`
	Event  events.Event  `json:"event"`
}

func runRun(cmd *cobra.Command, args []string) error {
	if runEntryScript != "" {
		cfg.Runner.EntryScript = runEntryScript
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var st store.EventStore = nullStore{}
	if cfg.Store.TableName != "" {
		st, err = dynamo.New(dynamo.Config{
			TableName: cfg.Store.TableName,
			Region:    cfg.Store.Region,
		})
		if err != nil {
			return fmt.Errorf("connecting to event store: %w", err)
		}
	}

	rt := workflow.New(cfg, st)
	defer func() { _ = rt.Close() }()

	batches := rt.Batches(ctx)
	transitions := rt.Transitions(ctx)

	run, err := rt.Start(ctx, runPrompt)
	if err != nil {
		return err
	}
	log.Info(log.CatRun, "workflow launched", "workflowID", run.WorkflowID, "traceID", run.TraceID)

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			// Interrupt: terminate the workload, then let the status
			// transition below settle the exit.
			stop()
			if err := rt.Kill(context.Background()); err != nil {
				return err
			}
			return printSummary(rt)
		case batch, ok := <-batches:
			if !ok {
				return printSummary(rt)
			}
			for _, entry := range batch.Payload {
				if err := enc.Encode(timelineEntry{Source: entry.Source, Event: entry.Event}); err != nil {
					return err
				}
			}
		case tr, ok := <-transitions:
			if !ok {
				return printSummary(rt)
			}
			if tr.Payload.To.IsTerminal() || tr.Payload.To == status.StatusPartial {
				drainBatches(enc, batches)
				return printSummary(rt)
			}
		}
	}
}

// drainBatches flushes entries already published when the run settled, so
// the terminal event itself makes it onto stdout.
func drainBatches(enc *json.Encoder, batches <-chan pubsub.Event[[]events.MergedEntry]) {
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				return
			}
			for _, entry := range batch.Payload {
				_ = enc.Encode(timelineEntry{Source: entry.Source, Event: entry.Event})
			}
		case <-deadline:
			return
		}
	}
}

// printSummary reports the final status and maps failures to the exit code.
func printSummary(rt *workflow.Runtime) error {
	final := rt.Status()
	fmt.Fprintf(os.Stderr, "workflow %s\n", final)
	if final == status.StatusError {
		return fmt.Errorf("workflow finished with errors")
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"roomaker/pkg/cancel"
	"roomaker/pkg/config"
	"roomaker/pkg/llm/factory"
	"roomaker/pkg/llm/middleware/circuit"
	"roomaker/pkg/logx"
	"roomaker/pkg/metrics"
	"roomaker/pkg/persistence"
	"roomaker/pkg/pipeline"
	"roomaker/pkg/plan"
	"roomaker/pkg/templates"
)

// factoryOptions are passed to every client factory the CLI builds.
//
//nolint:gochecknoglobals // replaced by tests to inject a scripted provider
var factoryOptions []factory.Option

type runFlags struct {
	ideaFile   string
	output     string
	strictPlan bool
	metricsOut string
	quiet      bool
	noCache    bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [idea...]",
		Short: "Run the artifact pipeline for a project idea",
		Long: `Runs every pipeline stage for the idea given as arguments, in --idea-file, or on
stdin with --idea-file -. The result JSON (artifacts, structure list and outline
map) is written to stdout or --output.

LLM responses are kept in the history database. Running the same idea again with
the same model and settings reuses them, so an interrupted or failed run picks up
where it stopped. Use --no-cache for fresh responses.

Press Ctrl+C once to stop after the in-flight LLM calls return, twice to abort them.`,
		Example: `  roomaker run "A simple to-do list CLI in Python"
  roomaker run --idea-file idea.md --output result.json --strict-plan`,
		RunE: func(cmd *cobra.Command, args []string) error {
			idea, err := readIdea(args, f.ideaFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runPipeline(cmd, g, f, idea)
		},
	}

	cmd.Flags().StringVarP(&f.ideaFile, "idea-file", "f", "", "read the idea from a file (- for stdin)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "write the result JSON to a file instead of stdout")
	cmd.Flags().BoolVar(&f.strictPlan, "strict-plan", false, "re-apply every plan rule after refinement")
	cmd.Flags().StringVar(&f.metricsOut, "metrics-out", "", "write Prometheus metrics to this file at exit")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "do not print stage progress")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "ask the provider again instead of reusing stored responses")
	return cmd
}

// readIdea returns the project idea from exactly one of args or ideaFile.
func readIdea(args []string, ideaFile string, stdin io.Reader) (string, error) {
	var idea string
	switch {
	case ideaFile != "" && len(args) > 0:
		return "", errors.New("give the idea as arguments or with --idea-file, not both")
	case ideaFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read idea from stdin: %w", err)
		}
		idea = string(data)
	case ideaFile != "":
		data, err := os.ReadFile(ideaFile)
		if err != nil {
			return "", fmt.Errorf("failed to read idea file: %w", err)
		}
		idea = string(data)
	default:
		idea = strings.Join(args, " ")
	}

	idea = strings.TrimSpace(idea)
	if idea == "" {
		return "", errors.New("no project idea given")
	}
	return idea, nil
}

func runPipeline(cmd *cobra.Command, g *globalFlags, f *runFlags, idea string) error {
	stderr := cmd.ErrOrStderr()

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if f.strictPlan {
		cfg.Pipeline.PlanStrictness = string(plan.StrictnessFull)
	}
	if err := unlockSecrets(g.projectDir, cmd.InOrStdin(), stderr); err != nil {
		return err
	}

	var (
		prom     *metrics.PrometheusRecorder
		recorder = metrics.Nop()
	)
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheusRecorder()
		recorder = prom
	}

	runID := persistence.NewRunID()
	ctx, abort := context.WithCancel(cmd.Context())
	defer abort()
	ctx = logx.WithRunID(ctx, runID)

	history := openHistory(ctx, g, cfg)
	defer history.Close()

	opts := slices.Clone(factoryOptions)
	switch {
	case f.noCache:
		cfg.Cache.Enabled = false
	case history != nil:
		opts = append(opts, factory.WithResponseStore(history.store))
	}

	clients, err := factory.NewLLMClientFactory(cfg, recorder, opts...)
	if err != nil {
		return fmt.Errorf("failed to create LLM client factory: %w", err)
	}
	invoker, err := clients.NewInvoker()
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	renderer, err := templates.NewRenderer(g.projectPath(cfg.Pipeline.TemplateDir))
	if err != nil {
		return fmt.Errorf("failed to load prompt templates: %w", err)
	}

	engine := pipeline.NewEngine(invoker, renderer,
		pipeline.WithObserver(recorder),
		pipeline.WithStrictness(cfg.Strictness()),
		pipeline.WithOverrideDir(cfg.Pipeline.OverrideDir),
	)

	token := cancel.New()
	stopSignals := watchSignals(token, abort, stderr)
	defer stopSignals()

	history.Start(ctx, runID, idea, invoker.ModelName())

	fmt.Fprintf(stderr, "Run %s using %s\n", runID, invoker.ModelName())
	progress := func(stage, message string) {
		fmt.Fprintf(stderr, "[%s] %s\n", stage, message)
	}
	if f.quiet {
		progress = nil
	}

	res, runErr := engine.Run(ctx, idea, progress, token)
	history.Finish(res, runErr)
	if clients.BreakerState() == circuit.Open {
		fmt.Fprintln(stderr, "Warning: the LLM provider kept failing and the circuit breaker opened; later stages fell back or were skipped")
	}

	if prom != nil {
		writeMetrics(prom, firstNonEmpty(f.metricsOut, g.projectPath(cfg.Metrics.OutputPath)), stderr)
	}
	if runErr != nil {
		return runErr
	}

	if err := writeResult(runID, res, f.output, cmd.OutOrStdout()); err != nil {
		return err
	}
	printSummary(stderr, res)
	return nil
}

// runOutput is the JSON document a run writes.
type runOutput struct {
	RunID string `json:"runId"`
	*pipeline.Result
}

func writeResult(runID string, res *pipeline.Result, path string, stdout io.Writer) error {
	data, err := json.MarshalIndent(runOutput{RunID: runID, Result: res}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	data = append(data, '\n')

	if path == "" || path == "-" {
		_, err := stdout.Write(data)
		return err //nolint:wrapcheck // stdout write
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, res *pipeline.Result) {
	fmt.Fprintf(w, "Produced %d artifacts: %s\n", len(res.Artifacts), strings.Join(res.Artifacts.Names(), ", "))
	for _, br := range res.Branches {
		switch {
		case br.Fallback:
			fmt.Fprintf(w, "  %s: fallback used (%s)\n", br.Stage, br.Reason)
		case !br.Present && br.Reason != "":
			fmt.Fprintf(w, "  %s: omitted (%s)\n", br.Stage, br.Reason)
		}
	}
	if res.PlanFallback {
		fmt.Fprintln(w, "  plan: fallback used")
	}
}

func writeMetrics(prom *metrics.PrometheusRecorder, path string, w io.Writer) {
	if summary, err := prom.Summary(); err == nil {
		fmt.Fprintf(w, "LLM requests: %d (%d failed), estimated tokens: %d\n",
			summary.Requests, summary.Failures, summary.TotalTokens)
	}
	if path == "" {
		return
	}
	if err := prom.WriteFile(path); err != nil {
		logx.Warnf("failed to write metrics: %v", err)
	}
}

// watchSignals sets token on the first interrupt and calls abort on the second.
// The returned function stops watching.
func watchSignals(token *cancel.Token, abort context.CancelFunc, w io.Writer) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		interrupts := 0
		for {
			select {
			case <-sigCh:
				interrupts++
				if interrupts == 1 {
					fmt.Fprintln(w, "Stopping after in-flight LLM calls return (interrupt again to abort them)")
					token.Cancel()
					continue
				}
				abort()
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// runHistory records one run in the history database and serves as the
// response store. A nil *runHistory records nothing.
type runHistory struct {
	store   *persistence.Store
	runID   string
	started bool
	logger  *logx.Logger
}

// openHistory opens the history store and marks runs left behind by a killed
// process. Storage problems are logged and disable history for this run.
func openHistory(ctx context.Context, g *globalFlags, cfg *config.Config) *runHistory {
	if !cfg.Storage.Enabled {
		return nil
	}
	logger := logx.NewLogger("history")

	store, err := persistence.Open(g.projectPath(cfg.Storage.DBPath))
	if err != nil {
		logger.Warn("run history disabled: %v", err)
		return nil
	}
	if n, err := store.MarkStaleRuns(ctx); err != nil {
		logger.Warn("failed to mark interrupted runs: %v", err)
	} else if n > 0 {
		logger.Info("marked %d interrupted run(s)", n)
	}
	return &runHistory{store: store, logger: logger}
}

// Start records the run as running.
func (h *runHistory) Start(ctx context.Context, runID, idea, model string) {
	if h == nil {
		return
	}
	if err := h.store.CreateRun(ctx, runID, idea, model, time.Now()); err != nil {
		h.logger.Warn("run will not be recorded: %v", err)
		return
	}
	h.runID = runID
	h.started = true
}

// Finish records how the run ended. It uses a fresh context so a cancelled run
// is still recorded.
func (h *runHistory) Finish(res *pipeline.Result, runErr error) {
	if h == nil || !h.started {
		return
	}

	outcome := &persistence.Outcome{Status: persistence.RunStatusCompleted}
	switch {
	case runErr != nil && cancel.IsCancelled(runErr):
		outcome.Status = persistence.RunStatusCancelled
		outcome.Error = runErr.Error()
	case runErr != nil:
		outcome.Status = persistence.RunStatusFailed
		outcome.Error = runErr.Error()
	case res != nil:
		outcome.ModesFallback = res.ModesFallback
		outcome.PlanFallback = res.PlanFallback
		outcome.PlanReviewed = res.PlanReviewed
		outcome.Artifacts = res.Artifacts
	}

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := h.store.FinishRun(ctx, h.runID, outcome, time.Now()); err != nil {
		h.logger.Warn("failed to record run %s: %v", h.runID, err)
	}
}

func (h *runHistory) Close() {
	if h == nil {
		return
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("failed to close history store: %v", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

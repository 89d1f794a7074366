// Command roomaker turns a project idea into Roo Code planning artifacts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"roomaker/pkg/cancel"
	"roomaker/pkg/config"
	"roomaker/pkg/logx"
	"roomaker/pkg/pipeline"
	"roomaker/pkg/version"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitCancelled = 130
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	projectDir string
	debug      bool
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return exitOK
	}

	var fatal *pipeline.FatalStageError
	switch {
	case cancel.IsCancelled(err):
		fmt.Fprintln(stderr, "Run cancelled.")
		return exitCancelled
	case errors.As(err, &fatal):
		fmt.Fprintf(stderr, "Error: the %s stage failed, no artifacts were produced: %v\n", fatal.Stage, fatal.Err)
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitFailure
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "roomaker",
		Short: "Generate Roo Code planning artifacts from a project idea",
		Long: `roomaker chains LLM calls through a fixed sequence of prompt templates to turn
a free-text project idea into Roo Code planning artifacts: coding rules, ignore
rules, workspace rules, custom modes, an optional system prompt override and an
execution plan.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (default ./"+config.DefaultConfigFile+" when present)")
	root.PersistentFlags().StringVar(&g.projectDir, "projectdir", ".", "project directory holding the "+config.StateDir+" state directory")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newRunCmd(g),
		newHistoryCmd(g),
		newSecretsCmd(g),
		newTemplatesCmd(g),
	)
	return root
}

// loadConfig loads the configuration and applies the debug flag.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err //nolint:wrapcheck // already descriptive
	}
	if g.debug || cfg.Debug {
		cfg.Debug = true
		logx.SetDebugConfig(true, false, "")
	}
	return cfg, nil
}

// projectPath resolves a configured path against the project directory.
func (g *globalFlags) projectPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(g.projectDir, path)
}

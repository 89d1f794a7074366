package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"roomaker/pkg/persistence"
)

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List previous runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(g)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.AddCommand(newHistoryShowCmd(g))
	return cmd
}

func newHistoryShowCmd(g *globalFlags) *cobra.Command {
	var artifact string

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its artifacts",
		Long:  "Shows a run by full ID or unique ID prefix. With --artifact only that artifact's content is printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(g)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err //nolint:wrapcheck // ErrRunNotFound / ErrAmbiguousRunID read well as-is
			}
			contents, err := store.LoadArtifacts(cmd.Context(), run.ID)
			if err != nil {
				return fmt.Errorf("failed to load artifacts: %w", err)
			}

			out := cmd.OutOrStdout()
			if artifact != "" {
				content, found := contents[artifact]
				if !found {
					return fmt.Errorf("run %s has no artifact %q", run.ID, artifact)
				}
				_, err := io.WriteString(out, content)
				return err //nolint:wrapcheck // stdout write
			}
			printRun(out, run, contents)
			return nil
		},
	}
	cmd.Flags().StringVarP(&artifact, "artifact", "a", "", "print only this artifact, e.g. roo-plan.md")
	return cmd
}

func openStore(g *globalFlags) (*persistence.Store, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.Enabled {
		return nil, errors.New("run history is disabled (storage.enabled is false)")
	}
	store, err := persistence.Open(g.projectPath(cfg.Storage.DBPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return store, nil
}

func printRuns(w io.Writer, runs []persistence.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tARTIFACTS\tIDEA")
	for i := range runs {
		r := &runs[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			shortID(r.ID), r.StartedAt.Local().Format(time.DateTime), r.Status, r.ArtifactCount, truncate(r.Idea, 60))
	}
	return tw.Flush() //nolint:wrapcheck // stdout write
}

func printRun(w io.Writer, r *persistence.Run, contents map[string]string) {
	fmt.Fprintf(w, "Run:      %s\n", r.ID)
	fmt.Fprintf(w, "Status:   %s\n", r.Status)
	fmt.Fprintf(w, "Model:    %s\n", r.Model)
	fmt.Fprintf(w, "Started:  %s\n", r.StartedAt.Local().Format(time.DateTime))
	if r.EndedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", r.EndedAt.Sub(r.StartedAt).Round(time.Second))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Error)
	}
	fmt.Fprintf(w, "Fallback: modes=%t plan=%t  reviewed=%t\n", r.ModesFallback, r.PlanFallback, r.PlanReviewed)
	fmt.Fprintf(w, "\nIdea:\n%s\n", r.Idea)

	names := make([]string, 0, len(contents))
	for name := range contents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "\n===== %s =====\n%s\n", name, strings.TrimRight(contents[name], "\n"))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v) //nolint:wrapcheck // stdout write
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}

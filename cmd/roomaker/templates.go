package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"roomaker/pkg/templates"
)

func newTemplatesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the prompt templates and where each was loaded from",
		Long: `Lists every prompt template. A file named <id>.tpl.md in pipeline.template_dir
replaces the embedded template of the same id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			dir := g.projectPath(cfg.Pipeline.TemplateDir)
			renderer, err := templates.NewRenderer(dir)
			if err != nil {
				return fmt.Errorf("failed to load prompt templates: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TEMPLATE\tSOURCE\tFILE")
			for _, info := range renderer.Available() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.ID, info.Source, info.ID.FileName())
			}
			return tw.Flush() //nolint:wrapcheck // stdout write
		},
	}
}

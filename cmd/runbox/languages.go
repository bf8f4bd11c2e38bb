package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/adapter"
	"github.com/isdmx/runbox/orchestrator"
	"github.com/isdmx/runbox/sandbox"
)

var languagesCmd = &cobra.Command{
	Use:     "languages",
	Aliases: []string{"langs"},
	Short:   "List the registered language adapters",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var registry *adapter.Registry
		app := fx.New(coreModule(cfg), fx.Populate(&registry), fx.NopLogger)
		if err := app.Err(); err != nil {
			return err
		}

		return printLanguages(cmd, registry.List())
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove sandboxes left behind by this instance",
	Long: `Remove sandboxes left behind by a crashed or killed runbox.

Containers are matched by the runbox.instance label (sandbox.instance_id);
the local backend removes workspaces older than sandbox.reap_age_sec.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var orch *orchestrator.Orchestrator
		app := fx.New(coreModule(cfg), fx.Populate(&orch), fx.NopLogger)
		if err := app.Err(); err != nil {
			return err
		}

		n, err := orch.Reap(background(cmd))
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sandbox(es)\n", n)
		return err
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull the base image of every language adapter",
	Long: `Pull the base image of every language adapter that is not present yet.

Images missing when a run starts are pulled inside that run's wall clock, so
cold hosts should pull ahead of time. 'runbox serve' does the same in the
background unless sandbox.prepull is false. The pull is bounded by
sandbox.pull_timeout_sec.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var (
			registry *adapter.Registry
			backend  sandbox.Backend
			log      *zap.Logger
		)
		app := fx.New(coreModule(cfg), fx.Populate(&registry, &backend, &log), fx.NopLogger)
		if err := app.Err(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(background(cmd), cfg.GetPullTimeout())
		defer cancel()

		images := registry.Images()
		n, err := sandbox.PullImages(ctx, log, backend, images)
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d image(s) ready on the %s backend\n", n, len(images), backend.Name())
		return err
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(pullCmd)
}

func printLanguages(cmd *cobra.Command, langs []adapter.LanguageAdapter) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tIMAGE\tSOURCE\tBUILD\tRUN")
	for _, l := range langs {
		build := l.BuildCommand
		if build == "" {
			build = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.ID, l.BaseImage, l.SourceFileName, build, l.RunCommand)
	}
	return w.Flush()
}

package main

import (
	"fmt"
	"os"
	"strings"

	"alertrelay/internal/app"
	"alertrelay/internal/clock"
	"alertrelay/internal/config"

	"github.com/spf13/cobra"
)

// configFlags holds the config source flags shared by every subcommand.
type configFlags struct {
	file string
	dir  string
}

// source resolves flags into a config source; CONFIG_FILE is the file default.
func (f *configFlags) source() (config.ConfigSource, error) {
	file := f.file
	if file == "" && f.dir == "" {
		file = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	return config.FromCLI(file, f.dir)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCommand builds the alertrelay CLI tree.
// Params: none.
// Returns: root command with serve and check subcommands.
func newRootCommand() *cobra.Command {
	flags := &configFlags{}
	root := &cobra.Command{
		Use:           "alertrelay",
		Short:         "Alertmanager webhook relay with label rules, splitting and retrying delivery",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.file, "config-file", "", "path to one TOML or YAML config file (default $CONFIG_FILE)")
	root.PersistentFlags().StringVar(&flags.dir, "config-dir", "", "path to directory with TOML/YAML config fragments")
	root.MarkFlagsMutuallyExclusive("config-file", "config-dir")

	root.AddCommand(newServeCommand(flags), newCheckCommand(flags))
	return root
}

func newServeCommand(flags *configFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP (and optional NATS) ingest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := flags.source()
			if err != nil {
				return err
			}
			service, err := app.NewService(source, clock.RealClock{})
			if err != nil {
				return fmt.Errorf("service init failed: %w", err)
			}
			if err := service.Run(cmd.Context()); err != nil {
				return fmt.Errorf("service run failed: %w", err)
			}
			return nil
		},
	}
}

func newCheckCommand(flags *configFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and print the resolved routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := flags.source()
			if err != nil {
				return err
			}
			cfg, err := config.LoadSnapshot(source)
			if err != nil {
				return fmt.Errorf("config %s is invalid: %w", source.Path(), err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config %s is valid\n", source.Path())
			for _, route := range cfg.Routing.Routes {
				policy := config.MergeSending(cfg.Routing.Sending, route.Sending)
				fmt.Fprintf(out, "route %s/%s catch=%t targets=%d retries=%d workers=%d\n",
					cfg.Ingest.HTTP.RoutePrefix, route.Name, route.Catch, len(route.Targets), policy.Retries, policy.Workers)
			}
			return nil
		},
	}
}

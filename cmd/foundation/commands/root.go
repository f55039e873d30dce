package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	logLevel   string
	runnerPath string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "foundation",
		Short: "foundation - idempotent host configuration plugins",
		Long: `foundation applies host configuration through a fixed set of idempotent
plugins and reports, per invocation, whether anything changed.

Plugins:
  - files.install, files.fetch: managed files, links and archives
  - persist.to, persist.from: capture and restore state outside the image
  - system.kernel: kernel command line parameters
  - system.services, system.stop: systemd unit state and process teardown
  - system.env, user.env: pam_env and /etc/environment variables
  - user.layout: XDG or dotfile home directory layout

Plugins run in process, or inside the foundation-runner binary when
[runner] path is configured.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringVar(&runnerPath, "runner", "", "run plugins inside this runner binary")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newInvokeCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPluginsCommand())
	rootCmd.AddCommand(newHistoryCommand(version))
	rootCmd.AddCommand(newShowCommand(version))
	rootCmd.AddCommand(newSummaryCommand(version))
	rootCmd.AddCommand(newPruneCommand(version))
	rootCmd.AddCommand(newFactsCommand(version))

	return rootCmd
}

// withApp loads the config, runs fn and releases what newApp opened.
func withApp(cmd *cobra.Command, version string, fn func(*app) error) (err error) {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd.OutOrStdout(), version)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/report"
	"github.com/openfroyo/foundation/pkg/stores"
)

func newHistoryCommand(version string) *cobra.Command {
	var (
		plugin string
		status string
		since  time.Duration
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled invocations",
		Long: `List plugin invocations recorded in the journal, newest first.

Requires [journal] enabled = true in the config file.`,
		Example: `  # Last 20 invocations
  foundation history

  # Failed kernel invocations of the last day
  foundation history --plugin system.kernel --status failed --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, version, func(a *app) error {
				journal, err := a.requireJournal()
				if err != nil {
					return err
				}
				opts := stores.ListOptions{Plugin: plugin, Status: engine.Status(status), Limit: limit}
				if since > 0 {
					opts.Since = time.Now().Add(-since)
				}
				invs, err := journal.ListInvocations(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return a.print(invs, func(p *report.Printer) error { return p.Invocations(invs) })
			})
		},
	}

	cmd.Flags().StringVarP(&plugin, "plugin", "p", "", "filter by plugin")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (created, updated, unchanged, skipped, failed)")
	cmd.Flags().DurationVar(&since, "since", 0, "only invocations started within this window")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of invocations")

	return cmd
}

func newShowCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <invocation-id>",
		Short: "Show one journaled invocation",
		Long: `Show the full result of a journaled invocation, including every
primitive it recorded and the facts it reported.`,
		Example: `  foundation show 3f1c9a52-6d0e-4f7a-9b1e-2a4c8d9e0f11`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, version, func(a *app) error {
				journal, err := a.requireJournal()
				if err != nil {
					return err
				}
				inv, err := journal.GetInvocation(cmd.Context(), args[0])
				if errors.Is(err, stores.ErrNotFound) {
					return fmt.Errorf("invocation %s not found", args[0])
				}
				if err != nil {
					return err
				}
				return a.print(inv, func(p *report.Printer) error {
					if inv.Result == nil {
						return fmt.Errorf("invocation %s has no stored result", inv.ID)
					}
					return p.Result(inv.Result)
				})
			})
		},
	}

	return cmd
}

func newSummaryCommand(version string) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Count journaled invocations per plugin and status",
		Example: `  # Outcomes of the last week
  foundation summary --since 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, version, func(a *app) error {
				journal, err := a.requireJournal()
				if err != nil {
					return err
				}
				var from time.Time
				if since > 0 {
					from = time.Now().Add(-since)
				}
				rows, err := journal.Summarize(cmd.Context(), from)
				if err != nil {
					return err
				}
				return a.print(rows, func(p *report.Printer) error { return p.Summary(rows) })
			})
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "only invocations started within this window")

	return cmd
}

func newPruneCommand(version string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old journal entries",
		Long: `Delete invocations started before the cutoff together with their items.
Facts keep their latest value.`,
		Example: `  # Keep thirty days of history
  foundation prune --older-than 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return withApp(cmd, version, func(a *app) error {
				journal, err := a.requireJournal()
				if err != nil {
					return err
				}
				cutoff := time.Now().Add(-olderThan)
				n, err := journal.PruneInvocations(cmd.Context(), cutoff)
				if err != nil {
					return err
				}
				log.Info().Int64("deleted", n).Time("before", cutoff).Msg("Pruned journal")
				return a.print(map[string]int64{"deleted": n}, func(*report.Printer) error {
					_, err := fmt.Fprintf(a.out, "deleted %d invocations\n", n)
					return err
				})
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete invocations older than this")
	_ = cmd.MarkFlagRequired("older-than")

	return cmd
}

package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/foundation/pkg/report"
	"github.com/openfroyo/foundation/pkg/stores"
)

func newFactsCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts [plugin] [key]",
		Short: "Show facts reported by plugins",
		Long: `Show the latest value every plugin reported for each fact key.

Facts are written to the journal by each invocation, for example the
kernel command line after system.kernel or the resolved XDG directories
after user.layout.`,
		Example: `  # All facts
  foundation facts

  # Facts of one plugin
  foundation facts user.layout

  # A single fact
  foundation facts user.layout XDG_CONFIG_HOME`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, version, func(a *app) error {
				journal, err := a.requireJournal()
				if err != nil {
					return err
				}

				var facts []*stores.Fact
				switch len(args) {
				case 2:
					fact, err := journal.GetFact(cmd.Context(), args[0], args[1])
					if errors.Is(err, stores.ErrNotFound) {
						return fmt.Errorf("no fact %s/%s", args[0], args[1])
					}
					if err != nil {
						return err
					}
					facts = []*stores.Fact{fact}
				case 1:
					facts, err = journal.ListFacts(cmd.Context(), args[0])
				default:
					facts, err = journal.ListFacts(cmd.Context(), "")
				}
				if err != nil {
					return err
				}
				return a.print(facts, func(p *report.Printer) error { return p.Facts(facts) })
			})
		},
	}

	return cmd
}

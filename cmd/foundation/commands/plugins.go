package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/foundation/pkg/micro_runner/handlers"
	"github.com/openfroyo/foundation/pkg/report"
)

func newPluginsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the available plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			types := handlers.NewRegistry(zerolog.Nop(), handlers.Options{}).Types()
			if jsonOutput {
				return report.JSON(cmd.OutOrStdout(), types)
			}
			for _, ct := range types {
				fmt.Fprintln(cmd.OutOrStdout(), ct)
			}
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/foundation/pkg/config"
	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/micro_runner/handlers"
	"github.com/openfroyo/foundation/pkg/report"
)

// validation is the outcome of checking one task.
type validation struct {
	File   string `json:"file"`
	Task   string `json:"task"`
	Plugin string `json:"plugin"`
	Error  string `json:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate task files without running them",
		Long: `Validate task files against the plugin request schemas.

This command checks:
  - YAML syntax and the task file layout
  - Plugin names
  - Unknown params fields
  - Field constraints such as required keys and absolute paths
  - Task needs: unknown names, duplicates and cycles

Nothing on the host is read or changed.`,
		Example: `  # Validate a task file
  foundation validate host.yaml

  # Render the task order with Graphviz
  foundation validate --dot host.yaml | dot -Tsvg > tasks.svg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			registry := handlers.NewRegistry(zerolog.Nop(), handlers.Options{})

			var (
				results []validation
				invalid int
				all     []Task
			)
			for _, path := range args {
				tasks, err := loadTasks(path, cmd.InOrStdin())
				if err != nil {
					return err
				}
				all = append(all, tasks...)
				for _, task := range tasks {
					v := validation{File: path, Task: task.Name, Plugin: task.Plugin}
					msg, err := withPersistRoot(task, cfg.Persist.Root).command(0)
					if err == nil {
						err = registry.Validate(msg)
					}
					if err != nil {
						v.Error = err.Error()
						invalid++
					}
					results = append(results, v)
				}
			}

			_, dag, err := orderTasks(all)
			if err != nil {
				return err
			}

			log.Debug().Int("tasks", len(results)).Int("invalid", invalid).Msg("validated task files")

			out := cmd.OutOrStdout()
			if dot {
				if dag == nil {
					dag = engine.NewDAGBuilder()
					for _, t := range all {
						if err := dag.Add(t.Name); err != nil {
							return err
						}
					}
					if _, err := dag.Build(); err != nil {
						return err
					}
				}
				fmt.Fprint(out, dag.ToDOT())
				if invalid > 0 {
					return fmt.Errorf("%d of %d tasks invalid", invalid, len(results))
				}
				return nil
			}
			if jsonOutput {
				if err := report.JSON(out, results); err != nil {
					return err
				}
			} else {
				for _, v := range results {
					if v.Error != "" {
						fmt.Fprintf(out, "%s: %s (%s): %s\n", v.File, v.Task, v.Plugin, v.Error)
						continue
					}
					fmt.Fprintf(out, "%s: %s (%s): ok\n", v.File, v.Task, v.Plugin)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d tasks invalid", invalid, len(results))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the task graph in DOT format")

	return cmd
}

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
	"github.com/openfroyo/foundation/pkg/report"
)

// taskRun pairs a task with its outcome for --json output.
type taskRun struct {
	Task         string         `json:"task"`
	InvocationID string         `json:"invocation_id"`
	Result       *engine.Result `json:"result"`
}

func newRunCommand(version string) *cobra.Command {
	var keepGoing bool

	cmd := &cobra.Command{
		Use:   "run <file>...",
		Short: "Run the tasks in one or more task files",
		Long: `Run plugin tasks from YAML task files, in order.

A task file holds a list of tasks:

  tasks:
    - name: kernel
      plugin: system.kernel
      params:
        params: {quiet: true, splash: true}

or a single task with plugin and params at the top level. A task may list
the names of tasks it needs; it then runs after them, and is skipped when
one of them fails. Execution stops at the first failed task unless
--keep-going is set.`,
		Example: `  # Run a task file
  foundation run host.yaml

  # Read tasks from stdin and print results as JSON
  cat host.yaml | foundation run --json -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tasks []Task
			for _, path := range args {
				ts, err := loadTasks(path, cmd.InOrStdin())
				if err != nil {
					return err
				}
				tasks = append(tasks, ts...)
			}
			tasks, dag, err := orderTasks(tasks)
			if err != nil {
				return err
			}

			return withApp(cmd, version, func(a *app) error {
				return runTasks(cmd.Context(), a, tasks, dag, keepGoing)
			})
		},
	}

	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "continue after a failed task")

	return cmd
}

func newInvokeCommand(version string) *cobra.Command {
	var paramsFile string

	types := make([]string, len(protocol.CommandTypes))
	for i, ct := range protocol.CommandTypes {
		types[i] = string(ct)
	}

	cmd := &cobra.Command{
		Use:   "invoke <plugin>",
		Short: "Invoke one plugin",
		Long: `Invoke a single plugin with params read from a YAML file or stdin.

Plugins: ` + strings.Join(types, ", "),
		Example: `  # Set system environment variables
  echo 'vars: {EDITOR: vim}' | foundation invoke system.env

  # Install managed files described in files.yaml
  foundation invoke files.install -f files.yaml`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: types,
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := loadParams(args[0], paramsFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withApp(cmd, version, func(a *app) error {
				return runTasks(cmd.Context(), a, []Task{task}, nil, false)
			})
		},
	}

	cmd.Flags().StringVarP(&paramsFile, "file", "f", "-", "params file (- for stdin)")

	return cmd
}

// loadParams reads a bare params mapping for plugin.
func loadParams(plugin, path string, stdin io.Reader) (Task, error) {
	task := Task{Name: plugin, Plugin: plugin}
	if err := protocol.CommandType(plugin).Validate(); err != nil {
		return task, err
	}

	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return task, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return task, fmt.Errorf("%s: %w", path, err)
	}
	switch {
	case doc.Kind == 0 || len(doc.Content) == 0:
		task.Params = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	case doc.Content[0].Kind == yaml.MappingNode:
		task.Params = *doc.Content[0]
	default:
		return task, fmt.Errorf("%s: params must be a mapping", path)
	}
	return task, nil
}

func runTasks(ctx context.Context, a *app, tasks []Task, dag *engine.DAGBuilder, keepGoing bool) error {
	inv, err := a.newInvoker(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := inv.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("failed to stop runner")
		}
	}()

	var (
		runs    []taskRun
		failed  []string
		blocked = make(map[string]string)
	)
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if dep, ok := blocked[task.Name]; ok {
			result := engine.NewResult(task.Plugin).Skip(fmt.Sprintf("needed task %s failed", dep))
			runs = append(runs, taskRun{Task: task.Name, Result: result})
			if !jsonOutput {
				if err := a.printer.Result(result); err != nil {
					return err
				}
			}
			continue
		}

		result, id, err := a.runTask(ctx, inv, task)
		if err != nil {
			return err
		}
		runs = append(runs, taskRun{Task: task.Name, InvocationID: id, Result: result})
		if !jsonOutput {
			if err := a.printer.Result(result); err != nil {
				return err
			}
		}

		if result.Status == engine.StatusFailed {
			failed = append(failed, task.Name)
			if !keepGoing {
				break
			}
			if dag != nil {
				for _, name := range dag.Dependents(task.Name) {
					if _, ok := blocked[name]; !ok {
						blocked[name] = task.Name
					}
				}
			}
		}
	}

	if jsonOutput {
		if err := report.JSON(a.out, runs); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed tasks: %s", strings.Join(failed, ", "))
	}
	return nil
}

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/foundation/pkg/config"
	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/micro_runner/client"
	"github.com/openfroyo/foundation/pkg/micro_runner/handlers"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
	"github.com/openfroyo/foundation/pkg/report"
	"github.com/openfroyo/foundation/pkg/stores"
	"github.com/openfroyo/foundation/pkg/telemetry"
	"github.com/openfroyo/foundation/pkg/transports/ssh"
)

// app holds what a command needs once the config file is loaded.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	journal stores.Store
	logger  zerolog.Logger
	out     io.Writer
	printer *report.Printer
}

func newApp(ctx context.Context, out io.Writer, version string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	switch {
	case logLevel != "":
		cfg.Log.Level = logLevel
	case verbose:
		cfg.Log.Level = "debug"
	}
	if runnerPath != "" {
		cfg.Runner.Path = runnerPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry("foundation", version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// the config file decides the level from here on
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	log.Logger = tel.Logger.Zerolog()

	a := &app{
		cfg:     cfg,
		tel:     tel,
		logger:  log.Logger,
		out:     out,
		printer: report.NewPrinter(out),
	}

	if cfg.Journal.Enabled {
		store, err := stores.Open(ctx, cfg.Journal.Path)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		a.journal = store
	}
	return a, nil
}

// requireJournal fails commands that only read the journal.
func (a *app) requireJournal() (stores.Store, error) {
	if a.journal == nil {
		return nil, errors.New("the journal is disabled; set [journal] enabled = true in the config file")
	}
	return a.journal, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// print writes v as JSON under --json, or through the printer otherwise.
func (a *app) print(v interface{}, human func(*report.Printer) error) error {
	if jsonOutput {
		return report.JSON(a.out, v)
	}
	return human(a.printer)
}

// invoker executes commands either in process or through the runner.
type invoker interface {
	Invoke(ctx context.Context, cmd *protocol.CommandMessage) (*engine.Result, error)
	Close(ctx context.Context) error
}

func (a *app) newInvoker(ctx context.Context) (invoker, error) {
	if a.cfg.Runner.Path == "" {
		return &localInvoker{
			registry: handlers.NewRegistry(a.logger, handlers.Options{}),
			logger:   a.logger,
		}, nil
	}

	var args []string
	if ttl := a.cfg.RunnerTTL(); ttl > 0 {
		args = []string{"--ttl", ttl.String()}
	}

	var transport client.Transport
	remotePath := a.cfg.Runner.RemotePath
	if sc := a.cfg.SSHTransport(); sc != nil {
		rt, err := ssh.NewRunnerTransport(a.logger, sc)
		if err != nil {
			return nil, err
		}
		rt.UseSudo = a.cfg.Runner.Sudo
		rt.Args = args
		rt.Stderr = os.Stderr
		transport = rt
		if remotePath == "" {
			remotePath = "/tmp/foundation-runner-" + uuid.NewString()
		}
	} else {
		transport = &client.LocalTransport{UseSudo: a.cfg.Runner.Sudo, Args: args, Stderr: os.Stderr}
	}

	c, err := client.NewClient(client.Config{
		Transport:  transport,
		RunnerPath: a.cfg.Runner.Path,
		RemotePath: remotePath,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("failed to start runner: %w", err)
	}
	return &runnerInvoker{client: c}, nil
}

// localInvoker dispatches straight into the plugin handlers.
type localInvoker struct {
	registry *handlers.Registry
	logger   zerolog.Logger
}

func (l *localInvoker) Invoke(ctx context.Context, cmd *protocol.CommandMessage) (*engine.Result, error) {
	events := make(chan *protocol.EventMessage, 16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for evt := range events {
			l.logger.Debug().Str("command_id", evt.CommandID).Str("level", evt.Level).Msg(evt.Message)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()
	result, err := l.registry.Handle(ctx, cmd, events)
	close(events)
	<-drained
	return result, err
}

func (l *localInvoker) Close(context.Context) error { return nil }

// runnerInvoker sends commands to a runner process.
type runnerInvoker struct {
	client *client.Client
}

func (r *runnerInvoker) Invoke(ctx context.Context, cmd *protocol.CommandMessage) (*engine.Result, error) {
	done, err := r.client.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var result engine.Result
	if err := json.Unmarshal(done.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", cmd.Type, err)
	}
	return &result, nil
}

func (r *runnerInvoker) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}

// runTask executes one task with tracing, metrics and journaling.
func (a *app) runTask(ctx context.Context, inv invoker, task Task) (*engine.Result, string, error) {
	task = withPersistRoot(task, a.cfg.Persist.Root)
	cmd, err := task.command(10 * time.Minute)
	if err != nil {
		return nil, "", err
	}

	ctx = a.tel.WithContext(ctx)
	span := telemetry.StartInvocation(ctx, task.Plugin, cmd.ID)
	span.Logger.WithField("task", task.Name).Info("invoking plugin")

	result, err := inv.Invoke(span.Ctx, cmd)
	if err != nil {
		span.End(nil)
		return nil, cmd.ID, fmt.Errorf("task %s: %w", task.Name, err)
	}
	span.End(result)

	if a.journal != nil {
		if _, err := a.journal.RecordInvocation(ctx, cmd.ID, cmd.Params, result); err != nil {
			a.logger.Warn().Err(err).Str("invocation_id", cmd.ID).Msg("failed to journal invocation")
		}
	}
	return result, cmd.ID, nil
}

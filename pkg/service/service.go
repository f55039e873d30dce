package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/descriptor"
	"github.com/openfroyo/foundation/pkg/engine"
)

const (
	// Plugin is the name reported by Apply.
	Plugin = "system.services"

	// StopPlugin is the name reported by Stop.
	StopPlugin = "system.stop"
)

// Request is the input of system.services.
type Request struct {
	Units        []string `json:"units" yaml:"units" validate:"required,min=1,dive,required"`
	State        State    `json:"state" yaml:"state" validate:"required,oneof=enabled disabled started stopped masked unmasked"`
	Scope        Scope    `json:"scope,omitempty" yaml:"scope,omitempty" validate:"omitempty,oneof=system user"`
	Headless     bool     `json:"headless" yaml:"headless"`
	DaemonReload bool     `json:"daemon_reload,omitempty" yaml:"daemon_reload,omitempty"`

	// WasActive carries, per unit, whether it was active before it was
	// masked. Units without a hint fall back to their observed activity.
	WasActive map[string]bool `json:"was_active,omitempty" yaml:"was_active,omitempty"`
}

// StopRequest is the input of system.stop.
type StopRequest struct {
	Processes []string `json:"processes,omitempty" yaml:"processes,omitempty" validate:"dive,required"`
	Services  []string `json:"services,omitempty" yaml:"services,omitempty" validate:"dive,required"`
	Scope     Scope    `json:"scope,omitempty" yaml:"scope,omitempty" validate:"omitempty,oneof=system user"`
	Headless  bool     `json:"headless" yaml:"headless"`
}

// Reconciler applies service states.
type Reconciler struct {
	executor   engine.Executor
	logger     zerolog.Logger
	managerFor func(scope Scope, headless bool) Manager
}

// NewReconciler creates a reconciler driving systemctl through executor.
func NewReconciler(logger zerolog.Logger, executor engine.Executor) *Reconciler {
	r := &Reconciler{
		executor: executor,
		logger:   logger.With().Str("component", "service").Logger(),
	}
	r.managerFor = func(scope Scope, headless bool) Manager {
		return NewSystemctl(r.executor, scope, headless)
	}
	return r
}

// Apply drives every unit to the requested state. A failing unit does not
// stop the remaining ones; the first failure is the result's error.
func (r *Reconciler) Apply(ctx context.Context, req Request) *engine.Result {
	result := engine.NewResult(Plugin)

	if err := descriptor.Validator().Struct(req); err != nil {
		return result.Fail(engine.NewValidationError("invalid service request", err))
	}

	mgr := r.managerFor(req.Scope, req.Headless)

	if req.DaemonReload {
		if req.Headless {
			result.Record(engine.ItemResult{Name: "daemon-reload", Status: engine.StatusSkipped, Message: "headless"})
		} else if err := mgr.DaemonReload(ctx); err != nil {
			return result.Fail(asEngineError(err, "daemon-reload", "daemon-reload"))
		} else {
			result.Record(engine.ItemResult{Name: "daemon-reload", Status: engine.StatusUpdated})
		}
	}

	var failures *multierror.Error
	for _, unit := range req.Units {
		if err := r.applyUnit(ctx, mgr, req, unit, result); err != nil {
			failures = multierror.Append(failures, err)
		}
	}

	if failures != nil {
		result.Message = failures.Error()
		r.logger.Error().Int("failed", failures.Len()).Str("state", string(req.State)).Msg("service units failed")
	}
	return result.Finish()
}

func (r *Reconciler) applyUnit(ctx context.Context, mgr Manager, req Request, unit string, result *engine.Result) error {
	observed, err := mgr.Status(ctx, unit)
	if err != nil {
		ee := asEngineError(err, unit, "status")
		result.Record(engine.ItemResult{Name: "status", Target: unit, Status: engine.StatusFailed, Error: ee})
		return ee
	}

	wasActive, hinted := req.WasActive[unit]
	if !hinted {
		wasActive = observed.Active
	}
	if req.State == StateMasked && !observed.Masked {
		result.SetFact(unit+".was_active", observed.Active)
	}

	for _, step := range Plan(req.State, unit, observed, wasActive, req.Headless) {
		item := engine.ItemResult{Name: string(step.Primitive), Target: unit, Message: step.Reason}

		switch step.Action {
		case ActionSkip:
			item.Status = engine.StatusSkipped
		case ActionNoop:
			item.Status = engine.StatusUnchanged
		default:
			if err := mgr.Run(ctx, step.Primitive, unit); err != nil {
				item.Status = engine.StatusFailed
				item.Error = asEngineError(err, unit, string(step.Primitive))
				result.Record(item)
				return item.Error
			}
			item.Status = engine.StatusUpdated
			r.logger.Info().Str("unit", unit).Str("primitive", string(step.Primitive)).Msg("unit changed")
		}
		result.Record(item)
	}
	return nil
}

// Stop kills process groups by name and stops services. Nothing runs in
// headless mode.
func (r *Reconciler) Stop(ctx context.Context, req StopRequest) *engine.Result {
	result := engine.NewResult(StopPlugin)

	if err := descriptor.Validator().Struct(req); err != nil {
		return result.Fail(engine.NewValidationError("invalid stop request", err))
	}
	if len(req.Processes)+len(req.Services) == 0 {
		return result.Fail(engine.NewValidationError("one of processes or services is required", nil))
	}
	if req.Headless {
		return result.Skip("headless")
	}

	for _, proc := range req.Processes {
		cmd := engine.Command{Argv: []string{"killall", "--process-group", "--wait", proc}}
		res, err := r.executor.Run(ctx, cmd)
		if err != nil {
			ee := engine.NewTransportError("command could not be started", err).WithResource(proc).WithOperation(cmd.String())
			result.Record(engine.ItemResult{Name: "kill", Target: proc, Status: engine.StatusFailed, Error: ee})
			continue
		}
		// killall exits non-zero when nothing matched
		status := engine.StatusUnchanged
		if res.ExitCode == 0 {
			status = engine.StatusUpdated
		}
		result.Record(engine.ItemResult{Name: "kill", Target: proc, Status: status})
	}

	mgr := r.managerFor(req.Scope, false)
	for _, unit := range req.Services {
		observed, err := mgr.Status(ctx, unit)
		if err == nil && !observed.Active {
			result.Record(engine.ItemResult{Name: string(Stop), Target: unit, Status: engine.StatusUnchanged})
			continue
		}
		if err == nil {
			err = mgr.Run(ctx, Stop, unit)
		}
		if err != nil {
			ee := asEngineError(err, unit, string(Stop))
			result.Record(engine.ItemResult{Name: string(Stop), Target: unit, Status: engine.StatusFailed, Error: ee})
			continue
		}
		result.Record(engine.ItemResult{Name: string(Stop), Target: unit, Status: engine.StatusUpdated})
	}

	return result.Finish()
}

func asEngineError(err error, resource, op string) *engine.EngineError {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		ee = engine.NewTransportError(fmt.Sprintf("%s failed", op), err)
	}
	if ee.Resource == "" {
		ee.WithResource(resource)
	}
	return ee
}

package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/descriptor"
	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/fetch"
	"github.com/openfroyo/foundation/pkg/fsops"
)

// Plugin is the name reported in results.
const Plugin = "files.install"

// Request is one batch of targets sharing defaults.
type Request struct {
	Defaults descriptor.DefaultsSpec  `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Targets  []descriptor.TargetSpec `json:"targets" yaml:"targets"`
}

// Reconciler applies target batches.
type Reconciler struct {
	downloader fetch.Downloader
	logger     zerolog.Logger
}

// NewReconciler creates a reconciler. The downloader serves url sources.
func NewReconciler(logger zerolog.Logger, downloader fetch.Downloader) *Reconciler {
	return &Reconciler{
		downloader: downloader,
		logger:     logger.With().Str("component", "files").Logger(),
	}
}

// Install validates, observes, plans and applies a batch.
func (r *Reconciler) Install(ctx context.Context, req Request) *engine.Result {
	result := engine.NewResult(Plugin)

	defaults, targets, err := descriptor.BuildAll(req.Defaults, req.Targets)
	if err != nil {
		return result.Fail(err)
	}

	state, err := Observe(targets)
	if err != nil {
		return result.Fail(engine.NewTransportError("failed to observe targets", err))
	}

	cs, err := Plan(defaults, targets, state)
	if err != nil {
		return result.Fail(err)
	}

	return r.apply(ctx, cs, result)
}

// Apply executes a change set, stopping at the first failure.
func (r *Reconciler) Apply(ctx context.Context, cs *ChangeSet) *engine.Result {
	return r.apply(ctx, cs, engine.NewResult(Plugin))
}

func (r *Reconciler) apply(ctx context.Context, cs *ChangeSet, result *engine.Result) *engine.Result {
	for _, step := range cs.Steps {
		item := engine.ItemResult{Name: string(step.Op), Target: step.Target.Path, Status: engine.StatusUnchanged}
		if step.Path != step.Target.Path {
			item.Message = step.Path
		}

		if !step.Noop {
			status, err := r.execute(ctx, step)
			if err != nil {
				item.Status = engine.StatusFailed
				item.Error = classify(step, err)
				result.Record(item)
				r.logger.Error().Err(err).Str("op", string(step.Op)).Str("path", step.Path).Msg("target failed")
				result.SetFact("targets", TargetStatuses(result))
				return result.Fail(item.Error)
			}
			item.Status = status
		}

		if item.Status.IsChange() {
			r.logger.Info().Str("op", string(step.Op)).Str("path", step.Path).Str("status", string(item.Status)).Msg("target changed")
		} else {
			r.logger.Debug().Str("op", string(step.Op)).Str("path", step.Path).Msg("target unchanged")
		}
		result.Record(item)
	}

	result.SetFact("targets", TargetStatuses(result))
	return result.Finish()
}

func (r *Reconciler) execute(ctx context.Context, step Step) (engine.Status, error) {
	created := engine.StatusCreated
	if step.Existed {
		created = engine.StatusUpdated
	}

	switch step.Op {
	case OpWipe:
		if _, err := fsops.RemoveAll(step.Path); err != nil {
			return "", err
		}
		return engine.StatusUpdated, nil

	case OpMkdir, OpParent:
		mode := step.Perms.Mode
		if mode == 0 {
			mode = 0o755
		}
		if err := os.MkdirAll(step.Path, mode); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
		if _, err := applyPerms(step.Path, step.Perms); err != nil {
			return "", err
		}
		return engine.StatusCreated, nil

	case OpContent, OpTemplate:
		if err := fsops.WriteFile(step.Path, []byte(step.Target.Source.Value), step.Target.Perms.Mode); err != nil {
			return "", err
		}
		return created, nil

	case OpCopy:
		if err := fsops.CopyFile(step.Target.Source.Value, step.Path, step.Target.Perms.Mode); err != nil {
			return "", err
		}
		return created, nil

	case OpLink:
		changed, err := fsops.Symlink(step.Target.Source.Value, step.Path)
		if err != nil {
			return "", err
		}
		if !changed {
			return engine.StatusUnchanged, nil
		}
		return created, nil

	case OpURL:
		if r.downloader == nil {
			return "", fmt.Errorf("no downloader configured")
		}
		tmp := filepath.Join(filepath.Dir(step.Path), "."+filepath.Base(step.Path)+".download")
		defer os.Remove(tmp)
		if _, err := r.downloader.Download(ctx, step.Target.Source.Value, tmp); err != nil {
			return "", err
		}
		if err := os.Chmod(tmp, fileMode(step.Target)); err != nil {
			return "", err
		}
		if err := os.Rename(tmp, step.Path); err != nil {
			return "", fmt.Errorf("failed to move download into place: %w", err)
		}
		return created, nil

	case OpTouch:
		f, err := os.OpenFile(step.Path, os.O_CREATE|os.O_WRONLY, fileMode(step.Target))
		if err != nil {
			return "", fmt.Errorf("failed to create file: %w", err)
		}
		if err := f.Chmod(fileMode(step.Target)); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return created, nil

	case OpPerms:
		changed, err := applyPerms(step.Path, step.Perms)
		if err != nil {
			return "", err
		}
		if changed {
			return engine.StatusUpdated, nil
		}
		return engine.StatusUnchanged, nil
	}

	return "", fmt.Errorf("unknown operation %q", step.Op)
}

// applyPerms sets mode and ownership where they differ from the observed
// node and reports whether anything changed.
func applyPerms(path string, perms descriptor.Perms) (bool, error) {
	obs, err := fsops.Observe(path, false)
	if err != nil {
		return false, err
	}

	changed := false
	if perms.Mode != 0 && obs.Mode != perms.Mode {
		if err := os.Chmod(path, perms.Mode); err != nil {
			return false, &permError{op: "chmod", err: err}
		}
		changed = true
	}

	uid, gid, err := fsops.ResolveOwnership(perms.Owner, perms.Group)
	if err != nil {
		return false, &permError{op: "chown", err: err}
	}
	if fsops.NeedsChown(obs, uid, gid) {
		if err := os.Lchown(path, uid, gid); err != nil {
			return false, &permError{op: "chown", err: err}
		}
		changed = true
	}
	return changed, nil
}

type permError struct {
	op  string
	err error
}

func (e *permError) Error() string { return fmt.Sprintf("%s failed: %v", e.op, e.err) }
func (e *permError) Unwrap() error { return e.err }

func classify(step Step, err error) *engine.EngineError {
	var e *engine.EngineError
	var pe *permError
	if errors.As(err, &pe) {
		e = engine.NewPermissionError("failed to apply permissions", err)
	} else {
		e = engine.NewTransportError(fmt.Sprintf("failed to %s", step.Op), err)
	}
	return e.WithResource(step.Target.Path).WithOperation(string(step.Op))
}

func fileMode(t descriptor.Target) os.FileMode {
	if t.Perms.Mode != 0 {
		return t.Perms.Mode
	}
	return 0o644
}

// TargetStatuses folds the primitive items of a result into one status per
// target path: failed, then created, then updated, else unchanged.
func TargetStatuses(result *engine.Result) map[string]engine.Status {
	rank := map[engine.Status]int{
		engine.StatusUnchanged: 0,
		engine.StatusSkipped:   0,
		engine.StatusUpdated:   1,
		engine.StatusCreated:   2,
		engine.StatusFailed:    3,
	}

	out := make(map[string]engine.Status)
	for _, item := range result.Items {
		cur, ok := out[item.Target]
		if !ok || rank[item.Status] > rank[cur] {
			out[item.Target] = item.Status
		}
	}
	return out
}

package persist

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

const (
	// RestorePlugin is the name reported by Restore.
	RestorePlugin = "persist.from"

	// CapturePlugin is the name reported by Capture.
	CapturePlugin = "persist.to"
)

// RestoreShell pipes a blob into the stdin of a command.
type RestoreShell struct {
	Key string `json:"key" yaml:"key" validate:"required"`
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
	Cmd string `json:"cmd" yaml:"cmd" validate:"required"`
}

// RestoreArchive unpacks a gzip tar blob into a directory.
type RestoreArchive struct {
	Key string `json:"key" yaml:"key" validate:"required"`
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Perms is "owner:group" applied to every unpacked entry.
	Perms string `json:"perms" yaml:"perms" validate:"required"`
}

// RestoreRequest is the input of persist.from.
type RestoreRequest struct {
	Base     string           `json:"base,omitempty" yaml:"base,omitempty" validate:"omitempty,abspath"`
	Persist  string           `json:"persist" yaml:"persist" validate:"required,abspath"`
	Shells   []RestoreShell   `json:"shells,omitempty" yaml:"shells,omitempty" validate:"dive"`
	Archives []RestoreArchive `json:"archives,omitempty" yaml:"archives,omitempty" validate:"dive"`
}

type restoreItem struct {
	key   Key
	dir   string
	cmd   string
	uid   int
	gid   int
	shell bool
}

// Transfer restores and captures persistence blobs.
type Transfer struct {
	executor engine.Executor
	logger   zerolog.Logger
}

// NewTransfer creates a transfer running commands through executor.
func NewTransfer(logger zerolog.Logger, executor engine.Executor) *Transfer {
	return &Transfer{
		executor: executor,
		logger:   logger.With().Str("component", "persist").Logger(),
	}
}

// Restore materializes every item, or nothing when any key is missing from
// the store.
func (t *Transfer) Restore(ctx context.Context, req RestoreRequest) *engine.Result {
	result := engine.NewResult(RestorePlugin)

	items, err := t.validateRestore(req)
	if err != nil {
		return result.Fail(err)
	}

	store, err := OpenStore(req.Persist)
	if err != nil {
		return result.Fail(err)
	}

	var absent []string
	for _, it := range items {
		if !store.Has(it.key) {
			absent = append(absent, it.key.String())
		}
	}
	if len(absent) > 0 {
		t.logger.Info().Strs("keys", absent).Msg("persistence keys missing, skipping restore")
		result.SetFact("missing", absent)
		return result.Skip(fmt.Sprintf("missing persistence keys: %v", absent))
	}

	for _, it := range items {
		var err error
		if it.shell {
			err = t.restoreShell(ctx, store, it)
		} else {
			err = t.restoreArchive(store, it)
		}

		op := "archive"
		if it.shell {
			op = "shell"
		}
		if err != nil {
			return t.failItem(result, op, it.key, err)
		}

		t.logger.Info().Str("key", it.key.String()).Str("dir", it.dir).Msg("restored")
		result.Record(engine.ItemResult{Name: op, Target: it.key.String(), Status: engine.StatusUpdated, Message: it.dir})
	}

	return result.Finish()
}

func (t *Transfer) validateRestore(req RestoreRequest) ([]restoreItem, error) {
	if err := descriptor.Validator().Struct(req); err != nil {
		return nil, engine.NewValidationError("invalid persist request", err)
	}
	if len(req.Shells)+len(req.Archives) == 0 {
		return nil, engine.NewValidationError("no-op action", nil)
	}

	items := make([]restoreItem, 0, len(req.Shells)+len(req.Archives))
	for _, s := range req.Shells {
		key, err := ParseKey(s.Key)
		if err != nil {
			return nil, err
		}
		dir, err := resolveDir(s.Dir, req.Base)
		if err != nil {
			return nil, err
		}
		items = append(items, restoreItem{key: key, dir: dir, cmd: s.Cmd, uid: -1, gid: -1, shell: true})
	}

	for _, a := range req.Archives {
		key, err := ParseKey(a.Key)
		if err != nil {
			return nil, err
		}
		dir, err := resolveDir(a.Dir, req.Base)
		if err != nil {
			return nil, err
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return nil, engine.NewValidationError("archive directory does not exist", err).
				WithCode(engine.ErrCodeNotFound).
				WithResource(dir)
		}
		owner, group, err := descriptor.ParseOwnership(a.Perms)
		if err != nil {
			return nil, err
		}
		uid, gid, err := fsops.ResolveOwnership(owner, group)
		if err != nil {
			return nil, engine.NewValidationError("cannot resolve ownership", err).WithResource(a.Key)
		}
		items = append(items, restoreItem{key: key, dir: dir, uid: uid, gid: gid})
	}
	return items, nil
}

func (t *Transfer) restoreShell(ctx context.Context, store *Store, it restoreItem) error {
	blob, err := store.Open(it.key)
	if err != nil {
		return err
	}
	defer blob.Close()

	t.logger.Debug().Str("key", it.key.String()).Str("cmd", it.cmd).Msg("piping blob into command")
	_, err = engine.RunChecked(ctx, t.executor, engine.Command{Script: it.cmd, Dir: it.dir, Stdin: blob})
	return err
}

func (t *Transfer) restoreArchive(store *Store, it restoreItem) error {
	blob, err := store.Open(it.key)
	if err != nil {
		return err
	}
	defer blob.Close()

	written, err := (&fetch.Extractor{}).Extract(blob, it.dir)
	if err != nil {
		return err
	}
	for _, top := range fetch.TopLevel(it.dir, written) {
		if _, err := fsops.ChownRecursive(top, it.uid, it.gid); err != nil {
			return engine.NewPermissionError("failed to apply ownership", err).
				WithResource(top).
				WithOperation("chown")
		}
	}
	return nil
}

// resolveDir resolves an item directory: absolute as is, "./"-relative
// against base, and base itself when unset.
func resolveDir(dir, base string) (string, error) {
	if dir == "" {
		if base == "" {
			return "", engine.NewValidationError("global base directory or absolute dir must be set", nil)
		}
		return filepath.Clean(base), nil
	}
	return descriptor.ResolvePath(dir, base)
}

func asTransport(err error, resource, op string) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		if ee.Resource == "" {
			ee.WithResource(resource)
		}
		return ee
	}
	return engine.NewTransportError(fmt.Sprintf("%s failed", op), err).
		WithResource(resource).
		WithOperation(op)
}

package persist

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/foundation/pkg/descriptor"
	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/fsops"
)

// CaptureShell stores the stdout of a command.
type CaptureShell struct {
	Key   string  `json:"key" yaml:"key" validate:"required"`
	Dir   string  `json:"dir,omitempty" yaml:"dir,omitempty"`
	Cmd   string  `json:"cmd" yaml:"cmd" validate:"required"`
	Stdin *string `json:"stdin,omitempty" yaml:"stdin,omitempty"`
}

// CaptureArchive stores a gzip tar of the matching entries under Dir.
type CaptureArchive struct {
	Key string `json:"key" yaml:"key" validate:"required"`
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Include lists patterns relative to Dir; "*" selects everything.
	Include []string `json:"include" yaml:"include"`
}

// CaptureRequest is the input of persist.to.
type CaptureRequest struct {
	Base     string           `json:"base,omitempty" yaml:"base,omitempty" validate:"omitempty,abspath"`
	Persist  string           `json:"persist" yaml:"persist" validate:"required,abspath"`
	Shells   []CaptureShell   `json:"shells,omitempty" yaml:"shells,omitempty" validate:"dive"`
	Archives []CaptureArchive `json:"archives,omitempty" yaml:"archives,omitempty" validate:"dive"`
}

// Capture stores the output of every item in the store. Blobs whose content
// did not change are reported unchanged. The sha256 of each blob is returned
// as a fact named after its key.
func (t *Transfer) Capture(ctx context.Context, req CaptureRequest) *engine.Result {
	result := engine.NewResult(CapturePlugin)

	if err := t.validateCapture(req); err != nil {
		return result.Fail(err)
	}

	store, err := OpenStore(req.Persist)
	if err != nil {
		return result.Fail(err)
	}

	for _, s := range req.Shells {
		key, _ := ParseKey(s.Key)
		dir, _ := resolveDir(s.Dir, req.Base)

		cmd := engine.Command{Script: s.Cmd, Dir: dir}
		if s.Stdin != nil {
			cmd.Stdin = strings.NewReader(*s.Stdin)
		}
		res, err := engine.RunChecked(ctx, t.executor, cmd)
		if err != nil {
			return t.failItem(result, "shell", key, err)
		}
		if err := t.store(result, store, "shell", key, res.Stdout); err != nil {
			return t.failItem(result, "shell", key, err)
		}
	}

	for _, a := range req.Archives {
		key, _ := ParseKey(a.Key)
		dir, _ := resolveDir(a.Dir, req.Base)

		includes, err := compileIncludes(a.Include)
		if err != nil {
			return t.failItem(result, "archive", key, engine.NewValidationError("invalid include", err))
		}
		data, count, err := archiveDir(dir, includes)
		if err != nil {
			return t.failItem(result, "archive", key, err)
		}
		t.logger.Debug().Str("key", key.String()).Int("entries", count).Msg("archived")
		if err := t.store(result, store, "archive", key, data); err != nil {
			return t.failItem(result, "archive", key, err)
		}
	}

	return result.Finish()
}

func (t *Transfer) validateCapture(req CaptureRequest) error {
	if err := descriptor.Validator().Struct(req); err != nil {
		return engine.NewValidationError("invalid persist request", err)
	}
	if len(req.Shells)+len(req.Archives) == 0 {
		return engine.NewValidationError("no-op action", nil)
	}

	check := func(rawKey, dir string) error {
		if _, err := ParseKey(rawKey); err != nil {
			return err
		}
		_, err := resolveDir(dir, req.Base)
		return err
	}
	for _, s := range req.Shells {
		if err := check(s.Key, s.Dir); err != nil {
			return err
		}
	}
	for _, a := range req.Archives {
		if err := check(a.Key, a.Dir); err != nil {
			return err
		}
		if len(a.Include) == 0 {
			return engine.NewValidationError(fmt.Sprintf("archive '%s' must define list of items", a.Key), nil).
				WithResource(a.Key)
		}
	}
	return nil
}

func (t *Transfer) store(result *engine.Result, store *Store, op string, key Key, data []byte) error {
	status, err := store.Write(key, data)
	if err != nil {
		return engine.NewPermissionError("failed to write blob", err)
	}
	if status.IsChange() {
		t.logger.Info().Str("key", key.String()).Int("bytes", len(data)).Msg("captured")
	}
	result.SetFact(key.String(), fsops.HashBytes(data))
	result.Record(engine.ItemResult{Name: op, Target: key.String(), Status: status})
	return nil
}

func (t *Transfer) failItem(result *engine.Result, op string, key Key, err error) *engine.Result {
	ee := asTransport(err, key.String(), op)
	result.Record(engine.ItemResult{Name: op, Target: key.String(), Status: engine.StatusFailed, Error: ee})
	return result.Fail(ee)
}

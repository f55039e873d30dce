package kernel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/fsops"
)

const (
	// Plugin is the name reported in results.
	Plugin = "system.kernel"

	// DefaultCmdlineFile is read by kernel-install when building boot entries.
	DefaultCmdlineFile = "/etc/kernel/cmdline"
)

// KernelInstall regenerates boot images for every installed kernel.
var KernelInstall = []string{"/usr/bin/kernel-install", "add-all"}

// Request is the input of system.kernel. Params maps parameter names to true
// (flag), a string (option) or a list of strings, in the order given.
type Request struct {
	Headless bool                                `json:"headless" yaml:"headless"`
	Params   *orderedmap.OrderedMap[string, any] `json:"params" yaml:"params" validate:"required"`
}

// Patch is the outcome of merging requested parameters into a cmdline file.
type Patch struct {
	Content string
	Changed bool
	Changes []engine.Change
}

// Merge parses existing, folds requested into it and serializes the result
// as a newline terminated line. Changed is false when the output is
// byte-identical to existing.
func Merge(existing string, requested *Cmdline) (Patch, error) {
	current, err := Parse(existing)
	if err != nil {
		return Patch{}, err
	}
	changes := current.Merge(requested)
	content := current.String() + "\n"
	return Patch{Content: content, Changed: content != existing, Changes: changes}, nil
}

// ParseParams converts loosely typed parameters into a Cmdline. True is a
// flag, strings and numbers are options, lists are lists. False, empty lists
// and nested values are rejected.
func ParseParams(params *orderedmap.OrderedMap[string, any]) (*Cmdline, error) {
	if params == nil || params.Len() == 0 {
		return nil, engine.NewValidationError("no-op invocation", nil)
	}

	c := NewCmdline()
	for p := params.Oldest(); p != nil; p = p.Next() {
		invalid := engine.NewValidationError(fmt.Sprintf("'%s' only allows primitives", p.Key), nil).WithResource(p.Key)

		if p.Key == "" {
			return nil, invalid
		}
		if items, ok := p.Value.([]any); ok {
			if len(items) == 0 {
				return nil, invalid
			}
			list := make([]string, 0, len(items))
			for _, item := range items {
				s, ok := primitive(item)
				if !ok || s == "" {
					return nil, invalid
				}
				list = append(list, s)
			}
			c.Set(p.Key, ListValue(list...))
			continue
		}

		if b, ok := p.Value.(bool); ok && b {
			c.Set(p.Key, FlagValue())
			continue
		}
		s, ok := primitive(p.Value)
		if !ok || s == "" {
			return nil, invalid
		}
		c.Set(p.Key, ScalarValue(s))
	}
	return c, nil
}

func primitive(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return "", false
	}
}

// Merger commits cmdline changes and regenerates boot images.
type Merger struct {
	executor engine.Executor
	logger   zerolog.Logger
	path     string
}

// NewMerger creates a merger for DefaultCmdlineFile.
func NewMerger(logger zerolog.Logger, executor engine.Executor) *Merger {
	return &Merger{
		executor: executor,
		logger:   logger.With().Str("component", "kernel").Logger(),
		path:     DefaultCmdlineFile,
	}
}

// WithPath overrides the cmdline file location.
func (m *Merger) WithPath(path string) *Merger {
	m.path = path
	return m
}

// Apply merges the requested parameters. Nothing is written and no image is
// rebuilt when the merged line equals the current file.
func (m *Merger) Apply(ctx context.Context, req Request) *engine.Result {
	result := engine.NewResult(Plugin)

	requested, err := ParseParams(req.Params)
	if err != nil {
		return result.Fail(err)
	}

	existing, err := os.ReadFile(m.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return result.Fail(engine.NewTransportError("failed to read cmdline", err).WithResource(m.path))
	}

	patch, err := Merge(string(existing), requested)
	if err != nil {
		return result.Fail(err)
	}
	result.SetFact("cmdline", patch.Content[:len(patch.Content)-1])

	if !patch.Changed {
		m.logger.Debug().Str("path", m.path).Msg("cmdline unchanged")
		result.Record(engine.ItemResult{Name: "commit", Target: m.path, Status: engine.StatusUnchanged})
		return result.Finish()
	}
	result.SetFact("changes", patch.Changes)

	status := engine.StatusUpdated
	if len(existing) == 0 {
		status = engine.StatusCreated
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return result.Fail(engine.NewTransportError("failed to create cmdline directory", err).WithResource(m.path))
	}
	if err := fsops.WriteFile(m.path, []byte(patch.Content), 0); err != nil {
		return result.Fail(engine.NewTransportError("failed to write cmdline", err).
			WithResource(m.path).
			WithOperation("commit"))
	}
	m.logger.Info().Str("path", m.path).Int("changes", len(patch.Changes)).Msg("cmdline committed")
	result.Record(engine.ItemResult{Name: "commit", Target: m.path, Status: status})

	cmd := engine.Command{Argv: KernelInstall}
	if req.Headless {
		// universal images do not depend on the build host's hardware
		cmd.Env = map[string]string{"KERNEL_INSTALL_BOOSTER_UNIVERSAL": "1"}
	}
	res, err := engine.RunChecked(ctx, m.executor, cmd)
	if err != nil {
		ee := asEngineError(err)
		result.Record(engine.ItemResult{Name: "kernel-install", Target: cmd.String(), Status: engine.StatusFailed, Error: ee})
		return result.Fail(ee)
	}
	result.Record(engine.ItemResult{Name: "kernel-install", Target: cmd.String(), Status: engine.StatusUpdated,
		Message: strings.TrimSpace(string(res.Stdout))})

	return result.Finish()
}

func asEngineError(err error) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return engine.NewTransportError("operation failed", err)
}

package envfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/descriptor"
	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/fsops"
)

const (
	// Plugin is the name reported for sectioned login environment merges.
	Plugin = "user.env"

	// DefaultPAMEnvFile is read by pam_env at login.
	DefaultPAMEnvFile = "/etc/security/pam_env.conf"
)

var variableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Request is the input of user.env: variables to declare in Section, with
// path fragments rewritten through the substitutions.
type Request struct {
	Section       string `json:"section" yaml:"section" validate:"required"`
	Substitutions `json:",inline" yaml:",inline"`
	Vars          map[string]string `json:"vars" yaml:"vars" validate:"required,min=1"`
}

// Patch is the outcome of a merge.
type Patch struct {
	Content string
	Changed bool
	Changes []engine.Change

	// Values holds the effective value of every requested variable.
	Values map[string]string
}

func override(value string) string {
	return `OVERRIDE="` + value + `"`
}

func checkVariable(key, value string) error {
	if !variableName.MatchString(key) {
		return engine.NewValidationError(fmt.Sprintf("'%s' is not a valid variable name", key), nil).WithResource(key)
	}
	if strings.ContainsAny(value, "\"\n") {
		return engine.NewValidationError(fmt.Sprintf("value of '%s' must not contain quotes or newlines", key), nil).WithResource(key)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge declares entries in section of the sectioned file existing. Values
// have path fragments replaced by placeholders; the placeholders other than
// HOME are declared in the important section, themselves expressed relative
// to HOME. Changed is false when the output is byte-identical to existing.
func Merge(existing, section string, entries map[string]string, subs Substitutions) (Patch, error) {
	if strings.TrimSpace(section) == "" || strings.Contains(section, "\n") {
		return Patch{}, engine.NewValidationError("section name is required", nil)
	}
	if section == ImportantSection {
		return Patch{}, engine.NewValidationError(fmt.Sprintf("section '%s' is reserved", section), nil)
	}
	if len(entries) == 0 {
		return Patch{}, engine.NewValidationError("no-op module invocation", nil)
	}
	for name, path := range subs.Vars {
		if name == HomePlaceholder {
			return Patch{}, engine.NewValidationError("HOME is provided by the login session", nil).WithResource(name)
		}
		if err := checkVariable(name, path); err != nil {
			return Patch{}, err
		}
	}
	for key, value := range entries {
		if err := checkVariable(key, value); err != nil {
			return Patch{}, err
		}
	}

	doc := Parse(existing)
	patch := Patch{Values: make(map[string]string, len(entries))}

	set := func(section, key, value string) {
		raw := override(value)
		before, existed := doc.Set(section, key, raw)
		switch {
		case !existed:
			patch.Changes = append(patch.Changes, engine.Change{Path: key, After: raw, Action: engine.ChangeActionAdd})
		case before != raw:
			patch.Changes = append(patch.Changes, engine.Change{Path: key, Before: before, After: raw, Action: engine.ChangeActionModify})
		}
	}

	homeOnly := subs.replacements(false)
	for _, name := range sortedKeys(subs.Vars) {
		set(ImportantSection, name, substitute(subs.Vars[name], homeOnly))
	}
	for _, key := range sortedKeys(entries) {
		value := subs.Substitute(entries[key])
		patch.Values[key] = value
		set(section, key, value)
	}

	patch.Content = doc.String()
	patch.Changed = patch.Content != existing
	return patch, nil
}

// Merger writes sectioned environment files.
type Merger struct {
	logger zerolog.Logger
	path   string
}

// NewMerger creates a merger for DefaultPAMEnvFile.
func NewMerger(logger zerolog.Logger) *Merger {
	return &Merger{
		logger: logger.With().Str("component", "envfile").Logger(),
		path:   DefaultPAMEnvFile,
	}
}

// WithPath overrides the file location.
func (m *Merger) WithPath(path string) *Merger {
	m.path = path
	return m
}

// Apply merges the requested variables and rewrites the file when its text
// changes. Effective values are returned as facts.
func (m *Merger) Apply(_ context.Context, req Request) *engine.Result {
	result := engine.NewResult(Plugin)

	if err := descriptor.Validator().Struct(req); err != nil {
		return result.Fail(engine.NewValidationError("invalid environment request", err))
	}

	existing, err := readOptional(m.path)
	if err != nil {
		return result.Fail(err)
	}

	patch, err := Merge(existing, req.Section, req.Vars, req.Substitutions)
	if err != nil {
		return result.Fail(err)
	}
	for key, value := range patch.Values {
		result.SetFact(key, value)
	}

	return commit(result, m.logger, m.path, existing, patch)
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", engine.NewTransportError("failed to read environment file", err).WithResource(path)
	}
	return string(data), nil
}

// commit records one item per changed variable and writes the file.
func commit(result *engine.Result, logger zerolog.Logger, path, existing string, patch Patch) *engine.Result {
	for _, c := range patch.Changes {
		status := engine.StatusUpdated
		if c.Action == engine.ChangeActionAdd {
			status = engine.StatusCreated
		}
		logger.Debug().Str("variable", c.Path).Str("status", string(status)).Msg("variable merged")
		result.Record(engine.ItemResult{Name: "variable", Target: c.Path, Status: status, Message: fmt.Sprint(c.After)})
	}

	if !patch.Changed {
		result.Record(engine.ItemResult{Name: "commit", Target: path, Status: engine.StatusUnchanged})
		return result.Finish()
	}

	status := engine.StatusUpdated
	if existing == "" {
		status = engine.StatusCreated
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return result.Fail(engine.NewTransportError("failed to create directory", err).WithResource(path))
	}
	if err := fsops.WriteFile(path, []byte(patch.Content), 0); err != nil {
		return result.Fail(engine.NewTransportError("failed to write environment file", err).
			WithResource(path).
			WithOperation("commit"))
	}
	logger.Info().Str("path", path).Int("changes", len(patch.Changes)).Msg("environment committed")
	result.Record(engine.ItemResult{Name: "commit", Target: path, Status: status})
	return result.Finish()
}

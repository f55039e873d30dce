package envfile

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/descriptor"
	"github.com/openfroyo/foundation/pkg/engine"
)

const (
	// SystemPlugin is the name reported for flat environment upserts.
	SystemPlugin = "system.env"

	// DefaultSystemEnvFile is the system-wide environment read by pam_env.
	DefaultSystemEnvFile = "/etc/environment"
)

// SystemRequest is the input of system.env.
type SystemRequest struct {
	Vars map[string]string `json:"vars" yaml:"vars" validate:"required,min=1"`
}

// UpsertSystem sets KEY=value lines in a flat environment file. The last
// line assigning a key is replaced; keys without one are appended in
// sorted order. Every other line is kept.
func UpsertSystem(existing string, vars map[string]string) (Patch, error) {
	if len(vars) == 0 {
		return Patch{}, engine.NewValidationError("no-op module invocation", nil)
	}
	for key, value := range vars {
		if !variableName.MatchString(key) || strings.Contains(value, "\n") {
			return Patch{}, engine.NewValidationError("variable "+key+" must be a name with a single line value", nil).WithResource(key)
		}
	}

	var lines []string
	if existing != "" {
		lines = strings.Split(strings.TrimSuffix(existing, "\n"), "\n")
	}

	patch := Patch{Values: make(map[string]string, len(vars))}
	for _, key := range sortedKeys(vars) {
		want := key + "=" + vars[key]
		patch.Values[key] = vars[key]

		at := -1
		for i, l := range lines {
			if strings.HasPrefix(strings.TrimSpace(l), key+"=") {
				at = i
			}
		}
		switch {
		case at < 0:
			lines = append(lines, want)
			patch.Changes = append(patch.Changes, engine.Change{Path: key, After: vars[key], Action: engine.ChangeActionAdd})
		case lines[at] != want:
			before := strings.TrimPrefix(strings.TrimSpace(lines[at]), key+"=")
			lines[at] = want
			patch.Changes = append(patch.Changes, engine.Change{Path: key, Before: before, After: vars[key], Action: engine.ChangeActionModify})
		}
	}

	patch.Content = strings.Join(lines, "\n") + "\n"
	patch.Changed = patch.Content != existing
	return patch, nil
}

// SystemWriter maintains a flat environment file.
type SystemWriter struct {
	logger zerolog.Logger
	path   string
}

// NewSystemWriter creates a writer for DefaultSystemEnvFile.
func NewSystemWriter(logger zerolog.Logger) *SystemWriter {
	return &SystemWriter{
		logger: logger.With().Str("component", "envfile").Logger(),
		path:   DefaultSystemEnvFile,
	}
}

// WithPath overrides the file location.
func (w *SystemWriter) WithPath(path string) *SystemWriter {
	w.path = path
	return w
}

// Apply upserts the requested variables.
func (w *SystemWriter) Apply(_ context.Context, req SystemRequest) *engine.Result {
	result := engine.NewResult(SystemPlugin)

	if err := descriptor.Validator().Struct(req); err != nil {
		return result.Fail(engine.NewValidationError("invalid environment request", err))
	}

	existing, err := readOptional(w.path)
	if err != nil {
		return result.Fail(err)
	}

	patch, err := UpsertSystem(existing, req.Vars)
	if err != nil {
		return result.Fail(err)
	}
	return commit(result, w.logger, w.path, existing, patch)
}

package layout

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/descriptor"
	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/fsops"
)

// Plugin is the name reported in results.
const Plugin = "user.layout"

// Request is the input of user.layout.
type Request struct {
	Mode Mode `json:"layout" yaml:"layout" validate:"required,oneof=xdg dot"`

	// Wipe is the policy for entries without an explicit one.
	Wipe string `json:"wipe,omitempty" yaml:"wipe,omitempty" validate:"omitempty,oneof=never always"`

	Entries map[string]Entry `json:"entries" yaml:"entries" validate:"required,min=1,dive"`
}

// Link is a compatibility symlink at Path pointing to Target.
type Link struct {
	Path   string
	Target string
}

// Resolution is the pure outcome of resolving a set of entries.
type Resolution struct {
	// Paths maps entry names to canonical paths.
	Paths map[string]string

	// Wipes lists paths to remove, parents before children, with nested
	// paths folded into their ancestor.
	Wipes []string

	// Links lists symlinks to maintain, after wipes.
	Links []Link
}

// Lookup returns the canonical path of an entry for mode: the mode's
// candidate when it is a literal path, the default otherwise.
func Lookup(mode Mode, e Entry) (string, error) {
	if mode != ModeXDG && mode != ModeDot {
		return "", engine.NewValidationError(fmt.Sprintf("layout accepts only 'xdg' or 'dot', not '%s'", mode), nil)
	}
	if err := e.validate(""); err != nil {
		return "", err
	}
	return canonical(mode, e), nil
}

func canonical(mode Mode, e Entry) string {
	if c := e.candidate(mode); c != nil && !c.IsLink() {
		return filepath.Clean(c.Path)
	}
	return filepath.Clean(e.Default)
}

// Resolve computes canonical paths, wipes and links without touching the
// filesystem. wipe is the fallback policy for entries set to auto or unset.
func Resolve(mode Mode, wipe string, entries map[string]Entry) (*Resolution, error) {
	if len(entries) == 0 {
		return nil, engine.NewValidationError("no-op module", nil)
	}

	res := &Resolution{Paths: make(map[string]string, len(entries))}
	var wipes []string

	for _, name := range sortedNames(entries) {
		e := entries[name]
		if err := e.validate(name); err != nil {
			return nil, err
		}

		path, err := Lookup(mode, e)
		if err != nil {
			return nil, err
		}
		res.Paths[name] = path

		policy, err := effectiveWipe(e.Wipe, wipe)
		if err != nil {
			return nil, engine.NewValidationError(err.Error(), nil).WithResource(name)
		}
		if policy == descriptor.WipeAlways {
			wipes = append(wipes, filepath.Clean(e.Default))
			for _, c := range e.candidates() {
				wipes = append(wipes, filepath.Clean(c.Location()))
			}
		}

		for _, c := range e.candidates() {
			if c.IsLink() && filepath.Clean(c.Link) != path {
				res.Links = append(res.Links, Link{Path: filepath.Clean(c.Link), Target: path})
			}
		}
	}

	res.Wipes = batchWipes(wipes)
	return res, nil
}

func effectiveWipe(explicit, fallback string) (descriptor.WipePolicy, error) {
	switch explicit {
	case "never", "always":
		return descriptor.WipePolicy(explicit), nil
	case "", "auto":
	default:
		return "", fmt.Errorf("wipe policy must be one of never, always, auto")
	}

	switch fallback {
	case "never", "always":
		return descriptor.WipePolicy(fallback), nil
	case "":
		return "", fmt.Errorf("fallback wipe policy must be specified")
	default:
		return "", fmt.Errorf("fallback wipe policy allows only never or always")
	}
}

// batchWipes sorts paths so parents precede children and drops every path
// already covered by a kept ancestor.
func batchWipes(paths []string) []string {
	// keyed with a trailing separator so "/a/b" sorts right after "/a"
	// and "/a-x" cannot fall between them
	sort.Slice(paths, func(i, j int) bool { return dirKey(paths[i]) < dirKey(paths[j]) })

	var out []string
	for _, p := range paths {
		if n := len(out); n > 0 && within(out[n-1], p) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func dirKey(p string) string {
	return strings.TrimSuffix(p, "/") + "/"
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/")
}

func sortedNames(entries map[string]Entry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolver applies layout resolutions.
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{logger: logger.With().Str("component", "layout").Logger()}
}

// Apply resolves the entries, wipes, then links. Canonical paths are
// returned as facts keyed by entry name.
func (r *Resolver) Apply(_ context.Context, req Request) *engine.Result {
	result := engine.NewResult(Plugin)

	if err := descriptor.Validator().Struct(req); err != nil {
		return result.Fail(engine.NewValidationError("invalid layout request", err))
	}

	res, err := Resolve(req.Mode, req.Wipe, req.Entries)
	if err != nil {
		return result.Fail(err)
	}
	for name, path := range res.Paths {
		result.SetFact(name, path)
	}

	for _, path := range res.Wipes {
		removed, err := fsops.RemoveAll(path)
		if err != nil {
			ee := engine.NewTransportError("wipe failed", err).WithResource(path).WithOperation("wipe")
			result.Record(engine.ItemResult{Name: "wipe", Target: path, Status: engine.StatusFailed, Error: ee})
			return result.Fail(ee)
		}
		status := engine.StatusUnchanged
		if removed {
			status = engine.StatusUpdated
			r.logger.Info().Str("path", path).Msg("wiped")
		}
		result.Record(engine.ItemResult{Name: "wipe", Target: path, Status: status})
	}

	for _, l := range res.Links {
		changed, err := fsops.Symlink(l.Target, l.Path)
		if err != nil {
			ee := engine.NewTransportError("link failed", err).WithResource(l.Path).WithOperation("link")
			result.Record(engine.ItemResult{Name: "link", Target: l.Path, Status: engine.StatusFailed, Error: ee})
			return result.Fail(ee)
		}
		status := engine.StatusUnchanged
		if changed {
			status = engine.StatusCreated
			r.logger.Info().Str("path", l.Path).Str("target", l.Target).Msg("linked")
		}
		result.Record(engine.ItemResult{Name: "link", Target: l.Path, Status: status, Message: l.Target})
	}

	return result.Finish()
}

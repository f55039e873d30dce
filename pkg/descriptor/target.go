// Package descriptor defines the shared "what should exist" schema used by
// every reconciliation plugin: paths, permissions, wipe policy and the
// content source of a file.
package descriptor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/foundation/pkg/engine"
)

// WipePolicy controls whether an existing object is removed before it is
// reconciled.
type WipePolicy string

const (
	WipeNever  WipePolicy = "never"
	WipeAlways WipePolicy = "always"
	// WipeAuto defers to the batch default.
	WipeAuto WipePolicy = "auto"
)

// Kind is the node type a target describes.
type Kind int

const (
	KindFile Kind = iota + 1
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "directory"
	default:
		return "unknown"
	}
}

// SourceKind tags the active case of a content source.
type SourceKind int

// Declaration order is the fixed priority order.
const (
	SourceNone SourceKind = iota
	SourceContent
	SourceTemplate
	SourceCopy
	SourceLink
	SourceURL
	SourceTouch
)

func (s SourceKind) String() string {
	switch s {
	case SourceContent:
		return "content"
	case SourceTemplate:
		return "template"
	case SourceCopy:
		return "copy"
	case SourceLink:
		return "link"
	case SourceURL:
		return "url"
	case SourceTouch:
		return "touch"
	default:
		return "none"
	}
}

// Source is a tagged variant: exactly one Kind is active and Value holds its
// payload (literal text, rendered template text, source path, link target
// or URL). SourceTouch and SourceNone carry no value.
type Source struct {
	Kind  SourceKind
	Value string
}

// Perms is an effective permission spec. A zero Mode or empty Owner/Group
// means "leave as is".
type Perms struct {
	Mode  os.FileMode
	Owner string
	Group string
}

// String renders perms as mode:owner:group for logs.
func (p Perms) String() string {
	mode := ""
	if p.Mode != 0 {
		mode = fmt.Sprintf("%04o", uint32(p.Mode.Perm()))
	}
	return strings.TrimRight(strings.Join([]string{mode, p.Owner, p.Group}, ":"), ":")
}

// Target is a validated, fully resolved descriptor. Build is the only
// constructor; a Target never names both a directory and a file.
type Target struct {
	Path   string
	Kind   Kind
	Source Source
	Wipe   WipePolicy
	Create bool
	Perms  Perms
}

// Defaults are batch-level fallbacks for every target.
type Defaults struct {
	Base     string
	Wipe     WipePolicy
	Create   bool
	DirMode  os.FileMode
	FileMode os.FileMode
	Owner    string
	Group    string
}

// BuildDefaults validates and resolves a defaults spec.
func BuildDefaults(spec DefaultsSpec) (Defaults, error) {
	if err := validate.Struct(spec); err != nil {
		return Defaults{}, validationError("defaults", err)
	}

	d := Defaults{
		Base:   spec.Base,
		Wipe:   WipePolicy(spec.Wipe),
		Create: spec.Create,
	}
	if d.Wipe == "" {
		d.Wipe = WipeNever
	}
	if d.Base != "" {
		d.Base = filepath.Clean(d.Base)
	}

	if spec.Perms != "" {
		parts := strings.SplitN(spec.Perms, ":", 4)
		get := func(i int) string {
			if i < len(parts) {
				return parts[i]
			}
			return ""
		}
		var err error
		if d.DirMode, err = ParseMode(get(0)); err != nil {
			return Defaults{}, engine.NewValidationError("invalid directory mode", err).WithResource("defaults")
		}
		if d.FileMode, err = ParseMode(get(1)); err != nil {
			return Defaults{}, engine.NewValidationError("invalid file mode", err).WithResource("defaults")
		}
		d.Owner, d.Group = get(2), get(3)
	}

	return d, nil
}

// Build validates one target spec against the batch defaults and resolves
// its effective path, source, wipe, create and permission values.
func Build(spec TargetSpec, defaults Defaults) (Target, error) {
	name := spec.Dir
	if name == "" {
		name = spec.File
	}

	if err := validate.Struct(spec); err != nil {
		return Target{}, validationError(name, err)
	}

	switch {
	case spec.Dir != "" && spec.File != "":
		return Target{}, engine.NewValidationError("target must define either directory or file, not both", nil).WithResource(name)
	case spec.Dir == "" && spec.File == "":
		return Target{}, engine.NewValidationError("target must define either directory or file", nil)
	}

	t := Target{Kind: KindFile}
	if spec.Dir != "" {
		t.Kind = KindDir
	}

	path, err := resolvePath(name, defaults.Base)
	if err != nil {
		return Target{}, err
	}
	t.Path = path

	t.Wipe = WipePolicy(spec.Wipe)
	if t.Wipe == "" || t.Wipe == WipeAuto {
		t.Wipe = defaults.Wipe
	}

	t.Create = defaults.Create
	if spec.Create != nil {
		t.Create = *spec.Create
	}

	src, srcErr := buildSource(spec, t.Kind, t.Create)
	if srcErr != nil {
		return Target{}, srcErr.WithResource(name)
	}
	t.Source = src

	if t.Source.Kind == SourceNone && !t.Create && t.Wipe != WipeAlways {
		return Target{}, engine.NewValidationError("target is no-op", nil).WithResource(name)
	}

	perms, permsErr := buildPerms(spec.Perms, t.Kind, defaults)
	if permsErr != nil {
		return Target{}, permsErr.WithResource(name)
	}
	t.Perms = perms

	return t, nil
}

// BuildAll validates every target before returning, so a batch with any
// malformed target is rejected before anything is touched.
func BuildAll(defaults DefaultsSpec, specs []TargetSpec) (Defaults, []Target, error) {
	d, err := BuildDefaults(defaults)
	if err != nil {
		return Defaults{}, nil, err
	}
	if len(specs) == 0 {
		return Defaults{}, nil, engine.NewValidationError("no targets given", nil)
	}

	targets := make([]Target, 0, len(specs))
	for _, spec := range specs {
		t, err := Build(spec, d)
		if err != nil {
			return Defaults{}, nil, err
		}
		targets = append(targets, t)
	}
	return d, targets, nil
}

// ResolvePath resolves an absolute or "./"-relative path against base.
func ResolvePath(path, base string) (string, error) {
	return resolvePath(path, base)
}

func resolvePath(path, base string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	if !strings.HasPrefix(path, "./") {
		return "", engine.NewValidationError(fmt.Sprintf("relative path '%s' must start with './'", path), nil).WithResource(path)
	}
	if base == "" {
		return "", engine.NewValidationError(fmt.Sprintf("relative path '%s' requires a base directory", path), nil).WithResource(path)
	}
	return filepath.Join(base, path), nil
}

func buildSource(spec TargetSpec, kind Kind, create bool) (Source, *engine.EngineError) {
	candidates := make([]Source, 0, 1)
	if spec.Content != nil {
		candidates = append(candidates, Source{Kind: SourceContent, Value: *spec.Content})
	}
	if spec.Template != nil {
		candidates = append(candidates, Source{Kind: SourceTemplate, Value: *spec.Template})
	}
	if spec.Copy != "" {
		candidates = append(candidates, Source{Kind: SourceCopy, Value: spec.Copy})
	}
	if spec.Link != "" {
		candidates = append(candidates, Source{Kind: SourceLink, Value: spec.Link})
	}
	if spec.URL != "" {
		candidates = append(candidates, Source{Kind: SourceURL, Value: spec.URL})
	}

	if len(candidates) > 1 {
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.Kind.String()
		}
		return Source{}, engine.NewValidationError(fmt.Sprintf("more than one content source: %s", strings.Join(names, ", ")), nil)
	}

	if kind == KindDir {
		if len(candidates) == 0 {
			return Source{Kind: SourceNone}, nil
		}
		if candidates[0].Kind != SourceLink {
			return Source{}, engine.NewValidationError(fmt.Sprintf("content source '%s' is not supported by directories", candidates[0].Kind), nil)
		}
		return candidates[0], nil
	}

	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if create {
		return Source{Kind: SourceTouch}, nil
	}
	return Source{Kind: SourceNone}, nil
}

func buildPerms(raw string, kind Kind, defaults Defaults) (Perms, *engine.EngineError) {
	var p Perms
	if raw != "" {
		parts := strings.SplitN(raw, ":", 3)
		mode, err := ParseMode(parts[0])
		if err != nil {
			return Perms{}, engine.NewValidationError("invalid mode", err)
		}
		p.Mode = mode
		if len(parts) > 1 {
			p.Owner = parts[1]
		}
		if len(parts) > 2 {
			p.Group = parts[2]
		}
	}

	if p.Mode == 0 {
		if kind == KindDir {
			p.Mode = defaults.DirMode
		} else {
			p.Mode = defaults.FileMode
		}
	}
	if p.Owner == "" {
		p.Owner = defaults.Owner
	}
	if p.Group == "" {
		p.Group = defaults.Group
	}
	return p, nil
}

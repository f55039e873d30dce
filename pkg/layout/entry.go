// Package layout resolves per-application user directories under either the
// XDG base directory layout or traditional dot directories, and maintains
// compatibility symlinks between them.
package layout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/foundation/pkg/engine"
)

// Mode is the preferred layout.
type Mode string

const (
	ModeXDG Mode = "xdg"
	ModeDot Mode = "dot"
)

// Candidate is a layout-specific location: either a literal path or a
// symlink at Link pointing to the canonical path.
type Candidate struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	Link string `json:"link,omitempty" yaml:"link,omitempty"`
}

// IsLink reports whether the candidate is a link specification.
func (c Candidate) IsLink() bool {
	return c.Link != ""
}

// Location returns the filesystem path the candidate occupies.
func (c Candidate) Location() string {
	if c.IsLink() {
		return c.Link
	}
	return c.Path
}

// UnmarshalJSON accepts either "path" or {"link": "path"}.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Candidate{Path: s}
		return nil
	}
	var spec struct {
		Link string `json:"link"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return fmt.Errorf("candidate must be a path or {link: path}: %w", err)
	}
	*c = Candidate{Link: spec.Link}
	return nil
}

// UnmarshalYAML accepts either a scalar path or a mapping with a single
// link key.
func (c *Candidate) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = Candidate{Path: node.Value}
		return nil
	case yaml.MappingNode:
		var spec map[string]string
		if err := node.Decode(&spec); err != nil {
			return err
		}
		for k := range spec {
			if k != "link" {
				return fmt.Errorf("unsupported candidate property %q, expected link", k)
			}
		}
		*c = Candidate{Link: spec["link"]}
		return nil
	default:
		return fmt.Errorf("candidate must be a path or {link: path}")
	}
}

// Entry is one logical location with its per-layout candidates.
type Entry struct {
	Default string     `json:"default" yaml:"default" validate:"required,abspath"`
	XDG     *Candidate `json:"xdg,omitempty" yaml:"xdg,omitempty"`
	Dot     *Candidate `json:"dot,omitempty" yaml:"dot,omitempty"`

	// Wipe overrides the batch policy: never, always or auto (inherit).
	Wipe string `json:"wipe,omitempty" yaml:"wipe,omitempty" validate:"omitempty,oneof=never always auto"`
}

// candidate returns the entry's candidate for mode.
func (e Entry) candidate(mode Mode) *Candidate {
	if mode == ModeXDG {
		return e.XDG
	}
	return e.Dot
}

// candidates returns every declared candidate, XDG first.
func (e Entry) candidates() []Candidate {
	var out []Candidate
	for _, c := range []*Candidate{e.XDG, e.Dot} {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

func (e Entry) validate(name string) error {
	invalid := func(format string, args ...any) error {
		return engine.NewValidationError(fmt.Sprintf(format, args...), nil).WithResource(name)
	}

	if !filepath.IsAbs(e.Default) {
		return invalid("property 'default' (%s) has to point to absolute path", e.Default)
	}
	for side, c := range map[string]*Candidate{"xdg": e.XDG, "dot": e.Dot} {
		if c == nil {
			continue
		}
		if (c.Path == "") == (c.Link == "") {
			return invalid("property '%s' must be a path or a link", side)
		}
		if !filepath.IsAbs(c.Location()) {
			return invalid("property '%s' (%s) has to point to absolute path", side, c.Location())
		}
	}
	return nil
}

// Package files reconciles a batch of file and directory targets: wipes,
// directory creation, content and permissions, in that order.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/foundation/pkg/descriptor"
	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/fsops"
)

// Op is a primitive filesystem operation.
type Op string

const (
	OpWipe     Op = "wipe"
	OpMkdir    Op = "create"
	OpParent   Op = "parent"
	OpContent  Op = "content"
	OpTemplate Op = "template"
	OpCopy     Op = "copy"
	OpLink     Op = "link"
	OpURL      Op = "url"
	OpTouch    Op = "touch"
	OpPerms    Op = "perms"
)

var sourceOps = map[descriptor.SourceKind]Op{
	descriptor.SourceContent:  OpContent,
	descriptor.SourceTemplate: OpTemplate,
	descriptor.SourceCopy:     OpCopy,
	descriptor.SourceLink:     OpLink,
	descriptor.SourceURL:      OpURL,
	descriptor.SourceTouch:    OpTouch,
}

// Step is one planned primitive. Noop steps are reported as unchanged
// without touching the filesystem.
type Step struct {
	Op Op

	// Path is what the primitive acts on; it differs from Target.Path only
	// for parent directory creation.
	Path   string
	Target descriptor.Target

	// Perms applies to OpMkdir, OpParent and OpPerms.
	Perms descriptor.Perms

	// Existed is true when something was at Path before the batch started.
	Existed bool

	Noop bool
}

// ChangeSet is the ordered list of primitives for one batch.
type ChangeSet struct {
	Steps []Step
}

// Changes returns the steps that will mutate the filesystem.
func (c *ChangeSet) Changes() []Step {
	var out []Step
	for _, s := range c.Steps {
		if !s.Noop {
			out = append(out, s)
		}
	}
	return out
}

// State is the observed filesystem, keyed by absolute path. Missing keys are
// treated as absent paths.
type State map[string]fsops.Observation

func (s State) get(path string) fsops.Observation {
	if obs, ok := s[path]; ok {
		return obs
	}
	return fsops.Observation{Path: path, UID: -1, GID: -1}
}

// Observe collects everything Plan needs: each target, its parent and any
// copy source.
func Observe(targets []descriptor.Target) (State, error) {
	state := make(State)
	observe := func(path string, hash bool) error {
		if _, ok := state[path]; ok {
			return nil
		}
		obs, err := fsops.Observe(path, hash)
		if err != nil {
			return err
		}
		state[path] = obs
		return nil
	}

	for _, t := range targets {
		if err := observe(t.Path, true); err != nil {
			return nil, err
		}
		if err := observe(filepath.Dir(t.Path), false); err != nil {
			return nil, err
		}
		if t.Source.Kind == descriptor.SourceCopy {
			if err := observe(t.Source.Value, true); err != nil {
				return nil, err
			}
		}
	}
	return state, nil
}

// planner tracks what earlier steps of the batch will have done.
type planner struct {
	state   State
	wiped   []string
	present map[string]fsops.Node
}

func (p *planner) underWiped(path string) bool {
	for _, w := range p.wiped {
		if isWithin(w, path) {
			return true
		}
	}
	return false
}

// observed returns the state of path as it will be at this point of the
// batch.
func (p *planner) observed(path string) fsops.Observation {
	if node, ok := p.present[path]; ok {
		return fsops.Observation{Path: path, Node: node, UID: -1, GID: -1}
	}
	if p.underWiped(path) {
		return fsops.Observation{Path: path, UID: -1, GID: -1}
	}
	return p.state.get(path)
}

func (p *planner) exists(path string) bool {
	if p.observed(path).Exists() {
		return true
	}
	// anything present below path implies path itself
	for q := range p.present {
		if isWithin(path, q) {
			return true
		}
	}
	return false
}

// Plan computes the ordered primitives that bring the observed state to the
// desired one. It performs no I/O.
func Plan(defaults descriptor.Defaults, targets []descriptor.Target, state State) (*ChangeSet, error) {
	p := &planner{state: state, present: make(map[string]fsops.Node)}
	cs := &ChangeSet{}

	// early phase: wipes then directory creation
	for _, t := range targets {
		obs := p.observed(t.Path)

		if t.Wipe == descriptor.WipeAlways {
			if !p.underWiped(t.Path) {
				if obs.Exists() {
					cs.Steps = append(cs.Steps, Step{Op: OpWipe, Path: t.Path, Target: t, Existed: true})
				}
				p.wiped = append(p.wiped, t.Path)
			}
			obs = fsops.Observation{Path: t.Path}
		} else if obs.Exists() && obs.Node != expectedNode(t) {
			return nil, engine.NewConflictError(
				fmt.Sprintf("expected %s, found %s", expectedNode(t), obs.Node), nil).
				WithResource(t.Path)
		}

		if t.Kind == descriptor.KindDir && t.Create && t.Source.Kind == descriptor.SourceNone {
			cs.Steps = append(cs.Steps, Step{
				Op:      OpMkdir,
				Path:    t.Path,
				Target:  t,
				Perms:   t.Perms,
				Existed: obs.Exists(),
				Noop:    obs.Exists(),
			})
			if !obs.Exists() {
				p.present[t.Path] = fsops.NodeDir
			}
		}
	}

	// target phase: parents, content, permissions
	for _, t := range targets {
		if t.Source.Kind == descriptor.SourceNone {
			if p.exists(t.Path) {
				p.planPerms(cs, t, p.observed(t.Path), false)
			}
			continue
		}

		parent := filepath.Dir(t.Path)
		if pobs := p.observed(parent); pobs.Exists() && pobs.Node != fsops.NodeDir && pobs.Node != fsops.NodeSymlink {
			return nil, engine.NewConflictError(fmt.Sprintf("parent is a %s", pobs.Node), nil).WithResource(t.Path)
		}
		if !p.exists(parent) {
			cs.Steps = append(cs.Steps, Step{
				Op:     OpParent,
				Path:   parent,
				Target: t,
				Perms:  descriptor.Perms{Mode: defaults.DirMode, Owner: t.Perms.Owner, Group: t.Perms.Group},
			})
			p.present[parent] = fsops.NodeDir
		}

		obs := p.observed(t.Path)
		step := Step{Op: sourceOps[t.Source.Kind], Path: t.Path, Target: t, Existed: obs.Exists()}

		switch t.Source.Kind {
		case descriptor.SourceContent, descriptor.SourceTemplate:
			step.Noop = obs.Node == fsops.NodeFile && obs.Hash == fsops.HashBytes([]byte(t.Source.Value))
		case descriptor.SourceCopy:
			src := state.get(t.Source.Value)
			if src.Node != fsops.NodeFile {
				return nil, engine.NewValidationError(fmt.Sprintf("copy source '%s' is not a file", t.Source.Value), nil).
					WithCode(engine.ErrCodeNotFound).
					WithResource(t.Path)
			}
			step.Noop = obs.Node == fsops.NodeFile && obs.Hash == src.Hash
		case descriptor.SourceLink:
			step.Noop = obs.Node == fsops.NodeSymlink && obs.LinkTarget == t.Source.Value
		case descriptor.SourceURL, descriptor.SourceTouch:
			step.Noop = obs.Exists()
		}
		cs.Steps = append(cs.Steps, step)

		if t.Source.Kind == descriptor.SourceLink {
			p.present[t.Path] = fsops.NodeSymlink
			continue
		}
		p.present[t.Path] = fsops.NodeFile
		p.planPerms(cs, t, obs, !step.Noop)
	}

	return cs, nil
}

// planPerms adds a permission step unless the observation already proves
// the mode matches and no ownership was requested.
func (p *planner) planPerms(cs *ChangeSet, t descriptor.Target, obs fsops.Observation, rewritten bool) {
	perms := t.Perms
	if perms.Mode == 0 && perms.Owner == "" && perms.Group == "" {
		return
	}
	if t.Source.Kind == descriptor.SourceLink {
		return
	}
	noop := !rewritten && obs.Exists() && perms.Owner == "" && perms.Group == "" &&
		obs.Mode.Perm() == perms.Mode.Perm()
	cs.Steps = append(cs.Steps, Step{Op: OpPerms, Path: t.Path, Target: t, Perms: perms, Existed: obs.Exists(), Noop: noop})
}

func expectedNode(t descriptor.Target) fsops.Node {
	switch {
	case t.Source.Kind == descriptor.SourceLink:
		return fsops.NodeSymlink
	case t.Kind == descriptor.KindDir:
		return fsops.NodeDir
	default:
		return fsops.NodeFile
	}
}

// isWithin reports whether p is root or below it.
func isWithin(root, p string) bool {
	if root == p {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(root, string(os.PathSeparator))+string(os.PathSeparator))
}

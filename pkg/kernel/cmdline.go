// Package kernel merges requested kernel command-line parameters into the
// persisted cmdline file and regenerates boot images when it changes.
package kernel

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/openfroyo/foundation/pkg/engine"
)

// Kind is the shape of a parameter value.
type Kind int

const (
	// Flag is a presence-only parameter such as "quiet".
	Flag Kind = iota
	// Scalar is a key=value parameter.
	Scalar
	// List is a key=a,b,c parameter.
	List
)

func (k Kind) String() string {
	switch k {
	case Scalar:
		return "option"
	case List:
		return "list"
	default:
		return "flag"
	}
}

// Value is one parameter value.
type Value struct {
	Kind   Kind
	Scalar string
	List   []string
}

// FlagValue returns a presence-only value.
func FlagValue() Value { return Value{Kind: Flag} }

// ScalarValue returns a key=value value.
func ScalarValue(s string) Value { return Value{Kind: Scalar, Scalar: s} }

// ListValue returns a comma-list value.
func ListValue(items ...string) Value { return Value{Kind: List, List: items} }

// Cmdline is an ordered set of parameters, in first-seen order.
type Cmdline struct {
	params *orderedmap.OrderedMap[string, Value]
}

// NewCmdline returns an empty command line.
func NewCmdline() *Cmdline {
	return &Cmdline{params: orderedmap.New[string, Value]()}
}

// Parse reads a whitespace separated token line. Values containing commas are
// lists. Empty keys or values ("=x", "x=", "x=,,") are rejected.
func Parse(content string) (*Cmdline, error) {
	c := NewCmdline()

	for _, token := range strings.Fields(content) {
		key, val, hasEq := strings.Cut(token, "=")
		if key == "" || (hasEq && val == "") {
			return nil, engine.NewValidationError(fmt.Sprintf("empty component in '%s'", token), nil).
				WithResource(token)
		}

		switch {
		case !hasEq:
			c.Set(key, FlagValue())
		case strings.Contains(val, ","):
			var items []string
			for _, item := range strings.Split(val, ",") {
				if item != "" {
					items = append(items, item)
				}
			}
			if len(items) == 0 {
				return nil, engine.NewValidationError(fmt.Sprintf("empty list in '%s'", token), nil).
					WithResource(token)
			}
			c.Set(key, ListValue(items...))
		default:
			c.Set(key, ScalarValue(val))
		}
	}

	return c, nil
}

// Set stores a value, keeping the key's position if it already exists.
func (c *Cmdline) Set(key string, v Value) {
	c.params.Set(key, v)
}

// Get returns the value for key.
func (c *Cmdline) Get(key string) (Value, bool) {
	return c.params.Get(key)
}

// Len returns the number of parameters.
func (c *Cmdline) Len() int {
	return c.params.Len()
}

// Keys returns the parameter names in order.
func (c *Cmdline) Keys() []string {
	keys := make([]string, 0, c.params.Len())
	for p := c.params.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Merge folds requested into c. Lists absorb new items by union, keeping the
// existing order; an existing scalar becomes the first item of the list.
// Scalars and flags replace whatever was there.
func (c *Cmdline) Merge(requested *Cmdline) []engine.Change {
	var changes []engine.Change

	for p := requested.params.Oldest(); p != nil; p = p.Next() {
		old, ok := c.params.Get(p.Key)
		merged := p.Value

		if ok && p.Value.Kind == List {
			switch old.Kind {
			case List:
				merged = ListValue(union(old.List, p.Value.List)...)
			case Scalar:
				merged = ListValue(union([]string{old.Scalar}, p.Value.List)...)
			}
		}
		if merged.Kind == List {
			merged = ListValue(union(nil, merged.List)...)
		}

		switch {
		case !ok:
			changes = append(changes, engine.Change{Path: p.Key, After: merged.String(), Action: engine.ChangeActionAdd})
		case old.String() != merged.String():
			changes = append(changes, engine.Change{Path: p.Key, Before: old.String(), After: merged.String(), Action: engine.ChangeActionModify})
		}
		c.params.Set(p.Key, merged)
	}

	return changes
}

// String serializes the parameters as a space separated line without a
// trailing newline.
func (c *Cmdline) String() string {
	tokens := make([]string, 0, c.params.Len())
	for p := c.params.Oldest(); p != nil; p = p.Next() {
		if p.Value.Kind == Flag {
			tokens = append(tokens, p.Key)
			continue
		}
		tokens = append(tokens, p.Key+"="+p.Value.String())
	}
	return strings.Join(tokens, " ")
}

// String renders the value part of a token; empty for flags.
func (v Value) String() string {
	switch v.Kind {
	case Scalar:
		return v.Scalar
	case List:
		return strings.Join(v.List, ",")
	default:
		return ""
	}
}

func union(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range append(append([]string(nil), base...), extra...) {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

package envfile

import (
	"sort"
	"strings"
)

// HomePlaceholder names the user's home directory. It is provided by the
// login session and never written to the important section.
const HomePlaceholder = "HOME"

// Substitutions maps placeholder names to the absolute paths they stand for.
type Substitutions struct {
	Home string            `json:"home" yaml:"home" validate:"required,abspath"`
	Vars map[string]string `json:"subs,omitempty" yaml:"subs,omitempty" validate:"dive,keys,required,endkeys,required"`
}

type replacement struct {
	name string
	path string
}

// replacements orders fragments longest first, then by name.
func (s Substitutions) replacements(withVars bool) []replacement {
	var out []replacement
	if p := strings.TrimSuffix(s.Home, "/"); p != "" {
		out = append(out, replacement{name: HomePlaceholder, path: p})
	}
	if withVars {
		for name, path := range s.Vars {
			if p := strings.TrimSuffix(path, "/"); p != "" {
				out = append(out, replacement{name: name, path: p})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].path) != len(out[j].path) {
			return len(out[i].path) > len(out[j].path)
		}
		return out[i].name < out[j].name
	})
	return out
}

// Substitute rewrites every path fragment of value that matches a
// substitution into a ${NAME} token. Fragments are matched left to right,
// longest first, and only as whole path prefixes: they must start the value
// or follow a separator such as ':', and end on a component boundary.
// Emitted tokens are never scanned again.
func (s Substitutions) Substitute(value string) string {
	return substitute(value, s.replacements(true))
}

func substitute(value string, reps []replacement) string {
	if len(reps) == 0 {
		return value
	}

	var b strings.Builder
	for i := 0; i < len(value); {
		matched := false
		for _, r := range reps {
			if starts(value, i) && strings.HasPrefix(value[i:], r.path) && ends(value, i+len(r.path)) {
				b.WriteString("${" + r.name + "}")
				i += len(r.path)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(value[i])
			i++
		}
	}
	return b.String()
}

func starts(value string, i int) bool {
	return i == 0 || (value[i-1] != '/' && !nameChar(value[i-1]))
}

func ends(value string, end int) bool {
	return end == len(value) || !nameChar(value[end])
}

func nameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return c == '.' || c == '_' || c == '-'
}

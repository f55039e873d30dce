package layout

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/foundation/pkg/engine"
)

func TestLookup(t *testing.T) {
	e := Entry{
		Default: "/home/u/.config/app",
		XDG:     &Candidate{Path: "/home/u/.local/share/app"},
		Dot:     &Candidate{Link: "/home/u/.app"},
	}

	path, err := Lookup(ModeXDG, e)
	require.NoError(t, err)
	assert.Equal(t, "/home/u/.local/share/app", path)

	path, err = Lookup(ModeDot, e)
	require.NoError(t, err)
	assert.Equal(t, "/home/u/.config/app", path, "link candidates resolve to the default")

	_, err = Lookup("flat", e)
	assert.True(t, engine.IsValidation(err))
}

func TestResolveBatchesWipes(t *testing.T) {
	res, err := Resolve(ModeXDG, "always", map[string]Entry{
		"config": {Default: "/home/u/.config", Dot: &Candidate{Link: "/home/u/.cfg"}},
		"app":    {Default: "/home/u/.config/app", XDG: &Candidate{Path: "/home/u/.config/app/data"}},
		"keep":   {Default: "/home/u/keep", Wipe: "never"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"/home/u/.cfg", "/home/u/.config"}, res.Wipes)
	assert.Equal(t, []Link{{Path: "/home/u/.cfg", Target: "/home/u/.config"}}, res.Links)
	assert.Equal(t, "/home/u/.config/app/data", res.Paths["app"])
}

func TestBatchWipesComparesComponents(t *testing.T) {
	got := batchWipes([]string{"/a/b", "/a-x", "/a", "/a-x/y", "/b/"})
	assert.Equal(t, []string{"/a", "/a-x", "/b/"}, got)
}

func TestResolveRejects(t *testing.T) {
	tests := map[string]map[string]Entry{
		"empty":           {},
		"relative":        {"a": {Default: "rel"}},
		"relative link":   {"a": {Default: "/a", Dot: &Candidate{Link: "rel"}}},
		"empty candidate": {"a": {Default: "/a", Dot: &Candidate{}}},
		"bad wipe":        {"a": {Default: "/a", Wipe: "sometimes"}},
		"no fallback":     {"a": {Default: "/a", Wipe: "auto"}},
	}
	for name, entries := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(ModeDot, "", entries)
			assert.True(t, engine.IsValidation(err))
		})
	}
}

func TestApplyDotModeLinksXDGCandidate(t *testing.T) {
	home := t.TempDir()
	def := filepath.Join(home, ".app")
	xdgLink := filepath.Join(home, ".config", "app")

	req := Request{
		Mode: ModeDot,
		Wipe: "never",
		Entries: map[string]Entry{
			"app": {Default: def, XDG: &Candidate{Link: xdgLink}},
		},
	}

	r := NewResolver(zerolog.Nop())
	res := r.Apply(context.Background(), req)
	require.NoError(t, res.Err())
	assert.True(t, res.Changed)
	assert.Equal(t, def, res.Facts["app"])

	target, err := os.Readlink(xdgLink)
	require.NoError(t, err)
	assert.Equal(t, def, target)

	again := r.Apply(context.Background(), req)
	require.NoError(t, again.Err())
	assert.False(t, again.Changed)
}

func TestApplyReplacesForeignObjectAtLink(t *testing.T) {
	home := t.TempDir()
	link := filepath.Join(home, ".app")
	require.NoError(t, os.MkdirAll(link, 0o755))

	res := NewResolver(zerolog.Nop()).Apply(context.Background(), Request{
		Mode: ModeXDG,
		Wipe: "never",
		Entries: map[string]Entry{
			"app": {Default: filepath.Join(home, ".local/share/app"), Dot: &Candidate{Link: link}},
		},
	})
	require.NoError(t, res.Err())

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".local/share/app"), target)
}

func TestApplyWipesOnce(t *testing.T) {
	home := t.TempDir()
	cfg := filepath.Join(home, ".config")
	require.NoError(t, os.MkdirAll(filepath.Join(cfg, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg, "app", "state"), []byte("x"), 0o644))

	res := NewResolver(zerolog.Nop()).Apply(context.Background(), Request{
		Mode: ModeXDG,
		Wipe: "always",
		Entries: map[string]Entry{
			"config": {Default: cfg},
			"app":    {Default: filepath.Join(cfg, "app")},
		},
	})
	require.NoError(t, res.Err())

	var wipes []string
	for _, item := range res.Items {
		if item.Name == "wipe" {
			wipes = append(wipes, item.Target)
		}
	}
	assert.Equal(t, []string{cfg}, wipes)
	assert.NoDirExists(t, cfg)
}

func TestCandidateDecoding(t *testing.T) {
	var fromYAML Entry
	require.NoError(t, yaml.Unmarshal([]byte("default: /a\nxdg: /b\ndot:\n  link: /c\n"), &fromYAML))
	assert.Equal(t, &Candidate{Path: "/b"}, fromYAML.XDG)
	assert.Equal(t, &Candidate{Link: "/c"}, fromYAML.Dot)

	var fromJSON Entry
	require.NoError(t, json.Unmarshal([]byte(`{"default":"/a","xdg":{"link":"/c"},"dot":"/b"}`), &fromJSON))
	assert.Equal(t, &Candidate{Link: "/c"}, fromJSON.XDG)
	assert.Equal(t, &Candidate{Path: "/b"}, fromJSON.Dot)

	assert.Error(t, yaml.Unmarshal([]byte("default: /a\nxdg:\n  target: /c\n"), &fromYAML))
	assert.Error(t, json.Unmarshal([]byte(`{"default":"/a","xdg":{"target":"/c"}}`), &fromJSON))
}

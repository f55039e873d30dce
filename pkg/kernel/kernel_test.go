package kernel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/engine/enginetest"
)

func params(kv ...any) *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	for i := 0; i < len(kv); i += 2 {
		m.Set(kv[i].(string), kv[i+1])
	}
	return m
}

func TestParse(t *testing.T) {
	c, err := Parse("root=UUID=abc quiet module_blacklist=a,b,,c  rw\n")
	require.NoError(t, err)

	assert.Equal(t, []string{"root", "quiet", "module_blacklist", "rw"}, c.Keys())

	v, _ := c.Get("root")
	assert.Equal(t, ScalarValue("UUID=abc"), v)
	v, _ = c.Get("quiet")
	assert.Equal(t, Flag, v.Kind)
	v, _ = c.Get("module_blacklist")
	assert.Equal(t, []string{"a", "b", "c"}, v.List)
}

func TestParseRejectsEmptyComponents(t *testing.T) {
	for _, line := range []string{"=x", "key=", "a =b", "key=,,", "key=,"} {
		_, err := Parse(line)
		assert.True(t, engine.IsValidation(err), line)
	}
}

func TestMergeUpgradesScalarToList(t *testing.T) {
	requested, err := ParseParams(params("module_blacklist", []any{"a"}))
	require.NoError(t, err)

	patch, err := Merge("module_blacklist=b\n", requested)
	require.NoError(t, err)
	assert.True(t, patch.Changed)
	assert.Equal(t, "module_blacklist=b,a\n", patch.Content)

	again, err := Merge(patch.Content, requested)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Empty(t, again.Changes)
	assert.Equal(t, patch.Content, again.Content)
}

func TestMergeSemantics(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		params   *orderedmap.OrderedMap[string, any]
		want     string
	}{
		{
			name:     "list union keeps order",
			existing: "quiet mods=a,b\n",
			params:   params("mods", []any{"c", "a", "d"}),
			want:     "quiet mods=a,b,c,d\n",
		},
		{
			name:     "scalar replaces",
			existing: "loglevel=3 quiet\n",
			params:   params("loglevel", 7),
			want:     "loglevel=7 quiet\n",
		},
		{
			name:     "flag replaces scalar",
			existing: "splash=silent\n",
			params:   params("splash", true),
			want:     "splash\n",
		},
		{
			name:     "new keys appended in request order",
			existing: "rw\n",
			params:   params("zswap.enabled", "1", "nowatchdog", true),
			want:     "rw zswap.enabled=1 nowatchdog\n",
		},
		{
			name:     "empty file",
			existing: "",
			params:   params("quiet", true),
			want:     "quiet\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requested, err := ParseParams(tt.params)
			require.NoError(t, err)
			patch, err := Merge(tt.existing, requested)
			require.NoError(t, err)
			assert.Equal(t, tt.want, patch.Content)
		})
	}
}

func TestParseParamsRejects(t *testing.T) {
	tests := map[string]*orderedmap.OrderedMap[string, any]{
		"empty":      params(),
		"false":      params("quiet", false),
		"empty list": params("mods", []any{}),
		"nested":     params("mods", []any{[]any{"a"}}),
		"map":        params("x", map[string]any{"a": 1}),
		"nil":        nil,
	}
	for name, p := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseParams(p)
			assert.True(t, engine.IsValidation(err))
		})
	}
}

func TestRequestDecodingKeepsOrder(t *testing.T) {
	var fromJSON Request
	require.NoError(t, json.Unmarshal([]byte(`{"headless":true,"params":{"b":"1","a":true}}`), &fromJSON))
	c, err := ParseParams(fromJSON.Params)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, c.Keys())

	var fromYAML Request
	require.NoError(t, yaml.Unmarshal([]byte("params:\n  z: [x, y]\n  m: on\n"), &fromYAML))
	c, err = ParseParams(fromYAML.Params)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "m"}, c.Keys())
}

func TestApplyCommitsAndRegenerates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel", "cmdline")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("module_blacklist=b\n"), 0o644))

	ex := enginetest.NewExecutor()
	m := NewMerger(zerolog.Nop(), ex).WithPath(path)
	req := Request{Headless: true, Params: params("module_blacklist", []any{"a"})}

	res := m.Apply(context.Background(), req)
	require.NoError(t, res.Err())
	assert.Equal(t, engine.StatusUpdated, res.Status)
	assert.Equal(t, "module_blacklist=b,a", res.Facts["cmdline"])

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "module_blacklist=b,a\n", string(body))

	calls := ex.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/bin/kernel-install add-all", calls[0].String())
	assert.Equal(t, "1", calls[0].Command.Env["KERNEL_INSTALL_BOOSTER_UNIVERSAL"])

	ex.Reset()
	res = m.Apply(context.Background(), req)
	require.NoError(t, res.Err())
	assert.False(t, res.Changed)
	assert.Empty(t, ex.Calls(), "unchanged cmdline does not rebuild images")
}

func TestApplyCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "kernel", "cmdline")
	ex := enginetest.NewExecutor()

	res := NewMerger(zerolog.Nop(), ex).WithPath(path).Apply(context.Background(), Request{Params: params("quiet", true)})
	require.NoError(t, res.Err())
	assert.Equal(t, engine.StatusCreated, res.Status)
	assert.Nil(t, ex.Calls()[0].Command.Env)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "quiet\n", string(body))
}

func TestApplyKernelInstallFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmdline")
	ex := enginetest.NewExecutor().Reply("/usr/bin/kernel-install", 1, "")

	res := NewMerger(zerolog.Nop(), ex).WithPath(path).Apply(context.Background(), Request{Params: params("quiet", true)})
	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.True(t, engine.IsTransport(res.Err()))
	assert.FileExists(t, path, "the committed file stays")
}

package descriptor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/foundation/pkg/engine"
)

func str(s string) *string { return &s }

func TestBuildDefaults(t *testing.T) {
	d, err := BuildDefaults(DefaultsSpec{Base: "/home/user/", Perms: "0750:640:alice:staff"})
	require.NoError(t, err)

	assert.Equal(t, "/home/user", d.Base)
	assert.Equal(t, WipeNever, d.Wipe)
	assert.Equal(t, os.FileMode(0o750), d.DirMode)
	assert.Equal(t, os.FileMode(0o640), d.FileMode)
	assert.Equal(t, "alice", d.Owner)
	assert.Equal(t, "staff", d.Group)
}

func TestBuildDefaultsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		spec DefaultsSpec
	}{
		{name: "relative base", spec: DefaultsSpec{Base: "home"}},
		{name: "unknown wipe", spec: DefaultsSpec{Wipe: "sometimes"}},
		{name: "auto is per target only", spec: DefaultsSpec{Wipe: "auto"}},
		{name: "symbolic mode", spec: DefaultsSpec{Perms: "u+rwx"}},
		{name: "too many parts", spec: DefaultsSpec{Perms: "755:644:a:b:c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildDefaults(tt.spec)
			require.Error(t, err)
			assert.True(t, engine.IsValidation(err))
		})
	}
}

func TestBuildResolvesTarget(t *testing.T) {
	d, err := BuildDefaults(DefaultsSpec{Base: "/srv", Wipe: "always", Create: true, Perms: "0755:0644:root:root"})
	require.NoError(t, err)

	tgt, err := Build(TargetSpec{File: "./app/config.yml", Content: str("a: 1\n"), Perms: "0600::wheel"}, d)
	require.NoError(t, err)

	assert.Equal(t, "/srv/app/config.yml", tgt.Path)
	assert.Equal(t, KindFile, tgt.Kind)
	assert.Equal(t, Source{Kind: SourceContent, Value: "a: 1\n"}, tgt.Source)
	assert.Equal(t, WipeAlways, tgt.Wipe)
	assert.True(t, tgt.Create)
	assert.Equal(t, Perms{Mode: 0o600, Owner: "root", Group: "wheel"}, tgt.Perms)
}

func TestBuildDirectoryUsesDirMode(t *testing.T) {
	d, err := BuildDefaults(DefaultsSpec{Perms: "0700:0600"})
	require.NoError(t, err)

	tgt, err := Build(TargetSpec{Dir: "/var/lib/app", Create: boolp(true)}, d)
	require.NoError(t, err)
	assert.Equal(t, KindDir, tgt.Kind)
	assert.Equal(t, os.FileMode(0o700), tgt.Perms.Mode)
	assert.Equal(t, SourceNone, tgt.Source.Kind)
}

func TestBuildTargetOverridesDefaults(t *testing.T) {
	d, err := BuildDefaults(DefaultsSpec{Wipe: "always", Create: true})
	require.NoError(t, err)

	tgt, err := Build(TargetSpec{File: "/etc/motd", Content: str("hi"), Wipe: "never", Create: boolp(false)}, d)
	require.NoError(t, err)
	assert.Equal(t, WipeNever, tgt.Wipe)
	assert.False(t, tgt.Create)

	tgt, err = Build(TargetSpec{File: "/etc/motd", Content: str("hi"), Wipe: "auto"}, d)
	require.NoError(t, err)
	assert.Equal(t, WipeAlways, tgt.Wipe)
}

func TestBuildSourcePriority(t *testing.T) {
	d := Defaults{Wipe: WipeNever, Create: true}

	tests := []struct {
		name string
		spec TargetSpec
		want SourceKind
	}{
		{name: "content", spec: TargetSpec{File: "/f", Content: str("")}, want: SourceContent},
		{name: "template", spec: TargetSpec{File: "/f", Template: str("x")}, want: SourceTemplate},
		{name: "copy", spec: TargetSpec{File: "/f", Copy: "/src"}, want: SourceCopy},
		{name: "link", spec: TargetSpec{File: "/f", Link: "/src"}, want: SourceLink},
		{name: "url", spec: TargetSpec{File: "/f", URL: "https://example.com/f"}, want: SourceURL},
		{name: "touch", spec: TargetSpec{File: "/f"}, want: SourceTouch},
		{name: "directory link", spec: TargetSpec{Dir: "/d", Link: "/src"}, want: SourceLink},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt, err := Build(tt.spec, d)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tgt.Source.Kind)
		})
	}
}

func TestBuildRejectsInvalidTargets(t *testing.T) {
	d := Defaults{Wipe: WipeNever}

	tests := []struct {
		name string
		spec TargetSpec
		base string
	}{
		{name: "neither dir nor file", spec: TargetSpec{Content: str("x")}},
		{name: "both dir and file", spec: TargetSpec{Dir: "/a", File: "/b", Create: boolp(true)}},
		{name: "two sources", spec: TargetSpec{File: "/f", Content: str("x"), Copy: "/src"}},
		{name: "content on directory", spec: TargetSpec{Dir: "/d", Content: str("x")}},
		{name: "no-op", spec: TargetSpec{File: "/f"}},
		{name: "relative without dot", spec: TargetSpec{File: "f", Content: str("x")}, base: "/srv"},
		{name: "relative without base", spec: TargetSpec{File: "./f", Content: str("x")}},
		{name: "bad wipe", spec: TargetSpec{File: "/f", Content: str("x"), Wipe: "maybe"}},
		{name: "bad url", spec: TargetSpec{File: "/f", URL: "::"}},
		{name: "bad perms", spec: TargetSpec{File: "/f", Content: str("x"), Perms: "rw"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dd := d
			dd.Base = tt.base
			_, err := Build(tt.spec, dd)
			require.Error(t, err)
			assert.True(t, engine.IsValidation(err), "got %v", err)
		})
	}
}

func TestBuildAllRejectsWholeBatch(t *testing.T) {
	_, _, err := BuildAll(DefaultsSpec{}, []TargetSpec{
		{File: "/ok", Content: str("x")},
		{File: "/broken"},
	})
	require.Error(t, err)

	var ee *engine.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "/broken", ee.Resource)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("4755")
	require.NoError(t, err)
	assert.Equal(t, os.ModeSetuid|0o755, mode)

	mode, err = ParseMode("")
	require.NoError(t, err)
	assert.Zero(t, mode)

	_, err = ParseMode("999")
	assert.Error(t, err)
}

func TestParseOwnership(t *testing.T) {
	owner, group, err := ParseOwnership("alice:staff")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, "staff", group)

	for _, raw := range []string{"alice", ":staff", "alice:", "a:b:c"} {
		_, _, err := ParseOwnership(raw)
		assert.True(t, engine.IsValidation(err), raw)
	}
}

func TestPermsString(t *testing.T) {
	assert.Equal(t, "0644:root:root", Perms{Mode: 0o644, Owner: "root", Group: "root"}.String())
	assert.Equal(t, "0755", Perms{Mode: 0o755}.String())
	assert.Equal(t, "", Perms{}.String())
}

func boolp(b bool) *bool { return &b }

package persist

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/engine/enginetest"
)

func ownPerms() string {
	return strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid())
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o640))
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("ssh/known_hosts")
	require.NoError(t, err)
	assert.Equal(t, Key{Namespace: "ssh", Name: "known_hosts"}, key)
	assert.Equal(t, "ssh/known_hosts", key.String())

	for _, raw := range []string{"", "single", "/abs/key", "a/b/c", "a/", "../x", "a//b"} {
		_, err := ParseKey(raw)
		assert.True(t, engine.IsValidation(err), raw)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"config.toml":       "a = 1\n",
		"profiles/default":  "default",
		"profiles/work/cfg": "work",
	})
	require.NoError(t, os.Symlink("config.toml", filepath.Join(src, "current")))

	store := t.TempDir()
	tr := NewTransfer(zerolog.Nop(), enginetest.NewExecutor())

	captured := tr.Capture(context.Background(), CaptureRequest{
		Base:     src,
		Persist:  store,
		Archives: []CaptureArchive{{Key: "app/state", Include: []string{"*"}}},
	})
	require.NoError(t, captured.Err())
	assert.Equal(t, engine.StatusCreated, captured.Status)
	assert.Len(t, captured.Facts["app/state"], 64)

	dest := t.TempDir()
	restored := tr.Restore(context.Background(), RestoreRequest{
		Persist:  store,
		Archives: []RestoreArchive{{Key: "app/state", Dir: dest, Perms: ownPerms()}},
	})
	require.NoError(t, restored.Err())
	assert.True(t, restored.Changed)

	for _, name := range []string{"config.toml", "profiles/default", "profiles/work/cfg"} {
		want, err := os.ReadFile(filepath.Join(src, name))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dest, name))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got), name)
	}
	link, err := os.Readlink(filepath.Join(dest, "current"))
	require.NoError(t, err)
	assert.Equal(t, "config.toml", link)
}

func TestCaptureUnchangedTree(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"data": "x"})
	store := t.TempDir()
	tr := NewTransfer(zerolog.Nop(), enginetest.NewExecutor())

	req := CaptureRequest{
		Persist:  store,
		Archives: []CaptureArchive{{Key: "app/data", Dir: src, Include: []string{"data"}}},
	}
	require.NoError(t, tr.Capture(context.Background(), req).Err())

	second := tr.Capture(context.Background(), req)
	require.NoError(t, second.Err())
	assert.False(t, second.Changed)
	assert.Equal(t, engine.StatusUnchanged, second.Status)
}

func TestCaptureIncludePatterns(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"keep.conf":     "k",
		"nested/a.conf": "a",
		"skip.log":      "s",
	})
	store := t.TempDir()
	tr := NewTransfer(zerolog.Nop(), enginetest.NewExecutor())

	res := tr.Capture(context.Background(), CaptureRequest{
		Persist:  store,
		Archives: []CaptureArchive{{Key: "app/conf", Dir: src, Include: []string{"*.conf"}}},
	})
	require.NoError(t, res.Err())

	dest := t.TempDir()
	res = tr.Restore(context.Background(), RestoreRequest{
		Persist:  store,
		Archives: []RestoreArchive{{Key: "app/conf", Dir: dest, Perms: ownPerms()}},
	})
	require.NoError(t, res.Err())

	assert.FileExists(t, filepath.Join(dest, "keep.conf"))
	assert.FileExists(t, filepath.Join(dest, "nested/a.conf"))
	assert.NoFileExists(t, filepath.Join(dest, "skip.log"))
}

func TestCaptureShellInheritsStorePerms(t *testing.T) {
	store := t.TempDir()
	require.NoError(t, os.Chmod(store, 0o750|os.ModeSticky))

	ex := enginetest.NewExecutor().On("dump", func(_ engine.Command, stdin []byte) (*engine.CommandResult, error) {
		return &engine.CommandResult{Stdout: append([]byte("dumped:"), stdin...)}, nil
	})
	tr := NewTransfer(zerolog.Nop(), ex)

	res := tr.Capture(context.Background(), CaptureRequest{
		Base:    "/var/lib/app",
		Persist: store,
		Shells:  []CaptureShell{{Key: "db/dump", Cmd: "dump", Stdin: strp("in")}},
	})
	require.NoError(t, res.Err())

	calls := ex.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/var/lib/app", calls[0].Command.Dir)

	body, err := os.ReadFile(filepath.Join(store, "db/dump"))
	require.NoError(t, err)
	assert.Equal(t, "dumped:in", string(body))

	info, err := os.Stat(filepath.Join(store, "db"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())
	assert.Zero(t, info.Mode()&os.ModeSticky)

	info, err = os.Stat(filepath.Join(store, "db/dump"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestRestoreShellPipesBlob(t *testing.T) {
	store := t.TempDir()
	writeTree(t, store, map[string]string{"db/dump": "payload"})

	ex := enginetest.NewExecutor()
	tr := NewTransfer(zerolog.Nop(), ex)

	res := tr.Restore(context.Background(), RestoreRequest{
		Base:    "/srv",
		Persist: store,
		Shells:  []RestoreShell{{Key: "db/dump", Dir: "./db", Cmd: "load"}},
	})
	require.NoError(t, res.Err())
	assert.True(t, res.Changed)

	calls := ex.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "load", calls[0].String())
	assert.Equal(t, "/srv/db", calls[0].Command.Dir)
	assert.Equal(t, "payload", string(calls[0].Stdin))
}

func TestRestoreSkipsWhenAnyKeyMissing(t *testing.T) {
	store := t.TempDir()
	writeTree(t, store, map[string]string{"db/dump": "payload"})
	dest := t.TempDir()

	ex := enginetest.NewExecutor()
	tr := NewTransfer(zerolog.Nop(), ex)

	res := tr.Restore(context.Background(), RestoreRequest{
		Persist:  store,
		Shells:   []RestoreShell{{Key: "db/dump", Dir: dest, Cmd: "load"}},
		Archives: []RestoreArchive{{Key: "app/state", Dir: dest, Perms: ownPerms()}},
	})

	require.NoError(t, res.Err())
	assert.Equal(t, engine.StatusSkipped, res.Status)
	assert.False(t, res.Changed)
	assert.Equal(t, []string{"app/state"}, res.Facts["missing"])
	assert.Empty(t, ex.Calls(), "no command runs when a key is missing")

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreChecksArchiveDirBeforeCommands(t *testing.T) {
	store := t.TempDir()
	writeTree(t, store, map[string]string{"db/dump": "payload", "app/state": "blob"})

	ex := enginetest.NewExecutor()
	tr := NewTransfer(zerolog.Nop(), ex)

	missingDir := filepath.Join(t.TempDir(), "absent")
	res := tr.Restore(context.Background(), RestoreRequest{
		Persist:  store,
		Shells:   []RestoreShell{{Key: "db/dump", Dir: "/tmp", Cmd: "cat > marker"}},
		Archives: []RestoreArchive{{Key: "app/state", Dir: missingDir, Perms: ownPerms()}},
	})

	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.True(t, engine.IsValidation(res.Err()))
	assert.Equal(t, engine.ErrCodeNotFound, res.Error.Code)
	assert.Empty(t, ex.Calls(), "no command runs before every item is validated")
	assert.False(t, res.Changed)
	assert.NoDirExists(t, missingDir)
}

func TestRestoreNonZeroExit(t *testing.T) {
	store := t.TempDir()
	writeTree(t, store, map[string]string{"db/dump": "payload"})

	ex := enginetest.NewExecutor().Reply("load", 1, "")
	tr := NewTransfer(zerolog.Nop(), ex)

	res := tr.Restore(context.Background(), RestoreRequest{
		Persist: store,
		Shells:  []RestoreShell{{Key: "db/dump", Dir: "/tmp", Cmd: "load"}},
	})

	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.True(t, engine.IsTransport(res.Err()))
	assert.Equal(t, engine.ErrCodeNonZeroExit, res.Error.Code)
}

func TestPersistValidation(t *testing.T) {
	store := t.TempDir()
	tr := NewTransfer(zerolog.Nop(), enginetest.NewExecutor())

	restores := map[string]RestoreRequest{
		"no items":       {Persist: store},
		"bad key":        {Persist: store, Shells: []RestoreShell{{Key: "flat", Dir: "/", Cmd: "x"}}},
		"no dir no base": {Persist: store, Shells: []RestoreShell{{Key: "a/b", Cmd: "x"}}},
		"relative dir":   {Persist: store, Base: "/srv", Shells: []RestoreShell{{Key: "a/b", Dir: "db", Cmd: "x"}}},
		"bad perms":      {Persist: store, Archives: []RestoreArchive{{Key: "a/b", Dir: "/", Perms: "root"}}},
		"relative store": {Persist: "store", Shells: []RestoreShell{{Key: "a/b", Dir: "/", Cmd: "x"}}},
		"missing store":  {Persist: filepath.Join(store, "nope"), Shells: []RestoreShell{{Key: "a/b", Dir: "/", Cmd: "x"}}},
	}
	for name, req := range restores {
		t.Run("restore "+name, func(t *testing.T) {
			assert.True(t, engine.IsValidation(tr.Restore(context.Background(), req).Err()))
		})
	}

	captures := map[string]CaptureRequest{
		"no items":      {Persist: store},
		"empty include": {Persist: store, Archives: []CaptureArchive{{Key: "a/b", Dir: "/"}}},
		"missing store": {Persist: filepath.Join(store, "nope"), Shells: []CaptureShell{{Key: "a/b", Dir: "/", Cmd: "x"}}},
	}
	for name, req := range captures {
		t.Run("capture "+name, func(t *testing.T) {
			assert.True(t, engine.IsValidation(tr.Capture(context.Background(), req).Err()))
		})
	}

	entries, err := os.ReadDir(store)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func strp(s string) *string { return &s }

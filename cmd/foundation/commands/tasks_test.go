package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
)

func TestParseTasksList(t *testing.T) {
	tasks, err := parseTasks([]byte(`
tasks:
  - name: cmdline
    plugin: system.kernel
    params:
      params:
        splash: true
        quiet: true
        loglevel: 3
  - plugin: system.env
    params:
      vars: {EDITOR: vim}
`))
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "cmdline", tasks[0].Name)
	assert.Equal(t, "system.env", tasks[1].Name)

	params, err := tasks[0].ParamsJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"params":{"splash":true,"quiet":true,"loglevel":3}}`, string(params))
}

func TestParseTasksSingle(t *testing.T) {
	tasks, err := parseTasks([]byte("plugin: system.stop\n"))
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	params, err := tasks[0].ParamsJSON()
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(params))
}

func TestParseTasksErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", "", "no tasks"},
		{"no tasks", "tasks: []\n", "no tasks"},
		{"unknown plugin", "plugin: legacy.exec\n", "task 1"},
		{"unknown key", "plugin: system.env\nparmas: {}\n", "parmas"},
		{"both forms", "plugin: system.env\ntasks:\n  - plugin: user.env\n", "not both"},
		{"scalar params", "plugin: system.env\nparams: yes\n", "must be a mapping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseTasks([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWithPersistRoot(t *testing.T) {
	tasks, err := parseTasks([]byte(`
tasks:
  - plugin: persist.to
    params:
      shells: [{key: crontab, cmd: crontab -l}]
  - plugin: persist.from
    params:
      persist: /srv/persist
  - plugin: system.env
    params:
      vars: {A: "1"}
`))
	require.NoError(t, err)

	filled := withPersistRoot(tasks[0], "/var/lib/foundation/persist")
	params, err := filled.ParamsJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"shells":[{"key":"crontab","cmd":"crontab -l"}],"persist":"/var/lib/foundation/persist"}`, string(params))

	// the original task is left alone
	params, err = tasks[0].ParamsJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(params), "persist\"")

	kept, err := withPersistRoot(tasks[1], "/var/lib/foundation/persist").ParamsJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"persist":"/srv/persist"}`, string(kept))

	other, err := withPersistRoot(tasks[2], "/var/lib/foundation/persist").ParamsJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"vars":{"A":"1"}}`, string(other))
}

func TestOrderTasks(t *testing.T) {
	tasks, err := parseTasks([]byte(`
tasks:
  - name: services
    plugin: system.services
    needs: [restore]
    params: {units: [sshd], state: enabled}
  - name: restore
    plugin: persist.from
    needs: [fetch]
  - name: fetch
    plugin: files.fetch
  - plugin: system.env
`))
	require.NoError(t, err)

	ordered, dag, err := orderTasks(tasks)
	require.NoError(t, err)
	require.NotNil(t, dag)
	names := make([]string, len(ordered))
	for i, task := range ordered {
		names[i] = task.Name
	}
	assert.Equal(t, []string{"fetch", "system.env", "restore", "services"}, names)
	assert.Equal(t, []string{"restore", "services"}, dag.Dependents("fetch"))

	// without needs the file order stands
	plain := []Task{{Name: "b"}, {Name: "a"}}
	ordered, dag, err = orderTasks(plain)
	require.NoError(t, err)
	assert.Nil(t, dag)
	assert.Equal(t, plain, ordered)

	_, _, err = orderTasks([]Task{{Name: "a", Needs: []string{"b"}}, {Name: "b", Needs: []string{"a"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")

	_, _, err = orderTasks([]Task{{Name: "a", Needs: []string{"missing"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
}

func TestTaskCommand(t *testing.T) {
	tasks, err := parseTasks([]byte("plugin: user.layout\nparams: {layout: xdg}\n"))
	require.NoError(t, err)

	cmd, err := tasks[0].command(0)
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandTypeUserLayout, cmd.Type)
	assert.NotEmpty(t, cmd.ID)
	assert.JSONEq(t, `{"layout":"xdg"}`, string(cmd.Params))
	assert.NoError(t, cmd.Validate())
}

func TestLoadParams(t *testing.T) {
	task, err := loadParams("system.env", "-", strings.NewReader("vars:\n  B: two\n  A: one\n"))
	require.NoError(t, err)
	params, err := task.ParamsJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"vars":{"B":"two","A":"one"}}`, string(params))

	_, err = loadParams("system.env", "-", strings.NewReader("- a\n"))
	assert.Error(t, err)

	_, err = loadParams("legacy.exec", "-", strings.NewReader(""))
	assert.Error(t, err)
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	cfg := writeFile(t, "config.toml", "[log]\nlevel = \"error\"\n")
	good := writeFile(t, "good.yaml", `
tasks:
  - name: editor
    plugin: system.env
    params:
      vars: {EDITOR: vim}
  - name: crontab
    plugin: persist.to
    params:
      shells: [{key: crontab, cmd: crontab -l}]
`)
	out, err := execute(t, "--config", cfg, "validate", good)
	require.NoError(t, err, out)
	assert.Contains(t, out, "editor (system.env): ok")
	assert.Contains(t, out, "crontab (persist.to): ok")

	bad := writeFile(t, "bad.yaml", `
plugin: user.layout
params:
  layout: flat
  entries: {}
`)
	out, err = execute(t, "--config", cfg, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, "(user.layout):")
	assert.Contains(t, err.Error(), "1 of 1 tasks invalid")
}

func TestValidateDOT(t *testing.T) {
	cfg := writeFile(t, "config.toml", "[log]\nlevel = \"error\"\n")
	file := writeFile(t, "tasks.yaml", `
tasks:
  - name: fetch
    plugin: files.fetch
    params:
      url: https://example.com/a.tar.gz
      dest: /opt/a
      creates: [bin]
  - name: env
    plugin: system.env
    needs: [fetch]
    params:
      vars: {EDITOR: vim}
`)
	out, err := execute(t, "--config", cfg, "validate", "--dot", file)
	require.NoError(t, err, out)
	assert.Contains(t, out, "digraph tasks {")
	assert.Contains(t, out, `"fetch" -> "env";`)
}

func TestJournalCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, "config.toml", `
[log]
level = "error"

[journal]
enabled = true
path = "`+filepath.Join(dir, "journal.db")+`"
`)

	out, err := execute(t, "--config", cfg, "history")
	require.NoError(t, err, out)
	assert.Contains(t, out, "no invocations recorded")

	out, err = execute(t, "--config", cfg, "--json", "facts")
	require.NoError(t, err, out)
	assert.Equal(t, "null", strings.TrimSpace(out))

	_, err = execute(t, "--config", cfg, "show", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	out, err = execute(t, "--config", cfg, "prune", "--older-than", "24h")
	require.NoError(t, err, out)
	assert.Contains(t, out, "deleted 0 invocations")
}

func TestJournalDisabled(t *testing.T) {
	cfg := writeFile(t, "config.toml", "[log]\nlevel = \"error\"\n")
	_, err := execute(t, "--config", cfg, "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal is disabled")
}

func TestPluginsCommand(t *testing.T) {
	out, err := execute(t, "plugins")
	require.NoError(t, err)
	for _, ct := range protocol.CommandTypes {
		assert.Contains(t, out, string(ct))
	}
}

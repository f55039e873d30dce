package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
)

// Task is one plugin invocation read from a task file.
type Task struct {
	Name   string    `yaml:"name"`
	Plugin string    `yaml:"plugin"`
	Needs  []string  `yaml:"needs"`
	Params yaml.Node `yaml:"params"`
}

// taskFile accepts either a task list or a single bare task.
type taskFile struct {
	Tasks []Task `yaml:"tasks"`
	Task  `yaml:",inline"`
}

// loadTasks reads a task file; "-" reads stdin.
func loadTasks(path string, stdin io.Reader) ([]Task, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	tasks, err := parseTasks(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tasks, nil
}

func parseTasks(data []byte) ([]Task, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var tf taskFile
	if err := dec.Decode(&tf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no tasks")
		}
		return nil, err
	}

	tasks := tf.Tasks
	switch {
	case tf.Plugin != "" && len(tasks) > 0:
		return nil, errors.New("either tasks or a single plugin, not both")
	case tf.Plugin != "":
		tasks = []Task{tf.Task}
	case len(tasks) == 0:
		return nil, errors.New("no tasks")
	}

	for i := range tasks {
		t := &tasks[i]
		if err := protocol.CommandType(t.Plugin).Validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		if t.Name == "" {
			t.Name = t.Plugin
		}
		switch t.Params.Kind {
		case 0:
			t.Params = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		case yaml.MappingNode:
		default:
			return nil, fmt.Errorf("task %s: params must be a mapping", t.Name)
		}
	}
	return tasks, nil
}

// orderTasks sorts tasks so each runs after the tasks it needs. Without any
// needs the file order is kept and the returned graph is nil.
func orderTasks(tasks []Task) ([]Task, *engine.DAGBuilder, error) {
	hasNeeds := false
	for _, t := range tasks {
		if len(t.Needs) > 0 {
			hasNeeds = true
			break
		}
	}
	if !hasNeeds {
		return tasks, nil, nil
	}

	dag := engine.NewDAGBuilder()
	byName := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if err := dag.Add(t.Name, t.Needs...); err != nil {
			return nil, nil, err
		}
		byName[t.Name] = t
	}
	if _, err := dag.Build(); err != nil {
		return nil, nil, err
	}

	ordered := make([]Task, 0, len(tasks))
	for _, name := range dag.Order() {
		ordered = append(ordered, byName[name])
	}
	return ordered, dag, nil
}

// withPersistRoot fills the store root of persist tasks that omit it.
func withPersistRoot(t Task, root string) Task {
	ct := protocol.CommandType(t.Plugin)
	if ct != protocol.CommandTypePersistFrom && ct != protocol.CommandTypePersistTo {
		return t
	}
	if root == "" {
		return t
	}
	for i := 0; i+1 < len(t.Params.Content); i += 2 {
		if t.Params.Content[i].Value == "persist" {
			return t
		}
	}
	params := t.Params
	params.Content = append(append([]*yaml.Node(nil), t.Params.Content...),
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "persist"},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: root},
	)
	t.Params = params
	return t
}

// ParamsJSON encodes the params as JSON, keeping mapping key order.
func (t Task) ParamsJSON() (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := nodeJSON(&buf, &t.Params); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.Name, err)
	}
	return buf.Bytes(), nil
}

func nodeJSON(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return nodeJSON(buf, n.Content[0])
	case yaml.AliasNode:
		return nodeJSON(buf, n.Alias)
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(n.Content[i].Value)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := nodeJSON(buf, n.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, c := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := nodeJSON(buf, c); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case yaml.ScalarNode:
		var v interface{}
		if err := n.Decode(&v); err != nil {
			return err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		buf.Write(data)
		return nil
	default:
		return fmt.Errorf("line %d: unsupported yaml node", n.Line)
	}
}

// command builds the protocol message for a task.
func (t Task) command(timeout time.Duration) (*protocol.CommandMessage, error) {
	params, err := t.ParamsJSON()
	if err != nil {
		return nil, err
	}
	return protocol.NewCommand(protocol.CommandType(t.Plugin), params, timeout)
}

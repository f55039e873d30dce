// Package enginetest provides test doubles for engine interfaces.
package enginetest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/openfroyo/foundation/pkg/engine"
)

// Call is one recorded command together with the stdin it received.
type Call struct {
	Command engine.Command
	Stdin   []byte
}

// String renders the recorded command.
func (c Call) String() string {
	return c.Command.String()
}

// Handler answers a command. Returning a nil result means exit code 0 with no
// output.
type Handler func(c engine.Command, stdin []byte) (*engine.CommandResult, error)

// Executor records every command it is asked to run and answers with the
// first handler whose prefix matches the rendered command.
type Executor struct {
	mu       sync.Mutex
	calls    []Call
	prefixes []string
	handlers []Handler
}

// NewExecutor returns an executor that succeeds on every command.
func NewExecutor() *Executor {
	return &Executor{}
}

// On registers a handler for commands starting with prefix.
func (e *Executor) On(prefix string, h Handler) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prefixes = append(e.prefixes, prefix)
	e.handlers = append(e.handlers, h)
	return e
}

// Reply registers a canned exit code and stdout for commands starting with
// prefix.
func (e *Executor) Reply(prefix string, exitCode int, stdout string) *Executor {
	return e.On(prefix, func(engine.Command, []byte) (*engine.CommandResult, error) {
		return &engine.CommandResult{ExitCode: exitCode, Stdout: []byte(stdout)}, nil
	})
}

// Run implements engine.Executor.
func (e *Executor) Run(_ context.Context, c engine.Command) (*engine.CommandResult, error) {
	var stdin []byte
	if c.Stdin != nil {
		data, err := io.ReadAll(c.Stdin)
		if err != nil {
			return nil, err
		}
		stdin = data
	}

	e.mu.Lock()
	e.calls = append(e.calls, Call{Command: c, Stdin: stdin})
	var h Handler
	rendered := c.String()
	for i, p := range e.prefixes {
		if strings.HasPrefix(rendered, p) {
			h = e.handlers[i]
			break
		}
	}
	e.mu.Unlock()

	if h == nil {
		return &engine.CommandResult{}, nil
	}
	res, err := h(c, stdin)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &engine.CommandResult{}
	}
	return res, nil
}

// Calls returns a copy of every recorded call.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// Commands returns every recorded command rendered as a string.
func (e *Executor) Commands() []string {
	calls := e.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Reset drops the recorded calls but keeps handlers.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

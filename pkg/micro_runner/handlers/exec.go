// Package handlers dispatches runner commands to the plugins.
package handlers

import (
	"context"
	"fmt"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
)

// eventExecutor reports every external process a plugin runs as an EVENT
// before delegating to the wrapped executor.
type eventExecutor struct {
	next      engine.Executor
	commandID string
	events    chan<- *protocol.EventMessage
}

func newEventExecutor(next engine.Executor, commandID string, events chan<- *protocol.EventMessage) engine.Executor {
	if events == nil {
		return next
	}
	return &eventExecutor{next: next, commandID: commandID, events: events}
}

// Run implements engine.Executor.
func (e *eventExecutor) Run(ctx context.Context, c engine.Command) (*engine.CommandResult, error) {
	e.emit("debug", "exec: "+c.String())

	res, err := e.next.Run(ctx, c)
	switch {
	case err != nil:
		e.emit("warn", fmt.Sprintf("exec failed: %s: %v", c.String(), err))
	case res.ExitCode != 0:
		e.emit("warn", fmt.Sprintf("exit %d: %s", res.ExitCode, c.String()))
	}
	return res, err
}

func (e *eventExecutor) emit(level, message string) {
	evt := &protocol.EventMessage{CommandID: e.commandID, Level: level, Message: message}
	select {
	case e.events <- evt:
	default:
		// the writer is behind; progress events are best effort
	}
}

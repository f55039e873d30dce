package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
	"github.com/openfroyo/foundation/pkg/persist"
)

// PersistFromHandler handles persist.from.
type PersistFromHandler struct {
	logger zerolog.Logger
	opts   Options
}

// Handle restores stored blobs, or skips when any key is missing.
func (h *PersistFromHandler) Handle(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (*engine.Result, error) {
	req, err := decode[persist.RestoreRequest](cmd)
	if err != nil {
		return nil, err
	}
	ex := newEventExecutor(h.opts.Executor, cmd.ID, events)
	return persist.NewTransfer(h.logger, ex).Restore(ctx, req), nil
}

// PersistToHandler handles persist.to.
type PersistToHandler struct {
	logger zerolog.Logger
	opts   Options
}

// Handle captures command output and directory archives into the store.
func (h *PersistToHandler) Handle(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (*engine.Result, error) {
	req, err := decode[persist.CaptureRequest](cmd)
	if err != nil {
		return nil, err
	}
	ex := newEventExecutor(h.opts.Executor, cmd.ID, events)
	return persist.NewTransfer(h.logger, ex).Capture(ctx, req), nil
}

package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/kernel"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
	"github.com/openfroyo/foundation/pkg/service"
)

// ServicesHandler handles system.services.
type ServicesHandler struct {
	logger zerolog.Logger
	opts   Options
}

// Handle drives systemd units to the requested state.
func (h *ServicesHandler) Handle(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (*engine.Result, error) {
	req, err := decode[service.Request](cmd)
	if err != nil {
		return nil, err
	}
	ex := newEventExecutor(h.opts.Executor, cmd.ID, events)
	return service.NewReconciler(h.logger, ex).Apply(ctx, req), nil
}

// StopHandler handles system.stop.
type StopHandler struct {
	logger zerolog.Logger
	opts   Options
}

// Handle kills processes and stops services.
func (h *StopHandler) Handle(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (*engine.Result, error) {
	req, err := decode[service.StopRequest](cmd)
	if err != nil {
		return nil, err
	}
	ex := newEventExecutor(h.opts.Executor, cmd.ID, events)
	return service.NewReconciler(h.logger, ex).Stop(ctx, req), nil
}

// KernelHandler handles system.kernel.
type KernelHandler struct {
	logger zerolog.Logger
	opts   Options
}

// Handle merges kernel parameters and regenerates boot images on change.
func (h *KernelHandler) Handle(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (*engine.Result, error) {
	req, err := decode[kernel.Request](cmd)
	if err != nil {
		return nil, err
	}
	m := kernel.NewMerger(h.logger, newEventExecutor(h.opts.Executor, cmd.ID, events))
	if h.opts.CmdlineFile != "" {
		m.WithPath(h.opts.CmdlineFile)
	}
	return m.Apply(ctx, req), nil
}

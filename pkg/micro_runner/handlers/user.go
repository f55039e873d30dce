package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/envfile"
	"github.com/openfroyo/foundation/pkg/layout"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
)

// LayoutHandler handles user.layout.
type LayoutHandler struct {
	logger zerolog.Logger
}

// Handle resolves user directories and maintains compatibility links.
func (h *LayoutHandler) Handle(ctx context.Context, cmd *protocol.CommandMessage, _ chan<- *protocol.EventMessage) (*engine.Result, error) {
	req, err := decode[layout.Request](cmd)
	if err != nil {
		return nil, err
	}
	return layout.NewResolver(h.logger).Apply(ctx, req), nil
}

// UserEnvHandler handles user.env.
type UserEnvHandler struct {
	logger zerolog.Logger
	opts   Options
}

// Handle merges variables into the sectioned login environment file.
func (h *UserEnvHandler) Handle(ctx context.Context, cmd *protocol.CommandMessage, _ chan<- *protocol.EventMessage) (*engine.Result, error) {
	req, err := decode[envfile.Request](cmd)
	if err != nil {
		return nil, err
	}
	m := envfile.NewMerger(h.logger)
	if h.opts.PAMEnvFile != "" {
		m.WithPath(h.opts.PAMEnvFile)
	}
	return m.Apply(ctx, req), nil
}

// SystemEnvHandler handles system.env.
type SystemEnvHandler struct {
	logger zerolog.Logger
	opts   Options
}

// Handle upserts variables into the flat system environment file.
func (h *SystemEnvHandler) Handle(ctx context.Context, cmd *protocol.CommandMessage, _ chan<- *protocol.EventMessage) (*engine.Result, error) {
	req, err := decode[envfile.SystemRequest](cmd)
	if err != nil {
		return nil, err
	}
	w := envfile.NewSystemWriter(h.logger)
	if h.opts.SystemEnvFile != "" {
		w.WithPath(h.opts.SystemEnvFile)
	}
	return w.Apply(ctx, req), nil
}

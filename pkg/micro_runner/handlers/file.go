package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/fetch"
	"github.com/openfroyo/foundation/pkg/files"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
)

// FilesInstallHandler handles files.install.
type FilesInstallHandler struct {
	logger zerolog.Logger
	opts   Options
}

// Handle reconciles a batch of file and directory targets.
func (h *FilesInstallHandler) Handle(ctx context.Context, cmd *protocol.CommandMessage, _ chan<- *protocol.EventMessage) (*engine.Result, error) {
	req, err := decode[files.Request](cmd)
	if err != nil {
		return nil, err
	}
	return files.NewReconciler(h.logger, h.opts.Downloader).Install(ctx, req), nil
}

// FilesFetchHandler handles files.fetch.
type FilesFetchHandler struct {
	logger zerolog.Logger
	opts   Options
}

// Handle downloads and unpacks an archive unless its creates paths exist.
func (h *FilesFetchHandler) Handle(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (*engine.Result, error) {
	req, err := decode[fetch.Request](cmd)
	if err != nil {
		return nil, err
	}

	if events != nil {
		select {
		case events <- &protocol.EventMessage{CommandID: cmd.ID, Level: "info", Message: "fetching " + req.URL}:
		default:
		}
	}

	f := fetch.NewFetcher(h.logger, h.opts.Downloader)
	if h.opts.TempDir != "" {
		f.WithTempDir(h.opts.TempDir)
	}
	return f.Fetch(ctx, req), nil
}

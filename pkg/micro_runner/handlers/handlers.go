package handlers

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/descriptor"
	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/envfile"
	"github.com/openfroyo/foundation/pkg/fetch"
	"github.com/openfroyo/foundation/pkg/files"
	"github.com/openfroyo/foundation/pkg/kernel"
	"github.com/openfroyo/foundation/pkg/layout"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
	"github.com/openfroyo/foundation/pkg/persist"
	"github.com/openfroyo/foundation/pkg/service"
)

// Handler runs one plugin invocation. Plugin failures are reported in the
// result; the error is reserved for commands that cannot be dispatched.
type Handler interface {
	Handle(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (*engine.Result, error)
}

// ParamsError is returned when a command's params do not decode into the
// plugin request.
type ParamsError struct {
	Type protocol.CommandType
	Err  error
}

func (e *ParamsError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *ParamsError) Unwrap() error { return e.Err }

// UnsupportedError is returned for command types without a handler.
type UnsupportedError struct {
	Type protocol.CommandType
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported command type: %s", e.Type)
}

// Options configures the plugins behind the handlers. Empty paths keep each
// plugin's default.
type Options struct {
	Executor   engine.Executor
	Downloader fetch.Downloader

	CmdlineFile   string
	PAMEnvFile    string
	SystemEnvFile string
	TempDir       string
}

// Registry maps command types to handlers.
type Registry struct {
	handlers map[protocol.CommandType]Handler
	logger   zerolog.Logger
}

// NewRegistry creates a registry with a handler for every command type.
func NewRegistry(logger zerolog.Logger, opts Options) *Registry {
	if opts.Executor == nil {
		opts.Executor = engine.NewLocalExecutor()
	}
	if opts.Downloader == nil {
		opts.Downloader = fetch.NewHTTPDownloader(logger)
	}

	r := &Registry{
		handlers: make(map[protocol.CommandType]Handler),
		logger:   logger.With().Str("component", "handlers").Logger(),
	}

	r.Register(protocol.CommandTypeFilesInstall, &FilesInstallHandler{logger: logger, opts: opts})
	r.Register(protocol.CommandTypeFilesFetch, &FilesFetchHandler{logger: logger, opts: opts})
	r.Register(protocol.CommandTypePersistFrom, &PersistFromHandler{logger: logger, opts: opts})
	r.Register(protocol.CommandTypePersistTo, &PersistToHandler{logger: logger, opts: opts})
	r.Register(protocol.CommandTypeSystemKernel, &KernelHandler{logger: logger, opts: opts})
	r.Register(protocol.CommandTypeSystemServices, &ServicesHandler{logger: logger, opts: opts})
	r.Register(protocol.CommandTypeSystemStop, &StopHandler{logger: logger, opts: opts})
	r.Register(protocol.CommandTypeSystemEnv, &SystemEnvHandler{logger: logger, opts: opts})
	r.Register(protocol.CommandTypeUserLayout, &LayoutHandler{logger: logger})
	r.Register(protocol.CommandTypeUserEnv, &UserEnvHandler{logger: logger, opts: opts})
	return r
}

// Register installs or replaces the handler for a command type.
func (r *Registry) Register(ct protocol.CommandType, h Handler) {
	r.handlers[ct] = h
}

// Capabilities lists the registered command types for READY.
func (r *Registry) Capabilities() map[string]bool {
	caps := make(map[string]bool, len(r.handlers))
	for ct := range r.handlers {
		caps[string(ct)] = true
	}
	return caps
}

// Types returns the registered command types in sorted order.
func (r *Registry) Types() []protocol.CommandType {
	out := make([]protocol.CommandType, 0, len(r.handlers))
	for ct := range r.handlers {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Handle dispatches cmd to its handler.
func (r *Registry) Handle(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (*engine.Result, error) {
	h, ok := r.handlers[cmd.Type]
	if !ok {
		return nil, &UnsupportedError{Type: cmd.Type}
	}

	r.logger.Debug().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Msg("dispatching command")
	result, err := h.Handle(ctx, cmd, events)
	if err != nil {
		return nil, err
	}
	r.logger.Debug().
		Str("command_id", cmd.ID).
		Str("status", string(result.Status)).
		Bool("changed", result.Changed).
		Msg("command finished")
	return result, nil
}

// Validate decodes cmd's params and checks their field constraints without
// running the plugin.
func (r *Registry) Validate(cmd *protocol.CommandMessage) error {
	if _, ok := r.handlers[cmd.Type]; !ok {
		return &UnsupportedError{Type: cmd.Type}
	}
	if check, ok := validators[cmd.Type]; ok {
		return check(cmd)
	}
	return nil
}

var validators = map[protocol.CommandType]func(*protocol.CommandMessage) error{
	protocol.CommandTypeFilesInstall:   validateAs[files.Request],
	protocol.CommandTypeFilesFetch:     validateAs[fetch.Request],
	protocol.CommandTypePersistFrom:    validateAs[persist.RestoreRequest],
	protocol.CommandTypePersistTo:      validateAs[persist.CaptureRequest],
	protocol.CommandTypeSystemKernel:   validateAs[kernel.Request],
	protocol.CommandTypeSystemServices: validateAs[service.Request],
	protocol.CommandTypeSystemStop:     validateAs[service.StopRequest],
	protocol.CommandTypeSystemEnv:      validateAs[envfile.SystemRequest],
	protocol.CommandTypeUserLayout:     validateAs[layout.Request],
	protocol.CommandTypeUserEnv:        validateAs[envfile.Request],
}

func validateAs[T any](cmd *protocol.CommandMessage) error {
	req, err := decode[T](cmd)
	if err != nil {
		return err
	}
	if err := descriptor.Validator().Struct(req); err != nil {
		return &ParamsError{Type: cmd.Type, Err: err}
	}
	return nil
}

func decode[T any](cmd *protocol.CommandMessage) (T, error) {
	var req T
	if err := protocol.ParseParams(cmd.Params, &req); err != nil {
		return req, &ParamsError{Type: cmd.Type, Err: err}
	}
	return req, nil
}

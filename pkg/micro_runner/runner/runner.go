// Package runner implements the command loop of the plugin runner: it
// announces READY, executes CMD messages one at a time and reports each
// result as DONE until stdin closes or it sits idle past its TTL.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/micro_runner/handlers"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
)

// Version is reported in READY.
const Version = "1.0.0"

// Dispatcher executes one command.
type Dispatcher interface {
	Capabilities() map[string]bool
	Handle(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (*engine.Result, error)
}

// Observer is told about every finished command.
type Observer interface {
	Observe(cmd *protocol.CommandMessage, result *engine.Result, duration time.Duration)
}

// Config configures a runner.
type Config struct {
	TTL        time.Duration
	SelfDelete bool
	Observer   Observer
}

// Runner serves the protocol over a reader and writer.
type Runner struct {
	dispatcher Dispatcher
	encoder    *protocol.Encoder
	decoder    *protocol.Decoder
	logger     zerolog.Logger
	cfg        Config

	mu           sync.Mutex
	commandCount int
}

// New creates a runner reading commands from in and writing messages to out.
func New(logger zerolog.Logger, dispatcher Dispatcher, in io.Reader, out io.Writer, cfg Config) *Runner {
	if cfg.TTL == 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &Runner{
		dispatcher: dispatcher,
		encoder:    protocol.NewEncoder(out),
		decoder:    protocol.NewDecoder(in),
		logger:     logger.With().Str("component", "runner").Logger(),
		cfg:        cfg,
	}
}

// Serve runs the command loop and returns the exit code. EXIT is always the
// last message written.
func (r *Runner) Serve(ctx context.Context) int {
	if err := r.sendReady(); err != nil {
		r.logger.Error().Err(err).Msg("failed to send ready")
		return r.exit("error", 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the TTL counts idle time between commands
	idle := time.NewTimer(r.cfg.TTL)
	defer idle.Stop()

	commands := make(chan *protocol.CommandMessage)
	failures := make(chan error, 1)
	go func() {
		defer close(commands)
		for {
			msg, err := r.decoder.Decode()
			if err != nil {
				failures <- err
				return
			}
			cmd, err := r.parseCommand(msg)
			if err != nil {
				id := ""
				if cmd != nil {
					id = cmd.ID
				}
				r.reject(id, protocol.CodeInvalidCommand, err)
				continue
			}
			select {
			case commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return r.exit("canceled", 0)
		case <-idle.C:
			return r.exit("ttl_expired", 0)
		case cmd, ok := <-commands:
			if !ok {
				err := <-failures
				if errors.Is(err, io.EOF) {
					return r.exit("stdin_closed", 0)
				}
				r.logger.Error().Err(err).Msg("failed to read command")
				return r.exit("error", 1)
			}
			idle.Stop()
			r.process(ctx, cmd)
			idle.Reset(r.cfg.TTL)
		}
	}
}

func (r *Runner) parseCommand(msg *protocol.Message) (*protocol.CommandMessage, error) {
	if msg.Type != protocol.MessageTypeCommand {
		return nil, fmt.Errorf("expected CMD message, got %s", msg.Type)
	}
	var cmd protocol.CommandMessage
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return &cmd, err
	}
	return &cmd, nil
}

func (r *Runner) sendReady() error {
	return r.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     r.dispatcher.Capabilities(),
		Metadata: map[string]string{
			"ttl": r.cfg.TTL.String(),
		},
	})
}

func (r *Runner) process(ctx context.Context, cmd *protocol.CommandMessage) {
	r.mu.Lock()
	r.commandCount++
	r.mu.Unlock()

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	events := make(chan *protocol.EventMessage, 16)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for evt := range events {
			if err := r.encoder.EncodeEvent(evt); err != nil {
				r.logger.Warn().Err(err).Msg("failed to send event")
			}
		}
	}()

	start := time.Now()
	result, err := r.dispatcher.Handle(cmdCtx, cmd, events)
	duration := time.Since(start)
	close(events)
	<-forwarded

	if err != nil {
		code := protocol.CodeInvalidParams
		var unsupported *handlers.UnsupportedError
		if errors.As(err, &unsupported) {
			code = protocol.CodeUnsupported
		}
		r.reject(cmd.ID, code, err)
		return
	}

	if r.cfg.Observer != nil {
		r.cfg.Observer.Observe(cmd, result, duration)
	}

	data, err := json.Marshal(result)
	if err != nil {
		r.reject(cmd.ID, protocol.CodeEncodeFailed, err)
		return
	}
	done := &protocol.DoneMessage{
		CommandID: cmd.ID,
		Status:    string(result.Status),
		Changed:   result.Changed,
		Result:    data,
		Duration:  duration.Seconds(),
	}
	if err := r.encoder.EncodeDone(done); err != nil {
		r.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to send done")
	}
}

func (r *Runner) reject(commandID, code string, err error) {
	r.logger.Warn().Err(err).Str("command_id", commandID).Str("code", code).Msg("command rejected")
	msg := &protocol.ErrorMessage{
		CommandID: commandID,
		Code:      code,
		Message:   err.Error(),
	}
	if encErr := r.encoder.EncodeError(msg); encErr != nil {
		r.logger.Error().Err(encErr).Msg("failed to send error")
	}
}

func (r *Runner) exit(reason string, exitCode int) int {
	r.mu.Lock()
	total := r.commandCount
	r.mu.Unlock()

	msg := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: total,
	}
	if r.cfg.SelfDelete {
		if path, err := os.Executable(); err == nil && os.Remove(path) == nil {
			msg.SelfDeleted = true
		}
	}
	if err := r.encoder.EncodeExit(msg); err != nil {
		r.logger.Debug().Err(err).Msg("failed to send exit")
	}
	return exitCode
}

// Package client drives a plugin runner over its stdio protocol.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
)

// Transport places the runner binary where it executes and starts it.
type Transport interface {
	// Upload copies the runner binary to remotePath.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the runner and returns its stdin and stdout.
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup waits for the runner and removes its binary if still present.
	Cleanup(ctx context.Context, remotePath string) error
}

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	RunnerPath     string // local runner binary
	RemotePath     string // where the transport places it
	StartupTimeout time.Duration
	CommandTimeout time.Duration
	Logger         zerolog.Logger
}

// Client manages communication with one runner instance. Commands are
// processed strictly one at a time.
type Client struct {
	cfg     Config
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage
	logger  zerolog.Logger
	mu      sync.Mutex
	started bool
	closed  bool
}

// NewClient creates a new runner client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RunnerPath == "" {
		return nil, fmt.Errorf("runner path is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = cfg.RunnerPath
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 10 * time.Minute
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "runner-client").Logger(),
	}, nil
}

// Start uploads and starts the runner, then waits for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.started {
		return fmt.Errorf("client already started")
	}

	if err := c.cfg.Transport.Upload(ctx, c.cfg.RunnerPath, c.cfg.RemotePath); err != nil {
		return fmt.Errorf("failed to upload runner: %w", err)
	}

	stdin, stdout, err := c.cfg.Transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}
	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout)
	c.started = true

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := json.Unmarshal(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		c.logger.Debug().Str("version", ready.Version).Int("pid", ready.PID).Msg("runner ready")
		return nil
	}
}

// Execute sends a command and waits for its DONE message.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	return c.ExecuteWithEvents(ctx, cmd, nil)
}

// ExecuteWithEvents sends a command and forwards its events to eventCh,
// when not nil, until the command completes.
func (c *Client) ExecuteWithEvents(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (*protocol.DoneMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}
	if !c.started {
		return nil, fmt.Errorf("client is not started")
	}
	if !c.ready.Supports(cmd.Type) {
		return nil, fmt.Errorf("runner does not support %s", cmd.Type)
	}

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := c.decoder.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			c.logger.Debug().Str("command_id", event.CommandID).Str("level", event.Level).Msg(event.Message)
			if eventCh != nil {
				eventCh <- &event
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := json.Unmarshal(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := json.Unmarshal(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, &CommandError{Code: errMsg.Code, Message: errMsg.Message}

		case protocol.MessageTypeExit:
			return nil, fmt.Errorf("runner exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// CommandError is a command the runner refused to dispatch.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s - %s", e.Code, e.Message)
}

// Invoke runs one plugin with req as its params and decodes the result.
func (c *Client) Invoke(ctx context.Context, ct protocol.CommandType, req interface{}) (*engine.Result, error) {
	cmd, err := protocol.NewCommand(ct, req, c.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}

	done, err := c.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}

	var result engine.Result
	if err := json.Unmarshal(done.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", ct, err)
	}
	return &result, nil
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close ends the session: closing stdin makes the runner exit, after which
// the transport cleans up.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs *multierror.Error
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}
	if c.started {
		if err := c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to clean up runner: %w", err))
		}
	}
	if c.stdout != nil {
		if err := c.stdout.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("stdout already closed")
		}
	}

	return errs.ErrorOrNil()
}

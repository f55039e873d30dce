package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient is one authenticated connection to a host.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	mu          sync.Mutex
	client      *ssh.Client
	closeAgent  func() error
	connectedAt time.Time
	stop        chan struct{}
}

// NewSSHClient creates a client; Connect dials.
func NewSSHClient(logger zerolog.Logger, config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Address()).Logger(),
	}, nil
}

// Connect dials the host and authenticates. It is a no-op when connected.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, closeAgent, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		_ = closeAgent()
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// the handshake has no context of its own
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.config.ConnectionTimeout))
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		_ = closeAgent()
		return &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.closeAgent = closeAgent
	c.connectedAt = time.Now()
	c.stop = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.client, c.stop)
	}

	c.logger.Info().Msg("SSH connection established")
	return nil
}

// Disconnect closes the connection.
func (c *SSHClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	close(c.stop)
	err := c.client.Close()
	if c.closeAgent != nil {
		_ = c.closeAgent()
	}
	c.client = nil
	c.logger.Debug().Dur("connected", time.Since(c.connectedAt)).Msg("SSH connection closed")
	return err
}

// IsConnected reports whether Connect succeeded and Disconnect was not called.
func (c *SSHClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: errors.New("not connected")}
	}
	return c.client, nil
}

// NewSession opens a session on the connection.
func (c *SSHClient) NewSession() (*ssh.Session, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	return session, nil
}

// SFTP opens an SFTP client on the connection.
func (c *SSHClient) SFTP() (*sftp.Client, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	return sftpClient, nil
}

func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn().Err(err).Msg("keepalive failed")
				return
			}
		}
	}
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

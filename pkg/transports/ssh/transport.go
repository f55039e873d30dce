// Package ssh carries the plugin runner to a remote host: the binary is
// uploaded over SFTP and its stdio protocol runs over an exec session.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// RunnerTransport places and starts the runner on a remote host. It
// satisfies the runner client's Transport.
type RunnerTransport struct {
	// UseSudo runs the runner through sudo -n.
	UseSudo bool
	// Args are appended to the runner command line.
	Args []string
	// Stderr receives the runner's log output.
	Stderr io.Writer

	client *SSHClient
	logger zerolog.Logger

	mu       sync.Mutex
	session  *ssh.Session
	stop     func() bool
	uploaded bool
}

// NewRunnerTransport creates a transport for the host in config.
func NewRunnerTransport(logger zerolog.Logger, config *Config) (*RunnerTransport, error) {
	client, err := NewSSHClient(logger, config)
	if err != nil {
		return nil, err
	}
	return &RunnerTransport{
		client: client,
		logger: logger.With().Str("component", "ssh-transport").Logger(),
	}, nil
}

// Upload copies the runner binary to remotePath with mode 0755.
func (t *RunnerTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := t.client.Connect(ctx); err != nil {
		return err
	}

	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer local.Close()

	sftpClient, err := t.client.SFTP()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}
	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	n, err := copyWithContext(ctx, remote, local)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}
	if err := sftpClient.Chmod(remotePath, 0o755); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to set file permissions: %w", err)}
	}

	t.mu.Lock()
	t.uploaded = true
	t.mu.Unlock()

	t.logger.Info().Str("remote", remotePath).Int64("bytes", n).Msg("runner uploaded")
	return nil
}

// Execute starts the runner in a session and returns its stdin and stdout.
// Cancelling ctx kills the session.
func (t *RunnerTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		return nil, nil, fmt.Errorf("runner already started")
	}
	if err := t.client.Connect(ctx); err != nil {
		return nil, nil, err
	}

	session, err := t.client.NewSession()
	if err != nil {
		return nil, nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	session.Stderr = t.Stderr

	argv := []string{remotePath}
	if t.uploaded {
		argv = append(argv, "--self-delete")
	}
	argv = append(argv, t.Args...)
	if t.UseSudo {
		argv = append([]string{"sudo", "-n"}, argv...)
	}
	command := shellJoin(argv)

	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to start %s: %w", remotePath, err)}
	}
	t.logger.Debug().Str("command", command).Msg("runner started")

	t.session = session
	t.stop = context.AfterFunc(ctx, func() {
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
	})
	return stdin, io.NopCloser(stdout), nil
}

// Cleanup waits for the runner, removes the uploaded binary if the runner
// did not delete itself and closes the connection.
func (t *RunnerTransport) Cleanup(ctx context.Context, remotePath string) error {
	t.mu.Lock()
	session, stop, uploaded := t.session, t.stop, t.uploaded
	t.session, t.stop, t.uploaded = nil, nil, false
	t.mu.Unlock()

	var errs []error
	if session != nil {
		err := session.Wait()
		stop()
		var missing *ssh.ExitMissingError
		if err != nil && !errors.As(err, &missing) {
			errs = append(errs, fmt.Errorf("runner exited: %w", err))
		}
		_ = session.Close()
	}

	if uploaded && t.client.IsConnected() {
		if sftpClient, err := t.client.SFTP(); err != nil {
			errs = append(errs, err)
		} else {
			if err := sftpClient.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, &TransportError{Op: "cleanup", Err: err})
			}
			_ = sftpClient.Close()
		}
	}

	errs = append(errs, t.client.Disconnect())
	return errors.Join(errs...)
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// shellJoin quotes argv for the remote shell.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if a != "" && strings.IndexFunc(a, func(r rune) bool {
			return !(r == '/' || r == '-' || r == '_' || r == '.' || r == '=' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
		}) < 0 {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

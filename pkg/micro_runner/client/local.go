package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/openfroyo/foundation/pkg/fsops"
)

// LocalTransport runs the runner as a child process on this machine,
// optionally through sudo.
type LocalTransport struct {
	UseSudo bool
	Args    []string
	Stderr  io.Writer

	mu     sync.Mutex
	cmd    *exec.Cmd
	copied bool
}

// Upload copies the binary unless it already lives at remotePath.
func (t *LocalTransport) Upload(_ context.Context, localPath, remotePath string) error {
	src, err := filepath.Abs(localPath)
	if err != nil {
		return err
	}
	dst, err := filepath.Abs(remotePath)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	if err := fsops.CopyFile(src, dst, 0o755); err != nil {
		return err
	}
	t.mu.Lock()
	t.copied = true
	t.mu.Unlock()
	return nil
}

// Execute starts the runner with its stdio connected to the returned pipes.
func (t *LocalTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil, nil, fmt.Errorf("runner already started")
	}

	argv := []string{remotePath}
	if t.copied {
		argv = append(argv, "--self-delete")
	}
	argv = append(argv, t.Args...)
	if t.UseSudo {
		argv = append([]string{"sudo", "-n"}, argv...)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = t.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", remotePath, err)
	}
	t.cmd = cmd
	return stdin, stdout, nil
}

// Cleanup waits for the runner to exit and removes the copy made by Upload,
// if the runner did not delete itself.
func (t *LocalTransport) Cleanup(_ context.Context, remotePath string) error {
	t.mu.Lock()
	cmd, copied := t.cmd, t.copied
	t.cmd, t.copied = nil, false
	t.mu.Unlock()

	var waitErr error
	if cmd != nil {
		waitErr = cmd.Wait()
	}
	if copied {
		if err := os.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return waitErr
}

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Command describes a process to run on the managed node.
type Command struct {
	// Argv runs a program directly. Mutually exclusive with Script.
	Argv []string

	// Script runs through the executor's shell with -c.
	Script string

	// Dir is the working directory.
	Dir string

	// Env adds variables on top of the inherited environment.
	Env map[string]string

	// Stdin, if set, is streamed to the process.
	Stdin io.Reader
}

// String renders the command for logs and results.
func (c Command) String() string {
	if c.Script != "" {
		return c.Script
	}
	return strings.Join(c.Argv, " ")
}

// CommandResult contains the outcome of a process.
type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Executor runs commands on the managed node. Implementations return an error
// only when the process could not be run at all; a non-zero exit is reported
// through CommandResult.ExitCode.
type Executor interface {
	Run(ctx context.Context, cmd Command) (*CommandResult, error)
}

// LocalExecutor runs commands on the local machine, optionally through sudo.
type LocalExecutor struct {
	// Shell interprets Script commands. Defaults to /bin/sh.
	Shell string

	// UseSudo elevates every command with sudo.
	UseSudo bool

	// SudoPassword is written to sudo's stdin when set.
	SudoPassword string
}

// NewLocalExecutor returns an executor running commands as the current user.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{Shell: "/bin/sh"}
}

// Run executes a command.
func (e *LocalExecutor) Run(ctx context.Context, c Command) (*CommandResult, error) {
	if c.Script == "" && len(c.Argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	argv := c.Argv
	if c.Script != "" {
		argv = []string{shell, "-c", c.Script}
	}

	stdin := c.Stdin
	if e.UseSudo {
		argv = append([]string{"sudo", "-S", "-E"}, argv...)
		if e.SudoPassword != "" {
			// sudo consumes the first line before the command reads stdin
			prefix := strings.NewReader(e.SudoPassword + "\n")
			if stdin != nil {
				stdin = io.MultiReader(prefix, stdin)
			} else {
				stdin = prefix
			}
		}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = stdin
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), envPairs(c.Env)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().
		Str("command", c.String()).
		Str("dir", c.Dir).
		Bool("sudo", e.UseSudo).
		Msg("executing command")

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	return result, nil
}

// RunChecked runs a command and converts both start failures and non-zero
// exits into transport errors.
func RunChecked(ctx context.Context, ex Executor, c Command) (*CommandResult, error) {
	res, err := ex.Run(ctx, c)
	if err != nil {
		return nil, NewTransportError("command could not be started", err).
			WithOperation(c.String())
	}
	if res.ExitCode != 0 {
		return res, NewTransportError("non-zero return code", fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))).
			WithCode(ErrCodeNonZeroExit).
			WithOperation(c.String()).
			WithDetail("rc", res.ExitCode).
			WithDetail("dir", c.Dir)
	}
	return res, nil
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return pairs
}

package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLocalExecutor_Run_Script(t *testing.T) {
	ex := NewLocalExecutor()

	res, err := ex.Run(context.Background(), Command{Script: "echo hello; echo oops >&2"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("Expected exit 0, got %d", res.ExitCode)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hello" {
		t.Errorf("Unexpected stdout %q", res.Stdout)
	}
	if strings.TrimSpace(string(res.Stderr)) != "oops" {
		t.Errorf("Unexpected stderr %q", res.Stderr)
	}
}

func TestLocalExecutor_Run_NonZeroExit(t *testing.T) {
	ex := NewLocalExecutor()

	res, err := ex.Run(context.Background(), Command{Script: "exit 3"})
	if err != nil {
		t.Fatalf("Expected no error for non-zero exit, got: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("Expected exit 3, got %d", res.ExitCode)
	}
}

func TestLocalExecutor_Run_StdinEnvDir(t *testing.T) {
	ex := NewLocalExecutor()
	dir := t.TempDir()

	res, err := ex.Run(context.Background(), Command{
		Script: `cat; printf ":%s:" "$FOUNDATION_TEST"; pwd`,
		Dir:    dir,
		Env:    map[string]string{"FOUNDATION_TEST": "value"},
		Stdin:  strings.NewReader("input"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	out := string(res.Stdout)
	if !strings.HasPrefix(out, "input:value:") {
		t.Errorf("Unexpected stdout %q", out)
	}
	if !strings.Contains(out, dir) {
		t.Errorf("Expected working directory %s in %q", dir, out)
	}
}

func TestLocalExecutor_Run_MissingBinary(t *testing.T) {
	ex := NewLocalExecutor()

	if _, err := ex.Run(context.Background(), Command{Argv: []string{"/nonexistent/binary"}}); err == nil {
		t.Errorf("Expected error for missing binary")
	}
}

func TestLocalExecutor_Run_EmptyCommand(t *testing.T) {
	if _, err := NewLocalExecutor().Run(context.Background(), Command{}); err == nil {
		t.Errorf("Expected error for empty command")
	}
}

func TestRunChecked(t *testing.T) {
	ex := NewLocalExecutor()

	if _, err := RunChecked(context.Background(), ex, Command{Argv: []string{"true"}}); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	_, err := RunChecked(context.Background(), ex, Command{Script: "echo failed >&2; exit 2"})
	if !IsTransport(err) {
		t.Fatalf("Expected transport error, got %v", err)
	}

	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected EngineError")
	}
	if ee.Code != ErrCodeNonZeroExit {
		t.Errorf("Expected code %s, got %s", ErrCodeNonZeroExit, ee.Code)
	}
	if ee.Details["rc"] != 2 {
		t.Errorf("Expected rc detail 2, got %v", ee.Details["rc"])
	}
	if !strings.Contains(ee.Error(), "failed") {
		t.Errorf("Expected stderr in message, got %q", ee.Error())
	}
}

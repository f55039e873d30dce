package service

import (
	"context"
	"strings"

	"github.com/openfroyo/foundation/pkg/engine"
)

// Scope selects the system or per-user service manager.
type Scope string

const (
	ScopeSystem Scope = "system"
	ScopeUser   Scope = "user"
)

// Manager observes and changes units.
type Manager interface {
	Status(ctx context.Context, unit string) (UnitState, error)
	Run(ctx context.Context, p Primitive, unit string) error
	DaemonReload(ctx context.Context) error
}

// Systemctl manages units through systemctl on the executor.
type Systemctl struct {
	executor engine.Executor
	scope    Scope
	headless bool
}

// NewSystemctl returns a manager for scope. Headless managers talk to the
// unit files only, without a running systemd.
func NewSystemctl(executor engine.Executor, scope Scope, headless bool) *Systemctl {
	if scope == "" {
		scope = ScopeSystem
	}
	return &Systemctl{executor: executor, scope: scope, headless: headless}
}

// Status reads the unit's activity and enablement. A headless unit is never
// active.
func (s *Systemctl) Status(ctx context.Context, unit string) (UnitState, error) {
	var st UnitState

	res, err := s.executor.Run(ctx, s.command("is-enabled", unit))
	if err != nil {
		return st, engine.NewTransportError("failed to query unit", err).WithResource(unit)
	}
	switch strings.TrimSpace(string(res.Stdout)) {
	case "enabled", "enabled-runtime", "alias", "static", "generated":
		st.Enabled = true
	case "masked", "masked-runtime":
		st.Masked = true
	}

	if s.headless {
		return st, nil
	}

	res, err = s.executor.Run(ctx, s.command("is-active", unit))
	if err != nil {
		return st, engine.NewTransportError("failed to query unit", err).WithResource(unit)
	}
	switch strings.TrimSpace(string(res.Stdout)) {
	case "active", "activating", "reloading":
		st.Active = true
	}
	return st, nil
}

// Run executes one primitive.
func (s *Systemctl) Run(ctx context.Context, p Primitive, unit string) error {
	_, err := engine.RunChecked(ctx, s.executor, s.command(string(p), unit))
	return err
}

// DaemonReload reloads unit files.
func (s *Systemctl) DaemonReload(ctx context.Context) error {
	_, err := engine.RunChecked(ctx, s.executor, s.command("daemon-reload"))
	return err
}

func (s *Systemctl) command(args ...string) engine.Command {
	argv := []string{"systemctl"}
	if s.scope == ScopeUser {
		argv = append(argv, "--user")
	}
	c := engine.Command{Argv: append(argv, args...)}
	if s.headless {
		c.Env = map[string]string{"SYSTEMD_OFFLINE": "1", "SYSTEMD_IN_CHROOT": "1"}
	}
	return c
}

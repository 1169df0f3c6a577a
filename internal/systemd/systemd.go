// Package systemd controls systemd units through systemctl.
package systemd

import (
	"context"
	"fmt"
	"strings"

	"github.com/oszuidwest/auris/internal/util"
)

// Manager runs systemctl commands.
type Manager struct {
	runner util.CommandRunner
}

// New creates a Manager that runs systemctl through runner.
func New(runner util.CommandRunner) *Manager {
	return &Manager{runner: runner}
}

// IsActive reports whether unit is active. Any failure counts as inactive.
func (m *Manager) IsActive(ctx context.Context, unit string) bool {
	out, err := m.runner.Run(ctx, "systemctl", "is-active", unit)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "active"
}

// Start starts unit.
func (m *Manager) Start(ctx context.Context, unit string) error {
	return m.run(ctx, "start", unit)
}

// Stop stops unit.
func (m *Manager) Stop(ctx context.Context, unit string) error {
	return m.run(ctx, "stop", unit)
}

// Restart restarts unit, starting it if it was stopped.
func (m *Manager) Restart(ctx context.Context, unit string) error {
	return m.run(ctx, "restart", unit)
}

func (m *Manager) run(ctx context.Context, verb, unit string) error {
	if _, err := m.runner.Run(ctx, "systemctl", verb, unit); err != nil {
		return fmt.Errorf("systemctl %s %s: %w", verb, unit, err)
	}
	return nil
}

//go:build !linux

package power

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("power: unsupported OS (linux only)")

type Manager struct{}

func New() *Manager { return &Manager{} }

func (m *Manager) Close() error { return nil }

func (m *Manager) StartPowerOff(ctx context.Context) (int, error) { return 0, ErrUnsupported }

func (m *Manager) CanPowerOff(ctx context.Context) (string, error) { return "", ErrUnsupported }

func (m *Manager) PowerOff(ctx context.Context, interactive bool) error { return ErrUnsupported }

func (m *Manager) LockSessions(ctx context.Context) error { return ErrUnsupported }

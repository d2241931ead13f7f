//go:build linux

package power

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/login1"
	"github.com/godbus/dbus/v5"
)

var ErrUnsupported = errors.New("power: unsupported OS (linux only)")

const (
	logindDest = "org.freedesktop.login1"
	logindPath = dbus.ObjectPath("/org/freedesktop/login1")
	managerIfc = "org.freedesktop.login1.Manager"
)

// Manager holds lazily opened system bus connections. A failed connection
// is retried on the next call.
type Manager struct {
	mu     sync.Mutex
	units  *sddbus.Conn
	bus    *dbus.Conn
	logind *login1.Conn
}

func New() *Manager { return &Manager{} }

// Close closes every open connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.units != nil {
		m.units.Close()
		m.units = nil
	}
	var err error
	if m.bus != nil {
		err = m.bus.Close()
		m.bus = nil
	}
	if m.logind != nil {
		m.logind.Close()
		m.logind = nil
	}
	return err
}

// StartPowerOff queues poweroff.target in replace-irreversibly mode. It
// returns as soon as systemd accepted the job; the job result is not awaited
// because a successful poweroff never reports back.
func (m *Manager) StartPowerOff(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.units == nil {
		conn, err := sddbus.NewSystemConnectionContext(ctx)
		if err != nil {
			m.mu.Unlock()
			return 0, fmt.Errorf("failed to connect to systemd: %w", err)
		}
		m.units = conn
	}
	conn := m.units
	m.mu.Unlock()

	id, err := conn.StartUnitContext(ctx, "poweroff.target", "replace-irreversibly", nil)
	if err != nil {
		m.dropUnits(conn)
		return 0, fmt.Errorf("failed to start poweroff.target: %w", err)
	}
	return id, nil
}

// CanPowerOff asks logind whether the caller may power off. The answer is
// one of "yes", "no", "challenge" or "na".
func (m *Manager) CanPowerOff(ctx context.Context) (string, error) {
	obj, err := m.logindObject()
	if err != nil {
		return "", err
	}
	var answer string
	if err := obj.CallWithContext(ctx, managerIfc+".CanPowerOff", 0).Store(&answer); err != nil {
		return "", fmt.Errorf("CanPowerOff: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// PowerOff calls logind's PowerOff by method name.
func (m *Manager) PowerOff(ctx context.Context, interactive bool) error {
	obj, err := m.logindObject()
	if err != nil {
		return err
	}
	if call := obj.CallWithContext(ctx, managerIfc+".PowerOff", 0, interactive); call.Err != nil {
		return fmt.Errorf("PowerOff: %w", call.Err)
	}
	return nil
}

// LockSessions asks logind to lock every session on the seat.
func (m *Manager) LockSessions(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logind == nil {
		c, err := login1.New()
		if err != nil {
			return fmt.Errorf("failed to connect to logind: %w", err)
		}
		m.logind = c
	}
	m.logind.LockSessions()
	return nil
}

func (m *Manager) logindObject() (dbus.BusObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus == nil {
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to system bus: %w", err)
		}
		m.bus = conn
	}
	return m.bus.Object(logindDest, logindPath), nil
}

func (m *Manager) dropUnits(conn *sddbus.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.units == conn && !conn.Connected() {
		conn.Close()
		m.units = nil
	}
}

// Package power keeps the host awake while a peer is connected.
package power

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

// Lock is a binary wake lock.
type Lock interface {
	Acquire() error
	Release() error
}

// Nop is a Lock that does nothing.
type Nop struct{}

func (Nop) Acquire() error { return nil }
func (Nop) Release() error { return nil }

const (
	login1Service = "org.freedesktop.login1"
	login1Path    = "/org/freedesktop/login1"
	managerIface  = "org.freedesktop.login1.Manager"
)

// Logind holds a systemd-logind sleep inhibitor while acquired.
type Logind struct {
	bus    *dbus.Conn
	logger *slog.Logger

	mu sync.Mutex
	fd *os.File
}

func NewLogind(logger *slog.Logger) (*Logind, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("power: connect system bus: %w", err)
	}
	return &Logind{bus: bus, logger: logger}, nil
}

// Acquire takes the inhibitor. Acquiring twice is a no-op.
func (l *Logind) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd != nil {
		return nil
	}
	var fd dbus.UnixFD
	obj := l.bus.Object(login1Service, dbus.ObjectPath(login1Path))
	call := obj.Call(managerIface+".Inhibit", 0, "sleep", "btmap", "message access session", "block")
	if call.Err != nil {
		return fmt.Errorf("power: Inhibit: %w", call.Err)
	}
	if err := call.Store(&fd); err != nil {
		return fmt.Errorf("power: decode Inhibit: %w", err)
	}
	l.fd = os.NewFile(uintptr(fd), "inhibit")
	l.logger.Debug("wake lock acquired")
	return nil
}

// Release drops the inhibitor by closing its descriptor.
func (l *Logind) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd == nil {
		return nil
	}
	err := l.fd.Close()
	l.fd = nil
	l.logger.Debug("wake lock released")
	return err
}

func (l *Logind) Close() error {
	l.Release()
	return l.bus.Close()
}

// Package bluez implements the transport on top of BlueZ: every listener
// exports an org.bluez.Profile1 object, registers it with the profile
// manager together with its SDP record, and receives RFCOMM sockets through
// NewConnection.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"

	"github.io/infrasutra/btmap/internal/transport"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
)

var pathCounter uint64

type fdConn struct {
	*os.File
	peer string
}

func (c *fdConn) Peer() string { return c.peer }

type newConn struct {
	fd   int
	peer string
}

// profile implements org.bluez.Profile1.
type profile struct {
	ch chan newConn
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection hands the socket to a waiting Accept or rejects it.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	select {
	case p.ch <- newConn{fd: int(fd), peer: macFromPath(dev)}:
		return nil
	default:
		_ = os.NewFile(uintptr(fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"busy"}}
	}
}

// Transport owns the system bus connection.
type Transport struct {
	bus    *dbus.Conn
	logger *slog.Logger

	mu         sync.Mutex
	client     *profile
	clientPath dbus.ObjectPath
}

func New(logger *slog.Logger) (*Transport, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	return &Transport{bus: bus, logger: logger}, nil
}

func (t *Transport) manager() dbus.BusObject {
	return t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
}

func nextPath(kind string) dbus.ObjectPath {
	id := atomic.AddUint64(&pathCounter, 1)
	return dbus.ObjectPath("/org/infrasutra/btmap/" + kind + "/p" + strconv.FormatUint(id, 10))
}

// Listen exports a profile object. BlueZ only listens on the channel once
// the record is registered.
func (t *Transport) Listen(ctx context.Context, channel int) (transport.Listener, error) {
	l := &listener{
		t:       t,
		channel: channel,
		prof:    &profile{ch: make(chan newConn, 1)},
		path:    nextPath("mas"),
		done:    make(chan struct{}),
	}
	if err := t.bus.Export(l.prof, l.path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export profile: %w", err)
	}
	return l, nil
}

// Dial connects the notification profile of peer.
func (t *Transport) Dial(ctx context.Context, peer string) (transport.Conn, error) {
	t.mu.Lock()
	if t.client == nil {
		prof := &profile{ch: make(chan newConn, 1)}
		path := nextPath("mns")
		if err := t.bus.Export(prof, path, profileInterfaceName); err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("bluez: export client profile: %w", err)
		}
		opts := map[string]dbus.Variant{"Role": dbus.MakeVariant("client")}
		if call := t.manager().Call(profileManagerIface+".RegisterProfile", 0, path, transport.MNSUUID, opts); call.Err != nil {
			_ = t.bus.Export(nil, path, profileInterfaceName)
			t.mu.Unlock()
			return nil, fmt.Errorf("bluez: RegisterProfile(client): %w", call.Err)
		}
		t.client, t.clientPath = prof, path
	}
	ch := t.client.ch
	t.mu.Unlock()

	devPath, err := t.devicePath(peer)
	if err != nil {
		return nil, err
	}
	if call := t.bus.Object(bluezService, devPath).CallWithContext(ctx, deviceIface+".ConnectProfile", 0, transport.MNSUUID); call.Err != nil {
		return nil, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
	case c := <-ch:
		return &fdConn{File: os.NewFile(uintptr(c.fd), "rfcomm"), peer: strings.ToUpper(peer)}, nil
	}
}

func (t *Transport) devicePath(peer string) (dbus.ObjectPath, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := t.bus.Object(bluezService, dbus.ObjectPath("/"))
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return "", fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return "", fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if v, ok := props["Address"]; ok {
			if addr, _ := v.Value().(string); strings.EqualFold(addr, peer) {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("bluez: unknown device %s", peer)
}

// Close unregisters the client profile and closes the bus.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		_ = t.manager().Call(profileManagerIface+".UnregisterProfile", 0, t.clientPath).Err
		_ = t.bus.Export(nil, t.clientPath, profileInterfaceName)
		t.client = nil
	}
	return t.bus.Close()
}

type listener struct {
	t       *Transport
	channel int
	prof    *profile
	path    dbus.ObjectPath

	mu         sync.Mutex
	registered bool
	done       chan struct{}
	once       sync.Once
}

func (l *listener) Channel() int { return l.channel }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, transport.ErrClosed
	case c := <-l.prof.ch:
		return &fdConn{File: os.NewFile(uintptr(c.fd), "rfcomm"), peer: c.peer}, nil
	}
}

func (l *listener) Register(rec transport.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.registered {
		return nil
	}
	rec.Channel = l.channel
	opts := map[string]dbus.Variant{
		"Name":          dbus.MakeVariant(rec.ServiceName),
		"Role":          dbus.MakeVariant("server"),
		"Channel":       dbus.MakeVariant(uint16(rec.Channel)),
		"ServiceRecord": dbus.MakeVariant(ServiceRecord(rec)),
	}
	if rec.PSM > 0 {
		opts["PSM"] = dbus.MakeVariant(uint16(rec.PSM))
	}
	if call := l.t.manager().Call(profileManagerIface+".RegisterProfile", 0, l.path, transport.MASUUID, opts); call.Err != nil {
		var dbusErr dbus.Error
		if errors.As(call.Err, &dbusErr) && dbusErr.Name == "org.bluez.Error.NotPermitted" {
			return fmt.Errorf("%w: channel %d", transport.ErrInUse, l.channel)
		}
		return fmt.Errorf("bluez: RegisterProfile: %w", call.Err)
	}
	l.registered = true
	l.t.logger.Info("service record registered", "name", rec.ServiceName, "channel", rec.Channel, "mas_id", rec.MasID)
	return nil
}

func (l *listener) Unregister() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.registered {
		return nil
	}
	l.registered = false
	if err := l.t.manager().Call(profileManagerIface+".UnregisterProfile", 0, l.path).Err; err != nil {
		return fmt.Errorf("bluez: UnregisterProfile: %w", err)
	}
	return nil
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.Unregister()
		_ = l.t.bus.Export(nil, l.path, profileInterfaceName)
	})
	return err
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(s[idx+5:], "_", ":"))
}

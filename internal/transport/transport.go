// Package transport defines the connection-oriented byte stream the MAP
// server runs on, and the service record announced for each listener.
package transport

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrClosed is returned by Accept after the listener was closed.
	ErrClosed = errors.New("transport: listener closed")
	// ErrInUse is returned by Listen for a channel that is taken.
	ErrInUse = errors.New("transport: channel in use")
)

// MAP service class UUIDs.
const (
	MASUUID = "00001132-0000-1000-8000-00805f9b34fb"
	MNSUUID = "00001133-0000-1000-8000-00805f9b34fb"
)

// Conn is one established connection.
type Conn interface {
	io.ReadWriteCloser
	// Peer is the remote device address, upper case.
	Peer() string
}

// Record is the discovery record of one message access endpoint.
type Record struct {
	ServiceName    string
	Channel        int
	PSM            int
	Version        uint16
	MasID          uint8
	SupportedTypes uint8
	Features       uint32
}

// Listener accepts connections on one channel and announces its record.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Register(rec Record) error
	Unregister() error
	Close() error
	Channel() int
}

// Transport opens listeners and dials peers.
type Transport interface {
	Listen(ctx context.Context, channel int) (Listener, error)
	Dial(ctx context.Context, peer string) (Conn, error)
}

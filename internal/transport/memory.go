package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
)

type pipeConn struct {
	net.Conn
	peer string
}

func (c *pipeConn) Peer() string { return c.peer }

// Memory is an in-process transport built on net.Pipe.
type Memory struct {
	mu        sync.Mutex
	listeners map[int]*memListener
	records   map[int]Record
	dials     chan Conn
}

func NewMemory() *Memory {
	return &Memory{
		listeners: make(map[int]*memListener),
		records:   make(map[int]Record),
		dials:     make(chan Conn, 8),
	}
}

// Listen opens channel; zero picks the lowest free channel.
func (m *Memory) Listen(ctx context.Context, channel int) (Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if channel == 0 {
		channel = 1
		for m.listeners[channel] != nil {
			channel++
		}
	}
	if m.listeners[channel] != nil {
		return nil, fmt.Errorf("%w: %d", ErrInUse, channel)
	}
	l := &memListener{
		m:       m,
		channel: channel,
		conns:   make(chan Conn),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	m.listeners[channel] = l
	return l, nil
}

// Connect opens a connection from peer to the listener on channel and
// returns the peer's end.
func (m *Memory) Connect(ctx context.Context, channel int, peer string) (Conn, error) {
	m.mu.Lock()
	l := m.listeners[channel]
	m.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("transport: no listener on channel %d", channel)
	}
	local, remote := net.Pipe()
	select {
	case l.conns <- &pipeConn{Conn: remote, peer: strings.ToUpper(peer)}:
		return &pipeConn{Conn: local, peer: fmt.Sprintf("channel-%d", channel)}, nil
	case <-l.done:
		local.Close()
		remote.Close()
		return nil, ErrClosed
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

// FailAccept makes the next Accept on channel return err.
func (m *Memory) FailAccept(channel int, err error) {
	m.mu.Lock()
	l := m.listeners[channel]
	m.mu.Unlock()
	if l != nil {
		select {
		case l.errs <- err:
		default:
		}
	}
}

// Dial hands the far end of a new pipe to NextDial.
func (m *Memory) Dial(ctx context.Context, peer string) (Conn, error) {
	local, remote := net.Pipe()
	select {
	case m.dials <- &pipeConn{Conn: remote, peer: "local"}:
		return &pipeConn{Conn: local, peer: strings.ToUpper(peer)}, nil
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

// NextDial returns the far end of the next Dial.
func (m *Memory) NextDial(ctx context.Context) (Conn, error) {
	select {
	case c := <-m.dials:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Records returns the registered records by channel.
func (m *Memory) Records() map[int]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]Record, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

type memListener struct {
	m       *Memory
	channel int
	conns   chan Conn
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func (l *memListener) Channel() int { return l.channel }

func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case err := <-l.errs:
		return nil, err
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Register(rec Record) error {
	rec.Channel = l.channel
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.m.records[l.channel] = rec
	return nil
}

func (l *memListener) Unregister() error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	delete(l.m.records, l.channel)
	return nil
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.m.mu.Lock()
		defer l.m.mu.Unlock()
		if l.m.listeners[l.channel] == l {
			delete(l.m.listeners, l.channel)
		}
		delete(l.m.records, l.channel)
	})
	return nil
}

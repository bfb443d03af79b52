package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

type tcpConn struct {
	net.Conn
	peer string
}

func (c *tcpConn) Peer() string { return c.peer }

// TCP serves each channel on BasePort+channel. It stands in for RFCOMM on
// machines without a Bluetooth adapter.
type TCP struct {
	Host     string
	BasePort int
	// MNSAddr is dialed for notification channels.
	MNSAddr string
	Logger  *slog.Logger
}

func (t *TCP) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

func (t *TCP) Listen(ctx context.Context, channel int) (Listener, error) {
	var lc net.ListenConfig
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.BasePort+channel))
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %s", ErrInUse, addr)
		}
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &tcpListener{ln: ln.(*net.TCPListener), channel: channel, logger: t.logger()}, nil
}

func (t *TCP) Dial(ctx context.Context, peer string) (Conn, error) {
	if t.MNSAddr == "" {
		return nil, fmt.Errorf("transport: no notification address for %s", peer)
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", t.MNSAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.MNSAddr, err)
	}
	return &tcpConn{Conn: c, peer: strings.ToUpper(peer)}, nil
}

type tcpListener struct {
	ln      *net.TCPListener
	channel int
	logger  *slog.Logger

	mu     sync.Mutex
	record *Record
}

func (l *tcpListener) Channel() int { return l.channel }

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.SetDeadline(time.Now()) })
	defer stop()
	c, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			l.ln.SetDeadline(time.Time{})
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	host, _, _ := net.SplitHostPort(c.RemoteAddr().String())
	return &tcpConn{Conn: c, peer: strings.ToUpper(host)}, nil
}

// Register only logs the record; TCP has no service discovery.
func (l *tcpListener) Register(rec Record) error {
	rec.Channel = l.channel
	l.mu.Lock()
	l.record = &rec
	l.mu.Unlock()
	l.logger.Info("service record registered",
		"name", rec.ServiceName, "addr", l.ln.Addr().String(), "mas_id", rec.MasID)
	return nil
}

func (l *tcpListener) Unregister() error {
	l.mu.Lock()
	l.record = nil
	l.mu.Unlock()
	return nil
}

func (l *tcpListener) Close() error {
	l.Unregister()
	return l.ln.Close()
}

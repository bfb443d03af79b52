package mns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/btmap/internal/appparams"
	"github.io/infrasutra/btmap/internal/obex"
	"github.io/infrasutra/btmap/internal/transport"
)

// Target is the OBEX target of a notification server.
var Target = uuid.MustParse("bb582b41-420c-11db-b0de-0800200c9a66")

const (
	eventReportType = "x-bt/MAP-event-report"
	dialTimeout     = 10 * time.Second
	queueSize       = 64
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("mns: channel closed")

// Dialer opens the outbound connection to a peer.
type Dialer interface {
	Dial(ctx context.Context, peer string) (transport.Conn, error)
}

type registration struct {
	filter  uint32
	version string
}

type command struct {
	masID   uint8
	enabled bool
	reg     *registration
	event   *Event
}

// Channel is the shared outbound notification connection to one peer. The
// connection is opened when the first instance registers and closed when
// the last one deregisters. Reports are sent by a dedicated goroutine.
type Channel struct {
	dialer Dialer
	peer   string
	logger *slog.Logger

	cmds      chan command
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	connected atomic.Bool
	sent      atomic.Int64
}

// Open starts the sender goroutine for peer.
func Open(ctx context.Context, dialer Dialer, peer string, logger *slog.Logger) *Channel {
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		dialer: dialer,
		peer:   peer,
		logger: logger.With("peer", peer),
		cmds:   make(chan command, queueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *Channel) Peer() string { return c.peer }

// Connected reports whether the OBEX connection is up.
func (c *Channel) Connected() bool { return c.connected.Load() }

// Sent is the number of reports the peer accepted.
func (c *Channel) Sent() int64 { return c.sent.Load() }

func (c *Channel) enqueue(cmd command) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return fmt.Errorf("mns: queue full, dropping report for instance %d", cmd.masID)
	}
}

// Register turns reports for masID on or off. filter selects the events
// and version the report format.
func (c *Channel) Register(masID uint8, enabled bool, filter uint32, version string) error {
	cmd := command{masID: masID, enabled: enabled}
	if enabled {
		cmd.reg = &registration{filter: filter, version: version}
	}
	return c.enqueue(cmd)
}

// Notify queues ev for masID. Events for unregistered instances or outside
// the instance's filter are dropped by the sender.
func (c *Channel) Notify(masID uint8, ev Event) error {
	return c.enqueue(command{masID: masID, event: &ev})
}

// Close disconnects and stops the sender.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})
}

type session struct {
	client *obex.Client
	stop   func() bool
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	regs := make(map[uint8]registration)
	var sess *session

	disconnect := func() {
		if sess == nil {
			return
		}
		if err := sess.client.Disconnect(); err != nil {
			c.logger.Debug("notification disconnect", "error", err)
		}
		sess.stop()
		sess.client.Close()
		sess = nil
		c.connected.Store(false)
		c.logger.Info("notification channel closed")
	}
	defer disconnect()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			if cmd.event == nil {
				if cmd.enabled {
					regs[cmd.masID] = *cmd.reg
				} else {
					delete(regs, cmd.masID)
				}
				switch {
				case len(regs) > 0 && sess == nil:
					sess = c.connect(ctx)
				case len(regs) == 0:
					disconnect()
				}
				continue
			}

			reg, ok := regs[cmd.masID]
			if !ok || !cmd.event.Type.Allowed(reg.filter) {
				continue
			}
			if reg.version != Version11 && !cmd.event.Type.legacy() {
				continue
			}
			if sess == nil {
				if sess = c.connect(ctx); sess == nil {
					continue
				}
			}
			if err := c.send(sess.client, cmd.masID, cmd.event, reg.version); err != nil {
				c.logger.Warn("event report failed", "mas_id", cmd.masID, "event", cmd.event.Type, "error", err)
				var oerr *obex.Error
				if !errors.As(err, &oerr) {
					sess.stop()
					sess.client.Close()
					sess = nil
					c.connected.Store(false)
				}
			}
		}
	}
}

func (c *Channel) connect(ctx context.Context) *session {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := c.dialer.Dial(dctx, c.peer)
	if err != nil {
		c.logger.Error("notification dial failed", "error", err)
		return nil
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	client := obex.NewClient(conn, 0)
	if err := client.Connect(Target[:]); err != nil {
		stop()
		conn.Close()
		c.logger.Error("notification connect failed", "error", err)
		return nil
	}
	c.connected.Store(true)
	c.logger.Info("notification channel open")
	return &session{client: client, stop: stop}
}

func (c *Channel) send(client *obex.Client, masID uint8, ev *Event, version string) error {
	body, err := ev.Markup(version)
	if err != nil {
		return err
	}
	var ap appparams.Params
	ap.SetUint8(appparams.MASInstanceID, masID)
	_, err = client.Put([]obex.Header{
		obex.TypeHeader(eventReportType),
		obex.BytesHeader(obex.HeaderAppParams, ap.Encode()),
	}, body)
	if err != nil {
		return err
	}
	c.sent.Add(1)
	c.logger.Debug("event report sent", "mas_id", masID, "event", ev.Type, "handle", ev.Handle)
	return nil
}

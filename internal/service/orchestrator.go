// Package service owns the message access instances of the host: which
// accounts are served, which peer is connected and whether it may read
// messages, and the notification channel back to that peer.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.io/infrasutra/btmap/internal/accounts"
	"github.io/infrasutra/btmap/internal/events"
	"github.io/infrasutra/btmap/internal/mas"
	"github.io/infrasutra/btmap/internal/power"
	"github.io/infrasutra/btmap/internal/store"
	"github.io/infrasutra/btmap/internal/transport"
)

var (
	// ErrNotRunning is returned by calls made while Run is not active.
	ErrNotRunning = errors.New("service: orchestrator not running")
	// ErrUnknownPeer is returned by Disconnect for a peer that is not
	// connected.
	ErrUnknownPeer = errors.New("service: peer not connected")
)

const (
	DefaultAuthTimeout   = 25 * time.Second
	DefaultWakeLockDelay = 10 * time.Second
)

// AuthState is the authorization position of the connected peer.
type AuthState int

const (
	AuthIdle AuthState = iota
	AuthAwaitingDecision
	AuthAllowed
	AuthRejected
)

func (a AuthState) String() string {
	switch a {
	case AuthIdle:
		return "idle"
	case AuthAwaitingDecision:
		return "awaiting_decision"
	case AuthAllowed:
		return "allowed"
	case AuthRejected:
		return "rejected"
	}
	return fmt.Sprintf("auth(%d)", int(a))
}

// AccountSource supplies the accounts to serve.
type AccountSource interface {
	EnabledAccounts(ctx context.Context) ([]accounts.Account, error)
}

// Permissions remembers access decisions per peer.
type Permissions interface {
	Permission(ctx context.Context, peer string) (store.Permission, error)
	SetPermission(ctx context.Context, peer string, allowed bool, now time.Time) error
}

// AccessRequester asks for a decision on an unknown peer. It must not
// block; the answer comes back through Orchestrator.ReplyAccess.
type AccessRequester interface {
	RequestAccess(peer string)
}

// Config wires an Orchestrator.
type Config struct {
	Transport   transport.Transport
	Messages    mas.Store
	Permissions Permissions
	Changes     *events.Hub[events.Change]
	Accounts    AccountSource
	Relay       mas.Relay
	Requester   AccessRequester
	// AutoAccept lists peers allowed without asking.
	AutoAccept []string
	// SMSCapable adds the SMS/MMS instance with id 0.
	SMSCapable bool
	CDMA       bool
	// BaseChannel is the channel of instance 0; instance n listens on
	// BaseChannel+n. Zero lets the transport pick.
	BaseChannel int
	// ListLimit is the listing size for requests without MaxListCount.
	ListLimit     int
	AuthTimeout   time.Duration
	WakeLockDelay time.Duration
	Lock          power.Lock
	Logger        *slog.Logger
}

// Orchestrator runs the control loop. All of its state is owned by the
// goroutine inside Run; the exported methods post messages to it.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	q      *queue
	done   chan struct{}
}

func New(cfg Config) *Orchestrator {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.WakeLockDelay <= 0 {
		cfg.WakeLockDelay = DefaultWakeLockDelay
	}
	if cfg.Lock == nil {
		cfg.Lock = power.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "orchestrator"),
		q:      newQueue(),
		done:   make(chan struct{}),
	}
}

// Run creates the instances, starts listening and processes messages until
// ctx is done. Everything is torn down before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	s := newState()
	o.start(ctx, s)
	for {
		select {
		case <-ctx.Done():
			o.teardown(s)
			return nil
		case <-o.q.signal:
			for _, m := range o.q.drain() {
				o.handle(ctx, s, m)
			}
		}
	}
}

// UpdateInstances reconciles the instances with the enabled accounts. While
// a peer is connected the update is deferred to the next full disconnect.
func (o *Orchestrator) UpdateInstances(reason string) {
	o.q.post(updateInstances{reason: reason})
}

// ReplyAccess answers a pending access request. remember stores the
// decision for later connections of peer.
func (o *Orchestrator) ReplyAccess(peer string, allow, remember bool) {
	o.q.post(accessReply{peer: peer, allow: allow, remember: remember})
}

// Disconnect closes every session and pending connection of peer.
func (o *Orchestrator) Disconnect(ctx context.Context, peer string) error {
	reply := make(chan error, 1)
	o.q.post(disconnectRequest{peer: peer, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a snapshot of the orchestrator state.
type Status struct {
	Auth           string              `json:"auth"`
	Peer           string              `json:"peer,omitempty"`
	Pending        int                 `json:"pending"`
	DeferredUpdate bool                `json:"deferred_update"`
	Notifications  *NotificationStatus `json:"notifications,omitempty"`
	Instances      []InstanceStatus    `json:"instances"`
}

type NotificationStatus struct {
	Connected bool  `json:"connected"`
	Sent      int64 `json:"sent"`
}

type InstanceStatus struct {
	ID                  uint8  `json:"id"`
	Name                string `json:"name"`
	Mailbox             string `json:"mailbox"`
	State               string `json:"state"`
	Channel             int    `json:"channel"`
	Connected           bool   `json:"connected"`
	FolderVersion       uint64 `json:"folder_version"`
	ConversationVersion uint64 `json:"conversation_version"`
	DatabaseID          string `json:"database_id"`
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	o.q.post(statusRequest{reply: reply})
	select {
	case st := <-reply:
		return st, nil
	case <-o.done:
		return Status{}, ErrNotRunning
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// hooks adapts the orchestrator to mas.Hooks. Every call only posts.
type hooks struct {
	q *queue
}

func (h hooks) Accepted(inst *mas.Instance, conn transport.Conn) {
	h.q.post(accepted{inst: inst, conn: conn})
}

func (h hooks) AcceptFailed(inst *mas.Instance, err error) {
	h.q.post(acceptFailed{inst: inst, err: err})
}

func (h hooks) SessionEnded(inst *mas.Instance) {
	h.q.post(sessionEnded{inst: inst})
}

func (h hooks) Activity(inst *mas.Instance) {
	h.q.post(activity{})
}

func (h hooks) NotificationRegistration(inst *mas.Instance, enabled bool, filter uint32, version string) {
	h.q.post(notificationRegistration{inst: inst, enabled: enabled, filter: filter, version: version})
}

// NextMasID allocates an account instance id: one above the highest id in
// use, or the lowest free id in [1,255] once 255 is taken. Id 0 belongs to
// the SMS/MMS instance. ok is false when every id is in use.
func NextMasID(used map[uint8]bool) (id uint8, ok bool) {
	var highest uint8
	for u := range used {
		highest = max(highest, u)
	}
	if highest < 255 {
		return highest + 1, true
	}
	for i := 1; i <= 255; i++ {
		if !used[uint8(i)] {
			return uint8(i), true
		}
	}
	return 0, false
}

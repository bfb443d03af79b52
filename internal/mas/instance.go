// Package mas runs one Message Access Server instance: the listen, accept
// and serve cycle of one mailbox and the OBEX requests of its sessions.
package mas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.io/infrasutra/btmap/internal/accounts"
	"github.io/infrasutra/btmap/internal/events"
	"github.io/infrasutra/btmap/internal/listing"
	"github.io/infrasutra/btmap/internal/mns"
	"github.io/infrasutra/btmap/internal/obex"
	"github.io/infrasutra/btmap/internal/store"
	"github.io/infrasutra/btmap/internal/transport"
)

// Target is the OBEX target of a message access server.
var Target = uuid.MustParse("bb582b40-420c-11db-b0de-0800200c9a66")

// ErrShutdown is returned by an instance after Shutdown.
var ErrShutdown = errors.New("mas: instance shut down")

// ProfileVersion is the MAP version announced in the service record.
const ProfileVersion uint16 = 0x0104

// MAP supported feature bits.
const (
	FeatureNotificationRegistration uint32 = 1 << iota
	FeatureNotification
	FeatureBrowsing
	FeatureUploading
	FeatureDelete
	FeatureInstanceInformation
	FeatureExtendedEventReport11
	FeatureEventReport12
	FeatureMessageFormat11
	FeatureMessageListingFormat11
	FeaturePersistentMessageHandles
	FeatureDatabaseIdentifier
	FeatureFolderVersionCounter
	FeatureConversationVersionCounters
	FeatureParticipantPresence
	FeatureParticipantChatState
	FeaturePBAPContactCrossReference
	FeatureNotificationFiltering
	FeatureUTCOffsetTimestamp
	FeatureSupportedFeaturesInConnect
	FeatureConversationListing
	FeatureOwnerStatus
)

// DefaultFeatures is everything this server implements.
const DefaultFeatures = FeatureNotificationRegistration | FeatureNotification |
	FeatureBrowsing | FeatureUploading | FeatureDelete | FeatureInstanceInformation |
	FeatureExtendedEventReport11 | FeatureMessageFormat11 | FeatureMessageListingFormat11 |
	FeaturePersistentMessageHandles | FeatureDatabaseIdentifier | FeatureFolderVersionCounter |
	FeatureConversationVersionCounters | FeatureNotificationFiltering |
	FeatureUTCOffsetTimestamp | FeatureSupportedFeaturesInConnect | FeatureConversationListing

// peerDefaultFeatures is assumed for peers that do not send their features.
const peerDefaultFeatures uint32 = 0x1F

// SupportedMessageTypes bits of the service record.
const (
	SupportsEmail uint8 = 1 << iota
	SupportsSMSGSM
	SupportsSMSCDMA
	SupportsMMS
	SupportsIM
)

// State is the lifecycle position of an instance.
type State int

const (
	StateIdle State = iota
	StateListening
	StateConnected
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Store is the message store an instance serves.
type Store interface {
	ListMessages(ctx context.Context, mailbox string, f store.Filter) ([]store.Message, error)
	GetMessage(ctx context.Context, mailbox string, id int64) (store.Message, error)
	InsertMessage(ctx context.Context, m store.Message) (int64, error)
	SetRead(ctx context.Context, mailbox string, ids []int64, read bool) error
	SetDeleted(ctx context.Context, mailbox string, ids []int64, deleted bool) error
	MoveMessage(ctx context.Context, mailbox string, ids []int64, folder string) error
	DeleteMessages(ctx context.Context, mailbox string, ids []int64) error
	ListConversations(ctx context.Context, mailbox string, f store.ConversationFilter) ([]store.Conversation, error)
	OwnerStatus(ctx context.Context, mailbox string) (store.OwnerStatus, error)
	SetOwnerStatus(ctx context.Context, mailbox string, u store.OwnerStatusUpdate, now time.Time) error
}

// Relay sends pushed e-mail.
type Relay interface {
	Send(ctx context.Context, from string, to []string, raw []byte) error
}

// Hooks is how an instance reports to its owner. Every call must return
// without blocking.
type Hooks interface {
	// Accepted hands over an inbound connection awaiting authorization.
	// The owner answers with ServeSession or Reject.
	Accepted(inst *Instance, conn transport.Conn)
	// AcceptFailed reports a listener failure; the accept loop has ended.
	AcceptFailed(inst *Instance, err error)
	// SessionEnded is called once for every served session.
	SessionEnded(inst *Instance)
	// Activity is called for every request of a session.
	Activity(inst *Instance)
	// NotificationRegistration relays the peer's notification settings.
	NotificationRegistration(inst *Instance, enabled bool, filter uint32, version string)
}

// Config describes one instance.
type Config struct {
	ID uint8
	// Account is nil for the SMS/MMS instance.
	Account *accounts.Account
	// CDMA selects SMS_CDMA over SMS_GSM for the SMS/MMS instance.
	CDMA bool
	// Channel is the transport channel; zero lets the transport pick.
	Channel   int
	Features  uint32
	// ListLimit is the listing size used when the peer sends no
	// MaxListCount. Zero keeps pagination.DefaultLimit.
	ListLimit int
	Transport transport.Transport
	Store     Store
	Relay     Relay
	Hooks     Hooks
	Logger    *slog.Logger
}

type activeSession struct {
	conn   transport.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Instance is one mailbox endpoint.
type Instance struct {
	cfg      Config
	mailbox  string
	tree     *listing.Tree
	versions listing.Versions
	restarts *rate.Limiter
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	listener      transport.Listener
	stopAccept    context.CancelFunc
	acceptDone    chan struct{}
	pending       bool
	sess          *activeSession
	dbID          uuid.UUID
	listened      bool
	notifyVersion string
}

// New builds an idle instance.
func New(cfg Config) *Instance {
	if cfg.Features == 0 {
		cfg.Features = DefaultFeatures
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	inst := &Instance{
		cfg:      cfg,
		mailbox:  events.SMSMMSMailbox,
		restarts: rate.NewLimiter(rate.Every(2*time.Second), 3),
		dbID:     uuid.New(),
	}
	if cfg.Account != nil {
		inst.mailbox = cfg.Account.ID
	}
	inst.tree = listing.StandardTree(inst.category())
	inst.logger = cfg.Logger.With("mas_id", cfg.ID, "mailbox", inst.mailbox)
	return inst
}

func (i *Instance) ID() uint8 { return i.cfg.ID }

// Account is nil for the SMS/MMS instance.
func (i *Instance) Account() *accounts.Account { return i.cfg.Account }

// Mailbox is the store mailbox and change topic of the instance.
func (i *Instance) Mailbox() string { return i.mailbox }

// Name is the service name announced for the instance.
func (i *Instance) Name() string {
	if i.cfg.Account != nil {
		return i.cfg.Account.Name
	}
	return "SMS/MMS"
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// DatabaseID identifies the current numbering of message handles.
func (i *Instance) DatabaseID() uuid.UUID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dbID
}

// Channel is the channel of the open listener, or zero.
func (i *Instance) Channel() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.listener == nil {
		return 0
	}
	return i.listener.Channel()
}

func (i *Instance) category() listing.Category {
	if i.cfg.Account == nil {
		return listing.CategorySMSMMS
	}
	if i.cfg.Account.Type == accounts.TypeIM {
		return listing.CategoryIM
	}
	return listing.CategoryEmail
}

// Types lists the message types the instance serves.
func (i *Instance) Types() []listing.MessageType {
	switch i.category() {
	case listing.CategoryIM:
		return []listing.MessageType{listing.TypeIM}
	case listing.CategoryEmail:
		return []listing.MessageType{listing.TypeEmail}
	}
	if i.cfg.CDMA {
		return []listing.MessageType{listing.TypeSMSCDMA, listing.TypeMMS}
	}
	return []listing.MessageType{listing.TypeSMSGSM, listing.TypeMMS}
}

func (i *Instance) serves(t listing.MessageType) bool {
	for _, s := range i.Types() {
		if s == t {
			return true
		}
	}
	return false
}

func (i *Instance) supportedTypes() uint8 {
	var bits uint8
	for _, t := range i.Types() {
		switch t {
		case listing.TypeEmail:
			bits |= SupportsEmail
		case listing.TypeSMSGSM:
			bits |= SupportsSMSGSM
		case listing.TypeSMSCDMA:
			bits |= SupportsSMSCDMA
		case listing.TypeMMS:
			bits |= SupportsMMS
		case listing.TypeIM:
			bits |= SupportsIM
		}
	}
	return bits
}

func (i *Instance) record(channel int) transport.Record {
	features := i.cfg.Features
	if features != 0 && i.category() == listing.CategoryIM {
		features |= FeatureOwnerStatus
	}
	return transport.Record{
		ServiceName:    i.Name(),
		Channel:        channel,
		Version:        ProfileVersion,
		MasID:          i.cfg.ID,
		SupportedTypes: i.supportedTypes(),
		Features:       features,
	}
}

// StartListening opens the listener and announces the service record. With
// a session active it only clears a pending connection; with a listener
// already open it does nothing. The database identifier is regenerated
// when the first listener is created.
func (i *Instance) StartListening(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch {
	case i.state == StateShutdown:
		return ErrShutdown
	case i.sess != nil:
		i.pending = false
		return nil
	case i.listener != nil:
		return nil
	}

	l, err := i.cfg.Transport.Listen(ctx, i.cfg.Channel)
	if err != nil {
		return fmt.Errorf("listen on channel %d: %w", i.cfg.Channel, err)
	}
	if !i.listened {
		i.listened = true
		i.dbID = uuid.New()
	}
	if err := l.Register(i.record(l.Channel())); err != nil {
		i.logger.Error("register service record", "channel", l.Channel(), "error", err)
	}

	acceptCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	i.listener = l
	i.stopAccept = cancel
	i.acceptDone = done
	i.state = StateListening
	go i.acceptLoop(acceptCtx, l, done)

	i.logger.Info("mas instance listening", "channel", l.Channel(), "name", i.Name())
	return nil
}

func (i *Instance) acceptLoop(ctx context.Context, l transport.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			i.logger.Error("accept failed", "error", err)
			i.cfg.Hooks.AcceptFailed(i, err)
			return
		}

		i.mu.Lock()
		busy := i.sess != nil || i.pending
		if !busy {
			i.pending = true
		}
		i.mu.Unlock()
		if busy {
			i.logger.Warn("rejecting connection, instance busy", "peer", conn.Peer())
			conn.Close()
			continue
		}
		i.logger.Info("incoming connection", "peer", conn.Peer())
		i.cfg.Hooks.Accepted(i, conn)
	}
}

// Reject drops a connection handed over by Accepted.
func (i *Instance) Reject(conn transport.Conn) {
	conn.Close()
	i.mu.Lock()
	i.pending = false
	i.mu.Unlock()
}

// ServeSession starts serving an authorized connection. Calling it again
// while a session is active succeeds without doing anything.
func (i *Instance) ServeSession(conn transport.Conn) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateShutdown {
		conn.Close()
		return ErrShutdown
	}
	if i.sess != nil {
		if i.sess.conn != conn {
			conn.Close()
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &activeSession{conn: conn, cancel: cancel, done: make(chan struct{})}
	i.sess = s
	i.pending = false
	i.state = StateConnected
	h := newHandler(i, conn.Peer())
	server := &obex.Server{Target: Target[:], Logger: i.logger}

	go func() {
		defer close(s.done)
		err := server.Serve(ctx, conn, h)
		if err != nil && ctx.Err() == nil {
			i.logger.Warn("session ended", "peer", conn.Peer(), "error", err)
		} else {
			i.logger.Info("session ended", "peer", conn.Peer())
		}
		i.mu.Lock()
		if i.sess == s {
			i.sess = nil
			if i.state == StateConnected {
				i.state = StateListening
			}
		}
		i.mu.Unlock()
		i.cfg.Hooks.SessionEnded(i)
	}()
	return nil
}

// Connected reports whether a session is being served.
func (i *Instance) Connected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sess != nil
}

func (i *Instance) closeSession() {
	i.mu.Lock()
	s := i.sess
	i.sess = nil
	i.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	s.conn.Close()
	<-s.done
}

func (i *Instance) closeListener() {
	i.mu.Lock()
	l, stop, done := i.listener, i.stopAccept, i.acceptDone
	i.listener, i.stopAccept, i.acceptDone = nil, nil, nil
	i.pending = false
	if i.state != StateShutdown {
		i.state = StateIdle
	}
	i.mu.Unlock()
	if l == nil {
		return
	}
	stop()
	if err := l.Unregister(); err != nil {
		i.logger.Warn("unregister service record", "error", err)
	}
	if err := l.Close(); err != nil {
		i.logger.Warn("close listener", "error", err)
	}
	<-done
}

// Restart tears down the session and the listener, then listens again.
func (i *Instance) Restart(ctx context.Context) error {
	i.closeSession()
	i.closeListener()
	return i.StartListening(ctx)
}

// RestartDelay reserves a restart and reports how long to wait before it.
// Repeated failures are paced instead of spinning.
func (i *Instance) RestartDelay() time.Duration {
	return i.restarts.Reserve().Delay()
}

// Shutdown closes everything. The instance cannot be used afterwards.
func (i *Instance) Shutdown() {
	i.mu.Lock()
	if i.state == StateShutdown {
		i.mu.Unlock()
		return
	}
	i.state = StateShutdown
	i.mu.Unlock()
	i.closeSession()
	i.closeListener()
	i.logger.Info("mas instance shut down")
}

func (i *Instance) BumpFolderVersion() uint64 {
	return i.versions.BumpFolder()
}

func (i *Instance) BumpConversationVersion(cat listing.Category) uint64 {
	return i.versions.BumpConversation(cat)
}

// Versions exposes the change counters.
func (i *Instance) Versions() *listing.Versions {
	return &i.versions
}

func (i *Instance) setNotifyVersion(v string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.notifyVersion = v
}

// HandleChange applies one store change batch: the folder counter and each
// touched conversation counter move by one, and the event reports for the
// batch are returned.
func (i *Instance) HandleChange(ch events.Change) []mns.Event {
	if len(ch.Rows) == 0 {
		return nil
	}
	i.BumpFolderVersion()
	var cats listing.Category
	for _, r := range ch.Rows {
		cats |= listing.MessageType(r.Type).Category()
	}
	if cats&listing.CategorySMSMMS != 0 {
		i.BumpConversationVersion(listing.CategorySMSMMS)
	}
	if cats&(listing.CategoryIM|listing.CategoryEmail) != 0 {
		i.BumpConversationVersion(listing.CategoryEmail)
	}

	i.mu.Lock()
	version := i.notifyVersion
	i.mu.Unlock()

	out := make([]mns.Event, 0, len(ch.Rows))
	for _, r := range ch.Rows {
		if ev, ok := eventFor(ch.Op, r, version); ok {
			out = append(out, ev)
		}
	}
	return out
}

func folderPath(name string) string {
	if name == "" {
		return ""
	}
	return "telecom/msg/" + name
}

func eventFor(op events.Op, r events.Row, version string) (mns.Event, bool) {
	t := listing.MessageType(r.Type)
	ev := mns.Event{
		Handle:     listing.FormatHandle(r.ID, t),
		Folder:     folderPath(r.Folder),
		MsgType:    t,
		DateTime:   r.CreatedAt,
		Subject:    r.Subject,
		SenderName: r.SenderName,
		Priority:   listing.BoolFlag(r.Priority),
		ReadStatus: listing.BoolFlag(r.Read),
	}
	if r.ThreadID != 0 {
		ev.ConversationID = listing.ConvoID(r.ThreadID, t)
	}
	switch op {
	case events.OpInsert:
		ev.Type = mns.NewMessage
	case events.OpRead:
		ev.Type = mns.ReadStatusChanged
	case events.OpDelete:
		ev.Type = mns.MessageRemoved
		if version != mns.Version11 {
			ev.Type = mns.MessageDeleted
		}
	case events.OpMove:
		ev.OldFolder = folderPath(r.OldFolder)
		switch {
		case r.Folder == listing.FolderDeleted:
			ev.Type = mns.MessageDeleted
		case r.OldFolder == listing.FolderOutbox && r.Folder == listing.FolderSent:
			ev.Type = mns.SendingSuccess
		default:
			ev.Type = mns.MessageShift
		}
	default:
		return mns.Event{}, false
	}
	return ev, true
}

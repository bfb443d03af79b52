package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.io/infrasutra/btmap/internal/accounts"
	"github.io/infrasutra/btmap/internal/events"
	"github.io/infrasutra/btmap/internal/mas"
	"github.io/infrasutra/btmap/internal/mns"
	"github.io/infrasutra/btmap/internal/store"
	"github.io/infrasutra/btmap/internal/transport"
)

// message is one unit of work for the control loop.
type message interface{}

type (
	accepted struct {
		inst *mas.Instance
		conn transport.Conn
	}
	acceptFailed struct {
		inst *mas.Instance
		err  error
	}
	sessionEnded struct {
		inst *mas.Instance
	}
	activity                 struct{}
	notificationRegistration struct {
		inst    *mas.Instance
		enabled bool
		filter  uint32
		version string
	}
	changed struct {
		inst   *mas.Instance
		change events.Change
	}
	permissionLoaded struct {
		peer    string
		allowed bool
		found   bool
	}
	accessReply struct {
		peer     string
		allow    bool
		remember bool
	}
	updateInstances struct {
		reason string
	}
	disconnectRequest struct {
		peer  string
		reply chan error
	}
	statusRequest struct {
		reply chan Status
	}
	timerFired struct {
		id  uint64
		msg message
	}
	authTimeout     struct{}
	wakeRelease     struct{}
	restartInstance struct {
		inst *mas.Instance
	}
)

type entry struct {
	inst        *mas.Instance
	account     *accounts.Account
	unsubscribe func()
}

// state is owned by the control loop.
type state struct {
	auth    AuthState
	peer    string
	pending map[*mas.Instance]transport.Conn
	serving map[*mas.Instance]bool

	entries map[uint8]*entry
	enabled []accounts.Account

	deferredUpdate bool
	deferredReason string

	timers    map[uint64]*time.Timer
	nextTimer uint64
	authTimer uint64
	wakeTimer uint64
	wakeHeld  bool

	notifications *mns.Channel
}

func newState() *state {
	return &state{
		pending: make(map[*mas.Instance]transport.Conn),
		serving: make(map[*mas.Instance]bool),
		entries: make(map[uint8]*entry),
		timers:  make(map[uint64]*time.Timer),
	}
}

func (s *state) live(inst *mas.Instance) bool {
	e, ok := s.entries[inst.ID()]
	return ok && e.inst == inst
}

func (s *state) disconnected() bool {
	return s.auth == AuthIdle && len(s.serving) == 0 && len(s.pending) == 0
}

// after posts m once d has passed, unless the timer is cancelled first.
func (o *Orchestrator) after(s *state, d time.Duration, m message) uint64 {
	s.nextTimer++
	id := s.nextTimer
	s.timers[id] = time.AfterFunc(d, func() {
		o.q.post(timerFired{id: id, msg: m})
	})
	return id
}

func (o *Orchestrator) cancel(s *state, id uint64) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (o *Orchestrator) start(ctx context.Context, s *state) {
	if o.cfg.SMSCapable {
		o.addInstance(ctx, s, 0, nil)
	}
	o.reconcile(ctx, s, "startup")
}

func (o *Orchestrator) teardown(s *state) {
	for id := range s.timers {
		o.cancel(s, id)
	}
	for inst, conn := range s.pending {
		inst.Reject(conn)
	}
	clear(s.pending)
	for id, e := range s.entries {
		e.unsubscribe()
		e.inst.Shutdown()
		delete(s.entries, id)
	}
	if s.notifications != nil {
		s.notifications.Close()
		s.notifications = nil
	}
	if s.wakeHeld {
		o.releaseWakeLock(s)
	}
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) handle(ctx context.Context, s *state, m message) {
	switch m := m.(type) {
	case timerFired:
		if _, ok := s.timers[m.id]; !ok {
			return
		}
		delete(s.timers, m.id)
		o.handle(ctx, s, m.msg)
	case accepted:
		o.onAccepted(ctx, s, m.inst, m.conn)
	case acceptFailed:
		o.onAcceptFailed(s, m.inst, m.err)
	case restartInstance:
		o.onRestart(ctx, s, m.inst)
	case sessionEnded:
		delete(s.serving, m.inst)
		o.maybeIdle(ctx, s)
	case activity:
		o.touchWakeLock(s)
	case wakeRelease:
		o.releaseWakeLock(s)
	case notificationRegistration:
		o.onNotificationRegistration(ctx, s, m)
	case changed:
		o.onChange(s, m.inst, m.change)
	case permissionLoaded:
		o.onPermission(ctx, s, m)
	case accessReply:
		o.onAccessReply(ctx, s, m)
	case authTimeout:
		o.onAuthTimeout(ctx, s)
	case updateInstances:
		if !s.disconnected() {
			o.logger.Info("instance update deferred until disconnect", "reason", m.reason)
			s.deferredUpdate, s.deferredReason = true, m.reason
			return
		}
		o.reconcile(ctx, s, m.reason)
	case disconnectRequest:
		m.reply <- o.onDisconnect(ctx, s, m.peer)
	case statusRequest:
		m.reply <- o.status(s)
	default:
		o.logger.Error("unknown control message", "type", m)
	}
}

func (o *Orchestrator) onAccepted(ctx context.Context, s *state, inst *mas.Instance, conn transport.Conn) {
	if !s.live(inst) {
		conn.Close()
		return
	}
	peer := conn.Peer()
	logger := o.logger.With("peer", peer, "mas_id", inst.ID())
	if s.peer != "" && !strings.EqualFold(s.peer, peer) {
		logger.Error("rejecting second peer", "connected_peer", s.peer)
		inst.Reject(conn)
		return
	}

	switch s.auth {
	case AuthAllowed:
		o.serve(ctx, s, inst, conn)
	case AuthRejected:
		inst.Reject(conn)
		o.maybeIdle(ctx, s)
	case AuthAwaitingDecision:
		s.pending[inst] = conn
	case AuthIdle:
		s.peer = peer
		s.auth = AuthAwaitingDecision
		s.pending[inst] = conn
		logger.Info("peer connecting, checking permission")
		go o.loadPermission(peer)
	}
}

func (o *Orchestrator) loadPermission(peer string) {
	msg := permissionLoaded{peer: peer}
	if o.cfg.Permissions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p, err := o.cfg.Permissions.Permission(ctx, peer)
		switch {
		case err == nil:
			msg.allowed, msg.found = p.Allowed, true
		case !errors.Is(err, store.ErrNotFound):
			o.logger.Warn("failed to load permission", "peer", peer, "error", err)
		}
	}
	o.q.post(msg)
}

func (o *Orchestrator) autoAccepted(peer string) bool {
	return slices.ContainsFunc(o.cfg.AutoAccept, func(p string) bool {
		return strings.EqualFold(strings.TrimSpace(p), peer)
	})
}

func (o *Orchestrator) onPermission(ctx context.Context, s *state, m permissionLoaded) {
	if s.auth != AuthAwaitingDecision || !strings.EqualFold(s.peer, m.peer) {
		return
	}
	switch {
	case m.found:
		o.logger.Info("stored access decision", "peer", m.peer, "allowed", m.allowed)
		o.decide(ctx, s, m.allowed)
	case o.autoAccepted(m.peer):
		o.logger.Info("peer auto-accepted", "peer", m.peer)
		o.decide(ctx, s, true)
	default:
		o.logger.Info("asking for access decision", "peer", m.peer, "timeout", o.cfg.AuthTimeout)
		s.authTimer = o.after(s, o.cfg.AuthTimeout, authTimeout{})
		if o.cfg.Requester != nil {
			o.cfg.Requester.RequestAccess(m.peer)
		}
	}
}

func (o *Orchestrator) onAccessReply(ctx context.Context, s *state, m accessReply) {
	if s.auth != AuthAwaitingDecision || !strings.EqualFold(s.peer, m.peer) {
		o.logger.Warn("access reply for no pending request", "peer", m.peer)
		return
	}
	o.cancel(s, s.authTimer)
	if m.remember && o.cfg.Permissions != nil {
		peer, allow := s.peer, m.allow
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.cfg.Permissions.SetPermission(ctx, peer, allow, time.Now()); err != nil {
				o.logger.Error("failed to store permission", "peer", peer, "error", err)
			}
		}()
	}
	o.decide(ctx, s, m.allow)
}

func (o *Orchestrator) decide(ctx context.Context, s *state, allow bool) {
	if !allow {
		o.logger.Info("access rejected", "peer", s.peer)
		s.auth = AuthRejected
		for inst, conn := range s.pending {
			inst.Reject(conn)
		}
		clear(s.pending)
		o.maybeIdle(ctx, s)
		return
	}
	o.logger.Info("access allowed", "peer", s.peer)
	s.auth = AuthAllowed
	for inst, conn := range s.pending {
		delete(s.pending, inst)
		o.serve(ctx, s, inst, conn)
	}
	o.maybeIdle(ctx, s)
}

// onAuthTimeout treats an unanswered request as a rejection that is not
// remembered: every instance starts over and the peer is asked again on
// its next attempt.
func (o *Orchestrator) onAuthTimeout(ctx context.Context, s *state) {
	if s.auth != AuthAwaitingDecision {
		return
	}
	o.logger.Warn("access request timed out", "peer", s.peer)
	for inst, conn := range s.pending {
		inst.Reject(conn)
	}
	clear(s.pending)
	for _, e := range s.entries {
		o.restart(ctx, s, e.inst)
	}
	s.auth, s.peer = AuthIdle, ""
	o.maybeIdle(ctx, s)
}

func (o *Orchestrator) serve(ctx context.Context, s *state, inst *mas.Instance, conn transport.Conn) {
	if err := inst.ServeSession(conn); err != nil {
		o.logger.Error("failed to serve session", "mas_id", inst.ID(), "error", err)
		return
	}
	s.serving[inst] = true
	if s.notifications == nil {
		s.notifications = mns.Open(ctx, o.cfg.Transport, s.peer, o.logger)
	}
	o.touchWakeLock(s)
}

// maybeIdle returns to Idle once the peer has neither sessions nor pending
// connections, and replays a deferred instance update.
func (o *Orchestrator) maybeIdle(ctx context.Context, s *state) {
	if len(s.serving) > 0 || len(s.pending) > 0 || s.auth == AuthAwaitingDecision {
		return
	}
	if s.notifications != nil {
		ch := s.notifications
		s.notifications = nil
		go ch.Close()
	}
	if s.auth != AuthIdle || s.peer != "" {
		o.logger.Info("peer fully disconnected", "peer", s.peer)
	}
	s.auth, s.peer = AuthIdle, ""
	if s.deferredUpdate {
		s.deferredUpdate = false
		o.reconcile(ctx, s, s.deferredReason)
	}
}

func (o *Orchestrator) onDisconnect(ctx context.Context, s *state, peer string) error {
	if s.peer == "" || (peer != "" && !strings.EqualFold(peer, s.peer)) {
		return ErrUnknownPeer
	}
	o.logger.Info("disconnecting peer", "peer", s.peer)
	o.cancel(s, s.authTimer)
	for inst, conn := range s.pending {
		inst.Reject(conn)
	}
	clear(s.pending)
	if s.auth == AuthAwaitingDecision {
		s.auth = AuthIdle
	}
	for inst := range s.serving {
		o.restart(ctx, s, inst)
	}
	o.maybeIdle(ctx, s)
	return nil
}

func (o *Orchestrator) restart(ctx context.Context, s *state, inst *mas.Instance) {
	if err := inst.Restart(ctx); err != nil {
		o.logger.Error("failed to restart instance", "mas_id", inst.ID(), "error", err)
		o.onAcceptFailed(s, inst, err)
	}
}

func (o *Orchestrator) onAcceptFailed(s *state, inst *mas.Instance, err error) {
	if !s.live(inst) {
		return
	}
	delay := inst.RestartDelay()
	o.logger.Warn("instance failed, restarting", "mas_id", inst.ID(), "error", err, "delay", delay)
	o.after(s, delay, restartInstance{inst: inst})
}

func (o *Orchestrator) onRestart(ctx context.Context, s *state, inst *mas.Instance) {
	if !s.live(inst) {
		return
	}
	if s.serving[inst] {
		delete(s.serving, inst)
	}
	if conn, ok := s.pending[inst]; ok {
		inst.Reject(conn)
		delete(s.pending, inst)
	}
	o.restart(ctx, s, inst)
	o.maybeIdle(ctx, s)
}

func (o *Orchestrator) touchWakeLock(s *state) {
	if !s.wakeHeld {
		if err := o.cfg.Lock.Acquire(); err != nil {
			o.logger.Warn("failed to acquire wake lock", "error", err)
		}
		s.wakeHeld = true
	}
	o.cancel(s, s.wakeTimer)
	s.wakeTimer = o.after(s, o.cfg.WakeLockDelay, wakeRelease{})
}

func (o *Orchestrator) releaseWakeLock(s *state) {
	if !s.wakeHeld {
		return
	}
	if err := o.cfg.Lock.Release(); err != nil {
		o.logger.Warn("failed to release wake lock", "error", err)
	}
	s.wakeHeld = false
}

func (o *Orchestrator) onNotificationRegistration(ctx context.Context, s *state, m notificationRegistration) {
	if !s.live(m.inst) || !s.serving[m.inst] {
		return
	}
	if s.notifications == nil {
		s.notifications = mns.Open(ctx, o.cfg.Transport, s.peer, o.logger)
	}
	if err := s.notifications.Register(m.inst.ID(), m.enabled, m.filter, m.version); err != nil {
		o.logger.Warn("failed to register notifications", "mas_id", m.inst.ID(), "error", err)
	}
}

func (o *Orchestrator) onChange(s *state, inst *mas.Instance, ch events.Change) {
	if !s.live(inst) {
		return
	}
	evs := inst.HandleChange(ch)
	if s.notifications == nil {
		return
	}
	for _, ev := range evs {
		if err := s.notifications.Notify(inst.ID(), ev); err != nil {
			o.logger.Warn("failed to queue event report", "mas_id", inst.ID(), "event", ev.Type, "error", err)
		}
	}
}

func (o *Orchestrator) usedIDs(s *state) map[uint8]bool {
	used := make(map[uint8]bool, len(s.entries)+1)
	used[0] = true
	for id := range s.entries {
		used[id] = true
	}
	return used
}

func (o *Orchestrator) addInstance(ctx context.Context, s *state, id uint8, account *accounts.Account) {
	channel := 0
	if o.cfg.BaseChannel > 0 {
		channel = o.cfg.BaseChannel + int(id)
	}
	inst := mas.New(mas.Config{
		ID:        id,
		Account:   account,
		CDMA:      o.cfg.CDMA,
		Channel:   channel,
		ListLimit: o.cfg.ListLimit,
		Transport: o.cfg.Transport,
		Store:     o.cfg.Messages,
		Relay:     o.cfg.Relay,
		Hooks:     hooks{q: o.q},
		Logger:    o.cfg.Logger,
	})
	e := &entry{inst: inst, account: account, unsubscribe: func() {}}
	if o.cfg.Changes != nil {
		changes, unsubscribe := o.cfg.Changes.Subscribe(inst.Mailbox())
		e.unsubscribe = unsubscribe
		go func() {
			for c := range changes {
				o.q.post(changed{inst: inst, change: c})
			}
		}()
	}
	s.entries[id] = e
	if err := inst.StartListening(ctx); err != nil {
		o.logger.Error("failed to start instance", "mas_id", id, "error", err)
		o.onAcceptFailed(s, inst, err)
	}
}

// reconcile adds an instance per newly enabled account and shuts down the
// instances of accounts no longer enabled.
func (o *Orchestrator) reconcile(ctx context.Context, s *state, reason string) {
	if o.cfg.Accounts == nil {
		return
	}
	current, err := o.cfg.Accounts.EnabledAccounts(ctx)
	if err != nil {
		o.logger.Error("failed to load accounts", "reason", reason, "error", err)
		return
	}
	added, removed := accounts.Diff(s.enabled, current)
	for _, a := range removed {
		for id, e := range s.entries {
			if e.account != nil && e.account.Key() == a.Key() {
				e.unsubscribe()
				e.inst.Shutdown()
				delete(s.entries, id)
				o.logger.Info("instance removed", "mas_id", id, "account", a.String())
			}
		}
	}
	skipped := make(map[accounts.Key]bool)
	for _, a := range added {
		id, ok := NextMasID(o.usedIDs(s))
		if !ok {
			o.logger.Error("no free instance id", "account", a.String())
			skipped[a.Key()] = true
			continue
		}
		account := a
		o.addInstance(ctx, s, id, &account)
		o.logger.Info("instance added", "mas_id", id, "account", a.String())
	}
	// Accounts left without an instance show up as added again next time.
	s.enabled = slices.DeleteFunc(current, func(a accounts.Account) bool { return skipped[a.Key()] })
	if len(added)+len(removed) > 0 {
		o.logger.Info("instances updated", "reason", reason, "added", len(added), "removed", len(removed), "instances", len(s.entries))
	}
}

func (o *Orchestrator) status(s *state) Status {
	st := Status{
		Auth:           s.auth.String(),
		Peer:           s.peer,
		Pending:        len(s.pending),
		DeferredUpdate: s.deferredUpdate,
		Instances:      []InstanceStatus{},
	}
	if s.notifications != nil {
		st.Notifications = &NotificationStatus{
			Connected: s.notifications.Connected(),
			Sent:      s.notifications.Sent(),
		}
	}
	ids := make([]uint8, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		inst := s.entries[id].inst
		v := inst.Versions()
		st.Instances = append(st.Instances, InstanceStatus{
			ID:                  id,
			Name:                inst.Name(),
			Mailbox:             inst.Mailbox(),
			State:               inst.State().String(),
			Channel:             inst.Channel(),
			Connected:           inst.Connected(),
			FolderVersion:       v.Folder(),
			ConversationVersion: v.Combined(),
			DatabaseID:          inst.DatabaseID().String(),
		})
	}
	return st
}

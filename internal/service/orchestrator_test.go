package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.io/infrasutra/btmap/internal/accounts"
	"github.io/infrasutra/btmap/internal/events"
	"github.io/infrasutra/btmap/internal/mas"
	"github.io/infrasutra/btmap/internal/obex"
	"github.io/infrasutra/btmap/internal/store"
	"github.io/infrasutra/btmap/internal/transport"
)

const (
	peerA = "AA:BB:CC:DD:EE:01"
	peerB = "AA:BB:CC:DD:EE:02"
)

type fakeAccounts struct {
	mu   sync.Mutex
	list []accounts.Account
}

func (f *fakeAccounts) EnabledAccounts(context.Context) ([]accounts.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]accounts.Account(nil), f.list...), nil
}

func (f *fakeAccounts) set(list ...accounts.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = list
}

type fakeRequester struct {
	peers chan string
}

func (r *fakeRequester) RequestAccess(peer string) { r.peers <- peer }

type countingLock struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (l *countingLock) Acquire() error { l.acquired.Add(1); return nil }
func (l *countingLock) Release() error { l.released.Add(1); return nil }

type harness struct {
	orch      *Orchestrator
	mem       *transport.Memory
	store     *store.Store
	accounts  *fakeAccounts
	requester *fakeRequester
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := events.NewHub[events.Change](16)
	st, err := store.Open(ctx, ":memory:", store.WithChanges(hub))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
	h := &harness{
		mem:       transport.NewMemory(),
		store:     st,
		accounts:  &fakeAccounts{},
		requester: &fakeRequester{peers: make(chan string, 4)},
	}
	cfg := Config{
		Transport:   h.mem,
		Messages:    st,
		Permissions: st,
		Changes:     hub,
		Accounts:    h.accounts,
		Requester:   h.requester,
		SMSCapable:  true,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.orch = New(cfg)
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		st.Close()
	})
	return h
}

func (h *harness) status(t *testing.T) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.orch.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	return st
}

func (h *harness) eventually(t *testing.T, what string, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := h.status(t)
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, status %+v", what, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) channel(t *testing.T, id uint8) int {
	t.Helper()
	st := h.eventually(t, "instance listening", func(st Status) bool {
		for _, in := range st.Instances {
			if in.ID == id && in.Channel != 0 {
				return true
			}
		}
		return false
	})
	for _, in := range st.Instances {
		if in.ID == id {
			return in.Channel
		}
	}
	return 0
}

func (h *harness) dial(t *testing.T, id uint8, peer string) transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := h.mem.Connect(ctx, h.channel(t, id), peer)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) waitRequest(t *testing.T) string {
	t.Helper()
	select {
	case p := <-h.requester.peers:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for access request")
	}
	return ""
}

func (h *harness) noRequest(t *testing.T) {
	t.Helper()
	select {
	case p := <-h.requester.peers:
		t.Fatalf("unexpected access request for %s", p)
	default:
	}
}

// closedByServer reports whether the far end closed conn.
func closedByServer(t *testing.T, conn transport.Conn) bool {
	t.Helper()
	result := make(chan error, 1)
	go func() {
		_, err := conn.Read(make([]byte, 1))
		result <- err
	}()
	select {
	case err := <-result:
		return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
	case <-time.After(2 * time.Second):
		return false
	}
}

func openSession(t *testing.T, conn transport.Conn) *obex.Client {
	t.Helper()
	c := obex.NewClient(conn, 0)
	if err := c.Connect(mas.Target[:]); err != nil {
		t.Fatalf("obex Connect() error: %v", err)
	}
	return c
}

func TestAccessAllowedAndRemembered(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	conn := h.dial(t, 0, peerA)
	if got := h.waitRequest(t); got != peerA {
		t.Fatalf("access requested for %q, want %q", got, peerA)
	}
	st := h.status(t)
	if st.Auth != "awaiting_decision" || st.Peer != peerA || st.Pending != 1 {
		t.Fatalf("status = %+v", st)
	}

	h.orch.ReplyAccess(peerA, true, true)
	c := openSession(t, conn)
	h.eventually(t, "allowed", func(st Status) bool {
		return st.Auth == "allowed" && len(st.Instances) == 1 && st.Instances[0].Connected
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		p, err := h.store.Permission(ctx, peerA)
		if err == nil {
			if !p.Allowed {
				t.Fatalf("stored permission = %+v", p)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("permission not stored: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.Close()
	h.eventually(t, "idle after disconnect", func(st Status) bool {
		return st.Auth == "idle" && st.Peer == ""
	})

	conn = h.dial(t, 0, peerA)
	c = openSession(t, conn)
	defer c.Close()
	h.noRequest(t)
	h.eventually(t, "allowed again", func(st Status) bool { return st.Auth == "allowed" })
}

func TestAuthTimeoutAsksAgain(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.AuthTimeout = 100 * time.Millisecond })

	conn := h.dial(t, 0, peerA)
	h.waitRequest(t)
	if !closedByServer(t, conn) {
		t.Fatal("connection not closed after the access request timed out")
	}
	h.eventually(t, "idle after timeout", func(st Status) bool {
		return st.Auth == "idle" && st.Pending == 0
	})
	if _, err := h.store.Permission(context.Background(), peerA); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Permission() error = %v, want ErrNotFound", err)
	}

	h.dial(t, 0, peerA)
	if got := h.waitRequest(t); got != peerA {
		t.Fatalf("access requested for %q", got)
	}
}

func TestLateReplyIsIgnored(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.AuthTimeout = 50 * time.Millisecond })

	h.dial(t, 0, peerA)
	h.waitRequest(t)
	h.eventually(t, "idle after timeout", func(st Status) bool { return st.Auth == "idle" })
	h.orch.ReplyAccess(peerA, true, true)
	if st := h.status(t); st.Auth != "idle" {
		t.Fatalf("auth = %s after late reply", st.Auth)
	}
}

func TestSecondPeerRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.accounts.set(accounts.Account{ID: "work", Name: "Work", Type: accounts.TypeEmail, Enabled: true})
	h.orch.UpdateInstances("test")
	h.eventually(t, "account instance", func(st Status) bool { return len(st.Instances) == 2 })

	connA := h.dial(t, 0, peerA)
	h.waitRequest(t)

	connB := h.dial(t, 1, peerB)
	if !closedByServer(t, connB) {
		t.Fatal("second peer was not rejected")
	}
	if st := h.status(t); st.Peer != peerA {
		t.Fatalf("peer = %q, want %q", st.Peer, peerA)
	}

	h.orch.ReplyAccess(peerA, false, false)
	if !closedByServer(t, connA) {
		t.Fatal("rejected peer still connected")
	}
	h.eventually(t, "idle after rejection", func(st Status) bool {
		return st.Auth == "idle" && st.Peer == ""
	})
}

func TestSamePeerDifferentCase(t *testing.T) {
	h := newHarness(t, nil)
	h.accounts.set(accounts.Account{ID: "work", Name: "Work", Type: accounts.TypeEmail, Enabled: true})
	h.orch.UpdateInstances("test")
	h.eventually(t, "account instance", func(st Status) bool { return len(st.Instances) == 2 })

	connA := h.dial(t, 0, peerA)
	h.waitRequest(t)
	connLower := h.dial(t, 1, strings.ToLower(peerA))

	h.orch.ReplyAccess(peerA, true, false)
	ca := openSession(t, connA)
	defer ca.Close()
	cl := openSession(t, connLower)
	defer cl.Close()
	st := h.eventually(t, "both instances connected", func(st Status) bool {
		connected := 0
		for _, in := range st.Instances {
			if in.Connected {
				connected++
			}
		}
		return st.Auth == "allowed" && connected == 2
	})
	if st.Peer != peerA {
		t.Fatalf("peer = %q, want %q", st.Peer, peerA)
	}
	h.noRequest(t)
}

func TestStoredRejection(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.SetPermission(context.Background(), peerA, false, time.Now()); err != nil {
		t.Fatal(err)
	}
	conn := h.dial(t, 0, peerA)
	if !closedByServer(t, conn) {
		t.Fatal("peer with stored rejection was served")
	}
	h.noRequest(t)
}

func TestDeferredUpdateAppliedAfterDisconnect(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.AutoAccept = []string{peerA} })

	conn := h.dial(t, 0, peerA)
	c := openSession(t, conn)
	h.noRequest(t)

	h.accounts.set(accounts.Account{ID: "chat", Name: "Chat", Type: accounts.TypeIM, Enabled: true})
	h.orch.UpdateInstances("accounts changed")
	st := h.eventually(t, "deferred update", func(st Status) bool { return st.DeferredUpdate })
	if len(st.Instances) != 1 {
		t.Fatalf("instances changed while connected: %+v", st.Instances)
	}

	c.Close()
	st = h.eventually(t, "update applied", func(st Status) bool {
		return !st.DeferredUpdate && len(st.Instances) == 2
	})
	got := []string{st.Instances[0].Name, st.Instances[1].Name}
	if diff := cmp.Diff([]string{"SMS/MMS", "Chat"}, got); diff != "" {
		t.Errorf("instances mismatch (-want +got):\n%s", diff)
	}

	h.accounts.set()
	h.orch.UpdateInstances("accounts changed")
	h.eventually(t, "account removed", func(st Status) bool { return len(st.Instances) == 1 })
}

func TestChangeBumpsFolderVersion(t *testing.T) {
	h := newHarness(t, nil)
	h.channel(t, 0)

	_, err := h.store.InsertMessage(context.Background(), store.Message{
		Mailbox: events.SMSMMSMailbox, Type: "SMS_GSM", Folder: "inbox",
		SenderAddr: "+15550001", Body: []byte("hi"), CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.eventually(t, "folder version bump", func(st Status) bool {
		return st.Instances[0].FolderVersion == 1 && st.Instances[0].ConversationVersion > 0
	})
}

func TestAcceptFailureRestartsInstance(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.AutoAccept = []string{peerA} })
	ch := h.channel(t, 0)
	h.mem.FailAccept(ch, errors.New("adapter reset"))

	deadline := time.Now().Add(3 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		conn, err := h.mem.Connect(ctx, h.channel(t, 0), peerA)
		cancel()
		if err == nil {
			c := openSession(t, conn)
			c.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance never accepted again: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWakeLockReleasedAfterIdle(t *testing.T) {
	lock := &countingLock{}
	h := newHarness(t, func(cfg *Config) {
		cfg.AutoAccept = []string{peerA}
		cfg.Lock = lock
		cfg.WakeLockDelay = 50 * time.Millisecond
	})
	c := openSession(t, h.dial(t, 0, peerA))
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for lock.released.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("wake lock never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if lock.acquired.Load() != 1 {
		t.Errorf("acquired %d times, want 1", lock.acquired.Load())
	}
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.AutoAccept = []string{peerA} })
	ctx := context.Background()

	if err := h.orch.Disconnect(ctx, peerA); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Disconnect() with no peer error = %v", err)
	}
	conn := h.dial(t, 0, peerA)
	c := openSession(t, conn)
	defer c.Close()
	h.eventually(t, "allowed", func(st Status) bool { return st.Auth == "allowed" })

	if err := h.orch.Disconnect(ctx, peerB); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Disconnect(other) error = %v", err)
	}
	if err := h.orch.Disconnect(ctx, peerA); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if !closedByServer(t, conn) {
		t.Fatal("session still open")
	}
	h.eventually(t, "idle", func(st Status) bool { return st.Auth == "idle" })
}

func TestStatusAfterStop(t *testing.T) {
	o := New(Config{Transport: transport.NewMemory(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	cancel()
	<-done
	if _, err := o.Status(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Status() error = %v, want ErrNotRunning", err)
	}
}

func TestNextMasID(t *testing.T) {
	full := func(except ...uint8) map[uint8]bool {
		used := make(map[uint8]bool, 256)
		for i := 0; i <= 255; i++ {
			used[uint8(i)] = true
		}
		for _, e := range except {
			delete(used, e)
		}
		return used
	}
	tests := []struct {
		name   string
		used   map[uint8]bool
		want   uint8
		wantOK bool
	}{
		{"empty", map[uint8]bool{}, 1, true},
		{"sms only", map[uint8]bool{0: true}, 1, true},
		{"above highest", map[uint8]bool{0: true, 1: true, 5: true}, 6, true},
		{"gap below highest is not reused", map[uint8]bool{0: true, 3: true}, 4, true},
		{"wraps to lowest free", map[uint8]bool{0: true, 1: true, 2: true, 255: true}, 3, true},
		{"one free", full(17), 17, true},
		{"exhausted", full(), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextMasID(tt.used)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("NextMasID() = %d, %v, want %d, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestReconcileRetriesAccountWithoutID(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
	accts := &fakeAccounts{}
	accts.set(accounts.Account{ID: "work", Name: "Work", Type: accounts.TypeEmail, Enabled: true})
	o := New(Config{
		Transport: transport.NewMemory(),
		Messages:  st,
		Accounts:  accts,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	s := newState()
	for i := 1; i <= 255; i++ {
		s.entries[uint8(i)] = &entry{unsubscribe: func() {}}
	}
	o.reconcile(ctx, s, "test")
	if len(s.enabled) != 0 {
		t.Fatalf("enabled = %v with every id in use, want none", s.enabled)
	}

	delete(s.entries, 200)
	o.reconcile(ctx, s, "test")
	e, ok := s.entries[200]
	if !ok || e.inst == nil {
		t.Fatal("account did not get the freed id")
	}
	defer e.inst.Shutdown()
	if e.account == nil || e.account.ID != "work" {
		t.Fatalf("instance 200 account = %+v", e.account)
	}
	if len(s.enabled) != 1 {
		t.Fatalf("enabled = %v, want the work account", s.enabled)
	}
}

func TestAuthStateString(t *testing.T) {
	want := map[AuthState]string{
		AuthIdle:             "idle",
		AuthAwaitingDecision: "awaiting_decision",
		AuthAllowed:          "allowed",
		AuthRejected:         "rejected",
	}
	for s, w := range want {
		if s.String() != w {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), w)
		}
	}
}

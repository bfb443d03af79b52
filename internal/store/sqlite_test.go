package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.io/infrasutra/btmap/internal/events"
)

func openTest(t *testing.T, hub *events.Hub[events.Change]) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:", WithChanges(hub))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
	return s
}

func insert(t *testing.T, s *Store, m Message) int64 {
	t.Helper()
	id, err := s.InsertMessage(context.Background(), m)
	if err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}
	return id
}

func TestInsertListAndThreads(t *testing.T) {
	hub := events.NewHub[events.Change](8)
	changes, unsub := hub.Subscribe(events.SMSMMSMailbox)
	defer unsub()
	s := openTest(t, hub)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	first := insert(t, s, Message{
		Mailbox: events.SMSMMSMailbox, Type: "SMS_GSM", Folder: "INBOX",
		Subject: "hello", SenderAddr: "+15550001", SenderName: "Ann",
		Body: []byte("hello"), CreatedAt: base,
	})
	insert(t, s, Message{
		Mailbox: events.SMSMMSMailbox, Type: "SMS_GSM", Folder: "sent",
		Subject: "hi ann", RecipientAddr: "+15550001", Body: []byte("hi ann"),
		Read: true, CreatedAt: base.Add(time.Minute),
	})
	insert(t, s, Message{
		Mailbox: events.SMSMMSMailbox, Type: "SMS_GSM", Folder: "inbox",
		Subject: "other", SenderAddr: "+15550002", Body: []byte("other"),
		Priority: true, CreatedAt: base.Add(2 * time.Minute),
	})

	got := <-changes
	if got.Op != events.OpInsert || len(got.Rows) != 1 || got.Rows[0].ID != first || got.Rows[0].Folder != "inbox" {
		t.Errorf("first change = %+v", got)
	}

	inbox, err := s.ListMessages(ctx, events.SMSMMSMailbox, Filter{Folder: "inbox"})
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	var subjects []string
	for _, m := range inbox {
		subjects = append(subjects, m.Subject)
		if m.Body != nil {
			t.Errorf("listing returned a body for %d", m.ID)
		}
	}
	if diff := cmp.Diff([]string{"other", "hello"}, subjects); diff != "" {
		t.Errorf("inbox order mismatch (-want +got):\n%s", diff)
	}
	if inbox[1].Size != 5 {
		t.Errorf("Size = %d, want 5", inbox[1].Size)
	}

	filtered, err := s.ListMessages(ctx, events.SMSMMSMailbox, Filter{ReadStatus: ReadUnread, Priority: PriorityNonHigh})
	if err != nil {
		t.Fatalf("ListMessages(filter) error: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != first {
		t.Errorf("filtered = %+v", filtered)
	}

	convos, err := s.ListConversations(ctx, events.SMSMMSMailbox, ConversationFilter{})
	if err != nil {
		t.Fatalf("ListConversations() error: %v", err)
	}
	if len(convos) != 2 {
		t.Fatalf("conversations = %d, want 2", len(convos))
	}
	ann := convos[1]
	if ann.PeerAddr != "+15550001" || ann.Messages != 2 || ann.Unread != 1 || ann.Summary != "hi ann" || ann.Version != 2 {
		t.Errorf("ann conversation = %+v", ann)
	}
	if ann.Name != "Ann" {
		t.Errorf("Name = %q, want Ann", ann.Name)
	}
}

func TestBatchUpdatesPublishOnce(t *testing.T) {
	hub := events.NewHub[events.Change](8)
	s := openTest(t, hub)
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, insert(t, s, Message{Mailbox: "acct", Type: "EMAIL", Folder: "inbox", SenderAddr: "a@example.org"}))
	}
	changes, unsub := hub.Subscribe("acct")
	defer unsub()

	if err := s.SetRead(ctx, "acct", ids, true); err != nil {
		t.Fatalf("SetRead() error: %v", err)
	}
	got := <-changes
	if got.Op != events.OpRead || len(got.Rows) != 3 {
		t.Errorf("change = %+v, want one read change with 3 rows", got)
	}
	select {
	case extra := <-changes:
		t.Errorf("unexpected second change %+v", extra)
	default:
	}

	// already read: nothing to publish
	if err := s.SetRead(ctx, "acct", ids[:1], true); err != nil {
		t.Fatalf("SetRead() error: %v", err)
	}
	select {
	case extra := <-changes:
		t.Errorf("no-op update published %+v", extra)
	default:
	}
}

func TestDeleteAndRestore(t *testing.T) {
	s := openTest(t, nil)
	ctx := context.Background()
	id := insert(t, s, Message{Mailbox: "acct", Type: "EMAIL", Folder: "sent", RecipientAddr: "b@example.org"})

	if err := s.SetDeleted(ctx, "acct", []int64{id}, true); err != nil {
		t.Fatalf("SetDeleted(true) error: %v", err)
	}
	m, err := s.GetMessage(ctx, "acct", id)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if m.Folder != "deleted" || m.OldFolder != "sent" {
		t.Errorf("after delete folder=%q old=%q", m.Folder, m.OldFolder)
	}
	if err := s.SetDeleted(ctx, "acct", []int64{id}, false); err != nil {
		t.Fatalf("SetDeleted(false) error: %v", err)
	}
	if m, _ = s.GetMessage(ctx, "acct", id); m.Folder != "sent" {
		t.Errorf("restored folder = %q, want sent", m.Folder)
	}

	if err := s.MoveMessage(ctx, "acct", []int64{id}, "outbox"); err != nil {
		t.Fatalf("MoveMessage() error: %v", err)
	}
	if err := s.MoveMessage(ctx, "acct", []int64{id}, "sent"); err != nil {
		t.Fatalf("MoveMessage() error: %v", err)
	}
	if m, _ = s.GetMessage(ctx, "acct", id); !m.Sent {
		t.Error("moving to sent did not set Sent")
	}

	if err := s.DeleteMessages(ctx, "acct", []int64{id}); err != nil {
		t.Fatalf("DeleteMessages() error: %v", err)
	}
	if _, err := s.GetMessage(ctx, "acct", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMessage after delete error = %v, want ErrNotFound", err)
	}
	if err := s.SetRead(ctx, "other", []int64{id}, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetRead in wrong mailbox error = %v, want ErrNotFound", err)
	}
}

func TestPermissions(t *testing.T) {
	s := openTest(t, nil)
	ctx := context.Background()
	peer := "aa:bb:cc:dd:ee:ff"
	if _, err := s.Permission(ctx, peer); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Permission() error = %v, want ErrNotFound", err)
	}
	now := time.Unix(1_700_000_000, 0)
	if err := s.SetPermission(ctx, peer, true, now); err != nil {
		t.Fatalf("SetPermission() error: %v", err)
	}
	p, err := s.Permission(ctx, "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("Permission() error: %v", err)
	}
	want := Permission{Peer: "AA:BB:CC:DD:EE:FF", Allowed: true, UpdatedAt: now}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("permission mismatch (-want +got):\n%s", diff)
	}
	list, err := s.ListPermissions(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("ListPermissions() = %v, %v", list, err)
	}
	if ok, err := s.ForgetPermission(ctx, peer); !ok || err != nil {
		t.Errorf("ForgetPermission() = %v, %v", ok, err)
	}
}

func TestOwnerStatus(t *testing.T) {
	s := openTest(t, nil)
	ctx := context.Background()
	st, err := s.OwnerStatus(ctx, "chat")
	if err != nil {
		t.Fatalf("OwnerStatus() error: %v", err)
	}
	if diff := cmp.Diff(OwnerStatus{Mailbox: "chat"}, st); diff != "" {
		t.Errorf("unset status mismatch (-want +got):\n%s", diff)
	}

	presence, text, chat, convo := 2, "away", 1, "00000000000000010000000000000007"
	last := time.Unix(1_700_000_000, 0)
	now := last.Add(time.Hour)
	err = s.SetOwnerStatus(ctx, "chat", OwnerStatusUpdate{
		Presence: &presence, PresenceText: &text, LastActivity: &last, ChatState: &chat, ChatConvo: &convo,
	}, now)
	if err != nil {
		t.Fatalf("SetOwnerStatus() error: %v", err)
	}
	presence = 5
	if err := s.SetOwnerStatus(ctx, "chat", OwnerStatusUpdate{Presence: &presence}, now); err != nil {
		t.Fatalf("SetOwnerStatus() error: %v", err)
	}

	st, err = s.OwnerStatus(ctx, "chat")
	if err != nil {
		t.Fatalf("OwnerStatus() error: %v", err)
	}
	want := OwnerStatus{
		Mailbox: "chat", Presence: 5, PresenceText: "away", LastActivity: last,
		ChatState: 1, ChatConvo: convo, UpdatedAt: now,
	}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("owner status mismatch (-want +got):\n%s", diff)
	}
	if other, _ := s.OwnerStatus(ctx, "other"); other.Presence != 0 {
		t.Errorf("status leaked to another mailbox: %+v", other)
	}
}

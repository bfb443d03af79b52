package mns

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.io/infrasutra/btmap/internal/appparams"
	"github.io/infrasutra/btmap/internal/listing"
	"github.io/infrasutra/btmap/internal/obex"
	"github.io/infrasutra/btmap/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventMarkup(t *testing.T) {
	ev := Event{
		Type:       NewMessage,
		Handle:     "0400000000000007",
		Folder:     "telecom/msg/inbox",
		MsgType:    listing.TypeSMSGSM,
		DateTime:   time.Date(2024, 3, 1, 10, 20, 30, 0, time.Local),
		Subject:    "hi",
		SenderName: "Alice",
		ReadStatus: listing.FlagNo,
	}

	v10, err := ev.Markup(Version10)
	if err != nil {
		t.Fatalf("Markup(1.0) error: %v", err)
	}
	for _, want := range []string{`<MAP-event-report version="1.0">`, `type="NewMessage"`, `handle="0400000000000007"`, `folder="telecom/msg/inbox"`, `msg_type="SMS_GSM"`} {
		if !strings.Contains(string(v10), want) {
			t.Errorf("1.0 report lacks %s:\n%s", want, v10)
		}
	}
	if strings.Contains(string(v10), "datetime") || strings.Contains(string(v10), "sender_name") {
		t.Errorf("1.0 report carries 1.1 attributes:\n%s", v10)
	}

	v11, err := ev.Markup(Version11)
	if err != nil {
		t.Fatalf("Markup(1.1) error: %v", err)
	}
	for _, want := range []string{`datetime="20240301T102030"`, `subject="hi"`, `sender_name="Alice"`, `read_status="no"`} {
		if !strings.Contains(string(v11), want) {
			t.Errorf("1.1 report lacks %s:\n%s", want, v11)
		}
	}
	if strings.Contains(string(v11), "priority") {
		t.Errorf("unset priority rendered:\n%s", v11)
	}

	if _, err := (&Event{Type: ReadStatusChanged}).Markup(Version10); err == nil {
		t.Error("1.0 report of a 1.1 event did not fail")
	}
}

func TestAllowed(t *testing.T) {
	filter := uint32(1<<0 | 1<<9)
	if !NewMessage.Allowed(filter) || !ReadStatusChanged.Allowed(filter) {
		t.Error("enabled events rejected")
	}
	if MessageDeleted.Allowed(filter) {
		t.Error("MessageDeleted allowed")
	}
	if !MessageRemoved.Allowed(FilterAll) {
		t.Error("FilterAll misses MessageRemoved")
	}
}

type report struct {
	masID int
	body  string
}

type mnsServer struct {
	reports      chan report
	disconnected chan struct{}
}

func (s *mnsServer) Connect(ctx context.Context, req *obex.Request) error { return nil }
func (s *mnsServer) Disconnect(ctx context.Context) { close(s.disconnected) }
func (s *mnsServer) Get(ctx context.Context, req *obex.Request) (*obex.Response, error) {
	return nil, obex.NotImplemented("get")
}
func (s *mnsServer) SetPath(ctx context.Context, req *obex.Request) error { return nil }
func (s *mnsServer) Put(ctx context.Context, req *obex.Request) (*obex.Response, error) {
	if req.Type != eventReportType {
		return nil, obex.BadRequest("type %s", req.Type)
	}
	ap, err := appparams.Parse(req.AppParams)
	if err != nil {
		return nil, obex.BadRequest("%v", err)
	}
	s.reports <- report{masID: ap.Int(appparams.MASInstanceID, -1), body: string(req.Body)}
	return nil, nil
}

func TestChannelLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mem := transport.NewMemory()
	ch := Open(ctx, mem, "AA:BB:CC:DD:EE:FF", discardLogger())
	defer ch.Close()

	if err := ch.Register(1, true, FilterAll, Version11); err != nil {
		t.Fatal(err)
	}
	far, err := mem.NextDial(ctx)
	if err != nil {
		t.Fatalf("no dial: %v", err)
	}
	srv := &mnsServer{reports: make(chan report, 4), disconnected: make(chan struct{})}
	go (&obex.Server{Target: Target[:]}).Serve(ctx, far, srv)

	if err := ch.Register(2, true, 1<<0, Version10); err != nil {
		t.Fatal(err)
	}
	ch.Notify(1, Event{Type: NewMessage, Handle: "01", Folder: "telecom/msg/inbox", MsgType: listing.TypeEmail})
	ch.Notify(2, Event{Type: MessageDeleted, Handle: "02"})
	ch.Notify(3, Event{Type: NewMessage, Handle: "03"})
	ch.Notify(2, Event{Type: NewMessage, Handle: "04"})

	for _, want := range []report{{1, `handle="01"`}, {2, `handle="04"`}} {
		select {
		case got := <-srv.reports:
			if got.masID != want.masID || !strings.Contains(got.body, want.body) {
				t.Errorf("report = %+v, want instance %d with %s", got, want.masID, want.body)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for report")
		}
	}

	ch.Register(1, false, 0, "")
	ch.Register(2, false, 0, "")
	select {
	case <-srv.disconnected:
	case <-ctx.Done():
		t.Fatal("channel not disconnected after last deregistration")
	}
	select {
	case got := <-srv.reports:
		t.Errorf("unexpected report %+v", got)
	default:
	}
}

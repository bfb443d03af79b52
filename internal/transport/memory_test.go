package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMemoryAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := NewMemory()
	l, err := m.Listen(ctx, 0)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer l.Close()
	if l.Channel() != 1 {
		t.Errorf("Channel() = %d, want 1", l.Channel())
	}
	if _, err := m.Listen(ctx, 1); !errors.Is(err, ErrInUse) {
		t.Errorf("second Listen error = %v, want ErrInUse", err)
	}

	accepted := make(chan Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err != nil {
			t.Errorf("Accept() error: %v", err)
		}
		accepted <- c
	}()
	client, err := m.Connect(ctx, 1, "aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()
	server := <-accepted
	defer server.Close()
	if server.Peer() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Peer() = %q", server.Peer())
	}

	go client.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(server, buf); err != nil || string(buf) != "ping" {
		t.Errorf("read %q, %v", buf, err)
	}
}

func TestMemoryRecordsAndClose(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	l, err := m.Listen(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Register(Record{ServiceName: "SMS/MMS", MasID: 0}); err != nil {
		t.Fatal(err)
	}
	want := map[int]Record{4: {ServiceName: "SMS/MMS", Channel: 4}}
	if diff := cmp.Diff(want, m.Records()); diff != "" {
		t.Errorf("Records() mismatch (-want +got):\n%s", diff)
	}
	if err := l.Unregister(); err != nil {
		t.Fatal(err)
	}
	if len(m.Records()) != 0 {
		t.Errorf("Records() after Unregister = %v", m.Records())
	}

	boom := errors.New("boom")
	m.FailAccept(4, boom)
	if _, err := l.Accept(ctx); !errors.Is(err, boom) {
		t.Errorf("Accept() error = %v, want injected", err)
	}

	l.Close()
	l.Close()
	if _, err := l.Accept(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Accept() after Close error = %v", err)
	}
	if _, err := m.Listen(ctx, 4); err != nil {
		t.Errorf("Listen() after Close error: %v", err)
	}
}

func TestMemoryDial(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := NewMemory()
	c, err := m.Dial(ctx, "11:22:33:44:55:66")
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer c.Close()
	far, err := m.NextDial(ctx)
	if err != nil {
		t.Fatalf("NextDial() error: %v", err)
	}
	defer far.Close()
	if c.Peer() != "11:22:33:44:55:66" {
		t.Errorf("Peer() = %q", c.Peer())
	}
	go far.Write([]byte{0xA0})
	b := make([]byte, 1)
	if _, err := io.ReadFull(c, b); err != nil || b[0] != 0xA0 {
		t.Errorf("read %x, %v", b, err)
	}
}

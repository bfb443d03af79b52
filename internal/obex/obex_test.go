package obex

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testTarget = []byte{0xBB, 0x58, 0x2B, 0x40, 0x42, 0x0C, 0x11, 0xDB, 0xB0, 0xDE, 0x08, 0x00, 0x20, 0x0C, 0x9A, 0x66}

type testHandler struct {
	mu           sync.Mutex
	path         []string
	puts         []*Request
	disconnected bool
	big          []byte
}

func (h *testHandler) Connect(ctx context.Context, req *Request) error { return nil }

func (h *testHandler) Disconnect(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = true
}

func (h *testHandler) Get(ctx context.Context, req *Request) (*Response, error) {
	switch req.Type {
	case "x-test/big":
		return &Response{
			Headers: []Header{BytesHeader(HeaderAppParams, []byte{0x12, 0x02, 0x00, 0x05})},
			Body:    h.big,
		}, nil
	case "x-test/missing":
		return nil, NotFound("no %s", req.Name)
	}
	return nil, errors.New("boom")
}

func (h *testHandler) Put(ctx context.Context, req *Request) (*Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.puts = append(h.puts, req)
	return &Response{Headers: []Header{TextHeader(HeaderName, "0001")}}, nil
}

func (h *testHandler) SetPath(ctx context.Context, req *Request) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case req.Backup():
		if len(h.path) == 0 {
			return NotFound("at root")
		}
		h.path = h.path[:len(h.path)-1]
	case req.Name == "":
		h.path = nil
	case req.Name == "nope":
		return NotFound("no folder %s", req.Name)
	default:
		h.path = append(h.path, req.Name)
	}
	return nil
}

func startSession(t *testing.T, h Handler) *Client {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	srv := &Server{Target: testTarget, MaxPacket: 300}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), srvConn, h) }()
	t.Cleanup(func() {
		cliConn.Close()
		<-errc
	})
	return NewClient(cliConn, 300)
}

func statusCode(err error) byte {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

func TestPacketRoundTrip(t *testing.T) {
	in := &Packet{
		Code:    OpSetPath | FinalBit,
		SetPath: true,
		Flags:   SetPathNoCreate,
		Headers: []Header{
			Uint32Header(HeaderConnectionID, 7),
			TextHeader(HeaderName, "télécom"),
			TypeHeader("x-bt/message"),
		},
	}
	raw, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if len(raw) != in.Size() {
		t.Errorf("encoded %d bytes, Size() = %d", len(raw), in.Size())
	}
	out, err := ReadRequest(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadRequest() error: %v", err)
	}
	if !out.SetPath || out.Flags != SetPathNoCreate || !out.Final() || out.Op() != OpSetPath {
		t.Errorf("setpath fields = %+v", out)
	}
	name, _ := out.Header(HeaderName)
	if got := name.Text(); got != "télécom" {
		t.Errorf("Name = %q", got)
	}
	typ, _ := out.Header(HeaderType)
	if got := typ.ASCII(); got != "x-bt/message" {
		t.Errorf("Type = %q", got)
	}
	id, _ := out.Header(HeaderConnectionID)
	if id.Uint32() != 7 {
		t.Errorf("ConnectionID = %d", id.Uint32())
	}
}

func TestEmptyNameHeader(t *testing.T) {
	raw, err := (&Packet{Code: OpGet | FinalBit, Headers: []Header{TextHeader(HeaderName, "")}}).Encode()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x83, 0x00, 0x06, 0x01, 0x00, 0x03}, raw); diff != "" {
		t.Errorf("encoding mismatch (-want +got):\n%s", diff)
	}
}

func TestReadBadPacket(t *testing.T) {
	tests := map[string][]byte{
		"short length":    {0x83, 0x00, 0x02},
		"header overflow": {0x83, 0x00, 0x06, 0x42, 0x00, 0x09},
		"short uint32":    {0x83, 0x00, 0x05, 0xCB, 0x00},
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ReadRequest(bytes.NewReader(raw)); !errors.Is(err, ErrBadPacket) {
				t.Errorf("error = %v, want ErrBadPacket", err)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want byte
	}{
		{nil, StatusSuccess},
		{NotFound("x"), StatusNotFound},
		{BadRequest("x"), StatusBadRequest},
		{errors.New("x"), StatusInternalError},
	}
	for _, tc := range tests {
		if got := StatusOf(tc.err); got != tc.want {
			t.Errorf("StatusOf(%v) = %#x, want %#x", tc.err, got, tc.want)
		}
	}
}

func TestSessionGetChunked(t *testing.T) {
	h := &testHandler{big: bytes.Repeat([]byte("0123456789"), 200)}
	c := startSession(t, h)
	if err := c.Connect(testTarget); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	resp, body, err := c.Get([]Header{TextHeader(HeaderName, ""), TypeHeader("x-test/big")})
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !bytes.Equal(body, h.big) {
		t.Errorf("body has %d bytes, want %d", len(body), len(h.big))
	}
	ap, ok := resp.Header(HeaderAppParams)
	if !ok || !bytes.Equal(ap.Data, []byte{0x12, 0x02, 0x00, 0x05}) {
		t.Errorf("AppParams = %v, %v", ap.Data, ok)
	}

	_, _, err = c.Get([]Header{TextHeader(HeaderName, "x"), TypeHeader("x-test/missing")})
	if statusCode(err) != StatusNotFound {
		t.Errorf("missing Get error = %v", err)
	}
	_, _, err = c.Get([]Header{TypeHeader("x-test/other")})
	if statusCode(err) != StatusInternalError {
		t.Errorf("failing Get error = %v", err)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.disconnected {
		t.Error("handler not told about disconnect")
	}
}

func TestSessionPutChunked(t *testing.T) {
	h := &testHandler{}
	c := startSession(t, h)
	if err := c.Connect(testTarget); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	payload := bytes.Repeat([]byte("abcdef"), 170)
	resp, err := c.Put([]Header{
		TextHeader(HeaderName, "outbox"),
		TypeHeader("x-bt/message"),
		BytesHeader(HeaderAppParams, []byte{0x14, 0x01, 0x01}),
	}, payload)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	name, _ := resp.Header(HeaderName)
	if name.Text() != "0001" {
		t.Errorf("response Name = %q", name.Text())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.puts) != 1 {
		t.Fatalf("handler saw %d puts", len(h.puts))
	}
	got := h.puts[0]
	if got.Name != "outbox" || got.Type != "x-bt/message" || !bytes.Equal(got.AppParams, []byte{0x14, 0x01, 0x01}) {
		t.Errorf("request = %+v", got)
	}
	if !bytes.Equal(got.Body, payload) {
		t.Errorf("body has %d bytes, want %d", len(got.Body), len(payload))
	}
}

func TestSessionSetPath(t *testing.T) {
	h := &testHandler{}
	c := startSession(t, h)
	if err := c.Connect(testTarget); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	for _, name := range []string{"telecom", "msg", "inbox"} {
		if err := c.SetPath(name, SetPathNoCreate); err != nil {
			t.Fatalf("SetPath(%q) error: %v", name, err)
		}
	}
	if err := c.SetPath("", SetPathBackup|SetPathNoCreate); err != nil {
		t.Fatalf("SetPath(..) error: %v", err)
	}
	if err := c.SetPath("nope", SetPathNoCreate); statusCode(err) != StatusNotFound {
		t.Errorf("SetPath(nope) error = %v", err)
	}

	h.mu.Lock()
	got := append([]string(nil), h.path...)
	h.mu.Unlock()
	if diff := cmp.Diff([]string{"telecom", "msg"}, got); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}

	if err := c.SetPath("", SetPathNoCreate); err != nil {
		t.Fatalf("SetPath(root) error: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.path) != 0 {
		t.Errorf("path after root = %v", h.path)
	}
}

func TestSessionRejects(t *testing.T) {
	t.Run("wrong target", func(t *testing.T) {
		c := startSession(t, &testHandler{})
		err := c.Connect([]byte("not-a-target"))
		if statusCode(err) != StatusNotAcceptable {
			t.Errorf("Connect() error = %v", err)
		}
	})
	t.Run("not connected", func(t *testing.T) {
		c := startSession(t, &testHandler{})
		_, _, err := c.Get([]Header{TypeHeader("x-test/big")})
		if statusCode(err) != StatusBadRequest {
			t.Errorf("Get() error = %v", err)
		}
	})
}

package obex

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
)

// DefaultMaxPacket is the receive limit announced when none is configured.
const DefaultMaxPacket uint16 = 0xFFFE

// SetPath flags.
const (
	SetPathBackup   byte = 0x01
	SetPathNoCreate byte = 0x02
)

// Request is a fully assembled CONNECT, GET, PUT or SETPATH request.
type Request struct {
	Name      string
	HasName   bool
	Type      string
	AppParams []byte
	Body      []byte
	Flags     byte
	Headers   []Header
}

// Backup reports a SETPATH to the parent folder.
func (r *Request) Backup() bool {
	return r.Flags&SetPathBackup != 0
}

func (r *Request) add(headers []Header) {
	for _, h := range headers {
		switch h.ID {
		case HeaderName:
			r.Name = h.Text()
			r.HasName = true
		case HeaderType:
			r.Type = h.ASCII()
		case HeaderAppParams:
			r.AppParams = append(r.AppParams, h.Data...)
		case HeaderBody, HeaderEndOfBody:
			r.Body = append(r.Body, h.Data...)
		case HeaderConnectionID:
		default:
			r.Headers = append(r.Headers, h)
		}
	}
}

// Response is the result of a handled request. A zero Code means success.
type Response struct {
	Code    byte
	Headers []Header
	Body    []byte
}

// Handler serves the requests of one session. Errors are answered with the
// code StatusOf derives from them.
type Handler interface {
	Connect(ctx context.Context, req *Request) error
	Disconnect(ctx context.Context)
	Get(ctx context.Context, req *Request) (*Response, error)
	Put(ctx context.Context, req *Request) (*Response, error)
	SetPath(ctx context.Context, req *Request) error
}

// Server runs OBEX server sessions for one target.
type Server struct {
	Target    []byte
	MaxPacket uint16
	Logger    *slog.Logger
}

type pendingGet struct {
	headers []Header
	body    []byte
}

type session struct {
	srv       *Server
	conn      io.ReadWriteCloser
	h         Handler
	logger    *slog.Logger
	outMax    int
	connected bool
	put       *Request
	get       *Request
	pending   *pendingGet
}

// Serve runs one session on conn until the peer disconnects, the connection
// fails or ctx is cancelled. conn is closed on return.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser, h Handler) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	ss := &session{srv: s, conn: conn, h: h, logger: logger, outMax: MinPacket}
	for {
		pkt, err := ReadRequest(conn)
		if err != nil {
			if ss.connected {
				h.Disconnect(ctx)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		done, err := ss.handle(ctx, pkt)
		if err != nil {
			if ss.connected {
				h.Disconnect(ctx)
			}
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Server) maxPacket() uint16 {
	if s.MaxPacket < MinPacket {
		return DefaultMaxPacket
	}
	return s.MaxPacket
}

func (ss *session) respond(code byte, headers ...Header) error {
	return WritePacket(ss.conn, &Packet{Code: code, Headers: headers})
}

func (ss *session) handle(ctx context.Context, pkt *Packet) (bool, error) {
	op := pkt.Op()
	if op != OpConnect && !ss.connected {
		return false, ss.respond(StatusBadRequest)
	}
	switch op {
	case OpConnect:
		return false, ss.connect(ctx, pkt)
	case OpDisconnect:
		ss.connected = false
		ss.h.Disconnect(ctx)
		return true, ss.respond(StatusSuccess)
	case OpAbort:
		ss.put, ss.get, ss.pending = nil, nil, nil
		return false, ss.respond(StatusSuccess)
	case OpPut:
		return false, ss.handlePut(ctx, pkt)
	case OpGet:
		return false, ss.handleGet(ctx, pkt)
	case OpSetPath:
		req := &Request{Flags: pkt.Flags}
		req.add(pkt.Headers)
		err := ss.h.SetPath(ctx, req)
		if err != nil {
			ss.logger.Debug("setpath rejected", "name", req.Name, "flags", req.Flags, "error", err)
		}
		return false, ss.respond(StatusOf(err))
	default:
		return false, ss.respond(StatusNotImplemented)
	}
}

func (ss *session) connect(ctx context.Context, pkt *Packet) error {
	target, _ := pkt.Header(HeaderTarget)
	if ss.srv.Target != nil && !bytes.Equal(target.Data, ss.srv.Target) {
		ss.logger.Warn("connect with unknown target", "target", target.Data)
		return WritePacket(ss.conn, &Packet{Code: StatusNotAcceptable, Connect: true, MaxPacket: ss.srv.maxPacket()})
	}
	req := &Request{}
	req.add(pkt.Headers)
	if err := ss.h.Connect(ctx, req); err != nil {
		ss.logger.Warn("connect rejected", "error", err)
		return WritePacket(ss.conn, &Packet{Code: StatusOf(err), Connect: true, MaxPacket: ss.srv.maxPacket()})
	}
	ss.outMax = max(int(pkt.MaxPacket), MinPacket)
	ss.connected = true
	resp := &Packet{
		Code:      StatusSuccess,
		Connect:   true,
		MaxPacket: ss.srv.maxPacket(),
		Headers:   []Header{Uint32Header(HeaderConnectionID, 1)},
	}
	if ss.srv.Target != nil {
		resp.Headers = append(resp.Headers, BytesHeader(HeaderWho, ss.srv.Target))
	}
	return WritePacket(ss.conn, resp)
}

func (ss *session) handlePut(ctx context.Context, pkt *Packet) error {
	if ss.put == nil {
		ss.put = &Request{}
	}
	ss.put.add(pkt.Headers)
	if !pkt.Final() {
		return ss.respond(StatusContinue)
	}
	req := ss.put
	ss.put = nil

	resp, err := ss.h.Put(ctx, req)
	if err != nil {
		ss.logger.Debug("put failed", "type", req.Type, "name", req.Name, "error", err)
		return ss.respond(StatusOf(err))
	}
	if resp == nil {
		resp = &Response{}
	}
	return ss.respond(resp.code(), resp.Headers...)
}

func (ss *session) handleGet(ctx context.Context, pkt *Packet) error {
	if ss.pending != nil {
		return ss.sendChunk()
	}
	if ss.get == nil {
		ss.get = &Request{}
	}
	ss.get.add(pkt.Headers)
	if !pkt.Final() {
		return ss.respond(StatusContinue)
	}
	req := ss.get
	ss.get = nil

	resp, err := ss.h.Get(ctx, req)
	if err != nil {
		ss.logger.Debug("get failed", "type", req.Type, "name", req.Name, "error", err)
		return ss.respond(StatusOf(err))
	}
	if resp == nil {
		resp = &Response{}
	}
	if code := resp.code(); code != StatusSuccess {
		return ss.respond(code, resp.Headers...)
	}
	ss.pending = &pendingGet{headers: resp.Headers, body: resp.Body}
	return ss.sendChunk()
}

// sendChunk writes the next response packet of a GET. Headers go in the
// first packet, the body follows in as many packets as the peer needs.
func (ss *session) sendChunk() error {
	p := ss.pending
	pkt := &Packet{Code: StatusContinue, Headers: p.headers}
	p.headers = nil
	room := max(ss.outMax-pkt.Size()-3, 0)
	if len(p.body) <= room {
		pkt.Code = StatusSuccess
		pkt.Headers = append(pkt.Headers, BytesHeader(HeaderEndOfBody, p.body))
		ss.pending = nil
	} else {
		pkt.Headers = append(pkt.Headers, BytesHeader(HeaderBody, p.body[:room]))
		p.body = p.body[room:]
	}
	return WritePacket(ss.conn, pkt)
}

func (r *Response) code() byte {
	if r.Code == 0 {
		return StatusSuccess
	}
	return r.Code
}

package obex

import (
	"fmt"
	"io"
)

// Client is the initiating side of a session. It is not safe for
// concurrent use.
type Client struct {
	conn      io.ReadWriteCloser
	maxPacket uint16
	outMax    int
	connID    *Header
}

// NewClient wraps conn. maxPacket is the receive limit announced on
// connect; zero selects DefaultMaxPacket.
func NewClient(conn io.ReadWriteCloser, maxPacket uint16) *Client {
	if maxPacket < MinPacket {
		maxPacket = DefaultMaxPacket
	}
	return &Client{conn: conn, maxPacket: maxPacket, outMax: MinPacket}
}

func codeError(code byte, op string) error {
	return &Error{Code: code, Msg: op + " refused"}
}

// Connect opens the session for target.
func (c *Client) Connect(target []byte) error {
	req := &Packet{Code: OpConnect | FinalBit, Connect: true, MaxPacket: c.maxPacket}
	if target != nil {
		req.Headers = append(req.Headers, BytesHeader(HeaderTarget, target))
	}
	if err := WritePacket(c.conn, req); err != nil {
		return err
	}
	resp, err := ReadResponse(c.conn, true)
	if err != nil {
		return err
	}
	if resp.Code != StatusSuccess {
		return codeError(resp.Code, "connect")
	}
	c.outMax = max(int(resp.MaxPacket), MinPacket)
	if h, ok := resp.Header(HeaderConnectionID); ok {
		c.connID = &h
	}
	return nil
}

func (c *Client) withConnID(headers []Header) []Header {
	if c.connID == nil {
		return headers
	}
	return append([]Header{*c.connID}, headers...)
}

// Put sends headers and body, splitting the body over as many packets as
// the server accepts. It returns the final response.
func (c *Client) Put(headers []Header, body []byte) (*Packet, error) {
	headers = c.withConnID(headers)
	for {
		pkt := &Packet{Code: OpPut, Headers: headers}
		headers = nil
		room := max(c.outMax-pkt.Size()-3, 0)
		if len(body) <= room {
			pkt.Code |= FinalBit
			pkt.Headers = append(pkt.Headers, BytesHeader(HeaderEndOfBody, body))
			body = nil
		} else {
			pkt.Headers = append(pkt.Headers, BytesHeader(HeaderBody, body[:room]))
			body = body[room:]
		}
		if err := WritePacket(c.conn, pkt); err != nil {
			return nil, err
		}
		resp, err := ReadResponse(c.conn, false)
		if err != nil {
			return nil, err
		}
		if pkt.Final() {
			if resp.Code != StatusSuccess {
				return resp, codeError(resp.Code, "put")
			}
			return resp, nil
		}
		if resp.Code != StatusContinue {
			return resp, codeError(resp.Code, "put")
		}
	}
}

// Get sends a request and collects the response over as many packets as
// the server sends. The returned packet holds the headers of all response
// packets except the body, which is returned separately.
func (c *Client) Get(headers []Header) (*Packet, []byte, error) {
	out := &Packet{}
	var body []byte
	req := &Packet{Code: OpGet | FinalBit, Headers: c.withConnID(headers)}
	for {
		if err := WritePacket(c.conn, req); err != nil {
			return nil, nil, err
		}
		resp, err := ReadResponse(c.conn, false)
		if err != nil {
			return nil, nil, err
		}
		out.Code = resp.Code
		for _, h := range resp.Headers {
			if h.ID == HeaderBody || h.ID == HeaderEndOfBody {
				body = append(body, h.Data...)
				continue
			}
			out.Headers = append(out.Headers, h)
		}
		switch resp.Code {
		case StatusContinue:
			req = &Packet{Code: OpGet | FinalBit, Headers: c.withConnID(nil)}
		case StatusSuccess:
			return out, body, nil
		default:
			return out, nil, codeError(resp.Code, "get")
		}
	}
}

// SetPath changes the server's current folder. An empty name with no
// backup flag selects the root.
func (c *Client) SetPath(name string, flags byte) error {
	req := &Packet{Code: OpSetPath | FinalBit, SetPath: true, Flags: flags}
	req.Headers = c.withConnID(nil)
	if name != "" || flags&SetPathBackup == 0 {
		req.Headers = append(req.Headers, TextHeader(HeaderName, name))
	}
	if err := WritePacket(c.conn, req); err != nil {
		return err
	}
	resp, err := ReadResponse(c.conn, false)
	if err != nil {
		return err
	}
	if resp.Code != StatusSuccess {
		return codeError(resp.Code, fmt.Sprintf("setpath %q", name))
	}
	return nil
}

// Abort cancels the operation in progress.
func (c *Client) Abort() error {
	if err := WritePacket(c.conn, &Packet{Code: 0xFF, Headers: c.withConnID(nil)}); err != nil {
		return err
	}
	_, err := ReadResponse(c.conn, false)
	return err
}

// Disconnect ends the session. The connection stays open; call Close.
func (c *Client) Disconnect() error {
	if err := WritePacket(c.conn, &Packet{Code: OpDisconnect | FinalBit, Headers: c.withConnID(nil)}); err != nil {
		return err
	}
	resp, err := ReadResponse(c.conn, false)
	if err != nil {
		return err
	}
	if resp.Code != StatusSuccess {
		return codeError(resp.Code, "disconnect")
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

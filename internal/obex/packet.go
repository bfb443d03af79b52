// Package obex implements the subset of the OBEX session protocol MAP
// needs: connection set-up with a target, multi-packet GET and PUT,
// SETPATH, ABORT and DISCONNECT, for both the server and the client side.
package obex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
)

// ErrBadPacket is returned for packets that cannot be decoded.
var ErrBadPacket = errors.New("obex: bad packet")

// Request opcodes, without the final bit.
const (
	OpConnect    byte = 0x00
	OpDisconnect byte = 0x01
	OpPut        byte = 0x02
	OpGet        byte = 0x03
	OpSetPath    byte = 0x05
	OpAbort      byte = 0x7F

	FinalBit byte = 0x80
)

// Response codes, final bit included.
const (
	StatusContinue           byte = 0x90
	StatusSuccess            byte = 0xA0
	StatusBadRequest         byte = 0xC0
	StatusUnauthorized       byte = 0xC1
	StatusForbidden          byte = 0xC3
	StatusNotFound           byte = 0xC4
	StatusNotAcceptable      byte = 0xC6
	StatusPreconditionFailed byte = 0xCC
	StatusInternalError      byte = 0xD0
	StatusNotImplemented     byte = 0xD1
	StatusUnavailable        byte = 0xD3
)

// HeaderID identifies a header. The top two bits select the encoding.
type HeaderID byte

const (
	HeaderCount        HeaderID = 0xC0
	HeaderName         HeaderID = 0x01
	HeaderType         HeaderID = 0x42
	HeaderLength       HeaderID = 0xC3
	HeaderDescription  HeaderID = 0x05
	HeaderTarget       HeaderID = 0x46
	HeaderBody         HeaderID = 0x48
	HeaderEndOfBody    HeaderID = 0x49
	HeaderWho          HeaderID = 0x4A
	HeaderConnectionID HeaderID = 0xCB
	HeaderAppParams    HeaderID = 0x4C
)

const (
	encUnicode = 0x00
	encBytes   = 0x40
	encByte    = 0x80
	encUint32  = 0xC0
)

// Version is the OBEX protocol version sent on connect.
const Version byte = 0x10

// MinPacket is the smallest maximum packet length a peer may announce.
const MinPacket = 255

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// Header is one decoded header. Data holds the UTF-16BE text without the
// terminator for unicode headers and the raw value otherwise.
type Header struct {
	ID   HeaderID
	Data []byte
}

func (id HeaderID) encoding() byte {
	return byte(id) & 0xC0
}

// TextHeader builds a unicode header such as Name.
func TextHeader(id HeaderID, s string) Header {
	b, _ := utf16be.NewEncoder().Bytes([]byte(s))
	return Header{ID: id, Data: b}
}

// BytesHeader builds a byte sequence header.
func BytesHeader(id HeaderID, b []byte) Header {
	return Header{ID: id, Data: b}
}

// TypeHeader builds a Type header; the value is sent NUL terminated.
func TypeHeader(mime string) Header {
	return Header{ID: HeaderType, Data: append([]byte(mime), 0)}
}

// Uint32Header builds a four byte header such as ConnectionID.
func Uint32Header(id HeaderID, v uint32) Header {
	return Header{ID: id, Data: binary.BigEndian.AppendUint32(nil, v)}
}

// Text decodes a unicode header.
func (h Header) Text() string {
	b, err := utf16be.NewDecoder().Bytes(h.Data)
	if err != nil {
		return ""
	}
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// ASCII returns a byte sequence header as a string without the terminator.
func (h Header) ASCII() string {
	b := h.Data
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

func (h Header) Uint32() uint32 {
	if len(h.Data) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(h.Data)
}

func (h Header) size() int {
	switch h.ID.encoding() {
	case encUnicode:
		if len(h.Data) == 0 {
			return 3
		}
		return 3 + len(h.Data) + 2
	case encBytes:
		return 3 + len(h.Data)
	case encByte:
		return 2
	default:
		return 5
	}
}

func (h Header) appendTo(b []byte) ([]byte, error) {
	switch h.ID.encoding() {
	case encUnicode:
		n := 3
		if len(h.Data) > 0 {
			n += len(h.Data) + 2
		}
		b = append(b, byte(h.ID))
		b = binary.BigEndian.AppendUint16(b, uint16(n))
		if len(h.Data) > 0 {
			b = append(b, h.Data...)
			b = append(b, 0, 0)
		}
	case encBytes:
		b = append(b, byte(h.ID))
		b = binary.BigEndian.AppendUint16(b, uint16(3+len(h.Data)))
		b = append(b, h.Data...)
	case encByte:
		if len(h.Data) != 1 {
			return nil, fmt.Errorf("%w: header 0x%02X needs 1 byte", ErrBadPacket, byte(h.ID))
		}
		b = append(b, byte(h.ID), h.Data[0])
	default:
		if len(h.Data) != 4 {
			return nil, fmt.Errorf("%w: header 0x%02X needs 4 bytes", ErrBadPacket, byte(h.ID))
		}
		b = append(b, byte(h.ID))
		b = append(b, h.Data...)
	}
	return b, nil
}

// Packet is one request or response.
type Packet struct {
	Code byte

	// Connect packets carry version, flags and the maximum packet length.
	Connect   bool
	Flags     byte
	MaxPacket uint16

	// SetPath requests carry flags and a constants byte.
	SetPath   bool
	Constants byte

	Headers []Header
}

// Final reports whether the final bit of a request opcode is set.
func (p *Packet) Final() bool {
	return p.Code&FinalBit != 0
}

// Op returns the request opcode without the final bit.
func (p *Packet) Op() byte {
	if p.Code == 0xFF {
		return OpAbort
	}
	return p.Code &^ FinalBit
}

func (p *Packet) Header(id HeaderID) (Header, bool) {
	for _, h := range p.Headers {
		if h.ID == id {
			return h, true
		}
	}
	return Header{}, false
}

// Body concatenates the Body and EndOfBody headers.
func (p *Packet) Body() []byte {
	var out []byte
	for _, h := range p.Headers {
		if h.ID == HeaderBody || h.ID == HeaderEndOfBody {
			out = append(out, h.Data...)
		}
	}
	return out
}

func (p *Packet) overhead() int {
	n := 3
	if p.Connect {
		n += 4
	}
	if p.SetPath {
		n += 2
	}
	return n
}

// Size is the encoded length of p.
func (p *Packet) Size() int {
	n := p.overhead()
	for _, h := range p.Headers {
		n += h.size()
	}
	return n
}

func (p *Packet) Encode() ([]byte, error) {
	size := p.Size()
	if size > 0xFFFF {
		return nil, fmt.Errorf("%w: packet of %d bytes", ErrBadPacket, size)
	}
	b := make([]byte, 0, size)
	b = append(b, p.Code)
	b = binary.BigEndian.AppendUint16(b, uint16(size))
	if p.Connect {
		b = append(b, Version, p.Flags)
		b = binary.BigEndian.AppendUint16(b, p.MaxPacket)
	}
	if p.SetPath {
		b = append(b, p.Flags, p.Constants)
	}
	var err error
	for _, h := range p.Headers {
		if b, err = h.appendTo(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// WritePacket encodes p to w in one write.
func WritePacket(w io.Writer, p *Packet) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	head := make([]byte, 3)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(head[1:]))
	if n < 3 {
		return nil, fmt.Errorf("%w: length %d", ErrBadPacket, n)
	}
	frame := make([]byte, n)
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[3:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// ReadRequest reads one request packet.
func ReadRequest(r io.Reader) (*Packet, error) {
	frame, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	p := &Packet{Code: frame[0]}
	rest := frame[3:]
	switch p.Op() {
	case OpConnect:
		if rest, err = p.readConnect(rest); err != nil {
			return nil, err
		}
	case OpSetPath:
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: short setpath", ErrBadPacket)
		}
		p.SetPath = true
		p.Flags, p.Constants = rest[0], rest[1]
		rest = rest[2:]
	}
	if p.Headers, err = parseHeaders(rest); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadResponse reads one response packet. connect selects the layout of a
// response to CONNECT.
func ReadResponse(r io.Reader, connect bool) (*Packet, error) {
	frame, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	p := &Packet{Code: frame[0]}
	rest := frame[3:]
	if connect {
		if rest, err = p.readConnect(rest); err != nil {
			return nil, err
		}
	}
	if p.Headers, err = parseHeaders(rest); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Packet) readConnect(rest []byte) ([]byte, error) {
	if len(rest) < 4 {
		return nil, fmt.Errorf("%w: short connect", ErrBadPacket)
	}
	p.Connect = true
	p.Flags = rest[1]
	p.MaxPacket = binary.BigEndian.Uint16(rest[2:4])
	return rest[4:], nil
}

func parseHeaders(b []byte) ([]Header, error) {
	var out []Header
	for len(b) > 0 {
		id := HeaderID(b[0])
		switch id.encoding() {
		case encUnicode, encBytes:
			if len(b) < 3 {
				return nil, fmt.Errorf("%w: short header 0x%02X", ErrBadPacket, byte(id))
			}
			n := int(binary.BigEndian.Uint16(b[1:3]))
			if n < 3 || n > len(b) {
				return nil, fmt.Errorf("%w: header 0x%02X length %d", ErrBadPacket, byte(id), n)
			}
			data := append([]byte(nil), b[3:n]...)
			if id.encoding() == encUnicode && len(data) >= 2 && data[len(data)-1] == 0 && data[len(data)-2] == 0 {
				data = data[:len(data)-2]
			}
			out = append(out, Header{ID: id, Data: data})
			b = b[n:]
		case encByte:
			if len(b) < 2 {
				return nil, fmt.Errorf("%w: short header 0x%02X", ErrBadPacket, byte(id))
			}
			out = append(out, Header{ID: id, Data: []byte{b[1]}})
			b = b[2:]
		default:
			if len(b) < 5 {
				return nil, fmt.Errorf("%w: short header 0x%02X", ErrBadPacket, byte(id))
			}
			out = append(out, Header{ID: id, Data: append([]byte(nil), b[1:5]...)})
			b = b[5:]
		}
	}
	return out, nil
}

// Package bmsg parses and renders bMessage containers: the CRLF framed,
// length-delimited text format MAP uses to carry one message together with
// its originator and recipient vCards.
package bmsg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformed is returned for any structural problem in a bMessage or
// vCard.
var ErrMalformed = errors.New("bmsg: malformed message")

// Type is the value of the TYPE property.
type Type string

const (
	TypeEmail   Type = "EMAIL"
	TypeSMSGSM  Type = "SMS_GSM"
	TypeSMSCDMA Type = "SMS_CDMA"
	TypeMMS     Type = "MMS"
	TypeIM      Type = "IM"
)

// ParseType validates a TYPE value.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.TrimSpace(s)); t {
	case TypeEmail, TypeSMSGSM, TypeSMSCDMA, TypeMMS, TypeIM:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrMalformed, s)
}

// IsSMS reports whether t is one of the SMS types.
func (t Type) IsSMS() bool {
	return t == TypeSMSGSM || t == TypeSMSCDMA
}

// Charset is the MAP Charset application parameter.
type Charset int

const (
	CharsetNative Charset = 0
	CharsetUTF8   Charset = 1
)

const (
	maxFolderLen = 512
	msgBegin     = "BEGIN:MSG\r\n"
	msgEnd       = "\r\nEND:MSG\r\n"
	// framing added around every fragment: BEGIN:MSG, END:MSG and three CRLFs
	fragmentOverhead = len(msgBegin) + len(msgEnd)
)

// Message is one decoded bMessage.
type Message struct {
	Version      string // "1.0" or "1.1"
	Read         bool
	Type         Type
	Folder       string
	ExtendedData string

	Originators []VCard
	Recipients  []VCard

	PartID   string
	Encoding string
	Charset  string
	Language string
	// Length is the declared body length seen on decode. Encode computes
	// its own value.
	Length int

	Payload Payload
}

// Payload is the type-specific body of a message. It is one of *SMS,
// *Email or *MIME.
type Payload interface {
	decodePart(ctx *decodeContext, part []byte) error
	fragments() ([][]byte, error)
}

type decodeContext struct {
	typ     Type
	charset Charset
}

func newPayload(t Type) Payload {
	switch t {
	case TypeSMSGSM, TypeSMSCDMA:
		return &SMS{}
	case TypeEmail:
		return &Email{}
	default:
		return &MIME{}
	}
}

var (
	unescapeEnd = regexp.MustCompile(`(^|\r\n)(/*)/END:MSG`)
	escapeEnd   = regexp.MustCompile(`(^|\r\n)(/*)END:MSG`)
)

func unescape(s string) string {
	return unescapeEnd.ReplaceAllString(s, "${1}${2}END:MSG")
}

func escape(s string) string {
	return escapeEnd.ReplaceAllString(s, "${1}/${2}END:MSG")
}

// Decode parses one bMessage from r. charset is the Charset application
// parameter of the request; NATIVE is only accepted for SMS types.
func Decode(r io.Reader, charset Charset) (*Message, error) {
	lr := newLineReader(r)
	if _, err := lr.expect("BEGIN:BMSG"); err != nil {
		return nil, err
	}
	line, err := lr.expect("VERSION")
	if err != nil {
		return nil, err
	}
	m := &Message{}
	if m.Version, err = property(line, "VERSION", true); err != nil {
		return nil, err
	}

	for {
		if line, err = lr.must(); err != nil {
			return nil, err
		}
		if strings.Contains(line, "BEGIN:VCARD") || strings.Contains(line, "BEGIN:BENV") {
			break
		}
		key, _, _ := strings.Cut(line, ":")
		switch strings.TrimSpace(key) {
		case "STATUS":
			v, err := property(line, "STATUS", true)
			if err != nil {
				return nil, err
			}
			switch v {
			case "READ":
				m.Read = true
			case "UNREAD":
				m.Read = false
			default:
				return nil, fmt.Errorf("%w: wrong value in STATUS: %q", ErrMalformed, v)
			}
		case "TYPE":
			v, err := property(line, "TYPE", true)
			if err != nil {
				return nil, err
			}
			if m.Type, err = ParseType(v); err != nil {
				return nil, err
			}
			if charset == CharsetNative && !m.Type.IsSMS() {
				return nil, fmt.Errorf("%w: native charset only supported for SMS", ErrMalformed)
			}
		case "FOLDER":
			m.Folder, _ = property(line, "FOLDER", false)
		case "EXTENDEDDATA":
			m.ExtendedData, _ = property(line, "EXTENDEDDATA", false)
		}
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing TYPE", ErrMalformed)
	}
	m.Payload = newPayload(m.Type)

	for strings.Contains(line, "BEGIN:VCARD") {
		v, err := decodeVCard(lr, 0)
		if err != nil {
			return nil, err
		}
		m.Originators = append(m.Originators, v)
		if line, err = lr.must(); err != nil {
			return nil, err
		}
	}
	if !strings.Contains(line, "BEGIN:BENV") {
		return nil, fmt.Errorf("%w: no BEGIN:BENV in %q", ErrMalformed, line)
	}
	depth, err := m.decodeEnvelope(lr, &decodeContext{typ: m.Type, charset: charset})
	if err != nil {
		return nil, err
	}
	for i := 0; i < depth; i++ {
		if _, err := lr.expect("END:BENV"); err != nil {
			return nil, err
		}
	}
	if _, err := lr.expect("END:BMSG"); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeEnvelope reads recipient vCards, nested envelopes and the body.
// It returns how many envelopes are open once the body has been read.
func (m *Message) decodeEnvelope(lr *lineReader, ctx *decodeContext) (int, error) {
	depth := 1
	for {
		line, err := lr.must()
		if err != nil {
			return 0, err
		}
		switch {
		case strings.Contains(line, "BEGIN:VCARD"):
			v, err := decodeVCard(lr, depth-1)
			if err != nil {
				return 0, err
			}
			m.Recipients = append(m.Recipients, v)
		case strings.Contains(line, "BEGIN:BENV"):
			depth++
		case strings.Contains(line, "BEGIN:BBODY"):
			return depth, m.decodeBody(lr, ctx)
		default:
			return 0, fmt.Errorf("%w: unexpected %q in envelope", ErrMalformed, line)
		}
	}
}

func (m *Message) decodeBody(lr *lineReader, ctx *decodeContext) error {
	m.Length = -1
	sawBody := false
	for {
		line, err := lr.must()
		if err != nil {
			return err
		}
		if strings.Contains(line, "END:BBODY") {
			if !sawBody {
				return fmt.Errorf("%w: body has no BEGIN:MSG", ErrMalformed)
			}
			return nil
		}
		key, _, _ := strings.Cut(line, ":")
		switch strings.TrimSpace(key) {
		case "PARTID":
			v, err := property(line, "PARTID", true)
			if err != nil {
				return err
			}
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				return fmt.Errorf("%w: wrong value in PARTID: %q", ErrMalformed, v)
			}
			m.PartID = v
		case "ENCODING":
			if m.Encoding, err = property(line, "ENCODING", true); err != nil {
				return err
			}
		case "CHARSET":
			if m.Charset, err = property(line, "CHARSET", true); err != nil {
				return err
			}
		case "LANGUAGE":
			if m.Language, err = property(line, "LANGUAGE", true); err != nil {
				return err
			}
		case "LENGTH":
			v, err := property(line, "LENGTH", true)
			if err != nil {
				return err
			}
			if m.Length, err = strconv.Atoi(v); err != nil {
				return fmt.Errorf("%w: wrong value in LENGTH: %q", ErrMalformed, v)
			}
			if m.Length < 0 {
				return fmt.Errorf("%w: negative LENGTH %d", ErrMalformed, m.Length)
			}
		case "BEGIN":
			if strings.TrimSpace(line) != "BEGIN:MSG" {
				return fmt.Errorf("%w: unexpected %q in body", ErrMalformed, line)
			}
			if m.Length < 0 {
				return fmt.Errorf("%w: missing LENGTH before BEGIN:MSG", ErrMalformed)
			}
			if err := m.decodeFragments(lr, ctx); err != nil {
				return err
			}
			sawBody = true
		default:
			return fmt.Errorf("%w: unexpected %q in body", ErrMalformed, line)
		}
	}
}

// decodeFragments reads the declared body length, minus the BEGIN:MSG line
// already consumed, and hands every fragment to the payload.
func (m *Message) decodeFragments(lr *lineReader, ctx *decodeContext) error {
	data, err := lr.bytes(m.Length - len(msgBegin))
	if err != nil {
		return err
	}
	if !bytes.HasSuffix(data, []byte(msgEnd)) {
		return fmt.Errorf("%w: body does not end with END:MSG within declared length %d", ErrMalformed, m.Length)
	}
	data = data[:len(data)-len(msgEnd)]
	for _, part := range bytes.Split(data, []byte(msgEnd+msgBegin)) {
		if err := m.Payload.decodePart(ctx, []byte(unescape(string(part)))); err != nil {
			return err
		}
	}
	return nil
}

// Encode renders m. LENGTH is computed from the rendered fragments and the
// folder is cut to its last 512 characters.
func (m *Message) Encode() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("%w: no payload", ErrMalformed)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing TYPE", ErrMalformed)
	}
	frags, err := m.Payload.fragments()
	if err != nil {
		return nil, err
	}

	version := m.Version
	if version == "" {
		version = "1.0"
	}
	status := "UNREAD"
	if m.Read {
		status = "READ"
	}
	folder := m.Folder
	if r := []rune(folder); len(r) > maxFolderLen {
		folder = string(r[len(r)-maxFolderLen:])
	}

	var sb strings.Builder
	sb.WriteString("BEGIN:BMSG\r\n")
	sb.WriteString("VERSION:" + version + "\r\n")
	sb.WriteString("STATUS:" + status + "\r\n")
	sb.WriteString("TYPE:" + string(m.Type) + "\r\n")
	sb.WriteString("FOLDER:" + folder + "\r\n")
	if version != "1.0" {
		sb.WriteString("EXTENDEDDATA:" + m.ExtendedData + "\r\n")
	}
	for _, v := range m.Originators {
		v.encode(&sb)
	}

	levels := 1
	for _, v := range m.Recipients {
		if v.EnvLevel+1 > levels {
			levels = v.EnvLevel + 1
		}
	}
	for level := 0; level < levels; level++ {
		sb.WriteString("BEGIN:BENV\r\n")
		for _, v := range m.Recipients {
			if v.EnvLevel == level {
				v.encode(&sb)
			}
		}
	}

	sb.WriteString("BEGIN:BBODY\r\n")
	if m.PartID != "" {
		sb.WriteString("PARTID:" + m.PartID + "\r\n")
	}
	if m.Encoding != "" {
		sb.WriteString("ENCODING:" + m.Encoding + "\r\n")
	}
	if m.Charset != "" {
		sb.WriteString("CHARSET:" + m.Charset + "\r\n")
	}
	if m.Language != "" {
		sb.WriteString("LANGUAGE:" + m.Language + "\r\n")
	}
	length := 0
	for _, f := range frags {
		length += len(f) + fragmentOverhead
	}
	sb.WriteString("LENGTH:" + strconv.Itoa(length) + "\r\n")

	var buf bytes.Buffer
	buf.Grow(sb.Len() + length + 64)
	buf.WriteString(sb.String())
	for _, f := range frags {
		buf.WriteString(msgBegin)
		buf.Write(f)
		buf.WriteString(msgEnd)
	}
	buf.WriteString("END:BBODY\r\n")
	for level := 0; level < levels; level++ {
		buf.WriteString("END:BENV\r\n")
	}
	buf.WriteString("END:BMSG\r\n")
	return buf.Bytes(), nil
}

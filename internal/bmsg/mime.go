package bmsg

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// MIME is the payload of IM and MMS messages: a multipart document whose
// parts carry their own content type, charset and transfer encoding.
type MIME struct {
	MessageID string
	Date      time.Time
	Subject   string
	From      []*mail.Address
	To        []*mail.Address
	Cc        []*mail.Address
	ReplyTo   []*mail.Address
	Parts     []MIMEPart
}

// MIMEPart is one decoded body part. Text parts are converted to UTF-8 when
// their charset is known; Charset keeps the declared name, or "utf-8" when
// it was missing or unsupported.
type MIMEPart struct {
	ContentType     string
	Charset         string
	ContentID       string
	ContentLocation string
	Filename        string
	Data            []byte
}

// Text concatenates the text/plain parts.
func (m *MIME) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if strings.HasPrefix(p.ContentType, "text/plain") {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.Write(p.Data)
		}
	}
	return sb.String()
}

// ParseMIME reads a stored MIME document.
func ParseMIME(raw []byte) (*MIME, error) {
	m := &MIME{}
	if err := m.decodePart(nil, raw); err != nil {
		return nil, err
	}
	return m, nil
}

// Bytes renders m as a multipart/mixed document.
func (m *MIME) Bytes() ([]byte, error) {
	frags, err := m.fragments()
	if err != nil {
		return nil, err
	}
	return []byte(unescape(string(frags[0]))), nil
}

func (m *MIME) decodePart(_ *decodeContext, part []byte) error {
	e, err := message.Read(bytes.NewReader(part))
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("%w: parse mime: %v", ErrMalformed, err)
	}
	unknown := err != nil
	h := mail.Header{Header: e.Header}
	if m.MessageID == "" {
		m.MessageID, _ = h.MessageID()
	}
	if m.Date.IsZero() {
		m.Date, _ = h.Date()
	}
	if m.Subject == "" {
		m.Subject, _ = h.Subject()
	}
	if m.From == nil {
		m.From, _ = h.AddressList("From")
	}
	if m.To == nil {
		m.To, _ = h.AddressList("To")
	}
	if m.Cc == nil {
		m.Cc, _ = h.AddressList("Cc")
	}
	if m.ReplyTo == nil {
		m.ReplyTo, _ = h.AddressList("Reply-To")
	}

	mr := e.MultipartReader()
	if mr == nil {
		p, err := readMIMEPart(e, unknown)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, p)
		return nil
	}
	for {
		pe, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("%w: read mime part: %v", ErrMalformed, err)
		}
		p, err := readMIMEPart(pe, err != nil)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}

// readMIMEPart drains one entity. unknownCharset is set when go-message
// could not convert the body, which is then kept as is.
func readMIMEPart(e *message.Entity, unknownCharset bool) (MIMEPart, error) {
	mediaType, params, _ := e.Header.ContentType()
	if mediaType == "" {
		mediaType = "text/plain"
	}
	charset := strings.ToLower(params["charset"])
	if charset == "" || unknownCharset {
		charset = "utf-8"
	}
	data, err := io.ReadAll(e.Body)
	if err != nil {
		return MIMEPart{}, fmt.Errorf("%w: read mime body: %v", ErrMalformed, err)
	}
	p := MIMEPart{
		ContentType:     mediaType,
		Charset:         charset,
		ContentID:       strings.Trim(e.Header.Get("Content-Id"), "<>"),
		ContentLocation: e.Header.Get("Content-Location"),
		Data:            data,
	}
	if _, dp, err := e.Header.ContentDisposition(); err == nil {
		p.Filename = dp["filename"]
	}
	if p.Filename == "" {
		p.Filename = params["name"]
	}
	return p, nil
}

func (m *MIME) fragments() ([][]byte, error) {
	var h mail.Header
	if !m.Date.IsZero() {
		h.SetDate(m.Date)
	}
	if m.Subject != "" {
		h.SetSubject(m.Subject)
	}
	if m.MessageID != "" {
		h.SetMessageID(m.MessageID)
	}
	if len(m.From) > 0 {
		h.SetAddressList("From", m.From)
	}
	if len(m.To) > 0 {
		h.SetAddressList("To", m.To)
	}
	if len(m.Cc) > 0 {
		h.SetAddressList("Cc", m.Cc)
	}
	if len(m.ReplyTo) > 0 {
		h.SetAddressList("Reply-To", m.ReplyTo)
	}
	h.Set("Mime-Version", "1.0")
	h.SetContentType("multipart/mixed", nil)

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("create mime writer: %w", err)
	}
	for _, p := range m.Parts {
		var ph message.Header
		params := map[string]string{}
		if strings.HasPrefix(p.ContentType, "text/") {
			// bodies are held as UTF-8 once decoded
			params["charset"] = "utf-8"
			ph.Set("Content-Transfer-Encoding", "8bit")
		} else {
			ph.Set("Content-Transfer-Encoding", "base64")
		}
		if p.Filename != "" {
			params["name"] = p.Filename
			ph.SetContentDisposition("attachment", map[string]string{"filename": p.Filename})
		}
		ph.SetContentType(p.ContentType, params)
		if p.ContentID != "" {
			ph.Set("Content-Id", "<"+p.ContentID+">")
		}
		if p.ContentLocation != "" {
			ph.Set("Content-Location", p.ContentLocation)
		}
		pw, err := w.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create mime part: %w", err)
		}
		if _, err := pw.Write(p.Data); err != nil {
			return nil, fmt.Errorf("write mime part: %w", err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close mime part: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close mime writer: %w", err)
	}
	return [][]byte{[]byte(escape(buf.String()))}, nil
}

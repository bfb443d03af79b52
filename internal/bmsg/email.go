package bmsg

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Email is the payload of EMAIL messages: one RFC 5322 text block.
type Email struct {
	Body string
}

func (e *Email) decodePart(_ *decodeContext, part []byte) error {
	e.Body += string(part)
	return nil
}

func (e *Email) fragments() ([][]byte, error) {
	return [][]byte{[]byte(escape(e.Body))}, nil
}

// Attachment is one non-inline part of an e-mail.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// EmailContent is the parsed view of an Email body.
type EmailContent struct {
	MessageID   string
	Subject     string
	From        []*mail.Address
	To          []*mail.Address
	Cc          []*mail.Address
	Date        time.Time
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

// Parse reads the RFC 5322 body. Unknown charsets are tolerated; the raw
// bytes are kept as UTF-8.
func (e *Email) Parse() (*EmailContent, error) {
	return ParseEmail([]byte(e.Body))
}

// ParseEmail parses a raw RFC 5322 message.
func ParseEmail(raw []byte) (*EmailContent, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: parse e-mail: %v", ErrMalformed, err)
	}
	c := &EmailContent{}
	h := reader.Header
	if subject, err := h.Subject(); err == nil {
		c.Subject = subject
	}
	c.MessageID, _ = h.MessageID()
	c.From, _ = h.AddressList("From")
	c.To, _ = h.AddressList("To")
	c.Cc, _ = h.AddressList("Cc")
	c.Date, _ = h.Date()

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return c, fmt.Errorf("%w: read e-mail part: %v", ErrMalformed, err)
		}
		if part == nil {
			break
		}
		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
				if c.TextBody == "" {
					c.TextBody = string(body)
				} else {
					c.TextBody += "\n" + string(body)
				}
			case strings.HasPrefix(mediaType, "text/html"):
				if c.HTMLBody == "" {
					c.HTMLBody = string(body)
				} else {
					c.HTMLBody += "\n" + string(body)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			if strings.TrimSpace(filename) == "" {
				filename = "attachment"
			}
			contentType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			c.Attachments = append(c.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Data:        body,
			})
		}
	}
	return c, nil
}

// BuildEmail renders a plain-text RFC 5322 message.
func BuildEmail(c *EmailContent) ([]byte, error) {
	var h mail.Header
	date := c.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetSubject(c.Subject)
	h.SetAddressList("From", c.From)
	h.SetAddressList("To", c.To)
	if len(c.Cc) > 0 {
		h.SetAddressList("Cc", c.Cc)
	}
	if c.MessageID != "" {
		h.SetMessageID(c.MessageID)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create e-mail writer: %w", err)
	}
	if _, err := io.WriteString(w, c.TextBody); err != nil {
		return nil, fmt.Errorf("write e-mail body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close e-mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

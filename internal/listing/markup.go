package listing

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Listing markup versions.
const (
	Version10 = "1.0"
	Version11 = "1.1"
)

const dateTimeLayout = "20060102T150405"

// FormatDateTime renders t in local time as YYYYMMDDTHHMMSS.
func FormatDateTime(t time.Time) string {
	return t.Local().Format(dateTimeLayout)
}

// ParseDateTime reads a YYYYMMDDTHHMMSS value in local time. A trailing UTC
// offset ("+hhmm" or "-hhmm") is honoured when present.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(dateTimeLayout) {
		return time.Parse(dateTimeLayout+"-0700", s)
	}
	return time.ParseInLocation(dateTimeLayout, s, time.Local)
}

// StripInvalidXML drops every rune outside [0x20,0xD7FF] and
// [0xE000,0xFFFD]. Control characters and supplementary plane runes such as
// emoji are removed.
func StripInvalidXML(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 0x20 && r <= 0xD7FF) || (r >= 0xE000 && r <= 0xFFFD) {
			return r
		}
		return -1
	}, s)
}

type attrs []xml.Attr

func (a *attrs) str(name, v string) {
	if v = StripInvalidXML(v); v != "" {
		*a = append(*a, xml.Attr{Name: xml.Name{Local: name}, Value: v})
	}
}

func (a *attrs) when(name string, t time.Time) {
	if !t.IsZero() {
		*a = append(*a, xml.Attr{Name: xml.Name{Local: name}, Value: FormatDateTime(t)})
	}
}

func (a *attrs) num(name string, v int) {
	if v >= 0 {
		*a = append(*a, xml.Attr{Name: xml.Name{Local: name}, Value: strconv.Itoa(v)})
	}
}

func (a *attrs) flag(name string, f Flag) {
	if f != FlagUnset {
		*a = append(*a, xml.Attr{Name: xml.Name{Local: name}, Value: f.String()})
	}
}

func (a *attrs) uid(name string, u UID) {
	if !u.IsZero() {
		*a = append(*a, xml.Attr{Name: xml.Name{Local: name}, Value: u.String()})
	}
}

type document struct {
	buf bytes.Buffer
	enc *xml.Encoder
}

func newDocument() *document {
	d := &document{}
	d.buf.WriteString(xml.Header)
	d.enc = xml.NewEncoder(&d.buf)
	d.enc.Indent("", "  ")
	return d
}

func (d *document) open(name string, a attrs) (xml.StartElement, error) {
	start := xml.StartElement{Name: xml.Name{Local: name}, Attr: a}
	return start, d.enc.EncodeToken(start)
}

func (d *document) leaf(name string, a attrs) error {
	start, err := d.open(name, a)
	if err != nil {
		return err
	}
	return d.enc.EncodeToken(start.End())
}

func (d *document) close(start xml.StartElement) error {
	return d.enc.EncodeToken(start.End())
}

func (d *document) bytes() ([]byte, error) {
	if err := d.enc.Flush(); err != nil {
		return nil, err
	}
	d.buf.WriteString("\n")
	return d.buf.Bytes(), nil
}

func versionAttr(version string) attrs {
	return attrs{{Name: xml.Name{Local: "version"}, Value: version}}
}

// FolderListing renders the children of f, windowed by Segment.
func FolderListing(f Folder, count, offset int) ([]byte, error) {
	d := newDocument()
	root, err := d.open("folder-listing", versionAttr(Version10))
	if err != nil {
		return nil, fmt.Errorf("folder listing: %w", err)
	}
	for _, child := range Segment(f.Children(), count, offset) {
		var a attrs
		a.str("name", child.Name())
		if err := d.leaf("folder", a); err != nil {
			return nil, fmt.Errorf("folder listing: %w", err)
		}
	}
	if err := d.close(root); err != nil {
		return nil, fmt.Errorf("folder listing: %w", err)
	}
	return d.bytes()
}

func (e *MessageElement) attrs(version string) attrs {
	var a attrs
	a.str("handle", e.Handle)
	a.str("subject", e.Subject)
	a.when("datetime", e.DateTime)
	a.str("sender_name", e.SenderName)
	a.str("sender_addressing", e.SenderAddressing)
	a.str("replyto_addressing", e.ReplyToAddressing)
	a.str("recipient_name", e.RecipientName)
	a.str("recipient_addressing", e.RecipientAddressing)
	a.str("type", string(e.Type))
	a.num("size", e.Size)
	a.flag("text", e.Text)
	a.str("reception_status", e.ReceptionStatus)
	a.num("attachment_size", e.AttachmentSize)
	a.flag("priority", e.Priority)
	a.flag("read", e.Read)
	a.flag("sent", e.Sent)
	a.flag("protected", e.Protected)
	if version == Version11 {
		a.str("delivery_status", e.DeliveryStatus)
		a.uid("conversation_id", e.ConversationID)
		a.str("conversation_name", e.ConversationName)
		a.str("direction", e.Direction)
		a.str("attachment_mime_types", strings.Join(e.AttachmentMimeTypes, ","))
	}
	return a
}

// Markup renders the listing as a MAP-msg-listing document.
func (l *MessageListing) Markup(version string) ([]byte, error) {
	d := newDocument()
	root, err := d.open("MAP-msg-listing", versionAttr(version))
	if err != nil {
		return nil, fmt.Errorf("message listing: %w", err)
	}
	for i := range l.Messages {
		if err := d.leaf("msg", l.Messages[i].attrs(version)); err != nil {
			return nil, fmt.Errorf("message listing: %w", err)
		}
	}
	if err := d.close(root); err != nil {
		return nil, fmt.Errorf("message listing: %w", err)
	}
	return d.bytes()
}

func (c *ContactElement) attrs() attrs {
	var a attrs
	a.str("uci", c.UCI)
	a.str("display_name", c.DisplayName)
	a.num("chat_state", c.ChatState)
	a.when("last_activity", c.LastActivity)
	a.uid("x_bt_uid", c.BtUID)
	a.str("name", c.Name)
	a.num("presence_availability", c.PresenceAvailability)
	a.str("presence_text", c.PresenceText)
	a.num("priority", c.Priority)
	return a
}

func (c *ConversationElement) attrs() attrs {
	var a attrs
	a.uid("id", c.ID)
	a.str("name", c.Name)
	a.when("last_activity", c.LastActivity)
	a.flag("read_status", c.Read)
	if c.VersionCounter >= 0 {
		a.str("version_counter", UID{LSB: uint64(c.VersionCounter)}.String())
	}
	a.str("summary", c.Summary)
	return a
}

// Markup renders the listing as a MAP-convo-listing document.
func (l *ConversationListing) Markup() ([]byte, error) {
	d := newDocument()
	root, err := d.open("MAP-convo-listing", versionAttr(Version10))
	if err != nil {
		return nil, fmt.Errorf("conversation listing: %w", err)
	}
	for i := range l.Conversations {
		c := &l.Conversations[i]
		start, err := d.open("conversation", c.attrs())
		if err != nil {
			return nil, fmt.Errorf("conversation listing: %w", err)
		}
		for j := range c.Contacts {
			if err := d.leaf("participant", c.Contacts[j].attrs()); err != nil {
				return nil, fmt.Errorf("conversation listing: %w", err)
			}
		}
		if err := d.close(start); err != nil {
			return nil, fmt.Errorf("conversation listing: %w", err)
		}
	}
	if err := d.close(root); err != nil {
		return nil, fmt.Errorf("conversation listing: %w", err)
	}
	return d.bytes()
}

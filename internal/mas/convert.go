package mas

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/btmap/internal/bmsg"
	"github.io/infrasutra/btmap/internal/listing"
	"github.io/infrasutra/btmap/internal/pdu"
	"github.io/infrasutra/btmap/internal/store"
)

// ParameterMask bits of a message listing request.
const (
	maskSubject uint32 = 1 << iota
	maskDateTime
	maskSenderName
	maskSenderAddressing
	maskRecipientName
	maskRecipientAddressing
	maskType
	maskSize
	maskReceptionStatus
	maskText
	maskAttachmentSize
	maskPriority
	maskRead
	maskSent
	maskProtected
	maskReplyToAddressing
	maskDeliveryStatus
	maskConversationID
	maskConversationName
	maskDirection
	maskAttachmentMime
)

const (
	maskAll = 1<<21 - 1
	// attributes every listing row carries whatever the peer asked for
	maskMandatory = maskSubject | maskDateTime | maskRecipientAddressing | maskType |
		maskSize | maskReceptionStatus | maskAttachmentSize
)

// ConvoParameterMask bits of a conversation listing request.
const (
	convoMaskName uint32 = 1 << iota
	convoMaskLastActivity
	convoMaskReadStatus
	convoMaskVersionCounter
	convoMaskSummary
	convoMaskParticipants
	convoMaskParticipantUCI
	convoMaskParticipantDisplayName

	convoMaskAll = 1<<15 - 1
)

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func direction(m *store.Message) string {
	switch {
	case m.Incoming():
		return "incoming"
	case m.Folder == listing.FolderDraft:
		return "outgoingdraft"
	case m.Folder == listing.FolderOutbox:
		return "outgoingpending"
	}
	return "outgoing"
}

// messageElement renders one listing row. Attributes outside mask are left
// unset so the markup omits them.
func messageElement(m *store.Message, mask uint32, subjectLen int) listing.MessageElement {
	if mask == 0 {
		mask = maskAll
	}
	mask |= maskMandatory
	t := listing.MessageType(m.Type)
	e := listing.MessageElement{
		Handle:         listing.FormatHandle(m.ID, t),
		Size:           -1,
		AttachmentSize: -1,
	}
	has := func(bit uint32) bool { return mask&bit != 0 }
	if has(maskSubject) {
		e.Subject = listing.StripInvalidXML(truncateRunes(m.Subject, subjectLen))
	}
	if has(maskDateTime) {
		e.DateTime = m.CreatedAt
	}
	if has(maskSenderName) {
		e.SenderName = listing.StripInvalidXML(m.SenderName)
	}
	if has(maskSenderAddressing) {
		e.SenderAddressing = m.SenderAddr
	}
	if has(maskRecipientName) {
		e.RecipientName = listing.StripInvalidXML(m.RecipientName)
	}
	if has(maskRecipientAddressing) {
		e.RecipientAddressing = m.RecipientAddr
	}
	if has(maskReplyToAddressing) {
		e.ReplyToAddressing = m.ReplyTo
	}
	if has(maskType) {
		e.Type = t
	}
	if has(maskSize) {
		e.Size = int(m.Size)
	}
	if has(maskText) {
		e.Text = listing.BoolFlag(t != listing.TypeMMS || m.Size > m.AttachmentSize)
	}
	if has(maskReceptionStatus) {
		e.ReceptionStatus = "complete"
	}
	if has(maskAttachmentSize) {
		e.AttachmentSize = int(m.AttachmentSize)
	}
	if has(maskPriority) {
		e.Priority = listing.BoolFlag(m.Priority)
	}
	if has(maskRead) {
		e.Read = listing.BoolFlag(m.Read)
	}
	if has(maskSent) {
		e.Sent = listing.BoolFlag(m.Sent)
	}
	if has(maskProtected) {
		e.Protected = listing.BoolFlag(m.Protected)
	}
	if has(maskDeliveryStatus) {
		e.DeliveryStatus = m.DeliveryStatus
	}
	if has(maskConversationID) && m.ThreadID != 0 {
		e.ConversationID = listing.ConvoID(m.ThreadID, t)
	}
	if has(maskDirection) {
		e.Direction = direction(m)
	}
	return e
}

func conversationElement(c *store.Conversation, t listing.MessageType, mask uint32) listing.ConversationElement {
	if mask == 0 {
		mask = convoMaskAll
	}
	e := listing.ConversationElement{
		ID:             listing.ConvoID(c.ID, t),
		VersionCounter: -1,
	}
	if mask&convoMaskName != 0 {
		e.Name = listing.StripInvalidXML(c.Name)
	}
	if mask&convoMaskLastActivity != 0 {
		e.LastActivity = c.LastActivity
	}
	if mask&convoMaskReadStatus != 0 {
		e.Read = listing.BoolFlag(c.Unread == 0)
	}
	if mask&convoMaskVersionCounter != 0 {
		e.VersionCounter = c.Version
	}
	if mask&convoMaskSummary != 0 {
		e.SetSummary(listing.StripInvalidXML(c.Summary))
	}
	if mask&convoMaskParticipants != 0 {
		contact := listing.NewContact("", "")
		if mask&convoMaskParticipantUCI != 0 {
			contact.UCI = c.PeerAddr
		}
		if mask&convoMaskParticipantDisplayName != 0 {
			contact.DisplayName = listing.StripInvalidXML(c.PeerName)
		}
		contact.LastActivity = c.LastActivity
		e.Contacts = []listing.ContactElement{contact}
	}
	return e
}

// vcardFor builds the vCard of one party, addressed the way t addresses
// its peers.
func vcardFor(t listing.MessageType, name, addr string) bmsg.VCard {
	switch t {
	case listing.TypeEmail:
		return bmsg.NewVCard(name, name, nil, nonEmpty(addr))
	case listing.TypeIM:
		v := bmsg.NewVCard(name, name, nil, nil)
		v.UCIs = nonEmpty(addr)
		return v
	}
	return bmsg.NewVCard(name, name, nonEmpty(addr), nil)
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// encodeMessage renders a stored message as a bMessage.
func encodeMessage(m *store.Message, charset bmsg.Charset, version string, attachments bool) (*bmsg.Message, error) {
	t := listing.MessageType(m.Type)
	out := &bmsg.Message{
		Version:     version,
		Read:        m.Read,
		Type:        bmsg.Type(m.Type),
		Folder:      folderPath(m.Folder),
		Originators: []bmsg.VCard{vcardFor(t, m.SenderName, m.SenderAddr)},
		Recipients:  []bmsg.VCard{vcardFor(t, m.RecipientName, m.RecipientAddr)},
	}

	switch t {
	case listing.TypeSMSGSM, listing.TypeSMSCDMA:
		if charset == bmsg.CharsetUTF8 {
			out.Charset = "UTF-8"
			out.Payload = &bmsg.SMS{Text: string(m.Body)}
			break
		}
		kind := pdu.KindGSM
		if t == listing.TypeSMSCDMA {
			kind = pdu.KindCDMA
		}
		var (
			pdus []*pdu.PDU
			err  error
		)
		if m.Incoming() {
			pdus, err = pdu.BuildDeliverPdus(string(m.Body), m.SenderAddr, kind, m.CreatedAt)
		} else {
			pdus, err = pdu.BuildSubmitPdus(string(m.Body), m.RecipientAddr, kind)
		}
		if err == nil && len(pdus) == 0 {
			err = fmt.Errorf("%w: no pdu for text", pdu.ErrMalformed)
		}
		if err != nil {
			return nil, fmt.Errorf("encode message %d: %w", m.ID, err)
		}
		out.Encoding = bmsg.PDUEncodingName(pdus[0])
		out.Payload = &bmsg.SMS{Text: string(m.Body), PDUs: pdus}
	case listing.TypeEmail:
		body := m.Body
		if !attachments {
			c, err := bmsg.ParseEmail(body)
			if err == nil && len(c.Attachments) > 0 {
				c.Attachments = nil
				if body, err = bmsg.BuildEmail(c); err != nil {
					return nil, fmt.Errorf("encode message %d: %w", m.ID, err)
				}
			}
		}
		out.Charset = "UTF-8"
		out.Encoding = "8BIT"
		out.Payload = &bmsg.Email{Body: string(body)}
	default:
		doc, err := bmsg.ParseMIME(m.Body)
		if err != nil {
			return nil, fmt.Errorf("encode message %d: %w", m.ID, err)
		}
		if !attachments {
			parts := doc.Parts[:0]
			for _, p := range doc.Parts {
				if strings.HasPrefix(p.ContentType, "text/") {
					parts = append(parts, p)
				}
			}
			doc.Parts = parts
		}
		out.Charset = "UTF-8"
		out.Encoding = "8BIT"
		out.Payload = doc
	}
	return out, nil
}

func firstParty(t listing.MessageType, cards []bmsg.VCard) (name, addr string) {
	for _, v := range cards {
		name = v.FormattedName
		if name == "" {
			name = v.Name
		}
		switch t {
		case listing.TypeEmail:
			addr = v.FirstEmail()
		case listing.TypeIM:
			addr = v.FirstUCI()
		default:
			addr = v.FirstPhone()
		}
		if addr != "" {
			return name, addr
		}
	}
	return name, addr
}

func addressList(list []*mail.Address) string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return strings.Join(out, ";")
}

// decodePushed turns a pushed bMessage into the stored form for folder.
func decodePushed(in *bmsg.Message, mailbox, folder string, now time.Time) (store.Message, error) {
	t := listing.MessageType(in.Type)
	m := store.Message{
		Mailbox:   mailbox,
		Type:      string(in.Type),
		Folder:    folder,
		Read:      true,
		CreatedAt: now,
	}
	m.SenderName, m.SenderAddr = firstParty(t, in.Originators)
	m.RecipientName, m.RecipientAddr = firstParty(t, in.Recipients)

	switch p := in.Payload.(type) {
	case *bmsg.SMS:
		m.Body = []byte(p.Text)
		m.Subject = truncateRunes(p.Text, 64)
	case *bmsg.Email:
		c, err := p.Parse()
		if err != nil {
			return store.Message{}, err
		}
		m.Body = []byte(p.Body)
		m.Subject = c.Subject
		if len(c.From) > 0 && m.SenderAddr == "" {
			m.SenderAddr, m.SenderName = c.From[0].Address, c.From[0].Name
		}
		if to := addressList(append(c.To, c.Cc...)); to != "" {
			m.RecipientAddr = to
		}
		for _, a := range c.Attachments {
			m.AttachmentSize += int64(len(a.Data))
		}
	case *bmsg.MIME:
		raw, err := p.Bytes()
		if err != nil {
			return store.Message{}, err
		}
		m.Body = raw
		m.Subject = p.Subject
		if m.Subject == "" {
			m.Subject = truncateRunes(p.Text(), 64)
		}
		for _, part := range p.Parts {
			if !strings.HasPrefix(part.ContentType, "text/") {
				m.AttachmentSize += int64(len(part.Data))
			}
		}
	default:
		return store.Message{}, fmt.Errorf("%w: no payload", bmsg.ErrMalformed)
	}
	m.Size = int64(len(m.Body))
	return m, nil
}

// relayTargets lists the envelope recipients of a stored e-mail.
func relayTargets(m *store.Message) []string {
	var out []string
	for _, a := range strings.Split(m.RecipientAddr, ";") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

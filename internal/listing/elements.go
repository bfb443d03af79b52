package listing

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageType is the value of the type attribute of a message row.
type MessageType string

const (
	TypeEmail   MessageType = "EMAIL"
	TypeSMSGSM  MessageType = "SMS_GSM"
	TypeSMSCDMA MessageType = "SMS_CDMA"
	TypeMMS     MessageType = "MMS"
	TypeIM      MessageType = "IM"
)

// Category returns the conversation counter category of t.
func (t MessageType) Category() Category {
	switch t {
	case TypeEmail:
		return CategoryEmail
	case TypeIM:
		return CategoryIM
	default:
		return CategorySMSMMS
	}
}

var handleMasks = map[MessageType]uint64{
	TypeMMS:     0x01 << 56,
	TypeEmail:   0x02 << 56,
	TypeSMSGSM:  0x04 << 56,
	TypeSMSCDMA: 0x08 << 56,
	TypeIM:      0x10 << 56,
}

const handleTypeMask = uint64(0xff) << 56

// FormatHandle renders a message handle: the store id with the message type
// in the top byte, as 16 hex digits.
func FormatHandle(id int64, t MessageType) string {
	return fmt.Sprintf("%016X", uint64(id)&^handleTypeMask|handleMasks[t])
}

// ParseHandle reverses FormatHandle.
func ParseHandle(s string) (int64, MessageType, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse handle %q: %w", s, err)
	}
	for t, mask := range handleMasks {
		if v&handleTypeMask == mask {
			return int64(v &^ handleTypeMask), t, nil
		}
	}
	return 0, "", fmt.Errorf("parse handle %q: unknown type bits", s)
}

// Flag is a yes/no attribute that can also be left out.
type Flag int8

const (
	FlagUnset Flag = iota
	FlagNo
	FlagYes
)

func BoolFlag(b bool) Flag {
	if b {
		return FlagYes
	}
	return FlagNo
}

func (f Flag) String() string {
	switch f {
	case FlagYes:
		return "yes"
	case FlagNo:
		return "no"
	}
	return ""
}

// UID is a 128 bit identifier rendered as 32 hex digits.
type UID struct {
	MSB uint64
	LSB uint64
}

func (u UID) IsZero() bool {
	return u.MSB == 0 && u.LSB == 0
}

func (u UID) String() string {
	return fmt.Sprintf("%016X%016X", u.MSB, u.LSB)
}

// ParseUID reads up to 32 hex digits; shorter values fill the low half
// first.
func ParseUID(s string) (UID, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 32 {
		return UID{}, fmt.Errorf("parse uid %q: bad length", s)
	}
	var u UID
	split := max(len(s)-16, 0)
	var err error
	if split > 0 {
		if u.MSB, err = strconv.ParseUint(s[:split], 16, 64); err != nil {
			return UID{}, fmt.Errorf("parse uid %q: %w", s, err)
		}
	}
	if u.LSB, err = strconv.ParseUint(s[split:], 16, 64); err != nil {
		return UID{}, fmt.Errorf("parse uid %q: %w", s, err)
	}
	return u, nil
}

// Conversation id type discriminators.
const (
	ConvoTypeSMSMMS  uint64 = 1
	ConvoTypeEmailIM uint64 = 2
)

// ConvoID builds the id of a conversation from its store thread id.
func ConvoID(threadID int64, t MessageType) UID {
	kind := ConvoTypeEmailIM
	if t.Category() == CategorySMSMMS {
		kind = ConvoTypeSMSMMS
	}
	return UID{MSB: kind, LSB: uint64(threadID)}
}

// MessageElement is one row of a message listing. Empty strings, zero
// times, negative sizes and unset flags are left out of the markup.
type MessageElement struct {
	Handle              string
	Subject             string
	DateTime            time.Time
	SenderName          string
	SenderAddressing    string
	ReplyToAddressing   string
	RecipientName       string
	RecipientAddressing string
	Type                MessageType
	Size                int
	Text                Flag
	ReceptionStatus     string
	AttachmentSize      int
	Priority            Flag
	Read                Flag
	Sent                Flag
	Protected           Flag

	// Listing version 1.1 only.
	DeliveryStatus      string
	ConversationID      UID
	ConversationName    string
	Direction           string
	AttachmentMimeTypes []string
}

// ContactElement is one participant of a conversation.
type ContactElement struct {
	UCI                  string
	DisplayName          string
	Name                 string
	PresenceAvailability int
	PresenceText         string
	ChatState            int
	Priority             int
	LastActivity         time.Time
	BtUID                UID
}

// NewContact returns a contact with every numeric attribute unset.
func NewContact(uci, displayName string) ContactElement {
	return ContactElement{
		UCI:                  uci,
		DisplayName:          displayName,
		PresenceAvailability: -1,
		ChatState:            -1,
		Priority:             -1,
	}
}

// ConversationElement is one row of a conversation listing. A negative
// VersionCounter is left out of the markup.
type ConversationElement struct {
	ID             UID
	Name           string
	LastActivity   time.Time
	Read           Flag
	VersionCounter int64
	Summary        string
	Contacts       []ContactElement
}

const maxSummaryBytes = 256

// SetSummary stores s cut to 256 bytes without splitting a rune.
func (c *ConversationElement) SetSummary(s string) {
	c.Summary = truncateUTF8(s, maxSummaryBytes)
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// MessageListing collects rows for one listing response.
type MessageListing struct {
	Messages []MessageElement
	// Unread is set when any row is unread, whatever the segment served.
	Unread bool
}

func (l *MessageListing) Add(e MessageElement) {
	l.Messages = append(l.Messages, e)
	if e.Read == FlagNo {
		l.Unread = true
	}
}

func (l *MessageListing) Count() int {
	return len(l.Messages)
}

// Sort orders rows newest first.
func (l *MessageListing) Sort() {
	slices.SortStableFunc(l.Messages, func(a, b MessageElement) int {
		return b.DateTime.Compare(a.DateTime)
	})
}

func (l *MessageListing) Segment(count, offset int) {
	l.Messages = Segment(l.Messages, count, offset)
}

// ConversationListing collects rows for one conversation listing response.
type ConversationListing struct {
	Conversations []ConversationElement
	Unread        bool
}

func (l *ConversationListing) Add(e ConversationElement) {
	l.Conversations = append(l.Conversations, e)
	if e.Read == FlagNo {
		l.Unread = true
	}
}

func (l *ConversationListing) Count() int {
	return len(l.Conversations)
}

func (l *ConversationListing) Sort() {
	slices.SortStableFunc(l.Conversations, func(a, b ConversationElement) int {
		return b.LastActivity.Compare(a.LastActivity)
	})
}

func (l *ConversationListing) Segment(count, offset int) {
	l.Conversations = Segment(l.Conversations, count, offset)
}

// Segment returns the window [offset, offset+count) of list. count is
// clamped to the rows left after offset. When nothing is left to clamp to,
// an offset at or beyond the end yields an empty list and any other offset
// yields the whole tail.
func Segment[T any](list []T, count, offset int) []T {
	offset = max(offset, 0)
	size := len(list)
	n := min(count, size-offset)
	if n <= 0 {
		if offset >= size {
			return []T{}
		}
		return list[offset:]
	}
	return list[offset : offset+n]
}

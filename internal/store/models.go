package store

import "time"

// Message is one stored message of any type. Body holds the type specific
// content: SMS text, a raw RFC 5322 e-mail, or a MIME document for MMS and
// IM. Listing queries leave Body empty and fill Size.
type Message struct {
	ID             int64
	Mailbox        string
	Type           string
	Folder         string
	OldFolder      string
	ThreadID       int64
	Subject        string
	SenderName     string
	SenderAddr     string
	RecipientName  string
	RecipientAddr  string
	ReplyTo        string
	Body           []byte
	Size           int64
	Read           bool
	Sent           bool
	Priority       bool
	Protected      bool
	AttachmentSize int64
	DeliveryStatus string
	CreatedAt      time.Time
}

// Incoming reports whether the message was received rather than composed.
func (m *Message) Incoming() bool {
	switch m.Folder {
	case "outbox", "sent", "draft":
		return false
	case "deleted":
		return m.OldFolder == "" || m.OldFolder == "inbox"
	}
	return true
}

// Read status filter values.
const (
	ReadAny    = 0
	ReadUnread = 1
	ReadRead   = 2
)

// Priority filter values.
const (
	PriorityAny     = 0
	PriorityHigh    = 1
	PriorityNonHigh = 2
)

// Filter narrows a message listing. Zero values match everything.
type Filter struct {
	Folder     string
	Types      []string
	ReadStatus int
	Since      time.Time
	Until      time.Time
	Originator string
	Recipient  string
	Priority   int
	ThreadID   int64
}

// Conversation is one message thread with a single remote participant.
type Conversation struct {
	ID           int64
	Mailbox      string
	Name         string
	PeerAddr     string
	PeerName     string
	LastActivity time.Time
	Messages     int
	Unread       int
	Version      int64
	Summary      string
}

// ConversationFilter narrows a conversation listing.
type ConversationFilter struct {
	Since      time.Time
	Until      time.Time
	ReadStatus int
	ID         int64
}

// OwnerStatus is the presence and chat state of the local user on one IM
// mailbox, as last set by a peer.
type OwnerStatus struct {
	Mailbox      string
	Presence     int
	PresenceText string
	LastActivity time.Time
	ChatState    int
	// ChatConvo is the conversation id ChatState applies to.
	ChatConvo string
	UpdatedAt time.Time
}

// OwnerStatusUpdate carries the fields a peer sets. Nil fields keep their
// stored value.
type OwnerStatusUpdate struct {
	Presence     *int
	PresenceText *string
	LastActivity *time.Time
	ChatState    *int
	ChatConvo    *string
}

// Empty reports whether u changes nothing.
func (u OwnerStatusUpdate) Empty() bool {
	return u.Presence == nil && u.PresenceText == nil && u.LastActivity == nil &&
		u.ChatState == nil && u.ChatConvo == nil
}

// Permission is a remembered access decision for a remote device.
type Permission struct {
	Peer      string
	Allowed   bool
	UpdatedAt time.Time
}

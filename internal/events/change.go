package events

import (
	"fmt"
	"time"
)

// Op is what happened to a stored message.
type Op int

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
	OpMove
	OpRead
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpMove:
		return "move"
	case OpRead:
		return "read"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Change is one batch of store modifications scoped to a mailbox. Rows
// lists every message touched by the batch; consumers bump version
// counters once per Change, not once per row.
type Change struct {
	Mailbox string
	Op      Op
	Rows    []Row
}

// Row identifies one touched message and carries the fields an event
// report needs, as they were after the change.
type Row struct {
	ID         int64
	Type       string
	Folder     string
	OldFolder  string
	ThreadID   int64
	Subject    string
	SenderName string
	Read       bool
	Priority   bool
	CreatedAt  time.Time
}

// SMSMMSMailbox is the mailbox topic of the built-in SMS/MMS instance.
// Account backed mailboxes use their account id.
const SMSMMSMailbox = "sms-mms"

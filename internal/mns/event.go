// Package mns delivers event reports to the peer's notification server over
// one outbound OBEX connection shared by every message access instance.
package mns

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.io/infrasutra/btmap/internal/listing"
)

// EventType names an event report.
type EventType string

const (
	NewMessage                  EventType = "NewMessage"
	MessageDeleted              EventType = "MessageDeleted"
	MessageShift                EventType = "MessageShift"
	SendingSuccess              EventType = "SendingSuccess"
	SendingFailure              EventType = "SendingFailure"
	DeliverySuccess             EventType = "DeliverySuccess"
	DeliveryFailure             EventType = "DeliveryFailure"
	MemoryFull                  EventType = "MemoryFull"
	MemoryAvailable             EventType = "MemoryAvailable"
	ReadStatusChanged           EventType = "ReadStatusChanged"
	ConversationChanged         EventType = "ConversationChanged"
	ParticipantPresenceChanged  EventType = "ParticipantPresenceChanged"
	ParticipantChatStateChanged EventType = "ParticipantChatStateChanged"
	MessageExtendedDataChanged  EventType = "MessageExtendedDataChanged"
	MessageRemoved              EventType = "MessageRemoved"
)

// filterBits maps each event to its bit in the NotificationFilter mask.
var filterBits = map[EventType]uint32{
	NewMessage:                  1 << 0,
	MessageDeleted:              1 << 1,
	MessageShift:                1 << 2,
	SendingSuccess:              1 << 3,
	SendingFailure:              1 << 4,
	DeliverySuccess:             1 << 5,
	DeliveryFailure:             1 << 6,
	MemoryFull:                  1 << 7,
	MemoryAvailable:             1 << 8,
	ReadStatusChanged:           1 << 9,
	ConversationChanged:         1 << 10,
	ParticipantPresenceChanged:  1 << 11,
	ParticipantChatStateChanged: 1 << 12,
	MessageExtendedDataChanged:  1 << 13,
	MessageRemoved:              1 << 14,
}

// FilterAll enables every event.
const FilterAll uint32 = 0x7FFF

// Allowed reports whether filter enables t.
func (t EventType) Allowed(filter uint32) bool {
	return filter&filterBits[t] != 0
}

// legacy reports whether t exists in version 1.0 reports.
func (t EventType) legacy() bool {
	return filterBits[t] <= filterBits[MemoryAvailable]
}

// Report versions.
const (
	Version10 = "1.0"
	Version11 = "1.1"
)

// Event is one event report. Fields beyond the handle, folders and message
// type are only sent in version 1.1 reports.
type Event struct {
	Type      EventType
	Handle    string
	Folder    string
	OldFolder string
	MsgType   listing.MessageType

	DateTime         time.Time
	Subject          string
	SenderName       string
	Priority         listing.Flag
	ReadStatus       listing.Flag
	ConversationID   listing.UID
	ConversationName string
}

type eventXML struct {
	XMLName          xml.Name `xml:"event"`
	Type             string   `xml:"type,attr"`
	Handle           string   `xml:"handle,attr,omitempty"`
	Folder           string   `xml:"folder,attr,omitempty"`
	OldFolder        string   `xml:"old_folder,attr,omitempty"`
	MsgType          string   `xml:"msg_type,attr,omitempty"`
	DateTime         string   `xml:"datetime,attr,omitempty"`
	Subject          string   `xml:"subject,attr,omitempty"`
	SenderName       string   `xml:"sender_name,attr,omitempty"`
	Priority         string   `xml:"priority,attr,omitempty"`
	ReadStatus       string   `xml:"read_status,attr,omitempty"`
	ConversationName string   `xml:"conversation_name,attr,omitempty"`
	ConversationID   string   `xml:"conversation_id,attr,omitempty"`
}

type reportXML struct {
	XMLName xml.Name `xml:"MAP-event-report"`
	Version string   `xml:"version,attr"`
	Event   eventXML
}

const maxSubjectRunes = 256

// Markup renders e as a MAP-event-report document.
func (e *Event) Markup(version string) ([]byte, error) {
	if version != Version11 && !e.Type.legacy() {
		return nil, fmt.Errorf("event %s needs report version %s", e.Type, Version11)
	}
	ev := eventXML{
		Type:      string(e.Type),
		Handle:    e.Handle,
		Folder:    listing.StripInvalidXML(e.Folder),
		OldFolder: listing.StripInvalidXML(e.OldFolder),
		MsgType:   string(e.MsgType),
	}
	if version == Version11 {
		if !e.DateTime.IsZero() {
			ev.DateTime = listing.FormatDateTime(e.DateTime)
		}
		subject := []rune(listing.StripInvalidXML(e.Subject))
		if len(subject) > maxSubjectRunes {
			subject = subject[:maxSubjectRunes]
		}
		ev.Subject = string(subject)
		ev.SenderName = listing.StripInvalidXML(e.SenderName)
		if e.Priority != listing.FlagUnset {
			ev.Priority = e.Priority.String()
		}
		if e.ReadStatus != listing.FlagUnset {
			ev.ReadStatus = e.ReadStatus.String()
		}
		ev.ConversationName = listing.StripInvalidXML(e.ConversationName)
		if !e.ConversationID.IsZero() {
			ev.ConversationID = e.ConversationID.String()
		}
	}
	out, err := xml.MarshalIndent(reportXML{Version: version, Event: ev}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("event report: %w", err)
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

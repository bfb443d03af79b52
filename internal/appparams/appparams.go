// Package appparams encodes and decodes the MAP application parameters
// carried in the OBEX App-Parameters header: a sequence of tag, length,
// value triplets.
package appparams

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a triplet runs past the end of the header.
var ErrMalformed = errors.New("appparams: malformed header")

type Tag byte

const (
	MaxListCount         Tag = 0x01
	StartOffset          Tag = 0x02
	FilterMessageType    Tag = 0x03
	FilterPeriodBegin    Tag = 0x04
	FilterPeriodEnd      Tag = 0x05
	FilterReadStatus     Tag = 0x06
	FilterRecipient      Tag = 0x07
	FilterOriginator     Tag = 0x08
	FilterPriority       Tag = 0x09
	Attachment           Tag = 0x0A
	Transparent          Tag = 0x0B
	Retry                Tag = 0x0C
	NewMessage           Tag = 0x0D
	NotificationStatus   Tag = 0x0E
	MASInstanceID        Tag = 0x0F
	ParameterMask        Tag = 0x10
	FolderListingSize    Tag = 0x11
	MessageListingSize   Tag = 0x12
	SubjectLength        Tag = 0x13
	Charset              Tag = 0x14
	FractionRequest      Tag = 0x15
	FractionDeliver      Tag = 0x16
	StatusIndicator      Tag = 0x17
	StatusValue          Tag = 0x18
	MSETime              Tag = 0x19
	DatabaseIdentifier   Tag = 0x1A
	ConvoListingVersion  Tag = 0x1B
	PresenceAvailability Tag = 0x1C
	PresenceText         Tag = 0x1D
	LastActivity         Tag = 0x1E
	ChatState            Tag = 0x1F
	FilterConvoID        Tag = 0x20
	ConvoListingSize     Tag = 0x21
	FilterPresence       Tag = 0x22
	FilterUIDPresent     Tag = 0x23
	ChatStateConvoID     Tag = 0x24
	FolderVersionCounter Tag = 0x25
	FilterMessageHandle  Tag = 0x26
	NotificationFilter   Tag = 0x27
	ConvoParameterMask   Tag = 0x28
	MapSupportedFeatures Tag = 0x29

	maxKnownTag = MapSupportedFeatures
)

// StatusIndicator values.
const (
	StatusRead         = 0
	StatusDeleted      = 1
	StatusExtendedData = 2
)

// Charset values.
const (
	CharsetNative = 0
	CharsetUTF8   = 1
)

const (
	unlimited = -1
	upTo16    = -16
	upTo32    = -32
)

// FilterMessageType bits exclude a message type from a listing.
const (
	FilterNoSMSGSM  = 0x01
	FilterNoSMSCDMA = 0x02
	FilterNoEmail   = 0x04
	FilterNoMMS     = 0x08
	FilterNoIM      = 0x10
)

// lengths holds the expected value length per tag: a positive fixed size,
// a negative upper bound, or unlimited.
var lengths = map[Tag]int{
	MaxListCount:         2,
	StartOffset:          2,
	FilterMessageType:    1,
	FilterPeriodBegin:    unlimited,
	FilterPeriodEnd:      unlimited,
	FilterReadStatus:     1,
	FilterRecipient:      unlimited,
	FilterOriginator:     unlimited,
	FilterPriority:       1,
	Attachment:           1,
	Transparent:          1,
	Retry:                1,
	NewMessage:           1,
	NotificationStatus:   1,
	MASInstanceID:        1,
	ParameterMask:        4,
	FolderListingSize:    2,
	MessageListingSize:   2,
	SubjectLength:        1,
	Charset:              1,
	FractionRequest:      1,
	FractionDeliver:      1,
	StatusIndicator:      1,
	StatusValue:          1,
	MSETime:              unlimited,
	DatabaseIdentifier:   upTo16,
	ConvoListingVersion:  16,
	PresenceAvailability: 1,
	PresenceText:         unlimited,
	LastActivity:         unlimited,
	ChatState:            1,
	FilterConvoID:        upTo32,
	ConvoListingSize:     2,
	FilterPresence:       1,
	FilterUIDPresent:     1,
	ChatStateConvoID:     16,
	FolderVersionCounter: 16,
	FilterMessageHandle:  upTo16,
	NotificationFilter:   4,
	ConvoParameterMask:   4,
	MapSupportedFeatures: 4,
}

func validLength(t Tag, n int) bool {
	want, ok := lengths[t]
	switch {
	case !ok, want == unlimited:
		return true
	case want > 0:
		return n == want
	default:
		return n > 0 && n <= -want
	}
}

type entry struct {
	tag   Tag
	value []byte
}

// Params is an ordered set of application parameters. The zero value is
// empty and ready to use.
type Params struct {
	entries []entry
	invalid []Tag
}

// Parse decodes a header value. Triplets whose length does not match the
// tag are skipped and reported by Invalid; unknown tags are kept.
func Parse(b []byte) (*Params, error) {
	p := &Params{}
	for i := 0; i < len(b); {
		if i+2 > len(b) {
			return nil, fmt.Errorf("%w: truncated triplet at %d", ErrMalformed, i)
		}
		tag, n := Tag(b[i]), int(b[i+1])
		i += 2
		if i+n > len(b) {
			return nil, fmt.Errorf("%w: tag 0x%02X length %d past end", ErrMalformed, byte(tag), n)
		}
		if !validLength(tag, n) {
			p.invalid = append(p.invalid, tag)
		} else {
			p.set(tag, append([]byte(nil), b[i:i+n]...))
		}
		i += n
	}
	return p, nil
}

// Invalid lists the tags dropped by Parse for having the wrong length.
func (p *Params) Invalid() []Tag {
	return p.invalid
}

func (p *Params) set(t Tag, v []byte) {
	for i := range p.entries {
		if p.entries[i].tag == t {
			p.entries[i].value = v
			return
		}
	}
	p.entries = append(p.entries, entry{tag: t, value: v})
}

func (p *Params) Has(t Tag) bool {
	_, ok := p.Bytes(t)
	return ok
}

func (p *Params) Bytes(t Tag) ([]byte, bool) {
	if p == nil {
		return nil, false
	}
	for _, e := range p.entries {
		if e.tag == t {
			return e.value, true
		}
	}
	return nil, false
}

// Uint reads a big-endian integer value of 1, 2, 4 or 8 bytes.
func (p *Params) Uint(t Tag) (uint64, bool) {
	v, ok := p.Bytes(t)
	if !ok {
		return 0, false
	}
	switch len(v) {
	case 1:
		return uint64(v[0]), true
	case 2:
		return uint64(binary.BigEndian.Uint16(v)), true
	case 4:
		return uint64(binary.BigEndian.Uint32(v)), true
	case 8:
		return binary.BigEndian.Uint64(v), true
	}
	return 0, false
}

// Int is Uint with a fallback for absent parameters.
func (p *Params) Int(t Tag, fallback int) int {
	v, ok := p.Uint(t)
	if !ok {
		return fallback
	}
	return int(v)
}

func (p *Params) String(t Tag) (string, bool) {
	v, ok := p.Bytes(t)
	if !ok {
		return "", false
	}
	// strings are sent NUL terminated by some peers
	for len(v) > 0 && v[len(v)-1] == 0 {
		v = v[:len(v)-1]
	}
	return string(v), true
}

func (p *Params) SetUint8(t Tag, v uint8) {
	p.set(t, []byte{v})
}

func (p *Params) SetUint16(t Tag, v uint16) {
	p.set(t, binary.BigEndian.AppendUint16(nil, v))
}

func (p *Params) SetUint32(t Tag, v uint32) {
	p.set(t, binary.BigEndian.AppendUint32(nil, v))
}

func (p *Params) SetString(t Tag, v string) {
	p.set(t, []byte(v))
}

func (p *Params) SetBytes(t Tag, v []byte) {
	p.set(t, append([]byte(nil), v...))
}

// Len reports the number of parameters.
func (p *Params) Len() int {
	return len(p.entries)
}

// Encode renders the parameters in insertion order. Values longer than 255
// bytes are cut.
func (p *Params) Encode() []byte {
	var out []byte
	for _, e := range p.entries {
		v := e.value
		if len(v) > 255 {
			v = v[:255]
		}
		out = append(out, byte(e.tag), byte(len(v)))
		out = append(out, v...)
	}
	return out
}

func (t Tag) String() string {
	if t == 0 || t > maxKnownTag {
		return fmt.Sprintf("tag(0x%02X)", byte(t))
	}
	return fmt.Sprintf("0x%02X", byte(t))
}

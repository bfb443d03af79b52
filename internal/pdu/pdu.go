// Package pdu encodes and decodes SMS protocol data units for GSM (3GPP TS
// 23.040) and CDMA (3GPP2 C.S0015) bearers. It converts between application
// text and the packed 7-bit, 8-bit and 16-bit representations, mutates
// SUBMIT units into DELIVER units and back, and segments long texts into
// concatenated fragments.
//
// Functions in this package never retain or modify the caller's byte
// slices; every mutation happens on a private copy.
package pdu

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the bearer a PDU belongs to.
type Kind int

const (
	KindGSM Kind = iota
	KindCDMA
)

func (k Kind) String() string {
	switch k {
	case KindGSM:
		return "GSM"
	case KindCDMA:
		return "CDMA"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Encoding is the text encoding carried by a PDU's user data.
type Encoding int

const (
	EncodingUnknown Encoding = iota
	Encoding7Bit
	Encoding8Bit
	Encoding16Bit
	EncodingKSC5601
)

func (e Encoding) String() string {
	switch e {
	case Encoding7Bit:
		return "7bit"
	case Encoding8Bit:
		return "8bit"
	case Encoding16Bit:
		return "16bit"
	case EncodingKSC5601:
		return "ksc5601"
	default:
		return "unknown"
	}
}

var (
	// ErrMalformed is returned for truncated or structurally invalid PDUs.
	ErrMalformed = errors.New("pdu: malformed")
	// ErrUnsupportedEncoding is returned when the data coding scheme names
	// an encoding this package cannot turn into text.
	ErrUnsupportedEncoding = errors.New("pdu: unsupported encoding")
)

// PDU is one SMS protocol data unit.
//
// For GSM, SCAddress holds the service-centre address exactly as it appears
// on the wire (length octet first); a unit without a service centre carries
// the single octet 0x00. CDMA units have no service-centre address.
type PDU struct {
	Data      []byte
	SCAddress []byte
	Kind      Kind
	Encoding  Encoding

	// National language tables announced in the user-data header.
	LanguageTable      int
	LanguageShiftTable int

	// Filled in by DecodeText.
	UserDataOffset int
	SeptetPadding  int
	SeptetCount    int
}

// Parse splits raw bytes, as carried in a bMessage, into a PDU. For GSM the
// leading service-centre address is separated from the TPDU.
func Parse(raw []byte, kind Kind) (*PDU, error) {
	switch kind {
	case KindGSM:
		if len(raw) < 1 {
			return nil, fmt.Errorf("%w: empty gsm pdu", ErrMalformed)
		}
		scLen := int(raw[0])
		if len(raw) < 1+scLen+1 {
			return nil, fmt.Errorf("%w: gsm pdu shorter than service centre address", ErrMalformed)
		}
		return &PDU{
			Kind:      KindGSM,
			SCAddress: clone(raw[:1+scLen]),
			Data:      clone(raw[1+scLen:]),
		}, nil
	case KindCDMA:
		if len(raw) < 1 {
			return nil, fmt.Errorf("%w: empty cdma pdu", ErrMalformed)
		}
		return &PDU{Kind: KindCDMA, Data: clone(raw)}, nil
	default:
		return nil, fmt.Errorf("%w: kind %v", ErrMalformed, kind)
	}
}

// Raw returns the bytes that represent p inside a bMessage: the
// service-centre address (GSM only) followed by the TPDU.
func (p *PDU) Raw() []byte {
	out := make([]byte, 0, len(p.SCAddress)+len(p.Data))
	if p.Kind == KindGSM {
		if len(p.SCAddress) == 0 {
			out = append(out, 0x00)
		} else {
			out = append(out, p.SCAddress...)
		}
	}
	return append(out, p.Data...)
}

// DecodeText returns the text carried in p's user data and records the
// encoding and header bookkeeping on p.
func DecodeText(p *PDU) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil pdu", ErrMalformed)
	}
	switch p.Kind {
	case KindGSM:
		return decodeGSMText(p)
	case KindCDMA:
		return decodeCDMAText(p)
	default:
		return "", fmt.Errorf("%w: kind %v", ErrMalformed, p.Kind)
	}
}

// SubmitToDeliver converts a SUBMIT unit into the DELIVER unit a recipient
// would have received. For GSM the header is rebuilt with originator as the
// originating address and ts as the service-centre timestamp; the user
// data is copied unchanged. For CDMA the address and message-type tags are
// patched in place on a copy.
func SubmitToDeliver(p *PDU, ts time.Time, originator string) (*PDU, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil pdu", ErrMalformed)
	}
	switch p.Kind {
	case KindGSM:
		return gsmSubmitToDeliver(p, ts, originator)
	case KindCDMA:
		return cdmaSwapDirection(p, true)
	default:
		return nil, fmt.Errorf("%w: kind %v", ErrMalformed, p.Kind)
	}
}

// DeliverToSubmit converts a DELIVER unit back into a SUBMIT unit addressed
// to the deliver's originator.
func DeliverToSubmit(p *PDU) (*PDU, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil pdu", ErrMalformed)
	}
	switch p.Kind {
	case KindGSM:
		return gsmDeliverToSubmit(p)
	case KindCDMA:
		return cdmaSwapDirection(p, false)
	default:
		return nil, fmt.Errorf("%w: kind %v", ErrMalformed, p.Kind)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

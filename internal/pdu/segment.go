package pdu

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
	"unicode/utf16"
)

// Fragment capacities, in septets for 7-bit and code units for UCS-2.
const (
	maxSeptetsSingle = 160
	maxSeptetsConcat = 153
	maxUnitsSingle   = 70
	maxUnitsConcat   = 67
)

// concatRef is shared by every multi-part message built by this process.
var concatRef atomic.Uint32

func init() {
	concatRef.Store(rand.Uint32N(256))
}

func nextConcatRef() byte {
	return byte(concatRef.Add(1))
}

// splitSeptets breaks text into fragments of at most limit septets without
// separating an escape from its extension character.
func splitSeptets(text string, limit int) []string {
	var (
		out   []string
		start int
		used  int
	)
	for i, r := range text {
		n := 1
		if _, ok := gsmDefaultReverse[r]; !ok {
			n = 2
		}
		if used+n > limit {
			out = append(out, text[start:i])
			start, used = i, 0
		}
		used += n
	}
	return append(out, text[start:])
}

// splitUnits breaks text into fragments of at most limit UTF-16 code units
// without separating a surrogate pair.
func splitUnits(text string, limit int) []string {
	var (
		out   []string
		start int
		used  int
	)
	for i, r := range text {
		n := utf16.RuneLen(r)
		if n < 1 {
			n = 1
		}
		if used+n > limit {
			out = append(out, text[start:i])
			start, used = i, 0
		}
		used += n
	}
	return append(out, text[start:])
}

// Fragment splits text the way BuildSubmitPdus does for kind and reports
// whether the fragments use a 7-bit alphabet. CDMA concatenation always
// travels as UCS-2.
func Fragment(text string, kind Kind) (parts []string, sevenBit bool) {
	if kind == KindCDMA {
		if isASCII(text) && len(text) <= maxSeptetsSingle {
			return []string{text}, true
		}
	} else if n, ok := gsmSeptetLength(text); ok {
		if n <= maxSeptetsSingle {
			return []string{text}, true
		}
		return splitSeptets(text, maxSeptetsConcat), true
	}
	if len(utf16.Encode([]rune(text))) <= maxUnitsSingle {
		return []string{text}, false
	}
	return splitUnits(text, maxUnitsConcat), false
}

// BuildSubmitPdus segments text and returns one SUBMIT unit per fragment,
// addressed to address. Multi-part messages share a concatenation reference
// taken from a process-wide counter; a single fragment carries no
// user-data header.
func BuildSubmitPdus(text, address string, kind Kind) ([]*PDU, error) {
	parts, sevenBit := Fragment(text, kind)
	if len(parts) > 255 {
		return nil, fmt.Errorf("pdu: text needs %d fragments", len(parts))
	}
	var ref byte
	if len(parts) > 1 {
		ref = nextConcatRef()
	}
	out := make([]*PDU, 0, len(parts))
	for i, part := range parts {
		var udh []byte
		if len(parts) > 1 {
			udh = make([]byte, 0, concatHeaderLen)
			udh = append(udh, ieConcat8, 3, ref, byte(len(parts)), byte(i+1))
		}
		var (
			p   *PDU
			err error
		)
		switch kind {
		case KindGSM:
			p, err = buildGSMSubmit(part, address, sevenBit, udh)
		case KindCDMA:
			p = &PDU{
				Kind:     KindCDMA,
				Data:     buildCDMASubmit(address, int(ref)<<8|i, part, sevenBit, udh),
				Encoding: Encoding16Bit,
			}
			if sevenBit {
				p.Encoding = Encoding7Bit
			}
		default:
			err = fmt.Errorf("%w: kind %v", ErrMalformed, kind)
		}
		if err != nil {
			return nil, fmt.Errorf("build fragment %d: %w", i+1, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// BuildDeliverPdus builds the DELIVER units a handset would have received
// from originator at ts.
func BuildDeliverPdus(text, originator string, kind Kind, ts time.Time) ([]*PDU, error) {
	submits, err := BuildSubmitPdus(text, originator, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*PDU, 0, len(submits))
	for _, s := range submits {
		d, err := SubmitToDeliver(s, ts, originator)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func buildGSMSubmit(text, address string, sevenBit bool, udh []byte) (*PDU, error) {
	da, err := encodeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("encode destination: %w", err)
	}
	first := byte(mtiSubmit)
	if udh != nil {
		first |= flagUDHI
	}
	out := []byte{first, 0x00}
	out = append(out, da...)

	var header []byte
	if udh != nil {
		header = append([]byte{byte(len(udh))}, udh...)
	}

	p := &PDU{Kind: KindGSM, SCAddress: []byte{0x00}}
	if sevenBit {
		septets, err := stringToSeptets(text)
		if err != nil {
			return nil, err
		}
		headerSeptets, padding := 0, 0
		if header != nil {
			headerSeptets = (len(header)*8 + 6) / 7
			padding = headerSeptets*7 - len(header)*8
		}
		out = append(out, 0x00, 0x00) // PID, DCS default alphabet
		out = append(out, byte(headerSeptets+len(septets)))
		out = append(out, header...)
		out = append(out, packSeptets(septets, padding)...)
		p.Encoding = Encoding7Bit
	} else {
		body, err := utf16be.NewEncoder().Bytes([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("encode ucs-2: %w", err)
		}
		out = append(out, 0x00, 0x08)
		out = append(out, byte(len(header)+len(body)))
		out = append(out, header...)
		out = append(out, body...)
		p.Encoding = Encoding16Bit
	}
	p.Data = out
	return p, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

package pdu

import (
	"fmt"
	"time"

	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/unicode"
)

// TP-MTI values and first-octet flags.
const (
	mtiDeliver = 0x00
	mtiSubmit  = 0x01

	flagNoMoreMessages = 0x04
	flagUDHI           = 0x40
)

// User-data header information elements.
const (
	ieConcat8       = 0x00
	ieConcat16      = 0x08
	ieSingleShift   = 0x24
	ieLockingShift  = 0x25
	concatHeaderLen = 5
)

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// gsmHeader is the parsed fixed part of a SUBMIT or DELIVER TPDU.
type gsmHeader struct {
	mti     byte
	udhi    bool
	address []byte // raw TP-DA or TP-OA field
	pid     byte
	dcs     byte
	udl     int
	ud      []byte // user data, header included
}

func parseGSMHeader(data []byte) (*gsmHeader, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty tpdu", ErrMalformed)
	}
	h := &gsmHeader{mti: data[0] & 0x03, udhi: data[0]&flagUDHI != 0}
	off := 1
	switch h.mti {
	case mtiSubmit:
		off++ // TP-MR
	case mtiDeliver:
	default:
		return nil, fmt.Errorf("%w: unsupported message type %d", ErrMalformed, h.mti)
	}
	if off > len(data) {
		return nil, fmt.Errorf("%w: tpdu truncated", ErrMalformed)
	}
	_, n, err := decodeAddress(data[off:])
	if err != nil {
		return nil, err
	}
	h.address = clone(data[off : off+n])
	off += n
	if off+2 > len(data) {
		return nil, fmt.Errorf("%w: tpdu truncated before coding scheme", ErrMalformed)
	}
	h.pid = data[off]
	h.dcs = data[off+1]
	off += 2
	if h.mti == mtiDeliver {
		off += 7
	} else {
		switch (data[0] >> 3) & 0x03 {
		case 0x02:
			off++
		case 0x01, 0x03:
			off += 7
		}
	}
	if off >= len(data) {
		return nil, fmt.Errorf("%w: tpdu truncated before user data", ErrMalformed)
	}
	h.udl = int(data[off])
	h.ud = clone(data[off+1:])
	return h, nil
}

// userDataOffset reports where TP-UDL sits inside data.
func userDataOffset(data []byte, h *gsmHeader) int {
	return len(data) - len(h.ud) - 1
}

// encodingFromDCS maps a TP-DCS octet onto an Encoding following
// 3GPP TS 23.038 section 4.
func encodingFromDCS(dcs byte) Encoding {
	switch {
	case dcs&0x80 == 0:
		if dcs&0x20 != 0 {
			// compressed
			return EncodingUnknown
		}
		switch (dcs >> 2) & 0x03 {
		case 0:
			return Encoding7Bit
		case 2:
			return Encoding16Bit
		default:
			return Encoding8Bit
		}
	case dcs&0xf0 == 0xf0:
		if dcs&0x04 == 0 {
			return Encoding7Bit
		}
		return Encoding8Bit
	case dcs&0xf0 == 0xc0, dcs&0xf0 == 0xd0:
		return Encoding7Bit
	case dcs&0xf0 == 0xe0:
		return Encoding16Bit
	case dcs == 0x84:
		return EncodingKSC5601
	}
	return EncodingUnknown
}

// parseUDH walks the user-data header and records language tables on p.
func parseUDH(p *PDU, header []byte) {
	for i := 0; i+1 < len(header); {
		id := header[i]
		l := int(header[i+1])
		if i+2+l > len(header) {
			return
		}
		v := header[i+2 : i+2+l]
		switch id {
		case ieSingleShift:
			if l == 1 {
				p.LanguageShiftTable = int(v[0])
			}
		case ieLockingShift:
			if l == 1 {
				p.LanguageTable = int(v[0])
			}
		}
		i += 2 + l
	}
}

func decodeGSMText(p *PDU) (string, error) {
	h, err := parseGSMHeader(p.Data)
	if err != nil {
		return "", err
	}
	p.Encoding = encodingFromDCS(h.dcs)
	p.UserDataOffset = userDataOffset(p.Data, h)

	headerLen := 0
	if h.udhi {
		if len(h.ud) < 1 {
			return "", fmt.Errorf("%w: missing user data header", ErrMalformed)
		}
		headerLen = int(h.ud[0]) + 1
		if headerLen > len(h.ud) {
			return "", fmt.Errorf("%w: user data header overruns pdu", ErrMalformed)
		}
		parseUDH(p, h.ud[1:headerLen])
	}

	switch p.Encoding {
	case Encoding7Bit:
		headerSeptets := 0
		if headerLen > 0 {
			headerSeptets = (headerLen*8 + 6) / 7
			p.SeptetPadding = headerSeptets*7 - headerLen*8
		}
		p.SeptetCount = h.udl - headerSeptets
		if p.SeptetCount < 0 {
			return "", fmt.Errorf("%w: user data length %d shorter than header", ErrMalformed, h.udl)
		}
		septets, err := unpackSeptets(h.ud[headerLen:], p.SeptetPadding, p.SeptetCount)
		if err != nil {
			return "", err
		}
		return septetsToString(septets), nil
	case Encoding8Bit, Encoding16Bit, EncodingKSC5601:
		end := h.udl
		if end > len(h.ud) || end < headerLen {
			return "", fmt.Errorf("%w: user data length %d outside pdu", ErrMalformed, h.udl)
		}
		return decodeOctets(h.ud[headerLen:end], p.Encoding)
	default:
		return "", fmt.Errorf("%w: data coding scheme 0x%02x", ErrUnsupportedEncoding, h.dcs)
	}
}

// decodeOctets decodes octet-aligned user data.
func decodeOctets(b []byte, enc Encoding) (string, error) {
	switch enc {
	case Encoding8Bit:
		// GSM 8-bit unpacked; 0xFF is fill.
		septets := make([]byte, 0, len(b))
		for _, c := range b {
			if c == 0xff {
				break
			}
			septets = append(septets, c)
		}
		return septetsToString(septets), nil
	case Encoding16Bit:
		out, err := utf16be.NewDecoder().Bytes(b)
		if err != nil {
			return "", fmt.Errorf("decode ucs-2: %w", err)
		}
		return string(out), nil
	case EncodingKSC5601:
		out, err := korean.EUCKR.NewDecoder().Bytes(b)
		if err != nil {
			return "", fmt.Errorf("decode ksc5601: %w", err)
		}
		return string(out), nil
	}
	return "", fmt.Errorf("%w: %v", ErrUnsupportedEncoding, enc)
}

func gsmSubmitToDeliver(p *PDU, ts time.Time, originator string) (*PDU, error) {
	h, err := parseGSMHeader(p.Data)
	if err != nil {
		return nil, err
	}
	if h.mti != mtiSubmit {
		return nil, fmt.Errorf("%w: not a submit pdu", ErrMalformed)
	}
	oa, err := encodeAddress(originator)
	if err != nil {
		return nil, fmt.Errorf("encode originator: %w", err)
	}
	first := byte(mtiDeliver | flagNoMoreMessages)
	if h.udhi {
		first |= flagUDHI
	}
	out := make([]byte, 0, len(p.Data)+len(oa)+8)
	out = append(out, first)
	out = append(out, oa...)
	out = append(out, h.pid, h.dcs)
	out = append(out, encodeTimestamp(ts)...)
	out = append(out, p.Data[userDataOffset(p.Data, h):]...)
	return &PDU{
		Data:               out,
		SCAddress:          clone(p.SCAddress),
		Kind:               KindGSM,
		Encoding:           encodingFromDCS(h.dcs),
		LanguageTable:      p.LanguageTable,
		LanguageShiftTable: p.LanguageShiftTable,
	}, nil
}

func gsmDeliverToSubmit(p *PDU) (*PDU, error) {
	h, err := parseGSMHeader(p.Data)
	if err != nil {
		return nil, err
	}
	if h.mti != mtiDeliver {
		return nil, fmt.Errorf("%w: not a deliver pdu", ErrMalformed)
	}
	first := byte(mtiSubmit)
	if h.udhi {
		first |= flagUDHI
	}
	out := make([]byte, 0, len(p.Data))
	out = append(out, first, 0x00)
	out = append(out, h.address...)
	out = append(out, h.pid, h.dcs)
	out = append(out, p.Data[userDataOffset(p.Data, h):]...)
	return &PDU{
		Data:               out,
		SCAddress:          clone(p.SCAddress),
		Kind:               KindGSM,
		Encoding:           encodingFromDCS(h.dcs),
		LanguageTable:      p.LanguageTable,
		LanguageShiftTable: p.LanguageShiftTable,
	}, nil
}

// Address returns the destination address of a SUBMIT or the originating
// address of a DELIVER.
func Address(p *PDU) (string, error) {
	switch p.Kind {
	case KindGSM:
		h, err := parseGSMHeader(p.Data)
		if err != nil {
			return "", err
		}
		addr, _, err := decodeAddress(h.address)
		return addr, err
	case KindCDMA:
		return cdmaAddress(p.Data)
	}
	return "", fmt.Errorf("%w: kind %v", ErrMalformed, p.Kind)
}

// Concat reports the concatenation reference, 1-based sequence number and
// fragment total announced in a GSM unit's user-data header.
func Concat(p *PDU) (ref, seq, total int, ok bool) {
	if p.Kind != KindGSM {
		return 0, 0, 0, false
	}
	h, err := parseGSMHeader(p.Data)
	if err != nil || !h.udhi || len(h.ud) < 1 || int(h.ud[0])+1 > len(h.ud) {
		return 0, 0, 0, false
	}
	header := h.ud[1 : int(h.ud[0])+1]
	for i := 0; i+1 < len(header); {
		id, l := header[i], int(header[i+1])
		if i+2+l > len(header) {
			break
		}
		v := header[i+2 : i+2+l]
		switch {
		case id == ieConcat8 && l == 3:
			return int(v[0]), int(v[2]), int(v[1]), true
		case id == ieConcat16 && l == 4:
			return int(v[0])<<8 | int(v[1]), int(v[3]), int(v[2]), true
		}
		i += 2 + l
	}
	return 0, 0, 0, false
}

// Timestamp returns the service-centre timestamp of a GSM DELIVER.
func Timestamp(p *PDU) (time.Time, error) {
	if p.Kind != KindGSM {
		return time.Time{}, fmt.Errorf("%w: timestamp only carried by gsm deliver", ErrMalformed)
	}
	h, err := parseGSMHeader(p.Data)
	if err != nil {
		return time.Time{}, err
	}
	if h.mti != mtiDeliver {
		return time.Time{}, fmt.Errorf("%w: not a deliver pdu", ErrMalformed)
	}
	end := userDataOffset(p.Data, h)
	return decodeTimestamp(p.Data[end-7 : end])
}

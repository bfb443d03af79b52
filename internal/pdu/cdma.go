package pdu

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/korean"
)

// Transport-layer parameter ids (3GPP2 C.S0015-B 3.4.3).
const (
	cdmaTeleserviceID   = 0x00
	cdmaOrigAddress     = 0x02
	cdmaOrigSubaddress  = 0x03
	cdmaDestAddress     = 0x04
	cdmaDestSubaddress  = 0x05
	cdmaBearerData      = 0x08
	cdmaTeleserviceWMT  = 0x1002
	cdmaPointToPoint    = 0x00
	cdmaSubMessageID    = 0x00
	cdmaSubUserData     = 0x01
	cdmaMessageDeliver  = 0x01
	cdmaMessageSubmit   = 0x02
	cdmaEncodingOctet   = 0x00
	cdmaEncoding7BitASC = 0x02
	cdmaEncodingIA5     = 0x03
	cdmaEncodingUnicode = 0x04
	cdmaEncodingKorean  = 0x06
	cdmaEncodingLatin   = 0x08
	cdmaEncodingGSM7    = 0x09
)

// bitReader reads big-endian bit fields.
type bitReader struct {
	data []byte
	pos  int
}

func (r *bitReader) read(bits int) (int, error) {
	if r.pos+bits > len(r.data)*8 {
		return 0, fmt.Errorf("%w: bearer data truncated", ErrMalformed)
	}
	v := 0
	for i := 0; i < bits; i++ {
		b := r.data[r.pos/8] >> (7 - r.pos%8) & 1
		v = v<<1 | int(b)
		r.pos++
	}
	return v, nil
}

func (r *bitReader) readBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		v, err := r.read(8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

type bitWriter struct {
	data []byte
	pos  int
}

func (w *bitWriter) write(bits, v int) {
	for i := bits - 1; i >= 0; i-- {
		if w.pos/8 >= len(w.data) {
			w.data = append(w.data, 0)
		}
		if v>>i&1 == 1 {
			w.data[w.pos/8] |= 1 << (7 - w.pos%8)
		}
		w.pos++
	}
}

// bytes returns the written bits padded to a whole octet.
func (w *bitWriter) bytes() []byte {
	return w.data
}

type cdmaParam struct {
	id     byte
	offset int // offset of the id octet
	value  []byte
}

func cdmaParams(data []byte) ([]cdmaParam, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty cdma pdu", ErrMalformed)
	}
	var out []cdmaParam
	for off := 1; off < len(data); {
		if off+2 > len(data) {
			return nil, fmt.Errorf("%w: cdma parameter header truncated at %d", ErrMalformed, off)
		}
		l := int(data[off+1])
		if off+2+l > len(data) {
			return nil, fmt.Errorf("%w: cdma parameter 0x%02x overruns pdu", ErrMalformed, data[off])
		}
		out = append(out, cdmaParam{id: data[off], offset: off, value: data[off+2 : off+2+l]})
		off += 2 + l
	}
	return out, nil
}

func subParams(bearer []byte) ([]cdmaParam, error) {
	var out []cdmaParam
	for off := 0; off < len(bearer); {
		if off+2 > len(bearer) {
			return nil, fmt.Errorf("%w: bearer subparameter truncated", ErrMalformed)
		}
		l := int(bearer[off+1])
		if off+2+l > len(bearer) {
			return nil, fmt.Errorf("%w: bearer subparameter 0x%02x overruns pdu", ErrMalformed, bearer[off])
		}
		out = append(out, cdmaParam{id: bearer[off], offset: off, value: bearer[off+2 : off+2+l]})
		off += 2 + l
	}
	return out, nil
}

// cdmaSwapDirection patches address parameter ids and the message
// identifier type between SUBMIT and DELIVER on a copy of p.
func cdmaSwapDirection(p *PDU, toDeliver bool) (*PDU, error) {
	data := clone(p.Data)
	params, err := cdmaParams(data)
	if err != nil {
		return nil, err
	}
	fromAddr, toAddr := byte(cdmaOrigAddress), byte(cdmaDestAddress)
	fromSub, toSub := byte(cdmaOrigSubaddress), byte(cdmaDestSubaddress)
	fromType, toType := cdmaMessageDeliver, cdmaMessageSubmit
	if toDeliver {
		fromAddr, toAddr = toAddr, fromAddr
		fromSub, toSub = toSub, fromSub
		fromType, toType = toType, fromType
	}

	addrFound, typeFound := false, false
	for _, prm := range params {
		switch prm.id {
		case fromAddr:
			data[prm.offset] = toAddr
			addrFound = true
		case fromSub:
			data[prm.offset] = toSub
		case cdmaBearerData:
			subs, err := subParams(prm.value)
			if err != nil {
				return nil, err
			}
			for _, s := range subs {
				if s.id != cdmaSubMessageID {
					continue
				}
				if len(s.value) < 1 {
					return nil, fmt.Errorf("%w: message identifier too short", ErrMalformed)
				}
				idx := prm.offset + 2 + s.offset + 2
				if int(data[idx]>>4) != fromType {
					return nil, fmt.Errorf("%w: message type %d, want %d", ErrMalformed, data[idx]>>4, fromType)
				}
				data[idx] = byte(toType)<<4 | data[idx]&0x0f
				typeFound = true
			}
		}
	}
	if !addrFound {
		return nil, fmt.Errorf("%w: address parameter 0x%02x not found", ErrMalformed, fromAddr)
	}
	if !typeFound {
		return nil, fmt.Errorf("%w: message identifier not found", ErrMalformed)
	}
	return &PDU{Data: data, Kind: KindCDMA, Encoding: p.Encoding}, nil
}

func decodeCDMAText(p *PDU) (string, error) {
	params, err := cdmaParams(p.Data)
	if err != nil {
		return "", err
	}
	for _, prm := range params {
		if prm.id != cdmaBearerData {
			continue
		}
		subs, err := subParams(prm.value)
		if err != nil {
			return "", err
		}
		headerInd := false
		for _, s := range subs {
			if s.id == cdmaSubMessageID {
				r := &bitReader{data: s.value}
				if _, err := r.read(4 + 16); err != nil {
					return "", err
				}
				v, err := r.read(1)
				if err != nil {
					return "", err
				}
				headerInd = v == 1
			}
		}
		for _, s := range subs {
			if s.id == cdmaSubUserData {
				p.UserDataOffset = prm.offset + 2 + s.offset + 2
				return decodeCDMAUserData(p, s.value, headerInd)
			}
		}
		return "", fmt.Errorf("%w: no user data subparameter", ErrMalformed)
	}
	return "", fmt.Errorf("%w: no bearer data", ErrMalformed)
}

func decodeCDMAUserData(p *PDU, value []byte, headerInd bool) (string, error) {
	r := &bitReader{data: value}
	enc, err := r.read(5)
	if err != nil {
		return "", err
	}
	if enc == 0x01 || enc == 0x0a {
		if _, err := r.read(8); err != nil {
			return "", err
		}
	}
	fields, err := r.read(8)
	if err != nil {
		return "", err
	}

	switch enc {
	case cdmaEncodingOctet, cdmaEncodingLatin, cdmaEncodingKorean:
		b, err := r.readBytes(fields)
		if err != nil {
			return "", err
		}
		if headerInd && len(b) > 0 {
			skip := int(b[0]) + 1
			if skip > len(b) {
				return "", fmt.Errorf("%w: user data header overruns payload", ErrMalformed)
			}
			b = b[skip:]
		}
		if enc == cdmaEncodingKorean {
			p.Encoding = EncodingKSC5601
			out, err := korean.EUCKR.NewDecoder().Bytes(b)
			if err != nil {
				return "", fmt.Errorf("decode ksc5601: %w", err)
			}
			return string(out), nil
		}
		p.Encoding = Encoding8Bit
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
		if err != nil {
			return "", fmt.Errorf("decode latin-1: %w", err)
		}
		return string(out), nil

	case cdmaEncoding7BitASC, cdmaEncodingIA5:
		p.Encoding = Encoding7Bit
		p.SeptetCount = fields
		start := 0
		if headerInd {
			// header octets precede the septets
			udhl, err := r.read(8)
			if err != nil {
				return "", err
			}
			if _, err := r.readBytes(udhl); err != nil {
				return "", err
			}
			headerSeptets := ((udhl+1)*8 + 6) / 7
			if _, err := r.read(headerSeptets*7 - (udhl+1)*8); err != nil {
				return "", err
			}
			start = headerSeptets
		}
		var sb strings.Builder
		for i := start; i < fields; i++ {
			c, err := r.read(7)
			if err != nil {
				return "", err
			}
			sb.WriteByte(byte(c))
		}
		return sb.String(), nil

	case cdmaEncodingUnicode:
		p.Encoding = Encoding16Bit
		units := make([]uint16, 0, fields)
		for i := 0; i < fields; i++ {
			u, err := r.read(16)
			if err != nil {
				return "", err
			}
			units = append(units, uint16(u))
		}
		if headerInd && len(units) > 0 {
			udhBytes := int(units[0]>>8) + 1
			skip := (udhBytes + 1) / 2
			if skip > len(units) {
				return "", fmt.Errorf("%w: user data header overruns payload", ErrMalformed)
			}
			units = units[skip:]
		}
		return string(utf16.Decode(units)), nil

	case cdmaEncodingGSM7:
		p.Encoding = Encoding7Bit
		p.SeptetCount = fields
		b, err := r.readBytes((fields*7 + 7) / 8)
		if err != nil {
			return "", err
		}
		septets, err := unpackSeptets(b, 0, fields)
		if err != nil {
			return "", err
		}
		return septetsToString(septets), nil
	}
	return "", fmt.Errorf("%w: cdma message encoding %d", ErrUnsupportedEncoding, enc)
}

// encodeCDMAAddress renders an address parameter value. Dialable numbers use
// 4-bit DTMF digits; anything else uses 8-bit ASCII with the number type
// set to international for a leading '+'.
func encodeCDMAAddress(addr string) []byte {
	w := &bitWriter{}
	dtmf := true
	for _, r := range addr {
		if !strings.ContainsRune("0123456789*#", r) {
			dtmf = false
			break
		}
	}
	if dtmf && addr != "" {
		w.write(1, 0) // digit mode
		w.write(1, 0) // number mode
		w.write(8, len(addr))
		for _, r := range addr {
			var d int
			switch r {
			case '0':
				d = 10
			case '*':
				d = 11
			case '#':
				d = 12
			default:
				d = int(r - '0')
			}
			w.write(4, d)
		}
		return w.bytes()
	}
	numberType := 0
	if strings.HasPrefix(addr, "+") {
		numberType = 1
		addr = addr[1:]
	}
	w.write(1, 1)
	w.write(1, 0)
	w.write(3, numberType)
	w.write(4, 1) // ISDN numbering plan
	w.write(8, len(addr))
	for i := 0; i < len(addr); i++ {
		w.write(8, int(addr[i]))
	}
	return w.bytes()
}

func decodeCDMAAddress(value []byte) (string, error) {
	r := &bitReader{data: value}
	digitMode, err := r.read(1)
	if err != nil {
		return "", err
	}
	numberMode, err := r.read(1)
	if err != nil {
		return "", err
	}
	prefix := ""
	if digitMode == 1 {
		numberType, err := r.read(3)
		if err != nil {
			return "", err
		}
		if numberMode == 0 {
			if _, err := r.read(4); err != nil {
				return "", err
			}
		}
		if numberType == 1 {
			prefix = "+"
		}
	}
	fields, err := r.read(8)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	for i := 0; i < fields; i++ {
		if digitMode == 0 {
			d, err := r.read(4)
			if err != nil {
				return "", err
			}
			switch d {
			case 10:
				sb.WriteByte('0')
			case 11:
				sb.WriteByte('*')
			case 12:
				sb.WriteByte('#')
			default:
				sb.WriteByte(byte('0' + d))
			}
			continue
		}
		c, err := r.read(8)
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte(c))
	}
	return sb.String(), nil
}

func cdmaAddress(data []byte) (string, error) {
	params, err := cdmaParams(data)
	if err != nil {
		return "", err
	}
	for _, prm := range params {
		if prm.id == cdmaOrigAddress || prm.id == cdmaDestAddress {
			return decodeCDMAAddress(prm.value)
		}
	}
	return "", fmt.Errorf("%w: no address parameter", ErrMalformed)
}

// buildCDMASubmit assembles a point-to-point SUBMIT carrying one fragment.
// A non-nil udh is embedded ahead of the text and flagged in the message
// identifier.
func buildCDMASubmit(address string, msgID int, text string, ascii bool, udh []byte) []byte {
	id := &bitWriter{}
	id.write(4, cdmaMessageSubmit)
	id.write(16, msgID)
	if udh != nil {
		id.write(1, 1)
	} else {
		id.write(1, 0)
	}
	id.write(3, 0)

	ud := &bitWriter{}
	if ascii && udh == nil {
		ud.write(5, cdmaEncoding7BitASC)
		ud.write(8, len(text))
		for i := 0; i < len(text); i++ {
			ud.write(7, int(text[i]))
		}
	} else {
		units := utf16.Encode([]rune(text))
		headerUnits := 0
		if udh != nil {
			headerUnits = (len(udh) + 2) / 2
		}
		ud.write(5, cdmaEncodingUnicode)
		ud.write(8, headerUnits+len(units))
		if udh != nil {
			hb := make([]byte, headerUnits*2)
			hb[0] = byte(len(udh))
			copy(hb[1:], udh)
			for _, b := range hb {
				ud.write(8, int(b))
			}
		}
		for _, u := range units {
			ud.write(16, int(u))
		}
	}

	bearer := []byte{cdmaSubMessageID, byte(len(id.bytes()))}
	bearer = append(bearer, id.bytes()...)
	bearer = append(bearer, cdmaSubUserData, byte(len(ud.bytes())))
	bearer = append(bearer, ud.bytes()...)

	addr := encodeCDMAAddress(address)
	out := []byte{cdmaPointToPoint, cdmaTeleserviceID, 2, cdmaTeleserviceWMT >> 8, cdmaTeleserviceWMT & 0xff}
	out = append(out, cdmaDestAddress, byte(len(addr)))
	out = append(out, addr...)
	out = append(out, cdmaBearerData, byte(len(bearer)))
	return append(out, bearer...)
}

package pdu

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Type-of-address octets.
const (
	toaUnknown       = 0x81
	toaInternational = 0x91
	toaAlphanumeric  = 0xd0
)

var alphaAddress = regexp.MustCompile(`[a-zA-Z]`)

// encodeAddress renders a TP-OA / TP-DA field: digit count, type of address
// and semi-octet digits with an 0xF filler.
func encodeAddress(addr string) ([]byte, error) {
	addr = strings.TrimSpace(addr)
	if alphaAddress.MatchString(addr) {
		septets, err := stringToSeptets(addr)
		if err != nil {
			return nil, err
		}
		packed := packSeptets(septets, 0)
		semi := (len(septets)*7 + 3) / 4
		out := []byte{byte(semi), toaAlphanumeric}
		return append(out, packed...), nil
	}
	toa := byte(toaUnknown)
	if strings.HasPrefix(addr, "+") {
		toa = toaInternational
		addr = addr[1:]
	}
	digits := make([]byte, 0, len(addr))
	for _, r := range addr {
		d, ok := bcdDigit(r)
		if !ok {
			continue
		}
		digits = append(digits, d)
	}
	out := []byte{byte(len(digits)), toa}
	return append(out, packBCD(digits)...), nil
}

// decodeAddress reads an address field starting at data[0] and returns the
// address and the number of octets consumed.
func decodeAddress(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, fmt.Errorf("%w: address field truncated", ErrMalformed)
	}
	semi := int(data[0])
	toa := data[1]
	n := 2 + (semi+1)/2
	if len(data) < n {
		return "", 0, fmt.Errorf("%w: address needs %d octets, have %d", ErrMalformed, n, len(data))
	}
	body := data[2:n]
	if toa&0x70 == 0x50 {
		septets, err := unpackSeptets(body, 0, semi*4/7)
		if err != nil {
			return "", 0, err
		}
		return septetsToString(septets), n, nil
	}
	var sb strings.Builder
	if toa&0x70 == 0x10 {
		sb.WriteByte('+')
	}
	sb.WriteString(unpackBCD(body, semi))
	return sb.String(), n, nil
}

// encodeServiceCentre renders an SMSC address whose length octet counts
// octets rather than digits. An empty address encodes as a single 0x00.
func encodeServiceCentre(addr string) ([]byte, error) {
	if addr == "" {
		return []byte{0x00}, nil
	}
	field, err := encodeAddress(addr)
	if err != nil {
		return nil, err
	}
	field[0] = byte(len(field) - 1)
	return field, nil
}

func bcdDigit(r rune) (byte, bool) {
	switch {
	case r >= '0' && r <= '9':
		return byte(r - '0'), true
	case r == '*':
		return 0x0a, true
	case r == '#':
		return 0x0b, true
	case r == 'a', r == 'b', r == 'c':
		return byte(r-'a') + 0x0c, true
	}
	return 0, false
}

const bcdChars = "0123456789*#abc"

func packBCD(digits []byte) []byte {
	out := make([]byte, (len(digits)+1)/2)
	for i, d := range digits {
		if i%2 == 0 {
			out[i/2] = 0xf0 | d
		} else {
			out[i/2] = out[i/2]&0x0f | d<<4
		}
	}
	return out
}

func unpackBCD(data []byte, count int) string {
	var sb strings.Builder
	for i := 0; i < count && i/2 < len(data); i++ {
		b := data[i/2]
		d := b & 0x0f
		if i%2 == 1 {
			d = b >> 4
		}
		if d == 0x0f {
			break
		}
		sb.WriteByte(bcdChars[d])
	}
	return sb.String()
}

// swapped renders v (0-99) as a semi-octet pair, units digit in the high
// nibble.
func swapped(v int) byte {
	return byte((v%10)<<4 | (v/10)%10)
}

func unswapped(b byte) int {
	return int(b&0x0f)*10 + int(b>>4)
}

// encodeTimestamp renders a TP-SCTS field. The zone is expressed in quarter
// hours with bit 3 set for offsets west of UTC.
func encodeTimestamp(ts time.Time) []byte {
	_, offset := ts.Zone()
	quarters := offset / (15 * 60)
	negative := quarters < 0
	if negative {
		quarters = -quarters
	}
	tz := swapped(quarters)
	if negative {
		tz |= 0x08
	}
	return []byte{
		swapped(ts.Year() % 100),
		swapped(int(ts.Month())),
		swapped(ts.Day()),
		swapped(ts.Hour()),
		swapped(ts.Minute()),
		swapped(ts.Second()),
		tz,
	}
}

// decodeTimestamp is the inverse of encodeTimestamp.
func decodeTimestamp(b []byte) (time.Time, error) {
	if len(b) < 7 {
		return time.Time{}, fmt.Errorf("%w: timestamp truncated", ErrMalformed)
	}
	tz := b[6]
	negative := tz&0x08 != 0
	quarters := unswapped(tz &^ 0x08)
	offset := quarters * 15 * 60
	if negative {
		offset = -offset
	}
	loc := time.FixedZone("", offset)
	return time.Date(2000+unswapped(b[0]), time.Month(unswapped(b[1])), unswapped(b[2]),
		unswapped(b[3]), unswapped(b[4]), unswapped(b[5]), 0, loc), nil
}

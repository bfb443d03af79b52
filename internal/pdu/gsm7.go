package pdu

import (
	"fmt"
	"strings"
)

const gsmEscape = 0x1b

// GSM 03.38 default alphabet; index is the septet value. The escape slot
// holds a placeholder that never matches input text.
var gsmDefault = []rune("@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞ￿ÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà")

// Default extension table, reached through the escape septet.
var gsmExtension = map[byte]rune{
	0x0a: '\f',
	0x14: '^',
	0x28: '{',
	0x29: '}',
	0x2f: '\\',
	0x3c: '[',
	0x3d: '~',
	0x3e: ']',
	0x40: '|',
	0x65: '€',
}

var (
	gsmDefaultReverse   = map[rune]byte{}
	gsmExtensionReverse = map[rune]byte{}
)

func init() {
	if len(gsmDefault) != 128 {
		panic(fmt.Sprintf("pdu: gsm default alphabet has %d entries", len(gsmDefault)))
	}
	for i, r := range gsmDefault {
		if i == gsmEscape {
			continue
		}
		gsmDefaultReverse[r] = byte(i)
	}
	for b, r := range gsmExtension {
		gsmExtensionReverse[r] = b
	}
}

// gsmSeptetLength reports how many septets s needs in the default alphabet,
// and whether every rune is representable.
func gsmSeptetLength(s string) (int, bool) {
	n := 0
	for _, r := range s {
		if _, ok := gsmDefaultReverse[r]; ok {
			n++
			continue
		}
		if _, ok := gsmExtensionReverse[r]; ok {
			n += 2
			continue
		}
		return 0, false
	}
	return n, true
}

// stringToSeptets maps s onto unpacked septets.
func stringToSeptets(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := gsmDefaultReverse[r]; ok {
			out = append(out, b)
			continue
		}
		if b, ok := gsmExtensionReverse[r]; ok {
			out = append(out, gsmEscape, b)
			continue
		}
		return nil, fmt.Errorf("%w: %q not in gsm alphabet", ErrUnsupportedEncoding, r)
	}
	return out, nil
}

// septetsToString maps unpacked septets back onto text. An escape followed
// by a value missing from the extension table renders the default-table
// character, and a trailing escape renders as a space.
func septetsToString(septets []byte) string {
	var sb strings.Builder
	for i := 0; i < len(septets); i++ {
		s := septets[i] & 0x7f
		if s != gsmEscape {
			sb.WriteRune(gsmDefault[s])
			continue
		}
		if i+1 >= len(septets) {
			sb.WriteRune(' ')
			break
		}
		i++
		next := septets[i] & 0x7f
		if r, ok := gsmExtension[next]; ok {
			sb.WriteRune(r)
		} else if next == gsmEscape {
			sb.WriteRune(' ')
		} else {
			sb.WriteRune(gsmDefault[next])
		}
	}
	return sb.String()
}

// packSeptets packs septets least-significant bit first, after padding
// leading fill bits.
func packSeptets(septets []byte, padding int) []byte {
	totalBits := padding + len(septets)*7
	out := make([]byte, (totalBits+7)/8)
	bit := padding
	for _, s := range septets {
		s &= 0x7f
		idx := bit / 8
		shift := bit % 8
		out[idx] |= s << shift
		if shift > 1 {
			out[idx+1] |= s >> (8 - shift)
		}
		bit += 7
	}
	return out
}

// unpackSeptets is the inverse of packSeptets for count septets.
func unpackSeptets(data []byte, padding, count int) ([]byte, error) {
	if count < 0 || (padding+count*7+7)/8 > len(data) {
		return nil, fmt.Errorf("%w: %d septets do not fit in %d octets", ErrMalformed, count, len(data))
	}
	out := make([]byte, count)
	for i := 0; i < count; i++ {
		bit := padding + i*7
		idx := bit / 8
		shift := bit % 8
		v := data[idx] >> shift
		if shift > 1 && idx+1 < len(data) {
			v |= data[idx+1] << (8 - shift)
		}
		out[i] = v & 0x7f
	}
	return out, nil
}

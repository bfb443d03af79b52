package bmsg

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.io/infrasutra/btmap/internal/pdu"
)

// SMS is the payload of SMS_GSM and SMS_CDMA messages. With the native
// charset every fragment is one PDU in hex; otherwise the text travels as
// UTF-8.
type SMS struct {
	Text string
	PDUs []*pdu.PDU
}

func (s *SMS) decodePart(ctx *decodeContext, part []byte) error {
	if ctx.charset != CharsetNative {
		s.Text += string(part)
		return nil
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(part)))
	if err != nil {
		return fmt.Errorf("%w: sms pdu is not hex: %v", ErrMalformed, err)
	}
	kind := pdu.KindGSM
	if ctx.typ == TypeSMSCDMA {
		kind = pdu.KindCDMA
	}
	p, err := pdu.Parse(raw, kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	text, err := pdu.DecodeText(p)
	switch {
	case errors.Is(err, pdu.ErrUnsupportedEncoding):
		// keep the pdu, the text is unknown
	case err != nil:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		s.Text += text
	}
	s.PDUs = append(s.PDUs, p)
	return nil
}

func (s *SMS) fragments() ([][]byte, error) {
	if len(s.PDUs) == 0 {
		return [][]byte{[]byte(escape(s.Text))}, nil
	}
	out := make([][]byte, 0, len(s.PDUs))
	for _, p := range s.PDUs {
		// lowercase hex never contains END:MSG
		out = append(out, []byte(hex.EncodeToString(p.Raw())))
	}
	return out, nil
}

// PDUEncodingName returns the bMessage ENCODING value for a PDU.
func PDUEncodingName(p *pdu.PDU) string {
	if p.Kind == pdu.KindCDMA {
		switch p.Encoding {
		case pdu.Encoding7Bit:
			return "C-7ASCII"
		case pdu.Encoding16Bit:
			return "C-UNICODE"
		case pdu.EncodingKSC5601:
			return "C-KOREAN"
		default:
			return "C-8BIT"
		}
	}
	switch p.Encoding {
	case pdu.Encoding7Bit:
		return "G-7BIT"
	case pdu.Encoding16Bit:
		return "G-UCS2"
	case pdu.EncodingKSC5601:
		return "G-KSC5601"
	default:
		return "G-8BIT"
	}
}

package bmsg

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.io/infrasutra/btmap/internal/pdu"
)

var ignoreBookkeeping = cmp.Options{
	cmpopts.IgnoreFields(Message{}, "Length"),
	cmpopts.IgnoreFields(pdu.PDU{}, "UserDataOffset", "SeptetPadding", "SeptetCount"),
	cmpopts.EquateEmpty(),
}

func roundTrip(t *testing.T, m *Message, charset Charset) *Message {
	t.Helper()
	raw, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	got, err := Decode(bytes.NewReader(raw), charset)
	if err != nil {
		t.Fatalf("Decode() error: %v\n%s", err, raw)
	}
	return got
}

func TestRoundTripSMSText(t *testing.T) {
	m := &Message{
		Version: "1.0",
		Read:    true,
		Type:    TypeSMSGSM,
		Folder:  "telecom/msg/inbox",
		Originators: []VCard{
			{Version: "3.0", Name: "Doe;John", FormattedName: "John Doe", Phones: []string{"+15551234567"}},
		},
		Recipients: []VCard{
			{Version: "2.1", Name: "", Phones: []string{"5550000"}},
		},
		Charset: "UTF-8",
		Payload: &SMS{Text: "Hello\r\nEND:MSG\r\n/END:MSG and more"},
	}
	got := roundTrip(t, m, CharsetUTF8)
	if diff := cmp.Diff(m, got, ignoreBookkeeping); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripVCardColons(t *testing.T) {
	m := &Message{
		Version: "1.0",
		Type:    TypeSMSGSM,
		Folder:  "telecom/msg/inbox",
		Originators: []VCard{
			{Version: "3.0", Name: "Re: Doe;Jane", FormattedName: "Re: Jane", Phones: []string{"+15551234567"}},
		},
		Recipients: []VCard{
			{Version: "3.0", FormattedName: "x", Emails: []string{"jane@example.com"}, UCIs: []string{"im:jane@example.com"}},
		},
		Charset: "UTF-8",
		Payload: &SMS{Text: "hi"},
	}
	got := roundTrip(t, m, CharsetUTF8)
	if diff := cmp.Diff(m, got, ignoreBookkeeping); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeUnescapedColonInName(t *testing.T) {
	input := strings.Replace(sampleMessage, "N;CHARSET=UTF-8:Smith", "N;CHARSET=UTF-8:Re: Smith", 1)
	m, err := Decode(strings.NewReader(input), CharsetUTF8)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got := m.Originators[0].Name; got != "Re: Smith" {
		t.Errorf("Name = %q, want %q", got, "Re: Smith")
	}
}

func TestRoundTripSMSNative(t *testing.T) {
	text := strings.Repeat("native pdu text ", 15)
	pdus, err := pdu.BuildDeliverPdus(text, "+4915112345678", pdu.KindGSM, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("BuildDeliverPdus() error: %v", err)
	}
	m := &Message{
		Version:  "1.0",
		Type:     TypeSMSGSM,
		Folder:   "telecom/msg/inbox",
		Encoding: PDUEncodingName(pdus[0]),
		Charset:  "NATIVE",
		Payload:  &SMS{Text: text, PDUs: pdus},
	}
	got := roundTrip(t, m, CharsetNative)
	if diff := cmp.Diff(m, got, ignoreBookkeeping); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if m.Encoding != "G-7BIT" {
		t.Errorf("Encoding = %q, want G-7BIT", m.Encoding)
	}
}

func TestRoundTripEmail(t *testing.T) {
	m := &Message{
		Version:      "1.1",
		Type:         TypeEmail,
		Folder:       "telecom/msg/outbox",
		ExtendedData: "0:3;",
		Recipients: []VCard{
			{Version: "3.0", FormattedName: "Ann", Emails: []string{"ann@example.com"}},
			{Version: "3.0", FormattedName: "Bob", Emails: []string{"bob@example.com"}, EnvLevel: 1},
		},
		PartID:   "7",
		Charset:  "UTF-8",
		Language: "ENGLISH",
		Payload: &Email{Body: "Subject: hi\r\nFrom: a@example.com\r\n\r\nEND:MSG\r\nbody\r\n"},
	}
	got := roundTrip(t, m, CharsetUTF8)
	if diff := cmp.Diff(m, got, ignoreBookkeeping); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripMIME(t *testing.T) {
	m := &Message{
		Version: "1.0",
		Type:    TypeIM,
		Folder:  "telecom/msg/inbox",
		Originators: []VCard{
			{Version: "3.0", FormattedName: "Chat Friend", UCIs: []string{"friend.uci@example.org"}},
		},
		Charset: "UTF-8",
		Payload: &MIME{
			MessageID: "42@example.org",
			Date:      time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
			Subject:   "hello",
			From:      []*mail.Address{{Name: "Chat Friend", Address: "friend@example.org"}},
			To:        []*mail.Address{{Address: "me@example.org"}},
			Parts: []MIMEPart{
				{ContentType: "text/plain", Charset: "utf-8", Data: []byte("grüße")},
				{ContentType: "image/png", Charset: "utf-8", Filename: "dot.png", ContentID: "dot", Data: []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}},
			},
		},
	}
	got := roundTrip(t, m, CharsetUTF8)
	if diff := cmp.Diff(m, got, ignoreBookkeeping); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if text := got.Payload.(*MIME).Text(); text != "grüße" {
		t.Errorf("Text() = %q", text)
	}
}

func TestEncodeLength(t *testing.T) {
	m := &Message{Type: TypeSMSGSM, Charset: "UTF-8", Payload: &SMS{Text: "abc"}}
	raw, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if !bytes.Contains(raw, []byte("LENGTH:25\r\nBEGIN:MSG\r\nabc\r\nEND:MSG\r\nEND:BBODY")) {
		t.Errorf("unexpected body framing:\n%s", raw)
	}
	if !bytes.HasPrefix(raw, []byte("BEGIN:BMSG\r\nVERSION:1.0\r\nSTATUS:UNREAD\r\nTYPE:SMS_GSM\r\nFOLDER:\r\nBEGIN:BENV")) {
		t.Errorf("unexpected header:\n%s", raw)
	}
}

func TestEncodeTruncatesFolder(t *testing.T) {
	folder := strings.Repeat("x", 100) + strings.Repeat("y", 512)
	m := &Message{Type: TypeEmail, Folder: folder, Payload: &Email{Body: "b"}}
	raw, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if !bytes.Contains(raw, []byte("FOLDER:"+strings.Repeat("y", 512)+"\r\n")) {
		t.Error("folder not cut to its last 512 characters")
	}
}

const sampleMessage = "BEGIN:BMSG\r\n" +
	"VERSION:1.0\r\n" +
	"STATUS:UNREAD\r\n" +
	"TYPE:SMS_GSM\r\n" +
	"FOLDER:TELECOM/MSG/INBOX\r\n" +
	"BEGIN:VCARD\r\n" +
	"VERSION:2.1\r\n" +
	"N;CHARSET=UTF-8:Smith\r\n" +
	"TEL;TYPE=CELL:+1 (555) 010-9999\r\n" +
	"X-FOO:ignored\r\n" +
	"END:VCARD\r\n" +
	"BEGIN:BENV\r\n" +
	"BEGIN:VCARD\r\n" +
	"VERSION:2.1\r\n" +
	"N:\r\n" +
	"TEL:0123456789\r\n" +
	"END:VCARD\r\n" +
	"BEGIN:BBODY\r\n" +
	"CHARSET:UTF-8\r\n" +
	"LENGTH:45\r\n" +
	"BEGIN:MSG\r\n" +
	"This is a short message\r\n" +
	"END:MSG\r\n" +
	"END:BBODY\r\n" +
	"END:BENV\r\n" +
	"END:BMSG\r\n"

func TestDecodeSample(t *testing.T) {
	m, err := Decode(strings.NewReader(sampleMessage), CharsetUTF8)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	want := &Message{
		Version: "1.0",
		Type:    TypeSMSGSM,
		Folder:  "TELECOM/MSG/INBOX",
		Originators: []VCard{
			{Version: "2.1", Name: "Smith", Phones: []string{"+15550109999"}},
		},
		Recipients: []VCard{
			{Version: "2.1", Phones: []string{"0123456789"}},
		},
		Charset: "UTF-8",
		Length:  45,
		Payload: &SMS{Text: "This is a short message"},
	}
	if diff := cmp.Diff(want, m, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		charset Charset
	}{
		{"empty", "", CharsetUTF8},
		{"no begin", "VERSION:1.0\r\n", CharsetUTF8},
		{"bad status", strings.Replace(sampleMessage, "STATUS:UNREAD", "STATUS:MAYBE", 1), CharsetUTF8},
		{"bad type", strings.Replace(sampleMessage, "TYPE:SMS_GSM", "TYPE:FAX", 1), CharsetUTF8},
		{"missing type", strings.Replace(sampleMessage, "TYPE:SMS_GSM\r\n", "", 1), CharsetUTF8},
		{"length too long", strings.Replace(sampleMessage, "LENGTH:45", "LENGTH:60", 1), CharsetUTF8},
		{"length too short", strings.Replace(sampleMessage, "LENGTH:45", "LENGTH:40", 1), CharsetUTF8},
		{"bad length", strings.Replace(sampleMessage, "LENGTH:45", "LENGTH:abc", 1), CharsetUTF8},
		{"negative length", strings.Replace(sampleMessage, "LENGTH:45", "LENGTH:-5", 1), CharsetUTF8},
		{"huge length", strings.Replace(sampleMessage, "LENGTH:45", "LENGTH:999999999999999999", 1), CharsetUTF8},
		{"missing length", strings.Replace(sampleMessage, "LENGTH:45\r\n", "", 1), CharsetUTF8},
		{"no envelope", strings.Replace(sampleMessage, "BEGIN:BENV\r\n", "", 1), CharsetUTF8},
		{"truncated", sampleMessage[:len(sampleMessage)-20], CharsetUTF8},
		{"native email", strings.Replace(sampleMessage, "TYPE:SMS_GSM", "TYPE:EMAIL", 1), CharsetNative},
		{"native not hex", sampleMessage, CharsetNative},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input), tt.charset)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeNegativeLength(t *testing.T) {
	input := strings.Replace(sampleMessage, "LENGTH:45", "LENGTH:-5", 1)
	_, err := Decode(strings.NewReader(input), CharsetUTF8)
	if err == nil || !strings.Contains(err.Error(), "negative LENGTH") {
		t.Errorf("Decode() error = %v, want negative LENGTH", err)
	}
}

func TestEscape(t *testing.T) {
	tests := []struct {
		in, escaped string
	}{
		{"plain", "plain"},
		{"END:MSG", "/END:MSG"},
		{"a\r\nEND:MSG\r\nb", "a\r\n/END:MSG\r\nb"},
		{"a\r\n/END:MSG", "a\r\n//END:MSG"},
		{"a END:MSG", "a END:MSG"},
	}
	for _, tt := range tests {
		if got := escape(tt.in); got != tt.escaped {
			t.Errorf("escape(%q) = %q, want %q", tt.in, got, tt.escaped)
		}
		if got := unescape(tt.escaped); got != tt.in {
			t.Errorf("unescape(%q) = %q, want %q", tt.escaped, got, tt.in)
		}
	}
}

func TestDecodeVCardFields(t *testing.T) {
	input := "VERSION:3.0\r\n" +
		"FN:Jane Roe\r\n" +
		"N:Roe;Jane\r\n" +
		"TEL:work;+44 20 7946 0000\r\n" +
		"TEL:a:b\r\n" +
		"EMAIL;TYPE=INTERNET:jane@example.com\r\n" +
		"X-BT-UID:A1B2\r\n" +
		"X-BT-UCI:skype:jane\r\n" +
		"X-BT-UCI:jane.uci\r\n" +
		"PHOTO:ignored\r\n" +
		"END:VCARD\r\n"
	v, err := decodeVCard(newLineReader(strings.NewReader(input)), 2)
	if err != nil {
		t.Fatalf("decodeVCard() error: %v", err)
	}
	want := VCard{
		Version:       "3.0",
		Name:          "Roe;Jane",
		FormattedName: "Jane Roe",
		Phones:        []string{"+442079460000"},
		Emails:        []string{"jane@example.com"},
		UIDs:          []string{"A1B2"},
		UCIs:          []string{"jane.uci"},
		EnvLevel:      2,
	}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Errorf("decodeVCard mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeVCardEscapedColon(t *testing.T) {
	input := "VERSION:2.1\r\nN:Name\\:With colon\r\nN:a:b\r\nEND:VCARD\r\n"
	v, err := decodeVCard(newLineReader(strings.NewReader(input)), 0)
	if err != nil {
		t.Fatalf("decodeVCard() error: %v", err)
	}
	if v.Name != "" {
		t.Errorf("Name = %q, want empty after a multi-colon N line", v.Name)
	}

	input = "VERSION:2.1\r\nN:Name\\:With colon\r\nEND:VCARD\r\n"
	v, err = decodeVCard(newLineReader(strings.NewReader(input)), 0)
	if err != nil {
		t.Fatalf("decodeVCard() error: %v", err)
	}
	if v.Name != "Name\\:With colon" {
		t.Errorf("Name = %q", v.Name)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+1 (555) 010-9999", "+15550109999"},
		{"555-1234,123", "5551234"},
		{"5551234;ext", "5551234"},
		{"Some-Tele-company", "Some-Tele-company"},
		{"Telco123", "Telco123"},
		{"1", "1"},
		{"x", "x"},
		{"*#06#", "*#06#"},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseEmail(t *testing.T) {
	raw := "From: Alice <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=\r\n" +
		"Message-Id: <m1@example.com>\r\n" +
		"Content-Type: text/plain; charset=iso-8859-1\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"caf=E9\r\n"
	c, err := ParseEmail([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEmail() error: %v", err)
	}
	if c.Subject != "Grüße" {
		t.Errorf("Subject = %q", c.Subject)
	}
	if c.MessageID != "m1@example.com" {
		t.Errorf("MessageID = %q", c.MessageID)
	}
	if len(c.From) != 1 || c.From[0].Address != "alice@example.com" {
		t.Errorf("From = %v", c.From)
	}
	if c.TextBody != "café\r\n" {
		t.Errorf("TextBody = %q", c.TextBody)
	}
}

func TestBuildEmailParses(t *testing.T) {
	in := &EmailContent{
		Subject:  "status",
		From:     []*mail.Address{{Address: "me@example.com"}},
		To:       []*mail.Address{{Name: "You", Address: "you@example.com"}},
		TextBody: "line one\r\nline two",
	}
	raw, err := BuildEmail(in)
	if err != nil {
		t.Fatalf("BuildEmail() error: %v", err)
	}
	out, err := ParseEmail(raw)
	if err != nil {
		t.Fatalf("ParseEmail() error: %v", err)
	}
	body := strings.ReplaceAll(out.TextBody, "\r\n", "\n")
	if out.Subject != in.Subject || strings.TrimRight(body, "\n") != "line one\nline two" {
		t.Errorf("parsed = %q/%q", out.Subject, out.TextBody)
	}
	if diff := cmp.Diff(in.To, out.To); diff != "" {
		t.Errorf("To mismatch (-want +got):\n%s", diff)
	}
}

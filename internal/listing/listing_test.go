package listing

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestAddFolderIdempotent(t *testing.T) {
	tree := NewTree()
	msg := tree.Root().AddFolder("telecom").AddFolder("msg")
	before := tree.Len()

	a := msg.AddFolder("Inbox")
	b := msg.AddFolder("INBOX")
	c := msg.AddSMSMMSFolder("inbox")
	if a != b || a != c {
		t.Fatalf("AddFolder returned different nodes: %v %v %v", a, b, c)
	}
	if got := tree.Len(); got != before+1 {
		t.Errorf("tree size = %d, want %d", got, before+1)
	}
	if got := a.Categories(); got != CategorySMSMMS {
		t.Errorf("categories = %b, want %b", got, CategorySMSMMS)
	}

	im := msg.AddIMFolder("chats", 7)
	if again := msg.AddIMFolder("Chats", 9); again != im {
		t.Errorf("AddIMFolder created a duplicate")
	}
	if id, ok := im.ID(); !ok || id != 7 {
		t.Errorf("ID() = %d, %v; want 7, true", id, ok)
	}
}

func TestFullPathAndLookup(t *testing.T) {
	tree := StandardTree(CategorySMSMMS | CategoryEmail)
	inbox, ok := tree.Lookup("telecom/MSG/inbox")
	if !ok {
		t.Fatal("Lookup(telecom/MSG/inbox) not found")
	}
	if got, want := inbox.FullPath(), "telecom/msg/inbox"; got != want {
		t.Errorf("FullPath() = %q, want %q", got, want)
	}
	if got := tree.Root().FullPath(); got != "" {
		t.Errorf("root FullPath() = %q, want empty", got)
	}
	if _, ok := tree.Lookup("telecom/msg/nowhere"); ok {
		t.Error("Lookup of missing folder succeeded")
	}
	parent, ok := inbox.Parent()
	if !ok || parent.Name() != "msg" {
		t.Errorf("Parent() = %q, %v", parent.Name(), ok)
	}
	if got := inbox.Categories(); got != CategorySMSMMS|CategoryEmail {
		t.Errorf("categories = %b", got)
	}
	sent, ok := tree.FolderByID(CategoryEmail, 3)
	if !ok || sent.Name() != FolderSent {
		t.Errorf("FolderByID(3) = %q, %v; want sent", sent.Name(), ok)
	}
}

func TestTreeEqual(t *testing.T) {
	a := StandardTree(CategorySMSMMS)
	b := StandardTree(CategoryEmail)
	if !a.Root().Equal(b.Root()) {
		t.Error("standard trees differ")
	}
	msg, _ := b.Lookup("telecom/msg")
	msg.AddFolder("archive")
	if a.Root().Equal(b.Root()) {
		t.Error("trees with different children compare equal")
	}
	if a.Root().Compare(b.Root()) >= 0 {
		t.Error("tree with fewer children should order first")
	}
}

func TestSegment(t *testing.T) {
	list := []int{0, 1, 2, 3, 4}
	tests := []struct {
		name          string
		count, offset int
		want          []int
	}{
		{"window", 3, 2, []int{2, 3, 4}},
		{"clamped", 10, 2, []int{2, 3, 4}},
		{"offset past end", 0, 10, []int{}},
		{"offset at end", 3, 5, []int{}},
		{"zero count is tail", 0, 2, []int{2, 3, 4}},
		{"head", 2, 0, []int{0, 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Segment(list, tc.count, tc.offset)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Segment(%d, %d) mismatch (-want +got):\n%s", tc.count, tc.offset, diff)
			}
		})
	}
}

func TestVersions(t *testing.T) {
	var v Versions
	v.BumpFolder()
	v.BumpConversation(CategorySMSMMS)
	v.BumpConversation(CategoryIM)
	v.BumpConversation(CategoryEmail)
	if got := v.Folder(); got != 1 {
		t.Errorf("Folder() = %d, want 1", got)
	}
	if got := v.Conversation(CategorySMSMMS); got != 1 {
		t.Errorf("Conversation(sms) = %d, want 1", got)
	}
	if got := v.Conversation(CategoryEmail); got != 2 {
		t.Errorf("Conversation(email) = %d, want 2", got)
	}
	if got := v.Combined(); got != 3 {
		t.Errorf("Combined() = %d, want 3", got)
	}
	want := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2}
	if diff := cmp.Diff(want, Counter128(0x0102)); diff != "" {
		t.Errorf("Counter128 mismatch (-want +got):\n%s", diff)
	}
}

func TestStripInvalidXML(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"tab\there", "tabhere"},
		{"smile 😀 ok", "smile  ok"},
		{"bell\x07", "bell"},
		{"\uFFFD\uFFFE", "\uFFFD"},
	}
	for _, tc := range tests {
		if got := StripInvalidXML(tc.in); got != tc.want {
			t.Errorf("StripInvalidXML(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHandle(t *testing.T) {
	h := FormatHandle(0x2a, TypeSMSGSM)
	if h != "040000000000002A" {
		t.Errorf("FormatHandle = %s", h)
	}
	id, typ, err := ParseHandle(h)
	if err != nil {
		t.Fatalf("ParseHandle() error: %v", err)
	}
	if id != 0x2a || typ != TypeSMSGSM {
		t.Errorf("ParseHandle = %d, %s", id, typ)
	}
	if _, _, err := ParseHandle("7F00000000000001"); err == nil {
		t.Error("ParseHandle accepted unknown type bits")
	}
}

func TestUID(t *testing.T) {
	u := ConvoID(0x1234, TypeIM)
	if got, want := u.String(), "00000000000000020000000000001234"; got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
	back, err := ParseUID(u.String())
	if err != nil || back != u {
		t.Errorf("ParseUID = %v, %v", back, err)
	}
	short, err := ParseUID("ff")
	if err != nil || short != (UID{LSB: 0xff}) {
		t.Errorf("ParseUID(ff) = %v, %v", short, err)
	}
}

func TestSummaryTruncation(t *testing.T) {
	var c ConversationElement
	c.SetSummary(strings.Repeat("é", 200))
	if len(c.Summary) != 256 {
		t.Errorf("len = %d, want 256", len(c.Summary))
	}
	c.SetSummary("a" + strings.Repeat("é", 200))
	if len(c.Summary) != 255 {
		t.Errorf("len = %d, want 255", len(c.Summary))
	}
}

type row struct {
	Attrs []xml.Attr `xml:",any,attr"`
	Rows  []row      `xml:",any"`
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := map[string]string{}
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

func TestMessageListingMarkup(t *testing.T) {
	when := time.Date(2024, 3, 9, 14, 5, 6, 0, time.Local)
	var l MessageListing
	l.Add(MessageElement{
		Handle:         FormatHandle(1, TypeSMSGSM),
		Subject:        "older",
		DateTime:       when.Add(-time.Hour),
		Type:           TypeSMSGSM,
		Size:           5,
		AttachmentSize: -1,
		Read:           FlagYes,
	})
	l.Add(MessageElement{
		Handle:           FormatHandle(2, TypeSMSGSM),
		Subject:          "hi\x01 there 😀",
		DateTime:         when,
		SenderAddressing: "+15551234",
		Type:             TypeSMSGSM,
		Size:             0,
		AttachmentSize:   0,
		Read:             FlagNo,
		ConversationID:   ConvoID(9, TypeSMSGSM),
		Direction:        "incoming",
	})
	if !l.Unread {
		t.Error("Unread not set")
	}
	l.Sort()

	out, err := l.Markup(Version10)
	if err != nil {
		t.Fatalf("Markup() error: %v", err)
	}
	if !strings.HasPrefix(string(out), xml.Header) {
		t.Errorf("missing xml header:\n%s", out)
	}
	var doc row
	if err := xml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("Unmarshal() error: %v\n%s", err, out)
	}
	if got := attrMap(doc.Attrs)["version"]; got != "1.0" {
		t.Errorf("version = %q", got)
	}
	if len(doc.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(doc.Rows))
	}
	want := map[string]string{
		"handle":            "0400000000000002",
		"subject":           "hi there ",
		"datetime":          "20240309T140506",
		"sender_addressing": "+15551234",
		"type":              "SMS_GSM",
		"size":              "0",
		"attachment_size":   "0",
		"read":              "no",
	}
	if diff := cmp.Diff(want, attrMap(doc.Rows[0].Attrs)); diff != "" {
		t.Errorf("newest row mismatch (-want +got):\n%s", diff)
	}
	if _, ok := attrMap(doc.Rows[1].Attrs)["attachment_size"]; ok {
		t.Error("negative attachment_size rendered")
	}

	out, err = l.Markup(Version11)
	if err != nil {
		t.Fatalf("Markup(1.1) error: %v", err)
	}
	doc = row{}
	if err := xml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	got := attrMap(doc.Rows[0].Attrs)
	if got["conversation_id"] != "00000000000000010000000000000009" || got["direction"] != "incoming" {
		t.Errorf("1.1 attributes missing: %v", got)
	}
}

func TestConversationListingMarkup(t *testing.T) {
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	c := ConversationElement{
		ID:             ConvoID(3, TypeIM),
		Name:           "friends",
		LastActivity:   when,
		Read:           FlagYes,
		VersionCounter: 4,
	}
	c.SetSummary("see you")
	p := NewContact("friend@im", "Friend")
	p.BtUID = UID{LSB: 0xabc}
	c.Contacts = append(c.Contacts, p)

	var l ConversationListing
	l.Add(c)
	l.Add(ConversationElement{ID: ConvoID(4, TypeIM), VersionCounter: -1, LastActivity: when.Add(time.Hour)})
	l.Sort()
	l.Segment(1, 1)

	out, err := l.Markup()
	if err != nil {
		t.Fatalf("Markup() error: %v", err)
	}
	var doc row
	if err := xml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("Unmarshal() error: %v\n%s", err, out)
	}
	if len(doc.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(doc.Rows))
	}
	want := map[string]string{
		"id":              "00000000000000020000000000000003",
		"name":            "friends",
		"last_activity":   "20240102T030405",
		"read_status":     "yes",
		"version_counter": "00000000000000000000000000000004",
		"summary":         "see you",
	}
	if diff := cmp.Diff(want, attrMap(doc.Rows[0].Attrs)); diff != "" {
		t.Errorf("conversation mismatch (-want +got):\n%s", diff)
	}
	participants := doc.Rows[0].Rows
	if len(participants) != 1 {
		t.Fatalf("participants = %d, want 1", len(participants))
	}
	wantP := map[string]string{
		"uci":          "friend@im",
		"display_name": "Friend",
		"x_bt_uid":     "00000000000000000000000000000ABC",
	}
	if diff := cmp.Diff(wantP, attrMap(participants[0].Attrs)); diff != "" {
		t.Errorf("participant mismatch (-want +got):\n%s", diff)
	}
}

func TestFolderListing(t *testing.T) {
	tree := StandardTree(CategorySMSMMS)
	msg, _ := tree.Lookup("telecom/msg")
	out, err := FolderListing(msg, 2, 1)
	if err != nil {
		t.Fatalf("FolderListing() error: %v", err)
	}
	var doc row
	if err := xml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	var names []string
	for _, r := range doc.Rows {
		names = append(names, attrMap(r.Attrs)["name"])
	}
	// children sort as deleted, draft, inbox, outbox, sent
	if diff := cmp.Diff([]string{"draft", "inbox"}, names); diff != "" {
		t.Errorf("folder names mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDateTime(t *testing.T) {
	want := time.Date(2023, 12, 31, 23, 59, 58, 0, time.Local)
	got, err := ParseDateTime(FormatDateTime(want))
	if err != nil || !got.Equal(want) {
		t.Errorf("ParseDateTime = %v, %v; want %v", got, err, want)
	}
	withZone, err := ParseDateTime("20231231T235958+0100")
	if err != nil {
		t.Fatalf("ParseDateTime(zone) error: %v", err)
	}
	if got, want := withZone.UTC().Hour(), 22; got != want {
		t.Errorf("hour = %d, want %d", got, want)
	}
}

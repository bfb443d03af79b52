package bmsg

import (
	"regexp"
	"strings"
)

// VCard is an identity record embedded in a bMessage.
type VCard struct {
	Version       string // "2.1" or "3.0"
	Name          string
	FormattedName string // only rendered for 3.0
	Phones        []string
	Emails        []string
	UIDs          []string // X-BT-UID
	UCIs          []string // X-BT-UCI

	// EnvLevel is the envelope nesting level a recipient was found at.
	EnvLevel int
}

// NewVCard returns a 3.0 record with phone numbers reduced to their
// network portion.
func NewVCard(name, formattedName string, phones, emails []string) VCard {
	return VCard{
		Version:       "3.0",
		Name:          name,
		FormattedName: formattedName,
		Phones:        normalizePhones(phones),
		Emails:        emails,
	}
}

// FirstPhone returns the first phone number or "".
func (v VCard) FirstPhone() string {
	if len(v.Phones) == 0 {
		return ""
	}
	return v.Phones[0]
}

// FirstEmail returns the first e-mail address or "".
func (v VCard) FirstEmail() string {
	if len(v.Emails) == 0 {
		return ""
	}
	return v.Emails[0]
}

// FirstUCI returns the first X-BT-UCI or "".
func (v VCard) FirstUCI() string {
	if len(v.UCIs) == 0 {
		return ""
	}
	return v.UCIs[0]
}

func (v VCard) encode(sb *strings.Builder) {
	version := v.Version
	if version == "" {
		version = "3.0"
	}
	sb.WriteString("BEGIN:VCARD\r\n")
	sb.WriteString("VERSION:" + version + "\r\n")
	if version == "3.0" {
		sb.WriteString("FN:" + vcardEscape.Replace(v.FormattedName) + "\r\n")
	}
	sb.WriteString("N:" + vcardEscape.Replace(v.Name) + "\r\n")
	for _, p := range v.Phones {
		sb.WriteString("TEL:" + vcardEscape.Replace(p) + "\r\n")
	}
	for _, e := range v.Emails {
		sb.WriteString("EMAIL:" + vcardEscape.Replace(e) + "\r\n")
	}
	for _, u := range v.UIDs {
		sb.WriteString("X-BT-UID:" + vcardEscape.Replace(u) + "\r\n")
	}
	for _, u := range v.UCIs {
		sb.WriteString("X-BT-UCI:" + vcardEscape.Replace(u) + "\r\n")
	}
	sb.WriteString("END:VCARD\r\n")
}

// decodeVCard reads fields up to END:VCARD; BEGIN:VCARD has already been
// consumed. Unknown fields are skipped.
func decodeVCard(lr *lineReader, level int) (VCard, error) {
	v := VCard{Version: "2.1", EnvLevel: level}
	for {
		line, err := lr.must()
		if err != nil {
			return v, err
		}
		line = strings.TrimSpace(line)
		if strings.Contains(line, "END:VCARD") {
			break
		}
		parts := splitUnescaped(line, ':')
		name := strings.ToUpper(parts[0])
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = name[:i]
		}
		// The value runs from the first unescaped colon to the end of line.
		single := len(parts) > 1
		value := ""
		if single {
			value = vcardUnescape.Replace(line[len(parts[0])+1:])
		}
		switch name {
		case "VERSION":
			if single {
				v.Version = strings.TrimSpace(value)
			}
		case "N":
			v.Name = value
		case "FN":
			v.FormattedName = value
		case "TEL":
			if single {
				v.Phones = append(v.Phones, NormalizePhone(lastSubpart(value)))
			}
		case "EMAIL":
			if single {
				v.Emails = append(v.Emails, lastSubpart(value))
			}
		case "X-BT-UID":
			if single {
				v.UIDs = append(v.UIDs, lastSubpart(value))
			}
		case "X-BT-UCI":
			if single {
				v.UCIs = append(v.UCIs, lastSubpart(value))
			}
		}
	}
	if v.Version != "3.0" {
		v.FormattedName = ""
	}
	return v, nil
}

var (
	vcardEscape   = strings.NewReplacer(":", `\:`)
	vcardUnescape = strings.NewReplacer(`\:`, ":")
)

// splitUnescaped splits s on sep occurrences not preceded by a backslash.
func splitUnescaped(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep && (i == 0 || s[i-1] != '\\') {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func lastSubpart(value string) string {
	sub := splitUnescaped(value, ';')
	return sub[len(sub)-1]
}

var (
	alphaNumber    = regexp.MustCompile(`^[0-9]*[a-zA-Z]+[0-9]*$`)
	phoneSeparator = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "", "/", "")
)

// NormalizePhone reduces a dialable number to its network portion. Service
// names such as "Some-Tele-company" and numbers whose network portion is a
// single character are returned unchanged.
func NormalizePhone(number string) string {
	stripped := phoneSeparator.Replace(number)
	if alphaNumber.MatchString(stripped) {
		return number
	}
	var sb strings.Builder
scan:
	for _, r := range number {
		switch {
		case r >= '0' && r <= '9', r == '*', r == '#':
			sb.WriteRune(r)
		case r == '+' && sb.Len() == 0:
			sb.WriteRune(r)
		case r == ',' || r == ';':
			break scan
		}
	}
	if sb.Len() <= 1 {
		return number
	}
	return sb.String()
}

func normalizePhones(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, p := range in {
		out[i] = NormalizePhone(p)
	}
	return out
}

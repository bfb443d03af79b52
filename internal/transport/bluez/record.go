package bluez

import (
	"fmt"
	"html"
	"strings"

	"github.io/infrasutra/btmap/internal/transport"
)

// SDP attribute ids of a MAS record.
const (
	attrServiceClassIDList     = 0x0001
	attrProtocolDescriptorList = 0x0004
	attrBrowseGroupList        = 0x0005
	attrProfileDescriptorList  = 0x0009
	attrServiceName            = 0x0100
	attrGoepL2capPSM           = 0x0200
	attrMASInstanceID          = 0x0315
	attrSupportedMessageTypes  = 0x0316
	attrMapSupportedFeatures   = 0x0317
)

// ServiceRecord renders rec in the XML form BlueZ accepts for
// RegisterProfile.
func ServiceRecord(rec transport.Record) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" ?>` + "\n<record>\n")
	attr := func(id int, body string) {
		fmt.Fprintf(&b, "  <attribute id=\"0x%04x\">\n%s  </attribute>\n", id, body)
	}
	attr(attrServiceClassIDList, "    <sequence>\n      <uuid value=\"0x1132\" />\n    </sequence>\n")
	attr(attrProtocolDescriptorList, fmt.Sprintf(
		"    <sequence>\n"+
			"      <sequence><uuid value=\"0x0100\" /></sequence>\n"+
			"      <sequence><uuid value=\"0x0003\" /><uint8 value=\"0x%02x\" /></sequence>\n"+
			"      <sequence><uuid value=\"0x0008\" /></sequence>\n"+
			"    </sequence>\n", rec.Channel))
	attr(attrBrowseGroupList, "    <sequence>\n      <uuid value=\"0x1002\" />\n    </sequence>\n")
	attr(attrProfileDescriptorList, fmt.Sprintf(
		"    <sequence>\n      <sequence><uuid value=\"0x1134\" /><uint16 value=\"0x%04x\" /></sequence>\n    </sequence>\n",
		rec.Version))
	attr(attrServiceName, fmt.Sprintf("    <text value=\"%s\" />\n", html.EscapeString(rec.ServiceName)))
	if rec.PSM > 0 {
		attr(attrGoepL2capPSM, fmt.Sprintf("    <uint16 value=\"0x%04x\" />\n", rec.PSM))
	}
	attr(attrMASInstanceID, fmt.Sprintf("    <uint8 value=\"0x%02x\" />\n", rec.MasID))
	attr(attrSupportedMessageTypes, fmt.Sprintf("    <uint8 value=\"0x%02x\" />\n", rec.SupportedTypes))
	attr(attrMapSupportedFeatures, fmt.Sprintf("    <uint32 value=\"0x%08x\" />\n", rec.Features))
	b.WriteString("</record>\n")
	return b.String()
}

package bluez

import (
	"strings"
	"testing"

	dbus "github.com/godbus/dbus/v5"

	"github.io/infrasutra/btmap/internal/transport"
)

func TestServiceRecord(t *testing.T) {
	rec := ServiceRecord(transport.Record{
		ServiceName:    "Mail & More",
		Channel:        17,
		PSM:            0x1029,
		Version:        0x0104,
		MasID:          3,
		SupportedTypes: 0x01,
		Features:       0x0007FFFF,
	})
	for _, want := range []string{
		`<uuid value="0x1132" />`,
		`<uuid value="0x0003" /><uint8 value="0x11" />`,
		`<uuid value="0x1134" /><uint16 value="0x0104" />`,
		`<text value="Mail &amp; More" />`,
		`<attribute id="0x0200">`,
		`<uint16 value="0x1029" />`,
		`<attribute id="0x0315">`,
		`<uint8 value="0x03" />`,
		`<uint32 value="0x0007ffff" />`,
	} {
		if !strings.Contains(rec, want) {
			t.Errorf("record lacks %s", want)
		}
	}

	noPSM := ServiceRecord(transport.Record{ServiceName: "SMS/MMS", Channel: 1})
	if strings.Contains(noPSM, `id="0x0200"`) {
		t.Error("record without PSM has GoepL2capPsm")
	}
}

func TestMacFromPath(t *testing.T) {
	tests := map[dbus.ObjectPath]string{
		"/org/bluez/hci0/dev_aa_bb_cc_dd_ee_ff": "AA:BB:CC:DD:EE:FF",
		"/org/bluez/hci0":                       "",
	}
	for path, want := range tests {
		if got := macFromPath(path); got != want {
			t.Errorf("macFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

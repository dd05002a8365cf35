package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func changed(path, iface string, props map[string]interface{}) *dbus.Signal {
	m := make(map[string]dbus.Variant, len(props))
	for k, v := range props {
		m[k] = dbus.MakeVariant(v)
	}
	return &dbus.Signal{
		Path: dbus.ObjectPath(path),
		Name: propertiesChanged,
		Body: []interface{}{iface, m, []string{}},
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name    string
		sig     *dbus.Signal
		adapter string
		want    event
		ok      bool
	}{
		{
			name: "adapter powered on",
			sig:  changed("/org/bluez/hci0", adapterIface, map[string]interface{}{"Powered": true}),
			want: event{kind: radioEnabled}, ok: true,
		},
		{
			name: "adapter powered off",
			sig:  changed("/org/bluez/hci0", adapterIface, map[string]interface{}{"Powered": false}),
		},
		{
			name: "adapter discovering",
			sig:  changed("/org/bluez/hci0", adapterIface, map[string]interface{}{"Discovering": true}),
		},
		{
			name: "device disconnected",
			sig:  changed("/org/bluez/hci0/dev_00_1D_A5_68_98_8B", deviceIface, map[string]interface{}{"Connected": false}),
			want: event{kind: deviceDisconnected, address: "00:1D:A5:68:98:8B"}, ok: true,
		},
		{
			name: "device connected",
			sig:  changed("/org/bluez/hci0/dev_00_1D_A5_68_98_8B", deviceIface, map[string]interface{}{"Connected": true}),
		},
		{
			name: "device rssi",
			sig:  changed("/org/bluez/hci0/dev_00_1D_A5_68_98_8B", deviceIface, map[string]interface{}{"RSSI": int16(-60)}),
		},
		{
			name:    "other adapter filtered",
			sig:     changed("/org/bluez/hci1", adapterIface, map[string]interface{}{"Powered": true}),
			adapter: "hci0",
		},
		{
			name:    "matching adapter",
			sig:     changed("/org/bluez/hci0/dev_00_1D_A5_68_98_8B", deviceIface, map[string]interface{}{"Connected": false}),
			adapter: "hci0",
			want:    event{kind: deviceDisconnected, address: "00:1D:A5:68:98:8B"}, ok: true,
		},
		{
			name: "wrong member",
			sig:  &dbus.Signal{Path: "/org/bluez/hci0", Name: "org.freedesktop.DBus.ObjectManager.InterfacesAdded"},
		},
		{
			name: "short body",
			sig:  &dbus.Signal{Path: "/org/bluez/hci0", Name: propertiesChanged, Body: []interface{}{adapterIface}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseSignal(tt.sig, tt.adapter)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseSignal = %+v, %v; want %+v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestAddressFromPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/org/bluez/hci0/dev_aa_bb_cc_dd_ee_ff", "AA:BB:CC:DD:EE:FF"},
		{"/org/bluez/hci0", ""},
		{"/org/bluez/hci0/dev_AA_BB", ""},
		{"/org/bluez/hci0/dev_00_1D_A5_68_98_8B/serv0001", ""},
	}
	for _, tt := range tests {
		if got := addressFromPath(tt.in); got != tt.want {
			t.Errorf("addressFromPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDispatchCallsHooks(t *testing.T) {
	w := NewWatcher("")
	radio := 0
	var dropped []string
	w.OnRadioEnabled = func() { radio++ }
	w.OnDeviceDisconnected = func(addr string) { dropped = append(dropped, addr) }

	w.dispatch(changed("/org/bluez/hci0", adapterIface, map[string]interface{}{"Powered": true}))
	w.dispatch(changed("/org/bluez/hci0/dev_00_1D_A5_68_98_8B", deviceIface, map[string]interface{}{"Connected": false}))
	w.dispatch(changed("/org/bluez/hci0/dev_00_1D_A5_68_98_8B", deviceIface, map[string]interface{}{"Connected": true}))

	if radio != 1 {
		t.Errorf("radio callbacks = %d, want 1", radio)
	}
	if len(dropped) != 1 || dropped[0] != "00:1D:A5:68:98:8B" {
		t.Errorf("disconnect callbacks = %v", dropped)
	}
}

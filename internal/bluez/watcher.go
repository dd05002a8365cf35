// Package bluez watches BlueZ on the system D-Bus for the two signals the
// reconnection logic reacts to: the adapter powering on and a paired device
// dropping its connection.
package bluez

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	propertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
	adapterIface      = "org.bluez.Adapter1"
	deviceIface       = "org.bluez.Device1"
)

// Watcher delivers BlueZ radio and device events to its callbacks.
type Watcher struct {
	// Adapter limits events to one controller, e.g. "hci0". Empty means any.
	Adapter string

	OnRadioEnabled       func()
	OnDeviceDisconnected func(address string)

	conn *dbus.Conn
}

// NewWatcher creates a Watcher for the given adapter name.
func NewWatcher(adapter string) *Watcher {
	return &Watcher{Adapter: adapter}
}

// Run subscribes to PropertiesChanged for BlueZ adapters and devices and
// dispatches events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}
	defer conn.Close()
	w.conn = conn

	for _, iface := range []string{adapterIface, deviceIface} {
		rule := fmt.Sprintf("type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',arg0='%s'", iface)
		if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			return fmt.Errorf("failed to add match for %s: %w", iface, err)
		}
	}

	sigChan := make(chan *dbus.Signal, 16)
	conn.Signal(sigChan)
	defer conn.RemoveSignal(sigChan)
	log.Printf("[bluez] watching adapter %q", w.Adapter)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-sigChan:
			if !ok {
				return fmt.Errorf("bluez: signal channel closed")
			}
			w.dispatch(sig)
		}
	}
}

func (w *Watcher) dispatch(sig *dbus.Signal) {
	ev, ok := parseSignal(sig, w.Adapter)
	if !ok {
		return
	}
	switch ev.kind {
	case radioEnabled:
		log.Println("[bluez] radio powered on")
		if w.OnRadioEnabled != nil {
			w.OnRadioEnabled()
		}
	case deviceDisconnected:
		log.Printf("[bluez] device %s disconnected", ev.address)
		if w.OnDeviceDisconnected != nil {
			w.OnDeviceDisconnected(ev.address)
		}
	}
}

type eventKind int

const (
	radioEnabled eventKind = iota + 1
	deviceDisconnected
)

type event struct {
	kind    eventKind
	address string
}

// parseSignal turns a PropertiesChanged signal into an event. Only
// Powered=true on an adapter and Connected=false on a device count.
func parseSignal(sig *dbus.Signal, adapter string) (event, bool) {
	if sig == nil || sig.Name != propertiesChanged || len(sig.Body) < 2 {
		return event{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return event{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return event{}, false
	}
	objPath := string(sig.Path)
	if adapter != "" && !onAdapter(objPath, adapter) {
		return event{}, false
	}

	switch iface {
	case adapterIface:
		if v, ok := changed["Powered"]; ok {
			if on, ok := v.Value().(bool); ok && on {
				return event{kind: radioEnabled}, true
			}
		}
	case deviceIface:
		v, ok := changed["Connected"]
		if !ok {
			return event{}, false
		}
		if up, ok := v.Value().(bool); ok && !up {
			if addr := addressFromPath(objPath); addr != "" {
				return event{kind: deviceDisconnected, address: addr}, true
			}
		}
	}
	return event{}, false
}

// onAdapter reports whether objPath is the adapter itself or one of its
// devices, e.g. /org/bluez/hci0 or /org/bluez/hci0/dev_...
func onAdapter(objPath, adapter string) bool {
	base := "/org/bluez/" + adapter
	return objPath == base || strings.HasPrefix(objPath, base+"/")
}

// addressFromPath converts /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF to
// AA:BB:CC:DD:EE:FF.
func addressFromPath(objPath string) string {
	name := path.Base(objPath)
	if !strings.HasPrefix(name, "dev_") {
		return ""
	}
	addr := strings.ReplaceAll(strings.TrimPrefix(name, "dev_"), "_", ":")
	if len(addr) != 17 {
		return ""
	}
	return strings.ToUpper(addr)
}

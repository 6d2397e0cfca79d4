// Package bluez reaches a paired peer over Bluetooth RFCOMM, using BlueZ on
// the system D-Bus to check the adapter and find paired devices.
package bluez

import (
	"fmt"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName          = "org.bluez"
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	propsIface       = "org.freedesktop.DBus.Properties"
	objectManager    = "org.freedesktop.DBus.ObjectManager"
	defaultAdapter   = "hci0"
	adapterPathBase  = "/org/bluez/"
	getManagedMethod = objectManager + ".GetManagedObjects"
)

// Device is a paired Bluetooth device as BlueZ reports it.
type Device struct {
	Path  string
	MAC   string
	Name  string
	Alias string
}

// Adapter is the subset of BlueZ the dialer needs.
type Adapter interface {
	Powered() (bool, error)
	PairedDevices() ([]Device, error)
}

// Bus wraps a system D-Bus connection for one BlueZ adapter.
type Bus struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
}

func NewBus(adapter string) (*Bus, error) {
	if adapter == "" {
		adapter = defaultAdapter
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	if !slices.Contains(names, busName) {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus, is bluetooth.service running?")
	}
	return &Bus{conn: conn, adapterPath: dbus.ObjectPath(adapterPathBase + adapter)}, nil
}

func (b *Bus) Close() error {
	return b.conn.Close()
}

func (b *Bus) Powered() (bool, error) {
	obj := b.conn.Object(busName, b.adapterPath)
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, adapterIface, "Powered").Store(&v); err != nil {
		return false, err
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property Powered is not bool")
	}
	return powered, nil
}

// PairedDevices lists paired devices under the adapter, ordered by path.
func (b *Bus) PairedDevices() ([]Device, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := b.conn.Object(busName, "/").Call(getManagedMethod, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return pairedFromObjects(b.adapterPath, objects), nil
}

func pairedFromObjects(adapterPath dbus.ObjectPath,
	objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []Device {

	var devices []Device
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), string(adapterPath)+"/") {
			continue
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}
		d := Device{Path: string(path)}
		d.MAC, _ = props["Address"].Value().(string)
		d.Name, _ = props["Name"].Value().(string)
		d.Alias, _ = props["Alias"].Value().(string)
		devices = append(devices, d)
	}
	slices.SortFunc(devices, func(a, b Device) int {
		return strings.Compare(a.Path, b.Path)
	})
	return devices
}

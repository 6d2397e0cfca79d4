package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type DeviceType string

const (
	DeviceTypeLight      DeviceType = "LIGHT"
	DeviceTypeThermostat DeviceType = "THERMOSTAT"
	DeviceTypeLock       DeviceType = "LOCK"
	DeviceTypeSwitch     DeviceType = "SWITCH"
	DeviceTypeSensor     DeviceType = "SENSOR"
)

var deviceTypes = []DeviceType{
	DeviceTypeLight,
	DeviceTypeThermostat,
	DeviceTypeLock,
	DeviceTypeSwitch,
	DeviceTypeSensor,
}

func (t DeviceType) Valid() bool {
	for _, known := range deviceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseDeviceType accepts any letter case.
func ParseDeviceType(s string) (DeviceType, error) {
	t := DeviceType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown device type %q", s)
	}
	return t, nil
}

// Device is a controllable entity. Value is optional and its meaning depends
// on Type: degrees for thermostats, a reading for sensors, opaque otherwise.
type Device struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Type   DeviceType `json:"type"`
	RoomID string     `json:"roomId"`
	IsOn   bool       `json:"isOn"`
	Value  *string    `json:"value"`
}

// Numeric interprets Value for thermostats and sensors.
func (d Device) Numeric() (float64, bool) {
	if d.Value == nil {
		return 0, false
	}
	if d.Type != DeviceTypeThermostat && d.Type != DeviceTypeSensor {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(*d.Value), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (d Device) ValueOr(fallback string) string {
	if d.Value == nil {
		return fallback
	}
	return *d.Value
}

func (d Device) Equal(other Device) bool {
	if d.ID != other.ID || d.Name != other.Name || d.Type != other.Type ||
		d.RoomID != other.RoomID || d.IsOn != other.IsOn {
		return false
	}
	if d.Value == nil || other.Value == nil {
		return d.Value == nil && other.Value == nil
	}
	return *d.Value == *other.Value
}

func StringPtr(s string) *string {
	return &s
}

type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func DefaultRooms() []Room {
	return []Room{
		{ID: "living", Name: "Living Room"},
		{ID: "kitchen", Name: "Kitchen"},
		{ID: "bedroom", Name: "Bedroom"},
		{ID: "entrance", Name: "Entrance"},
	}
}

// SampleDevices is the list the hub starts with. The ids match the ones the
// controller firmware reports.
func SampleDevices() []Device {
	return []Device{
		{ID: "living_light", Name: "Living Room Light", Type: DeviceTypeLight, RoomID: "living", IsOn: true},
		{ID: "kitchen_light", Name: "Kitchen Light", Type: DeviceTypeLight, RoomID: "kitchen"},
		{ID: "bedroom_light", Name: "Bedroom Light", Type: DeviceTypeLight, RoomID: "bedroom"},
		{ID: "thermostat", Name: "Thermostat", Type: DeviceTypeThermostat, RoomID: "living", IsOn: true, Value: StringPtr("22.5")},
		{ID: "temp_sensor", Name: "Temperature Sensor", Type: DeviceTypeSensor, RoomID: "bedroom", IsOn: true, Value: StringPtr("21.0")},
		{ID: "front_lock", Name: "Front Door", Type: DeviceTypeLock, RoomID: "entrance"},
	}
}

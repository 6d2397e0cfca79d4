// Package protocol converts commands exchanged between a hub and its peer to
// and from their wire form.
//
// Toggle and SetValue travel as colon-delimited ASCII ("TOGGLE:<id>:",
// "SET:<id>:<value>"), device lists as a JSON array. Nothing is escaped: a ':'
// inside a device id, or a newline anywhere in a stream frame, breaks the
// message.
package protocol

import "github.com/ilievs/homesync/core"

// Path names the endpoint a message is routed to on the underlying channel.
type Path string

const (
	PathDeviceList       Path = "device-list"
	PathDeviceControl    Path = "device-control"
	PathTemperature      Path = "temperature"
	PathConnectionStatus Path = "connection-status"
)

var paths = []Path{PathDeviceList, PathDeviceControl, PathTemperature, PathConnectionStatus}

func (p Path) Valid() bool {
	for _, known := range paths {
		if p == known {
			return true
		}
	}
	return false
}

// Message is an encoded command ready to hand to a transport.
type Message struct {
	Path    Path
	Payload []byte
}

// Command is one of Toggle, SetValue, ListSnapshot, RequestSnapshot,
// Temperature or ConnectionStatus.
type Command interface {
	Path() Path
	isCommand()
}

type Toggle struct {
	DeviceID string
}

type SetValue struct {
	DeviceID string
	Value    string
}

// ListSnapshot carries the full device list of the sender.
type ListSnapshot struct {
	Devices []core.Device
}

// RequestSnapshot asks the peer to answer with a ListSnapshot.
type RequestSnapshot struct{}

type Temperature struct {
	Celsius float64
}

type ConnectionStatus struct {
	Connected bool
}

func (Toggle) Path() Path           { return PathDeviceControl }
func (SetValue) Path() Path         { return PathDeviceControl }
func (ListSnapshot) Path() Path     { return PathDeviceList }
func (RequestSnapshot) Path() Path  { return PathDeviceList }
func (Temperature) Path() Path      { return PathTemperature }
func (ConnectionStatus) Path() Path { return PathConnectionStatus }

func (Toggle) isCommand()           {}
func (SetValue) isCommand()         {}
func (ListSnapshot) isCommand()     {}
func (RequestSnapshot) isCommand()  {}
func (Temperature) isCommand()      {}
func (ConnectionStatus) isCommand() {}

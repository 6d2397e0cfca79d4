package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ilievs/homesync/core"
)

const (
	actionToggle   = "TOGGLE"
	actionSet      = "SET"
	requestDevices = "REQUEST:DEVICES"
)

// Encode is deterministic: the same command always yields the same bytes.
func Encode(cmd Command) (Message, error) {
	var payload []byte
	switch c := cmd.(type) {
	case Toggle:
		payload = []byte(actionToggle + ":" + c.DeviceID + ":")
	case SetValue:
		payload = []byte(actionSet + ":" + c.DeviceID + ":" + c.Value)
	case ListSnapshot:
		devices := c.Devices
		if devices == nil {
			devices = []core.Device{}
		}
		var err error
		payload, err = json.Marshal(devices)
		if err != nil {
			return Message{}, fmt.Errorf("encoding device list: %w", err)
		}
	case RequestSnapshot:
		payload = []byte(requestDevices)
	case Temperature:
		payload = []byte(strconv.FormatFloat(c.Celsius, 'f', -1, 64))
	case ConnectionStatus:
		payload = []byte(strconv.FormatBool(c.Connected))
	default:
		return Message{}, fmt.Errorf("unknown command %T", cmd)
	}
	return Message{Path: cmd.Path(), Payload: payload}, nil
}

// Decode returns false for anything it does not understand. Malformed
// messages are dropped, never reported.
func Decode(msg Message) (Command, bool) {
	switch msg.Path {
	case PathDeviceControl:
		return decodeControl(msg.Payload)
	case PathDeviceList:
		return decodeDeviceList(msg.Payload)
	case PathTemperature:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload)), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return Temperature{Celsius: f}, true
	case PathConnectionStatus:
		connected, err := strconv.ParseBool(strings.TrimSpace(string(msg.Payload)))
		if err != nil {
			return nil, false
		}
		return ConnectionStatus{Connected: connected}, true
	default:
		return nil, false
	}
}

func decodeControl(payload []byte) (Command, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return decodeControlJSON(trimmed)
	}

	parts := strings.SplitN(string(payload), ":", 3)
	if len(parts) != 3 || parts[1] == "" {
		return nil, false
	}
	return controlCommand(parts[0], parts[1], &parts[2])
}

// decodeControlJSON accepts the {"deviceId","action","value"} form older
// peers send on the control path.
func decodeControlJSON(payload []byte) (Command, bool) {
	var fields struct {
		DeviceID string  `json:"deviceId"`
		Action   string  `json:"action"`
		Value    *string `json:"value"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil || fields.DeviceID == "" {
		return nil, false
	}
	return controlCommand(fields.Action, fields.DeviceID, fields.Value)
}

func controlCommand(action, deviceID string, value *string) (Command, bool) {
	switch action {
	case actionToggle:
		return Toggle{DeviceID: deviceID}, true
	case actionSet:
		if value == nil {
			return nil, false
		}
		return SetValue{DeviceID: deviceID, Value: *value}, true
	default:
		return nil, false
	}
}

func decodeDeviceList(payload []byte) (Command, bool) {
	trimmed := bytes.TrimSpace(payload)
	if string(trimmed) == requestDevices {
		return RequestSnapshot{}, true
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}

	var devices []core.Device
	if err := json.Unmarshal(trimmed, &devices); err != nil {
		return nil, false
	}
	for _, d := range devices {
		if d.ID == "" || !d.Type.Valid() {
			return nil, false
		}
	}
	if devices == nil {
		devices = []core.Device{}
	}
	return ListSnapshot{Devices: devices}, true
}

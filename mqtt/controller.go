package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/ilievs/homesync/core"
	"github.com/ilievs/homesync/protocol"
)

const DefaultControllerPrefix = "home/devices"

// ControllerState is the JSON an ESP32 controller publishes on
// <prefix>/<id>/state.
type ControllerState struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	IsOn   bool   `json:"is_on"`
	Value  string `json:"value"`
}

func (s ControllerState) Device() (core.Device, error) {
	deviceType, err := core.ParseDeviceType(s.Type)
	if err != nil {
		return core.Device{}, err
	}
	d := core.Device{
		ID:     s.ID,
		Name:   s.Name,
		Type:   deviceType,
		RoomID: s.RoomID,
		IsOn:   s.IsOn,
	}
	if s.Value != "" {
		d.Value = core.StringPtr(s.Value)
	}
	return d, nil
}

// DeviceSink receives devices reported by controllers.
type DeviceSink interface {
	Upsert(d core.Device) bool
}

type ControllerDevice struct {
	ID       string    `json:"id"`
	ClientID string    `json:"clientId"`
	LastSeen time.Time `json:"lastSeen"`
}

type BridgeStatus struct {
	Enabled bool               `json:"enabled"`
	Devices []ControllerDevice `json:"devices"`
}

// ControllerBridge relays device commands to ESP32 controllers attached to
// the embedded broker and feeds their state reports into the device list.
type ControllerBridge struct {
	broker *MochiBroker
	prefix string
	sink   DeviceSink
	logger *slog.Logger

	seenMutex sync.RWMutex
	seen      map[string]ControllerDevice
	subId     int
}

func NewControllerBridge(broker *MochiBroker, prefix string, sink DeviceSink, logger *slog.Logger) *ControllerBridge {
	if prefix == "" {
		prefix = DefaultControllerPrefix
	}
	return &ControllerBridge{
		broker: broker,
		prefix: strings.TrimSuffix(prefix, "/"),
		sink:   sink,
		logger: logger,
		seen:   make(map[string]ControllerDevice),
	}
}

func (b *ControllerBridge) Start() error {
	id, err := b.broker.Subscribe(b.prefix+"/+/state", b.handleState)
	if err != nil {
		return fmt.Errorf("subscribing to controller state: %w", err)
	}
	b.seenMutex.Lock()
	b.subId = id
	b.seenMutex.Unlock()
	return nil
}

func (b *ControllerBridge) Stop() error {
	b.seenMutex.Lock()
	id := b.subId
	b.subId = 0
	b.seenMutex.Unlock()
	if id == 0 {
		return nil
	}
	return b.broker.Unsubscribe(id)
}

// Forward publishes device commands for devices a controller has reported.
// Other commands are ignored.
func (b *ControllerBridge) Forward(cmd protocol.Command) {
	var deviceId, payload string
	switch c := cmd.(type) {
	case protocol.Toggle:
		deviceId, payload = c.DeviceID, "toggle"
	case protocol.SetValue:
		deviceId, payload = c.DeviceID, "value:"+c.Value
	default:
		return
	}

	b.seenMutex.RLock()
	_, known := b.seen[deviceId]
	b.seenMutex.RUnlock()
	if !known {
		return
	}

	topic := b.prefix + "/" + deviceId + "/control"
	if err := b.broker.Publish(topic, []byte(payload), false); err != nil {
		b.logger.Warn("failed to publish controller command", "topic", topic, "error", err)
		return
	}
	b.logger.Debug("controller command sent", "topic", topic, "payload", payload)
}

func (b *ControllerBridge) Status() BridgeStatus {
	b.seenMutex.RLock()
	devices := make([]ControllerDevice, 0, len(b.seen))
	for _, d := range b.seen {
		devices = append(devices, d)
	}
	b.seenMutex.RUnlock()

	slices.SortFunc(devices, func(a, b ControllerDevice) int {
		return strings.Compare(a.ID, b.ID)
	})
	return BridgeStatus{Enabled: true, Devices: devices}
}

func (b *ControllerBridge) handleState(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
	rest := strings.TrimPrefix(pk.TopicName, b.prefix+"/")
	topicId, ok := strings.CutSuffix(rest, "/state")
	if !ok || topicId == "" || strings.Contains(topicId, "/") {
		return
	}

	var state ControllerState
	if err := json.Unmarshal(pk.Payload, &state); err != nil {
		b.logger.Debug("dropping malformed controller state", "topic", pk.TopicName, "error", err)
		return
	}
	if state.ID == "" {
		state.ID = topicId
	}
	if state.ID != topicId {
		b.logger.Debug("controller state id does not match topic", "topic", pk.TopicName, "id", state.ID)
		return
	}
	device, err := state.Device()
	if err != nil {
		b.logger.Debug("dropping controller state", "topic", pk.TopicName, "error", err)
		return
	}

	b.seenMutex.Lock()
	b.seen[device.ID] = ControllerDevice{ID: device.ID, ClientID: cl.ID, LastSeen: time.Now()}
	b.seenMutex.Unlock()

	if b.sink.Upsert(device) {
		b.logger.Info("controller state applied", "client", cl.ID, "device", device.ID, "isOn", device.IsOn)
	}
}

package core

import (
	"log/slog"
	"sync"

	"github.com/ilievs/homesync/observe"
)

// DeviceStore is the in-memory id -> Device mapping of one side of a pairing.
// Every mutation publishes the new snapshot to Changes. Operations on unknown
// ids are no-ops and never fail.
type DeviceStore struct {
	devicesMutex sync.Mutex
	order        []string
	devicesById  map[string]Device
	changes      *observe.Value[[]Device]
	logger       *slog.Logger
}

func NewDeviceStore(logger *slog.Logger) *DeviceStore {
	return &DeviceStore{
		devicesById: make(map[string]Device),
		changes:     observe.NewValue([]Device{}),
		logger:      logger,
	}
}

func (s *DeviceStore) Get(id string) (Device, bool) {
	s.devicesMutex.Lock()
	defer s.devicesMutex.Unlock()
	d, ok := s.devicesById[id]
	return d, ok
}

// Upsert replaces the device with the same id or appends it. It reports
// whether the store changed.
func (s *DeviceStore) Upsert(d Device) bool {
	s.devicesMutex.Lock()
	defer s.devicesMutex.Unlock()
	existing, ok := s.devicesById[d.ID]
	if ok && existing.Equal(d) {
		return false
	}
	if !ok {
		s.order = append(s.order, d.ID)
	}
	s.devicesById[d.ID] = d
	s.publishLocked()
	return true
}

func (s *DeviceStore) Toggle(id string) bool {
	s.devicesMutex.Lock()
	defer s.devicesMutex.Unlock()
	d, ok := s.devicesById[id]
	if !ok {
		s.logger.Debug("toggle ignored, unknown device", "device", id)
		return false
	}
	d.IsOn = !d.IsOn
	s.devicesById[id] = d
	s.publishLocked()
	s.logger.Debug("device toggled", "device", id, "isOn", d.IsOn)
	return true
}

func (s *DeviceStore) SetValue(id, value string) bool {
	s.devicesMutex.Lock()
	defer s.devicesMutex.Unlock()
	d, ok := s.devicesById[id]
	if !ok {
		s.logger.Debug("set value ignored, unknown device", "device", id)
		return false
	}
	if d.Value != nil && *d.Value == value {
		return false
	}
	d.Value = StringPtr(value)
	s.devicesById[id] = d
	s.publishLocked()
	s.logger.Debug("device value set", "device", id, "value", value)
	return true
}

func (s *DeviceStore) Remove(id string) bool {
	s.devicesMutex.Lock()
	defer s.devicesMutex.Unlock()
	if _, ok := s.devicesById[id]; !ok {
		return false
	}
	delete(s.devicesById, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.publishLocked()
	return true
}

// Replace swaps the whole content for devices, keeping their order. Later
// duplicates of an id win.
func (s *DeviceStore) Replace(devices []Device) {
	s.devicesMutex.Lock()
	defer s.devicesMutex.Unlock()
	s.order = s.order[:0]
	s.devicesById = make(map[string]Device, len(devices))
	for _, d := range devices {
		if _, ok := s.devicesById[d.ID]; !ok {
			s.order = append(s.order, d.ID)
		}
		s.devicesById[d.ID] = d
	}
	s.publishLocked()
}

// Snapshot returns the devices in insertion order.
func (s *DeviceStore) Snapshot() []Device {
	s.devicesMutex.Lock()
	defer s.devicesMutex.Unlock()
	return s.snapshotLocked()
}

func (s *DeviceStore) ByRoom(roomID string) []Device {
	var devices []Device
	for _, d := range s.Snapshot() {
		if d.RoomID == roomID {
			devices = append(devices, d)
		}
	}
	return devices
}

// FirstOfType returns the earliest inserted device of type t.
func (s *DeviceStore) FirstOfType(t DeviceType) (Device, bool) {
	s.devicesMutex.Lock()
	defer s.devicesMutex.Unlock()
	for _, id := range s.order {
		if d := s.devicesById[id]; d.Type == t {
			return d, true
		}
	}
	return Device{}, false
}

func (s *DeviceStore) Changes() *observe.Value[[]Device] {
	return s.changes
}

func (s *DeviceStore) SubscribeToChanges() (<-chan []Device, func()) {
	return s.changes.Subscribe()
}

func (s *DeviceStore) snapshotLocked() []Device {
	devices := make([]Device, 0, len(s.order))
	for _, id := range s.order {
		devices = append(devices, s.devicesById[id])
	}
	return devices
}

// publishLocked runs under devicesMutex so observers see snapshots in
// mutation order.
func (s *DeviceStore) publishLocked() {
	s.changes.Set(s.snapshotLocked())
}

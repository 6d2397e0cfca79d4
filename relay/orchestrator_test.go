package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilievs/homesync/core"
	"github.com/ilievs/homesync/protocol"
	"github.com/ilievs/homesync/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession records what is sent and lets tests inject inbound messages.
type fakeSession struct {
	*transport.Lifecycle

	mu         sync.Mutex
	connectErr error
	sendErr    error
	sent       []protocol.Command
	reply      func(cmd protocol.Command) []protocol.Command

	// dropOnConnect makes Connect report success after the link already died.
	dropOnConnect bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{Lifecycle: transport.NewLifecycle()}
}

func (f *fakeSession) Connect(_ context.Context, _ string) error {
	if err := f.BeginConnect(); err != nil {
		return err
	}
	f.mu.Lock()
	err := f.connectErr
	drop := f.dropOnConnect
	f.mu.Unlock()
	if err != nil {
		f.MarkDisconnected()
		return err
	}
	f.MarkConnected()
	if drop {
		f.MarkDisconnected()
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

func (f *fakeSession) Send(_ context.Context, msg protocol.Message) error {
	if f.State() != transport.StateConnected {
		return transport.ErrNotConnected
	}
	cmd, ok := protocol.Decode(msg)
	if !ok {
		return fmt.Errorf("undecodable message %s %q", msg.Path, msg.Payload)
	}

	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, cmd)
	reply := f.reply
	f.mu.Unlock()

	if reply != nil {
		for _, r := range reply(cmd) {
			f.deliver(r)
		}
	}
	return nil
}

func (f *fakeSession) Disconnect() error {
	f.MarkDisconnected()
	return nil
}

func (f *fakeSession) deliver(cmd protocol.Command) {
	msg, err := protocol.Encode(cmd)
	if err != nil {
		panic(err)
	}
	f.Dispatch(msg)
}

func (f *fakeSession) sentCommands() []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Command(nil), f.sent...)
}

func (f *fakeSession) set(fn func(f *fakeSession)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func seededStore(devices ...core.Device) *core.DeviceStore {
	store := core.NewDeviceStore(testLogger())
	store.Replace(devices)
	return store
}

func newOrchestrator(t *testing.T, store *core.DeviceStore, session transport.Session, options Options) *Orchestrator {
	t.Helper()
	if options.SyncTimeout == 0 {
		options.SyncTimeout = 100 * time.Millisecond
	}
	o := New(store, session, options, testLogger())
	t.Cleanup(o.Close)
	return o
}

func TestSyncTimeoutGoesReadyWithStoreUnchanged(t *testing.T) {
	store := seededStore(core.SampleDevices()...)
	before := store.Snapshot()
	session := newFakeSession()
	o := newOrchestrator(t, store, session, Options{Role: RolePeer, SyncTimeout: 50 * time.Millisecond})

	start := time.Now()
	require.NoError(t, o.Connect(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.Equal(t, Status{State: StateReady}, o.Status())
	assert.Equal(t, before, store.Snapshot())
	assert.Equal(t, []protocol.Command{protocol.RequestSnapshot{}}, session.sentCommands())
}

func TestSnapshotDuringSyncIsUpserted(t *testing.T) {
	store := seededStore(core.Device{ID: "watch_only", Name: "Local", Type: core.DeviceTypeSwitch, RoomID: "living"})
	session := newFakeSession()
	session.reply = func(cmd protocol.Command) []protocol.Command {
		if _, ok := cmd.(protocol.RequestSnapshot); ok {
			return []protocol.Command{protocol.ListSnapshot{Devices: core.SampleDevices()}}
		}
		return nil
	}
	o := newOrchestrator(t, store, session, Options{Role: RolePeer, SyncTimeout: 5 * time.Second})

	start := time.Now()
	require.NoError(t, o.Connect(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateReady, o.Status().State)

	snapshot := store.Snapshot()
	assert.Len(t, snapshot, len(core.SampleDevices())+1)
	_, ok := store.Get("watch_only")
	assert.True(t, ok, "upsert keeps devices missing from the snapshot")
}

func TestConnectWithoutPairedPeer(t *testing.T) {
	store := seededStore(core.SampleDevices()...)
	before := store.Snapshot()
	session := newFakeSession()
	session.connectErr = fmt.Errorf("%w: no paired device", transport.ErrNotFound)
	o := newOrchestrator(t, store, session, Options{Role: RolePeer})

	err := o.Connect(context.Background())
	assert.ErrorIs(t, err, transport.ErrNotFound)
	status := o.Status()
	assert.Equal(t, StateError, status.State)
	assert.Contains(t, status.Err, "no paired peer found")
	assert.Equal(t, before, store.Snapshot())
	assert.Equal(t, transport.StateDisconnected, session.State())
}

func TestRetryOnlyFromError(t *testing.T) {
	session := newFakeSession()
	session.connectErr = fmt.Errorf("%w: adapter off", transport.ErrUnavailable)
	o := newOrchestrator(t, seededStore(), session, Options{Role: RolePeer, SyncTimeout: 10 * time.Millisecond})

	assert.ErrorIs(t, o.Retry(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, o.Connect(context.Background()), transport.ErrUnavailable)
	assert.Equal(t, StateError, o.Status().State)
	assert.ErrorIs(t, o.Connect(context.Background()), ErrInvalidState)

	session.set(func(f *fakeSession) { f.connectErr = nil })
	require.NoError(t, o.Retry(context.Background()))
	assert.Equal(t, Status{State: StateReady}, o.Status())
}

func TestInboundToggleFlipsDevice(t *testing.T) {
	store := seededStore(core.Device{ID: "light1", Name: "Light", Type: core.DeviceTypeLight, RoomID: "living", IsOn: false})
	session := newFakeSession()
	o := newOrchestrator(t, store, session, Options{Role: RolePeer, SyncTimeout: 10 * time.Millisecond})
	require.NoError(t, o.Connect(context.Background()))

	var heard []protocol.Command
	o.AddCommandListener(func(cmd protocol.Command) { heard = append(heard, cmd) })

	session.deliver(protocol.Toggle{DeviceID: "light1"})
	d, ok := store.Get("light1")
	require.True(t, ok)
	assert.True(t, d.IsOn)

	session.deliver(protocol.Toggle{DeviceID: "missing"})
	session.deliver(protocol.SetValue{DeviceID: "light1", Value: "80"})
	d, _ = store.Get("light1")
	assert.Equal(t, "80", d.ValueOr(""))
	assert.Equal(t, []protocol.Command{
		protocol.Toggle{DeviceID: "light1"},
		protocol.SetValue{DeviceID: "light1", Value: "80"},
	}, heard)
}

func TestInboundMalformedIsDropped(t *testing.T) {
	store := seededStore(core.SampleDevices()...)
	before := store.Snapshot()
	session := newFakeSession()
	newOrchestrator(t, store, session, Options{Role: RoleHub})

	session.Dispatch(protocol.Message{Path: protocol.PathDeviceControl, Payload: []byte("TOGGLE")})
	session.Dispatch(protocol.Message{Path: "bogus", Payload: []byte("TOGGLE:living_light:")})
	assert.Equal(t, before, store.Snapshot())
}

func TestHubAnswersSnapshotRequest(t *testing.T) {
	store := seededStore(core.SampleDevices()...)
	session := newFakeSession()
	o := newOrchestrator(t, store, session, Options{Role: RoleHub})
	require.NoError(t, o.Connect(context.Background()))
	assert.Equal(t, StateReady, o.Status().State)

	session.deliver(protocol.RequestSnapshot{})

	sent := session.sentCommands()
	require.Len(t, sent, 2, "snapshot pushed on connect and again on request")
	for _, cmd := range sent {
		assert.Equal(t, protocol.ListSnapshot{Devices: store.Snapshot()}, cmd)
	}
}

func TestPeerIgnoresSnapshotRequest(t *testing.T) {
	session := newFakeSession()
	o := newOrchestrator(t, seededStore(core.SampleDevices()...), session, Options{Role: RolePeer, SyncTimeout: 10 * time.Millisecond})
	require.NoError(t, o.Connect(context.Background()))

	session.deliver(protocol.RequestSnapshot{})
	assert.Equal(t, []protocol.Command{protocol.RequestSnapshot{}}, session.sentCommands())
}

func TestLocalToggleForwardedWhenReady(t *testing.T) {
	store := seededStore(core.SampleDevices()...)
	session := newFakeSession()
	o := newOrchestrator(t, store, session, Options{Role: RolePeer, SyncTimeout: 10 * time.Millisecond})

	// Not connected: applied locally, nothing sent.
	require.NoError(t, o.Toggle(context.Background(), "kitchen_light"))
	assert.Empty(t, session.sentCommands())

	require.NoError(t, o.Connect(context.Background()))
	require.NoError(t, o.Toggle(context.Background(), "kitchen_light"))
	require.NoError(t, o.SetValue(context.Background(), "thermostat", "19.5"))

	d, _ := store.Get("kitchen_light")
	assert.False(t, d.IsOn, "toggled twice")
	assert.Equal(t, []protocol.Command{
		protocol.RequestSnapshot{},
		protocol.Toggle{DeviceID: "kitchen_light"},
		protocol.SetValue{DeviceID: "thermostat", Value: "19.5"},
	}, session.sentCommands())

	assert.ErrorIs(t, o.Toggle(context.Background(), "nope"), ErrUnknownDevice)
	assert.ErrorIs(t, o.SetValue(context.Background(), "nope", "1"), ErrUnknownDevice)
}

func TestSendFailureKeepsReadyAndLocalChange(t *testing.T) {
	store := seededStore(core.SampleDevices()...)
	session := newFakeSession()
	o := newOrchestrator(t, store, session, Options{Role: RolePeer, SyncTimeout: 10 * time.Millisecond})
	require.NoError(t, o.Connect(context.Background()))

	session.set(func(f *fakeSession) { f.sendErr = fmt.Errorf("%w: broken pipe", transport.ErrIO) })
	err := o.Toggle(context.Background(), "kitchen_light")
	assert.ErrorIs(t, err, transport.ErrIO)

	assert.Equal(t, StateReady, o.Status().State)
	d, _ := store.Get("kitchen_light")
	assert.True(t, d.IsOn)
	assert.ErrorIs(t, o.LastSendError(), transport.ErrIO)
}

func TestHubPushesSnapshotAfterEdits(t *testing.T) {
	store := seededStore(core.SampleDevices()...)
	session := newFakeSession()
	o := newOrchestrator(t, store, session, Options{Role: RoleHub, PushSnapshots: true})
	require.NoError(t, o.Connect(context.Background()))

	require.NoError(t, o.Toggle(context.Background(), "kitchen_light"))
	assert.True(t, o.Upsert(core.Device{ID: "fan", Name: "Fan", Type: core.DeviceTypeSwitch, RoomID: "bedroom"}))
	assert.True(t, o.Remove("fan"))
	assert.False(t, o.Remove("fan"))

	sent := session.sentCommands()
	require.Len(t, sent, 5)
	assert.IsType(t, protocol.ListSnapshot{}, sent[0])
	assert.Equal(t, protocol.Toggle{DeviceID: "kitchen_light"}, sent[1])
	assert.IsType(t, protocol.ListSnapshot{}, sent[2])
	assert.Len(t, sent[3].(protocol.ListSnapshot).Devices, len(core.SampleDevices())+1)
	assert.Len(t, sent[4].(protocol.ListSnapshot).Devices, len(core.SampleDevices()))
}

func TestTransportDropMovesToIdle(t *testing.T) {
	session := newFakeSession()
	o := newOrchestrator(t, seededStore(), session, Options{Role: RolePeer, SyncTimeout: 10 * time.Millisecond})
	require.NoError(t, o.Connect(context.Background()))

	require.NoError(t, session.Disconnect())
	require.Eventually(t, func() bool {
		return o.Status().State == StateIdle
	}, time.Second, 5*time.Millisecond)

	// A new attempt is allowed from Idle.
	require.NoError(t, o.Connect(context.Background()))
	assert.Equal(t, StateReady, o.Status().State)
}

func TestDisconnectDuringSyncCancelsWait(t *testing.T) {
	session := newFakeSession()
	o := newOrchestrator(t, seededStore(), session, Options{Role: RolePeer, SyncTimeout: 10 * time.Second})

	done := make(chan error, 1)
	go func() { done <- o.Connect(context.Background()) }()
	require.Eventually(t, func() bool {
		return o.Status().State == StateSyncing
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Disconnect())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("sync wait was not cancelled")
	}
	assert.Equal(t, StateIdle, o.Status().State)
}

func TestDisconnectSaysGoodbye(t *testing.T) {
	session := newFakeSession()
	o := newOrchestrator(t, seededStore(), session, Options{Role: RoleHub})
	require.NoError(t, o.Connect(context.Background()))

	require.NoError(t, o.Disconnect())
	sent := session.sentCommands()
	assert.Equal(t, protocol.ConnectionStatus{Connected: false}, sent[len(sent)-1])
	assert.Equal(t, StateIdle, o.Status().State)
	assert.Equal(t, transport.StateDisconnected, session.State())
}

func TestGoodbyeFromPeerDisconnects(t *testing.T) {
	session := newFakeSession()
	o := newOrchestrator(t, seededStore(), session, Options{Role: RoleHub})
	require.NoError(t, o.Connect(context.Background()))

	session.deliver(protocol.ConnectionStatus{Connected: false})
	require.Eventually(t, func() bool {
		return o.Status().State == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestTemperature(t *testing.T) {
	store := seededStore(core.SampleDevices()...)
	session := newFakeSession()
	o := newOrchestrator(t, store, session, Options{Role: RoleHub})

	// Not ready: nothing to send.
	require.NoError(t, o.BroadcastTemperature(context.Background()))
	assert.Empty(t, session.sentCommands())

	require.NoError(t, o.Connect(context.Background()))
	require.NoError(t, o.BroadcastTemperature(context.Background()))
	sent := session.sentCommands()
	assert.Equal(t, protocol.Temperature{Celsius: 22.5}, sent[len(sent)-1])

	session.deliver(protocol.Temperature{Celsius: 19.25})
	d, _ := store.Get("thermostat")
	assert.Equal(t, "19.25", d.ValueOr(""))
}

// pipeSessions returns two stream sessions joined by an in-memory pipe.
func pipeSessions() (*transport.StreamSession, *transport.StreamSession) {
	a, b := net.Pipe()
	dialA := transport.DialerFunc(func(context.Context, string) (io.ReadWriteCloser, error) { return a, nil })
	dialB := transport.DialerFunc(func(context.Context, string) (io.ReadWriteCloser, error) { return b, nil })
	return transport.NewStreamSession(dialA, testLogger()), transport.NewStreamSession(dialB, testLogger())
}

func TestHubAndPeerOverStream(t *testing.T) {
	hubSession, peerSession := pipeSessions()
	hubStore := seededStore(core.SampleDevices()...)
	peerStore := seededStore()

	hub := newOrchestrator(t, hubStore, hubSession, Options{Role: RoleHub, SyncTimeout: 2 * time.Second})
	peer := newOrchestrator(t, peerStore, peerSession, Options{Role: RolePeer, SyncTimeout: 2 * time.Second})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, o := range []*Orchestrator{hub, peer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- o.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(peerStore.Snapshot()) == len(core.SampleDevices())
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, hubStore.Snapshot(), peerStore.Snapshot())

	require.NoError(t, peer.Toggle(context.Background(), "kitchen_light"))
	require.Eventually(t, func() bool {
		d, _ := hubStore.Get("kitchen_light")
		return d.IsOn
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.SetValue(context.Background(), "thermostat", "20"))
	require.Eventually(t, func() bool {
		d, _ := peerStore.Get("thermostat")
		return d.ValueOr("") == "20"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Disconnect())
	require.Eventually(t, func() bool {
		return peer.Status().State == StateIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionDroppedDuringConnectEndsIdle(t *testing.T) {
	for _, role := range []Role{RolePeer, RoleHub} {
		t.Run(role.String(), func(t *testing.T) {
			session := newFakeSession()
			session.dropOnConnect = true
			o := newOrchestrator(t, seededStore(core.SampleDevices()...), session, Options{Role: role})

			assert.ErrorIs(t, o.Connect(context.Background()), ErrDisconnected)
			assert.Equal(t, StateIdle, o.Status().State)
			assert.Equal(t, transport.StateDisconnected, session.State())

			session.set(func(f *fakeSession) { f.dropOnConnect = false })
			require.NoError(t, o.Connect(context.Background()))
			assert.Equal(t, StateReady, o.Status().State)
		})
	}
}

func TestReadyPeerReplacesListOnSnapshot(t *testing.T) {
	store := seededStore(append(core.SampleDevices(),
		core.Device{ID: "watch_only", Name: "Local", Type: core.DeviceTypeSwitch, RoomID: "living"})...)
	session := newFakeSession()
	o := newOrchestrator(t, store, session, Options{Role: RolePeer, SyncTimeout: 10 * time.Millisecond})
	require.NoError(t, o.Connect(context.Background()))
	require.Equal(t, StateReady, o.Status().State)

	var remaining []core.Device
	for _, d := range core.SampleDevices() {
		if d.ID != "front_lock" {
			remaining = append(remaining, d)
		}
	}
	session.deliver(protocol.ListSnapshot{Devices: remaining})

	assert.Equal(t, remaining, store.Snapshot())
	_, ok := store.Get("front_lock")
	assert.False(t, ok, "device removed on the hub is dropped")
	_, ok = store.Get("watch_only")
	assert.False(t, ok)
}

func TestSetValueUnknownAndUnchanged(t *testing.T) {
	store := seededStore(core.SampleDevices()...)
	session := newFakeSession()
	o := newOrchestrator(t, store, session, Options{Role: RolePeer, SyncTimeout: 10 * time.Millisecond})
	require.NoError(t, o.Connect(context.Background()))

	var heard []protocol.Command
	o.AddCommandListener(func(cmd protocol.Command) { heard = append(heard, cmd) })

	require.True(t, o.Remove("thermostat"))
	assert.ErrorIs(t, o.SetValue(context.Background(), "thermostat", "20"), ErrUnknownDevice)
	assert.Empty(t, heard)
	assert.Equal(t, []protocol.Command{protocol.RequestSnapshot{}}, session.sentCommands())

	// The same value again is not an error and is still forwarded.
	require.NoError(t, o.SetValue(context.Background(), "temp_sensor", "21.0"))
	assert.Equal(t, []protocol.Command{protocol.SetValue{DeviceID: "temp_sensor", Value: "21.0"}}, heard)
	assert.Equal(t, protocol.SetValue{DeviceID: "temp_sensor", Value: "21.0"}, session.sentCommands()[1])
}

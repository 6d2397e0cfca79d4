// Package relay keeps the local device store in sync with the peer's and
// relays device commands across the transport session.
//
// Local commands are applied to the store before they are sent and inbound
// commands are applied as they arrive, so when both sides change the same
// device at once the last write to reach each store wins.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ilievs/homesync/core"
	"github.com/ilievs/homesync/observe"
	"github.com/ilievs/homesync/protocol"
	"github.com/ilievs/homesync/transport"
)

const (
	DefaultSyncTimeout = 5 * time.Second
	goodbyeTimeout     = time.Second
)

var (
	ErrInvalidState  = errors.New("operation not allowed in current state")
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDisconnected is returned by Connect when the session went away
	// before syncing finished.
	ErrDisconnected = errors.New("disconnected during sync")
)

type Options struct {
	Role Role
	// Target names the peer for the transport, e.g. a MAC or client id.
	Target         string
	SyncTimeout    time.Duration
	ConnectTimeout time.Duration
	// PushSnapshots makes the hub send its whole list after each local
	// toggle or set.
	PushSnapshots bool
}

// CommandListener observes every Toggle and SetValue applied to the store,
// local or inbound.
type CommandListener func(cmd protocol.Command)

type Orchestrator struct {
	store   *core.DeviceStore
	session transport.Session
	options Options
	logger  *slog.Logger

	mu         sync.Mutex
	status     *observe.Value[Status]
	attempt    uint64
	synced     chan struct{}
	syncCancel context.CancelFunc
	lastErr    error

	listenersMutex sync.RWMutex
	listeners      []CommandListener

	unsubscribe func()
	watchDone   chan struct{}
}

func New(store *core.DeviceStore, session transport.Session, options Options, logger *slog.Logger) *Orchestrator {
	if options.SyncTimeout <= 0 {
		options.SyncTimeout = DefaultSyncTimeout
	}
	o := &Orchestrator{
		store:     store,
		session:   session,
		options:   options,
		logger:    logger,
		status:    observe.NewValue(Status{State: StateIdle}),
		watchDone: make(chan struct{}),
	}
	session.OnMessage(o.handleMessage)

	states, unsubscribe := session.States().Subscribe()
	o.unsubscribe = unsubscribe
	go o.watchSession(states)
	return o
}

// Close stops following the session. It does not disconnect it.
func (o *Orchestrator) Close() {
	o.unsubscribe()
	<-o.watchDone
}

func (o *Orchestrator) Status() Status {
	return o.status.Get()
}

func (o *Orchestrator) Statuses() *observe.Value[Status] {
	return o.status
}

func (o *Orchestrator) Role() Role {
	return o.options.Role
}

func (o *Orchestrator) Store() *core.DeviceStore {
	return o.store
}

// LastSendError is the most recent failure to send to the peer, if any.
func (o *Orchestrator) LastSendError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *Orchestrator) AddCommandListener(l CommandListener) {
	o.listenersMutex.Lock()
	defer o.listenersMutex.Unlock()
	o.listeners = append(o.listeners, l)
}

// Connect starts a connection attempt from Idle. It blocks through the
// transport connect and the sync step.
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.start(ctx, StateIdle)
}

// Retry starts a new attempt after a failure.
func (o *Orchestrator) Retry(ctx context.Context) error {
	return o.start(ctx, StateError)
}

func (o *Orchestrator) start(ctx context.Context, from State) error {
	o.mu.Lock()
	current := o.status.Get().State
	if current != from {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, current)
	}
	o.attempt++
	attempt := o.attempt
	o.synced = make(chan struct{})
	o.setLocked(Status{State: StateConnecting})
	o.mu.Unlock()

	return o.run(ctx, attempt)
}

func (o *Orchestrator) run(ctx context.Context, attempt uint64) error {
	connectCtx := ctx
	if o.options.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, o.options.ConnectTimeout)
		defer cancel()
	}

	o.logger.Info("connecting to peer", "target", o.options.Target, "role", o.options.Role)
	if err := o.session.Connect(connectCtx, o.options.Target); err != nil {
		o.fail(attempt, err)
		return err
	}

	o.mu.Lock()
	if o.attempt != attempt || o.status.Get().State != StateConnecting {
		o.mu.Unlock()
		return ErrDisconnected
	}
	// The session may have dropped before the watcher could act on it.
	if o.session.States().Get() != transport.StateConnected {
		o.idleLocked(StateConnecting)
		o.mu.Unlock()
		return ErrDisconnected
	}
	// No ctx here: the wait ends on a snapshot, the timeout or a disconnect.
	syncCtx, cancel := context.WithTimeout(context.Background(), o.options.SyncTimeout)
	defer cancel()
	o.syncCancel = cancel
	synced := o.synced
	o.setLocked(Status{State: StateSyncing})
	o.mu.Unlock()

	if o.options.Role == RoleHub {
		// The hub is authoritative: syncing means pushing its list.
		if err := o.sendCommand(ctx, protocol.ListSnapshot{Devices: o.store.Snapshot()}); err != nil {
			o.logger.Warn("failed to push snapshot", "error", err)
		}
		return o.finishSync(attempt, "pushed")
	}

	if err := o.sendCommand(ctx, protocol.RequestSnapshot{}); err != nil {
		o.logger.Warn("failed to request snapshot", "error", err)
	}

	select {
	case <-synced:
		return o.finishSync(attempt, "snapshot received")
	case <-syncCtx.Done():
		if errors.Is(syncCtx.Err(), context.DeadlineExceeded) {
			return o.finishSync(attempt, "timed out, keeping local list")
		}
		return ErrDisconnected
	}
}

func (o *Orchestrator) finishSync(attempt uint64, how string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt != attempt || o.status.Get().State != StateSyncing {
		return ErrDisconnected
	}
	if o.session.States().Get() != transport.StateConnected {
		o.idleLocked(StateSyncing)
		return ErrDisconnected
	}
	o.syncCancel = nil
	o.setLocked(Status{State: StateReady})
	o.logger.Info("peer ready", "sync", how)
	return nil
}

func (o *Orchestrator) fail(attempt uint64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt != attempt || o.status.Get().State != StateConnecting {
		return
	}
	o.setLocked(Status{State: StateError, Err: describe(err)})
	o.logger.Warn("connecting to peer failed", "error", err)
}

func describe(err error) string {
	switch {
	case errors.Is(err, transport.ErrUnavailable):
		return "transport unavailable: " + err.Error()
	case errors.Is(err, transport.ErrNotFound):
		return "no paired peer found: " + err.Error()
	case errors.Is(err, transport.ErrIO):
		return "connection failed: " + err.Error()
	default:
		return err.Error()
	}
}

// Disconnect tells the peer goodbye, closes the session and returns to Idle.
func (o *Orchestrator) Disconnect() error {
	if o.session.States().Get() == transport.StateConnected {
		ctx, cancel := context.WithTimeout(context.Background(), goodbyeTimeout)
		if err := o.sendCommand(ctx, protocol.ConnectionStatus{Connected: false}); err != nil {
			o.logger.Debug("goodbye not sent", "error", err)
		}
		cancel()
	}
	err := o.session.Disconnect()
	o.toIdle(true)
	return err
}

func (o *Orchestrator) toIdle(fromAnyState bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	current := o.status.Get().State
	if !fromAnyState && current != StateSyncing && current != StateReady {
		return
	}
	if current == StateIdle {
		return
	}
	o.idleLocked(current)
}

// idleLocked invalidates any attempt still in flight and moves to Idle.
func (o *Orchestrator) idleLocked(from State) {
	o.attempt++
	if o.syncCancel != nil {
		o.syncCancel()
		o.syncCancel = nil
	}
	o.setLocked(Status{State: StateIdle})
	o.logger.Info("peer session ended", "from", from)
}

func (o *Orchestrator) watchSession(states <-chan transport.State) {
	defer close(o.watchDone)
	for st := range states {
		if st != transport.StateDisconnected {
			continue
		}
		// The channel conflates; only act if the session is still down.
		if o.session.States().Get() == transport.StateDisconnected {
			o.toIdle(false)
		}
	}
}

func (o *Orchestrator) setLocked(s Status) {
	o.status.Set(s)
}

// Toggle flips a device locally and forwards the command when Ready.
// A send failure is returned but the local change stays.
func (o *Orchestrator) Toggle(ctx context.Context, deviceId string) error {
	if !o.store.Toggle(deviceId) {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceId)
	}
	return o.afterLocalCommand(ctx, protocol.Toggle{DeviceID: deviceId})
}

// SetValue sets a device value locally and forwards it when Ready. Setting
// the current value again is still forwarded.
func (o *Orchestrator) SetValue(ctx context.Context, deviceId, value string) error {
	if !o.store.SetValue(deviceId, value) {
		// false also covers an unchanged value; only a missing device is an error.
		if _, ok := o.store.Get(deviceId); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceId)
		}
	}
	return o.afterLocalCommand(ctx, protocol.SetValue{DeviceID: deviceId, Value: value})
}

func (o *Orchestrator) afterLocalCommand(ctx context.Context, cmd protocol.Command) error {
	o.notify(cmd)
	if o.Status().State != StateReady {
		return nil
	}
	if err := o.sendCommand(ctx, cmd); err != nil {
		return err
	}
	if o.options.Role == RoleHub && o.options.PushSnapshots {
		return o.PushSnapshot(ctx)
	}
	return nil
}

// Upsert adds or replaces a device, pushing the list to a ready peer when
// this is the hub.
func (o *Orchestrator) Upsert(d core.Device) bool {
	changed := o.store.Upsert(d)
	if changed {
		o.pushAfterEdit()
	}
	return changed
}

func (o *Orchestrator) Remove(deviceId string) bool {
	removed := o.store.Remove(deviceId)
	if removed {
		o.pushAfterEdit()
	}
	return removed
}

func (o *Orchestrator) pushAfterEdit() {
	if o.options.Role != RoleHub || o.Status().State != StateReady {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.options.SyncTimeout)
	defer cancel()
	if err := o.PushSnapshot(ctx); err != nil {
		o.logger.Warn("failed to push snapshot", "error", err)
	}
}

// PushSnapshot sends the whole local list.
func (o *Orchestrator) PushSnapshot(ctx context.Context) error {
	return o.sendCommand(ctx, protocol.ListSnapshot{Devices: o.store.Snapshot()})
}

// BroadcastTemperature sends the thermostat reading to a ready peer. It is a
// no-op without a thermostat holding a numeric value.
func (o *Orchestrator) BroadcastTemperature(ctx context.Context) error {
	if o.Status().State != StateReady {
		return nil
	}
	thermostat, ok := o.store.FirstOfType(core.DeviceTypeThermostat)
	if !ok {
		return nil
	}
	celsius, ok := thermostat.Numeric()
	if !ok {
		return nil
	}
	return o.sendCommand(ctx, protocol.Temperature{Celsius: celsius})
}

func (o *Orchestrator) sendCommand(ctx context.Context, cmd protocol.Command) error {
	msg, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	if err := o.session.Send(ctx, msg); err != nil {
		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()
		o.logger.Warn("send to peer failed", "path", msg.Path, "error", err)
		return fmt.Errorf("sending %s: %w", msg.Path, err)
	}
	return nil
}

func (o *Orchestrator) notify(cmd protocol.Command) {
	o.listenersMutex.RLock()
	listeners := o.listeners
	o.listenersMutex.RUnlock()
	for _, l := range listeners {
		l(cmd)
	}
}

// handleMessage runs on the session's listener goroutine.
func (o *Orchestrator) handleMessage(msg protocol.Message) {
	cmd, ok := protocol.Decode(msg)
	if !ok {
		o.logger.Debug("dropping malformed message", "path", msg.Path, "bytes", len(msg.Payload))
		return
	}

	switch c := cmd.(type) {
	case protocol.Toggle:
		if o.store.Toggle(c.DeviceID) {
			o.notify(c)
		}
	case protocol.SetValue:
		if o.store.SetValue(c.DeviceID, c.Value) {
			o.notify(c)
		}
	case protocol.ListSnapshot:
		o.applySnapshot(c.Devices)
	case protocol.RequestSnapshot:
		if o.options.Role != RoleHub {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.options.SyncTimeout)
		defer cancel()
		if err := o.PushSnapshot(ctx); err != nil {
			o.logger.Warn("failed to answer snapshot request", "error", err)
		}
	case protocol.Temperature:
		thermostat, ok := o.store.FirstOfType(core.DeviceTypeThermostat)
		if !ok {
			return
		}
		o.store.SetValue(thermostat.ID, strconv.FormatFloat(c.Celsius, 'f', -1, 64))
	case protocol.ConnectionStatus:
		if !c.Connected {
			o.logger.Info("peer said goodbye")
			go func() { _ = o.session.Disconnect() }()
		}
	}
}

func (o *Orchestrator) applySnapshot(devices []core.Device) {
	o.mu.Lock()
	state := o.status.Get().State
	synced := o.synced
	o.mu.Unlock()

	if state == StateReady && o.options.Role == RolePeer {
		o.store.Replace(devices)
		return
	}
	for _, d := range devices {
		o.store.Upsert(d)
	}
	// A snapshot can beat the Syncing transition.
	if (state == StateConnecting || state == StateSyncing) && synced != nil {
		o.mu.Lock()
		if o.synced == synced {
			select {
			case <-synced:
			default:
				close(synced)
			}
		}
		o.mu.Unlock()
	}
}

// Package transport defines the connection to exactly one peer and the state
// machine every implementation follows.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ilievs/homesync/observe"
	"github.com/ilievs/homesync/protocol"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrUnavailable means no radio or transport is enabled.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrNotFound means no matching paired peer exists.
	ErrNotFound = errors.New("peer not found")
	// ErrIO covers handshake and read/write failures.
	ErrIO = errors.New("transport i/o failure")
	// ErrNotConnected is returned by Send outside the CONNECTED state.
	ErrNotConnected = errors.New("not connected")
	// ErrBusy is returned by Connect outside the DISCONNECTED state.
	ErrBusy = errors.New("session already connecting or connected")
)

// Handler receives inbound messages, in arrival order, on the session's
// listener goroutine.
type Handler func(msg protocol.Message)

// Session is a bidirectional channel to one peer.
type Session interface {
	Connect(ctx context.Context, target string) error
	Send(ctx context.Context, msg protocol.Message) error
	// Disconnect is idempotent.
	Disconnect() error
	OnMessage(h Handler)
	States() *observe.Value[State]
}

// Lifecycle enforces DISCONNECTED -> CONNECTING -> CONNECTED -> DISCONNECTED
// (and CONNECTING -> DISCONNECTED for a failed attempt) and fans inbound
// messages out to the registered handler. Session implementations embed it.
type Lifecycle struct {
	mu      sync.Mutex
	states  *observe.Value[State]
	handler atomic.Pointer[Handler]
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{states: observe.NewValue(StateDisconnected)}
}

// BeginConnect moves DISCONNECTED -> CONNECTING.
func (l *Lifecycle) BeginConnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current := l.states.Get(); current != StateDisconnected {
		return fmt.Errorf("%w: state is %s", ErrBusy, current)
	}
	l.states.Set(StateConnecting)
	return nil
}

// MarkConnected moves CONNECTING -> CONNECTED. It returns false when the
// attempt was abandoned in the meantime.
func (l *Lifecycle) MarkConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.states.Get() != StateConnecting {
		return false
	}
	l.states.Set(StateConnected)
	return true
}

// MarkDisconnected moves any state to DISCONNECTED and reports whether the
// state changed.
func (l *Lifecycle) MarkDisconnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.states.Get() == StateDisconnected {
		return false
	}
	l.states.Set(StateDisconnected)
	return true
}

func (l *Lifecycle) State() State {
	return l.states.Get()
}

func (l *Lifecycle) States() *observe.Value[State] {
	return l.states
}

func (l *Lifecycle) OnMessage(h Handler) {
	l.handler.Store(&h)
}

// Dispatch hands msg to the registered handler, if any.
func (l *Lifecycle) Dispatch(msg protocol.Message) {
	if h := l.handler.Load(); h != nil && *h != nil {
		(*h)(msg)
	}
}

// WrapDialError keeps ErrUnavailable and ErrNotFound and reports everything
// else as ErrIO.
func WrapDialError(err error) error {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

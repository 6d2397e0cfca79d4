package relay

import (
	"fmt"
	"strings"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSyncing
	StateReady
	StateError
)

var stateNames = map[State]string{
	StateIdle:       "IDLE",
	StateConnecting: "CONNECTING",
	StateSyncing:    "SYNCING",
	StateReady:      "READY",
	StateError:      "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is what observers of the orchestrator see. Err carries the
// human-readable reason while State is StateError.
type Status struct {
	State State  `json:"state"`
	Err   string `json:"error,omitempty"`
}

type Role int

const (
	// RoleHub owns the authoritative device list.
	RoleHub Role = iota
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RoleHub:
		return "hub"
	case RolePeer:
		return "peer"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "hub", "phone":
		return RoleHub, nil
	case "peer", "watch":
		return RolePeer, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

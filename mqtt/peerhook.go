package mqtt

import (
	"bytes"
	"log/slog"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

type HookOptions struct {
	Logger *slog.Logger
	// OnPeerUp and OnPeerDown receive the MQTT client id. Either may be nil.
	OnPeerUp   func(clientID string)
	OnPeerDown func(clientID string)
}

// PeerHook reports MQTT sessions coming and going so the hub can follow its
// peer.
type PeerHook struct {
	mochi.HookBase
	logger     *slog.Logger
	onPeerUp   func(clientID string)
	onPeerDown func(clientID string)
}

// ID returns the ID of the hook.
func (h *PeerHook) ID() string {
	return "PeerHook"
}

func (h *PeerHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnSessionEstablished,
		mochi.OnDisconnect,
	}, []byte{b})
}

func (h *PeerHook) Init(config any) error {
	if _, ok := config.(*HookOptions); !ok && config != nil {
		return mochi.ErrInvalidConfigType
	}

	if config == nil {
		config = new(HookOptions)
	}

	opt := config.(*HookOptions)
	h.logger = opt.Logger
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.onPeerUp = opt.OnPeerUp
	h.onPeerDown = opt.OnPeerDown
	return nil
}

// OnSessionEstablished is called when a new client establishes a session (after OnConnect).
func (h *PeerHook) OnSessionEstablished(cl *mochi.Client, pk packets.Packet) {
	h.logger.Info("mqtt session established", "client", cl.ID, "remote", cl.Net.Remote)
	if h.onPeerUp != nil {
		go h.onPeerUp(cl.ID)
	}
}

// OnDisconnect is called when a client is disconnected for any reason.
func (h *PeerHook) OnDisconnect(cl *mochi.Client, err error, expire bool) {
	h.logger.Info("mqtt session ended", "client", cl.ID, "error", err)
	if h.onPeerDown != nil {
		h.onPeerDown(cl.ID)
	}
}

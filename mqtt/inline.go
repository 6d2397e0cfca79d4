package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/ilievs/homesync/protocol"
	"github.com/ilievs/homesync/transport"
)

// InlineSession talks to one remote MQTT client through the embedded broker's
// inline client. The target is the peer's MQTT client id, which doubles as its
// node name in topics.
type InlineSession struct {
	*transport.Lifecycle
	broker *MochiBroker
	topics Topics
	logger *slog.Logger

	mu     sync.Mutex
	target string
	subId  int
}

func NewInlineSession(broker *MochiBroker, topics Topics, logger *slog.Logger) *InlineSession {
	return &InlineSession{
		Lifecycle: transport.NewLifecycle(),
		broker:    broker,
		topics:    topics,
		logger:    logger,
	}
}

func (s *InlineSession) Connect(_ context.Context, target string) error {
	if err := s.BeginConnect(); err != nil {
		return err
	}

	if !s.broker.Serving() {
		s.MarkDisconnected()
		return fmt.Errorf("%w: %w", transport.ErrUnavailable, ErrBrokerNotServing)
	}
	if target == "" || !s.broker.ClientConnected(target) {
		s.MarkDisconnected()
		return fmt.Errorf("%w: no mqtt session for %q", transport.ErrNotFound, target)
	}

	subId, err := s.broker.Subscribe(s.topics.Inbound(target), s.receive)
	if err != nil {
		s.MarkDisconnected()
		return fmt.Errorf("%w: subscribing: %w", transport.ErrIO, err)
	}

	s.mu.Lock()
	s.target = target
	s.subId = subId
	s.mu.Unlock()

	if !s.MarkConnected() {
		s.release()
		return fmt.Errorf("%w: disconnected while connecting", transport.ErrIO)
	}
	s.logger.Info("inline session connected", "peer", target)
	return nil
}

func (s *InlineSession) Send(_ context.Context, msg protocol.Message) error {
	if s.State() != transport.StateConnected {
		return transport.ErrNotConnected
	}
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()

	if err := s.broker.Publish(s.topics.Outbound(target, msg.Path), msg.Payload, false); err != nil {
		s.logger.Warn("inline publish failed, disconnecting", "peer", target, "error", err)
		_ = s.Disconnect()
		return fmt.Errorf("%w: %w", transport.ErrIO, err)
	}
	return nil
}

func (s *InlineSession) Disconnect() error {
	s.release()
	if s.MarkDisconnected() {
		s.logger.Info("inline session disconnected")
	}
	return nil
}

// PeerGone is wired to PeerHook.OnPeerDown.
func (s *InlineSession) PeerGone(clientID string) {
	s.mu.Lock()
	current := s.target == clientID
	s.mu.Unlock()
	if current && s.State() != transport.StateDisconnected {
		s.logger.Info("peer mqtt session ended", "peer", clientID)
		_ = s.Disconnect()
	}
}

func (s *InlineSession) release() {
	s.mu.Lock()
	subId := s.subId
	s.subId = 0
	s.target = ""
	s.mu.Unlock()

	if subId != 0 {
		if err := s.broker.Unsubscribe(subId); err != nil {
			s.logger.Debug("inline unsubscribe failed", "error", err)
		}
	}
}

func (s *InlineSession) receive(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
	path, ok := s.topics.PathOf(pk.TopicName)
	if !ok {
		s.logger.Debug("dropping message on unexpected topic", "topic", pk.TopicName, "client", cl.ID)
		return
	}
	s.Dispatch(protocol.Message{Path: path, Payload: bytes.Clone(pk.Payload)})
}

package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/ilievs/homesync/protocol"
	"github.com/ilievs/homesync/transport"
)

const defaultConnectTimeout = 10 * time.Second

// BrokerResolver finds the broker URLs to try. Implementations return an
// error wrapping transport.ErrUnavailable when there is nothing to try.
type BrokerResolver interface {
	Resolve(ctx context.Context) ([]*url.URL, error)
}

// StaticBrokers resolves to a fixed list.
type StaticBrokers []*url.URL

func (b StaticBrokers) Resolve(context.Context) ([]*url.URL, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: no broker configured", transport.ErrUnavailable)
	}
	return b, nil
}

type ClientOptions struct {
	Resolver       BrokerResolver
	ClientID       string
	Username       string
	Password       string
	Topics         Topics
	KeepAlive      uint16
	ConnectTimeout time.Duration
}

// clientConn is one autopaho connection and the peer it was opened for.
type clientConn struct {
	cm       *autopaho.ConnectionManager
	cancel   context.CancelFunc
	target   string
	presence chan bool
}

// ClientSession is the watch side: an autopaho client connected to the hub's
// broker. The hub announces itself with a retained presence message; a
// missing or negative presence means the peer is not there.
type ClientSession struct {
	*transport.Lifecycle
	options ClientOptions
	logger  *slog.Logger

	connMutex sync.Mutex
	conn      *clientConn
}

func NewClientSession(options ClientOptions, logger *slog.Logger) *ClientSession {
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = defaultConnectTimeout
	}
	if options.KeepAlive == 0 {
		options.KeepAlive = 20
	}
	return &ClientSession{
		Lifecycle: transport.NewLifecycle(),
		options:   options,
		logger:    logger,
	}
}

func (s *ClientSession) Connect(ctx context.Context, target string) error {
	if err := s.BeginConnect(); err != nil {
		return err
	}
	conn, err := s.open(ctx, target)
	if err != nil {
		s.MarkDisconnected()
		return transport.WrapDialError(err)
	}

	s.connMutex.Lock()
	s.conn = conn
	s.connMutex.Unlock()

	if !s.MarkConnected() {
		s.drop(conn)
		return fmt.Errorf("%w: disconnected while connecting", transport.ErrIO)
	}
	s.logger.Info("mqtt session connected", "peer", target)
	return nil
}

func (s *ClientSession) open(ctx context.Context, target string) (*clientConn, error) {
	if s.options.Resolver == nil {
		return nil, fmt.Errorf("%w: no broker resolver", transport.ErrUnavailable)
	}
	urls, err := s.options.Resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no broker found", transport.ErrUnavailable)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &clientConn{
		cancel:   cancel,
		target:   target,
		presence: make(chan bool, 1),
	}

	cliCfg := autopaho.ClientConfig{
		ConnectUsername:               s.options.Username,
		ConnectPassword:               []byte(s.options.Password),
		ServerUrls:                    urls,
		KeepAlive:                     s.options.KeepAlive,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		OnConnectError: func(err error) {
			s.logger.Debug("error whilst attempting mqtt connection", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.options.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.receive(conn, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				}},
			OnClientError: func(err error) {
				s.logger.Warn("mqtt client error", "error", err)
				go s.drop(conn)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					s.logger.Warn("server requested disconnect", "reason", d.Properties.ReasonString)
				} else {
					s.logger.Warn("server requested disconnect", "code", d.ReasonCode)
				}
				go s.drop(conn)
			},
		},
	}

	cm, err := autopaho.NewConnection(connCtx, cliCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", transport.ErrIO, err)
	}
	conn.cm = cm

	waitCtx, waitCancel := context.WithTimeout(ctx, s.options.ConnectTimeout)
	defer waitCancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: broker unreachable: %w", transport.ErrIO, err)
	}

	if _, err := cm.Subscribe(waitCtx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: s.options.Topics.Presence(target), QoS: 1},
			{Topic: s.options.Topics.Inbound(target), QoS: 1},
		},
	}); err != nil {
		s.close(conn)
		return nil, fmt.Errorf("%w: subscribing: %w", transport.ErrIO, err)
	}

	select {
	case online := <-conn.presence:
		if !online {
			s.close(conn)
			return nil, fmt.Errorf("%w: %q is offline", transport.ErrNotFound, target)
		}
	case <-waitCtx.Done():
		s.close(conn)
		return nil, fmt.Errorf("%w: %q never announced itself", transport.ErrNotFound, target)
	}
	return conn, nil
}

func (s *ClientSession) Send(ctx context.Context, msg protocol.Message) error {
	if s.State() != transport.StateConnected {
		return transport.ErrNotConnected
	}
	s.connMutex.Lock()
	conn := s.conn
	s.connMutex.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}

	_, err := conn.cm.Publish(ctx, &paho.Publish{
		QoS:     1,
		Topic:   s.options.Topics.Outbound(conn.target, msg.Path),
		Payload: msg.Payload,
	})
	if err != nil {
		s.logger.Warn("mqtt publish failed, disconnecting", "error", err)
		s.drop(conn)
		return fmt.Errorf("%w: %w", transport.ErrIO, err)
	}
	return nil
}

func (s *ClientSession) Disconnect() error {
	s.connMutex.Lock()
	conn := s.conn
	s.conn = nil
	s.connMutex.Unlock()

	if conn != nil {
		s.close(conn)
	}
	if s.MarkDisconnected() {
		s.logger.Info("mqtt session disconnected")
	}
	return nil
}

// drop disconnects only if conn is still the current connection.
func (s *ClientSession) drop(conn *clientConn) {
	s.connMutex.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	s.connMutex.Unlock()

	s.close(conn)
	if current && s.MarkDisconnected() {
		s.logger.Info("mqtt session disconnected")
	}
}

func (s *ClientSession) close(conn *clientConn) {
	if conn.cm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = conn.cm.Disconnect(ctx)
		cancel()
	}
	conn.cancel()
}

func (s *ClientSession) receive(conn *clientConn, topic string, payload []byte) {
	if topic == s.options.Topics.Presence(conn.target) {
		online := string(payload) == "true"
		select {
		case conn.presence <- online:
		default:
		}
		if !online {
			s.connMutex.Lock()
			current := s.conn == conn
			s.connMutex.Unlock()
			if current {
				s.logger.Info("peer went offline", "peer", conn.target)
				go s.drop(conn)
			}
		}
		return
	}

	path, ok := s.options.Topics.PathOf(topic)
	if !ok {
		s.logger.Debug("dropping message on unexpected topic", "topic", topic)
		return
	}
	s.Dispatch(protocol.Message{Path: path, Payload: bytes.Clone(payload)})
}

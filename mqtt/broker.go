package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

var ErrBrokerNotServing = errors.New("mqtt broker is not serving")

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type BrokerOptions struct {
	// Addr is the TCP listen address. Empty means inline clients only.
	Addr  string
	Users []User
}

type Subscription struct {
	topicFilter string
}

// MochiBroker embeds a mochi MQTT server and exposes its inline client to
// the rest of the hub.
type MochiBroker struct {
	server              *mochi.Server
	options             BrokerOptions
	logger              *slog.Logger
	serving             atomic.Bool
	subscriberIdCounter int
	subscriptionsById   map[int]*Subscription
	subscriberMutex     sync.Mutex
}

func NewMochiBroker(options BrokerOptions, logger *slog.Logger) *MochiBroker {
	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       logger.With("component", "mochi"),
	})
	return &MochiBroker{
		server:              server,
		options:             options,
		logger:              logger,
		subscriberIdCounter: 1,
		subscriptionsById:   make(map[int]*Subscription),
	}
}

func (m *MochiBroker) authOptions() (mochi.Hook, any) {
	if len(m.options.Users) == 0 {
		return new(auth.AllowHook), nil
	}

	rules := auth.AuthRules{
		{Remote: "127.0.0.1:*", Allow: true},
		{Remote: "localhost:*", Allow: true},
	}
	for _, u := range m.options.Users {
		rules = append(rules, auth.AuthRule{
			Username: auth.RString(u.Username),
			Password: auth.RString(u.Password),
			Allow:    true,
		})
	}
	return new(auth.Hook), &auth.Options{
		Ledger: &auth.Ledger{
			Auth: rules, // Auth disallows all by default
			ACL: auth.ACLRules{ // ACL allows all by default
				{Remote: "127.0.0.1:*"},
				{Filters: auth.Filters{"#": auth.ReadWrite}},
			},
		},
	}
}

func (m *MochiBroker) Start(hooks []mochi.Hook, hookConfigs []any) error {
	authHook, authConfig := m.authOptions()
	if err := m.server.AddHook(authHook, authConfig); err != nil {
		return fmt.Errorf("adding auth hook: %w", err)
	}

	for i, hook := range hooks {
		var config any
		if i < len(hookConfigs) {
			config = hookConfigs[i]
		}
		if err := m.server.AddHook(hook, config); err != nil {
			return fmt.Errorf("adding hook %s: %w", hook.ID(), err)
		}
	}

	if m.options.Addr != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: m.options.Addr})
		if err := m.server.AddListener(tcp); err != nil {
			return fmt.Errorf("adding listener on %s: %w", m.options.Addr, err)
		}
	}

	if err := m.server.Serve(); err != nil {
		return fmt.Errorf("serving mqtt: %w", err)
	}
	m.serving.Store(true)
	m.logger.Info("mqtt broker started", "addr", m.options.Addr)
	return nil
}

func (m *MochiBroker) Serving() bool {
	return m.serving.Load()
}

// ClientConnected reports whether a client with the given id holds a live
// session.
func (m *MochiBroker) ClientConnected(id string) bool {
	cl, ok := m.server.Clients.Get(id)
	return ok && !cl.Closed()
}

// Subscribe registers an inline subscription and returns its id.
func (m *MochiBroker) Subscribe(topicFilter string,
	callbackFn func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet)) (int, error) {

	m.subscriberMutex.Lock()
	defer m.subscriberMutex.Unlock()
	id := m.subscriberIdCounter
	if err := m.server.Subscribe(topicFilter, id, callbackFn); err != nil {
		return 0, err
	}

	m.subscriptionsById[id] = &Subscription{topicFilter}
	m.subscriberIdCounter += 1
	return id, nil
}

func (m *MochiBroker) Unsubscribe(id int) error {
	m.subscriberMutex.Lock()
	defer m.subscriberMutex.Unlock()
	sub, ok := m.subscriptionsById[id]
	if !ok {
		return nil
	}
	delete(m.subscriptionsById, id)
	return m.server.Unsubscribe(sub.topicFilter, id)
}

func (m *MochiBroker) Publish(topic string, payload []byte, retain bool) error {
	if !m.Serving() {
		return ErrBrokerNotServing
	}
	return m.server.Publish(topic, payload, retain, 0)
}

// AnnouncePresence sets the retained presence flag peers wait for.
func (m *MochiBroker) AnnouncePresence(topics Topics, online bool) error {
	payload := []byte("false")
	if online {
		payload = []byte("true")
	}
	return m.Publish(topics.Presence(topics.Self), payload, true)
}

func (m *MochiBroker) Close() error {
	if !m.serving.Swap(false) {
		return nil
	}
	return m.server.Close()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/robfig/cron/v3"

	"github.com/ilievs/homesync/bluez"
	"github.com/ilievs/homesync/config"
	"github.com/ilievs/homesync/core"
	"github.com/ilievs/homesync/discovery"
	"github.com/ilievs/homesync/mqtt"
	"github.com/ilievs/homesync/relay"
	"github.com/ilievs/homesync/transport"
	"github.com/ilievs/homesync/ws"
)

// App is one side of the pairing with everything it runs.
type App struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        *core.DeviceStore
	session      transport.Session
	orchestrator *relay.Orchestrator

	// hub only
	broker *mqtt.MochiBroker
	inline *mqtt.InlineSession
	bridge *mqtt.ControllerBridge

	acceptor *ws.Acceptor
	bus      *bluez.Bus
	mdns     *discovery.MDNS
	cron     *cron.Cron
	echo     *echo.Echo
}

type sessionFactory func(a *App) (transport.Session, error)

func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	return newApp(cfg, logger, (*App).buildSession)
}

func newApp(cfg *config.Config, logger *slog.Logger, newSession sessionFactory) (*App, error) {
	role, err := relay.ParseRole(cfg.Role)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  core.NewDeviceStore(logger.With("component", "store")),
		mdns:   discovery.NewMDNS(cfg.MQTT.ScanTimeout, logger.With("component", "mdns")),
		cron:   cron.New(),
	}
	if cfg.SeedDevices {
		a.store.Replace(core.SampleDevices())
	}
	if role == relay.RoleHub {
		a.broker = mqtt.NewMochiBroker(mqtt.BrokerOptions{
			Addr:  cfg.Broker.Addr,
			Users: brokerUsers(cfg.Broker.Users),
		}, logger.With("component", "broker"))
	}

	a.session, err = newSession(a)
	if err != nil {
		return nil, err
	}
	a.orchestrator = relay.New(a.store, a.session, relay.Options{
		Role:           role,
		Target:         cfg.Peer.Target,
		SyncTimeout:    cfg.Peer.SyncTimeout,
		ConnectTimeout: cfg.Peer.ConnectTimeout,
		PushSnapshots:  cfg.Peer.PushSnapshots,
	}, logger.With("component", "relay"))

	if a.broker != nil && cfg.Controller.Enabled {
		a.bridge = mqtt.NewControllerBridge(a.broker, cfg.Controller.TopicPrefix, a.orchestrator,
			logger.With("component", "esp32"))
		a.orchestrator.AddCommandListener(a.bridge.Forward)
	}

	a.echo = newServer(a)
	return a, nil
}

func brokerUsers(users []config.User) []mqtt.User {
	out := make([]mqtt.User, 0, len(users))
	for _, u := range users {
		out = append(out, mqtt.User{Username: u.Username, Password: u.Password})
	}
	return out
}

func (a *App) topics() mqtt.Topics {
	return mqtt.Topics{Prefix: a.cfg.MQTT.TopicPrefix, Self: a.cfg.NodeID}
}

func (a *App) buildSession() (transport.Session, error) {
	logger := a.logger.With("component", "transport", "transport", a.cfg.Peer.Transport)

	switch a.cfg.Peer.Transport {
	case config.TransportInline:
		if a.broker == nil {
			return nil, fmt.Errorf("inline transport needs the embedded broker")
		}
		a.inline = mqtt.NewInlineSession(a.broker, a.topics(), logger)
		return a.inline, nil

	case config.TransportMQTT:
		var resolver mqtt.BrokerResolver = a.mdns
		if a.cfg.MQTT.BrokerURL != "" {
			u, err := url.Parse(a.cfg.MQTT.BrokerURL)
			if err != nil {
				return nil, fmt.Errorf("parsing mqtt.broker_url: %w", err)
			}
			resolver = mqtt.StaticBrokers{u}
		}
		return mqtt.NewClientSession(mqtt.ClientOptions{
			Resolver:       resolver,
			ClientID:       a.cfg.MQTT.ClientID,
			Username:       a.cfg.MQTT.Username,
			Password:       a.cfg.MQTT.Password,
			Topics:         a.topics(),
			KeepAlive:      uint16(a.cfg.MQTT.KeepAlive),
			ConnectTimeout: a.cfg.Peer.ConnectTimeout,
		}, logger), nil

	case config.TransportBluetooth:
		var adapter bluez.Adapter
		bus, err := bluez.NewBus(a.cfg.Bluetooth.Adapter)
		if err != nil {
			logger.Warn("bluez unavailable, bluetooth connects will fail", "error", err)
		} else {
			a.bus = bus
			adapter = bus
		}
		dialer := bluez.NewDialer(adapter, uint8(a.cfg.Bluetooth.Channel), logger)
		return transport.NewStreamSession(transport.NewBreakerDialer("rfcomm", dialer, 0, 0, logger), logger), nil

	case config.TransportWebSocket:
		if a.cfg.Role == config.RoleHub {
			a.acceptor = ws.NewAcceptor(a.cfg.WebSocket.AcceptTimeout, logger)
			return transport.NewStreamSession(a.acceptor, logger), nil
		}
		dialer := transport.NewBreakerDialer("ws", ws.NewDialer(logger), 0, 0, logger)
		return transport.NewStreamSession(dialer, logger), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", a.cfg.Peer.Transport)
	}
}

// Run starts every component and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.broker != nil {
		hooks := []mochi.Hook{new(mqtt.PeerHook)}
		configs := []any{&mqtt.HookOptions{
			Logger:     a.logger.With("component", "peerhook"),
			OnPeerUp:   a.peerUp,
			OnPeerDown: a.peerDown,
		}}
		if err := a.broker.Start(hooks, configs); err != nil {
			return err
		}
		if err := a.broker.AnnouncePresence(a.topics(), true); err != nil {
			a.logger.Warn("failed to announce presence", "error", err)
		}
		if a.bridge != nil {
			if err := a.bridge.Start(); err != nil {
				return err
			}
		}
		if a.cfg.Broker.Advertise {
			go a.advertise(ctx)
		}
	}

	if a.cfg.Temperature.Schedule != "" && a.orchestrator.Role() == relay.RoleHub {
		if _, err := a.cron.AddFunc(a.cfg.Temperature.Schedule, a.broadcastTemperature); err != nil {
			return fmt.Errorf("scheduling temperature broadcast: %w", err)
		}
		a.cron.Start()
	}

	if a.cfg.Peer.AutoConnect {
		go a.connect(ctx)
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("http api listening", "addr", a.cfg.HTTP.Addr)
		if err := a.echo.Start(a.cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		a.logger.Error("http server failed", "error", runErr)
	}

	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.echo.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	<-a.cron.Stop().Done()

	if err := a.orchestrator.Disconnect(); err != nil {
		a.logger.Warn("disconnect", "error", err)
	}
	a.orchestrator.Close()

	if a.bridge != nil {
		_ = a.bridge.Stop()
	}
	if a.broker != nil {
		_ = a.broker.AnnouncePresence(a.topics(), false)
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("broker close", "error", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	a.logger.Info("stopped")
}

func (a *App) connect(ctx context.Context) {
	var err error
	switch a.orchestrator.Status().State {
	case relay.StateIdle:
		err = a.orchestrator.Connect(ctx)
	case relay.StateError:
		err = a.orchestrator.Retry(ctx)
	default:
		return
	}
	if err != nil {
		a.logger.Warn("auto connect failed", "error", err)
	}
}

// peerUp follows the configured peer's MQTT session on the hub.
func (a *App) peerUp(clientID string) {
	if a.inline == nil || !a.cfg.Peer.AutoConnect || clientID != a.cfg.Peer.Target {
		return
	}
	a.logger.Info("peer joined the broker", "peer", clientID)
	a.connect(context.Background())
}

func (a *App) peerDown(clientID string) {
	if a.inline != nil {
		a.inline.PeerGone(clientID)
	}
}

func (a *App) broadcastTemperature() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.orchestrator.BroadcastTemperature(ctx); err != nil {
		a.logger.Warn("temperature broadcast failed", "error", err)
	}
}

func (a *App) advertise(ctx context.Context) {
	_, portStr, err := net.SplitHostPort(a.cfg.Broker.Addr)
	if err != nil {
		a.logger.Warn("not advertising, bad broker address", "addr", a.cfg.Broker.Addr, "error", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		a.logger.Warn("not advertising, bad broker port", "addr", a.cfg.Broker.Addr, "error", err)
		return
	}
	metadata := map[string]string{"node": a.cfg.NodeID, "scheme": "mqtt"}
	if err := a.mdns.Advertise(ctx, a.cfg.NodeID, port, metadata); err != nil {
		a.logger.Warn("mdns advertise failed", "error", err)
	}
}

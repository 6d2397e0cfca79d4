// Command mock-device pretends to be the ESP32 controller: it reports the
// sample devices on the hub's embedded broker and applies the commands the
// hub forwards to it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/ilievs/homesync/config"
	"github.com/ilievs/homesync/core"
	"github.com/ilievs/homesync/mqtt"
)

type controller struct {
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	devices map[string]core.Device
}

func newController(prefix string, logger *slog.Logger) *controller {
	devices := make(map[string]core.Device)
	for _, d := range core.SampleDevices() {
		devices[d.ID] = d
	}
	return &controller{prefix: prefix, logger: logger, devices: devices}
}

func (c *controller) stateTopic(id string) string {
	return c.prefix + "/" + id + "/state"
}

// apply handles "toggle" and "value:<v>" on <prefix>/<id>/control and
// returns the device to report.
func (c *controller) apply(topic string, payload []byte) (core.Device, bool) {
	rest := strings.TrimPrefix(topic, c.prefix+"/")
	id, ok := strings.CutSuffix(rest, "/control")
	if !ok {
		return core.Device{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	if !ok {
		return core.Device{}, false
	}
	command := string(payload)
	switch {
	case command == "toggle":
		d.IsOn = !d.IsOn
	case strings.HasPrefix(command, "value:"):
		d.Value = core.StringPtr(strings.TrimPrefix(command, "value:"))
	default:
		return core.Device{}, false
	}
	c.devices[id] = d
	return d, true
}

// drift nudges the sensor reading the way a real room would.
func (c *controller) drift() core.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.devices["temp_sensor"]
	reading, ok := d.Numeric()
	if !ok {
		reading = 21
	}
	reading += float64(rand.Intn(5)-2) / 10
	d.Value = core.StringPtr(strconv.FormatFloat(reading, 'f', 1, 64))
	c.devices[d.ID] = d
	return d
}

func (c *controller) all() []core.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}

func statePayload(d core.Device) ([]byte, error) {
	return json.Marshal(mqtt.ControllerState{
		ID:     d.ID,
		Name:   d.Name,
		Type:   string(d.Type),
		RoomID: d.RoomID,
		IsOn:   d.IsOn,
		Value:  d.ValueOr(""),
	})
}

func main() {
	brokerURL := flag.String("broker", "mqtt://localhost:1883", "hub broker url")
	username := flag.String("user", "", "broker username")
	password := flag.String("password", "", "broker password")
	prefix := flag.String("prefix", mqtt.DefaultControllerPrefix, "controller topic prefix")
	interval := flag.Duration("interval", 30*time.Second, "sensor report interval")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// App will run until cancelled by user (e.g. ctrl-c)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u, err := url.Parse(*brokerURL)
	if err != nil {
		logger.Error("invalid broker url", "error", err)
		os.Exit(1)
	}

	ctrl := newController(*prefix, logger)
	controlTopic := *prefix + "/+/control"
	reports := make(chan core.Device, 16)

	cliCfg := autopaho.ClientConfig{
		ConnectUsername: *username,
		ConnectPassword: []byte(*password),
		ServerUrls:      []*url.URL{u},
		KeepAlive:       20,
		// The hub only forwards to controllers it has heard from, so report
		// everything on each connect.
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			logger.Info("mqtt connection up")
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: controlTopic, QoS: 1},
				},
			}); err != nil {
				logger.Warn("failed to subscribe, commands will not arrive", "error", err)
			}
			for _, d := range ctrl.all() {
				select {
				case reports <- d:
				default:
				}
			}
		},
		OnConnectError: func(err error) {
			logger.Warn("error whilst attempting connection", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: config.GenerateClientID("esp32"),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					d, ok := ctrl.apply(pr.Packet.Topic, pr.Packet.Payload)
					if !ok {
						logger.Debug("ignoring command", "topic", pr.Packet.Topic, "payload", string(pr.Packet.Payload))
						return true, nil
					}
					logger.Info("command applied", "device", d.ID, "isOn", d.IsOn, "value", d.ValueOr(""))
					select {
					case reports <- d:
					default:
						logger.Warn("report queue full, dropping state", "device", d.ID)
					}
					return true, nil
				}},
			OnClientError: func(err error) { logger.Warn("client error", "error", err) },
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					logger.Warn("server requested disconnect", "reason", d.Properties.ReasonString)
				} else {
					logger.Warn("server requested disconnect", "code", d.ReasonCode)
				}
			},
		},
	}

	c, err := autopaho.NewConnection(ctx, cliCfg) // reconnects until ctx is cancelled
	if err != nil {
		logger.Error("failed to start connection", "error", err)
		os.Exit(1)
	}
	if err = c.AwaitConnection(ctx); err != nil {
		logger.Error("connection never came up", "error", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		var d core.Device
		select {
		case <-ticker.C:
			d = ctrl.drift()
		case d = <-reports:
		case <-ctx.Done():
			disconnectCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = c.Disconnect(disconnectCtx)
			cancel()
			return
		}

		payload, err := statePayload(d)
		if err != nil {
			logger.Warn("failed to encode state", "device", d.ID, "error", err)
			continue
		}
		if _, err := c.Publish(ctx, &paho.Publish{
			QoS:     1,
			Topic:   ctrl.stateTopic(d.ID),
			Payload: payload,
		}); err != nil && ctx.Err() == nil {
			logger.Warn("failed to publish state", "device", d.ID, "error", err)
			continue
		}
		logger.Debug("published state", "device", d.ID)
	}
}

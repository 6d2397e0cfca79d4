package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	RoleHub  = "hub"
	RolePeer = "peer"

	TransportMQTT      = "mqtt"
	TransportInline    = "inline"
	TransportBluetooth = "bluetooth"
	TransportWebSocket = "ws"
)

type Config struct {
	Role        string            `yaml:"role"`
	NodeID      string            `yaml:"node_id"`
	SeedDevices bool              `yaml:"seed_devices"`
	HTTP        HTTPConfig        `yaml:"http"`
	Broker      BrokerConfig      `yaml:"broker"`
	Peer        PeerConfig        `yaml:"peer"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Bluetooth   BluetoothConfig   `yaml:"bluetooth"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Controller  ControllerConfig  `yaml:"controller"`
	Temperature TemperatureConfig `yaml:"temperature"`
	Log         LogConfig         `yaml:"log"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type BrokerConfig struct {
	Addr      string `yaml:"addr"`
	Users     []User `yaml:"users"`
	Advertise bool   `yaml:"advertise"`
}

type PeerConfig struct {
	Transport      string        `yaml:"transport"`
	Target         string        `yaml:"target"`
	AutoConnect    bool          `yaml:"auto_connect"`
	SyncTimeout    time.Duration `yaml:"sync_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PushSnapshots  bool          `yaml:"push_snapshots"`
}

type MQTTConfig struct {
	BrokerURL   string        `yaml:"broker_url"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	KeepAlive   int           `yaml:"keep_alive"`
	Discover    bool          `yaml:"discover"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

type BluetoothConfig struct {
	Adapter string `yaml:"adapter"`
	Channel int    `yaml:"channel"`
}

type WebSocketConfig struct {
	AcceptTimeout time.Duration `yaml:"accept_timeout"`
}

type ControllerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type TemperatureConfig struct {
	// Schedule is a cron spec; empty disables the broadcast.
	Schedule string `yaml:"schedule"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads .env if present, then the YAML file at path with ${VAR}
// references expanded. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Role == "" {
		c.Role = RoleHub
	}
	if c.NodeID == "" {
		if c.Role == RoleHub {
			c.NodeID = "phone"
		} else {
			c.NodeID = "watch"
		}
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.RateLimit == 0 {
		c.HTTP.RateLimit = 20
	}
	if c.HTTP.Burst == 0 {
		c.HTTP.Burst = 40
	}
	if c.Broker.Addr == "" {
		c.Broker.Addr = ":1883"
	}
	if c.Peer.Transport == "" {
		if c.Role == RoleHub {
			c.Peer.Transport = TransportInline
		} else {
			c.Peer.Transport = TransportMQTT
		}
	}
	if c.Peer.Target == "" {
		switch {
		case c.Role == RoleHub && c.Peer.Transport == TransportInline:
			c.Peer.Target = "watch"
		case c.Role == RolePeer && c.Peer.Transport == TransportMQTT:
			c.Peer.Target = "phone"
		}
	}
	if c.Peer.SyncTimeout == 0 {
		c.Peer.SyncTimeout = 5 * time.Second
	}
	if c.Peer.ConnectTimeout == 0 {
		c.Peer.ConnectTimeout = 10 * time.Second
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.NodeID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "homesync"
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 20
	}
	if c.MQTT.ScanTimeout == 0 {
		c.MQTT.ScanTimeout = 3 * time.Second
	}
	if c.Bluetooth.Adapter == "" {
		c.Bluetooth.Adapter = "hci0"
	}
	if c.Bluetooth.Channel == 0 {
		c.Bluetooth.Channel = 1
	}
	if c.WebSocket.AcceptTimeout == 0 {
		c.WebSocket.AcceptTimeout = 30 * time.Second
	}
	if c.Controller.TopicPrefix == "" {
		c.Controller.TopicPrefix = "home/devices"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	switch c.Role {
	case RoleHub:
		switch c.Peer.Transport {
		case TransportInline, TransportBluetooth, TransportWebSocket:
		default:
			return fmt.Errorf("transport %q is not available to the hub", c.Peer.Transport)
		}
	case RolePeer:
		switch c.Peer.Transport {
		case TransportMQTT, TransportBluetooth, TransportWebSocket:
		default:
			return fmt.Errorf("transport %q is not available to a peer", c.Peer.Transport)
		}
		if c.Peer.Transport == TransportMQTT && c.MQTT.BrokerURL == "" && !c.MQTT.Discover {
			return fmt.Errorf("mqtt transport needs mqtt.broker_url or mqtt.discover")
		}
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if c.MQTT.KeepAlive < 0 || c.MQTT.KeepAlive > 65535 {
		return fmt.Errorf("mqtt.keep_alive %d out of range", c.MQTT.KeepAlive)
	}
	if c.Bluetooth.Channel < 1 || c.Bluetooth.Channel > 30 {
		return fmt.Errorf("bluetooth.channel %d out of range", c.Bluetooth.Channel)
	}
	return nil
}

// GenerateClientID returns a unique MQTT client id with the given prefix.
func GenerateClientID(prefix string) string {
	id := uuid.New().String()
	re := regexp.MustCompile(`[^a-zA-Z0-9:_-]`)
	return fmt.Sprintf("%s-%s", prefix, re.ReplaceAllString(id, "-"))
}

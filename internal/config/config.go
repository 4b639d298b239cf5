package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/encryptedmeshlink/station/internal/secure"
	"github.com/encryptedmeshlink/station/internal/util"
)

// FileName is the default config file name next to the binary.
const FileName = "encryptedmeshlink-config.json"

// defaultSharedSecret is the discovery-network secret used when the
// config does not override it. Every station on the same discovery
// service must share this value to read each other's contact info.
const defaultSharedSecret = "encryptedmeshlink-discovery-v1"

var stationIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,18}[a-z0-9]$`)

type Config struct {
	StationID   string `json:"stationId"`
	DisplayName string `json:"displayName"`
	Location    string `json:"location,omitempty"`
	Operator    string `json:"operator,omitempty"`

	Keys      Keys      `json:"keys"`
	Discovery Discovery `json:"discovery"`
	P2P       P2P       `json:"p2p"`
	Queue     Queue     `json:"queue"`
	Mesh      Mesh      `json:"mesh"`
	Metadata  Metadata  `json:"metadata"`
}

// Keys holds the station key pair, PEM-encoded (PKIX / PKCS#8).
type Keys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

type Discovery struct {
	ServiceURL string `json:"serviceUrl"`

	// Heartbeat re-register interval, seconds.
	CheckIntervalSec int `json:"checkInterval"`

	// Peer list poll interval, seconds. Kept well above the heartbeat
	// to respect server rate limits.
	PeersIntervalSec int `json:"peersInterval"`

	// Per-request HTTP timeout, seconds.
	TimeoutSec int `json:"timeout"`

	// Pre-shared secret that seals contact info on the discovery
	// server. Empty means the built-in network default.
	SharedSecret string `json:"sharedSecret,omitempty"`
}

type P2P struct {
	ListenPort        int `json:"listenPort"`
	MaxConnections    int `json:"maxConnections"`
	ConnectionTimeout int `json:"connectionTimeout"` // seconds

	// Optional WebSocket accept path on the same port family. Raw TCP
	// stays the primary transport; this is for peers behind proxies.
	EnableWebsocket bool   `json:"enableWebsocket,omitempty"`
	WebsocketPath   string `json:"websocketPath,omitempty"`
}

type Queue struct {
	DBPath              string  `json:"dbPath"`
	MaxQueueSize        int     `json:"maxQueueSize"`
	DeliveryIntervalSec int     `json:"deliveryInterval"` // scheduler tick, seconds
	BackoffMultiplier   float64 `json:"backoffMultiplier"`
	MaxBackoffDelaySec  int     `json:"maxBackoffDelay"` // retry backoff cap, seconds
}

type Mesh struct {
	AutoDetect bool   `json:"autoDetect"`
	DevicePath string `json:"devicePath,omitempty"`
	BaudRate   int    `json:"baudRate"`
}

type Metadata struct {
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
	Version   string `json:"version"`
}

func Default() Config {
	now := time.Now().UTC().Format(time.RFC3339)
	return Config{
		StationID:   "station-001",
		DisplayName: "EncryptedMeshLink Station",
		Discovery: Discovery{
			ServiceURL:       "https://discovery.encryptedmeshlink.net",
			CheckIntervalSec: 30,
			PeersIntervalSec: 120,
			TimeoutSec:       10,
		},
		P2P: P2P{
			ListenPort:        8447,
			MaxConnections:    10,
			ConnectionTimeout: 10,
			WebsocketPath:     "/eml",
		},
		Queue: Queue{
			DBPath:              "data/message-queue.db",
			MaxQueueSize:        10000,
			DeliveryIntervalSec: 30,
			BackoffMultiplier:   2,
			MaxBackoffDelaySec:  300,
		},
		Mesh: Mesh{
			AutoDetect: true,
			BaudRate:   115200,
		},
		Metadata: Metadata{
			CreatedAt: now,
			UpdatedAt: now,
			Version:   "1.0.0",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if !stationIDRe.MatchString(c.StationID) {
		return errors.New("stationId must be 3-20 chars of [a-z0-9-] with no leading/trailing dash")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("displayName is required")
	}

	// Keys
	if strings.TrimSpace(c.Keys.PublicKey) == "" {
		return errors.New("keys.publicKey is required")
	}
	if strings.TrimSpace(c.Keys.PrivateKey) == "" {
		return errors.New("keys.privateKey is required")
	}
	if err := secure.ValidateKeyPair(c.Keys.PublicKey, c.Keys.PrivateKey); err != nil {
		return fmt.Errorf("keys: %w", err)
	}

	// Discovery
	if err := validateServiceURL(c.Discovery.ServiceURL); err != nil {
		return fmt.Errorf("discovery.serviceUrl: %w", err)
	}
	if c.Discovery.CheckIntervalSec <= 0 {
		return errors.New("discovery.checkInterval must be > 0")
	}
	if c.Discovery.PeersIntervalSec <= 0 {
		return errors.New("discovery.peersInterval must be > 0")
	}
	if c.Discovery.TimeoutSec <= 0 {
		return errors.New("discovery.timeout must be > 0")
	}

	// P2P
	if c.P2P.ListenPort <= 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listenPort must be 1..65535")
	}
	if c.P2P.MaxConnections <= 0 {
		return errors.New("p2p.maxConnections must be > 0")
	}
	if c.P2P.ConnectionTimeout <= 0 {
		return errors.New("p2p.connectionTimeout must be > 0")
	}
	if c.P2P.EnableWebsocket && !strings.HasPrefix(c.P2P.WebsocketPath, "/") {
		return errors.New("p2p.websocketPath must start with '/' when websocket is enabled")
	}

	// Queue
	if strings.TrimSpace(c.Queue.DBPath) == "" {
		return errors.New("queue.dbPath is required")
	}
	if c.Queue.MaxQueueSize <= 0 {
		return errors.New("queue.maxQueueSize must be > 0")
	}
	if c.Queue.DeliveryIntervalSec <= 0 {
		return errors.New("queue.deliveryInterval must be > 0")
	}
	if c.Queue.BackoffMultiplier < 1 {
		return errors.New("queue.backoffMultiplier must be >= 1")
	}
	if c.Queue.MaxBackoffDelaySec <= 0 {
		return errors.New("queue.maxBackoffDelay must be > 0")
	}

	// Mesh
	if !c.Mesh.AutoDetect && strings.TrimSpace(c.Mesh.DevicePath) == "" {
		return errors.New("mesh.devicePath is required when mesh.autoDetect is false")
	}
	if c.Mesh.BaudRate <= 0 {
		return errors.New("mesh.baudRate must be > 0")
	}

	return nil
}

func validateServiceURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

// SharedSecret returns the configured discovery secret, or the network
// default when unset.
func (c *Config) SharedSecret() string {
	if s := strings.TrimSpace(c.Discovery.SharedSecret); s != "" {
		return s
	}
	return defaultSharedSecret
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Metadata.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config
// file with a freshly generated key pair. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	pub, priv, err := secure.GenerateKeyPair()
	if err != nil {
		return Config{}, false, fmt.Errorf("generate station keys: %w", err)
	}
	cfg.Keys = Keys{PublicKey: pub, PrivateKey: priv}

	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

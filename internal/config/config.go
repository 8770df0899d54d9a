// Package config loads the mesh node's YAML configuration surface into plain
// value structs. It is a translation layer only: it knows how to apply
// defaults and reject a handful of required fields, but carries no mesh or
// link-layer behavior itself.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport selects which KISS transport the link manager should use.
type Transport string

const (
	TransportTCP    Transport = "tcp"
	TransportSerial Transport = "serial"
)

// KISS holds the link-layer transport and supervision settings.
type KISS struct {
	Transport Transport `yaml:"transport"`

	SerialPort       string `yaml:"serial_port"`
	SerialBaud       int    `yaml:"serial_baud"`
	SerialAutoDetect bool   `yaml:"serial_auto_detect"`

	TCPHost      string `yaml:"tcp_host"`
	TCPPort      int    `yaml:"tcp_port"`
	TCPDiscover  bool   `yaml:"tcp_discover"`

	ReconnectBaseDelay time.Duration `yaml:"-"`
	ReconnectMaxDelay  time.Duration `yaml:"-"`
	TXQueueSize        int           `yaml:"tx_queue_size"`

	ReconnectBaseDelaySeconds float64 `yaml:"reconnect_base_delay"`
	ReconnectMaxDelaySeconds  float64 `yaml:"reconnect_max_delay"`
}

// Routing holds the BATMAN-lite OGM timing and table-expiry knobs.
type Routing struct {
	OGMIntervalSeconds  float64 `yaml:"ogm_interval_seconds"`
	OGMTTL              int     `yaml:"ogm_ttl"`
	RouteExpirySeconds  float64 `yaml:"route_expiry_seconds"`
	NeighborExpirySeconds float64 `yaml:"neighbor_expiry_seconds"`
	DataSeenExpirySeconds float64 `yaml:"data_seen_expiry_seconds"`
}

func (r Routing) OGMInterval() time.Duration {
	return durationFromSeconds(r.OGMIntervalSeconds)
}

func (r Routing) RouteExpiry() time.Duration {
	return durationFromSeconds(r.RouteExpirySeconds)
}

func (r Routing) NeighborExpiry() time.Duration {
	return durationFromSeconds(r.NeighborExpirySeconds)
}

func (r Routing) DataSeenExpiry() time.Duration {
	return durationFromSeconds(r.DataSeenExpirySeconds)
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Security holds the optional shared-secret AEAD configuration.
type Security struct {
	EnableEncryption bool   `yaml:"enable_encryption"`
	KeyHex           string `yaml:"key_hex"`
}

// Key decodes KeyHex, returning nil (no error) when it is empty.
func (s Security) Key() ([]byte, error) {
	if strings.TrimSpace(s.KeyHex) == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("security.key_hex: %w", err)
	}
	return key, nil
}

// Metrics holds the optional Prometheus HTTP exporter address.
type Metrics struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Mesh holds the node's own identity and the mesh broadcast destination.
type Mesh struct {
	Callsign          string `yaml:"callsign"`
	MeshDestCallsign  string `yaml:"mesh_dest_callsign"`
}

// Peer is one entry in the chat nickname directory.
type Peer struct {
	NodeIDHex string `yaml:"node_id_hex"`
	Nick      string `yaml:"nick"`
}

// Chat holds the chat-application layer's own settings.
type Chat struct {
	DBPath string          `yaml:"db_path"`
	Peers  map[string]Peer `yaml:"peers"`
}

// Config is the full root of the YAML configuration surface.
type Config struct {
	Mesh     Mesh     `yaml:"mesh"`
	KISS     KISS     `yaml:"kiss"`
	Routing  Routing  `yaml:"routing"`
	Security Security `yaml:"security"`
	Metrics  Metrics  `yaml:"metrics"`
	Chat     Chat     `yaml:"chat"`
}

// raw mirrors Config's YAML shape before defaults are applied. Using a
// distinct type keeps zero-value detection (e.g. "was tcp_port set?") honest
// without reaching for *int/*string everywhere.
type raw struct {
	Mesh     Mesh     `yaml:"mesh"`
	KISS     KISS     `yaml:"kiss"`
	Routing  Routing  `yaml:"routing"`
	Security Security `yaml:"security"`
	Metrics  Metrics  `yaml:"metrics"`
	Chat     Chat     `yaml:"chat"`
}

// Load reads and parses a YAML config file at path, applying defaults for
// every field the distilled configuration surface documents.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load's byte-slice counterpart, split out so callers (and tests)
// can build a Config from an in-memory document.
func Parse(data []byte) (*Config, error) {
	var r raw
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if strings.TrimSpace(r.Mesh.Callsign) == "" {
		return nil, fmt.Errorf("missing required config key: mesh.callsign")
	}

	cfg := &Config{
		Mesh:     r.Mesh,
		KISS:     r.KISS,
		Routing:  r.Routing,
		Security: r.Security,
		Metrics:  r.Metrics,
		Chat:     r.Chat,
	}

	applyDefaults(cfg)

	if cfg.KISS.Transport != TransportTCP && cfg.KISS.Transport != TransportSerial {
		return nil, fmt.Errorf("unknown transport type: %s", cfg.KISS.Transport)
	}

	for nick, peer := range cfg.Chat.Peers {
		if peer.NodeIDHex == "" {
			continue
		}
		decoded, err := hex.DecodeString(peer.NodeIDHex)
		if err != nil {
			return nil, fmt.Errorf("chat.peers.%s.node_id_hex: %w", nick, err)
		}
		if len(decoded) != 8 {
			return nil, fmt.Errorf("chat.peers.%s.node_id_hex must decode to 8 bytes, got %d", nick, len(decoded))
		}
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Mesh.MeshDestCallsign == "" {
		cfg.Mesh.MeshDestCallsign = "QMESH-0"
	}

	if cfg.KISS.Transport == "" {
		cfg.KISS.Transport = TransportTCP
	}
	if cfg.KISS.SerialPort == "" {
		cfg.KISS.SerialPort = "/dev/ttyUSB0"
	}
	if cfg.KISS.SerialBaud == 0 {
		cfg.KISS.SerialBaud = 1200
	}
	if cfg.KISS.TCPHost == "" {
		cfg.KISS.TCPHost = "127.0.0.1"
	}
	if cfg.KISS.TCPPort == 0 {
		cfg.KISS.TCPPort = 8001
	}
	if cfg.KISS.ReconnectBaseDelaySeconds == 0 {
		cfg.KISS.ReconnectBaseDelaySeconds = 5.0
	}
	if cfg.KISS.ReconnectMaxDelaySeconds == 0 {
		cfg.KISS.ReconnectMaxDelaySeconds = 60.0
	}
	if cfg.KISS.TXQueueSize == 0 {
		cfg.KISS.TXQueueSize = 1000
	}
	cfg.KISS.ReconnectBaseDelay = durationFromSeconds(cfg.KISS.ReconnectBaseDelaySeconds)
	cfg.KISS.ReconnectMaxDelay = durationFromSeconds(cfg.KISS.ReconnectMaxDelaySeconds)

	if cfg.Routing.OGMIntervalSeconds == 0 {
		cfg.Routing.OGMIntervalSeconds = 10
	}
	if cfg.Routing.OGMTTL == 0 {
		cfg.Routing.OGMTTL = 5
	}
	if cfg.Routing.RouteExpirySeconds == 0 {
		cfg.Routing.RouteExpirySeconds = 120
	}
	if cfg.Routing.NeighborExpirySeconds == 0 {
		cfg.Routing.NeighborExpirySeconds = 60
	}
	if cfg.Routing.DataSeenExpirySeconds == 0 {
		cfg.Routing.DataSeenExpirySeconds = 30
	}
}

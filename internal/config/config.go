package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/park285/cheese-lan/internal/board"
)

// EnvPrefix prefixes every environment key, e.g. CHECKMATE_USERNAME.
const EnvPrefix = "CHECKMATE"

// FileEnv names the optional YAML config file.
const FileEnv = "CHECKMATE_CONFIG"

type AppConfig struct {
	Username  string
	BindAddr  string
	Port      int
	Advertise string

	Rules     string
	HostColor string
	CodeBytes int

	AcceptTimeout     time.Duration
	HandshakeTimeout  time.Duration
	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RedisURL    string
	DatabaseURL string
	WebhookURL  string

	ControlAddr string
	MessageDir  string
}

// Keys lists every setting accepted by Set, from env, file or flags.
var Keys = []string{
	"username", "bind", "port", "advertise",
	"rules", "host_color", "code_bytes",
	"accept_timeout", "handshake_timeout", "ack_timeout", "heartbeat_interval", "heartbeat_timeout",
	"redis_url", "database_url", "webhook_url",
	"control_addr", "message_dir",
}

func Default() *AppConfig {
	return &AppConfig{
		BindAddr:          "0.0.0.0",
		Rules:             "checkers",
		HostColor:         "white",
		CodeBytes:         4,
		AcceptTimeout:     2 * time.Minute,
		HandshakeTimeout:  5 * time.Second,
		AckTimeout:        5 * time.Second,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  5 * time.Second,
		ControlAddr:       "127.0.0.1:8787",
	}
}

// EnvName maps a key to its environment variable.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// Load reads defaults, then the YAML file named by CHECKMATE_CONFIG, then CHECKMATE_* env.
func Load() (*AppConfig, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	for _, k := range Keys {
		if v := strings.TrimSpace(os.Getenv(EnvName(k))); v != "" {
			if err := cfg.Set(k, v); err != nil {
				return nil, fmt.Errorf("%s: %w", EnvName(k), err)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile applies a flat YAML mapping of keys to values.
func (c *AppConfig) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m[k] == nil {
			continue
		}
		if err := c.Set(k, fmt.Sprint(m[k])); err != nil {
			return fmt.Errorf("%s: %s: %w", path, k, err)
		}
	}
	return nil
}

// Set assigns one setting from its string form.
func (c *AppConfig) Set(key, value string) error {
	v := strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "username":
		c.Username = v
	case "bind":
		c.BindAddr = v
	case "port":
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("invalid port %q", v)
		}
		c.Port = n
	case "advertise":
		c.Advertise = v
	case "rules":
		c.Rules = strings.ToLower(v)
	case "host_color":
		c.HostColor = strings.ToLower(v)
	case "code_bytes":
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid code length %q", v)
		}
		c.CodeBytes = n
	case "accept_timeout":
		return setDuration(&c.AcceptTimeout, v)
	case "handshake_timeout":
		return setDuration(&c.HandshakeTimeout, v)
	case "ack_timeout":
		return setDuration(&c.AckTimeout, v)
	case "heartbeat_interval":
		return setDuration(&c.HeartbeatInterval, v)
	case "heartbeat_timeout":
		return setDuration(&c.HeartbeatTimeout, v)
	case "redis_url":
		c.RedisURL = v
	case "database_url":
		c.DatabaseURL = v
	case "webhook_url":
		c.WebhookURL = v
	case "control_addr":
		c.ControlAddr = v
	case "message_dir":
		c.MessageDir = v
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

// setDuration accepts Go durations ("5s") or whole seconds ("5").
func setDuration(dst *time.Duration, v string) error {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid duration %q", v)
	}
	*dst = d
	return nil
}

func (c *AppConfig) Validate() error {
	if _, err := board.Lookup(c.Rules); err != nil {
		return err
	}
	switch c.HostColor {
	case "white", "black", "random":
	default:
		return fmt.Errorf("host colour %q is not white, black or random", c.HostColor)
	}
	if _, err := netip.ParseAddr(c.BindAddr); err != nil {
		return fmt.Errorf("bind address %q: %w", c.BindAddr, err)
	}
	if c.Advertise != "" {
		if _, err := netip.ParseAddr(c.Advertise); err != nil {
			return fmt.Errorf("advertise address %q: %w", c.Advertise, err)
		}
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return errors.New("heartbeat timeout must exceed the heartbeat interval")
	}
	return nil
}

// ListenAddr is the peer listener's "ip:port".
func (c *AppConfig) ListenAddr() string {
	return netip.AddrPortFrom(netip.MustParseAddr(c.BindAddr), uint16(c.Port)).String()
}

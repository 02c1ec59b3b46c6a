// Package config loads the daemon configuration. A configuration file is a
// YAML document whose top-level keys are root sections, typically one per
// host; the daemon resolves its root section by explicit name, then the
// HOSTNAME environment variable, then the literal "localhost". Additional
// configuration fragments can be merged over the base file before the root
// section is resolved.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved root section of the configuration space.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Drivers  []Section      `yaml:"deviceDrivers"`

	// WatchConfig restarts the daemon when the configuration file changes,
	// the same transition SIGHUP triggers.
	WatchConfig bool `yaml:"watchConfig"`
}

// ServerConfig configures the device server's client-facing listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// StreamTimeStamps / StreamValids control whether tracker time stamps
	// and valid flags are included in streamed state packets.
	StreamTimeStamps bool `yaml:"streamTimeStamps"`
	StreamValids     bool `yaml:"streamValids"`
}

// HTTPConfig configures the optional status/control API.
type HTTPConfig struct {
	Listen            string        `yaml:"listen"`
	AdminPasswordHash string        `yaml:"adminPasswordHash"`
	JWTSecret         string        `yaml:"jwtSecret"`
	TokenTTL          time.Duration `yaml:"tokenTTL"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig configures the optional Postgres event recorder. An empty
// DSN disables recording.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig configures the optional NATS event publisher. An empty URL
// disables it.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig configures the optional MQTT event publisher. An empty broker
// disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Section is one named key/value subsection, as handed to device drivers.
// Driver parameters are deliberately schema-free; each driver pulls what it
// needs through the typed getters.
type Section struct {
	Name   string                 `yaml:"name"`
	Type   string                 `yaml:"type"`
	Params map[string]interface{} `yaml:"params"`
}

// String returns a string parameter, or def if absent.
func (s *Section) String(key, def string) string {
	if v, ok := s.Params[key].(string); ok {
		return v
	}
	return def
}

// Int returns an integer parameter, or def if absent.
func (s *Section) Int(key string, def int) int {
	switch v := s.Params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// Float returns a float parameter, or def if absent.
func (s *Section) Float(key string, def float64) float64 {
	switch v := s.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// Bool returns a boolean parameter, or def if absent.
func (s *Section) Bool(key string, def bool) bool {
	if v, ok := s.Params[key].(bool); ok {
		return v
	}
	return def
}

// Duration returns a duration parameter parsed from its string form, or def
// if absent or malformed.
func (s *Section) Duration(key string, def time.Duration) time.Duration {
	if v, ok := s.Params[key].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// ResolveRootSection returns the root section name to use: the explicit
// name if given, else the HOSTNAME environment variable, else "localhost".
func ResolveRootSection(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if host := os.Getenv("HOSTNAME"); host != "" {
		return host
	}
	return "localhost"
}

// Load reads the base configuration file, merges any fragment files over
// it, resolves the given root section and decodes it. A root section that
// is absent falls back to "localhost" so a shared configuration file works
// on hosts it does not name explicitly; if neither exists, loading fails.
func Load(path string, mergePaths []string, rootSection string) (*Config, error) {
	space, err := loadSpace(path)
	if err != nil {
		return nil, err
	}
	for _, p := range mergePaths {
		fragment, err := loadSpace(p)
		if err != nil {
			return nil, err
		}
		space = merge(space, fragment)
	}

	section, ok := space[rootSection]
	if !ok && rootSection != "localhost" {
		section, ok = space["localhost"]
	}
	if !ok {
		return nil, fmt.Errorf("root section %q not found in %s", rootSection, path)
	}

	raw, err := yaml.Marshal(section)
	if err != nil {
		return nil, fmt.Errorf("re-marshal root section: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode root section %q: %w", rootSection, err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()
	return &cfg, nil
}

func loadSpace(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var space map[string]interface{}
	if err := yaml.Unmarshal(data, &space); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if space == nil {
		space = map[string]interface{}{}
	}
	return space, nil
}

// merge deep-merges overlay into base. Maps merge recursively; any other
// overlay value replaces the base value, including lists.
func merge(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bm, ok := out[k].(map[string]interface{}); ok {
			if om, ok := v.(map[string]interface{}); ok {
				out[k] = merge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.HTTP.JWTSecret = jwtSecret
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

func (c *Config) setDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8555"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.HTTP.TokenTTL == 0 {
		c.HTTP.TokenTTL = time.Hour
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "vr.device"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "vr/device"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "vrdeviced"
	}
}

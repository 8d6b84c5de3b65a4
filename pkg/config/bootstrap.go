package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Bootstrap is the host process's startup file: transport selection,
// GPIO pin names, the persisted-record path, and the optional telemetry
// bridges. It is distinct from Record, which is the radio's own
// committed configuration; Bootstrap only ever changes by editing the
// file and restarting the gateway.
type Bootstrap struct {
	Device      string `toml:"device"`
	Backend     string `toml:"backend"` // "tarm" or "bugst"
	TargetBaud  int    `toml:"target_baud"`
	ModePin     string `toml:"mode_pin"`
	AuxPin      string `toml:"aux_pin"`
	ResetPin    string `toml:"reset_pin"`
	RecordPath  string `toml:"record_path"`
	TickMillis  int    `toml:"tick_millis"`
	StuckMillis int    `toml:"stuck_millis"`

	Redis RedisConfig `toml:"redis"`
	MQTT  MQTTConfig  `toml:"mqtt"`
}

// RedisConfig configures the optional Redis telemetry bridge.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	EventsKey  string `toml:"events_key"`
	InboxKey   string `toml:"inbox_key"`
	CommandKey string `toml:"command_key"`
}

// MQTTConfig configures the optional MQTT telemetry bridge.
type MQTTConfig struct {
	Enabled  bool   `toml:"enabled"`
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Topic    string `toml:"topic"`
}

// DefaultBootstrap mirrors the values a fresh gateway.toml ships with.
func DefaultBootstrap() Bootstrap {
	return Bootstrap{
		Device:      "/dev/ttyUSB0",
		Backend:     "tarm",
		TargetBaud:  9600,
		ModePin:     "GPIO17",
		AuxPin:      "GPIO27",
		RecordPath:  "/var/lib/lora-gateway/config.bin",
		TickMillis:  5,
		StuckMillis: 10000,
	}
}

// LoadBootstrap reads and decodes a TOML bootstrap file. Fields absent
// from the file keep their DefaultBootstrap values.
func LoadBootstrap(path string) (Bootstrap, error) {
	cfg := DefaultBootstrap()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("config: read bootstrap %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Bootstrap{}, fmt.Errorf("config: parse bootstrap %s: %w", path, err)
	}
	return cfg, nil
}

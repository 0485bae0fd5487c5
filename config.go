package xmsg

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the file form of a bus configuration.
//
//	name = "game"
//	codec = "json"
//	threads = ["main", "render"]
//	observer_workers = 2
//	observer_buffer = 1024
//	network_timeout = "5s"
//
//	[transport]
//	name = "redis-streams"
//	[transport.options]
//	addr = "127.0.0.1:6379"
//	block = "2s"
type Config struct {
	Name            string          `toml:"name"`
	Codec           string          `toml:"codec"`
	Threads         []string        `toml:"threads"`
	ObserverWorkers int             `toml:"observer_workers"`
	ObserverBuffer  int             `toml:"observer_buffer"`
	NetworkTimeout  Duration        `toml:"network_timeout"`
	Transport       TransportConfig `toml:"transport"`
}

// TransportConfig selects a registered transport. Options are handed to
// its factory unchanged.
type TransportConfig struct {
	Name    string         `toml:"name"`
	Options map[string]any `toml:"options"`
}

// Duration decodes TOML strings such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return DecodeConfig(string(content))
}

// DecodeConfig parses TOML content. Unknown keys outside transport options
// are rejected.
func DecodeConfig(content string) (Config, error) {
	var cfg Config
	md, err := toml.Decode(content, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	for _, key := range md.Undecoded() {
		if len(key) > 0 && key[0] == "transport" && len(key) > 1 && key[1] == "options" {
			continue
		}
		return Config{}, fmt.Errorf("failed to parse config: unknown key %q", key.String())
	}
	for _, t := range cfg.Threads {
		if t == "" || ThreadID(t) == AnyThread {
			return Config{}, fmt.Errorf("%w: %q is reserved", ErrInvalidThread, t)
		}
	}
	return cfg, nil
}

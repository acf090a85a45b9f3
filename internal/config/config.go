package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"prefdb/internal/logging"
)

// Backend names accepted in [store] backend.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

const defaultConfigPath = "~/.prefdb/config.toml"

type Config struct {
	Store       StoreConfig     `toml:"store"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Changes     ChangesConfig   `toml:"changes"`
	Logging     LoggingConfig   `toml:"logging"`
	SSH         SSHConfig       `toml:"ssh"`
	Permissions Permissions     `toml:"permissions"`

	// Defaults seeds first-write default values. Keys that already have a
	// record are left alone.
	Defaults map[string]any `toml:"defaults"`
}

type StoreConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

type SchedulerConfig struct {
	Workers int `toml:"workers"`
}

type ChangesConfig struct {
	Buffer int `toml:"buffer"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SSHConfig configures the admin shell served by "prefdb serve".
type SSHConfig struct {
	Listen         string `toml:"listen"`
	HostKeyDir     string `toml:"host_key_dir"`
	AuthorizedKeys string `toml:"authorized_keys"`
}

// Grant is the permission pair for one execution context.
type Grant struct {
	Read  bool `toml:"read"`
	Write bool `toml:"write"`
}

// Permissions maps an execution context id to its grant. The "*" entry
// applies to contexts without an entry of their own.
type Permissions map[string]Grant

func (p Permissions) grant(contextID string) Grant {
	if g, ok := p[contextID]; ok {
		return g
	}
	return p["*"]
}

// CanRead reports whether contextID may read settings. Write implies read.
func (p Permissions) CanRead(contextID string) bool {
	g := p.grant(contextID)
	return g.Read || g.Write
}

// CanWrite reports whether contextID may modify settings.
func (p Permissions) CanWrite(contextID string) bool {
	return p.grant(contextID).Write
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: BackendBolt,
			Path:    "~/.prefdb/settings.db",
		},
		Scheduler: SchedulerConfig{
			Workers: 4,
		},
		Changes: ChangesConfig{
			Buffer: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		SSH: SSHConfig{
			Listen:         "127.0.0.1:2323",
			HostKeyDir:     "~/.prefdb/ssh",
			AuthorizedKeys: "~/.prefdb/authorized_keys",
		},
		Permissions: Permissions{
			"*": {Read: true, Write: true},
		},
	}
}

// Load reads a TOML config file and returns the parsed Config.
// If path is empty, the default location is tried and defaults are
// returned when it does not exist.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome(defaultConfigPath)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// A [permissions] table in the file replaces the permissive default.
	cfg.Permissions = nil
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if !md.IsDefined("permissions") {
		cfg.Permissions = Defaults().Permissions
	}
	for _, key := range md.Undecoded() {
		// [defaults] holds free-form setting values.
		if len(key) > 0 && key[0] == "defaults" {
			continue
		}
		return nil, fmt.Errorf("parsing config: unknown key %q", key.String())
	}

	return cfg, nil
}

// Validate checks field values and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendBolt, BackendSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, fmt.Errorf("store.path is required for backend %q", c.Store.Backend))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}

	if c.Scheduler.Workers < 1 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be >= 1, got %d", c.Scheduler.Workers))
	}
	if c.Changes.Buffer < 1 {
		errs = append(errs, fmt.Errorf("changes.buffer must be >= 1, got %d", c.Changes.Buffer))
	}

	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: invalid level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be text or json, got %q", c.Logging.Format))
	}

	if c.SSH.Listen != "" {
		if _, _, err := net.SplitHostPort(c.SSH.Listen); err != nil {
			errs = append(errs, fmt.Errorf("ssh.listen: invalid address %q: %w", c.SSH.Listen, err))
		}
	}
	if strings.TrimSpace(c.SSH.HostKeyDir) == "" {
		errs = append(errs, errors.New("ssh.host_key_dir is required"))
	}

	for name := range c.Permissions {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("permissions: empty context name"))
		}
	}
	for key := range c.Defaults {
		if key == "" || key == "*" {
			errs = append(errs, fmt.Errorf("defaults: invalid setting name %q", key))
		}
	}

	return errors.Join(errs...)
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

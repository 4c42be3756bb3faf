// Package config loads the runtime node configuration: a TOML file
// read with viper, overridden by ROAM_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/iambrandonn/roam/internal/daemons"
	"github.com/iambrandonn/roam/internal/fsutil"
	"github.com/iambrandonn/roam/internal/logging"
	"github.com/iambrandonn/roam/internal/protocol"
)

// FileName is the config file searched for when no path is given.
const FileName = "roam.toml"

// EnvPrefix prefixes environment overrides: runtime.id is read from
// ROAM_RUNTIME_ID.
const EnvPrefix = "ROAM"

// Config is the runtime node configuration.
type Config struct {
	Runtime    Runtime    `mapstructure:"runtime"`
	Broker     Broker     `mapstructure:"broker"`
	Membership Membership `mapstructure:"membership"`
	Daemons    Daemons    `mapstructure:"daemons"`
	Agents     Agents     `mapstructure:"agents"`
	RPC        RPC        `mapstructure:"rpc"`
	Scheduler  Scheduler  `mapstructure:"scheduler"`
	FS         FS         `mapstructure:"fs"`
	Journal    Journal    `mapstructure:"journal"`
	Log        Log        `mapstructure:"log"`
}

// Runtime identifies this node. An empty ID is generated at startup.
type Runtime struct {
	ID string `mapstructure:"id"`
}

// Broker is the pub/sub broker every node connects to.
type Broker struct {
	Address string `mapstructure:"address"`
}

// Membership tunes gossip.
type Membership struct {
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	Settle    time.Duration `mapstructure:"settle"`
}

// Daemons lists the daemons the leader keeps alive.
type Daemons struct {
	Names []string `mapstructure:"names"`
}

// Agents tunes agent supervision.
type Agents struct {
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	KillGrace     time.Duration `mapstructure:"kill_grace"`
}

// RPC tunes the request/response substrate.
type RPC struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Scheduler configures the scheduler daemon.
type Scheduler struct {
	BalanceInterval   time.Duration `mapstructure:"balance_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ContractsPath     string        `mapstructure:"contracts_path"`
}

// FS configures the filesystem daemon.
type FS struct {
	Root string `mapstructure:"root"`
}

// Journal configures the control traffic journal. An empty path
// disables it.
type Journal struct {
	Path string `mapstructure:"path"`
}

// Log configures the node logger.
type Log struct {
	Level string `mapstructure:"level"`
}

// GenerateDefault returns the configuration used when no file is found.
func GenerateDefault() *Config {
	return &Config{
		Broker:     Broker{Address: "127.0.0.1:7420"},
		Membership: Membership{Heartbeat: 5 * time.Second, Settle: 2 * time.Second},
		Daemons:    Daemons{Names: append([]string(nil), daemons.DefaultNames...)},
		Agents:     Agents{StatsInterval: 5 * time.Second, KillGrace: 3 * time.Second},
		RPC:        RPC{Timeout: 10 * time.Second},
		Scheduler: Scheduler{
			BalanceInterval:   30 * time.Second,
			ReconcileInterval: 10 * time.Second,
			ContractsPath:     "roam-contracts.toml",
		},
		FS:  FS{Root: "roam-fs"},
		Log: Log{Level: "info"},
	}
}

// settings flattens c into viper keys.
func (c *Config) settings() map[string]any {
	return map[string]any{
		"runtime.id":                   c.Runtime.ID,
		"broker.address":               c.Broker.Address,
		"membership.heartbeat":         c.Membership.Heartbeat,
		"membership.settle":            c.Membership.Settle,
		"daemons.names":                c.Daemons.Names,
		"agents.stats_interval":        c.Agents.StatsInterval,
		"agents.kill_grace":            c.Agents.KillGrace,
		"rpc.timeout":                  c.RPC.Timeout,
		"scheduler.balance_interval":   c.Scheduler.BalanceInterval,
		"scheduler.reconcile_interval": c.Scheduler.ReconcileInterval,
		"scheduler.contracts_path":     c.Scheduler.ContractsPath,
		"fs.root":                      c.FS.Root,
		"journal.path":                 c.Journal.Path,
		"log.level":                    c.Log.Level,
	}
}

// Load reads the configuration. With an empty path it looks for
// roam.toml in the working directory and falls back to defaults when
// there is none. Environment overrides apply either way.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	for key, value := range GenerateDefault().settings() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, ".toml"))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration and returns errors with a hint on
// how to fix them.
func (c *Config) Validate() error {
	if id := c.Runtime.ID; id != "" {
		if strings.ContainsAny(id, ":@ ") || id == protocol.Wildcard {
			return fmt.Errorf("configuration error: invalid 'runtime.id' value %q\n\nHint: Runtime ids name pub/sub topics, so they cannot contain ':', '@' or spaces:\n  [runtime]\n  id = \"node-a\"", id)
		}
		if id == protocol.FilesystemAddr || id == protocol.SchedulerAddr {
			return fmt.Errorf("configuration error: 'runtime.id' %q is reserved\n\nHint: Pick a different id, or leave it empty to generate one", id)
		}
	}
	if c.Broker.Address == "" {
		return fmt.Errorf("configuration error: missing required field 'broker.address'\n\nHint: Point every node at the same broker:\n  [broker]\n  address = \"127.0.0.1:7420\"")
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"membership.heartbeat", c.Membership.Heartbeat},
		{"agents.kill_grace", c.Agents.KillGrace},
		{"rpc.timeout", c.RPC.Timeout},
		{"scheduler.balance_interval", c.Scheduler.BalanceInterval},
		{"scheduler.reconcile_interval", c.Scheduler.ReconcileInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("configuration error: '%s' must be positive, got %s\n\nHint: Durations use Go syntax, for example:\n  %s = \"5s\"", d.key, d.value, d.key[strings.LastIndex(d.key, ".")+1:])
		}
	}
	if c.Membership.Settle < 0 {
		return fmt.Errorf("configuration error: 'membership.settle' cannot be negative, got %s", c.Membership.Settle)
	}

	for _, name := range c.Daemons.Names {
		if _, err := daemons.Specs([]string{name}, daemons.Options{}); err != nil {
			return fmt.Errorf("configuration error: unknown daemon %q in 'daemons.names'\n\nHint: Known daemons are %s", name, strings.Join(daemons.DefaultNames, ", "))
		}
	}

	if _, _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("configuration error: invalid 'log.level': %w\n\nHint: Use one of debug, info, warn, error", err)
	}
	return nil
}

// DaemonSpecs returns the specs of the configured daemons.
func (c *Config) DaemonSpecs() ([]protocol.AgentSpec, error) {
	return daemons.Specs(c.Daemons.Names, daemons.Options{
		FSRoot:            c.FS.Root,
		ContractsPath:     c.Scheduler.ContractsPath,
		BalanceInterval:   c.Scheduler.BalanceInterval,
		ReconcileInterval: c.Scheduler.ReconcileInterval,
		RPCTimeout:        c.RPC.Timeout,
	})
}

// Marshal renders c as TOML with durations spelled out.
func (c *Config) Marshal() ([]byte, error) {
	doc := map[string]map[string]any{}
	for key, value := range c.settings() {
		section, name, _ := strings.Cut(key, ".")
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		if doc[section] == nil {
			doc[section] = map[string]any{}
		}
		doc[section][name] = value
	}
	return toml.Marshal(doc)
}

// SaveToFile writes the configuration to path with 0600 permissions.
func (c *Config) SaveToFile(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := fsutil.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

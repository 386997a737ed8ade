// Package config defines circuitd's on-disk/command-line configuration,
// parsed with github.com/jessevdk/go-flags the same way the teacher's
// own go-flags fork drives lnd.go's loadConfig: a single struct tagged
// with `long`/`description`, defaults filled in before parsing, parsed
// once at startup and passed down as a *Config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/circuitmesh/circuitd/internal/errs"
)

const (
	defaultStateDir        = "./circuitd-data"
	defaultListenEndpoint  = "tcp://0.0.0.0:8044"
	defaultStoreBackend    = "yaml"
	defaultHeartbeatMillis = 5000
	defaultRetryMillis     = 10000
	defaultDialMillis      = 10000
	defaultMetricsEndpoint = "127.0.0.1:9044"
)

// Config is circuitd's full runtime configuration.
type Config struct {
	NodeID   string `long:"node_id" description:"this node's identity; must match the id already persisted in state_dir, if any"`
	StateDir string `long:"state_dir" description:"directory holding node_id, the circuit store, and any other on-disk state"`

	ListenEndpoints []string `long:"listen" description:"endpoint(s) to accept inbound peer connections on, e.g. tcp://0.0.0.0:8044 (may be repeated)"`

	StoreBackend string `long:"store_backend" description:"circuit store backend: yaml or sql"`
	StoreDSN     string `long:"store_dsn" description:"data source for the sql store backend (sqlite://path or postgres://...); ignored for yaml"`

	HeartbeatIntervalMillis int `long:"heartbeat_interval_ms" description:"milliseconds between heartbeat emissions on idle connections"`
	RetryIntervalMillis     int `long:"retry_interval_ms" description:"milliseconds between RetryPending sweeps over disconnected peers"`
	DialTimeoutMillis       int `long:"dial_timeout_ms" description:"milliseconds to wait for an outbound connection attempt to complete"`

	MetricsEndpoint string `long:"metrics_endpoint" description:"address to serve Prometheus metrics on; empty disables the listener"`

	ConfigFile string `long:"config" description:"path to an INI config file; flags on the command line override it"`
}

// defaults returns a Config pre-populated with circuitd's defaults,
// mirroring the teacher's loadConfig default-then-override shape.
func defaults() *Config {
	return &Config{
		StateDir:                defaultStateDir,
		ListenEndpoints:         []string{defaultListenEndpoint},
		StoreBackend:            defaultStoreBackend,
		HeartbeatIntervalMillis: defaultHeartbeatMillis,
		RetryIntervalMillis:     defaultRetryMillis,
		DialTimeoutMillis:       defaultDialMillis,
		MetricsEndpoint:         defaultMetricsEndpoint,
	}
}

// Load parses args (typically os.Args[1:]) into a Config, applying
// defaults first, an INI file second if --config names one, and the
// command line last so it always wins, then validates the result.
func Load(args []string) (*Config, error) {
	cfg := defaults()

	preParser := flags.NewParser(cfg, flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, err
	}

	parser := flags.NewParser(cfg, flags.Default)

	if cfg.ConfigFile != "" {
		iniParser := flags.NewIniParser(parser)
		if err := iniParser.ParseFile(cfg.ConfigFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, errs.Internal(err, "parsing config file %s", cfg.ConfigFile)
			}
		}
	}

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.ListenEndpoints) == 0 {
		return errs.InvalidArgument("at least one --listen endpoint is required")
	}
	switch c.StoreBackend {
	case "yaml", "sql":
	default:
		return errs.InvalidArgument("store_backend must be \"yaml\" or \"sql\", got %q", c.StoreBackend)
	}
	if c.StoreBackend == "sql" && c.StoreDSN == "" {
		return errs.InvalidArgument("store_dsn is required when store_backend is \"sql\"")
	}
	if c.HeartbeatIntervalMillis <= 0 {
		return errs.InvalidArgument("heartbeat_interval_ms must be positive, got %d", c.HeartbeatIntervalMillis)
	}
	if c.RetryIntervalMillis <= 0 {
		return errs.InvalidArgument("retry_interval_ms must be positive, got %d", c.RetryIntervalMillis)
	}
	return nil
}

// StorePath joins name onto the configured state directory, creating
// the directory if it does not yet exist.
func (c *Config) StorePath(name string) (string, error) {
	if err := os.MkdirAll(c.StateDir, 0o700); err != nil {
		return "", errs.Internal(err, "creating state directory %s", c.StateDir)
	}
	return filepath.Join(c.StateDir, name), nil
}

// HeartbeatInterval is the configured heartbeat interval as a
// time.Duration, for the pacemaker that drives it.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMillis) * time.Millisecond
}

// RetryInterval is the configured RetryPending sweep interval as a
// time.Duration.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMillis) * time.Millisecond
}

// DialTimeout is the configured outbound-connect timeout as a
// time.Duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMillis) * time.Millisecond
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{node_id=%s state_dir=%s listen=%v store=%s}",
		c.NodeID, c.StateDir, c.ListenEndpoints, c.StoreBackend)
}

// Package config loads and validates the Finch server configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (FINCH_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/finchdb/finch/pkg/snapshot"
)

// ByteSize is a byte count that accepts human-readable strings in the
// configuration file ("64kb", "256mb", "1gb").
type ByteSize uint64

// Config represents the complete Finch configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains the connection machinery settings
	Server ServerConfig `mapstructure:"server"`

	// Store selects and configures the keyspace store
	Store StoreConfig `mapstructure:"store"`

	// Snapshot configures the optional S3 snapshot shuttle
	Snapshot SnapshotConfig `mapstructure:"snapshot"`

	// Metrics configures the optional Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// OutputBufferLimit bounds one client class's reply buffers. A breach of
// the hard limit disconnects immediately; staying over the soft limit for
// SoftSeconds disconnects as well. Zero disables a limit.
type OutputBufferLimit struct {
	HardLimit   ByteSize `mapstructure:"hard_limit"`
	SoftLimit   ByteSize `mapstructure:"soft_limit"`
	SoftSeconds int      `mapstructure:"soft_seconds" validate:"min=0"`
}

// ServerConfig contains the settings of the connection core.
type ServerConfig struct {
	// Port is the TCP port to listen on. 0 disables the TCP listener.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// Bind lists the addresses to bind. Empty means all interfaces,
	// which matters for protected mode.
	Bind []string `mapstructure:"bind"`

	// UnixSocket is the path of the local stream listener. Empty
	// disables it.
	UnixSocket string `mapstructure:"unix_socket"`

	// Threads is the number of event-loop threads.
	Threads int `mapstructure:"threads" validate:"min=0,max=64"`

	// MaxClients caps concurrently connected clients.
	MaxClients int `mapstructure:"max_clients" validate:"min=0"`

	// ProtectedMode refuses non-loopback connections when no bind
	// address and no password are configured.
	ProtectedMode bool `mapstructure:"protected_mode"`

	// RequirePass is the password of the default user. Empty means the
	// default user is passwordless.
	RequirePass string `mapstructure:"require_pass"`

	// TCPKeepAlive enables SO_KEEPALIVE on accepted sockets with the
	// given idle period. 0 disables it.
	TCPKeepAlive time.Duration `mapstructure:"tcp_keepalive" validate:"min=0"`

	// ThreadAffinity sets SO_INCOMING_CPU on accepted sockets to the
	// owning thread's index.
	ThreadAffinity bool `mapstructure:"thread_affinity"`

	// TestMode distributes new connections uniformly over the non-main
	// threads instead of keeping them on the accepting one.
	TestMode bool `mapstructure:"test_mode"`

	// MaxMemory is the memory pressure threshold consulted by the
	// socket writer. 0 means unlimited.
	MaxMemory ByteSize `mapstructure:"max_memory"`

	// MaxQuerybufLen disconnects clients whose pending query buffer
	// grows beyond this size.
	MaxQuerybufLen ByteSize `mapstructure:"max_querybuf_len"`

	// ProtoMaxBulkLen bounds a single bulk argument on the wire.
	ProtoMaxBulkLen ByteSize `mapstructure:"proto_max_bulk_len"`

	// OutputBufferLimits configures per-class reply buffer limits.
	// Known classes: normal, replica, pubsub.
	OutputBufferLimits map[string]OutputBufferLimit `mapstructure:"output_buffer_limits" validate:"dive"`

	// WriteBarrier orders write handlers before read handlers within one
	// loop iteration. Needed when a persistence collaborator fsyncs in
	// the before-sleep hook and replies must not overtake the fsync
	// point.
	WriteBarrier bool `mapstructure:"write_barrier"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

// StoreConfig selects the keyspace store implementation.
type StoreConfig struct {
	// Type specifies which store implementation to use.
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific configuration.
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// SnapshotConfig wraps the S3 shuttle configuration with an enable flag.
type SnapshotConfig struct {
	// Enabled turns the shuttle on.
	Enabled bool `mapstructure:"enabled"`

	// S3 is the bucket configuration, passed to the shuttle as-is. Its
	// required fields are checked by validateCustomRules, and only when
	// Enabled is set.
	S3 snapshot.Config `mapstructure:"s3" validate:"-"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled initializes the registry and serves /metrics.
	Enabled bool `mapstructure:"enabled"`

	// Addr is the listen address of the metrics HTTP server.
	Addr string `mapstructure:"addr"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// decodeHook handles the string conversions plain decoding lacks:
// duration strings and human-readable byte sizes.
func decodeHook() func(from, to reflect.Type, data any) (any, error) {
	byteSizeType := reflect.TypeOf(ByteSize(0))
	durationType := reflect.TypeOf(time.Duration(0))

	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		switch to {
		case durationType:
			d, err := time.ParseDuration(data.(string))
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q: %w", data, err)
			}
			return d, nil
		case byteSizeType:
			n, err := humanize.ParseBytes(data.(string))
			if err != nil {
				return nil, fmt.Errorf("invalid byte size %q: %w", data, err)
			}
			return ByteSize(n), nil
		}
		return data, nil
	}
}

func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the FINCH_ prefix and underscores.
	// Example: FINCH_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("FINCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is acceptable - use defaults.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if no home directory can be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "finch")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "finch")
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}

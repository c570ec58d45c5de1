// Package config loads and validates tazer-go's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pnnl-tazer/tazer-go/internal/bytesize"
)

// Config is the top-level tazer-go configuration.
//
// This structure captures everything needed to stand up a tazerd server or
// point a client-side cache hierarchy at one:
//   - Logging and telemetry (always carried, independent of which tiers are enabled)
//   - The set of cache tiers to build, in descending order
//   - The terminal network tier's server pool and thread pool sizes
//   - Optional object-store backing for the server side
//   - FileCacheRegister persistence mode
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (TAZER_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing and Pyroscope profiling.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics controls the Prometheus metrics HTTP endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Server contains the tazerd listen address and shutdown behavior.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Tiers configures the cache hierarchy, top to bottom.
	Tiers TiersConfig `mapstructure:"tiers" yaml:"tiers"`

	// Network configures the terminal NetworkCache tier and its thread pools.
	Network NetworkConfig `mapstructure:"network" yaml:"network"`

	// ObjectStore optionally backs the server's files with an S3-compatible store
	// instead of local disk.
	ObjectStore ObjectStoreConfig `mapstructure:"object_store" yaml:"object_store"`

	// Register configures FileCacheRegister persistence.
	Register RegisterConfig `mapstructure:"register" yaml:"register"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase).
	Level string `mapstructure:"level" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json.
	Format string `mapstructure:"format" yaml:"format"`

	// Output specifies where logs are written.
	// Valid values: stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use an insecure (non-TLS) connection.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the HTTP server are enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	Port int `mapstructure:"port" yaml:"port"`
}

// ServerConfig configures the tazerd listener.
type ServerConfig struct {
	// ListenAddress is the host:port the server binds for the wire protocol.
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// ConnectionsPath is the path to the server-connections file (§6): a text
	// file of '|'-separated "host:port" records describing the server pool.
	ConnectionsPath string `mapstructure:"connections_path" yaml:"connections_path"`

	// InitialPrefetchWindow is ServeFile's initial sliding-window size
	// (initialCompressTasks in spec terms).
	InitialPrefetchWindow int `mapstructure:"initial_prefetch_window" yaml:"initial_prefetch_window"`
}

// TierConfig sizes one cache tier: cacheSize/blockSize/associativity per §4.1,
// plus a toggle so a tier can be omitted from the hierarchy entirely.
type TierConfig struct {
	// Enabled toggles this tier's participation in the hierarchy.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Size is the tier's total capacity in bytes ("4MB", "1Gi", ...).
	Size bytesize.ByteSize `mapstructure:"size" yaml:"size"`

	// BlockSize is the fixed block size for this tier.
	BlockSize bytesize.ByteSize `mapstructure:"block_size" yaml:"block_size"`

	// Associativity is the number of slots per bin.
	Associativity uint32 `mapstructure:"associativity" yaml:"associativity"`

	// Path is the backing file/directory, for tiers that need one
	// (LocalFileCache, BoundedFilelockCache).
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// TiersConfig configures the cache hierarchy, top to bottom.
type TiersConfig struct {
	// Memory is the in-process heap tier.
	Memory TierConfig `mapstructure:"memory" yaml:"memory"`

	// SharedMemory is the POSIX-shm tier, visible to all processes on a host.
	SharedMemory TierConfig `mapstructure:"shared_memory" yaml:"shared_memory"`

	// LocalFile is the single-process local-disk tier.
	LocalFile TierConfig `mapstructure:"local_file" yaml:"local_file"`

	// BoundedFilelock is the cross-process, flock-coordinated disk tier.
	BoundedFilelock TierConfig `mapstructure:"bounded_filelock" yaml:"bounded_filelock"`
}

// NetworkConfig configures the terminal NetworkCache tier.
type NetworkConfig struct {
	// Enabled toggles the terminal network tier (use_server_network_cache).
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// TransferThreads sizes the transfer (I/O-bound) thread pool.
	TransferThreads int `mapstructure:"transfer_threads" yaml:"transfer_threads"`

	// DecompressionThreads sizes the decompression (CPU-bound) thread pool.
	DecompressionThreads int `mapstructure:"decompression_threads" yaml:"decompression_threads"`

	// MaxRetries is the number of servers to try before a Request fails with TransportFailure.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// WantCompressed requests that the server compress blocks before sending.
	WantCompressed bool `mapstructure:"want_compressed" yaml:"want_compressed"`
}

// ObjectStoreConfig optionally backs ServeFile's metadata/data resolution with
// an S3-compatible object store instead of local disk.
type ObjectStoreConfig struct {
	// Enabled toggles the S3-backed cold path.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Bucket is the S3 bucket name.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the AWS region.
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint, for S3-compatible services.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// KeyPrefix is prepended to every object key.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	// ForcePathStyle enables path-style addressing (required by some S3-compatible services).
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`

	// MaxRetries is the SDK-level retry count for transient failures.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// RegisterConfig selects FileCacheRegister's persistence mode.
type RegisterConfig struct {
	// Mode is "memory" (process-local, lost on restart) or "badger" (persisted,
	// cross-process via a well-known directory).
	Mode string `mapstructure:"mode" yaml:"mode"`

	// Path is the badger database directory, used when Mode is "badger".
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (TAZER_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages, pointing the user
// at `tazerctl config init` if no config file exists at the default location.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Initialize one first:\n"+
				"  tazerctl config init\n\n"+
				"Or specify a custom config file:\n"+
				"  tazerd --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variable and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("TAZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for ByteSize and time.Duration.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so config
// files can use human-readable sizes like "4MB" or "1Gi".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can use
// human-readable durations like "30s" or "5m".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path, preferring
// XDG_CONFIG_HOME and falling back to ~/.config, then ".".
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tazer")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "tazer")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the init command).
func GetConfigDir() string {
	return getConfigDir()
}

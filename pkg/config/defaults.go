package config

import (
	"strings"
	"time"

	"github.com/pnnl-tazer/tazer-go/internal/bytesize"
)

// ApplyDefaults fills in any unspecified configuration fields with sensible
// defaults. Called after loading configuration from file and environment
// variables.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyServerDefaults(&cfg.Server)
	applyTiersDefaults(&cfg.Tiers)
	applyNetworkDefaults(&cfg.Network)
	applyObjectStoreDefaults(&cfg.ObjectStore)
	applyRegisterDefaults(&cfg.Register)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{"cpu", "alloc_objects", "alloc_space", "inuse_objects", "inuse_space", "goroutines"}
	}
}

// applyMetricsDefaults sets Prometheus metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyServerDefaults sets tazerd listener defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":9753"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ConnectionsPath == "" {
		cfg.ConnectionsPath = "/etc/tazer/connections"
	}
	if cfg.InitialPrefetchWindow == 0 {
		cfg.InitialPrefetchWindow = 4
	}
}

// applyTiersDefaults sets per-tier defaults. Block size and associativity
// default the same across tiers; size and path are tier-specific.
func applyTiersDefaults(cfg *TiersConfig) {
	applyTierDefaults(&cfg.Memory, bytesize.ByteSize(64*bytesize.MiB), "")
	applyTierDefaults(&cfg.SharedMemory, bytesize.ByteSize(256*bytesize.MiB), "/tazer-shared")
	applyTierDefaults(&cfg.LocalFile, bytesize.ByteSize(1*bytesize.GiB), "/var/lib/tazer/local")
	applyTierDefaults(&cfg.BoundedFilelock, bytesize.ByteSize(4*bytesize.GiB), "/var/lib/tazer/filelock/cache.dat")

	// Memory tier is on by default; the rest are opt-in via config or env.
	if !cfg.Memory.Enabled && cfg.Memory.Size == 0 {
		cfg.Memory.Enabled = true
	}
}

func applyTierDefaults(cfg *TierConfig, defaultSize bytesize.ByteSize, defaultPath string) {
	if cfg.Size == 0 {
		cfg.Size = defaultSize
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = bytesize.ByteSize(4 * bytesize.MiB)
	}
	if cfg.Associativity == 0 {
		cfg.Associativity = 4
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
}

// applyNetworkDefaults sets NetworkCache and thread pool defaults.
func applyNetworkDefaults(cfg *NetworkConfig) {
	if cfg.TransferThreads == 0 {
		cfg.TransferThreads = 8
	}
	if cfg.DecompressionThreads == 0 {
		cfg.DecompressionThreads = 4
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
}

// applyObjectStoreDefaults sets S3-compatible object store defaults.
func applyObjectStoreDefaults(cfg *ObjectStoreConfig) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "blocks/"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
}

// applyRegisterDefaults sets FileCacheRegister persistence defaults.
func applyRegisterDefaults(cfg *RegisterConfig) {
	if cfg.Mode == "" {
		cfg.Mode = "memory"
	}
	if cfg.Mode == "badger" && cfg.Path == "" {
		cfg.Path = "/var/lib/tazer/register"
	}
}

// GetDefaultConfig returns a Config with all default values applied. Useful
// for generating sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pnnl-tazer/tazer-go/internal/logger"
	"github.com/pnnl-tazer/tazer-go/internal/telemetry"
	blockss3 "github.com/pnnl-tazer/tazer-go/pkg/blocks/store/s3"
	"github.com/pnnl-tazer/tazer-go/pkg/cache/filelock"
	"github.com/pnnl-tazer/tazer-go/pkg/cache/localfile"
	"github.com/pnnl-tazer/tazer-go/pkg/cache/memory"
	"github.com/pnnl-tazer/tazer-go/pkg/cache/sharedmemory"
	"github.com/pnnl-tazer/tazer-go/pkg/config"
	"github.com/pnnl-tazer/tazer-go/pkg/hierarchy"
	"github.com/pnnl-tazer/tazer-go/pkg/metrics"
	"github.com/pnnl-tazer/tazer-go/pkg/metrics/prometheus"
	"github.com/pnnl-tazer/tazer-go/pkg/register"
	"github.com/pnnl-tazer/tazer-go/pkg/server"
	"github.com/pnnl-tazer/tazer-go/pkg/source"
	"github.com/pnnl-tazer/tazer-go/pkg/threadpool"
)

// serverCompressionThreads sizes the shared pool tazerd uses for block
// resolution, compression, and prefetch work. The original carries a
// config knob for this (Config::numServerCompThreads); tazerd hardcodes
// it instead of growing the config surface for a single tuning value.
const serverCompressionThreads = 8

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tazerd block-cache server",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "tazerd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "tazerd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("init profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Warn("profiling shutdown failed", "error", err)
		}
	}()

	logger.Info("tazerd starting",
		"version", Version,
		"telemetry_enabled", telemetry.IsEnabled(),
		"profiling_enabled", telemetry.IsProfilingEnabled(),
	)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metricsServer = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port))
		metricsServer.Start()
		defer func() {
			if err := metricsServer.Close(5 * time.Second); err != nil {
				logger.Warn("metrics server shutdown failed", "error", err)
			}
		}()
		logger.Info("metrics server listening", "port", cfg.Metrics.Port)
	}

	reg, closeRegister, err := buildRegister(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegister()

	pool := threadpool.New(serverCompressionThreads)

	hier, err := buildHierarchy(ctx, cfg, reg, pool)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		ListenAddress:         cfg.Server.ListenAddress,
		BlockSize:             hierarchyBlockSize(cfg),
		InitialPrefetchWindow: cfg.Server.InitialPrefetchWindow,
	}, reg, hier, pool)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("server exited: %w", err)
		}
		return nil
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown did not complete cleanly", "error", err)
		}
		<-serverDone
		return nil
	}
}

// hierarchyBlockSize resolves the single block size the server's wire
// protocol and every tier share, from the first enabled tier in
// cfg.Tiers. validation.go enforces per-tier internal consistency but not
// cross-tier agreement, so a mismatched tier is logged and otherwise
// ignored rather than rejected outright.
func hierarchyBlockSize(cfg *config.Config) uint32 {
	tiers := []config.TierConfig{cfg.Tiers.Memory, cfg.Tiers.SharedMemory, cfg.Tiers.LocalFile, cfg.Tiers.BoundedFilelock}

	var blockSize uint32
	for _, t := range tiers {
		if !t.Enabled {
			continue
		}
		bs := uint32(t.BlockSize)
		if blockSize == 0 {
			blockSize = bs
		} else if bs != blockSize {
			logger.Warn("tier block size disagrees with hierarchy block size",
				"hierarchy_block_size", blockSize, "tier_block_size", bs)
		}
	}

	if blockSize == 0 {
		blockSize = uint32(cfg.Tiers.Memory.BlockSize)
	}
	return blockSize
}

// shmSegmentName turns a configured shared_memory tier path (e.g.
// "/tazer-shared", matching POSIX shm_open's leading-slash naming
// convention) into the bare name pkg/cache/sharedmemory uses to build its
// /dev/shm file path.
func shmSegmentName(path string) string {
	return strings.TrimPrefix(path, "/")
}

func buildRegister(ctx context.Context, cfg *config.Config) (*register.Register, func(), error) {
	switch cfg.Register.Mode {
	case "badger":
		persist, err := register.OpenBadgerPersistence(cfg.Register.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger register: %w", err)
		}

		reg, err := register.New(persist)
		if err != nil {
			_ = persist.Close()
			return nil, nil, fmt.Errorf("build register: %w", err)
		}

		stop := make(chan struct{})
		go sampleBadgerMetrics(ctx, persist, stop)

		return reg, func() {
			close(stop)
			_ = persist.Close()
		}, nil

	default:
		reg, err := register.New(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("build register: %w", err)
		}
		return reg, func() {}, nil
	}
}

// sampleBadgerMetrics periodically reports BadgerDB's internal block/index
// cache hit ratios, since those ratios are cumulative counters rather than
// something the register can report on every call.
func sampleBadgerMetrics(ctx context.Context, persist *register.BadgerPersistence, stop <-chan struct{}) {
	m := prometheus.NewBadgerMetrics()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			persist.SampleCacheMetrics(m)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func buildHierarchy(ctx context.Context, cfg *config.Config, reg *register.Register, pool *threadpool.Pool) (*hierarchy.Hierarchy, error) {
	cacheMetrics := metrics.NewCacheMetrics()

	var tiers []hierarchy.Tier

	if cfg.Tiers.Memory.Enabled {
		t := cfg.Tiers.Memory
		tiers = append(tiers, memory.New("memory", uint64(t.Size), uint32(t.BlockSize), t.Associativity, cacheMetrics))
	}

	if cfg.Tiers.SharedMemory.Enabled {
		t := cfg.Tiers.SharedMemory
		tier, err := sharedmemory.New(shmSegmentName(t.Path), uint64(t.Size), uint32(t.BlockSize), t.Associativity, cacheMetrics)
		if err != nil {
			return nil, fmt.Errorf("build shared_memory tier: %w", err)
		}
		tiers = append(tiers, tier)
	}

	if cfg.Tiers.LocalFile.Enabled {
		t := cfg.Tiers.LocalFile
		tier, err := localfile.New("local_file", t.Path, uint64(t.Size), uint32(t.BlockSize), t.Associativity, cacheMetrics)
		if err != nil {
			return nil, fmt.Errorf("build local_file tier: %w", err)
		}
		tiers = append(tiers, tier)
	}

	if cfg.Tiers.BoundedFilelock.Enabled {
		t := cfg.Tiers.BoundedFilelock
		tier, err := filelock.New("bounded_filelock", t.Path, uint64(t.Size), uint32(t.BlockSize), t.Associativity, cacheMetrics)
		if err != nil {
			return nil, fmt.Errorf("build bounded_filelock tier: %w", err)
		}
		tiers = append(tiers, tier)
	}

	origin, err := buildOrigin(ctx, cfg, reg, pool)
	if err != nil {
		return nil, err
	}
	tiers = append(tiers, origin)

	return hierarchy.New(tiers...), nil
}

func buildOrigin(ctx context.Context, cfg *config.Config, reg *register.Register, pool *threadpool.Pool) (hierarchy.Tier, error) {
	if !cfg.ObjectStore.Enabled {
		return source.NewDiskOrigin("origin", reg, pool, hierarchyBlockSize(cfg)), nil
	}

	store, err := blockss3.NewFromConfig(ctx, blockss3.Config{
		Bucket:         cfg.ObjectStore.Bucket,
		Region:         cfg.ObjectStore.Region,
		Endpoint:       cfg.ObjectStore.Endpoint,
		KeyPrefix:      cfg.ObjectStore.KeyPrefix,
		ForcePathStyle: cfg.ObjectStore.ForcePathStyle,
		MaxRetries:     cfg.ObjectStore.MaxRetries,
	}, prometheus.NewS3Metrics())
	if err != nil {
		return nil, fmt.Errorf("build object-store origin: %w", err)
	}

	return source.NewObjectOrigin("origin", reg, store, pool), nil
}

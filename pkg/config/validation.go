package config

import "fmt"

// Validate checks a loaded Config for internal consistency beyond what
// ApplyDefaults can paper over: sizes must divide evenly, at least one tier
// must be enabled, and the network tier's pools must be sized when enabled.
func Validate(cfg *Config) error {
	if err := validateTiers(&cfg.Tiers); err != nil {
		return err
	}
	if err := validateNetwork(&cfg.Network); err != nil {
		return err
	}
	if cfg.Register.Mode != "memory" && cfg.Register.Mode != "badger" {
		return fmt.Errorf("register.mode must be \"memory\" or \"badger\", got %q", cfg.Register.Mode)
	}
	return nil
}

func validateTiers(cfg *TiersConfig) error {
	tiers := map[string]*TierConfig{
		"memory":           &cfg.Memory,
		"shared_memory":    &cfg.SharedMemory,
		"local_file":       &cfg.LocalFile,
		"bounded_filelock": &cfg.BoundedFilelock,
	}

	anyEnabled := false
	for name, t := range tiers {
		if !t.Enabled {
			continue
		}
		anyEnabled = true
		if err := validateTier(name, t); err != nil {
			return err
		}
	}

	if !anyEnabled {
		return fmt.Errorf("at least one cache tier must be enabled")
	}
	return nil
}

func validateTier(name string, t *TierConfig) error {
	if t.BlockSize == 0 {
		return fmt.Errorf("tiers.%s.block_size must be > 0", name)
	}
	if t.Associativity == 0 {
		return fmt.Errorf("tiers.%s.associativity must be > 0", name)
	}
	if uint64(t.Size)%uint64(t.BlockSize) != 0 {
		return fmt.Errorf("tiers.%s.size (%s) must be a multiple of block_size (%s)", name, t.Size, t.BlockSize)
	}
	numBlocks := uint64(t.Size) / uint64(t.BlockSize)
	if numBlocks%uint64(t.Associativity) != 0 {
		return fmt.Errorf("tiers.%s: numBlocks (%d) must be a multiple of associativity (%d)", name, numBlocks, t.Associativity)
	}
	if (name == "local_file" || name == "bounded_filelock") && t.Path == "" {
		return fmt.Errorf("tiers.%s.path is required", name)
	}
	return nil
}

func validateNetwork(cfg *NetworkConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.TransferThreads <= 0 {
		return fmt.Errorf("network.transfer_threads must be > 0 when network is enabled")
	}
	if cfg.DecompressionThreads <= 0 {
		return fmt.Errorf("network.decompression_threads must be > 0 when network is enabled")
	}
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("network.max_retries must be > 0 when network is enabled")
	}
	return nil
}

package config

import "testing"

func TestValidate_RejectsNoTiersEnabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Tiers.Memory.Enabled = false
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error when no tier is enabled")
	}
}

func TestValidate_RejectsSizeNotMultipleOfBlockSize(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Tiers.Memory.Size = 100
	cfg.Tiers.Memory.BlockSize = 7
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error when size is not a multiple of block_size")
	}
}

func TestValidate_RejectsNumBlocksNotMultipleOfAssociativity(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Tiers.Memory.Size = 12
	cfg.Tiers.Memory.BlockSize = 4
	cfg.Tiers.Memory.Associativity = 5 // numBlocks == 3, not a multiple of 5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error when numBlocks is not a multiple of associativity")
	}
}

func TestValidate_RejectsMissingPathForDiskTiers(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Tiers.LocalFile.Enabled = true
	cfg.Tiers.LocalFile.Path = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error when a disk-backed tier has no path")
	}
}

func TestValidate_RejectsZeroNetworkPoolsWhenEnabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Network.Enabled = true
	cfg.Network.TransferThreads = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error when network is enabled with zero transfer threads")
	}
}

func TestValidate_RejectsUnknownRegisterMode(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Register.Mode = "postgres"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for an unknown register mode")
	}
}

package config

import "testing"

func TestGetDefaultConfig_PassesValidation(t *testing.T) {
	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate cleanly, got: %v", err)
	}
}

func TestApplyTierDefaults_BlockSizeAndAssociativity(t *testing.T) {
	var tier TierConfig
	applyTierDefaults(&tier, 1024, "/tmp/x")

	if tier.Size != 1024 {
		t.Errorf("expected size 1024, got %d", tier.Size)
	}
	if tier.BlockSize == 0 {
		t.Errorf("expected a non-zero default block size")
	}
	if tier.Associativity == 0 {
		t.Errorf("expected a non-zero default associativity")
	}
	if tier.Path != "/tmp/x" {
		t.Errorf("expected default path to be applied, got %q", tier.Path)
	}
}

func TestApplyTierDefaults_PreservesExplicitValues(t *testing.T) {
	tier := TierConfig{Size: 2048, BlockSize: 512, Associativity: 2, Path: "/explicit"}
	applyTierDefaults(&tier, 1024, "/tmp/x")

	if tier.Size != 2048 || tier.BlockSize != 512 || tier.Associativity != 2 || tier.Path != "/explicit" {
		t.Errorf("explicit values should not be overwritten, got %+v", tier)
	}
}

func TestApplyRegisterDefaults_BadgerModeGetsPath(t *testing.T) {
	cfg := RegisterConfig{Mode: "badger"}
	applyRegisterDefaults(&cfg)
	if cfg.Path == "" {
		t.Errorf("expected a default path for badger mode")
	}
}

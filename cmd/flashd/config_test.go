package main

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58"
)

const testProgramID = "11111111111111111111111111111111"

func setRequired(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLASH_RPC_ENDPOINT", "http://127.0.0.1:8899")
	t.Setenv("FLASH_PROGRAM_ID", testProgramID)
	t.Setenv("FLASH_FEE_PAYER_KEY", base58.Encode(key))
	return key
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Threshold != 100_000 || cfg.AmountPolicy != "strict" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SettleInterval != 30*time.Second || cfg.DrainTimeout != 10*time.Second {
		t.Errorf("durations = %v %v", cfg.SettleInterval, cfg.DrainTimeout)
	}
	if len(cfg.flashOptions()) != 5 {
		t.Errorf("flashOptions = %d options, want 5", len(cfg.flashOptions()))
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"MissingEndpoint", "FLASH_RPC_ENDPOINT", ""},
		{"BadProgramID", "FLASH_PROGRAM_ID", "0OIl"},
		{"ShortKey", "FLASH_FEE_PAYER_KEY", base58.Encode([]byte{1, 2, 3})},
		{"BadPolicy", "FLASH_AMOUNT_POLICY", "generous"},
		{"BadThreshold", "FLASH_THRESHOLD", "-1"},
		{"BadLevel", "FLASH_LOG_LEVEL", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := loadConfig()
			var fatal *FatalConfigError
			if !errors.As(err, &fatal) {
				t.Fatalf("err = %v, want FatalConfigError", err)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	full, err := parseKey(base58.Encode(key))
	if err != nil {
		t.Fatal(err)
	}
	seed, err := parseKey(base58.Encode(key.Seed()))
	if err != nil {
		t.Fatal(err)
	}
	if !full.Equal(seed) {
		t.Error("seed and full key decode to different keys")
	}
}

func TestServeRejectsMissingConfig(t *testing.T) {
	t.Setenv("FLASH_RPC_ENDPOINT", "")
	t.Setenv("FLASH_PROGRAM_ID", "")
	t.Setenv("FLASH_FEE_PAYER_KEY", "")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve"})
	err := cmd.Execute()
	var fatal *FatalConfigError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalConfigError", err)
	}
	if !strings.Contains(err.Error(), "FLASH_RPC_ENDPOINT") {
		t.Errorf("error does not name the missing variable: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != version {
		t.Errorf("version = %q, want %q", got, version)
	}
}

package extension

import (
	"testing"
	"time"
)

func TestMergeWithDefaults(t *testing.T) {
	got := mergeWithDefaults(Config{Threshold: 5, AmountPolicy: "permissive"})
	want := DefaultConfig()
	want.Threshold = 5
	want.AmountPolicy = "permissive"
	if got != want {
		t.Errorf("mergeWithDefaults = %+v, want %+v", got, want)
	}
}

func TestMergeConfigurations(t *testing.T) {
	tests := []struct {
		name         string
		yaml, code   Config
		wantPolicy   string
		wantRPC      string
		wantInterval time.Duration
		wantMigrate  bool
	}{
		{
			name:         "YAMLWins",
			yaml:         Config{AmountPolicy: "permissive", SettleInterval: time.Minute},
			code:         Config{AmountPolicy: "strict", SettleInterval: time.Second},
			wantPolicy:   "permissive",
			wantInterval: time.Minute,
		},
		{
			name:         "CodeFillsGaps",
			yaml:         Config{},
			code:         Config{RPCEndpoint: "http://rpc", SettleInterval: time.Second},
			wantPolicy:   "strict",
			wantRPC:      "http://rpc",
			wantInterval: time.Second,
		},
		{
			name:         "DisableMigrateFromCode",
			yaml:         Config{},
			code:         Config{DisableMigrate: true},
			wantPolicy:   "strict",
			wantInterval: 30 * time.Second,
			wantMigrate:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeConfigurations(tt.yaml, tt.code)
			if got.AmountPolicy != tt.wantPolicy {
				t.Errorf("AmountPolicy = %q, want %q", got.AmountPolicy, tt.wantPolicy)
			}
			if got.RPCEndpoint != tt.wantRPC {
				t.Errorf("RPCEndpoint = %q, want %q", got.RPCEndpoint, tt.wantRPC)
			}
			if got.SettleInterval != tt.wantInterval {
				t.Errorf("SettleInterval = %v, want %v", got.SettleInterval, tt.wantInterval)
			}
			if got.DisableMigrate != tt.wantMigrate {
				t.Errorf("DisableMigrate = %v", got.DisableMigrate)
			}
			if got.StoreDriver != DriverMemory {
				t.Errorf("StoreDriver = %q", got.StoreDriver)
			}
		})
	}
}

func TestBuildStore(t *testing.T) {
	e := New()
	st, err := e.buildStore()
	if err != nil || st == nil {
		t.Fatalf("buildStore without grove = %v, %v", st, err)
	}

	e = New(WithConfig(Config{RPCEndpoint: ""}))
	if _, err := e.buildLedger(); err == nil {
		t.Error("buildLedger without endpoint succeeded")
	}

	e = New(WithConfig(Config{RPCEndpoint: "http://rpc", ProgramID: "not-base58-0OIl"}))
	if _, err := e.buildLedger(); err == nil {
		t.Error("buildLedger with bad program id succeeded")
	}
}

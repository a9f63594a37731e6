package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const sample = `
ledger:
  superAdmin: "0x0000000000000000000000000000000000000001"
  custody: "0x00000000000000000000000000000000000000cc"
  symbol: CRED
  cap: "1000000"
server:
  httpAddr: ":7000"
  redisAddr: "localhost:6379"
  checkpointInterval: 30s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "merit.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.Symbol != "CRED" || cfg.Ledger.Name != "Campus Merit" {
		t.Fatalf("file values and defaults not merged: %+v", cfg.Ledger)
	}
	if cfg.Server.HTTPAddr != ":7000" || cfg.Server.GRPCAddr != ":9090" {
		t.Fatalf("unexpected addrs: %+v", cfg.Server)
	}
	if cfg.Server.CheckpointInterval != 30*time.Second {
		t.Fatalf("unexpected interval %v", cfg.Server.CheckpointInterval)
	}

	ec, err := cfg.EngineConfig()
	if err != nil {
		t.Fatalf("engine config: %v", err)
	}
	if ec.SuperAdmin != common.HexToAddress("0x01") || ec.Asset.Cap.Uint64() != 1_000_000 {
		t.Fatalf("unexpected engine config: %+v", ec)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MERIT_HTTP_ADDR", ":9999")
	t.Setenv("MERIT_PG_DSN", "postgres://merit@db/merit")
	t.Setenv("MERIT_TRACE_ENDPOINT", "otel:4318")
	t.Setenv("MERIT_REDIS_DB", "3")

	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":9999" || cfg.Server.PostgresDsn != "postgres://merit@db/merit" {
		t.Fatalf("env not applied: %+v", cfg.Server)
	}
	if !cfg.Server.EnableTrace || cfg.Server.TraceEndpoint != "otel:4318" {
		t.Fatalf("trace endpoint should enable tracing: %+v", cfg.Server)
	}
	if cfg.Server.RedisDB != 3 {
		t.Fatalf("unexpected redis db %d", cfg.Server.RedisDB)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", sample + "  bogus: 1\n", "parse config"},
		{"missing admin", strings.Replace(sample, "0x0000000000000000000000000000000000000001", "", 1), "ledger.superAdmin"},
		{"custody is admin", strings.Replace(sample, "0x00000000000000000000000000000000000000cc", "0x0000000000000000000000000000000000000001", 1), "must differ"},
		{"bad cap", strings.Replace(sample, `"1000000"`, `"lots"`, 1), "ledger.cap"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	t.Setenv("MERIT_REDIS_DB", "x")
	if _, err := Load(writeConfig(t, sample)); err == nil {
		t.Fatalf("non-numeric MERIT_REDIS_DB must fail")
	}
}

func TestLoadWithoutFileUsesEnv(t *testing.T) {
	t.Setenv("MERIT_SUPER_ADMIN", "0x00000000000000000000000000000000000000aa")
	t.Setenv("MERIT_CUSTODY", "0x00000000000000000000000000000000000000bb")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.Cap != "0" || cfg.Server.RateBurst != 20 {
		t.Fatalf("defaults missing: %+v", cfg)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file must fail")
	}
}

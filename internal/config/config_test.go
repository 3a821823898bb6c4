package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadServerConfig(t *testing.T) {
	t.Run("creates defaults", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")
		cfg, err := LoadServerConfig(dir)
		if err != nil {
			t.Fatal(err)
		}
		if *cfg != Default() {
			t.Errorf("cfg = %+v", cfg)
		}
		if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
			t.Errorf("config not written: %v", err)
		}
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		dir := t.TempDir()
		data := `{"quotas": {"max_asset_bytes": 1024}, "surface": {"active_opacity": 0.5}}`
		if err := os.WriteFile(filepath.Join(dir, FileName), []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadServerConfig(dir)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Quotas.MaxAssetBytes != 1024 || cfg.Surface.ActiveOpacity != 0.5 {
			t.Errorf("cfg = %+v", cfg)
		}
		if cfg.Quotas.MaxAssets != 200 || cfg.Surface.EmptyLabel != "Nenhum" || cfg.Import.Concurrency != 4 {
			t.Errorf("defaults lost: %+v", cfg)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		tests := []struct {
			name string
			data string
		}{
			{"syntax", `{`},
			{"asset bytes", `{"quotas": {"max_asset_bytes": 0}}`},
			{"max assets", `{"quotas": {"max_assets": -1}}`},
			{"rate", `{"rate_limits": {"write_rate_per_min": -1}}`},
			{"opacity", `{"surface": {"active_opacity": 1.5}}`},
			{"concurrency", `{"import": {"concurrency": 0}}`},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				dir := t.TempDir()
				if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.data), 0o600); err != nil {
					t.Fatal(err)
				}
				if _, err := LoadServerConfig(dir); err == nil {
					t.Error("LoadServerConfig() succeeded")
				}
			})
		}
	})

	t.Run("save round trip", func(t *testing.T) {
		dir := t.TempDir()
		cfg := Default()
		cfg.RateLimits.ImportRatePerMin = 1
		if err := cfg.Save(dir); err != nil {
			t.Fatal(err)
		}
		got, err := LoadServerConfig(dir)
		if err != nil {
			t.Fatal(err)
		}
		if *got != cfg {
			t.Errorf("got %+v", got)
		}
		cfg.Quotas.MaxAssetBytes = -1
		if err := cfg.Save(dir); err == nil {
			t.Error("Save() accepted invalid config")
		}
	})
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := strings.Join([]string{
		"# comment",
		"",
		"HTTP=:9000",
		`LOG_LEVEL="debug"`,
		"BACKDROP_KV=meta.db",
		"export INBOX=/tmp/inbox",
		"malformed line",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BACKDROP_HTTP", "localhost:7000")
	t.Setenv("BACKDROP_BLOBS", "sqlite:blobs")
	e, err := LoadEnv(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := Env{HTTP: "localhost:7000", LogLevel: "debug", KV: "meta.db", Blobs: "sqlite:blobs", Inbox: "/tmp/inbox"}
	if *e != want {
		t.Errorf("LoadEnv() = %+v, want %+v", *e, want)
	}
}

func TestLoadDotEnv(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		vars, err := LoadDotEnv(t.TempDir())
		if err != nil || len(vars) != 0 {
			t.Errorf("LoadDotEnv() = %v, %v", vars, err)
		}
	})
	for _, line := range []string{"A='x'", `A="unterminated`, "A=x'"} {
		t.Run(line, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(line+"\n"), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadDotEnv(dir); err == nil {
				t.Errorf("LoadDotEnv(%q) succeeded", line)
			}
		})
	}
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Requests.NumberPrefix != "AFT" || cfg.IdempotencyTTL() != 10*time.Minute || cfg.LogLevel() != slog.LevelInfo {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("requests:\n  number_prefix: XFER\nlog:\n  level: debug\n  format: text\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Requests.NumberPrefix != "XFER" || cfg.LogLevel() != slog.LevelDebug {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("defaults lost: %q", cfg.Server.Addr)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"prefix":   "requests:\n  number_prefix: aft\n",
		"ttl":      "idempotency:\n  ttl: soon\n",
		"format":   "log:\n  format: xml\n",
		"basepath": "server:\n  base_path: api\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Requests.NumberPrefix != "AFT" {
		t.Fatalf("unexpected prefix %q", cfg.Requests.NumberPrefix)
	}
	if err := os.WriteFile(filepath.Join(dir, "aft.yml"), []byte(strings.Replace(GenerateDefault(), "AFT", "DT", 1)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil || cfg.Requests.NumberPrefix != "DT" {
		t.Fatalf("load file: %+v %v", cfg, err)
	}
}

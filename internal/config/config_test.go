package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ecm")
	t.Setenv("UPSTREAM_URL", "http://upstream:9191")

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "/nonexistent/.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.StreamProbeTimeout != 30*time.Second {
			t.Errorf("StreamProbeTimeout = %v, want 30s", cfg.StreamProbeTimeout)
		}
		if cfg.StrikeThreshold != 3 {
			t.Errorf("StrikeThreshold = %d, want 3", cfg.StrikeThreshold)
		}
		if cfg.StreamNameSampleCap != 500 {
			t.Errorf("StreamNameSampleCap = %d, want 500", cfg.StreamNameSampleCap)
		}
	})

	t.Run("env_overrides_default", func(t *testing.T) {
		t.Setenv("MAX_CONCURRENT_PROBES", "12")
		t.Setenv("CODEC_PREFERENCE", "h264,hevc")
		cfg, err := Load(Overrides{EnvFile: "/nonexistent/.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MaxConcurrentProbes != 12 {
			t.Errorf("MaxConcurrentProbes = %d, want 12", cfg.MaxConcurrentProbes)
		}
		if len(cfg.CodecPreference) != 2 || cfg.CodecPreference[0] != "h264" {
			t.Errorf("CodecPreference = %v, want [h264 hevc]", cfg.CodecPreference)
		}
	})

	t.Run("cli_flag_wins", func(t *testing.T) {
		t.Setenv("HTTP_ADDR", ":9000")
		cfg, err := Load(Overrides{EnvFile: "/nonexistent/.env", HTTPAddr: ":7000"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":7000" {
			t.Errorf("HTTPAddr = %q, want :7000 (flag beats env)", cfg.HTTPAddr)
		}
	})

	t.Run("missing_required", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		if _, err := Load(Overrides{EnvFile: "/nonexistent/.env"}); err == nil {
			t.Error("expected error when DATABASE_URL is empty")
		}
	})
}

func TestSettingsFiles(t *testing.T) {
	type blob struct {
		Token string `json:"token"`
	}
	dir := filepath.Join(t.TempDir(), "cfg")

	t.Run("missing_file", func(t *testing.T) {
		var b blob
		if err := ReadSettingsFile(dir, "tls.json", &b); err != ErrNoSettingsFile {
			t.Errorf("err = %v, want ErrNoSettingsFile", err)
		}
	})

	t.Run("round_trip_with_modes", func(t *testing.T) {
		if err := WriteSettingsFile(dir, "tls.json", blob{Token: "s3cret"}); err != nil {
			t.Fatalf("WriteSettingsFile: %v", err)
		}

		var b blob
		if err := ReadSettingsFile(dir, "tls.json", &b); err != nil {
			t.Fatalf("ReadSettingsFile: %v", err)
		}
		if b.Token != "s3cret" {
			t.Errorf("Token = %q, want s3cret", b.Token)
		}

		di, err := os.Stat(dir)
		if err != nil {
			t.Fatal(err)
		}
		if di.Mode().Perm() != 0o700 {
			t.Errorf("dir mode = %o, want 0700", di.Mode().Perm())
		}
		fi, err := os.Stat(filepath.Join(dir, "tls.json"))
		if err != nil {
			t.Fatal(err)
		}
		if fi.Mode().Perm() != 0o600 {
			t.Errorf("file mode = %o, want 0600", fi.Mode().Perm())
		}
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// inDir runs the test with a temporary working directory.
func inDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inDir(t)
	t.Setenv("CONFIG_ENV", "none")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || cfg.Mode != "release" {
		t.Fatalf("unexpected base config %+v", cfg)
	}
	if cfg.Signal.Transport != "ws" || cfg.Signal.ReadyTimeout != 10*time.Second || cfg.Signal.PingPeriod != 25*time.Second {
		t.Fatalf("signal defaults %+v", cfg.Signal)
	}
	if cfg.Engine.SettleDelay != 500*time.Millisecond {
		t.Fatalf("settle delay %v", cfg.Engine.SettleDelay)
	}
	if len(cfg.Engine.ICEServers) != 1 || cfg.Engine.ICEServers[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("ice servers %v", cfg.Engine.ICEServers)
	}
	if cfg.Clock.Tick != time.Second || cfg.Directory.CacheSize != 256 || cfg.Hub.Port != 8090 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := inDir(t)
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := []byte(`
mode: debug
port: 9000
signal:
  transport: mqtt
  ready_timeout: 3s
engine:
  settle_delay: 250ms
directory:
  url: http://dir.local/api
`)
	if err := os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CALL_HUB_PORT=7001\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("CALL_PORT", "9100")
	t.Cleanup(func() { _ = os.Unsetenv("CALL_HUB_PORT") })

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "debug" {
		t.Fatalf("mode %q", cfg.Mode)
	}
	if cfg.Port != 9100 {
		t.Fatalf("env override lost: port %d", cfg.Port)
	}
	if cfg.Hub.Port != 7001 {
		t.Fatalf(".env value lost: hub port %d", cfg.Hub.Port)
	}
	if cfg.Signal.Transport != "mqtt" || cfg.Signal.ReadyTimeout != 3*time.Second {
		t.Fatalf("signal %+v", cfg.Signal)
	}
	if cfg.Engine.SettleDelay != 250*time.Millisecond || cfg.Directory.URL != "http://dir.local/api" {
		t.Fatalf("file values lost %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	inDir(t)
	t.Setenv("CONFIG_ENV", "none")
	t.Setenv("CALL_SIGNAL_TRANSPORT", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatal("unknown transport accepted")
	}
}

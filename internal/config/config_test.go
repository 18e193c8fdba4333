package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func newCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	RegisterCommonFlags(cmd)
	RegisterServeFlags(cmd)
	RegisterClientFlags(cmd)
	return cmd
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(newCmd())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7338" || cfg.Backend != BackendSQLite || cfg.MaxSpanDays != 90 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Location != time.UTC {
		t.Fatalf("location = %v", cfg.Location)
	}
	if cfg.SweepInterval != time.Hour || cfg.RetryBase != 50*time.Millisecond {
		t.Fatalf("durations = %v %v", cfg.SweepInterval, cfg.RetryBase)
	}
	if cfg.ExportStore {
		t.Fatalf("store export must be off by default")
	}
}

func TestExportStoreFlag(t *testing.T) {
	cmd := newCmd()
	if err := cmd.Flags().Set("export-store", "true"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.ExportStore {
		t.Fatalf("export-store flag not applied")
	}

	t.Setenv("INTERLEASE_EXPORT_STORE", "true")
	cfg, err = Load(newCmd())
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if !cfg.ExportStore {
		t.Fatalf("INTERLEASE_EXPORT_STORE not applied")
	}
}

func TestFlagsBeatEnvironment(t *testing.T) {
	t.Setenv("INTERLEASE_ADDR", ":9000")
	t.Setenv("INTERLEASE_MAX_SPAN_DAYS", "30")

	cmd := newCmd()
	if err := cmd.Flags().Set("addr", ":9100"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("addr = %q, want flag value", cfg.Addr)
	}
	if cfg.MaxSpanDays != 30 {
		t.Fatalf("max span = %d, want env value", cfg.MaxSpanDays)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interlease.yaml")
	data := "backend: memory\ntimezone: Europe/Berlin\nsweep-interval: 10m\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cmd := newCmd()
	if err := cmd.PersistentFlags().Set("config", path); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendMemory || cfg.SweepInterval != 10*time.Minute {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Location.String() != "Europe/Berlin" {
		t.Fatalf("location = %v", cfg.Location)
	}
}

func TestInvalidSettingsAreJoined(t *testing.T) {
	t.Setenv("INTERLEASE_BACKEND", "floppy")
	t.Setenv("INTERLEASE_TIMEZONE", "Mars/Olympus")
	_, err := Load(newCmd())
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"floppy", "timezone"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestRemoteBackendNeedsServer(t *testing.T) {
	t.Setenv("INTERLEASE_BACKEND", "remote")
	cmd := newCmd()
	if err := cmd.PersistentFlags().Set("server", ""); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if _, err := Load(cmd); err == nil {
		t.Fatalf("expected error without server")
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"biowave/internal/ingest"
	"biowave/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
	if cfg.Server.Port != "8080" || cfg.Source.Kind != SourceEmulator {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Server, cfg.Source)
	}
	if cfg.Pipeline.Capacity != ingest.DefaultCapacity || !cfg.Pipeline.InvertECG {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Stream.FrameInterval != 50*time.Millisecond {
		t.Fatalf("frame interval = %v", cfg.Stream.FrameInterval)
	}
	if len(cfg.Axes) != 3 {
		t.Fatalf("want default axes, got %d", len(cfg.Axes))
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
pipeline:
  capacity: 300
  visible_width: 200
axes:
  - name: waves
    channels: [ECG, ppg]
    min: -10
    max: 10
    policy: Hysteretic
    auto_range: true
`)
	t.Setenv("BIOWAVE_SERVER_PORT", "9100")
	t.Setenv("BIOWAVE_STREAM_FRAME_INTERVAL", "1s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Fatalf("env override not applied: %q", cfg.Server.Port)
	}
	if cfg.Stream.FrameInterval != time.Second {
		t.Fatalf("frame interval = %v", cfg.Stream.FrameInterval)
	}

	pc, err := cfg.PipelineConfig()
	if err != nil {
		t.Fatalf("PipelineConfig: %v", err)
	}
	if pc.Capacity != 300 || pc.VisibleWidth != 200 {
		t.Fatalf("unexpected window config: %+v", pc)
	}
	if len(pc.Axes) != 1 {
		t.Fatalf("want 1 axis, got %d", len(pc.Axes))
	}
	ax := pc.Axes[0]
	if ax.Policy != ingest.PolicyHysteretic || len(ax.Channels) != 2 || ax.Channels[0] != models.ChannelECG {
		t.Fatalf("unexpected axis: %+v", ax)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown source", body: "source:\n  kind: bluetooth\n"},
		{name: "serial without port", body: "source:\n  kind: serial\n"},
		{name: "edf without path", body: "source:\n  kind: edf\n"},
		{name: "visible wider than capacity", body: "pipeline:\n  capacity: 10\n  visible_width: 20\n"},
		{name: "file backed journal", body: "events:\n  dsn: events.db\n"},
		{name: "auth without key", body: "auth:\n  enabled: true\n"},
		{name: "unknown channel", body: "axes:\n  - name: x\n    channels: [hr]\n    min: 0\n    max: 1\n"},
		{name: "bad policy", body: "axes:\n  - name: x\n    channels: [ecg]\n    min: 0\n    max: 1\n    policy: magic\n"},
		{name: "inverted band", body: "axes:\n  - name: x\n    channels: [ecg]\n    min: 1\n    max: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("want ErrInvalid, got %v", err)
			}
		})
	}
}

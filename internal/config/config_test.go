package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "llm:\n  base_url: http://localhost:11434/v1\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.Listen.Port != 3000 {
		t.Errorf("port = %d, want 3000", cfg.Listen.Port)
	}
	if cfg.DataDir != "data" {
		t.Errorf("data_dir = %q, want data", cfg.DataDir)
	}
	if cfg.AI.TierMode != "auto" || cfg.AI.CooldownBaseSec != 30 {
		t.Errorf("ai defaults = %+v", cfg.AI)
	}
	if cfg.Search.HotWindowDays != 90 || cfg.Backup.RetentionDays != 7 {
		t.Errorf("search/backup defaults = %+v %+v", cfg.Search, cfg.Backup)
	}
	if cfg.Embeddings.Dim != 768 {
		t.Errorf("embeddings dim = %d, want 768", cfg.Embeddings.Dim)
	}
}

func TestEmbeddingsBaseURLFallsBackToLLM(t *testing.T) {
	path := writeConfig(t, "llm:\n  base_url: http://llm.local\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Embeddings.BaseURL != "http://llm.local" {
		t.Errorf("embeddings base_url = %q", cfg.Embeddings.BaseURL)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("AI_TIER_MODE", "force-t2")
	t.Setenv("PROCESS_OWN_MESSAGES", "false")
	t.Setenv("SKIP_GROUP_MESSAGES", "yes")
	t.Setenv("HOT_WINDOW_DAYS", "30")
	t.Setenv("DEBUG_ERRORS", "1")

	path := writeConfig(t, "listen:\n  port: 4000\nai:\n  tier_mode: auto\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}

	if cfg.Listen.Port != 8088 {
		t.Errorf("port = %d, want env override 8088", cfg.Listen.Port)
	}
	if cfg.AI.TierMode != "force-t2" {
		t.Errorf("tier_mode = %q", cfg.AI.TierMode)
	}
	if cfg.Ingest.ProcessOwn() {
		t.Error("PROCESS_OWN_MESSAGES=false not applied")
	}
	if !cfg.Ingest.SkipGroupMessages {
		t.Error("SKIP_GROUP_MESSAGES=yes not applied")
	}
	if cfg.Search.HotWindowDays != 30 {
		t.Errorf("hot window = %d", cfg.Search.HotWindowDays)
	}
	if !cfg.DebugErrors {
		t.Error("DEBUG_ERRORS=1 not applied")
	}
}

func TestProcessOwnDefaultsTrue(t *testing.T) {
	var c IngestConfig
	if !c.ProcessOwn() {
		t.Error("unset process_own_messages should default to true")
	}
}

func TestLoadRejectsBadTierMode(t *testing.T) {
	path := writeConfig(t, "ai:\n  tier_mode: force-t9\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid tier mode")
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, "log_level: chatty\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid log level")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFindConfigExplicit(t *testing.T) {
	path := writeConfig(t, "")
	got, err := FindConfig(path)
	if err != nil || got != path {
		t.Errorf("FindConfig = %q, %v", got, err)
	}

	if _, err := FindConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("explicit missing path should error")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	out := ReplaceLogLevelNames(nil, a)
	if out.Value.String() != "TRACE" {
		t.Errorf("trace rendered as %q", out.Value.String())
	}

	info := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	if got := ReplaceLogLevelNames(nil, info); got.Value.String() != info.Value.String() {
		t.Errorf("info level altered: %v", got)
	}
}

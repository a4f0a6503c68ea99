package logging

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"garbage", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "synapse.log")

	if err := Setup(Config{Level: "debug", File: path, Pretty: false}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	logger := For("test")
	logger.Info().Msg("hello")

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("expected global level debug, got %v", zerolog.GlobalLevel())
	}
}

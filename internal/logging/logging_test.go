package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/mohammad-safakhou/deepresearch/config"
)

func TestNewLevels(t *testing.T) {
	logger, err := New(config.GeneralConfig{LogLevel: "warn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) || !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn level")
	}

	debug, err := New(config.GeneralConfig{Debug: true, LogLevel: "info"})
	if err != nil {
		t.Fatalf("New debug: %v", err)
	}
	if !debug.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("debug mode should log at debug level")
	}

	if _, err := New(config.GeneralConfig{LogLevel: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

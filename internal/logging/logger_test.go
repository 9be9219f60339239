package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerHonorsConfiguredLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"ERROR":   zapcore.ErrorLevel,
	}
	for level, expected := range cases {
		logger, err := NewLogger(level)
		if err != nil {
			t.Fatalf("unexpected error for level %q: %v", level, err)
		}
		if !logger.Core().Enabled(expected) {
			t.Fatalf("level %q: expected %v to be enabled", level, expected)
		}
		if expected > zapcore.DebugLevel && logger.Core().Enabled(expected-1) {
			t.Fatalf("level %q: expected %v to be disabled", level, expected-1)
		}
	}
}

func TestNewLoggerFallsBackToInfoForUnknownLevel(t *testing.T) {
	for _, level := range []string{"", "verbose", "  "} {
		logger, err := NewLogger(level)
		if err != nil {
			t.Fatalf("unexpected error for level %q: %v", level, err)
		}
		if logger.Core().Enabled(zapcore.DebugLevel) {
			t.Fatalf("level %q: expected debug to be disabled", level)
		}
		if !logger.Core().Enabled(zapcore.InfoLevel) {
			t.Fatalf("level %q: expected info to be enabled", level)
		}
	}
}

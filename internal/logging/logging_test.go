package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLevelFromString(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := levelFromString(in); got != want {
			t.Fatalf("levelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentScopesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	log := Component(FromZap(zap.New(core)), "gate")
	log.Warn("tripped", Int("failures", 5), Err(errors.New("boom")))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["component"] != "gate" {
		t.Fatalf("unexpected component: %v", ctx["component"])
	}
	if ctx["failures"] != int64(5) {
		t.Fatalf("unexpected failures: %v", ctx["failures"])
	}
	if ctx["error"] != "boom" {
		t.Fatalf("unexpected error field: %v", ctx["error"])
	}
}

func TestNilComponentFallsBackToNop(t *testing.T) {
	t.Parallel()

	log := Component(nil, "x")
	log.Info("discarded")
	if err := log.Sync(); err != nil {
		t.Fatalf("nop sync: %v", err)
	}
}

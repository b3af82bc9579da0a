package logger

import (
	"os"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestStageCounters(t *testing.T) {
	IncrementStageRecords("trade-reader", 3)
	IncrementStageRecords("trade-reader", 2)
	recordError("trade-reader")
	recordWarn("trade-reader")

	ss := stageFor("trade-reader")
	if ss.records != 5 {
		t.Fatalf("expected 5 records, got %d", ss.records)
	}
	if ss.errors != 1 || ss.warns != 1 {
		t.Fatalf("unexpected error/warn counts: %d/%d", ss.errors, ss.warns)
	}
}

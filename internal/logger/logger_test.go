package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestInitWritesRotatingFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "app.log")

	if err := Init(Options{Level: "debug", File: file, MaxSizeMB: 1}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Close()

	log.Info().Str("job_id", "42").Msg("hello")

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"job_id":"42"`, `"service":"convertqueue"`, `"message":"hello"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	if err := Init(Options{Level: "chatty"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if got := log.Logger.GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("level = %v, expected info", got)
	}
}

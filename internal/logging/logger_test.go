package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSONFileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatsyncd.log")
	var console bytes.Buffer

	logger, closer, err := New(Options{Path: path, Profile: "main", Level: zapcore.InfoLevel, Console: &console})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("flush done", zap.Int("sent", 3))
	logger.Debug("hidden")
	_ = logger.Sync()
	_ = closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "flush done" || entry["profile"] != "main" || entry["sent"] != float64(3) {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("missing ts key")
	}
	if !strings.Contains(console.String(), "flush done") {
		t.Errorf("console output = %q", console.String())
	}
}

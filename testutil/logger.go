package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// LogRecorder captures JSON log lines for assertions.
type LogRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.
func (r *LogRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

// Entries decodes every line written so far.
func (r *LogRecorder) Entries(t testing.TB) []map[string]any {
	t.Helper()
	r.mu.Lock()
	data := bytes.TrimSpace(r.buf.Bytes())
	r.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	var entries []map[string]any
	for _, line := range bytes.Split(data, []byte("\n")) {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// RecordingLogger returns a debug-level JSON logger writing to a new recorder.
func RecordingLogger() (*slog.Logger, *LogRecorder) {
	rec := &LogRecorder{}
	return slog.New(slog.NewJSONHandler(rec, &slog.HandlerOptions{Level: slog.LevelDebug})), rec
}

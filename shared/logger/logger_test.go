package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line %q", line)
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_InjectedWriterJSON(t *testing.T) {
	out := &bytes.Buffer{}
	logger, err := New(&Config{Level: "debug", Format: "json", Output: "/never/opened.log", writer: out})
	require.NoError(t, err)
	assert.Nil(t, logger.file)

	logger.Debug("claimed job", slog.String("job_id", "6f1c1f3e"), slog.Int("attempt", 2))

	entries := decodeLines(t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, "DEBUG", entries[0]["level"])
	assert.Equal(t, "claimed job", entries[0]["msg"])
	assert.Equal(t, "6f1c1f3e", entries[0]["job_id"])
	assert.Equal(t, float64(2), entries[0]["attempt"])
	assert.NotContains(t, entries[0], slog.SourceKey)
}

func TestNew_UnknownFormatFallsBackToJSON(t *testing.T) {
	out := &bytes.Buffer{}
	logger, err := New(&Config{Format: "logfmt", EnableSource: true, writer: out})
	require.NoError(t, err)

	logger.Info("queue drained")

	entries := decodeLines(t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, "queue drained", entries[0]["msg"])
	assert.Contains(t, entries[0], slog.SourceKey)
}

func TestNew_ConsoleFormat(t *testing.T) {
	out := &bytes.Buffer{}
	logger, err := New(&Config{Format: "console", TimeFormat: time.Kitchen, writer: out})
	require.NoError(t, err)

	logger.Warn("lease expired", slog.String("worker_id", "worker-7"))

	line := out.String()
	assert.Contains(t, line, "lease expired")
	assert.Contains(t, line, "worker-7")
	assert.False(t, json.Valid(bytes.TrimSpace(out.Bytes())))
}

func TestNew_LevelThreshold(t *testing.T) {
	for level, want := range map[string][]string{
		"":        {"info", "warn", "error"},
		"debug":   {"debug", "info", "warn", "error"},
		"warning": {"warn", "error"},
		"error":   {"error"},
		"verbose": {"info", "warn", "error"},
	} {
		t.Run("level="+level, func(t *testing.T) {
			out := &bytes.Buffer{}
			logger, err := New(&Config{Level: level, Format: "json", writer: out})
			require.NoError(t, err)

			logger.Debug("debug")
			logger.Info("info")
			logger.Warn("warn")
			logger.Error("error")

			var got []string
			for _, entry := range decodeLines(t, out) {
				got = append(got, entry["msg"].(string))
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	require.NoError(t, os.WriteFile(path, []byte(`{"msg":"previous run"}`+"\n"), 0o644))

	logger, err := New(&Config{Format: "console", Output: path})
	require.NoError(t, err)
	require.NotNil(t, logger.file)

	logger.Info("job finished", slog.String("state", "SUCCEEDED"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.True(t, strings.HasPrefix(content, `{"msg":"previous run"}`), "file must be appended to")
	assert.Contains(t, content, "job finished")
	assert.Contains(t, content, "SUCCEEDED")
	// a file is not a terminal, so no escape sequences
	assert.NotContains(t, content, "\x1b[")
}

func TestNew_FileOutputUnwritable(t *testing.T) {
	_, err := New(&Config{
		Output: filepath.Join(t.TempDir(), "missing", "dir", "worker.log"),
	})
	assert.Error(t, err)
}

func TestLogger_CloseIsIdempotent(t *testing.T) {
	logger, err := New(&Config{Format: "json", Output: filepath.Join(t.TempDir(), "api.log")})
	require.NoError(t, err)

	require.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())

	plain, err := New(&Config{Format: "json", writer: io.Discard})
	require.NoError(t, err)
	assert.NoError(t, plain.Close())
}

func TestLogger_DerivedLoggersShareOutput(t *testing.T) {
	out := &bytes.Buffer{}
	logger, err := New(&Config{Format: "json", writer: out})
	require.NoError(t, err)

	logger.With("component", "scheduler").
		WithAttrs(slog.String("job_id", "abc")).
		WithGroup("retry").
		Info("retry scheduled", slog.Int("attempt", 3))

	entries := decodeLines(t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, "scheduler", entries[0]["component"])
	assert.Equal(t, "abc", entries[0]["job_id"])
	assert.Equal(t, map[string]any{"attempt": float64(3)}, entries[0]["retry"])
}

func TestNew_InvalidSentryDSNKeepsLocalLogging(t *testing.T) {
	out := &bytes.Buffer{}
	logger, err := New(&Config{Format: "json", SentryDSN: "::not a dsn::", writer: out})
	require.NoError(t, err)
	assert.False(t, logger.sentry)

	logger.Info("still logging")

	entries := decodeLines(t, out)
	require.Len(t, entries, 2)
	assert.Equal(t, "Failed to initialize Sentry, continuing without it", entries[0]["msg"])
	assert.Equal(t, "still logging", entries[1]["msg"])
}

// sentryCollector is a local Sentry ingestion endpoint
type sentryCollector struct {
	mu     sync.Mutex
	bodies []string
}

func (c *sentryCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, string(body))
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *sentryCollector) received() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.bodies, "\n")
}

func TestNew_SentryFanOut(t *testing.T) {
	collector := &sentryCollector{}
	srv := httptest.NewServer(collector)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { sentry.CurrentHub().BindClient(nil) })

	dsn := strings.Replace(srv.URL, "http://", "http://public@", 1) + "/1"

	out := &bytes.Buffer{}
	logger, err := New(&Config{
		Format:      "json",
		SentryDSN:   dsn,
		Environment: "test",
		Release:     "1.2.3",
		writer:      out,
	})
	require.NoError(t, err)
	require.True(t, logger.sentry)

	logger.Error("job handler exploded", slog.Any("error", errors.New("boom")))
	require.NoError(t, logger.Close())

	entries := decodeLines(t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, "job handler exploded", entries[0]["msg"])

	require.Eventually(t, func() bool {
		return strings.Contains(collector.received(), "job handler exploded")
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, collector.received(), "1.2.3")
}

type recordingHandler struct {
	level    slog.Level
	messages []string
	err      error
}

func (h *recordingHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.level }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error {
	h.messages = append(h.messages, rec.Message)
	return h.err
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func TestMultiHandler_FailingSinkDoesNotSilenceOthers(t *testing.T) {
	broken := &recordingHandler{level: slog.LevelWarn, err: errors.New("sink unavailable")}
	local := &recordingHandler{level: slog.LevelInfo}
	handler := newMultiHandler(broken, local)

	assert.True(t, handler.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, handler.Enabled(context.Background(), slog.LevelDebug))

	info := slog.NewRecord(time.Now(), slog.LevelInfo, "submitted", 0)
	require.NoError(t, handler.Handle(context.Background(), info))

	warn := slog.NewRecord(time.Now(), slog.LevelWarn, "retrying", 0)
	assert.Error(t, handler.Handle(context.Background(), warn))

	assert.Equal(t, []string{"retrying"}, broken.messages)
	assert.Equal(t, []string{"submitted", "retrying"}, local.messages)
}

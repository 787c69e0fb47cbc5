package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. Used by NewStreamLogger to write simultaneously to the global
// handler and a stream's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check each handler's Enabled() individually before dispatching, so a
	// DEBUG record isn't sent to a primary handler configured for INFO+.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Write errors on the stream file must not block the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewStreamLogger creates a logger that writes both to the base (global)
// logger and to a file dedicated to one stream instance. The file is
// created at:
//
//	{streamLogDir}/{streamName}/{streamID}.log
//
// Returns the enriched logger, an io.Closer to close the stream file, and
// the file's path (joined onto streamLogDir as given, so relative if
// streamLogDir is). The Closer MUST be called (defer) when the
// stream ends.
//
// If streamLogDir is empty, returns the base logger unmodified (no-op).
func NewStreamLogger(baseLogger *slog.Logger, streamLogDir, streamName, streamID string) (*slog.Logger, io.Closer, string, error) {
	if streamLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(streamLogDir, streamName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating stream log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, streamID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening stream log file %s: %w", logPath, err)
	}

	// The stream file always uses JSON at DEBUG level for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveStreamLog removes the log file for a stream that ended successfully.
// No-op if streamLogDir is empty or the file does not exist.
func RemoveStreamLog(streamLogDir, streamName, streamID string) {
	if streamLogDir == "" {
		return
	}
	logPath := filepath.Join(streamLogDir, streamName, streamID+".log")
	os.Remove(logPath)
}

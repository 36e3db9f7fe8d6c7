//go:build !debug

package gontpc

import (
	"log/slog"
	"os"
)

// defaultLogger is used by clients built without WithLogger.
func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

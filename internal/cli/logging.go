package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// defaultServerLogger logs at info level, as JSON when LOG_FORMAT=json.
func defaultServerLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

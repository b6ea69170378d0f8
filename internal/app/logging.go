package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	charm "github.com/charmbracelet/log"
)

// NewLogger builds the process logger: a charm handler behind log/slog.
func NewLogger(w io.Writer, level, format string, debug bool) (*slog.Logger, error) {
	lvl := charm.InfoLevel
	if level != "" {
		parsed, err := charm.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		lvl = parsed
	}
	if debug {
		lvl = charm.DebugLevel
	}
	var formatter charm.Formatter
	switch format {
	case "", "text":
		formatter = charm.TextFormatter
	case "json":
		formatter = charm.JSONFormatter
	case "logfmt":
		formatter = charm.LogfmtFormatter
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	handler := charm.NewWithOptions(w, charm.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: formatter != charm.TextFormatter,
		Prefix:          "capl",
	})
	return slog.New(handler), nil
}

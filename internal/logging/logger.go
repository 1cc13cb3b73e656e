package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"backstop/internal/config"
)

// LevelPanic sits above error and is used for unrecoverable conditions.
const LevelPanic = slog.Level(12)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiPurple = "\x1b[35m"
	ansiCyan   = "\x1b[36m"
	ansiGray   = "\x1b[90m"
)

// New builds the process logger from console and file sink settings.
// Params: cfg log section of validated config.
// Returns: logger, close function releasing file handles, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)

	closeAll := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	if cfg.Console.Enabled {
		var out io.Writer = os.Stdout
		if cfg.Console.Format == "line" {
			out = &colorLineWriter{dst: os.Stdout}
		}
		handler, err := newHandler(out, cfg.Console)
		if err != nil {
			return nil, nil, fmt.Errorf("log.console: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log.file: create dir: %w", err)
		}
		file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log.file: open %q: %w", cfg.File.Path, err)
		}
		closers = append(closers, file)

		handler, err := newHandler(&lockedWriter{dst: file}, cfg.File)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("log.file: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if len(handlers) == 0 {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}

	var closeOnce sync.Once
	closeFn := func() { closeOnce.Do(closeAll) }

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closeFn, nil
	}
	return slog.New(fanoutHandler(handlers)), closeFn, nil
}

// ParseLevel maps a config level name onto slog levels.
// Params: level lower-case level name.
// Returns: slog level or error for unknown names.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "panic":
		return LevelPanic, nil
	default:
		return 0, fmt.Errorf("unknown level %q", level)
	}
}

func newHandler(out io.Writer, sink config.LogSinkConfig) (slog.Handler, error) {
	level, err := ParseLevel(sink.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.LevelKey {
				if lvl, ok := attr.Value.Any().(slog.Level); ok && lvl >= LevelPanic {
					return slog.String(slog.LevelKey, "PANIC")
				}
			}
			return attr
		},
	}

	switch sink.Format {
	case "json":
		return slog.NewJSONHandler(out, opts), nil
	case "line", "":
		return slog.NewTextHandler(out, opts), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

// fanoutHandler forwards every record to all child handlers.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, child := range h {
		if child.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, child := range h {
		if !child.Enabled(ctx, record.Level) {
			continue
		}
		if err := child.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, child := range h {
		out[i] = child.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, child := range h {
		out[i] = child.WithGroup(name)
	}
	return out
}

type lockedWriter struct {
	mu  sync.Mutex
	dst io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dst.Write(p)
}

var (
	levelToken  = regexp.MustCompile(`level=([A-Z]+)`)
	colorTokens = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|=[^\s"]+`)
)

// colorLineWriter paints text handler output for terminals.
// The whole line takes the level color; quoted strings, IPs and numbers get their own.
type colorLineWriter struct {
	mu  sync.Mutex
	dst io.Writer
}

func (w *colorLineWriter) Write(p []byte) (int, error) {
	line := string(p)
	rendered := line
	if base := levelColor(line); base != "" {
		body := strings.TrimSuffix(line, "\n")
		rendered = base + paintTokens(body, base) + ansiReset + line[len(body):]
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.dst, rendered); err != nil {
		return 0, err
	}
	return len(p), nil
}

func levelColor(line string) string {
	found := levelToken.FindStringSubmatch(line)
	if len(found) < 2 {
		return ""
	}
	switch found[1] {
	case "DEBUG":
		return ansiGray
	case "INFO":
		return ansiBlue
	case "WARN":
		return ansiPurple
	case "ERROR", "PANIC":
		return ansiRed
	default:
		return ""
	}
}

func paintTokens(body, base string) string {
	return colorTokens.ReplaceAllStringFunc(body, func(token string) string {
		if strings.HasPrefix(token, `"`) {
			return ansiGreen + token + ansiReset + base
		}
		value := token[1:]
		switch {
		case isIPToken(value):
			return "=" + ansiCyan + value + ansiReset + base
		case isNumberToken(value):
			return "=" + ansiYellow + value + ansiReset + base
		default:
			return token
		}
	})
}

func isIPToken(value string) bool {
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}
	return net.ParseIP(value) != nil
}

func isNumberToken(value string) bool {
	_, err := strconv.ParseFloat(value, 64)
	return err == nil
}

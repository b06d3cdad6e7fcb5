package logger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
)

// headlineKeys are printed right after the message, in this order, so a
// line about one result can be grepped by its id.
var headlineKeys = []string{"result_id", "prediction_id", "error"}

// ConsoleLogger writes the operator-facing tier: JSON lines or a compact
// text line per event, buffered off the caller's goroutine.
type ConsoleLogger struct {
	handler slog.Handler
	out     *consoleWriter
}

// NewConsoleLogger creates a console logger writing to config.Console.Output,
// or stdout when unset.
func NewConsoleLogger(config *Config) (*ConsoleLogger, error) {
	w := config.Console.Output
	if w == nil {
		w = os.Stdout
	}
	out := newConsoleWriter(w, config.Console.BufferSize, config.Console.FlushInterval)

	opts := &slog.HandlerOptions{Level: slogLevel(config.Level)}

	var handler slog.Handler
	if config.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = newTextHandler(out, opts, config.Console.Color)
	}

	return &ConsoleLogger{handler: handler, out: out}, nil
}

func (cl *ConsoleLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	record := slog.NewRecord(time.Now(), slogLevel(level), msg, 0)

	if component != "" {
		record.AddAttrs(slog.String("component", string(component)))
	}
	if source != "" {
		record.AddAttrs(slog.String("log_source", string(source)))
	}
	for _, k := range headlineKeys {
		if v, ok := fields[k]; ok {
			record.AddAttrs(slog.Any(k, v))
		}
	}

	rest := make([]string, 0, len(fields))
	for k := range fields {
		if !isHeadline(k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		record.AddAttrs(slog.Any(k, fields[k]))
	}

	_ = cl.handler.Handle(context.Background(), record)
}

// Close stops the flusher and writes out anything still queued.
func (cl *ConsoleLogger) Close() error {
	return cl.out.Close()
}

func isHeadline(key string) bool {
	for _, k := range headlineKeys {
		if k == key {
			return true
		}
	}
	return false
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// consoleWriter queues whole lines and writes them from one goroutine. When
// the queue is full the line is written inline instead of being dropped.
type consoleWriter struct {
	w     io.Writer
	wmu   sync.Mutex
	queue chan []byte
	every time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func newConsoleWriter(w io.Writer, bufferSize int, every time.Duration) *consoleWriter {
	slots := bufferSize / 256
	if slots < 1 {
		slots = 1
	}
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	cw := &consoleWriter{
		w:     w,
		queue: make(chan []byte, slots),
		every: every,
		done:  make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *consoleWriter) Write(p []byte) (int, error) {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	if cw.closed {
		return 0, fmt.Errorf("console writer is closed")
	}

	line := append([]byte(nil), p...)
	select {
	case cw.queue <- line:
		return len(p), nil
	default:
		return cw.emit(line)
	}
}

func (cw *consoleWriter) emit(line []byte) (int, error) {
	cw.wmu.Lock()
	defer cw.wmu.Unlock()
	return cw.w.Write(line)
}

func (cw *consoleWriter) run() {
	defer cw.wg.Done()

	ticker := time.NewTicker(cw.every)
	defer ticker.Stop()

	for {
		select {
		case line := <-cw.queue:
			_, _ = cw.emit(line)
		case <-ticker.C:
			cw.drain()
		case <-cw.done:
			cw.drain()
			return
		}
	}
}

func (cw *consoleWriter) drain() {
	for {
		select {
		case line := <-cw.queue:
			_, _ = cw.emit(line)
		default:
			return
		}
	}
}

func (cw *consoleWriter) Close() error {
	cw.mu.Lock()
	if cw.closed {
		cw.mu.Unlock()
		return nil
	}
	cw.closed = true
	cw.mu.Unlock()

	close(cw.done)
	cw.wg.Wait()
	return nil
}

// textHandler renders one line per record:
//
//	15:04:05.000 INFO  [store] saved output result_id=241017_output_001.png index=1
type textHandler struct {
	w      io.Writer
	level  slog.Leveler
	colors map[slog.Level]*color.Color
	attrs  []slog.Attr
	group  string
}

func newTextHandler(w io.Writer, opts *slog.HandlerOptions, colored bool) *textHandler {
	colors := map[slog.Level]*color.Color{
		slog.LevelDebug: color.New(color.FgCyan),
		slog.LevelInfo:  color.New(color.FgGreen),
		slog.LevelWarn:  color.New(color.FgYellow),
		slog.LevelError: color.New(color.FgRed, color.Bold),
	}
	for _, c := range colors {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return &textHandler{w: w, level: opts.Level, colors: colors}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	floor := slog.LevelInfo
	if h.level != nil {
		floor = h.level.Level()
	}
	return level >= floor
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	buf.WriteString(r.Time.Format("15:04:05.000"))
	buf.WriteByte(' ')
	name := r.Level.String()
	if c, ok := h.colors[r.Level]; ok {
		buf.WriteString(c.Sprintf("%-5s", name))
	} else {
		fmt.Fprintf(&buf, "%-5s", name)
	}

	pairs := append([]slog.Attr(nil), h.attrs...)
	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && h.group == "" {
			component = a.Value.String()
			return true
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		pairs = append(pairs, a)
		return true
	})

	if component != "" {
		fmt.Fprintf(&buf, " [%s]", component)
	}
	buf.WriteByte(' ')
	buf.WriteString(r.Message)

	for _, a := range pairs {
		fmt.Fprintf(&buf, " %s=%s", a.Key, quoteIfNeeded(a.Value.Resolve().String()))
	}
	buf.WriteByte('\n')

	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	for _, r := range s {
		if r <= ' ' || r == '"' || r == '=' {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

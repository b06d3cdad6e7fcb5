package logger

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/natefinch/lumberjack.v2"
)

// promoted fields get their own LogEntry column instead of living in Fields.
var promoted = map[string]bool{"result_id": true, "prediction_id": true, "error": true}

// FileLogger appends JSON lines to a rotating file. Entries are queued and
// written in batches; when the queue is full debug and info entries are
// dropped and counted, while warnings and errors are written inline.
type FileLogger struct {
	config  *Config
	out     *lumberjack.Logger
	queue   chan *LogEntry
	batch   []*LogEntry
	dropped atomic.Int64
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileLogger opens the rotating log file named by config.File.Path.
func NewFileLogger(config *Config) (*FileLogger, error) {
	if !config.File.Enabled {
		return nil, fmt.Errorf("file logging is not enabled")
	}

	queueSize := config.File.BufferSize
	if queueSize < 1 {
		queueSize = 1
	}
	batchSize := config.File.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	fl := &FileLogger{
		config: config,
		out: &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		},
		queue: make(chan *LogEntry, queueSize),
		batch: make([]*LogEntry, 0, batchSize),
		done:  make(chan struct{}),
	}

	fl.wg.Add(1)
	go fl.run(batchSize)

	return fl, nil
}

func (fl *FileLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	entry := &LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: component,
		Source:    source,
	}

	for k, v := range fields {
		switch k {
		case "result_id":
			entry.ResultID = fmt.Sprint(v)
		case "prediction_id":
			entry.PredictionID = fmt.Sprint(v)
		case "error":
			entry.Error = fmt.Sprint(v)
		}
		if promoted[k] {
			continue
		}
		if entry.Fields == nil {
			entry.Fields = make(map[string]interface{}, len(fields))
		}
		entry.Fields[k] = v
	}

	select {
	case fl.queue <- entry:
	default:
		if level == LevelWarn || level == LevelError {
			fl.write(entry)
			return
		}
		fl.dropped.Add(1)
	}
}

func (fl *FileLogger) run(batchSize int) {
	defer fl.wg.Done()

	interval := fl.config.File.BatchInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-fl.queue:
			fl.batch = append(fl.batch, entry)
			if len(fl.batch) >= batchSize {
				fl.flush()
			}
		case <-ticker.C:
			fl.flush()
		case <-fl.done:
			for drained := false; !drained; {
				select {
				case entry := <-fl.queue:
					fl.batch = append(fl.batch, entry)
				default:
					drained = true
				}
			}
			fl.flush()
			return
		}
	}
}

func (fl *FileLogger) flush() {
	for _, entry := range fl.batch {
		fl.write(entry)
	}
	fl.batch = fl.batch[:0]
}

// write is safe to call from any goroutine; lumberjack serializes writes.
func (fl *FileLogger) write(entry *LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = fl.out.Write(append(data, '\n'))
}

// Dropped reports how many entries were discarded because the queue was full.
func (fl *FileLogger) Dropped() int64 {
	return fl.dropped.Load()
}

// Close writes out queued entries, records any drops, and closes the file.
func (fl *FileLogger) Close() error {
	close(fl.done)
	fl.wg.Wait()

	if n := fl.dropped.Load(); n > 0 {
		fl.write(&LogEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Level:     LevelWarn,
			Message:   "Dropped log entries while the file queue was full",
			Component: ComponentLogger,
			Fields:    map[string]interface{}{"dropped": n},
		})
	}

	if err := fl.out.Close(); err != nil {
		return fmt.Errorf("failed to close file logger: %w", err)
	}
	return nil
}

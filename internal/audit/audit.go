// Package audit provides asynchronous NDJSON logging of story turns so a
// session can be audited or replayed offline.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Event is one audit record: a user, system or assistant turn reaching the
// engine, plus stream outcome metadata for assistant turns.
type Event struct {
	Timestamp string         `json:"ts"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id"`
	GameID    string         `json:"game_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Backend   string         `json:"backend,omitempty"`
	Panel     int            `json:"panel,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Logger records audit events. Implementations must not block the caller.
type Logger interface {
	Log(event Event)
	Close() error
}

// NopLogger discards all events.
type NopLogger struct{}

// Log implements Logger.
func (NopLogger) Log(Event) {}

// Close implements Logger.
func (NopLogger) Close() error { return nil }

// Config controls the turn logger.
type Config struct {
	Enabled bool
	// Dir is the root directory; each session/game pair gets its own file.
	Dir string
	// GlobalEnabled additionally appends every event to GlobalPath.
	GlobalEnabled bool
	GlobalPath    string
	// QueueSize bounds the in-flight event queue. When full, events are
	// dropped and counted rather than blocking the request path.
	QueueSize int
}

// TurnLogger writes NDJSON audit files asynchronously: one file per
// (session, game) pair under Dir, plus an optional global file.
type TurnLogger struct {
	cfg     Config
	logger  *slog.Logger
	queue   chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	dropped int64
}

// NewTurnLogger creates the logger and starts its writer goroutine.
func NewTurnLogger(cfg Config, logger *slog.Logger) (*TurnLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("turn logger created while disabled")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global audit directory: %w", err)
		}
	}

	t := &TurnLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.writeLoop()
	return t, nil
}

// Log enqueues an event. Drops (and counts) when the queue is full so the
// streaming path never blocks on disk.
func (t *TurnLogger) Log(event Event) {
	select {
	case t.queue <- event:
	default:
		t.mu.Lock()
		t.dropped++
		n := t.dropped
		t.mu.Unlock()
		if n%100 == 1 {
			t.logger.Warn("audit queue full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns the number of events dropped due to queue pressure.
func (t *TurnLogger) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Close stops the writer after draining queued events.
func (t *TurnLogger) Close() error {
	close(t.done)
	t.wg.Wait()
	return nil
}

func (t *TurnLogger) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case event := <-t.queue:
			t.write(event)
		case <-t.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case event := <-t.queue:
					t.write(event)
				default:
					return
				}
			}
		}
	}
}

func (t *TurnLogger) write(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		t.logger.Warn("failed to marshal audit event", "error", err)
		return
	}
	line = append(line, '\n')

	path := filepath.Join(t.cfg.Dir, sanitizeKey(event.SessionID),
		sanitizeKey(event.GameID)+".ndjson")
	if err := appendFile(path, line); err != nil {
		t.logger.Warn("failed to write audit file", "path", path, "error", err)
	}

	if t.cfg.GlobalEnabled {
		if err := appendFile(t.cfg.GlobalPath, line); err != nil {
			t.logger.Warn("failed to write global audit file", "path", t.cfg.GlobalPath, "error", err)
		}
	}
}

func appendFile(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// sanitizeKey keeps identifiers filesystem-safe.
func sanitizeKey(s string) string {
	if s == "" {
		return "_"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Ensure implementations satisfy Logger.
var (
	_ Logger = (*TurnLogger)(nil)
	_ Logger = NopLogger{}
)

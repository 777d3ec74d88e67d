package training

import (
	"bufio"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// EventsFile is the scalar log inside a run directory.
const EventsFile = "events.jsonl"

// ScalarLogger records training summaries keyed by tag and step.
type ScalarLogger interface {
	Scalar(tag string, step int, value float64) error
	Image(tag string, step int, img image.Image) error
	Close() error
}

// Event is one line of the scalar log.
type Event struct {
	Tag      string    `json:"tag"`
	Step     int       `json:"step"`
	Value    float64   `json:"value"`
	WallTime time.Time `json:"wall_time"`
}

// EventLog appends scalars as JSON lines to <dir>/events.jsonl and writes
// images to <dir>/images/<tag>-<step>.png.
type EventLog struct {
	mu  sync.Mutex
	dir string
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
}

// NewEventLog opens (or appends to) the log in dir.
func NewEventLog(dir string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, EventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	w := bufio.NewWriter(f)
	return &EventLog{dir: dir, f: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (l *EventLog) Dir() string { return l.dir }

func (l *EventLog) Scalar(tag string, step int, value float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("event log closed")
	}
	if err := l.enc.Encode(Event{Tag: tag, Step: step, Value: value, WallTime: time.Now().UTC()}); err != nil {
		return err
	}
	return l.w.Flush()
}

// ImagePath is where Image writes tag at step.
func (l *EventLog) ImagePath(tag string, step int) string {
	name := strings.ReplaceAll(tag, "/", "_")
	return filepath.Join(l.dir, "images", fmt.Sprintf("%s-%d.png", name, step))
}

func (l *EventLog) Image(tag string, step int, img image.Image) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("event log closed")
	}
	f, err := os.Create(l.ImagePath(tag, step))
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return f.Close()
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.w.Flush()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// ReadEvents loads every scalar from a run directory.
func ReadEvents(dir string) ([]Event, error) {
	f, err := os.Open(filepath.Join(dir, EventsFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var events []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", len(events), err)
		}
		events = append(events, e)
	}
	return events, nil
}

// discardLogger satisfies ScalarLogger without recording anything.
type discardLogger struct{}

func (discardLogger) Scalar(string, int, float64) error    { return nil }
func (discardLogger) Image(string, int, image.Image) error { return nil }
func (discardLogger) Close() error                         { return nil }

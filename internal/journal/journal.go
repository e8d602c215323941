package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"` // e.g., "signal", "order", "error"
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// BracketPlacedDescription marks an order event for a fully placed bracket.
const BracketPlacedDescription = "bracket placed"

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(event Event) error
	GetEvents(eventType string, start, end time.Time) ([]Event, error)
}

// FileJournal appends events to a file, one JSON object per line.
type FileJournal struct {
	path string
	mu   sync.Mutex
}

var _ Journaler = (*FileJournal)(nil)

func NewFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("NewFileJournal | %w", err)
	}
	return &FileJournal{path: path}, nil
}

func (j *FileJournal) LogEvent(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("LogEvent | %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("LogEvent | %w", err)
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// GetEvents returns events of eventType with start <= Time < end. An empty
// eventType matches every type.
func (j *FileJournal) GetEvents(eventType string, start, end time.Time) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetEvents | %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("GetEvents | line %d: %w", line, err)
		}
		if eventType != "" && e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || !e.Time.Before(end) {
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// BracketPlaced reports whether j holds an order event for a bracket placed
// on the candle opening at candleTS (unix ms). Such events carry the candle
// timestamp under Data["candle"].
func BracketPlaced(j Journaler, candleTS int64) (bool, error) {
	events, err := j.GetEvents("order", time.UnixMilli(candleTS), time.Now().Add(time.Minute))
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.Description != BracketPlacedDescription {
			continue
		}
		if ts, ok := e.Data["candle"].(float64); ok && int64(ts) == candleTS {
			return true, nil
		}
	}
	return false, nil
}

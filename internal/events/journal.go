package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalSink appends events to a daily JSON-lines file, syncing after
// every write so delivered events survive a crash.
type JournalSink struct {
	mu   sync.Mutex
	dir  string
	day  string
	file *os.File
	now  func() time.Time
}

// NewJournalSink creates dir if needed and opens today's journal.
func NewJournalSink(dir string, now func() time.Time) (*JournalSink, error) {
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &JournalSink{dir: dir, now: now}
	if err := j.openLocked(now().UTC()); err != nil {
		return nil, err
	}
	return j, nil
}

// JournalPath returns the journal file for the day containing t.
func JournalPath(dir string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("events-%s.jsonl", t.UTC().Format("20060102")))
}

func (j *JournalSink) openLocked(t time.Time) error {
	path := JournalPath(j.dir, t)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	j.file = file
	j.day = t.Format("20060102")
	return nil
}

func (j *JournalSink) Name() string { return "journal" }

func (j *JournalSink) Write(_ context.Context, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return os.ErrClosed
	}
	if today := j.now().UTC(); today.Format("20060102") != j.day {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
		if err := j.openLocked(today); err != nil {
			j.file = nil
			return err
		}
	}

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Close syncs and closes the current journal file.
func (j *JournalSink) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Replay reads every event from a journal file. Malformed lines are
// skipped; a missing file yields no events.
func Replay(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}

package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autobuildr/pkg/persistence"
)

// Mirror appends events as JSON lines to daily rotated files under the
// project's log directory. It is a best-effort observability surface; the
// database remains the source of truth.
type Mirror struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewMirror creates a JSONL event mirror writing to logDir, creating the
// directory if needed.
func NewMirror(logDir string) (*Mirror, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	m := &Mirror{logDir: logDir}
	if err := m.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return m, nil
}

// Write appends one event to the current log file, rotating on day change.
func (m *Mirror) Write(event *persistence.AgentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if _, err := m.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if _, err := m.currentFile.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := m.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

func (m *Mirror) rotateIfNeeded() error {
	date := time.Now().Format("2006-01-02")
	if m.currentFile != nil && m.currentDate == date {
		return nil
	}

	if m.currentFile != nil {
		if err := m.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	path := filepath.Join(m.logDir, fmt.Sprintf("events-%s.jsonl", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	m.currentFile = file
	m.currentDate = date
	return nil
}

// CurrentLogFile returns the path of the active log file.
func (m *Mirror) CurrentLogFile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentFile == nil {
		return ""
	}
	return filepath.Join(m.logDir, fmt.Sprintf("events-%s.jsonl", m.currentDate))
}

// Close closes the current log file.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentFile != nil {
		err := m.currentFile.Close()
		m.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

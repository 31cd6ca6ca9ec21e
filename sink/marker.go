package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LastWrite is the diagnostic record of the most recent successful persist.
type LastWrite struct {
	At       string `json:"at"`
	SlotKey  string `json:"slot_key"`
	SourceID string `json:"source_id"`
}

// DiagnosticEntry is one line of the bounded sink diagnostic log.
type DiagnosticEntry struct {
	At      string `json:"t"`
	Level   string `json:"level"`
	Message string `json:"msg"`
}

// MarkerStore keeps the per-source last-written slot markers plus a small
// diagnostic trail. The sink only advances a marker after the store write
// succeeded, so a crashed write is retried by the next event in the slot.
type MarkerStore interface {
	LastSlot(sourceID string) (string, error)
	SetLastSlot(sourceID, slotKey string) error
	SetLastWrite(info LastWrite) error
	LastWrite() (LastWrite, bool, error)
	AppendDiagnostic(level, message string) error
	Diagnostics() ([]DiagnosticEntry, error)
}

const DefaultDiagnosticLogSize = 100

// MemoryStore is the in-process MarkerStore. Markers do not survive a
// restart, so the first slot after startup may be written twice.
type MemoryStore struct {
	mu        sync.RWMutex
	slots     map[string]string
	lastWrite *LastWrite
	diags     []DiagnosticEntry
	maxDiags  int
}

func NewMemoryStore(maxDiagnostics int) *MemoryStore {
	if maxDiagnostics <= 0 {
		maxDiagnostics = DefaultDiagnosticLogSize
	}
	return &MemoryStore{
		slots:    make(map[string]string),
		maxDiags: maxDiagnostics,
	}
}

func (m *MemoryStore) LastSlot(sourceID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[sourceID], nil
}

func (m *MemoryStore) SetLastSlot(sourceID, slotKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[sourceID] = slotKey
	return nil
}

func (m *MemoryStore) SetLastWrite(info LastWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastWrite = &info
	return nil
}

func (m *MemoryStore) LastWrite() (LastWrite, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastWrite == nil {
		return LastWrite{}, false, nil
	}
	return *m.lastWrite, true, nil
}

func (m *MemoryStore) AppendDiagnostic(level, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diags = appendDiagnostic(m.diags, level, message, m.maxDiags)
	return nil
}

func (m *MemoryStore) Diagnostics() ([]DiagnosticEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DiagnosticEntry, len(m.diags))
	copy(out, m.diags)
	return out, nil
}

func appendDiagnostic(entries []DiagnosticEntry, level, message string, max int) []DiagnosticEntry {
	entries = append(entries, DiagnosticEntry{
		At:      time.Now().UTC().Format(time.RFC3339),
		Level:   level,
		Message: message,
	})
	if len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	return entries
}

type fileState struct {
	Slots       map[string]string `json:"last_slots"`
	LastWrite   *LastWrite        `json:"last_write,omitempty"`
	Diagnostics []DiagnosticEntry `json:"diagnostics,omitempty"`
}

// FileStore persists markers as a single JSON file so slot dedup survives
// restarts. Every mutation rewrites the file; marker traffic is at most a
// few writes per throttle slot, so this stays cheap.
type FileStore struct {
	mu       sync.Mutex
	path     string
	state    fileState
	maxDiags int
}

func NewFileStore(path string, maxDiagnostics int) (*FileStore, error) {
	if maxDiagnostics <= 0 {
		maxDiagnostics = DefaultDiagnosticLogSize
	}
	s := &FileStore{
		path:     path,
		state:    fileState{Slots: make(map[string]string)},
		maxDiags: maxDiagnostics,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read marker file: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("failed to parse marker file: %w", err)
	}
	if s.state.Slots == nil {
		s.state.Slots = make(map[string]string)
	}
	return s, nil
}

func (f *FileStore) save() error {
	data, err := json.MarshalIndent(&f.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode marker state: %w", err)
	}
	tmp := f.path + ".tmp"
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create marker directory: %w", err)
		}
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write marker file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) LastSlot(sourceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Slots[sourceID], nil
}

func (f *FileStore) SetLastSlot(sourceID, slotKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Slots[sourceID] = slotKey
	return f.save()
}

func (f *FileStore) SetLastWrite(info LastWrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.LastWrite = &info
	return f.save()
}

func (f *FileStore) LastWrite() (LastWrite, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.LastWrite == nil {
		return LastWrite{}, false, nil
	}
	return *f.state.LastWrite, true, nil
}

func (f *FileStore) AppendDiagnostic(level, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Diagnostics = appendDiagnostic(f.state.Diagnostics, level, message, f.maxDiags)
	return f.save()
}

func (f *FileStore) Diagnostics() ([]DiagnosticEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DiagnosticEntry, len(f.state.Diagnostics))
	copy(out, f.state.Diagnostics)
	return out, nil
}

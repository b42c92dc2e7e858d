// Package state keeps the committed farewell bookings in a JSON file so a
// restart does not lose the calendar.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stateFileName = "farewell_schedule.json"

// Snapshot is the on-disk document.
type Snapshot struct {
	SavedAt  time.Time         `json:"saved_at"`
	Bookings map[string]string `json:"bookings"`
}

// File persists bookings under a directory.
type File struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewFile returns a store rooted at dir.
func NewFile(dir string) *File {
	return &File{dir: dir, now: time.Now}
}

// Path returns the state file location.
func (f *File) Path() string {
	return filepath.Join(f.dir, stateFileName)
}

// loadUnlocked reads the state file WITHOUT acquiring the mutex.
func (f *File) loadUnlocked() (Snapshot, error) {
	data, err := os.ReadFile(f.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{Bookings: make(map[string]string)}, nil
		}
		return Snapshot{}, fmt.Errorf("load state: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal state: %w", err)
	}
	if s.Bookings == nil {
		s.Bookings = make(map[string]string)
	}
	return s, nil
}

// LoadBookings returns the last saved bookings, empty when nothing was saved.
func (f *File) LoadBookings() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.loadUnlocked()
	if err != nil {
		return nil, err
	}
	return s.Bookings, nil
}

// SaveBookings replaces the saved bookings. The file is written to a temporary
// sibling and renamed into place.
func (f *File) SaveBookings(bookings map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bookings == nil {
		bookings = make(map[string]string)
	}
	b, err := json.MarshalIndent(Snapshot{SavedAt: f.now().UTC(), Bookings: bookings}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	p := f.Path()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

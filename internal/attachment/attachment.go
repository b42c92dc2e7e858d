// Package attachment mints and revokes transient handles for files attached to
// chat messages. A handle is live from Mint until Revoke; the chat engine owns
// the handles it mints and revokes each one exactly once.
package attachment

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownHandle is returned when revoking or opening a handle that is not live.
var ErrUnknownHandle = errors.New("unknown attachment handle")

// ErrTooLarge is returned by Mint when the content exceeds the store limit.
var ErrTooLarge = errors.New("attachment too large")

// File is the content handed to Mint.
type File struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// Handle is a live reference to minted content.
type Handle struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Provider is the handle contract consumed by the chat engine.
type Provider interface {
	Mint(f File) (Handle, error)
	Revoke(h Handle) error
}

type entry struct {
	handle      Handle
	path        string
	contentType string
}

// DiskStore keeps attachment content under a directory and serves live handles
// over HTTP at BaseURL/<id>.
type DiskStore struct {
	dir      string
	baseURL  string
	maxBytes int64

	mu   sync.Mutex
	live map[string]entry
}

// NewDiskStore creates dir if needed. maxBytes <= 0 disables the size limit.
func NewDiskStore(dir, baseURL string, maxBytes int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &DiskStore{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		live:     make(map[string]entry),
	}, nil
}

// Mint copies the file content to disk and returns a live handle.
func (s *DiskStore) Mint(f File) (Handle, error) {
	if f.Content == nil {
		return Handle{}, fmt.Errorf("attachment %q has no content", f.Name)
	}
	id := uuid.NewString()
	path := filepath.Join(s.dir, id)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return Handle{}, fmt.Errorf("create attachment file: %w", err)
	}

	src := f.Content
	if s.maxBytes > 0 {
		src = io.LimitReader(f.Content, s.maxBytes+1)
	}
	n, err := io.Copy(dst, src)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && s.maxBytes > 0 && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return Handle{}, fmt.Errorf("store attachment %q: %w", f.Name, err)
	}

	name := filepath.Base(f.Name)
	if name == "." || name == string(filepath.Separator) {
		name = "attachment"
	}
	h := Handle{ID: id, Name: name, URL: s.baseURL + "/" + id}
	s.mu.Lock()
	s.live[id] = entry{handle: h, path: path, contentType: f.ContentType}
	s.mu.Unlock()
	return h, nil
}

// Revoke deletes the content behind h. Revoking a handle that is not live
// returns ErrUnknownHandle.
func (s *DiskStore) Revoke(h Handle) error {
	s.mu.Lock()
	e, ok := s.live[h.ID]
	delete(s.live, h.ID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("revoke %q: %w", h.ID, ErrUnknownHandle)
	}
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove attachment %q: %w", h.ID, err)
	}
	return nil
}

// Live returns the number of handles not yet revoked.
func (s *DiskStore) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// ServeHTTP serves GET <prefix>/<id> for live handles only.
func (s *DiskStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	s.mu.Lock()
	e, ok := s.live[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if e.contentType != "" {
		w.Header().Set("Content-Type", e.contentType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", e.handle.Name))
	http.ServeFile(w, r, e.path)
}

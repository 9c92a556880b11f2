package recorder

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Artifact is a finished recording spooled to local disk.
type Artifact struct {
	Path     string
	MimeType string
	Ext      string
	Size     int64
	Chunks   int

	mu        sync.Mutex
	localURL  string
	remoteURL string
}

// LocalURL is the file:// preview reference, empty once revoked.
func (a *Artifact) LocalURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localURL
}

// RemoteURL is the durable URL returned by the upload, empty until confirmed.
func (a *Artifact) RemoteURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remoteURL
}

// URL prefers the remote URL over the local preview.
func (a *Artifact) URL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remoteURL != "" {
		return a.remoteURL
	}
	return a.localURL
}

// Open returns a reader over the recorded bytes.
func (a *Artifact) Open() (io.ReadCloser, error) {
	return os.Open(a.Path)
}

// FileName is the base name of the spooled file.
func (a *Artifact) FileName() string { return filepath.Base(a.Path) }

// Revoke releases the local preview and deletes the spooled file.
func (a *Artifact) Revoke() error {
	a.mu.Lock()
	a.localURL = ""
	a.mu.Unlock()
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove recording: %w", err)
	}
	return nil
}

func (a *Artifact) supersede(remote string) {
	a.mu.Lock()
	a.remoteURL = remote
	a.mu.Unlock()
}

// spool appends chunks to a partial file so data already flushed survives a crash.
type spool struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	size   int64
	chunks int
}

func newSpool(dir, name string) (*spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(dir, name+".partial")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create spool: %w", err)
	}
	return &spool{path: path, f: f}, nil
}

func (s *spool) append(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	n, err := s.f.Write(chunk)
	s.size += int64(n)
	if err != nil {
		return err
	}
	s.chunks++
	return nil
}

func (s *spool) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// finalize closes the spool and renames it to its final extension. An empty spool is removed
// and yields no artifact.
func (s *spool) finalize(c Codec) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, os.ErrClosed
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return nil, fmt.Errorf("close spool: %w", err)
	}
	if s.size == 0 {
		_ = os.Remove(s.path)
		return nil, nil
	}
	final := strings.TrimSuffix(s.path, ".partial") + c.Ext
	if err := os.Rename(s.path, final); err != nil {
		return nil, fmt.Errorf("finalize recording: %w", err)
	}
	abs, err := filepath.Abs(final)
	if err != nil {
		abs = final
	}
	return &Artifact{
		Path:     final,
		MimeType: c.MimeType,
		Ext:      c.Ext,
		Size:     s.size,
		Chunks:   s.chunks,
		localURL: (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(),
	}, nil
}

// discard removes the spool without producing an artifact.
func (s *spool) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	_ = os.Remove(s.path)
}

package storage

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ScreenshotStore resolves and tracks screenshot files per session. Files
// live under one base directory; callers may suggest a filename, otherwise
// one is generated from the session id and a timestamp.
type ScreenshotStore struct {
	mu        sync.Mutex
	baseDir   string
	bySession map[string][]string
}

// NewScreenshotStore creates the store, ensuring the base directory exists.
func NewScreenshotStore(baseDir string) (*ScreenshotStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	return &ScreenshotStore{
		baseDir:   baseDir,
		bySession: make(map[string][]string),
	}, nil
}

// Resolve turns a caller-suggested path into an absolute target path. An
// empty hint generates screenshot_<session>_<timestamp>.png under the base
// directory; a relative hint is anchored there too.
func (s *ScreenshotStore) Resolve(sessionID, hint string) string {
	if hint == "" {
		name := fmt.Sprintf("screenshot_%s_%s.png", sessionID, time.Now().Format("20060102_150405.000"))
		return filepath.Join(s.baseDir, name)
	}
	if filepath.IsAbs(hint) {
		return hint
	}
	return filepath.Join(s.baseDir, hint)
}

// Record tracks a captured screenshot under its session.
func (s *ScreenshotStore) Record(sessionID, path string) {
	s.mu.Lock()
	s.bySession[sessionID] = append(s.bySession[sessionID], path)
	s.mu.Unlock()
}

// List returns the recorded screenshot paths for a session, oldest first.
func (s *ScreenshotStore) List(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bySession[sessionID]...)
}

// Archive bundles a session's recorded screenshots into a tar.gz under the
// base directory and returns the archive path. Missing files are skipped;
// a session with no surviving screenshots is an error.
func (s *ScreenshotStore) Archive(sessionID string) (string, error) {
	paths := s.List(sessionID)
	if len(paths) == 0 {
		return "", fmt.Errorf("no screenshots recorded for session %s", sessionID)
	}

	archivePath := filepath.Join(s.baseDir, fmt.Sprintf("%s-artifacts.tar.gz", sessionID))
	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	written := 0
	for _, p := range paths {
		if err := addFile(tw, p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("failed to archive %s: %w", p, err)
		}
		written++
	}
	if written == 0 {
		os.Remove(archivePath)
		return "", fmt.Errorf("no screenshot files survive for session %s", sessionID)
	}
	return archivePath, nil
}

// Forget drops tracking for a session. Files on disk are left in place.
func (s *ScreenshotStore) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.bySession, sessionID)
	s.mu.Unlock()
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

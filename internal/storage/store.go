// Package storage writes received images and tracks which image is active.
//
// An image moves through three names inside the image directory:
//
//	<name>.part     being written block by block
//	<name>.pending  fully written and verified, waiting for activation
//	<name>          active; the image it replaced is kept as <name>.previous
//	                until the new one is accepted or rolled back
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
	"github.com/spf13/afero"
)

const stateFile = "image_state.json"

// ImageState is the acceptance state of the most recently activated image.
type ImageState int

const (
	ImageUnknown ImageState = iota
	ImageTesting
	ImageAccepted
	ImageRejected
	ImageAborted
)

func (s ImageState) String() string {
	switch s {
	case ImageTesting:
		return "testing"
	case ImageAccepted:
		return "accepted"
	case ImageRejected:
		return "rejected"
	case ImageAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ImageRecord is the persisted image state.
type ImageRecord struct {
	State     ImageState `json:"state"`
	JobID     string     `json:"job_id,omitempty"`
	FileName  string     `json:"file_name,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store manages images under one directory of an afero filesystem.
type Store struct {
	mu  sync.Mutex
	fs  afero.Fs
	dir string
}

// New returns a Store rooted at dir, creating it if needed.
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0750); err != nil {
		debug.Error("Failed to create image directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

func (s *Store) name(fc *transfer.FileContext) string {
	base := path.Base(fc.FilePath)
	if base == "." || base == "/" || base == "" {
		base = "image.bin"
	}
	return path.Join(s.dir, base)
}

// Create opens a staging file for fc and returns it as a transfer sink.
func (s *Store) Create(fc *transfer.FileContext) (transfer.Sink, error) {
	final := s.name(fc)
	staged := final + ".part"

	f, err := s.fs.OpenFile(staged, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		debug.Error("Failed to create staging file %s: %v", staged, err)
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	if err := f.Truncate(int64(fc.FileSize)); err != nil {
		f.Close()
		_ = s.fs.Remove(staged)
		return nil, fmt.Errorf("failed to size staging file: %w", err)
	}

	debug.Info("Staging %s (%d bytes) at %s", fc.FilePath, fc.FileSize, staged)
	return &imageSink{fs: s.fs, f: f, staged: staged, pending: final + ".pending"}, nil
}

// Activate makes the pending image of fc the active one, keeping the
// previous image for rollback.
func (s *Store) Activate(fc *transfer.FileContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.name(fc)
	pending := final + ".pending"

	if ok, err := afero.Exists(s.fs, pending); err != nil || !ok {
		return fmt.Errorf("no pending image for %s", fc.FilePath)
	}
	if ok, _ := afero.Exists(s.fs, final); ok {
		if err := s.fs.Rename(final, final+".previous"); err != nil {
			return fmt.Errorf("failed to keep previous image: %w", err)
		}
	}
	if err := s.fs.Rename(pending, final); err != nil {
		return fmt.Errorf("failed to activate image: %w", err)
	}

	debug.Info("Activated image %s", final)
	return nil
}

// Accept commits the active image by dropping the previous one.
func (s *Store) Accept(fc *transfer.FileContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.name(fc) + ".previous"
	if err := s.fs.Remove(prev); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove previous image: %w", err)
	}
	return nil
}

// Rollback restores the previous image, discarding the active one.
func (s *Store) Rollback(fc *transfer.FileContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.name(fc)
	prev := final + ".previous"

	if ok, _ := afero.Exists(s.fs, prev); !ok {
		debug.Warning("No previous image to restore for %s", fc.FilePath)
		return s.fs.Remove(final)
	}
	if err := s.fs.Rename(prev, final); err != nil {
		return fmt.Errorf("failed to restore previous image: %w", err)
	}
	debug.Info("Rolled back to previous image %s", final)
	return nil
}

// SaveImageState persists rec atomically.
func (s *Store) SaveImageState(rec ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal image state: %w", err)
	}

	target := path.Join(s.dir, stateFile)
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write image state: %w", err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to rename image state: %w", err)
	}
	return nil
}

// LoadImageState returns the persisted image state, or ImageUnknown when
// none was saved.
func (s *Store) LoadImageState() (ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, path.Join(s.dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return ImageRecord{State: ImageUnknown}, nil
		}
		return ImageRecord{}, fmt.Errorf("failed to read image state: %w", err)
	}

	var rec ImageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ImageRecord{}, fmt.Errorf("failed to parse image state: %w", err)
	}
	return rec, nil
}

type imageSink struct {
	mu      sync.Mutex
	fs      afero.Fs
	f       afero.File
	staged  string
	pending string
	done    bool
}

func (s *imageSink) WriteBlock(offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return fmt.Errorf("image %s already closed", s.staged)
	}
	if _, err := s.f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write at offset %d: %w", offset, err)
	}
	return nil
}

func (s *imageSink) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.ReadAt(p, off)
}

// Close flushes the staged image and marks it pending activation.
func (s *imageSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return fmt.Errorf("image %s already closed", s.staged)
	}
	s.done = true

	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("failed to sync image: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("failed to close image: %w", err)
	}
	if err := s.fs.Rename(s.staged, s.pending); err != nil {
		return fmt.Errorf("failed to stage image for activation: %w", err)
	}
	return nil
}

// Abort discards the staged image.
func (s *imageSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}
	s.done = true

	s.f.Close()
	if err := s.fs.Remove(s.staged); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staged image: %w", err)
	}
	debug.Info("Discarded staged image %s", s.staged)
	return nil
}

package checkpoints

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	LatestFile = "ckpt.pth"
	BestFile   = "best.pth"
)

// Store keeps the latest and best snapshots of one run directory.
type Store struct {
	dir   string
	saver *CheckpointSaver
}

// NewStore creates dir if needed and returns a store writing in format.
func NewStore(dir string, format CheckpointFormat) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{dir: dir, saver: NewCheckpointSaver(format)}, nil
}

func (s *Store) Dir() string        { return s.dir }
func (s *Store) LatestPath() string { return filepath.Join(s.dir, LatestFile) }
func (s *Store) BestPath() string   { return filepath.Join(s.dir, BestFile) }

// SaveLatest overwrites ckpt.pth.
func (s *Store) SaveLatest(c *Checkpoint) error {
	return s.saver.SaveCheckpoint(c, s.LatestPath())
}

// SaveBest overwrites best.pth.
func (s *Store) SaveBest(c *Checkpoint) error {
	return s.saver.SaveCheckpoint(c, s.BestPath())
}

func (s *Store) LoadLatest() (*Checkpoint, error) {
	return s.saver.LoadCheckpoint(s.LatestPath())
}

func (s *Store) LoadBest() (*Checkpoint, error) {
	return s.saver.LoadCheckpoint(s.BestPath())
}

// HasLatest reports whether a resumable snapshot exists.
func (s *Store) HasLatest() (bool, error) {
	_, err := os.Stat(s.LatestPath())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

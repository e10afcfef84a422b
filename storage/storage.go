// File: storage/storage.go
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"secure-voting/models"
)

const snapshotTimeLayout = "20060102150405.000000"

// SnapshotStore writes periodic Merkle root snapshots as timestamped JSON
// files, one series per session, keeping only the most recent ones.
type SnapshotStore struct {
	dataDir string
	keep    int
	mutex   sync.RWMutex
	log     log.Logger
}

type snapshotFile struct {
	path      string
	timestamp time.Time
}

type snapshotFiles []snapshotFile

func (f snapshotFiles) Len() int           { return len(f) }
func (f snapshotFiles) Less(i, j int) bool { return f[i].timestamp.Before(f[j].timestamp) }
func (f snapshotFiles) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func NewSnapshotStore(dataDir string, keep int) (*SnapshotStore, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get absolute path")
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}
	if keep < 1 {
		keep = 1
	}
	return &SnapshotStore{
		dataDir: absPath,
		keep:    keep,
		log:     log.New("module", "snapshots"),
	}, nil
}

func snapshotPattern(sessionID string) string {
	return fmt.Sprintf("roots_%s_*.json", sessionID)
}

// listFiles returns the snapshot files of a session, oldest first.
func (s *SnapshotStore) listFiles(sessionID string) (snapshotFiles, error) {
	files, err := filepath.Glob(filepath.Join(s.dataDir, snapshotPattern(sessionID)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list files")
	}
	prefix := "roots_" + sessionID + "_"
	var out snapshotFiles
	for _, file := range files {
		base := filepath.Base(file)
		stamp := strings.TrimSuffix(strings.TrimPrefix(base, prefix), ".json")
		ts, err := time.Parse(snapshotTimeLayout, stamp)
		if err != nil {
			s.log.Warn("Invalid timestamp in snapshot filename", "file", base, "err", err)
			continue
		}
		out = append(out, snapshotFile{path: file, timestamp: ts})
	}
	sort.Sort(out)
	return out, nil
}

// Save writes a snapshot atomically and prunes the oldest files of that session.
func (s *SnapshotStore) Save(snap models.RootSnapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode snapshot")
	}
	name := fmt.Sprintf("roots_%s_%s.json", snap.SessionID, snap.TakenAt.UTC().Format(snapshotTimeLayout))
	path := filepath.Join(s.dataDir, name)

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write snapshot file")
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "failed to save snapshot file")
	}

	if err := s.cleanupOldFiles(snap.SessionID); err != nil {
		s.log.Warn("Failed to clean up old snapshots", "session", snap.SessionID, "err", err)
	}
	s.log.Debug("Saved root snapshot", "session", snap.SessionID, "size", snap.TreeSize, "file", name)
	return nil
}

// Latest returns the most recent snapshot of a session, or ErrNotFound.
func (s *SnapshotStore) Latest(sessionID string) (*models.RootSnapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	files, err := s.listFiles(sessionID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "no snapshot for session %s", sessionID)
	}
	return readSnapshot(files[len(files)-1].path)
}

// List returns every retained snapshot of a session, oldest first.
func (s *SnapshotStore) List(sessionID string) ([]*models.RootSnapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	files, err := s.listFiles(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.RootSnapshot, 0, len(files))
	for _, f := range files {
		snap, err := readSnapshot(f.path)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func readSnapshot(path string) (*models.RootSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open file %s", path)
	}
	var snap models.RootSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "failed to decode snapshot from %s", path)
	}
	return &snap, nil
}

func (s *SnapshotStore) cleanupOldFiles(sessionID string) error {
	files, err := s.listFiles(sessionID)
	if err != nil {
		return err
	}
	if len(files) <= s.keep {
		return nil
	}
	for i := 0; i < len(files)-s.keep; i++ {
		if err := os.Remove(files[i].path); err != nil {
			s.log.Warn("Failed to remove old snapshot", "file", files[i].path, "err", err)
		}
	}
	return nil
}

package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"credits-ledger/internal/account"
)

const snapshotFile = "accounts.json"

// FileSnapshotStore implements SnapshotStore using a single JSON file
type FileSnapshotStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileSnapshotStore creates a new file-based snapshot store
func NewFileSnapshotStore(baseDir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileSnapshotStore{
		baseDir: baseDir,
	}, nil
}

// Save writes the snapshot through a temp file and a rename
func (s *FileSnapshotStore) Save(ctx context.Context, snapshot account.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	filePath := filepath.Join(s.baseDir, snapshotFile)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}

	return nil
}

// Load reads the latest snapshot
func (s *FileSnapshotStore) Load(ctx context.Context) (account.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, snapshotFile))
	if os.IsNotExist(err) {
		return account.Snapshot{}, false, nil
	}
	if err != nil {
		return account.Snapshot{}, false, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snapshot account.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return account.Snapshot{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snapshot, true, nil
}

package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"credits-ledger/internal/credits"
)

const journalFile = "events.log"

// journalRecord is one persisted line of the journal
type journalRecord struct {
	Version int           `json:"version"`
	Event   credits.Event `json:"event"`
}

// FileJournal implements Journal using one JSONL file per account
type FileJournal struct {
	baseDir string
	mu      sync.RWMutex
	files   map[string]*os.File // accountID -> file handle
}

// NewFileJournal creates a new file-based journal
func NewFileJournal(baseDir string) (*FileJournal, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileJournal{
		baseDir: baseDir,
		files:   make(map[string]*os.File),
	}, nil
}

// Record appends an event to the account's log
func (j *FileJournal) Record(ctx context.Context, event credits.Event) error {
	if event.AccountID == "" {
		return fmt.Errorf("event has no account id")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := j.getOrCreateFile(event.AccountID)
	if err != nil {
		return fmt.Errorf("failed to get file for account %s: %w", event.AccountID, err)
	}

	data, err := json.Marshal(journalRecord{Version: 1, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	// Sync to disk for durability
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	return nil
}

// getOrCreateFile gets or creates a file handle for an account
func (j *FileJournal) getOrCreateFile(accountID string) (*os.File, error) {
	if file, ok := j.files[accountID]; ok {
		return file, nil
	}

	dir, err := j.accountDir(accountID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create account directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	j.files[accountID] = file
	return file, nil
}

// ReadFrom reads events with version >= fromVersion
func (j *FileJournal) ReadFrom(ctx context.Context, accountID string, fromVersion int64) ([]credits.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var events []credits.Event
	err := j.scan(accountID, func(event credits.Event) {
		if event.Version >= fromVersion {
			events = append(events, event)
		}
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []credits.Event{}
	}
	return events, nil
}

// LastVersion returns the highest recorded version for an account
func (j *FileJournal) LastVersion(ctx context.Context, accountID string) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var last int64
	err := j.scan(accountID, func(event credits.Event) {
		if event.Version > last {
			last = event.Version
		}
	})
	if err != nil {
		return 0, err
	}
	return last, nil
}

// ListAccounts lists all accounts that have a journal
func (j *FileJournal) ListAccounts(ctx context.Context) ([]string, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entries, err := os.ReadDir(j.baseDir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	accounts := []string{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(j.baseDir, entry.Name(), journalFile)); err == nil {
			accounts = append(accounts, entry.Name())
		}
	}
	return accounts, nil
}

// Close closes all open file handles
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var errs []error
	for accountID, file := range j.files {
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file for account %s: %w", accountID, err))
		}
	}
	j.files = make(map[string]*os.File)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing files: %v", errs)
	}
	return nil
}

// scan decodes every event of an account in file order
func (j *FileJournal) scan(accountID string, fn func(credits.Event)) error {
	dir, err := j.accountDir(accountID)
	if err != nil {
		return err
	}

	file, err := os.Open(filepath.Join(dir, journalFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record journalRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("failed to unmarshal journal record: %w", err)
		}
		fn(record.Event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan journal file: %w", err)
	}
	return nil
}

// accountDir keeps account ids from escaping the base directory
func (j *FileJournal) accountDir(accountID string) (string, error) {
	if accountID == "" || accountID == "." || accountID == ".." || filepath.Base(accountID) != accountID {
		return "", fmt.Errorf("invalid account id %q", accountID)
	}
	return filepath.Join(j.baseDir, accountID), nil
}

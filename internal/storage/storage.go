package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"cronwatch/internal/fsutil"
	"cronwatch/internal/history"
)

var (
	// ErrLocked is returned when another run holds the history lock past the timeout.
	ErrLocked = errors.New("history is locked by another run")
	// ErrHistorySave wraps every failure to persist the history.
	ErrHistorySave = errors.New("save history")

	errBusy = errors.New("lock busy")
)

const lockPollInterval = 100 * time.Millisecond

// FileStore persists the history to a single JSON file guarded by a lock file.
type FileStore struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	log         zerolog.Logger
}

// Lock is a held exclusive history lock.
type Lock struct {
	file *os.File
	path string
}

// NewFileStore prepares the data directory for the history file at path.
func NewFileStore(path string, lockTimeout time.Duration, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}
	return &FileStore{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: lockTimeout,
		log:         log.With().Str("history_file", path).Logger(),
	}, nil
}

// Path returns the history file location.
func (f *FileStore) Path() string {
	return f.path
}

// Lock blocks until the exclusive history lock is held, the lock timeout
// expires (ErrLocked) or ctx is done.
func (f *FileStore) Lock(ctx context.Context) (*Lock, error) {
	deadline := time.Now().Add(f.lockTimeout)
	logged := false
	for {
		file, err := tryLock(f.lockPath)
		if err == nil {
			return &Lock{file: file, path: f.lockPath}, nil
		}
		if !errors.Is(err, errBusy) {
			return nil, fmt.Errorf("acquire history lock: %w", err)
		}
		if !logged {
			f.log.Warn().Dur("timeout", f.lockTimeout).Msg("history locked by another run, waiting")
			logged = true
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, f.lockPath)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlock(l.file, l.path)
	l.file = nil
	return err
}

// Load reads the persisted history. A missing, empty or unreadable file
// yields an empty store.
func (f *FileStore) Load(retention history.Retention) *history.Store {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.log.Info().Msg("no history yet, starting empty")
		} else {
			f.log.Warn().Err(err).Msg("read history failed, starting empty")
		}
		return history.New(retention)
	}
	if len(data) == 0 {
		return history.New(retention)
	}
	store, err := history.Decode(data, retention)
	if err != nil {
		f.log.Warn().Err(err).Msg("history is corrupt, starting empty")
		return history.New(retention)
	}
	return store
}

// Save atomically replaces the history file with the store content.
func (f *FileStore) Save(store *history.Store) error {
	data, err := store.Encode()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHistorySave, err)
	}
	if err := fsutil.WriteFileAtomic(f.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrHistorySave, err)
	}
	return nil
}

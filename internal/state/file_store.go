package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileStore persists state as JSON on disk with atomic replacement.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore returns a JSON-backed state store.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Load reads state from disk. Missing or corrupt files return an empty state
// with a warning rather than an error, so the daemon always starts.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Str("path", s.path).Msg("state file missing, starting fresh")
			return State{Services: map[string]ServiceSnapshot{}}, nil
		}
		return State{}, err
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn().Str("path", s.path).Err(err).Msg("state file corrupt, starting fresh")
		return State{Services: map[string]ServiceSnapshot{}}, nil
	}
	if loaded.Services == nil {
		loaded.Services = map[string]ServiceSnapshot{}
	}
	return loaded, nil
}

// Save writes state to disk atomically via a temp file and rename.
func (s *FileStore) Save(ctx context.Context, snapshot State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snapshot.Services == nil {
		snapshot.Services = map[string]ServiceSnapshot{}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return err
	}

	cleanup := func() {
		_ = os.Remove(tempFile.Name())
	}

	if err := json.NewEncoder(tempFile).Encode(snapshot); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Close(); err != nil {
		cleanup()
		return err
	}

	if err := os.Rename(tempFile.Name(), s.path); err != nil {
		cleanup()
		return err
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}

	return nil
}

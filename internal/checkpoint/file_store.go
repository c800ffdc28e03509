package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chimera/internal/workflow"

	"github.com/gofrs/flock"
)

// FileStore writes one JSON document per job under a directory. Writers
// take an exclusive flock on "<job>.json.lock" so several processes can
// share the directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// fileID accepts only IDs that name a single file in the directory, so two
// distinct IDs never share a snapshot.
func fileID(jobID string) (string, error) {
	id, err := normalizeID(jobID)
	if err != nil {
		return "", err
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, jobID)
	}
	return id, nil
}

func (f *FileStore) lock(id string) (*flock.Flock, error) {
	fl := flock.New(f.path(id) + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", fl.Path(), err)
	}
	return fl, nil
}

func (f *FileStore) Save(_ context.Context, s workflow.State) error {
	if f == nil {
		return fmt.Errorf("store is nil")
	}
	id, err := fileID(s.JobID)
	if err != nil {
		return err
	}
	data, err := encode(s)
	if err != nil {
		return err
	}
	fl, err := f.lock(id)
	if err != nil {
		return err
	}
	defer fl.Unlock()
	return atomicWrite(f.path(id), data)
}

func (f *FileStore) Load(_ context.Context, jobID string) (workflow.State, error) {
	if f == nil {
		return workflow.State{}, fmt.Errorf("store is nil")
	}
	id, err := fileID(jobID)
	if err != nil {
		return workflow.State{}, err
	}
	return f.read(id)
}

func (f *FileStore) read(id string) (workflow.State, error) {
	raw, err := os.ReadFile(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return workflow.State{}, ErrNotFound
	}
	if err != nil {
		return workflow.State{}, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	return decode(id, raw)
}

func (f *FileStore) Delete(_ context.Context, jobID string) error {
	if f == nil {
		return fmt.Errorf("store is nil")
	}
	id, err := fileID(jobID)
	if err != nil {
		return err
	}
	fl, err := f.lock(id)
	if err != nil {
		return err
	}
	defer func() {
		_ = fl.Unlock()
		_ = os.Remove(fl.Path())
	}()
	if err := os.Remove(f.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

func (f *FileStore) List(_ context.Context, stage workflow.Stage) ([]workflow.State, error) {
	if f == nil {
		return nil, fmt.Errorf("store is nil")
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := []workflow.State{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		s, err := f.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if matches(s, stage) {
			out = append(out, s)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// atomicWrite writes through a temp file in the same directory and renames it
// into place, so readers never observe a partial snapshot.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}

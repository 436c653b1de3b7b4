package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileRepository keeps one JSON document per institution under a directory.
type FileRepository struct {
	dir string
}

// NewFileRepository builds a repository reading and writing <dir>/<institution>.json.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

func (r *FileRepository) path(id InstitutionID) string {
	return filepath.Join(r.dir, string(id)+".json")
}

// Load reads and decodes the institution file.
func (r *FileRepository) Load(_ context.Context, id InstitutionID) (Record, error) {
	raw, err := os.ReadFile(r.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", r.path(id), err)
	}
	return rec, nil
}

// Save writes the whole record to a temp file and renames it over the old one.
func (r *FileRepository) Save(_ context.Context, id InstitutionID, record Record) error {
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.dir, string(id)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // nolint:errcheck

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.path(id))
}

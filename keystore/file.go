package keystore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
)

// File stores the blob in a single file. Writes go through a temp file
// and rename so a crash mid-write never leaves a torn blob.
type File struct {
	path string
}

var _ Keystore = (*File)(nil)

// NewFile creates a file-backed keystore at path. Parent directories are
// created with owner-only permissions.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("[keystore.NewFile] path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "[keystore.NewFile] os.MkdirAll")
	}
	return &File{path: path}, nil
}

func (f *File) Store(_ context.Context, blob []byte) error {
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return errors.Wrap(err, "[File.Store] os.WriteFile")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "[File.Store] os.Rename")
	}
	return nil
}

func (f *File) Retrieve(_ context.Context) ([]byte, error) {
	blob, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrNotFound
		}
		return nil, errors.Wrap(err, "[File.Retrieve] os.ReadFile")
	}
	return blob, nil
}

func (f *File) Remove(_ context.Context) error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "[File.Remove] os.Remove")
	}
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/lancedb/lancego/pkg/contracts"
)

const tmpPrefix = ".tmp-"

// LocalStore implements ObjectStore on the local file system
type LocalStore struct {
	root       string
	syncWrites bool
}

var _ ObjectStore = (*LocalStore)(nil)

// NewLocalStore opens a store rooted at root, creating the directory unless
// the config disables it
func NewLocalStore(root string, config *contracts.LocalConfig) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", root, err)
	}

	create := true
	s := &LocalStore{root: abs}
	if config != nil {
		if config.CreateDirIfNotExists != nil {
			create = *config.CreateDirIfNotExists
		}
		if config.SyncWrites != nil {
			s.syncWrites = *config.SyncWrites
		}
	}

	if create {
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", abs, err)
		}
	} else if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("database directory %s: %w", abs, err)
	}
	return s, nil
}

func (s *LocalStore) path(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(p))
}

func (s *LocalStore) URI() string { return s.root }

func (s *LocalStore) Get(_ context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(s.path(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return data, err
}

// writeTemp writes data next to its final location so a rename or link is atomic
func (s *LocalStore) writeTemp(p string, data []byte) (string, error) {
	full := s.path(p)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	tmp := filepath.Join(filepath.Dir(full), tmpPrefix+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if s.syncWrites {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func (s *LocalStore) Put(_ context.Context, p string, data []byte) error {
	tmp, err := s.writeTemp(p, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(p)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// PutIfAbsent links a fully written temp file into place; link(2) fails
// when the target exists, which makes the create atomic
func (s *LocalStore) PutIfAbsent(_ context.Context, p string, data []byte) error {
	tmp, err := s.writeTemp(p, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, s.path(p)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", p, ErrExists)
		}
		return err
	}
	return nil
}

func (s *LocalStore) Delete(_ context.Context, p string) error {
	err := os.Remove(s.path(p))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalStore) Exists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(s.path(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *LocalStore) List(_ context.Context, dir string) ([]ObjectInfo, error) {
	start := s.path(strings.Trim(dir, "/"))
	var out []ObjectInfo
	err := filepath.WalkDir(start, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(s.root, full)
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{
			Path:         filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *LocalStore) DeletePrefix(_ context.Context, dir string) error {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	return os.RemoveAll(s.path(dir))
}

// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

// Package storage provides the object stores tables are persisted to.
//
// Paths are slash separated and relative to the store root. Objects are
// immutable once written, with one exception: PutIfAbsent is the only
// operation allowed to race, and exactly one concurrent caller wins.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lancedb/lancego/pkg/contracts"
)

var (
	// ErrNotFound is returned by Get for a missing object
	ErrNotFound = errors.New("object not found")
	// ErrExists is returned by PutIfAbsent when the object already exists
	ErrExists = errors.New("object already exists")
)

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the byte-level storage a table lives on
type ObjectStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	// PutIfAbsent atomically creates path, failing with ErrExists
	PutIfAbsent(ctx context.Context, path string, data []byte) error
	// Delete is idempotent
	Delete(ctx context.Context, path string) error
	// List returns every object below the directory dir, sorted by path.
	// An empty dir lists the whole store.
	List(ctx context.Context, dir string) ([]ObjectInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
	// DeletePrefix removes every object below the directory dir
	DeletePrefix(ctx context.Context, dir string) error
	// URI returns the root the store was opened with
	URI() string
}

// Open resolves a connection URI to a store. Supported forms are plain
// paths, file://, memory:// and s3://bucket/prefix.
func Open(ctx context.Context, uri string, options *contracts.StorageOptions) (ObjectStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("empty database URI")
	}
	if !strings.Contains(uri, "://") {
		return NewLocalStore(uri, localConfig(options))
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URI %s: %w", uri, err)
	}

	switch u.Scheme {
	case "file":
		return NewLocalStore(u.Host+u.Path, localConfig(options))
	case "memory":
		return SharedMemoryStore(u.Host + u.Path), nil
	case "s3", "s3+minio":
		var s3 *contracts.S3Config
		if options != nil {
			s3 = options.S3Config
		}
		return NewMinioStore(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), s3)
	default:
		return nil, fmt.Errorf("unsupported URI scheme %q in %s", u.Scheme, uri)
	}
}

// Join builds a store path from its segments
func Join(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}

// Prefixed scopes a store to a sub-path. Tables use it to address their own
// files with short relative paths.
type Prefixed struct {
	inner  ObjectStore
	prefix string
}

// WithPrefix returns a view of store rooted at prefix
func WithPrefix(store ObjectStore, prefix string) *Prefixed {
	return &Prefixed{inner: store, prefix: strings.Trim(prefix, "/")}
}

func (p *Prefixed) full(path string) string { return Join(p.prefix, path) }

func (p *Prefixed) Get(ctx context.Context, path string) ([]byte, error) {
	return p.inner.Get(ctx, p.full(path))
}

func (p *Prefixed) Put(ctx context.Context, path string, data []byte) error {
	return p.inner.Put(ctx, p.full(path), data)
}

func (p *Prefixed) PutIfAbsent(ctx context.Context, path string, data []byte) error {
	return p.inner.PutIfAbsent(ctx, p.full(path), data)
}

func (p *Prefixed) Delete(ctx context.Context, path string) error {
	return p.inner.Delete(ctx, p.full(path))
}

func (p *Prefixed) Exists(ctx context.Context, path string) (bool, error) {
	return p.inner.Exists(ctx, p.full(path))
}

func (p *Prefixed) DeletePrefix(ctx context.Context, dir string) error {
	return p.inner.DeletePrefix(ctx, p.full(dir))
}

func (p *Prefixed) List(ctx context.Context, dir string) ([]ObjectInfo, error) {
	infos, err := p.inner.List(ctx, p.full(dir))
	if err != nil {
		return nil, err
	}
	for i := range infos {
		infos[i].Path = strings.TrimPrefix(strings.TrimPrefix(infos[i].Path, p.prefix), "/")
	}
	return infos, nil
}

func (p *Prefixed) URI() string {
	return strings.TrimSuffix(p.inner.URI(), "/") + "/" + p.prefix
}

func localConfig(options *contracts.StorageOptions) *contracts.LocalConfig {
	if options == nil {
		return nil
	}
	return options.LocalConfig
}

// underDir reports whether path lies below dir
func underDir(path, dir string) bool {
	dir = strings.Trim(dir, "/")
	return dir == "" || strings.HasPrefix(path, dir+"/")
}

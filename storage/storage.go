// Package storage keeps uploaded inputs and render results behind a small
// key/value interface with a filesystem and an S3 implementation.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/stevecastle/stereoeye/appconfig"
)

// ErrNotFound is returned by Get and Delete for unknown keys.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that are empty or escape the store.
var ErrInvalidKey = errors.New("invalid object key")

// Store is a flat object store. Keys are slash separated.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by cfg.
func New(ctx context.Context, cfg appconfig.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", appconfig.BackendLocal:
		return NewLocalStore(cfg.LocalDir)
	case appconfig.BackendS3:
		return NewS3Store(ctx, cfg.S3)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

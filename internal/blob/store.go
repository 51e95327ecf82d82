// Package blob stores document bytes by key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/pitabwire/signet/model"
)

// Store reads and writes document content.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// DocumentKey is the key of a document version's original content.
func DocumentKey(documentID, versionID string) string {
	return path.Join("documents", documentID, versionID)
}

// SignedKey is the key of the signed output produced by an attempt.
func SignedKey(documentID, versionID, attemptID string) string {
	return path.Join("signed", documentID, versionID, attemptID)
}

// FSStore is a Store over an afero filesystem rooted at a directory.
type FSStore struct {
	fs afero.Fs
}

// NewFSStore creates a store rooted at root on fs.
func NewFSStore(fs afero.Fs, root string) *FSStore {
	if root != "" && root != "/" {
		fs = afero.NewBasePathFs(fs, root)
	}
	return &FSStore{fs: fs}
}

// NewOSStore creates a store on the local filesystem under root.
func NewOSStore(root string) *FSStore {
	return NewFSStore(afero.NewOsFs(), root)
}

// NewMemStore creates an in-memory store.
func NewMemStore() *FSStore {
	return NewFSStore(afero.NewMemMapFs(), "")
}

// Get returns the bytes stored under key, or NOT_FOUND.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := clean(key)
	if err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(s.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, model.NewNotFoundError(fmt.Sprintf("blob %q not found", key))
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return b, nil
}

// Put writes data under key, replacing any previous content.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := clean(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, p, data, 0o640); err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := clean(key)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, p)
}

func clean(key string) (string, error) {
	p := path.Clean("/" + key)
	if key == "" || p == "/" || strings.Contains(key, "..") {
		return "", model.NewBadRequestError(fmt.Sprintf("invalid blob key %q", key))
	}
	return p, nil
}

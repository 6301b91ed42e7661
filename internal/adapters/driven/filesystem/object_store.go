package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.ObjectStore = (*ObjectStore)(nil)

// ObjectStore implements driven.ObjectStore on a local directory tree.
// Each container is a directory under Root and keys are slash-separated
// paths inside it.
type ObjectStore struct {
	root string
}

// NewObjectStore creates the root directory if needed.
func NewObjectStore(root string) (*ObjectStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: object store root is required", domain.ErrInvalidInput)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &ObjectStore{root: root}, nil
}

// Root returns the base directory.
func (s *ObjectStore) Root() string {
	return s.root
}

// Get reads container/key
func (s *ObjectStore) Get(ctx context.Context, container, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(container, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, mapError(container, key, err)
	}
	return data, nil
}

// List returns files under container whose key starts with prefix, sorted by key
func (s *ObjectStore) List(ctx context.Context, container, prefix string) ([]driven.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base, err := s.resolve(container, "")
	if err != nil {
		return nil, err
	}

	// Walk only the deepest directory the prefix names
	start := base
	if dir := path.Dir(prefix); strings.Contains(prefix, "/") && dir != "." {
		start = filepath.Join(base, filepath.FromSlash(dir))
	}

	var objects []driven.ObjectInfo
	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, driven.ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, mapError(container, prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Put writes data through a temporary file and rename, so readers never see
// a partial object.
func (s *ObjectStore) Put(ctx context.Context, container, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(container, key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return mapError(container, key, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return mapError(container, key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return mapError(container, key, err)
	}
	if err := tmp.Close(); err != nil {
		return mapError(container, key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return mapError(container, key, err)
	}
	return nil
}

// Ping checks the root directory is still there
func (s *ObjectStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("object store root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("object store root %s is not a directory", s.root)
	}
	return nil
}

// resolve maps container/key to a path, rejecting anything that would
// escape the container directory.
func (s *ObjectStore) resolve(container, key string) (string, error) {
	if container == "" || strings.ContainsAny(container, `/\`) || container == "." || container == ".." {
		return "", fmt.Errorf("%w: invalid container %q", domain.ErrInvalidInput, container)
	}
	base := filepath.Join(s.root, container)
	if key == "" {
		return base, nil
	}
	clean := path.Clean("/" + key)
	if clean == "/" || clean != "/"+key {
		return "", fmt.Errorf("%w: invalid key %q", domain.ErrInvalidInput, key)
	}
	return filepath.Join(base, filepath.FromSlash(clean[1:])), nil
}

func mapError(container, key string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s/%s: %w", container, key, domain.ErrObjectNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s/%s: %w", container, key, domain.ErrAccessDenied)
	default:
		return fmt.Errorf("%s/%s: %w", container, key, err)
	}
}

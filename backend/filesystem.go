package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Filesystem implements Backend using the local filesystem.
// Objects are sharded by the first two characters of their key and framed
// with an ObjectHeader so the content type survives a restart.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
	now  func() time.Time
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot, now: time.Now}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Put stores data at the given key using atomic write.
func (fs *Filesystem) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	path, err := fs.keyToPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	header := &ObjectHeader{ContentType: contentType, StoredAt: fs.now().UTC()}
	if _, err := WriteFramed(tmp, header, r); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Get retrieves the object at the given key.
func (fs *Filesystem) Get(ctx context.Context, key string) (*Object, error) {
	path, err := fs.keyToPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	header, overhead, body, err := ReadFramed(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	contentType := header.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	return &Object{
		Body:        &fileBody{Reader: body, f: f},
		ContentType: contentType,
		Size:        info.Size() - overhead,
		StoredAt:    header.StoredAt,
	}, nil
}

// Delete removes data at the given key.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	path, err := fs.keyToPath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	path, err := fs.keyToPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns up to limit keys in lexical order after pageToken.
// Shard directories are read one at a time, so memory is bounded by the
// largest shard rather than the whole store.
func (fs *Filesystem) List(ctx context.Context, pageToken string, limit int) (*ListPage, error) {
	if limit <= 0 {
		limit = 1000
	}

	shards, err := os.ReadDir(fs.root)
	if err != nil {
		return nil, fmt.Errorf("reading root directory: %w", err)
	}

	startShard := ""
	if pageToken != "" {
		startShard = shardOf(pageToken)
	}

	page := &ListPage{}
	for _, sd := range shards {
		if !sd.IsDir() || sd.Name() < startShard {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		shardDir := filepath.Join(fs.root, sd.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			return nil, fmt.Errorf("reading shard %s: %w", sd.Name(), err)
		}

		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".tmp-") {
				continue
			}
			if pageToken != "" && name <= pageToken {
				continue
			}
			if len(page.Entries) == limit {
				page.NextPageToken = page.Entries[limit-1].Key
				return page, nil
			}

			size, err := fs.bodySize(filepath.Join(shardDir, name))
			if err != nil {
				// Deleted between ReadDir and open.
				if os.IsNotExist(err) {
					continue
				}
				return nil, err
			}
			page.Entries = append(page.Entries, Entry{Key: name, Size: size})
		}
	}
	return page, nil
}

func (fs *Filesystem) bodySize(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	overhead, err := FramingOverhead(f)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return info.Size() - overhead, nil
}

// keyToPath converts a key to a sharded filesystem path.
func (fs *Filesystem) keyToPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(fs.root, shardOf(key), key), nil
}

func shardOf(key string) string {
	if len(key) < 2 {
		return "_"
	}
	return key[:2]
}

// fileBody closes the underlying file once the body is consumed.
type fileBody struct {
	io.Reader
	f *os.File
}

func (b *fileBody) Close() error {
	return b.f.Close()
}

// Compile-time interface checks
var _ Backend = (*Filesystem)(nil)

// Package cached keeps a local disk copy of blobs read from a remote store.
//
// Blobs are immutable and named by their hash, so a cached copy never goes
// stale: entries are only dropped for space, age or an explicit Delete.
// Every cached read is verified against its id before it is served.
package cached

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rbaliyan/queueview/store"
)

// Store wraps a BlobStore with a size-bounded disk cache.
type Store struct {
	backend  store.BlobStore
	cacheDir string
	maxSize  int64
	ttl      time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	cacheSize int64

	stop chan struct{}
	done chan struct{}
}

var _ store.BlobStore = (*Store)(nil)

// New creates a cached store in front of backend. Call Close to stop the
// background expiry loop.
func New(backend store.BlobStore, opts ...Option) (*Store, error) {
	o := &options{
		cacheDir: os.TempDir(),
		maxSize:  1 << 30,
		ttl:      24 * time.Hour,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	dir := filepath.Join(o.cacheDir, "queueview-blobs")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	s := &Store{
		backend:  backend,
		cacheDir: dir,
		maxSize:  o.maxSize,
		ttl:      o.ttl,
		logger:   o.logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.cacheSize = s.scan()

	if s.ttl > 0 {
		go s.expireLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Save writes through to the backend and caches the data.
func (s *Store) Save(ctx context.Context, data []byte) (store.BlobID, error) {
	id, err := s.backend.Save(ctx, data)
	if err != nil {
		return "", err
	}
	s.put(id, data)
	return id, nil
}

// Load serves the blob from disk when a verified copy exists, otherwise
// from the backend, caching what it read.
func (s *Store) Load(ctx context.Context, id store.BlobID) (io.ReadCloser, error) {
	if !id.Valid() {
		return nil, store.ErrInvalidID
	}

	if data, ok := s.get(id); ok {
		s.logger.Debug("blob cache hit", "blob_id", id)
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	rc, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	s.put(id, data)
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the blob from the cache and the backend.
func (s *Store) Delete(ctx context.Context, id store.BlobID) error {
	if id.Valid() {
		s.remove(s.path(id))
	}
	return s.backend.Delete(ctx, id)
}

// Close stops the expiry loop. The cache directory is kept.
func (s *Store) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return nil
}

// Size returns the bytes currently cached.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheSize
}

func (s *Store) path(id store.BlobID) string {
	return filepath.Join(s.cacheDir, string(id))
}

func (s *Store) get(id store.BlobID) ([]byte, bool) {
	p := s.path(id)
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	if store.ComputeBlobID(data) != id {
		s.logger.Warn("dropping corrupt cache entry", "blob_id", id)
		s.remove(p)
		return nil, false
	}
	now := time.Now()
	_ = os.Chtimes(p, now, now)
	return data, true
}

func (s *Store) put(id store.BlobID, data []byte) {
	size := int64(len(data))
	if size > s.maxSize {
		return
	}
	p := s.path(id)
	if _, err := os.Stat(p); err == nil {
		return
	}

	tmp, err := os.CreateTemp(s.cacheDir, "tmp-*")
	if err != nil {
		s.logger.Warn("failed to create cache file", "error", err)
		return
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		s.logger.Warn("failed to write cache file", "error", errorsOr(werr, cerr))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		s.logger.Warn("failed to install cache file", "error", err)
		return
	}
	s.cacheSize += size
	if s.cacheSize > s.maxSize {
		s.evictLocked(s.cacheSize - s.maxSize)
	}
}

func (s *Store) remove(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := os.Stat(p)
	if err != nil {
		return
	}
	if os.Remove(p) == nil {
		s.cacheSize = max(s.cacheSize-info.Size(), 0)
	}
}

type entry struct {
	path  string
	size  int64
	atime time.Time
}

func (s *Store) entries() []entry {
	dirEntries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		s.logger.Warn("failed to read cache dir", "error", err)
		return nil
	}
	var out []entry
	for _, de := range dirEntries {
		if de.IsDir() || !store.BlobID(de.Name()).Valid() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, entry{path: filepath.Join(s.cacheDir, de.Name()), size: info.Size(), atime: info.ModTime()})
	}
	return out
}

func (s *Store) scan() int64 {
	var total int64
	for _, e := range s.entries() {
		total += e.size
	}
	return total
}

// evictLocked removes least recently used entries until need bytes are freed.
func (s *Store) evictLocked(need int64) {
	all := s.entries()
	slices.SortFunc(all, func(a, b entry) int { return a.atime.Compare(b.atime) })

	var freed int64
	for _, e := range all {
		if freed >= need {
			break
		}
		if os.Remove(e.path) == nil {
			freed += e.size
		}
	}
	s.cacheSize = max(s.cacheSize-freed, 0)
	s.logger.Debug("blob cache evicted", "freed_bytes", freed)
}

func (s *Store) expireLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.expire(time.Now())
		}
	}
}

// expire removes entries not read since now-ttl.
func (s *Store) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	var freed int64
	for _, e := range s.entries() {
		if now.Sub(e.atime) > s.ttl && os.Remove(e.path) == nil {
			removed++
			freed += e.size
		}
	}
	if removed > 0 {
		s.cacheSize = max(s.cacheSize-freed, 0)
		s.logger.Info("blob cache cleanup completed", "removed", removed, "freed_bytes", freed)
	}
}

func errorsOr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

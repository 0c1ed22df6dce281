package encore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"goflare.io/encore/config"
	"goflare.io/encore/models"
	"goflare.io/encore/utils"
)

// Store is durable key/value persistence for cache entries plus singleton
// state records. It deliberately keeps no aggregate metadata; reconciling
// totals on overwrite is the caller's job, which is why Set and Remove
// report the prior size.
type Store interface {
	// Get returns the entry for key, or (nil, nil) when absent. Callers
	// must still check expiry themselves.
	Get(ctx context.Context, key string) (*models.Entry, error)

	// Set upserts the entry and reports the size it replaced, if any.
	Set(ctx context.Context, key string, entry *models.Entry) (prevSize int64, replaced bool, err error)

	// Remove deletes the entry and reports the size it freed.
	Remove(ctx context.Context, key string) (removedSize int64, removed bool, err error)

	// Keys enumerates every present entry key. Bulk scan, not hot path.
	Keys(ctx context.Context) ([]string, error)

	// Entries returns metadata-only copies of every entry (no blob bytes).
	// Bulk scan for the optimizer and stats aggregator.
	Entries(ctx context.Context) ([]*models.Entry, error)

	// LoadState reads a singleton state record, or (nil, nil) when absent.
	LoadState(ctx context.Context, key string) ([]byte, error)

	// SaveState durably writes a singleton state record.
	SaveState(ctx context.Context, key string, data []byte) error

	Close() error
}

const indexFileName = "index.dat"

// FileStore is the durable Store: blobs and a serialized index under
// content/, state records under meta/, with a ristretto hot layer so
// repeated reads of the same entry skip the disk.
type FileStore struct {
	mu         sync.Mutex
	contentDir string
	metaDir    string
	index      map[string]*models.Entry

	hot    *ristretto.Cache
	ser    config.SerializationConfig
	logger *zap.Logger
}

// NewFileStore opens (or creates) a store rooted at dir and restores its
// index from a previous run.
func NewFileStore(dir string, maxMemory int64, ser config.SerializationConfig, logger *zap.Logger) (*FileStore, error) {
	contentDir := filepath.Join(dir, "content")
	metaDir := filepath.Join(dir, "meta")
	for _, d := range []string{contentDir, metaDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	fs := &FileStore{
		contentDir: contentDir,
		metaDir:    metaDir,
		index:      make(map[string]*models.Entry),
		ser:        ser,
		logger:     logger,
	}

	numCounters := maxMemory / 1024 * 10
	if numCounters < 1e4 {
		numCounters = 1e4
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxMemory,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	fs.hot = hot

	if err := fs.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load store index: %w", err)
	}

	return fs, nil
}

func (fs *FileStore) Get(ctx context.Context, key string) (*models.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	meta, ok := fs.index[key]
	if !ok {
		return nil, nil
	}

	if v, found := fs.hot.Get(key); found {
		if entry, ok := v.(*models.Entry); ok {
			cp := *entry
			return &cp, nil
		}
	}

	data, err := os.ReadFile(fs.blobPath(key))
	if err != nil || utils.Checksum(data) != meta.Checksum {
		// Corrupt or missing blob: drop the entry so it reads as a miss.
		fs.logger.Warn("dropping unreadable cache blob",
			zap.String("key", key), zap.Error(err))
		fs.removeLocked(key)
		return nil, nil
	}

	cp := *meta
	cp.Data = data
	fs.hot.Set(key, &cp, cost(cp.Size))

	out := cp
	return &out, nil
}

func (fs *FileStore) Set(ctx context.Context, key string, entry *models.Entry) (int64, bool, error) {
	select {
	case <-ctx.Done():
		return 0, false, ctx.Err()
	default:
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	var prevSize int64
	prev, replaced := fs.index[key]
	if replaced {
		prevSize = prev.Size
	}

	entry.Checksum = utils.Checksum(entry.Data)
	if err := fs.writeAtomic(fs.blobPath(key), entry.Data); err != nil {
		return 0, false, fmt.Errorf("failed to write blob: %w", err)
	}

	meta := *entry
	meta.Data = nil
	fs.index[key] = &meta

	if err := fs.saveIndexLocked(); err != nil {
		return 0, false, err
	}

	cp := *entry
	fs.hot.Set(key, &cp, cost(cp.Size))

	return prevSize, replaced, nil
}

func (fs *FileStore) Remove(ctx context.Context, key string) (int64, bool, error) {
	select {
	case <-ctx.Done():
		return 0, false, ctx.Err()
	default:
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	meta, ok := fs.index[key]
	if !ok {
		return 0, false, nil
	}
	size := meta.Size
	fs.removeLocked(key)

	if err := fs.saveIndexLocked(); err != nil {
		return size, true, err
	}
	return size, true, nil
}

func (fs *FileStore) Keys(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	keys := make([]string, 0, len(fs.index))
	for key := range fs.index {
		keys = append(keys, key)
	}
	return keys, nil
}

func (fs *FileStore) Entries(ctx context.Context) ([]*models.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries := make([]*models.Entry, 0, len(fs.index))
	for _, meta := range fs.index {
		cp := *meta
		entries = append(entries, &cp)
	}
	return entries, nil
}

func (fs *FileStore) LoadState(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(filepath.Join(fs.metaDir, utils.BlobFileName("state:"+key)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state %q: %w", key, err)
	}
	return data, nil
}

func (fs *FileStore) SaveState(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	path := filepath.Join(fs.metaDir, utils.BlobFileName("state:"+key))
	if err := fs.writeAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	return nil
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := fs.saveIndexLocked()
	fs.hot.Close()
	return err
}

// removeLocked drops the entry from the index, hot layer and disk. The
// caller holds the mutex and persists the index afterwards.
func (fs *FileStore) removeLocked(key string) {
	delete(fs.index, key)
	fs.hot.Del(key)
	if err := os.Remove(fs.blobPath(key)); err != nil && !os.IsNotExist(err) {
		fs.logger.Warn("failed to remove blob file", zap.String("key", key), zap.Error(err))
	}
}

func (fs *FileStore) blobPath(key string) string {
	return filepath.Join(fs.contentDir, utils.BlobFileName(key))
}

func (fs *FileStore) indexPath() string {
	return filepath.Join(fs.contentDir, indexFileName)
}

func (fs *FileStore) loadIndex() error {
	file, err := os.Open(fs.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	var index map[string]*models.Entry
	if err := fs.ser.Decoder(file).Decode(&index); err != nil {
		// A torn index means a fresh start, not a refusal to open.
		fs.logger.Warn("discarding unreadable store index", zap.Error(err))
		return nil
	}

	for key, meta := range index {
		if _, err := os.Stat(fs.blobPath(key)); os.IsNotExist(err) {
			continue
		}
		fs.index[key] = meta
	}
	return nil
}

func (fs *FileStore) saveIndexLocked() error {
	tmp := fs.indexPath() + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	if err := fs.ser.Encoder(file).Encode(fs.index); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, fs.indexPath())
}

func (fs *FileStore) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func cost(size int64) int64 {
	if size < 1 {
		return 1
	}
	return size
}

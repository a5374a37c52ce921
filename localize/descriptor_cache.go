package localize

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/geo/r2"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned when a keyframe has no cached features.
var ErrCacheMiss = errors.New("descriptor cache miss")

// DescriptorCache stores extracted keyframe features keyed by load index.
type DescriptorCache interface {
	Get(index int) ([]r2.Point, [][]float64, error)
	Put(index int, kps []r2.Point, descs [][]float64) error
	Close() error
}

// CacheConfig configures the badger descriptor cache.
type CacheConfig struct {
	Path        string `yaml:"path" json:"path"`
	InMemory    bool   `yaml:"inMemory" json:"inMemory"`
	SyncWrites  bool   `yaml:"syncWrites" json:"syncWrites"`
	Compression string `yaml:"compression" json:"compression" validate:"omitempty,oneof=zstd lz4 none"`
}

// DefaultCacheConfig returns a disk cache next to the working directory.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Path:        ".maplocalizer-cache",
		SyncWrites:  true,
		Compression: "zstd",
	}
}

// InMemoryCacheConfig returns a cache that keeps nothing on disk.
func InMemoryCacheConfig() CacheConfig {
	return CacheConfig{InMemory: true, Compression: "zstd"}
}

// badgerLogger routes badger's internal logging into zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// BadgerDescriptorCache is a DescriptorCache backed by BadgerDB. Values are
// compressed blobs under the keys keypoints<i> and descriptors<i>.
type BadgerDescriptorCache struct {
	db    *badger.DB
	codec Compression
}

// OpenDescriptorCache opens or creates the cache. A nil logger silences
// badger.
func OpenDescriptorCache(cfg CacheConfig, logger *zap.Logger) (*BadgerDescriptorCache, error) {
	codec, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("%w: path is required for persistent cache", ErrCacheUnreadable)
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("%w: create cache directory %s: %v", ErrCacheUnreadable, cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{s: logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCacheUnreadable, cfg.Path, err)
	}
	return &BadgerDescriptorCache{db: db, codec: codec}, nil
}

func keypointsKey(i int) []byte   { return []byte(fmt.Sprintf("keypoints%d", i)) }
func descriptorsKey(i int) []byte { return []byte(fmt.Sprintf("descriptors%d", i)) }

// Get returns the cached features of keyframe index, or ErrCacheMiss.
// Corrupt entries are reported as ErrCacheUnreadable.
func (c *BadgerDescriptorCache) Get(index int) ([]r2.Point, [][]float64, error) {
	var kpBlob, descBlob []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keypointsKey(index))
		if err != nil {
			return err
		}
		if kpBlob, err = item.ValueCopy(nil); err != nil {
			return err
		}
		item, err = txn.Get(descriptorsKey(index))
		if err != nil {
			return err
		}
		descBlob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, ErrCacheMiss
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: keyframe %d: %v", ErrCacheUnreadable, index, err)
	}

	raw, err := decompressBlob(kpBlob)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: keypoints %d: %v", ErrCacheUnreadable, index, err)
	}
	kps, err := decodeKeypoints(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: keypoints %d: %v", ErrCacheUnreadable, index, err)
	}
	raw, err = decompressBlob(descBlob)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: descriptors %d: %v", ErrCacheUnreadable, index, err)
	}
	descs, err := decodeDescriptors(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: descriptors %d: %v", ErrCacheUnreadable, index, err)
	}
	if len(kps) != len(descs) {
		return nil, nil, fmt.Errorf("%w: keyframe %d has %d keypoints but %d descriptors",
			ErrCacheUnreadable, index, len(kps), len(descs))
	}
	return kps, descs, nil
}

// Put stores both blobs of one keyframe in a single transaction.
func (c *BadgerDescriptorCache) Put(index int, kps []r2.Point, descs [][]float64) error {
	kpBlob, err := compressBlob(encodeKeypoints(kps), c.codec)
	if err != nil {
		return err
	}
	descBlob, err := compressBlob(encodeDescriptors(descs), c.codec)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keypointsKey(index), kpBlob); err != nil {
			return err
		}
		return txn.Set(descriptorsKey(index), descBlob)
	})
}

// Close releases the database.
func (c *BadgerDescriptorCache) Close() error {
	return c.db.Close()
}

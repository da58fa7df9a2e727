// Package bufferpool caches committed page images of the main database file
// and hands out read snapshots.
//
// A snapshot observes the file as of the commit that was current when it was
// pinned. When the checkpointer overwrites a page, the previous image is first
// preserved into every live snapshot that has not yet preserved it, so readers
// never see pages from a later commit.
package bufferpool

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
)

const DefaultCacheSize = 2000

var (
	attrHit  = metric.WithAttributes(attribute.String("outcome", "hit"))
	attrMiss = metric.WithAttributes(attribute.String("outcome", "miss"))
)

// Pool owns the main file storage, an LRU cache of committed pages and the
// set of live snapshots.
type Pool struct {
	storage pagemanager.Storage
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics

	// mu orders page reads against checkpoint writes. Readers hold it shared
	// for the duration of a read, Apply holds it exclusively.
	mu        sync.RWMutex
	cache     *lru.Cache[pagemanager.PageID, []byte]
	cacheSize int
	header    pagemanager.FileHeader
	version   uint64
	snapshots map[uint64]*Snapshot
	nextSnap  uint64
}

// New returns a pool over storage whose committed header is header.
func New(storage pagemanager.Storage, header pagemanager.FileHeader, cacheSize int,
	logger *zap.Logger, metrics *internaltelemetry.EngineMetrics) (*Pool, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[pagemanager.PageID, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopEngineMetrics()
	}
	return &Pool{
		storage:   storage,
		logger:    logger,
		metrics:   metrics,
		cache:     cache,
		cacheSize: cacheSize,
		header:    header,
		snapshots: make(map[uint64]*Snapshot),
	}, nil
}

// Header returns the committed header and its version.
func (p *Pool) Header() (pagemanager.FileHeader, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header, p.version
}

// Storage returns the main file storage.
func (p *Pool) Storage() pagemanager.Storage { return p.storage }

// CacheSize returns the cache capacity in pages.
func (p *Pool) CacheSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cacheSize
}

// Resize changes the cache capacity, evicting as needed.
func (p *Pool) Resize(pages int) {
	if pages <= 0 {
		pages = DefaultCacheSize
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Resize(pages)
	p.cacheSize = pages
}

// Pin registers a snapshot of the current committed state. The snapshot
// must be released.
func (p *Pool) Pin() *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSnap++
	s := &Snapshot{
		pool:      p,
		id:        p.nextSnap,
		version:   p.version,
		header:    p.header,
		preserved: make(map[pagemanager.PageID][]byte),
	}
	p.snapshots[s.id] = s
	return s
}

// LiveSnapshots returns the number of pinned snapshots.
func (p *Pool) LiveSnapshots() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.snapshots)
}

// readCommitted returns the current committed image of id. Caller holds mu.
func (p *Pool) readCommitted(id pagemanager.PageID) ([]byte, error) {
	if data, ok := p.cache.Get(id); ok {
		p.metrics.PageReadsCounter.Add(context.Background(), 1, attrHit)
		return data, nil
	}
	p.metrics.PageReadsCounter.Add(context.Background(), 1, attrMiss)
	data, err := pagemanager.ReadPage(p.storage, id, p.header.PageSize)
	if err != nil {
		return nil, err
	}
	if p.header.Checksums() {
		if err := pagemanager.Verify(id, data); err != nil {
			p.logger.Error("checksum verification failed", zap.Uint32("page", uint32(id)))
			return nil, err
		}
	}
	p.cache.Add(id, data)
	return data, nil
}

// Apply writes committed page images to the main file in the given order and
// publishes header as the new committed state. Old images are preserved for
// live snapshots first.
func (p *Pool) Apply(images []pagemanager.PageImage, header pagemanager.FileHeader) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, img := range images {
		if err := p.preserve(img.ID); err != nil {
			return err
		}
		if err := pagemanager.WritePage(p.storage, img.ID, img.Data); err != nil {
			p.cache.Remove(img.ID)
			return err
		}
		p.cache.Add(img.ID, img.Data)
	}
	p.header = header
	p.version++
	return nil
}

// preserve copies the committed image of id into every live snapshot that
// could read it and has not preserved it yet. Caller holds mu.
func (p *Pool) preserve(id pagemanager.PageID) error {
	var old []byte
	for _, s := range p.snapshots {
		if uint32(id) > s.header.PageCount {
			continue
		}
		if _, ok := s.preserved[id]; ok {
			continue
		}
		if old == nil {
			data, err := p.readCommitted(id)
			if err != nil {
				return err
			}
			old = data
		}
		s.preserved[id] = old
	}
	return nil
}

// Sync flushes the main file to stable storage.
func (p *Pool) Sync() error {
	return p.storage.Sync()
}

// Purge empties the cache. It is used after recovery rewrote the file.
func (p *Pool) Purge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}

// Snapshot is a consistent read-only view of the committed file.
type Snapshot struct {
	pool      *Pool
	id        uint64
	version   uint64
	header    pagemanager.FileHeader
	preserved map[pagemanager.PageID][]byte
	released  bool
}

// ReadPage implements pagemanager.Source.
func (s *Snapshot) ReadPage(id pagemanager.PageID) ([]byte, error) {
	s.pool.mu.RLock()
	defer s.pool.mu.RUnlock()
	if data, ok := s.preserved[id]; ok {
		return data, nil
	}
	return s.pool.readCommitted(id)
}

// Header is the committed header as of the snapshot.
func (s *Snapshot) Header() pagemanager.FileHeader { return s.header }

// Version is the commit version the snapshot observes.
func (s *Snapshot) Version() uint64 { return s.version }

// Release unregisters the snapshot. It is safe to call more than once.
func (s *Snapshot) Release() {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	delete(s.pool.snapshots, s.id)
	s.preserved = nil
}

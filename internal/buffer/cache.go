// Package buffer provides pinned block buffers over a block device. A
// buffer stays in memory while any caller holds a reference to it; the
// last Release writes it back if dirty and returns its memory to a pool.
package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/babyfs/babyfs/internal/device"
	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

// Observer receives buffer cache events. *metrics.Collector implements it.
type Observer interface {
	BufferRead(hit bool)
	UpdatePinnedBuffers(n int)
	RecordOperation(operation string, duration time.Duration, err error)
}

// Cache maps block indexes of one device to pinned buffers.
type Cache struct {
	dev      device.BlockDevice
	pool     *BytePool
	logger   *utils.StructuredLogger
	observer Observer

	mu      sync.Mutex
	buffers map[int64]*Buffer
	pinned  int
	stats   Stats
}

// Stats counts cache activity since creation.
type Stats struct {
	Reads        uint64 `json:"reads"`
	Hits         uint64 `json:"hits"`
	Releases     uint64 `json:"releases"`
	OverReleases uint64 `json:"over_releases"`
	Writebacks   uint64 `json:"writebacks"`
	Pinned       int    `json:"pinned"`
	Buffers      int    `json:"buffers"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(c *Cache) { c.logger = logger.WithComponent("buffer") }
}

// WithObserver reports cache events to o.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// WithPool shares a byte pool between caches.
func WithPool(p *BytePool) Option {
	return func(c *Cache) { c.pool = p }
}

// NewCache returns an empty cache over dev.
func NewCache(dev device.BlockDevice, opts ...Option) *Cache {
	c := &Cache{
		dev:     dev,
		buffers: make(map[int64]*Buffer),
		logger:  utils.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil {
		c.pool = NewBytePool()
	}
	return c
}

// Device returns the underlying device.
func (c *Cache) Device() device.BlockDevice { return c.dev }

// Read returns block index pinned. Each successful Read must be paired with
// exactly one Release.
func (c *Cache) Read(ctx context.Context, index int64) (*Buffer, error) {
	c.mu.Lock()
	c.stats.Reads++
	if b, ok := c.buffers[index]; ok {
		b.refs++
		c.pinned++
		c.stats.Hits++
		pinned := c.pinned
		c.mu.Unlock()
		c.notifyRead(true, pinned)
		return b, nil
	}
	c.mu.Unlock()

	size := c.dev.BlockSize()
	data := c.pool.Get(size)
	start := time.Now()
	err := c.dev.ReadBlock(ctx, index, data)
	if c.observer != nil {
		c.observer.RecordOperation("read_block", time.Since(start), err)
	}
	if err != nil {
		c.pool.Put(data)
		c.logger.Error("block read failed", utils.Fields{"block": index, "device": c.dev.Name(), "error": err})
		if errors.CodeOf(err) == errors.ErrCodeIOError {
			return nil, err
		}
		return nil, errors.NewError(errors.ErrCodeIOError, "cannot read block").
			WithComponent("buffer").WithOperation("read").WithCause(err)
	}

	c.mu.Lock()
	// Another reader may have loaded the block meanwhile.
	if b, ok := c.buffers[index]; ok {
		b.refs++
		c.pinned++
		pinned := c.pinned
		c.mu.Unlock()
		c.pool.Put(data)
		c.notifyRead(true, pinned)
		return b, nil
	}
	b := &Buffer{cache: c, index: index, data: data, refs: 1}
	c.buffers[index] = b
	c.pinned++
	pinned := c.pinned
	c.mu.Unlock()

	c.logger.Trace("block pinned", utils.Fields{"block": index})
	c.notifyRead(false, pinned)
	return b, nil
}

func (c *Cache) notifyRead(hit bool, pinned int) {
	if c.observer == nil {
		return
	}
	c.observer.BufferRead(hit)
	c.observer.UpdatePinnedBuffers(pinned)
}

func (c *Cache) release(b *Buffer) {
	c.mu.Lock()
	if b.refs <= 0 {
		c.stats.OverReleases++
		c.mu.Unlock()
		c.logger.Warn("buffer released more times than it was read", utils.Fields{"block": b.index})
		return
	}
	b.refs--
	c.pinned--
	c.stats.Releases++
	pinned := c.pinned
	last := b.refs == 0
	if last {
		delete(c.buffers, b.index)
	}
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.UpdatePinnedBuffers(pinned)
	}
	if !last {
		return
	}

	if b.isDirty() {
		if err := c.writeBack(context.Background(), b); err != nil {
			c.logger.Error("write-back on release failed", utils.Fields{"block": b.index, "error": err})
		}
	}
	c.pool.Put(b.data)
	b.data = nil
}

func (c *Cache) writeBack(ctx context.Context, b *Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return nil
	}

	start := time.Now()
	err := c.dev.WriteBlock(ctx, b.index, b.data)
	if c.observer != nil {
		c.observer.RecordOperation("write_block", time.Since(start), err)
	}
	if err != nil {
		return err
	}
	b.dirty = false

	c.mu.Lock()
	c.stats.Writebacks++
	c.mu.Unlock()
	return nil
}

// Refs returns the number of outstanding references to block index.
func (c *Cache) Refs(index int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffers[index]; ok {
		return b.refs
	}
	return 0
}

// Pinned returns the total number of outstanding references.
func (c *Cache) Pinned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Pinned = c.pinned
	s.Buffers = len(c.buffers)
	return s
}

// Buffer is one pinned block. Data is valid until the holder's Release.
type Buffer struct {
	cache *Cache
	index int64

	mu    sync.Mutex
	data  []byte
	dirty bool

	refs int // guarded by cache.mu
}

// Index returns the block index.
func (b *Buffer) Index() int64 { return b.index }

// Data returns the block contents. Callers that modify it must call
// MarkDirty.
func (b *Buffer) Data() []byte { return b.data }

// MarkDirty schedules the block for write-back.
func (b *Buffer) MarkDirty() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

func (b *Buffer) isDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// Sync writes the block if dirty and flushes the device.
func (b *Buffer) Sync(ctx context.Context) error {
	if err := b.cache.writeBack(ctx, b); err != nil {
		return errors.NewError(errors.ErrCodeIOError, "cannot write block").
			WithComponent("buffer").WithOperation("sync").WithCause(err)
	}
	if err := b.cache.dev.Sync(ctx); err != nil {
		return errors.NewError(errors.ErrCodeIOError, "cannot flush device").
			WithComponent("buffer").WithOperation("sync").WithCause(err)
	}
	return nil
}

// Release drops one reference taken by Cache.Read.
func (b *Buffer) Release() {
	b.cache.release(b)
}

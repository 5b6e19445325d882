// Package slab implements a typed object cache: objects are carved from
// slabs with a constructor that runs once per slot, handed out and taken
// back many times, and returned to the free list only after a grace period
// in which concurrent readers may still use them.
package slab

import (
	"sync"
	"sync/atomic"

	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

// Observer receives pool events. *metrics.Collector implements it.
type Observer interface {
	ObjectAllocated(cache string)
	ObjectFreed(cache string)
	ObjectsReclaimed(cache string, n int)
	SlabCarved(cache string)
	UpdatePoolObjects(cache string, inUse, free, pending int)
}

// Config sizes a Cache.
type Config struct {
	// ObjectsPerSlab is the number of slots carved at a time.
	ObjectsPerSlab int
	// MaxObjects caps the number of slots; Alloc fails beyond it.
	MaxObjects int
	// ReclaimBatch bounds how many objects one grace period covers.
	ReclaimBatch int
}

const (
	DefaultObjectsPerSlab = 32
	DefaultMaxObjects     = 65536
	DefaultReclaimBatch   = 128
)

type slotState uint8

const (
	slotFree slotState = iota
	slotInUse
	slotPending
)

type pendingFree struct {
	slot int
	mark uint64
}

// Cache is a pool of *T. It is safe for concurrent use.
type Cache[T any] struct {
	name     string
	cfg      Config
	ctor     func(*T)
	onFree   func(*T)
	domain   *Domain
	logger   *utils.StructuredLogger
	observer Observer

	mu          sync.Mutex
	slabs       [][]T
	slots       map[*T]int
	state       []slotState
	constructed []bool
	free        []int
	inUse       int
	doubleFrees uint64
	destroyed   bool

	ctorRuns atomic.Int64

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []pendingFree
	pending int

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Cache.
type Option[T any] func(*Cache[T])

// WithDomain shares a read-side domain with the cache's users. Without it
// the cache creates its own.
func WithDomain[T any](d *Domain) Option[T] {
	return func(c *Cache[T]) { c.domain = d }
}

// WithLogger sets the logger.
func WithLogger[T any](l *utils.StructuredLogger) Option[T] {
	return func(c *Cache[T]) { c.logger = l }
}

// WithObserver reports pool events to o.
func WithObserver[T any](o Observer) Option[T] {
	return func(c *Cache[T]) { c.observer = o }
}

// WithReclaimHook runs fn on each object after its grace period, just
// before the slot goes back on the free list.
func WithReclaimHook[T any](fn func(*T)) Option[T] {
	return func(c *Cache[T]) { c.onFree = fn }
}

// NewCache creates a cache and starts its reclaimer. ctor runs exactly once
// per slot, when the slot's slab is carved; it must not call back into the
// cache.
func NewCache[T any](name string, cfg Config, ctor func(*T), opts ...Option[T]) (*Cache[T], error) {
	if cfg.ObjectsPerSlab <= 0 {
		cfg.ObjectsPerSlab = DefaultObjectsPerSlab
	}
	if cfg.MaxObjects <= 0 {
		cfg.MaxObjects = DefaultMaxObjects
	}
	if cfg.ReclaimBatch <= 0 {
		cfg.ReclaimBatch = DefaultReclaimBatch
	}
	if cfg.MaxObjects < cfg.ObjectsPerSlab {
		return nil, errors.Newf(errors.ErrCodeOutOfMemory, "max_objects %d cannot hold one slab of %d", cfg.MaxObjects, cfg.ObjectsPerSlab).
			WithComponent("slab").WithOperation("create").WithContext("cache", name)
	}

	c := &Cache[T]{
		name:   name,
		cfg:    cfg,
		ctor:   ctor,
		slots:  make(map[*T]int),
		logger: utils.NewNopLogger(),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.qcond = sync.NewCond(&c.qmu)
	for _, opt := range opts {
		opt(c)
	}
	if c.domain == nil {
		c.domain = NewDomain()
	}
	c.logger = c.logger.WithComponent("slab").WithField("cache", name)

	go c.reclaimer()

	c.logger.Debug("cache created", utils.Fields{
		"objects_per_slab": cfg.ObjectsPerSlab,
		"max_objects":      cfg.MaxObjects,
	})
	return c, nil
}

// Name returns the cache name.
func (c *Cache[T]) Name() string { return c.name }

// Domain returns the read-side domain guarding reclamation.
func (c *Cache[T]) Domain() *Domain { return c.domain }

// Alloc returns a constructed object. The constructor is not re-run: an
// object that was freed earlier comes back in the state the previous user
// left it, apart from what the reclaim hook reset.
func (c *Cache[T]) Alloc() (*T, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeComponentStopped, "cache destroyed").
			WithComponent("slab").WithOperation("alloc").WithContext("cache", c.name)
	}
	if len(c.free) == 0 {
		if err := c.carveLocked(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}

	id := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.state[id] = slotInUse
	c.inUse++
	obj := c.slotLocked(id)
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.ObjectAllocated(c.name)
	}
	return obj, nil
}

func (c *Cache[T]) slotLocked(id int) *T {
	per := c.cfg.ObjectsPerSlab
	return &c.slabs[id/per][id%per]
}

func (c *Cache[T]) carveLocked() error {
	base := len(c.state)
	n := c.cfg.ObjectsPerSlab
	if left := c.cfg.MaxObjects - base; left < n {
		// The last slab may be short so that MaxObjects is reachable.
		n = left
	}
	if n <= 0 {
		c.logger.Warn("cache exhausted", utils.Fields{"carved": base, "in_use": c.inUse})
		return errors.Newf(errors.ErrCodeOutOfMemory, "cache %s exhausted at %d objects", c.name, base).
			WithComponent("slab").WithOperation("alloc").WithDetail("max_objects", c.cfg.MaxObjects)
	}

	slab := make([]T, n)
	c.slabs = append(c.slabs, slab)
	for i := range slab {
		id := base + i
		obj := &slab[i]
		if c.ctor != nil {
			c.ctor(obj)
			c.ctorRuns.Add(1)
		}
		c.slots[obj] = id
		c.state = append(c.state, slotFree)
		c.constructed = append(c.constructed, true)
	}
	// Push in reverse so the lowest slot is handed out first.
	for i := n - 1; i >= 0; i-- {
		c.free = append(c.free, base+i)
	}

	c.logger.Debug("slab carved", utils.Fields{"slab": len(c.slabs) - 1, "slots": n})
	if c.observer != nil {
		c.observer.SlabCarved(c.name)
	}
	return nil
}

// Free hands obj back for reclamation once every reader that might still
// see it has left the domain. It never blocks on readers. Freeing an object
// that is not allocated is logged and ignored.
func (c *Cache[T]) Free(obj *T) {
	c.mu.Lock()
	id, ok := c.slots[obj]
	switch {
	case c.destroyed:
		c.mu.Unlock()
		c.logger.Error("free after destroy ignored")
		return
	case !ok:
		c.mu.Unlock()
		c.logger.Error("free of object not owned by cache")
		return
	case c.state[id] != slotInUse:
		c.doubleFrees++
		c.mu.Unlock()
		c.logger.Error("double free ignored", utils.Fields{
			"slot":  id,
			"error": errors.Newf(errors.ErrCodeDoubleFree, "slot %d is not allocated", id),
		})
		return
	}
	c.state[id] = slotPending
	c.inUse--

	// Queued under mu so Destroy sees every accepted free.
	mark := c.domain.Mark()
	c.qmu.Lock()
	c.queue = append(c.queue, pendingFree{slot: id, mark: mark})
	c.pending++
	c.qmu.Unlock()
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}

	if c.observer != nil {
		c.observer.ObjectFreed(c.name)
	}
}

func (c *Cache[T]) takeBatch() []pendingFree {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	n := len(c.queue)
	if n == 0 {
		return nil
	}
	if n > c.cfg.ReclaimBatch {
		n = c.cfg.ReclaimBatch
	}
	batch := make([]pendingFree, n)
	copy(batch, c.queue)
	c.queue = c.queue[n:]
	return batch
}

func (c *Cache[T]) reclaimer() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-c.kick:
		}

		for batch := c.takeBatch(); batch != nil; batch = c.takeBatch() {
			c.waitGrace(batch)
			c.reclaim(batch)
		}
	}
}

func (c *Cache[T]) reclaim(batch []pendingFree) {
	c.mu.Lock()
	for _, p := range batch {
		if c.onFree != nil {
			c.onFree(c.slotLocked(p.slot))
		}
		c.state[p.slot] = slotFree
		c.free = append(c.free, p.slot)
	}
	inUse, free := c.inUse, len(c.free)
	c.mu.Unlock()

	c.qmu.Lock()
	c.pending -= len(batch)
	pending := c.pending
	c.qcond.Broadcast()
	c.qmu.Unlock()

	c.logger.Trace("objects reclaimed", utils.Fields{"count": len(batch)})
	if c.observer != nil {
		c.observer.ObjectsReclaimed(c.name, len(batch))
		c.observer.UpdatePoolObjects(c.name, inUse, free, pending)
	}
}

// Barrier blocks until every object freed before the call has been
// reclaimed.
func (c *Cache[T]) Barrier() {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	for c.pending > 0 {
		c.qcond.Wait()
	}
}

// Destroy stops the reclaimer, reclaims every queued free once its grace
// period has passed, and drops the slabs. Frees are refused from the moment
// Destroy starts. Objects still allocated are reported as a leak. Destroy
// is idempotent.
func (c *Cache[T]) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done

	if n := c.drain(); n > 0 {
		c.logger.Debug("drained pending frees", utils.Fields{"count": n})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	leaked := c.inUse
	carved := len(c.state)
	c.slabs = nil
	c.slots = make(map[*T]int)
	c.free = nil

	if leaked > 0 {
		c.logger.Warn("cache destroyed with objects in use", utils.Fields{"leaked": leaked, "carved": carved})
		return errors.Newf(errors.ErrCodeResourceLeak, "cache %s destroyed with %d objects in use", c.name, leaked).
			WithComponent("slab").WithOperation("destroy").WithDetail("leaked", leaked)
	}
	c.logger.Debug("cache destroyed", utils.Fields{"carved": carved})
	return nil
}

// drain reclaims whatever is still queued, on the caller's goroutine.
func (c *Cache[T]) drain() int {
	n := 0
	for batch := c.takeBatch(); batch != nil; batch = c.takeBatch() {
		c.waitGrace(batch)
		c.reclaim(batch)
		n += len(batch)
	}
	return n
}

func (c *Cache[T]) waitGrace(batch []pendingFree) {
	var latest uint64
	for _, p := range batch {
		if p.mark > latest {
			latest = p.mark
		}
	}
	c.domain.Wait(latest)
}

// Stats is a snapshot of a Cache.
type Stats struct {
	Name        string `json:"name"`
	Slabs       int    `json:"slabs"`
	Carved      int    `json:"carved"`
	InUse       int    `json:"in_use"`
	Free        int    `json:"free"`
	Pending     int    `json:"pending"`
	Constructed int64  `json:"constructed"`
	DoubleFrees uint64 `json:"double_frees"`
}

// Stats returns current counters.
func (c *Cache[T]) Stats() Stats {
	c.qmu.Lock()
	pending := c.pending
	c.qmu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Name:        c.name,
		Slabs:       len(c.slabs),
		Carved:      len(c.state),
		InUse:       c.inUse,
		Free:        len(c.free),
		Pending:     pending,
		Constructed: c.ctorRuns.Load(),
		DoubleFrees: c.doubleFrees,
	}
}

// Constructed reports whether obj's slot has been through the constructor.
func (c *Cache[T]) Constructed(obj *T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.slots[obj]
	return ok && c.constructed[id]
}

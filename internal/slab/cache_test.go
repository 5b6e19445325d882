package slab

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babyfs/babyfs/pkg/errors"
)

type testObject struct {
	initialized bool
	generation  int
	payload     int
}

func initObject(o *testObject) {
	o.initialized = true
	o.generation = 1
}

func newTestCache(t *testing.T, cfg Config, opts ...Option[testObject]) *Cache[testObject] {
	t.Helper()
	c, err := NewCache("test_cache", cfg, initObject, opts...)
	require.NoError(t, err)
	return c
}

func TestAllocRunsConstructorOncePerSlot(t *testing.T) {
	c := newTestCache(t, Config{ObjectsPerSlab: 8, MaxObjects: 64})

	for cycle := 0; cycle < 20; cycle++ {
		objs := make([]*testObject, 0, 5)
		for i := 0; i < 5; i++ {
			obj, err := c.Alloc()
			require.NoError(t, err)
			require.True(t, obj.initialized)
			require.True(t, c.Constructed(obj))
			objs = append(objs, obj)
		}
		for _, obj := range objs {
			c.Free(obj)
		}
		c.Barrier()
	}

	s := c.Stats()
	assert.Equal(t, 1, s.Slabs)
	assert.Equal(t, 8, s.Carved)
	assert.Equal(t, int64(8), s.Constructed)
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 8, s.Free)
	require.NoError(t, c.Destroy())
}

func TestAllocDoesNotResetObjects(t *testing.T) {
	c := newTestCache(t, Config{ObjectsPerSlab: 1, MaxObjects: 1})
	defer c.Destroy()

	obj, err := c.Alloc()
	require.NoError(t, err)
	obj.payload = 42
	c.Free(obj)
	c.Barrier()

	again, err := c.Alloc()
	require.NoError(t, err)
	assert.Same(t, obj, again)
	assert.Equal(t, 42, again.payload)
	assert.Equal(t, int64(1), c.Stats().Constructed)
	c.Free(again)
}

func TestOutOfMemory(t *testing.T) {
	c := newTestCache(t, Config{ObjectsPerSlab: 4, MaxObjects: 8})

	var objs []*testObject
	for i := 0; i < 8; i++ {
		obj, err := c.Alloc()
		require.NoError(t, err)
		objs = append(objs, obj)
	}

	_, err := c.Alloc()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOutOfMemory))

	c.Free(objs[0])
	c.Barrier()
	obj, err := c.Alloc()
	require.NoError(t, err)
	assert.Same(t, objs[0], obj)

	for _, o := range objs {
		c.Free(o)
	}
	require.NoError(t, c.Destroy())
}

func TestNewCacheRejectsImpossibleLimits(t *testing.T) {
	_, err := NewCache("tiny", Config{ObjectsPerSlab: 16, MaxObjects: 4}, initObject)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOutOfMemory))
}

func TestDoubleFreeIgnored(t *testing.T) {
	c := newTestCache(t, Config{ObjectsPerSlab: 4, MaxObjects: 4})

	obj, err := c.Alloc()
	require.NoError(t, err)
	c.Free(obj)
	c.Free(obj)
	c.Barrier()
	c.Free(obj)
	c.Free(&testObject{})

	s := c.Stats()
	assert.Equal(t, uint64(2), s.DoubleFrees)
	assert.Equal(t, 4, s.Free)
	assert.Equal(t, 0, s.Pending)
	require.NoError(t, c.Destroy())
}

func TestPreMarkReaderKeepsObjectValid(t *testing.T) {
	var reclaimed atomic.Int32
	c := newTestCache(t, Config{ObjectsPerSlab: 4, MaxObjects: 4},
		WithReclaimHook(func(o *testObject) {
			o.generation++
			reclaimed.Add(1)
		}))

	obj, err := c.Alloc()
	require.NoError(t, err)

	guard := c.Domain().Enter()
	seen := obj
	c.Free(obj)

	// The reader entered before the free, so the slot stays pending.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), reclaimed.Load())
	assert.Equal(t, 1, seen.generation)
	assert.Equal(t, 1, c.Stats().Pending)

	guard.Exit()
	c.Barrier()
	assert.Equal(t, int32(1), reclaimed.Load())
	assert.Equal(t, 0, c.Stats().Pending)
	require.NoError(t, c.Destroy())
}

func TestPostMarkReaderDoesNotDelayReclaim(t *testing.T) {
	c := newTestCache(t, Config{ObjectsPerSlab: 4, MaxObjects: 4})

	obj, err := c.Alloc()
	require.NoError(t, err)
	c.Free(obj)

	guard := c.Domain().Enter()
	defer guard.Exit()

	done := make(chan struct{})
	go func() {
		c.Barrier()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader that entered after the free blocked reclamation")
	}
}

func TestDestroyWaitsForPendingFrees(t *testing.T) {
	for _, n := range []int{0, 1, 100} {
		n := n
		t.Run(fmt.Sprintf("pending=%d", n), func(t *testing.T) {
			var reclaimed atomic.Int32
			c := newTestCache(t, Config{ObjectsPerSlab: 32, MaxObjects: 256, ReclaimBatch: 16},
				WithReclaimHook(func(*testObject) { reclaimed.Add(1) }))

			objs := make([]*testObject, n)
			for i := range objs {
				obj, err := c.Alloc()
				require.NoError(t, err)
				objs[i] = obj
			}

			guard := c.Domain().Enter()
			for _, obj := range objs {
				c.Free(obj)
			}

			destroyed := make(chan error, 1)
			go func() { destroyed <- c.Destroy() }()

			if n > 0 {
				select {
				case <-destroyed:
					t.Fatalf("Destroy returned with %d frees pending", n)
				case <-time.After(50 * time.Millisecond):
				}
				assert.Equal(t, int32(0), reclaimed.Load())
			}

			guard.Exit()
			select {
			case err := <-destroyed:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Destroy did not complete")
			}
			assert.Equal(t, int32(n), reclaimed.Load())
		})
	}
}

func TestConcurrentAlloc(t *testing.T) {
	c := newTestCache(t, Config{ObjectsPerSlab: 8, MaxObjects: 128})

	const workers = 64
	objs := make([]*testObject, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			obj, err := c.Alloc()
			if assert.NoError(t, err) {
				objs[i] = obj
			}
		}(i)
	}
	close(start)
	wg.Wait()

	seen := make(map[*testObject]bool, workers)
	for _, obj := range objs {
		require.NotNil(t, obj)
		assert.True(t, obj.initialized)
		assert.False(t, seen[obj], "object handed out twice")
		seen[obj] = true
	}
	assert.Equal(t, int64(c.Stats().Carved), c.Stats().Constructed)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(obj *testObject) {
			defer wg.Done()
			c.Free(obj)
		}(objs[i])
	}
	wg.Wait()

	destroyed := make(chan error, 1)
	go func() { destroyed <- c.Destroy() }()
	select {
	case err := <-destroyed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Destroy hung")
	}
}

func TestDestroyReportsLeaks(t *testing.T) {
	c := newTestCache(t, Config{ObjectsPerSlab: 4, MaxObjects: 4})
	_, err := c.Alloc()
	require.NoError(t, err)

	err = c.Destroy()
	assert.True(t, errors.HasCode(err, errors.ErrCodeResourceLeak))
	assert.NoError(t, c.Destroy())

	_, err = c.Alloc()
	assert.True(t, errors.HasCode(err, errors.ErrCodeComponentStopped))
}

type countingObserver struct {
	mu       sync.Mutex
	allocs   int
	frees    int
	reclaims int
	slabs    int
}

func (o *countingObserver) ObjectAllocated(string) { o.add(&o.allocs, 1) }

func (o *countingObserver) ObjectFreed(string) { o.add(&o.frees, 1) }

func (o *countingObserver) SlabCarved(string) { o.add(&o.slabs, 1) }

func (o *countingObserver) ObjectsReclaimed(_ string, n int) { o.add(&o.reclaims, n) }

func (o *countingObserver) UpdatePoolObjects(string, int, int, int) {}

func (o *countingObserver) add(field *int, n int) {
	o.mu.Lock()
	*field += n
	o.mu.Unlock()
}

func TestObserver(t *testing.T) {
	obs := &countingObserver{}
	c := newTestCache(t, Config{ObjectsPerSlab: 2, MaxObjects: 8}, WithObserver[testObject](obs))

	a, _ := c.Alloc()
	b, _ := c.Alloc()
	d, _ := c.Alloc()
	c.Free(a)
	c.Free(b)
	c.Free(d)
	require.NoError(t, c.Destroy())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 3, obs.allocs)
	assert.Equal(t, 3, obs.frees)
	assert.Equal(t, 3, obs.reclaims)
	assert.Equal(t, 2, obs.slabs)
}

func TestShortFinalSlabReachesMaxObjects(t *testing.T) {
	c := newTestCache(t, Config{ObjectsPerSlab: 32, MaxObjects: 100})

	seen := make(map[*testObject]bool, 100)
	for i := 0; i < 100; i++ {
		obj, err := c.Alloc()
		require.NoError(t, err, "alloc %d", i)
		assert.True(t, obj.initialized)
		assert.False(t, seen[obj])
		seen[obj] = true
	}
	_, err := c.Alloc()
	assert.True(t, errors.HasCode(err, errors.ErrCodeOutOfMemory))

	stats := c.Stats()
	assert.Equal(t, 4, stats.Slabs)
	assert.Equal(t, 100, stats.Carved)
	assert.Equal(t, int64(100), stats.Constructed)

	for obj := range seen {
		c.Free(obj)
	}
	require.NoError(t, c.Destroy())
}

func TestDestroyReclaimsFreesTheReclaimerMissed(t *testing.T) {
	var reclaimed atomic.Int32
	c := newTestCache(t, Config{ObjectsPerSlab: 4, MaxObjects: 4},
		WithReclaimHook(func(*testObject) { reclaimed.Add(1) }))
	obj, err := c.Alloc()
	require.NoError(t, err)

	// Leave the free queued with no reclaimer running.
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	c.Free(obj)
	require.Equal(t, 1, c.Stats().Pending)

	destroyed := make(chan error, 1)
	go func() { destroyed <- c.Destroy() }()
	select {
	case err := <-destroyed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Destroy hung")
	}
	assert.Equal(t, int32(1), reclaimed.Load())
	assert.Equal(t, 0, c.Stats().Pending)

	// Late frees are ignored.
	c.Free(obj)
	assert.Equal(t, 0, c.Stats().Pending)
}

package buffer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babyfs/babyfs/internal/device"
	"github.com/babyfs/babyfs/pkg/errors"
)

type recordingObserver struct {
	mu     sync.Mutex
	hits   int
	misses int
	pinned int
	ops    map[string]int
}

func (o *recordingObserver) BufferRead(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func (o *recordingObserver) UpdatePinnedBuffers(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pinned = n
}

func (o *recordingObserver) RecordOperation(op string, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ops == nil {
		o.ops = make(map[string]int)
	}
	o.ops[op]++
}

func newDevice(t *testing.T) *device.MemDevice {
	t.Helper()
	dev := device.NewMemDevice("mem0", 16*4096, 512)
	require.NoError(t, dev.SetBlockSize(4096))
	for i := range dev.Bytes() {
		dev.Bytes()[i] = byte(i / 4096)
	}
	return dev
}

func TestReadPinsAndReleases(t *testing.T) {
	dev := newDevice(t)
	obs := &recordingObserver{}
	c := NewCache(dev, WithObserver(obs))
	ctx := context.Background()

	b1, err := c.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), b1.Index())
	assert.Len(t, b1.Data(), 4096)
	assert.Equal(t, byte(3), b1.Data()[0])

	b2, err := c.Read(ctx, 3)
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, 2, c.Refs(3))
	assert.Equal(t, 2, c.Pinned())

	b1.Release()
	assert.Equal(t, 1, c.Refs(3))
	b2.Release()
	assert.Equal(t, 0, c.Refs(3))
	assert.Equal(t, 0, c.Pinned())

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Reads)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(2), s.Releases)
	assert.Equal(t, 0, s.Buffers)

	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 1, obs.misses)
	assert.Equal(t, 0, obs.pinned)
	assert.Equal(t, 1, obs.ops["read_block"])
}

func TestOverReleaseIsIgnored(t *testing.T) {
	c := NewCache(newDevice(t))

	b, err := c.Read(context.Background(), 0)
	require.NoError(t, err)
	b.Release()
	b.Release()

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Releases)
	assert.Equal(t, uint64(1), s.OverReleases)
	assert.Equal(t, 0, c.Pinned())
}

func TestReadFailure(t *testing.T) {
	dev := newDevice(t)
	dev.FailReads(2, fmt.Errorf("medium error"))
	c := NewCache(dev)

	_, err := c.Read(context.Background(), 2)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIOError))
	assert.Equal(t, 0, c.Pinned())

	_, err = c.Read(context.Background(), 99)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIOError))
	assert.True(t, errors.HasCode(err, errors.ErrCodeBlockOutOfRange))
}

func TestDirtyBufferWrittenOnSyncAndLastRelease(t *testing.T) {
	dev := newDevice(t)
	c := NewCache(dev)
	ctx := context.Background()

	b, err := c.Read(ctx, 1)
	require.NoError(t, err)
	b.Data()[0] = 0xee
	b.MarkDirty()
	require.NoError(t, b.Sync(ctx))
	assert.Equal(t, byte(0xee), dev.Bytes()[4096])

	b.Data()[1] = 0xdd
	b.MarkDirty()
	b.Release()
	assert.Equal(t, byte(0xdd), dev.Bytes()[4097])
	assert.Equal(t, uint64(2), c.Stats().Writebacks)
}

func TestSyncWriteFailure(t *testing.T) {
	dev := newDevice(t)
	c := NewCache(dev)
	ctx := context.Background()

	b, err := c.Read(ctx, 0)
	require.NoError(t, err)
	defer b.Release()

	dev.FailWrites(0, fmt.Errorf("read-only medium"))
	b.MarkDirty()
	err = b.Sync(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIOError))

	dev.FailWrites(0, nil)
	assert.NoError(t, b.Sync(ctx))
}

func TestConcurrentReaders(t *testing.T) {
	c := NewCache(newDevice(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := c.Read(ctx, int64(i%4))
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, byte(i%4), b.Data()[0])
			b.Release()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, c.Pinned())
	assert.Equal(t, uint64(32), c.Stats().Releases)
}

func TestBytePool(t *testing.T) {
	p := NewBytePool()

	buf := p.Get(4096)
	assert.Len(t, buf, 4096)
	buf[0] = 1
	p.Put(buf)

	again := p.Get(4096)
	assert.Equal(t, byte(0), again[0])

	odd := p.Get(10000)
	assert.Len(t, odd, 10000)
	p.Put(odd)

	stats := p.GetStats()
	assert.Equal(t, 512, stats.MinBufferSize)
	assert.Equal(t, 4096, stats.MaxBufferSize)
	assert.Equal(t, 4, stats.TotalPools)
}

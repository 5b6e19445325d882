package buffer

import (
	"sync"
)

// BytePool recycles block-sized byte slices to reduce GC pressure.
type BytePool struct {
	pools map[int]*sync.Pool
	sizes []int
}

// NewBytePool creates a byte pool with one bucket per supported block size.
func NewBytePool() *BytePool {
	sizes := []int{512, 1024, 2048, 4096}

	pools := make(map[int]*sync.Pool, len(sizes))
	for _, size := range sizes {
		size := size
		pools[size] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		}
	}

	return &BytePool{
		pools: pools,
		sizes: sizes,
	}
}

// Get retrieves a zeroed byte slice of exactly size bytes.
func (p *BytePool) Get(size int) []byte {
	for _, bucketSize := range p.sizes {
		if bucketSize >= size {
			buf := p.pools[bucketSize].Get().([]byte)
			return buf[:size]
		}
	}

	return make([]byte, size)
}

// Put returns a byte slice to the pool for reuse
func (p *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}

	capacity := cap(buf)
	pool, exists := p.pools[capacity]
	if !exists {
		return
	}

	buf = buf[:capacity]
	for i := range buf {
		buf[i] = 0
	}
	// nolint:staticcheck // SA6002: sync.Pool.Put requires interface{}, slice allocation is expected
	pool.Put(buf)
}

// PoolStats describes the bucket layout.
type PoolStats struct {
	PoolSizes     []int `json:"pool_sizes"`
	TotalPools    int   `json:"total_pools"`
	MaxBufferSize int   `json:"max_buffer_size"`
	MinBufferSize int   `json:"min_buffer_size"`
}

// GetStats returns the pool's bucket layout
func (p *BytePool) GetStats() PoolStats {
	stats := PoolStats{
		PoolSizes:  make([]int, len(p.sizes)),
		TotalPools: len(p.pools),
	}
	copy(stats.PoolSizes, p.sizes)

	if len(p.sizes) > 0 {
		stats.MinBufferSize = p.sizes[0]
		stats.MaxBufferSize = p.sizes[len(p.sizes)-1]
	}
	return stats
}

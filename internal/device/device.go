// Package device provides the block devices babyfs mounts on: image files,
// in-memory disks, and S3 objects (see package s3dev).
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/babyfs/babyfs/pkg/errors"
)

const (
	// MinBlockSize and MaxBlockSize bound the logical block size a device
	// accepts; MaxBlockSize is one memory page.
	MinBlockSize = 512
	MaxBlockSize = 4096

	DefaultSectorSize = 512
)

// BlockDevice is a fixed-size array of blocks addressed by index.
type BlockDevice interface {
	Name() string
	// SectorSize is the smallest unit the device can address.
	SectorSize() int
	BlockSize() int
	// SetBlockSize reconfigures the logical block size used by ReadBlock and
	// WriteBlock. It fails when the device cannot honor size.
	SetBlockSize(size int) error
	NumBlocks() int64
	ReadBlock(ctx context.Context, index int64, buf []byte) error
	WriteBlock(ctx context.Context, index int64, buf []byte) error
	Sync(ctx context.Context) error
	Close() error
}

// ValidateBlockSize reports whether a device with the given sector size can
// be driven with size-byte blocks: a power of two between MinBlockSize and
// MaxBlockSize, and no smaller than a sector.
func ValidateBlockSize(size, sectorSize int) error {
	if err := checkBlockSize(size, sectorSize); err != nil {
		return err
	}
	return nil
}

func checkBlockSize(size, sectorSize int) *errors.BabyFSError {
	switch {
	case size < MinBlockSize || size > MaxBlockSize:
		return errors.Newf(errors.ErrCodeBlockSize, "block size %d outside [%d, %d]", size, MinBlockSize, MaxBlockSize)
	case size&(size-1) != 0:
		return errors.Newf(errors.ErrCodeBlockSize, "block size %d is not a power of two", size)
	case size < sectorSize:
		return errors.Newf(errors.ErrCodeBlockSize, "block size %d smaller than sector size %d", size, sectorSize)
	}
	return nil
}

// geometry holds the state shared by every device implementation.
type geometry struct {
	mu         sync.RWMutex
	name       string
	sectorSize int
	blockSize  int
	sizeBytes  int64
	readOnly   bool
	closed     bool
}

func (g *geometry) init(name string, sectorSize int, sizeBytes int64, readOnly bool) {
	if sectorSize <= 0 {
		sectorSize = DefaultSectorSize
	}
	g.name = name
	g.sectorSize = sectorSize
	g.blockSize = sectorSize
	g.sizeBytes = sizeBytes
	g.readOnly = readOnly
}

func (g *geometry) Name() string    { return g.name }
func (g *geometry) SectorSize() int { return g.sectorSize }

func (g *geometry) BlockSize() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.blockSize
}

func (g *geometry) SetBlockSize(size int) error {
	if err := checkBlockSize(size, g.sectorSize); err != nil {
		return err.WithComponent("device").WithOperation("set_block_size").WithContext("device", g.name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockSize = size
	return nil
}

func (g *geometry) NumBlocks() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sizeBytes / int64(g.blockSize)
}

// span validates a block access and returns its byte offset. Callers must
// hold g.mu.
func (g *geometry) span(op string, index int64, buf []byte, write bool) (int64, error) {
	if g.closed {
		return 0, errors.NewError(errors.ErrCodeDeviceClosed, "device is closed").
			WithComponent("device").WithOperation(op).WithContext("device", g.name)
	}
	if write && g.readOnly {
		return 0, errors.NewError(errors.ErrCodeDeviceReadOnly, "device is read-only").
			WithComponent("device").WithOperation(op).WithContext("device", g.name)
	}
	if len(buf) != g.blockSize {
		return 0, errors.Newf(errors.ErrCodeIOError, "buffer is %d bytes, block size is %d", len(buf), g.blockSize).
			WithComponent("device").WithOperation(op)
	}
	if index < 0 || (index+1)*int64(g.blockSize) > g.sizeBytes {
		return 0, errors.Newf(errors.ErrCodeBlockOutOfRange, "block %d beyond end of device", index).
			WithComponent("device").WithOperation(op).WithContext("device", g.name)
	}
	return index * int64(g.blockSize), nil
}

func ioError(name, op string, index int64, cause error) error {
	return errors.NewError(errors.ErrCodeIOError, fmt.Sprintf("block %d", index)).
		WithComponent("device").WithOperation(op).WithContext("device", name).WithCause(cause)
}

package device

import (
	"context"
	"sync"

	"github.com/babyfs/babyfs/pkg/errors"
)

// MemDevice is a RAM-backed block device. Individual blocks can be made to
// fail, which lets callers exercise their I/O error paths.
type MemDevice struct {
	geometry
	data []byte

	faultMu     sync.Mutex
	readFaults  map[int64]error
	writeFaults map[int64]error
	blockSizeOK func(size int) bool
}

// NewMemDevice returns a zero-filled device of sizeBytes bytes.
func NewMemDevice(name string, sizeBytes int64, sectorSize int) *MemDevice {
	d := &MemDevice{
		data:        make([]byte, sizeBytes),
		readFaults:  make(map[int64]error),
		writeFaults: make(map[int64]error),
	}
	d.init(name, sectorSize, sizeBytes, false)
	return d
}

// FailReads makes every read of block index (at the current block size)
// fail with cause. A nil cause clears the fault.
func (d *MemDevice) FailReads(index int64, cause error) {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	if cause == nil {
		delete(d.readFaults, index)
		return
	}
	d.readFaults[index] = cause
}

// FailWrites is FailReads for writes.
func (d *MemDevice) FailWrites(index int64, cause error) {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	if cause == nil {
		delete(d.writeFaults, index)
		return
	}
	d.writeFaults[index] = cause
}

// RestrictBlockSizes installs an extra predicate SetBlockSize must pass,
// emulating hardware that refuses some otherwise valid sizes.
func (d *MemDevice) RestrictBlockSizes(ok func(size int) bool) {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	d.blockSizeOK = ok
}

func (d *MemDevice) SetBlockSize(size int) error {
	d.faultMu.Lock()
	ok := d.blockSizeOK
	d.faultMu.Unlock()
	if ok != nil && !ok(size) {
		return errors.Newf(errors.ErrCodeBlockSize, "device refuses block size %d", size).
			WithComponent("device").WithOperation("set_block_size").WithContext("device", d.name)
	}
	return d.geometry.SetBlockSize(size)
}

func (d *MemDevice) fault(faults map[int64]error, index int64) error {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	return faults[index]
}

func (d *MemDevice) ReadBlock(_ context.Context, index int64, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	off, err := d.span("read_block", index, buf, false)
	if err != nil {
		return err
	}
	if cause := d.fault(d.readFaults, index); cause != nil {
		return ioError(d.name, "read_block", index, cause)
	}
	copy(buf, d.data[off:off+int64(len(buf))])
	return nil
}

func (d *MemDevice) WriteBlock(_ context.Context, index int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	off, err := d.span("write_block", index, buf, true)
	if err != nil {
		return err
	}
	if cause := d.fault(d.writeFaults, index); cause != nil {
		return ioError(d.name, "write_block", index, cause)
	}
	copy(d.data[off:], buf)
	return nil
}

// Bytes exposes the raw image, for formatting and inspection.
func (d *MemDevice) Bytes() []byte {
	return d.data
}

func (d *MemDevice) Sync(context.Context) error { return nil }

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

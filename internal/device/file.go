package device

import (
	"context"
	"io"
	"os"

	"github.com/babyfs/babyfs/pkg/errors"
)

// FileDevice is a block device backed by a regular file or a host block
// device node.
type FileDevice struct {
	geometry
	file *os.File
}

// FileOptions configures OpenFile.
type FileOptions struct {
	SectorSize int
	ReadOnly   bool
}

// OpenFile opens path as a block device.
func OpenFile(path string, opts FileOptions) (*FileDevice, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeDeviceOpen, "cannot open device").
			WithComponent("device").WithContext("device", path).WithCause(err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, errors.NewError(errors.ErrCodeDeviceOpen, "cannot size device").
			WithComponent("device").WithContext("device", path).WithCause(err)
	}

	d := &FileDevice{file: f}
	d.init(path, opts.SectorSize, size, opts.ReadOnly)
	return d, nil
}

// CreateFile creates (or truncates) an image file of the given size and
// opens it read-write.
func CreateFile(path string, sizeBytes int64, sectorSize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeDeviceOpen, "cannot create image").
			WithComponent("device").WithContext("device", path).WithCause(err)
	}
	if err := f.Truncate(sizeBytes); err != nil {
		_ = f.Close()
		return nil, errors.NewError(errors.ErrCodeDeviceOpen, "cannot size image").
			WithComponent("device").WithContext("device", path).WithCause(err)
	}
	d := &FileDevice{file: f}
	d.init(path, sectorSize, sizeBytes, false)
	return d, nil
}

func (d *FileDevice) ReadBlock(_ context.Context, index int64, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	off, err := d.span("read_block", index, buf, false)
	if err != nil {
		return err
	}
	if _, err := d.file.ReadAt(buf, off); err != nil {
		return ioError(d.name, "read_block", index, err)
	}
	return nil
}

func (d *FileDevice) WriteBlock(_ context.Context, index int64, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	off, err := d.span("write_block", index, buf, true)
	if err != nil {
		return err
	}
	if _, err := d.file.WriteAt(buf, off); err != nil {
		return ioError(d.name, "write_block", index, err)
	}
	return nil
}

func (d *FileDevice) Sync(context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.readOnly {
		return nil
	}
	if err := d.file.Sync(); err != nil {
		return ioError(d.name, "sync", -1, err)
	}
	return nil
}

// Close is idempotent.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}

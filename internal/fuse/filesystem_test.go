package fuse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babyfs/babyfs/internal/babyfs"
	"github.com/babyfs/babyfs/internal/device"
	"github.com/babyfs/babyfs/internal/vfs"
	"github.com/babyfs/babyfs/pkg/errors"
)

var stamp = time.Unix(1700000000, 0)

type testMount struct {
	module *babyfs.Module
	sb     *vfs.SuperBlock
}

func (tm *testMount) unmount(t *testing.T) {
	t.Helper()
	require.NoError(t, tm.module.Unmount(tm.sb))
}

func mountBabyfs(t *testing.T, opts vfs.MountOptions) *testMount {
	t.Helper()
	ctx := context.Background()

	m := babyfs.NewModule(vfs.NewHost())
	require.NoError(t, m.Init())

	dev := device.NewMemDevice("fuse-test", 32*babyfs.BlockSize, 512)
	_, err := babyfs.Format(ctx, dev, babyfs.FormatOptions{Inodes: 16, Now: stamp})
	require.NoError(t, err)

	sb, err := m.Mount(ctx, dev, opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = m.Unmount(sb)
		_ = m.Exit()
	})
	return &testMount{module: m, sb: sb}
}

type recordedOp struct {
	op     string
	failed bool
}

type fakeRecorder struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (r *fakeRecorder) RecordOperation(op string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{op: op, failed: err != nil})
}

func TestNewFileSystemRequiresLiveSuperblock(t *testing.T) {
	_, err := NewFileSystem(nil, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

	tm := mountBabyfs(t, vfs.MountOptions{})
	fsys, err := NewFileSystem(tm.sb, nil)
	require.NoError(t, err)
	assert.Equal(t, "babyfs", fsys.Config().FSName)
	assert.Equal(t, time.Second, fsys.Config().AttrTimeout)
	assert.Same(t, tm.sb, fsys.SuperBlock())

	tm.unmount(t)
	_, err = NewFileSystem(tm.sb, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestRootAttr(t *testing.T) {
	tm := mountBabyfs(t, vfs.MountOptions{})
	fsys, err := NewFileSystem(tm.sb, nil)
	require.NoError(t, err)

	attr, err := fsys.RootAttr()
	require.NoError(t, err)
	assert.Equal(t, uint64(babyfs.RootIno), attr.Ino)
	assert.Equal(t, uint32(sIFDIR|0755), attr.Mode)
	assert.Equal(t, uint32(2), attr.Nlink)
	assert.Equal(t, uint64(babyfs.BlockSize), attr.Size)
	assert.Equal(t, uint64(8), attr.Blocks)
	assert.Equal(t, uint32(babyfs.BlockSize), attr.BlockSize)
	assert.True(t, attr.Mtime.Equal(stamp))
}

func TestStatfsFollowsSuperblock(t *testing.T) {
	tm := mountBabyfs(t, vfs.MountOptions{})
	rec := &fakeRecorder{}
	fsys, err := NewFileSystem(tm.sb, nil, WithRecorder(rec))
	require.NoError(t, err)

	st, err := fsys.Statfs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, babyfs.Magic, st.Type)
	assert.Equal(t, uint64(30), st.Blocks)
	assert.Equal(t, uint64(29), st.BFree)
	assert.Equal(t, uint64(16), st.Files)
	assert.Equal(t, babyfs.MaxNameLen, st.NameLen)
}

func TestOperationsFailAfterUnmount(t *testing.T) {
	tm := mountBabyfs(t, vfs.MountOptions{})
	fsys, err := NewFileSystem(tm.sb, nil)
	require.NoError(t, err)

	tm.unmount(t)

	_, err = fsys.RootAttr()
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	_, err = fsys.Statfs(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestRecordCountsOperations(t *testing.T) {
	tm := mountBabyfs(t, vfs.MountOptions{})
	rec := &fakeRecorder{}
	fsys, err := NewFileSystem(tm.sb, nil, WithRecorder(rec))
	require.NoError(t, err)

	fsys.record("getattr", time.Now(), nil)
	fsys.record("statfs", time.Now(), nil)
	fsys.record("lookup", time.Now(), errors.NewError(errors.ErrCodeInodeNotFound, "x"))

	stats := fsys.GetStats()
	assert.Equal(t, Stats{Getattrs: 1, Statfs: 1, Lookups: 1, Errors: 1}, stats)
	assert.Equal(t, []recordedOp{
		{op: "fuse_getattr"},
		{op: "fuse_statfs"},
		{op: "fuse_lookup", failed: true},
	}, rec.ops)
}

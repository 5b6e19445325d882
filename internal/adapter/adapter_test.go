package adapter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babyfs/babyfs/internal/babyfs"
	"github.com/babyfs/babyfs/internal/config"
	"github.com/babyfs/babyfs/pkg/errors"
)

func TestApplyDeviceURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		uri         string
		want        config.DeviceConfig
		errContains string
	}{
		{
			name: "bare path",
			uri:  "/var/lib/babyfs/disk.img",
			want: config.DeviceConfig{Kind: config.DeviceKindFile, Path: "/var/lib/babyfs/disk.img"},
		},
		{
			name: "file URI",
			uri:  "file:///tmp/../tmp/disk.img",
			want: config.DeviceConfig{Kind: config.DeviceKindFile, Path: "/tmp/disk.img"},
		},
		{
			name: "memory",
			uri:  "mem://scratch",
			want: config.DeviceConfig{Kind: config.DeviceKindMemory, Path: "scratch"},
		},
		{
			name: "s3 object",
			uri:  "s3://my.bucket/images/disk.img",
			want: config.DeviceConfig{
				Kind: config.DeviceKindS3,
				S3:   config.S3DeviceConfig{Bucket: "my.bucket", Key: "images/disk.img"},
			},
		},
		{name: "s3 without bucket", uri: "s3:///disk.img", errContains: "bucket name"},
		{name: "s3 without key", uri: "s3://my-bucket", errContains: "object key"},
		{name: "file without path", uri: "file://", errContains: "must include a path"},
		{name: "unsupported scheme", uri: "gcs://my-bucket/disk", errContains: "unsupported device scheme"},
		{name: "invalid URI", uri: "s3://bad host/x", errContains: "failed to parse URI"},
		{name: "empty", uri: "", errContains: "empty"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var dc config.DeviceConfig
			err := ApplyDeviceURI(&dc, tt.uri)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, dc)
		})
	}
}

func memoryConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Global.LogLevel = "ERROR"
	cfg.Device.Kind = config.DeviceKindMemory
	cfg.Device.Path = "adapter-test"
	cfg.Device.SizeBlocks = 1024
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Device.Kind = "floppy"

	_, err := New(context.Background(), cfg)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigValidation))
}

func TestStartStopMemoryDevice(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig())
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	assert.Equal(t, babyfs.StateActive, a.Module().State())
	assert.True(t, errors.HasCode(a.Start(ctx), errors.ErrCodeInvalidState))

	// 1024 blocks minus the superblock and a three-block inode table.
	st, err := a.Statfs(ctx)
	require.NoError(t, err)
	assert.Equal(t, babyfs.Magic, st.Type)
	assert.Equal(t, uint64(1020), st.Blocks)
	assert.Equal(t, uint64(babyfs.DefaultInodes), st.Files)
	assert.Equal(t, 1, a.Module().PoolStats().InUse)

	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, babyfs.StateNotLoaded, a.Module().State())
	assert.Nil(t, a.SuperBlock())
	require.NoError(t, a.Stop(ctx))

	_, err = a.Statfs(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestMkfsThenMountFile(t *testing.T) {
	ctx := context.Background()
	image := filepath.Join(t.TempDir(), "disk.img")

	cfg := memoryConfig()
	require.NoError(t, ApplyDeviceURI(&cfg.Device, image))
	cfg.Device.SizeBlocks = 64

	raw, err := Mkfs(ctx, cfg.Device, true, babyfs.FormatOptions{Inodes: 32})
	require.NoError(t, err)
	assert.Equal(t, uint32(62), raw.NrDstoreBlocks)

	info, err := os.Stat(image)
	require.NoError(t, err)
	assert.Equal(t, int64(64*babyfs.BlockSize), info.Size())

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	st, err := a.Statfs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(62), st.Blocks)
	assert.Equal(t, uint64(32), st.Files)
	require.NoError(t, a.Stop(ctx))
}

func TestFailedStartUnloadsModule(t *testing.T) {
	ctx := context.Background()
	image := filepath.Join(t.TempDir(), "garbage.img")
	require.NoError(t, os.WriteFile(image, []byte(strings.Repeat("x", 8*babyfs.BlockSize)), 0644))

	cfg := memoryConfig()
	require.NoError(t, ApplyDeviceURI(&cfg.Device, image))

	a, err := New(ctx, cfg)
	require.NoError(t, err)

	err = a.Start(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCorrupt))
	assert.Equal(t, babyfs.StateNotLoaded, a.Module().State())
	assert.Nil(t, a.SuperBlock())

	// A retry after the failure starts from scratch.
	err = a.Start(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCorrupt))
}

func TestOpenDeviceMissingFile(t *testing.T) {
	_, err := OpenDevice(context.Background(), config.DeviceConfig{
		Kind:       config.DeviceKindFile,
		Path:       filepath.Join(t.TempDir(), "absent.img"),
		SectorSize: 512,
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeDeviceOpen))
}

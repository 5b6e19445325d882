package vfs

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

// FillSuperFunc reads a filesystem's on-disk state into sb and sets
// sb.Root. On error it must release whatever it acquired itself.
type FillSuperFunc func(ctx context.Context, sb *SuperBlock) error

// MountBdev is the Mount implementation for block-device filesystems: it
// creates a superblock over req.Dev and calls fill. On failure the
// superblock is torn down without PutSuper and the device is closed.
func MountBdev(ctx context.Context, req *MountRequest, fill FillSuperFunc) (*Dentry, error) {
	if req.Dev == nil {
		return nil, errors.NewError(errors.ErrCodeMountFailed, "no block device").
			WithComponent("vfs").WithOperation("mount_bdev")
	}

	sb := NewSuperBlock(req)
	if err := fill(ctx, sb); err != nil {
		sb.Root = nil
		shutdown(sb)
		return nil, err
	}
	if sb.Root == nil {
		shutdown(sb)
		return nil, errors.NewError(errors.ErrCodeInternalError, "fill_super left no root").
			WithComponent("vfs").WithOperation("mount_bdev")
	}
	return sb.Root, nil
}

// KillBlockSuper is the KillSB implementation for block-device
// filesystems. It drops the root, evicts cached inodes, syncs, calls
// PutSuper and closes the device. It never fails; secondary errors are
// logged. Killing a dead superblock is a no-op.
func KillBlockSuper(sb *SuperBlock) {
	if sb == nil {
		return
	}
	if err := shutdown(sb); err != nil {
		sb.logger.Error("errors while tearing down superblock", utils.Fields{"error": err})
	}
}

func shutdown(sb *SuperBlock) error {
	sb.mu.Lock()
	if sb.dead {
		sb.mu.Unlock()
		return nil
	}
	sb.dead = true
	sb.mu.Unlock()

	var result *multierror.Error
	ctx := context.Background()

	if root := sb.Root; root != nil {
		if !sb.ReadOnly() && sb.Ops != nil {
			if err := sb.writeDirtyInodes(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
		root.release()
		sb.Root = nil

		if busy := sb.evictInodes(); busy > 0 {
			sb.logger.Warn("busy inodes after unmount", utils.Fields{"busy": busy})
		}
		if !sb.ReadOnly() && sb.Ops != nil {
			if err := sb.Ops.SyncFS(ctx, sb); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if sb.Ops != nil {
			sb.Ops.PutSuper(sb)
		}
	} else {
		sb.evictInodes()
	}

	if sb.Buffers != nil {
		if pinned := sb.Buffers.Pinned(); pinned > 0 {
			sb.logger.Warn("buffers still pinned at unmount", utils.Fields{"pinned": pinned})
		}
	}
	if sb.Dev != nil {
		if err := sb.Dev.Sync(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		if err := sb.Dev.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

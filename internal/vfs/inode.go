package vfs

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/babyfs/babyfs/pkg/errors"
	"github.com/babyfs/babyfs/pkg/utils"
)

type inodeState uint8

const (
	inodeNew inodeState = iota
	inodeLive
	inodeFreeing
)

// Inode is the generic in-memory inode. Filesystems embed it in their own
// inode type and point Private back at the container.
type Inode struct {
	Ino   uint64
	Mode  os.FileMode
	Nlink uint32
	UID   uint32
	GID   uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	SB    *SuperBlock

	// Private is set once, by the filesystem's slot constructor, to the
	// object embedding this inode.
	Private interface{}

	mu          sync.Mutex
	initialized bool
	state       inodeState
	refs        int
	dirty       bool
	ready       chan struct{}
}

// InodeInitOnce prepares the parts of an inode that survive reuse. Pooled
// filesystems call it from their slot constructor.
func InodeInitOnce(inode *Inode) {
	*inode = Inode{initialized: true}
}

// Initialized reports whether InodeInitOnce ran on inode.
func (i *Inode) Initialized() bool { return i.initialized }

// inodeInitAlways resets per-use fields of a freshly allocated inode.
func inodeInitAlways(sb *SuperBlock, inode *Inode) {
	inode.mu.Lock()
	defer inode.mu.Unlock()
	inode.Ino = 0
	inode.Mode = 0
	inode.Nlink = 1
	inode.UID, inode.GID = 0, 0
	inode.Size = 0
	inode.Atime, inode.Mtime, inode.Ctime = time.Time{}, time.Time{}, time.Time{}
	inode.SB = sb
	inode.state = inodeNew
	inode.refs = 1
	inode.dirty = false
	inode.ready = make(chan struct{})
}

// Refs returns the inode's reference count.
func (i *Inode) Refs() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refs
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool { return i.Mode.IsDir() }

// MarkDirty queues the inode for WriteInode on the next sync.
func (i *Inode) MarkDirty() {
	i.mu.Lock()
	i.dirty = true
	i.mu.Unlock()
}

// tryGet takes a reference unless the inode is being torn down.
func (i *Inode) tryGet() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == inodeFreeing {
		return false
	}
	i.refs++
	return true
}

type inodeCache struct {
	mu     sync.Mutex
	byIno  sync.Map // uint64 -> *Inode
	length int
}

func newInodeCache() *inodeCache {
	return &inodeCache{}
}

// allocInode asks the filesystem for an inode and resets it for use.
func (sb *SuperBlock) allocInode() (*Inode, error) {
	if sb.Ops == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidState, "superblock has no operations").
			WithComponent("vfs").WithOperation("alloc_inode")
	}
	inode, err := sb.Ops.AllocInode(sb)
	if err != nil {
		return nil, err
	}
	if inode == nil || !inode.initialized {
		if inode != nil {
			sb.Ops.DestroyInode(inode)
		}
		return nil, errors.NewError(errors.ErrCodeInternalError, "filesystem returned an unconstructed inode").
			WithComponent("vfs").WithOperation("alloc_inode")
	}
	inodeInitAlways(sb, inode)
	return inode, nil
}

// Ilookup returns a referenced cached inode, or nil. The lookup itself
// takes no lock on the cache.
func (sb *SuperBlock) Ilookup(ino uint64) *Inode {
	g := sb.Host.Domain().Enter()
	defer g.Exit()

	v, ok := sb.inodes.byIno.Load(ino)
	if !ok {
		return nil
	}
	inode := v.(*Inode)
	if !inode.tryGet() {
		return nil
	}
	return inode
}

// WithInode runs fn on cached inode ino inside a read-side critical
// section without taking a reference. It reports whether ino was cached.
func (sb *SuperBlock) WithInode(ino uint64, fn func(*Inode)) bool {
	g := sb.Host.Domain().Enter()
	defer g.Exit()

	v, ok := sb.inodes.byIno.Load(ino)
	if !ok {
		return false
	}
	fn(v.(*Inode))
	return true
}

// IgetLocked returns inode ino with a reference held. When isNew is true
// the caller must fill the inode and then call UnlockNewInode, or
// IgetFailed on error.
func (sb *SuperBlock) IgetLocked(ctx context.Context, ino uint64) (inode *Inode, isNew bool, err error) {
	for {
		if cached := sb.Ilookup(ino); cached != nil {
			select {
			case <-cached.ready:
			case <-ctx.Done():
				sb.Iput(cached)
				return nil, false, ctx.Err()
			}
			cached.mu.Lock()
			live := cached.state == inodeLive
			cached.mu.Unlock()
			if live {
				return cached, false, nil
			}
			// The filling caller gave up; look again.
			sb.Iput(cached)
			continue
		}

		fresh, err := sb.allocInode()
		if err != nil {
			return nil, false, err
		}
		fresh.Ino = ino

		sb.inodes.mu.Lock()
		if _, raced := sb.inodes.byIno.Load(ino); raced {
			sb.inodes.mu.Unlock()
			sb.destroyInode(fresh)
			continue
		}
		sb.inodes.byIno.Store(ino, fresh)
		sb.inodes.length++
		sb.inodes.mu.Unlock()
		return fresh, true, nil
	}
}

// UnlockNewInode publishes an inode filled after IgetLocked.
func (sb *SuperBlock) UnlockNewInode(inode *Inode) {
	inode.mu.Lock()
	inode.state = inodeLive
	close(inode.ready)
	inode.mu.Unlock()
}

// IgetFailed drops an inode IgetLocked returned as new. Callers waiting
// on it retry the lookup.
func (sb *SuperBlock) IgetFailed(inode *Inode) {
	sb.removeInode(inode)

	inode.mu.Lock()
	inode.state = inodeFreeing
	inode.refs--
	last := inode.refs == 0
	close(inode.ready)
	inode.mu.Unlock()

	if last {
		sb.destroyInode(inode)
	}
}

// Iput drops a reference. An unlinked inode is evicted when its last
// reference goes; others stay cached until unmount.
func (sb *SuperBlock) Iput(inode *Inode) {
	if inode == nil {
		return
	}
	inode.mu.Lock()
	if inode.refs <= 0 {
		inode.mu.Unlock()
		sb.logger.Warn("iput on unreferenced inode", utils.Fields{"ino": inode.Ino})
		return
	}
	inode.refs--
	var unlinked, abandoned bool
	if inode.refs == 0 {
		unlinked = inode.Nlink == 0 && inode.state == inodeLive
		abandoned = inode.state == inodeFreeing
		if unlinked {
			inode.state = inodeFreeing
		}
	}
	inode.mu.Unlock()

	if unlinked {
		sb.removeInode(inode)
	}
	if unlinked || abandoned {
		sb.destroyInode(inode)
	}
}

// Ihold takes an extra reference on an inode the caller already holds.
func (sb *SuperBlock) Ihold(inode *Inode) {
	inode.mu.Lock()
	inode.refs++
	inode.mu.Unlock()
}

// CachedInodes returns the number of inodes in the cache.
func (sb *SuperBlock) CachedInodes() int {
	sb.inodes.mu.Lock()
	defer sb.inodes.mu.Unlock()
	return sb.inodes.length
}

func (sb *SuperBlock) removeInode(inode *Inode) {
	sb.inodes.mu.Lock()
	defer sb.inodes.mu.Unlock()
	if v, ok := sb.inodes.byIno.Load(inode.Ino); ok && v.(*Inode) == inode {
		sb.inodes.byIno.Delete(inode.Ino)
		sb.inodes.length--
	}
}

func (sb *SuperBlock) destroyInode(inode *Inode) {
	if sb.Ops != nil {
		sb.Ops.DestroyInode(inode)
	}
}

// evictInodes removes every unreferenced inode from the cache and returns
// the number still busy.
func (sb *SuperBlock) evictInodes() int {
	var victims []*Inode
	busy := 0

	sb.inodes.mu.Lock()
	sb.inodes.byIno.Range(func(_, v interface{}) bool {
		inode := v.(*Inode)
		inode.mu.Lock()
		if inode.refs > 0 {
			busy++
		} else {
			inode.state = inodeFreeing
			victims = append(victims, inode)
		}
		inode.mu.Unlock()
		return true
	})
	for _, inode := range victims {
		sb.inodes.byIno.Delete(inode.Ino)
		sb.inodes.length--
	}
	sb.inodes.mu.Unlock()

	for _, inode := range victims {
		sb.destroyInode(inode)
	}
	return busy
}

func (sb *SuperBlock) writeDirtyInodes(ctx context.Context) error {
	var dirty []*Inode
	sb.inodes.byIno.Range(func(_, v interface{}) bool {
		inode := v.(*Inode)
		inode.mu.Lock()
		if inode.dirty && inode.state == inodeLive {
			inode.dirty = false
			dirty = append(dirty, inode)
		}
		inode.mu.Unlock()
		return true
	})

	for _, inode := range dirty {
		if err := sb.Ops.WriteInode(ctx, inode); err != nil {
			inode.MarkDirty()
			return err
		}
	}
	return nil
}

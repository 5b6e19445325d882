package vfs

// Dentry links a name to an inode in the live tree.
type Dentry struct {
	Name   string
	Inode  *Inode
	SB     *SuperBlock
	Parent *Dentry
}

// MakeRoot builds the root dentry of inode's superblock, consuming the
// caller's inode reference. It returns nil when there is nothing to root.
func MakeRoot(inode *Inode) *Dentry {
	if inode == nil || inode.SB == nil {
		return nil
	}
	d := &Dentry{Name: "/", Inode: inode, SB: inode.SB}
	d.Parent = d
	return d
}

// release drops the dentry's inode reference.
func (d *Dentry) release() {
	if d == nil || d.Inode == nil {
		return
	}
	d.SB.Iput(d.Inode)
	d.Inode = nil
}

//go:build linux
// +build linux

package fuse

import (
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"

	"golang.org/x/sys/unix"
)

// inodeKey is the canonical identity of a file object in the source
// tree. No two live inodes share a key.
type inodeKey struct {
	dev uint64
	ino uint64
}

// inode owns an O_PATH descriptor to one object in the source tree.
// The descriptor stays open for as long as the kernel holds a
// reference to the node ID, which is what makes descriptor-relative
// syscalls safe even after the object has been renamed or unlinked.
type inode struct {
	fd         int
	key        inodeKey
	nodeID     uint64
	generation uint64

	// Protected by inodeStore.lock.
	lookupCount uint64
}

// inodeStore maps between host file identity and the node IDs handed
// to the kernel. Node IDs are allocated from a monotonic counter and
// never recycled, so generations never need to be bumped.
type inodeStore struct {
	root *inode

	lock       sync.Mutex
	byKey      map[inodeKey]*inode
	byID       map[uint64]*inode
	nextNodeID uint64
}

func newInodeStore(rootFD int, rootKey inodeKey) *inodeStore {
	return &inodeStore{
		root: &inode{
			fd:     rootFD,
			key:    rootKey,
			nodeID: fuse.FUSE_ROOT_ID,
		},
		byKey:      map[inodeKey]*inode{},
		byID:       map[uint64]*inode{},
		nextNodeID: fuse.FUSE_ROOT_ID + 1,
	}
}

// resolve returns the inode for a kernel-supplied node ID, or nil if
// the ID is not (or no longer) known. The root ID always resolves to
// the root inode, which is never part of the maps.
func (is *inodeStore) resolve(nodeID uint64) *inode {
	if nodeID == fuse.FUSE_ROOT_ID {
		return is.root
	}
	is.lock.Lock()
	defer is.lock.Unlock()
	return is.byID[nodeID]
}

// findOrInsert either returns the existing inode for key, or inserts a
// new one owning fd. In the former case fd is closed, as the existing
// inode already holds an equivalent descriptor. The returned inode has
// its lookup count incremented by one.
func (is *inodeStore) findOrInsert(fd int, key inodeKey) *inode {
	is.lock.Lock()
	if existing, ok := is.byKey[key]; ok {
		existing.lookupCount++
		is.lock.Unlock()
		unix.Close(fd)
		return existing
	}
	i := &inode{
		fd:          fd,
		key:         key,
		nodeID:      is.nextNodeID,
		lookupCount: 1,
	}
	is.nextNodeID++
	is.byKey[key] = i
	is.byID[i.nodeID] = i
	is.lock.Unlock()
	return i
}

// retain increments the lookup count of an inode that is about to be
// returned to the kernel again (e.g. through link()).
func (is *inodeStore) retain(i *inode) {
	is.lock.Lock()
	i.lookupCount++
	is.lock.Unlock()
}

// forget decrements the lookup count by n, detaching the inode and
// closing its descriptor when the count reaches zero. Forgets may race
// with concurrent lookups of the same name; forgetting an unknown node
// ID or decrementing below zero is silently tolerated.
func (is *inodeStore) forget(nodeID, n uint64) {
	if nodeID == fuse.FUSE_ROOT_ID {
		return
	}
	is.lock.Lock()
	i, ok := is.byID[nodeID]
	if !ok {
		is.lock.Unlock()
		return
	}
	if n > i.lookupCount {
		n = i.lookupCount
	}
	i.lookupCount -= n
	if i.lookupCount > 0 {
		is.lock.Unlock()
		return
	}
	delete(is.byID, nodeID)
	delete(is.byKey, i.key)
	is.lock.Unlock()
	unix.Close(i.fd)
}

// destroy detaches all inodes and closes their descriptors. The root
// descriptor is not closed here; it is owned by the caller that opened
// the source directory.
func (is *inodeStore) destroy() {
	is.lock.Lock()
	inodes := make([]*inode, 0, len(is.byID))
	for _, i := range is.byID {
		inodes = append(inodes, i)
	}
	is.byKey = map[inodeKey]*inode{}
	is.byID = map[uint64]*inode{}
	is.lock.Unlock()

	for _, i := range inodes {
		unix.Close(i.fd)
	}
}

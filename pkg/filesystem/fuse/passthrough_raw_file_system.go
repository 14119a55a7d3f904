//go:build linux
// +build linux

package fuse

import (
	"log"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"golang.org/x/sys/unix"
)

// CacheMode selects how aggressively the kernel may cache data and
// metadata served by the passthrough layer.
type CacheMode int

const (
	// CacheNever forces direct I/O on every open file.
	CacheNever CacheMode = iota
	// CacheAuto honours the configured attribute/entry timeout.
	CacheAuto
	// CacheAlways keeps kernel caches across file closes.
	CacheAlways
)

// PassthroughOptions control the behavior of the passthrough layer.
type PassthroughOptions struct {
	// Writeback requests the kernel writeback cache. It only takes
	// effect if the kernel announces CAP_WRITEBACK_CACHE during
	// session initialization.
	Writeback bool
	// Flock enables flock and POSIX locking operations.
	Flock bool
	// XAttr enables extended attribute operations. When disabled,
	// xattr requests fail with ENOSYS.
	XAttr bool
	// Cache selects the caching regime.
	Cache CacheMode
	// Timeout is the entry/attribute validity duration reported to
	// the kernel.
	Timeout time.Duration
}

// DefaultTimeout returns the entry/attribute validity that corresponds
// to a cache mode when no explicit timeout was configured.
func (m CacheMode) DefaultTimeout() time.Duration {
	switch m {
	case CacheNever:
		return 0
	case CacheAlways:
		return 86400 * time.Second
	default:
		return time.Second
	}
}

// SessionRawFileSystem is a RawFileSystem that holds host resources on
// behalf of a kernel session. Destroy must be called exactly once,
// after the serve loop has terminated, to close all descriptors.
type SessionRawFileSystem interface {
	fuse.RawFileSystem

	Destroy()
}

type dirHandle struct {
	lock       sync.Mutex
	fd         int
	todo       []fuse.DirEntry
	lastOffset uint64
}

type passthroughRawFileSystem struct {
	options PassthroughOptions
	inodes  *inodeStore

	handleLock    sync.Mutex
	dirHandles    map[uint64]*dirHandle
	nextDirHandle uint64

	// Set once during Init.
	writebackActive bool

	debug bool
}

// NewPassthroughRawFileSystem creates the bottom layer of the stack: a
// RawFileSystem that maps every operation onto a source directory
// using descriptor-relative syscalls. No path below the source root is
// ever resolved by string; all access goes through O_PATH descriptors
// held in the inode store.
func NewPassthroughRawFileSystem(sourcePath string, options PassthroughOptions) (SessionRawFileSystem, error) {
	rootFD, err := unix.Open(sourcePath, unix.O_PATH, 0)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(rootFD, &st); err != nil {
		unix.Close(rootFD)
		return nil, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		unix.Close(rootFD)
		return nil, syscall.ENOTDIR
	}
	return &passthroughRawFileSystem{
		options: options,
		inodes: newInodeStore(rootFD, inodeKey{
			dev: uint64(st.Dev),
			ino: st.Ino,
		}),
		dirHandles:    map[uint64]*dirHandle{},
		nextDirHandle: 1,
	}, nil
}

func procPath(fd int) string {
	return "/proc/self/fd/" + strconv.Itoa(fd)
}

func toAttr(st *unix.Stat_t, a *fuse.Attr) {
	a.Ino = st.Ino
	a.Size = uint64(st.Size)
	a.Blocks = uint64(st.Blocks)
	a.Atime = uint64(st.Atim.Sec)
	a.Atimensec = uint32(st.Atim.Nsec)
	a.Mtime = uint64(st.Mtim.Sec)
	a.Mtimensec = uint32(st.Mtim.Nsec)
	a.Ctime = uint64(st.Ctim.Sec)
	a.Ctimensec = uint32(st.Ctim.Nsec)
	a.Mode = st.Mode
	a.Nlink = uint32(st.Nlink)
	a.Uid = st.Uid
	a.Gid = st.Gid
	a.Rdev = uint32(st.Rdev)
	a.Blksize = uint32(st.Blksize)
}

const (
	// FUSE_FSYNC_FDATASYNC in FsyncIn.FsyncFlags.
	fsyncFlagDataOnly = 1 << 0
	// FUSE_LK_FLOCK in LkIn.LkFlags.
	lkFlagFlock = 1 << 0

	pathMax = 4096
)

var errStale = fuse.Status(syscall.ESTALE)

func (fs *passthroughRawFileSystem) String() string {
	return "PassthroughRawFileSystem"
}

func (fs *passthroughRawFileSystem) SetDebug(debug bool) {
	fs.debug = debug
}

func (fs *passthroughRawFileSystem) Init(server *fuse.Server) {
	// The kernel only honours writeback semantics if it announced
	// the capability. Opting into it any further is the session's
	// concern; here it only controls access-mode masking in Open.
	fs.writebackActive = fs.options.Writeback &&
		server.KernelSettings().Flags64()&fuse.CAP_WRITEBACK_CACHE != 0
	if fs.debug {
		log.Printf("Session initialized: kernel %d.%d, writeback=%t",
			server.KernelSettings().Major, server.KernelSettings().Minor, fs.writebackActive)
	}
}

func (fs *passthroughRawFileSystem) OnUnmount() {
}

// Destroy closes every descriptor still held on behalf of the kernel:
// all tracked inodes, all open directory handles and the source root.
func (fs *passthroughRawFileSystem) Destroy() {
	fs.handleLock.Lock()
	handles := fs.dirHandles
	fs.dirHandles = map[uint64]*dirHandle{}
	fs.handleLock.Unlock()
	for _, h := range handles {
		unix.Close(h.fd)
	}

	rootFD := fs.inodes.root.fd
	fs.inodes.destroy()
	unix.Close(rootFD)
}

func (fs *passthroughRawFileSystem) setEntryTimeouts(out *fuse.EntryOut) {
	out.SetEntryTimeout(fs.options.Timeout)
	out.SetAttrTimeout(fs.options.Timeout)
}

// lookup opens name relative to parent with O_PATH|O_NOFOLLOW, stats
// the result and finds or inserts the matching inode. On success the
// kernel owns one additional lookup reference.
func (fs *passthroughRawFileSystem) lookup(parent *inode, name string, out *fuse.EntryOut) fuse.Status {
	childFD, err := unix.Openat(parent.fd, name, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return fuse.ToStatus(err)
	}
	var st unix.Stat_t
	if err := unix.Fstatat(childFD, "", &st, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
		unix.Close(childFD)
		return fuse.ToStatus(err)
	}
	i := fs.inodes.findOrInsert(childFD, inodeKey{dev: uint64(st.Dev), ino: st.Ino})
	out.NodeId = i.nodeID
	out.Generation = i.generation
	toAttr(&st, &out.Attr)
	fs.setEntryTimeouts(out)
	return fuse.OK
}

func (fs *passthroughRawFileSystem) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	parent := fs.inodes.resolve(header.NodeId)
	if parent == nil {
		return errStale
	}
	return fs.lookup(parent, name, out)
}

func (fs *passthroughRawFileSystem) Forget(nodeID, nLookup uint64) {
	fs.inodes.forget(nodeID, nLookup)
}

func (fs *passthroughRawFileSystem) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	var st unix.Stat_t
	if input.Flags()&fuse.FUSE_GETATTR_FH != 0 {
		if err := unix.Fstat(int(input.Fh()), &st); err != nil {
			return fuse.ToStatus(err)
		}
	} else {
		i := fs.inodes.resolve(input.NodeId)
		if i == nil {
			return errStale
		}
		if err := unix.Fstatat(i.fd, "", &st, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fuse.ToStatus(err)
		}
	}
	toAttr(&st, &out.Attr)
	out.SetTimeout(fs.options.Timeout)
	return fuse.OK
}

func (fs *passthroughRawFileSystem) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	i := fs.inodes.resolve(input.NodeId)
	if i == nil {
		return errStale
	}
	fh, hasFh := input.GetFh()

	if input.Valid&fuse.FATTR_MODE != 0 {
		var err error
		if hasFh {
			err = unix.Fchmod(int(fh), input.Mode)
		} else {
			err = unix.Chmod(procPath(i.fd), input.Mode)
		}
		if err != nil {
			return fuse.ToStatus(err)
		}
	}
	if input.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		uid, gid := -1, -1
		if input.Valid&fuse.FATTR_UID != 0 {
			uid = int(input.Uid)
		}
		if input.Valid&fuse.FATTR_GID != 0 {
			gid = int(input.Gid)
		}
		if err := unix.Fchownat(i.fd, "", uid, gid, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fuse.ToStatus(err)
		}
	}
	if input.Valid&fuse.FATTR_SIZE != 0 {
		var err error
		if hasFh {
			err = unix.Ftruncate(int(fh), int64(input.Size))
		} else {
			err = unix.Truncate(procPath(i.fd), int64(input.Size))
		}
		if err != nil {
			return fuse.ToStatus(err)
		}
	}
	if input.Valid&(fuse.FATTR_ATIME|fuse.FATTR_MTIME) != 0 {
		// Each timestamp slot is either set to an explicit time,
		// set to "now", or left untouched.
		ts := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			{Nsec: unix.UTIME_OMIT},
		}
		if input.Valid&fuse.FATTR_ATIME_NOW != 0 {
			ts[0].Nsec = unix.UTIME_NOW
		} else if input.Valid&fuse.FATTR_ATIME != 0 {
			ts[0] = unix.Timespec{Sec: int64(input.Atime), Nsec: int64(input.Atimensec)}
		}
		if input.Valid&fuse.FATTR_MTIME_NOW != 0 {
			ts[1].Nsec = unix.UTIME_NOW
		} else if input.Valid&fuse.FATTR_MTIME != 0 {
			ts[1] = unix.Timespec{Sec: int64(input.Mtime), Nsec: int64(input.Mtimensec)}
		}
		target := i.fd
		if hasFh {
			target = int(fh)
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, procPath(target), ts, 0); err != nil {
			return fuse.ToStatus(err)
		}
	}

	var getAttrIn fuse.GetAttrIn
	getAttrIn.NodeId = input.NodeId
	return fs.GetAttr(cancel, &getAttrIn, out)
}

func (fs *passthroughRawFileSystem) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	i := fs.inodes.resolve(header.NodeId)
	if i == nil {
		return nil, errStale
	}
	buf := make([]byte, pathMax+1)
	n, err := unix.Readlinkat(i.fd, "", buf)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	if n == len(buf) {
		return nil, fuse.Status(syscall.ENAMETOOLONG)
	}
	return buf[:n], fuse.OK
}

func (fs *passthroughRawFileSystem) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	i := fs.inodes.resolve(input.NodeId)
	if i == nil {
		return errStale
	}
	return fuse.ToStatus(unix.Faccessat(unix.AT_FDCWD, procPath(i.fd), input.Mask, 0))
}

func (fs *passthroughRawFileSystem) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	i := fs.inodes.resolve(header.NodeId)
	if i == nil {
		return errStale
	}
	var st unix.Statfs_t
	if err := unix.Fstatfs(i.fd, &st); err != nil {
		return fuse.ToStatus(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return fuse.OK
}

func (fs *passthroughRawFileSystem) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	if !fs.options.XAttr {
		return 0, fuse.ENOSYS
	}
	i := fs.inodes.resolve(header.NodeId)
	if i == nil {
		return 0, errStale
	}
	sz, err := unix.Getxattr(procPath(i.fd), attr, dest)
	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	return uint32(sz), fuse.OK
}

func (fs *passthroughRawFileSystem) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	if !fs.options.XAttr {
		return 0, fuse.ENOSYS
	}
	i := fs.inodes.resolve(header.NodeId)
	if i == nil {
		return 0, errStale
	}
	sz, err := unix.Listxattr(procPath(i.fd), dest)
	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	return uint32(sz), fuse.OK
}

func (fs *passthroughRawFileSystem) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	if !fs.options.XAttr {
		return fuse.ENOSYS
	}
	i := fs.inodes.resolve(input.NodeId)
	if i == nil {
		return errStale
	}
	return fuse.ToStatus(unix.Setxattr(procPath(i.fd), attr, data, int(input.Flags)))
}

func (fs *passthroughRawFileSystem) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	if !fs.options.XAttr {
		return fuse.ENOSYS
	}
	i := fs.inodes.resolve(header.NodeId)
	if i == nil {
		return errStale
	}
	return fuse.ToStatus(unix.Removexattr(procPath(i.fd), attr))
}

// mknodAt creates a file system object of the type embedded in mode,
// relative to a parent directory descriptor.
func mknodAt(dirFD int, name string, mode, rdev uint32) error {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		fd, err := unix.Openat(dirFD, name, unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY, mode)
		if err != nil {
			return err
		}
		return unix.Close(fd)
	case unix.S_IFDIR:
		return unix.Mkdirat(dirFD, name, mode)
	case unix.S_IFIFO:
		return unix.Mkfifoat(dirFD, name, mode)
	default:
		// Sockets and device nodes. mknodat(2) creates socket
		// files on Linux without binding them.
		return unix.Mknodat(dirFD, name, mode, int(rdev))
	}
}

func (fs *passthroughRawFileSystem) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	parent := fs.inodes.resolve(input.NodeId)
	if parent == nil {
		return errStale
	}
	if err := mknodAt(parent.fd, name, input.Mode, input.Rdev); err != nil {
		return fuse.ToStatus(err)
	}
	return fs.lookup(parent, name, out)
}

func (fs *passthroughRawFileSystem) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	parent := fs.inodes.resolve(input.NodeId)
	if parent == nil {
		return errStale
	}
	if err := unix.Mkdirat(parent.fd, name, input.Mode); err != nil {
		return fuse.ToStatus(err)
	}
	return fs.lookup(parent, name, out)
}

func (fs *passthroughRawFileSystem) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parent := fs.inodes.resolve(header.NodeId)
	if parent == nil {
		return errStale
	}
	return fuse.ToStatus(unix.Unlinkat(parent.fd, name, 0))
}

func (fs *passthroughRawFileSystem) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parent := fs.inodes.resolve(header.NodeId)
	if parent == nil {
		return errStale
	}
	return fuse.ToStatus(unix.Unlinkat(parent.fd, name, unix.AT_REMOVEDIR))
}

func (fs *passthroughRawFileSystem) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo, linkName string, out *fuse.EntryOut) fuse.Status {
	parent := fs.inodes.resolve(header.NodeId)
	if parent == nil {
		return errStale
	}
	if err := unix.Symlinkat(pointedTo, parent.fd, linkName); err != nil {
		return fuse.ToStatus(err)
	}
	return fs.lookup(parent, linkName, out)
}

func (fs *passthroughRawFileSystem) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName, newName string) fuse.Status {
	// RENAME_EXCHANGE and friends are not supported by the
	// underlying renameat() call pattern.
	if input.Flags != 0 {
		return fuse.EINVAL
	}
	oldParent := fs.inodes.resolve(input.NodeId)
	newParent := fs.inodes.resolve(input.Newdir)
	if oldParent == nil || newParent == nil {
		return errStale
	}
	return fuse.ToStatus(unix.Renameat(oldParent.fd, oldName, newParent.fd, newName))
}

func (fs *passthroughRawFileSystem) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	parent := fs.inodes.resolve(input.NodeId)
	target := fs.inodes.resolve(input.Oldnodeid)
	if parent == nil || target == nil {
		return errStale
	}
	if err := unix.Linkat(unix.AT_FDCWD, procPath(target.fd), parent.fd, filename, unix.AT_SYMLINK_FOLLOW); err != nil {
		return fuse.ToStatus(err)
	}
	var st unix.Stat_t
	if err := unix.Fstatat(target.fd, "", &st, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fuse.ToStatus(err)
	}
	fs.inodes.retain(target)
	out.NodeId = target.nodeID
	out.Generation = target.generation
	toAttr(&st, &out.Attr)
	fs.setEntryTimeouts(out)
	return fuse.OK
}

func (fs *passthroughRawFileSystem) applyOpenFlags(out *fuse.OpenOut, openFlags uint32) {
	switch fs.options.Cache {
	case CacheNever:
		out.OpenFlags |= fuse.FOPEN_DIRECT_IO
	case CacheAlways:
		out.OpenFlags |= fuse.FOPEN_KEEP_CACHE
	}
	if openFlags&uint32(unix.O_DIRECT) != 0 {
		out.OpenFlags |= fuse.FOPEN_DIRECT_IO
	}
	out.OpenFlags |= fuse.FOPEN_PARALLEL_DIRECT_WRITES
}

func (fs *passthroughRawFileSystem) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	parent := fs.inodes.resolve(input.NodeId)
	if parent == nil {
		return errStale
	}
	fd, err := unix.Openat(parent.fd, name, (int(input.Flags)|unix.O_CREAT)&^unix.O_NOFOLLOW, input.Mode)
	if err != nil {
		return fuse.ToStatus(err)
	}
	if s := fs.lookup(parent, name, &out.EntryOut); s != fuse.OK {
		unix.Close(fd)
		return s
	}
	out.Fh = uint64(fd)
	fs.applyOpenFlags(&out.OpenOut, input.Flags)
	return fuse.OK
}

func (fs *passthroughRawFileSystem) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	i := fs.inodes.resolve(input.NodeId)
	if i == nil {
		return errStale
	}
	flags := input.Flags
	if fs.writebackActive {
		// With the writeback cache the kernel may issue reads
		// against files opened write-only, and handles O_APPEND
		// positioning itself.
		if flags&uint32(unix.O_ACCMODE) == uint32(unix.O_WRONLY) {
			flags = flags&^uint32(unix.O_ACCMODE) | uint32(unix.O_RDWR)
		}
		flags &^= uint32(unix.O_APPEND)
	}
	fd, err := unix.Open(procPath(i.fd), int(flags)&^unix.O_NOFOLLOW, 0)
	if err != nil {
		return fuse.ToStatus(err)
	}
	out.Fh = uint64(fd)
	fs.applyOpenFlags(out, input.Flags)
	return fuse.OK
}

func (fs *passthroughRawFileSystem) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	// Hand the descriptor back to the server so that it can use
	// the splice path where permitted.
	return fuse.ReadResultFd(uintptr(input.Fh), int64(input.Offset), int(input.Size)), fuse.OK
}

func (fs *passthroughRawFileSystem) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	n, err := unix.Pwrite(int(input.Fh), data, int64(input.Offset))
	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	return uint32(n), fuse.OK
}

func (fs *passthroughRawFileSystem) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	// Closing a duplicate of the descriptor surfaces any pending
	// write errors without invalidating the handle itself.
	fd, err := unix.Dup(int(input.Fh))
	if err != nil {
		return fuse.ToStatus(err)
	}
	return fuse.ToStatus(unix.Close(fd))
}

func (fs *passthroughRawFileSystem) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	unix.Close(int(input.Fh))
}

func (fs *passthroughRawFileSystem) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	if input.FsyncFlags&fsyncFlagDataOnly != 0 {
		return fuse.ToStatus(unix.Fdatasync(int(input.Fh)))
	}
	return fuse.ToStatus(unix.Fsync(int(input.Fh)))
}

func (fs *passthroughRawFileSystem) Fallocate(cancel <-chan struct{}, input *fuse.FallocateIn) fuse.Status {
	return fuse.ToStatus(unix.Fallocate(int(input.Fh), input.Mode, int64(input.Offset), int64(input.Length)))
}

func (fs *passthroughRawFileSystem) CopyFileRange(cancel <-chan struct{}, input *fuse.CopyFileRangeIn) (uint32, fuse.Status) {
	offIn := int64(input.OffIn)
	offOut := int64(input.OffOut)
	n, err := unix.CopyFileRange(int(input.FhIn), &offIn, int(input.FhOut), &offOut, int(input.Len), int(input.Flags))
	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	return uint32(n), fuse.OK
}

func (fs *passthroughRawFileSystem) Ioctl(cancel <-chan struct{}, input *fuse.IoctlIn, inbuf []byte, output *fuse.IoctlOut, outbuf []byte) fuse.Status {
	return fuse.ENOSYS
}

func (fs *passthroughRawFileSystem) Statx(cancel <-chan struct{}, input *fuse.StatxIn, out *fuse.StatxOut) fuse.Status {
	return fuse.ENOSYS
}

func (fs *passthroughRawFileSystem) Lseek(cancel <-chan struct{}, in *fuse.LseekIn, out *fuse.LseekOut) fuse.Status {
	off, err := unix.Seek(int(in.Fh), int64(in.Offset), int(in.Whence))
	if err != nil {
		return fuse.ToStatus(err)
	}
	out.Offset = uint64(off)
	return fuse.OK
}

func lkToFlock(lk *fuse.FileLock, out *unix.Flock_t) {
	out.Start = int64(lk.Start)
	if lk.End == (1<<63)-1 {
		out.Len = 0
	} else {
		out.Len = int64(lk.End - lk.Start + 1)
	}
	out.Whence = 0
	out.Type = int16(lk.Typ)
}

func flockToLk(in *unix.Flock_t, lk *fuse.FileLock) {
	lk.Typ = uint32(in.Type)
	if in.Type != unix.F_UNLCK {
		lk.Start = uint64(in.Start)
		if in.Len == 0 {
			lk.End = (1 << 63) - 1
		} else {
			lk.End = uint64(in.Start + in.Len - 1)
		}
	}
	lk.Pid = uint32(in.Pid)
}

func (fs *passthroughRawFileSystem) GetLk(cancel <-chan struct{}, input *fuse.LkIn, out *fuse.LkOut) fuse.Status {
	var flk unix.Flock_t
	lkToFlock(&input.Lk, &flk)
	if err := unix.FcntlFlock(uintptr(input.Fh), unix.F_GETLK, &flk); err != nil {
		return fuse.ToStatus(err)
	}
	flockToLk(&flk, &out.Lk)
	return fuse.OK
}

func (fs *passthroughRawFileSystem) setLk(input *fuse.LkIn, blocking bool) fuse.Status {
	if input.LkFlags&lkFlagFlock != 0 {
		if !fs.options.Flock {
			return fuse.ENOSYS
		}
		var op int
		switch input.Lk.Typ {
		case unix.F_RDLCK:
			op = unix.LOCK_SH
		case unix.F_WRLCK:
			op = unix.LOCK_EX
		case unix.F_UNLCK:
			op = unix.LOCK_UN
		default:
			return fuse.EINVAL
		}
		if !blocking {
			op |= unix.LOCK_NB
		}
		return fuse.ToStatus(unix.Flock(int(input.Fh), op))
	}

	var flk unix.Flock_t
	lkToFlock(&input.Lk, &flk)
	cmd := unix.F_SETLK
	if blocking {
		cmd = unix.F_SETLKW
	}
	return fuse.ToStatus(unix.FcntlFlock(uintptr(input.Fh), cmd, &flk))
}

func (fs *passthroughRawFileSystem) SetLk(cancel <-chan struct{}, input *fuse.LkIn) fuse.Status {
	return fs.setLk(input, false)
}

func (fs *passthroughRawFileSystem) SetLkw(cancel <-chan struct{}, input *fuse.LkIn) fuse.Status {
	return fs.setLk(input, true)
}

func (fs *passthroughRawFileSystem) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	i := fs.inodes.resolve(input.NodeId)
	if i == nil {
		return errStale
	}
	// The O_PATH descriptor cannot be used for getdents, so a
	// second descriptor is opened per directory handle.
	fd, err := unix.Openat(i.fd, ".", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fuse.ToStatus(err)
	}
	h := &dirHandle{fd: fd}
	fs.handleLock.Lock()
	fh := fs.nextDirHandle
	fs.nextDirHandle++
	fs.dirHandles[fh] = h
	fs.handleLock.Unlock()
	out.Fh = fh
	if fs.options.Cache == CacheAlways {
		out.OpenFlags |= fuse.FOPEN_CACHE_DIR
	}
	return fuse.OK
}

func (fs *passthroughRawFileSystem) dirHandle(fh uint64) *dirHandle {
	fs.handleLock.Lock()
	defer fs.handleLock.Unlock()
	return fs.dirHandles[fh]
}

// fillDir walks directory entries starting at the kernel-supplied
// offset and feeds them to emit until the stream is exhausted or emit
// reports that the reply buffer is full. The handle keeps a cursor so
// that successive calls continue where the previous one stopped.
func (fs *passthroughRawFileSystem) fillDir(h *dirHandle, offset uint64, emit func(fuse.DirEntry) (bool, fuse.Status)) fuse.Status {
	h.lock.Lock()
	defer h.lock.Unlock()

	if offset != h.lastOffset {
		// Directory offsets are opaque cookies from getdents;
		// seeking to one repositions the stream.
		if _, err := unix.Seek(h.fd, int64(offset), 0); err != nil {
			return fuse.ToStatus(err)
		}
		h.todo = h.todo[:0]
		h.lastOffset = offset
	}

	buf := make([]byte, 8192)
	for {
		if len(h.todo) == 0 {
			n, err := unix.Getdents(h.fd, buf)
			if err != nil {
				return fuse.ToStatus(err)
			}
			if n == 0 {
				return fuse.OK
			}
			rest := buf[:n]
			for len(rest) > 0 {
				var e fuse.DirEntry
				consumed := e.Parse(rest)
				rest = rest[consumed:]
				h.todo = append(h.todo, e)
			}
		}
		for len(h.todo) > 0 {
			e := h.todo[0]
			ok, s := emit(e)
			if s != fuse.OK {
				return s
			}
			if !ok {
				// Reply buffer full; the entry stays
				// queued for the next call.
				return fuse.OK
			}
			h.todo = h.todo[1:]
			h.lastOffset = e.Off
		}
	}
}

func (fs *passthroughRawFileSystem) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	h := fs.dirHandle(input.Fh)
	if h == nil {
		return fuse.EBADF
	}
	return fs.fillDir(h, input.Offset, func(e fuse.DirEntry) (bool, fuse.Status) {
		return out.AddDirEntry(e), fuse.OK
	})
}

func isDotOrDotDot(name string) bool {
	return name == "." || name == ".."
}

func (fs *passthroughRawFileSystem) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	i := fs.inodes.resolve(input.NodeId)
	if i == nil {
		return errStale
	}
	h := fs.dirHandle(input.Fh)
	if h == nil {
		return fuse.EBADF
	}
	emitted := false
	s := fs.fillDir(h, input.Offset, func(e fuse.DirEntry) (bool, fuse.Status) {
		if isDotOrDotDot(e.Name) {
			// Dot entries are never looked up; they carry
			// bare attributes only.
			entryOut := out.AddDirLookupEntry(e)
			if entryOut == nil {
				return false, fuse.OK
			}
			entryOut.Attr.Ino = e.Ino
			entryOut.Attr.Mode = e.Mode
			emitted = true
			return true, fuse.OK
		}
		var lookupOut fuse.EntryOut
		if s := fs.lookup(i, e.Name, &lookupOut); s != fuse.OK {
			return false, s
		}
		entryOut := out.AddDirLookupEntry(e)
		if entryOut == nil {
			// The entry does not fit. Undo the lookup
			// reference that was just taken, or the kernel
			// would never send a matching forget.
			fs.inodes.forget(lookupOut.NodeId, 1)
			return false, fuse.OK
		}
		*entryOut = lookupOut
		emitted = true
		return true, fuse.OK
	})
	if s != fuse.OK && emitted {
		// Mid-stream errors cannot be reported once entries have
		// been collected without corrupting lookup counts;
		// return what was gathered.
		return fuse.OK
	}
	return s
}

func (fs *passthroughRawFileSystem) ReleaseDir(input *fuse.ReleaseIn) {
	fs.handleLock.Lock()
	h := fs.dirHandles[input.Fh]
	delete(fs.dirHandles, input.Fh)
	fs.handleLock.Unlock()
	if h != nil {
		unix.Close(h.fd)
	}
}

func (fs *passthroughRawFileSystem) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	h := fs.dirHandle(input.Fh)
	if h == nil {
		return fuse.EBADF
	}
	if input.FsyncFlags&fsyncFlagDataOnly != 0 {
		return fuse.ToStatus(unix.Fdatasync(h.fd))
	}
	return fuse.ToStatus(unix.Fsync(h.fd))
}

package shmring

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ringmem/shmring/internal/sysx"
)

// Filesystem magic numbers for the two RAM-backed filesystems this
// package accepts as a home for a ring segment. See statfs(2)/magic.h.
const (
	tmpfsMagic     = 0x01021994
	hugetlbfsMagic = 0x958458f6
)

// segment is the mapped state shared by a producer and a consumer side.
// It owns the double-mapped data region and the header page.
type segment struct {
	dirFd    int
	pageSize uint64
	capacity uint64
	mask     uint64

	headerBase uintptr
	header     *Header
	data       []byte // len == 2*capacity; data[i] aliases data[i+capacity]
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

func validateName(name string) error {
	if len(name) >= maxNameLen {
		return ErrNameTooLong
	}
	return nil
}

// ramFSPageSize stats the filesystem backing dirFd, rejects anything that
// isn't tmpfs or hugetlbfs, and returns its natural page size (4 KiB on
// tmpfs; 2 MiB or 1 GiB on hugetlbfs, reported via statfs's optimal
// transfer block size).
func ramFSPageSize(dirFd int) (uint64, error) {
	var st unix.Statfs_t
	if err := sysx.Retry(func() error { return unix.Fstatfs(dirFd, &st) }); err != nil {
		return 0, fmt.Errorf("shmring: statfs: %w", err)
	}
	switch int64(st.Type) {
	case tmpfsMagic, hugetlbfsMagic:
		return uint64(st.Bsize), nil
	default:
		return 0, ErrNotARamFS
	}
}

func hugeFlags(pageSize uint64) int {
	switch pageSize {
	case 1 << 30:
		return unix.MAP_HUGETLB | unix.MAP_HUGE_1GB
	case 2 << 20:
		return unix.MAP_HUGETLB | unix.MAP_HUGE_2MB
	default:
		return 0
	}
}

// mmapRaw and munmapRaw wrap the raw mmap/munmap syscalls via
// golang.org/x/sys/unix's syscall numbers and Errno type. x/sys/unix's
// own Mmap helper always passes addr=0, which can't express the fixed,
// adjacent placement the double-mapping trick requires, so the package
// drops to Syscall6/Syscall directly, as the rest of the retrieval corpus
// does for this exact pattern.
func mmapRaw(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	r0, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return r0, nil
}

func munmapRaw(addr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// mapSegment reserves a 2*capacity+pageSize range of virtual address
// space with a single no-permissions anonymous mapping, then places the
// header and the two aliased data mappings at fixed offsets inside that
// reservation. dataWritable is false for a consumer, which must never be
// able to write into producer-owned bytes.
func mapSegment(fd int, pageSize, capacity uint64, dataWritable bool) (*segment, error) {
	total := 2*capacity + pageSize
	hFlags := hugeFlags(pageSize)

	base, err := mmapRaw(0, uintptr(total), unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|hFlags, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("shmring: reserve address space: %w", err)
	}

	headerAddr, err := mmapRaw(base, uintptr(pageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_FIXED|unix.MAP_SHARED|hFlags, fd, 0)
	if err != nil {
		munmapRaw(base, uintptr(total))
		return nil, fmt.Errorf("shmring: map header page: %w", err)
	}
	if headerAddr != base {
		munmapRaw(base, uintptr(total))
		return nil, fmt.Errorf("shmring: header mmap landed at an unexpected address")
	}

	dataProt := unix.PROT_READ
	if dataWritable {
		dataProt |= unix.PROT_WRITE
	}

	ring1, err := mmapRaw(base+uintptr(pageSize), uintptr(capacity), dataProt, unix.MAP_FIXED|unix.MAP_SHARED|hFlags, fd, int64(pageSize))
	if err != nil {
		munmapRaw(base, uintptr(total))
		return nil, fmt.Errorf("shmring: map ring (primary): %w", err)
	}

	ring2, err := mmapRaw(ring1+uintptr(capacity), uintptr(capacity), dataProt, unix.MAP_FIXED|unix.MAP_SHARED|hFlags, fd, int64(pageSize))
	if err != nil {
		munmapRaw(base, uintptr(total))
		return nil, fmt.Errorf("shmring: map ring (alias): %w", err)
	}
	if ring2 != ring1+uintptr(capacity) {
		munmapRaw(base, uintptr(total))
		return nil, fmt.Errorf("shmring: double mapping was not laid out contiguously")
	}

	return &segment{
		pageSize:   pageSize,
		capacity:   capacity,
		mask:       capacity - 1,
		headerBase: base,
		header:     headerAt(base),
		data:       unsafe.Slice((*byte)(unsafe.Pointer(ring1)), int(2*capacity)),
	}, nil
}

// prefault forces physical page allocation for the whole data region up
// front, so the first hot-path write doesn't stall on a page fault.
func prefault(b []byte) {
	if len(b) == 0 {
		return
	}
	unix.Madvise(b, unix.MADV_WILLNEED)
	clear(b)
}

// linkIntoDirectory publishes tmpFd (created with O_TMPFILE, and
// therefore unlinked) into dirFd under name. Because tmpFd has no path of
// its own, this goes through the /proc/self/fd symlink-follow trick
// rather than AT_EMPTY_PATH, which otherwise requires CAP_DAC_READ_SEARCH.
func linkIntoDirectory(tmpFd, dirFd int, name string) error {
	src := fmt.Sprintf("/proc/self/fd/%d", tmpFd)
	return sysx.Retry(func() error {
		return unix.Linkat(unix.AT_FDCWD, src, dirFd, name, unix.AT_SYMLINK_FOLLOW)
	})
}

// createSegment implements the producer-side creation protocol of
// §4.1: validate, open the directory, stat its filesystem, validate
// capacity, create an unlinked temp file, size it, triple-map it,
// prefault and zero it, initialize the header, and finally publish it
// into the directory by link.
func createSegment(name string, capacity uint64, dir string) (*segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	var dirFd int
	err := sysx.Retry(func() (err error) {
		dirFd, err = unix.Open(dir, unix.O_DIRECTORY|unix.O_PATH|unix.O_CLOEXEC, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("shmring: open directory %q: %w", dir, err)
	}
	closeDir := true
	defer func() {
		if closeDir {
			unix.Close(dirFd)
		}
	}()

	pageSize, err := ramFSPageSize(dirFd)
	if err != nil {
		return nil, err
	}
	if !isPowerOfTwo(capacity) || capacity < 8 || capacity%pageSize != 0 {
		return nil, ErrInvalidCapacity
	}

	var tmpFd int
	err = sysx.Retry(func() (err error) {
		tmpFd, err = unix.Openat(dirFd, ".", unix.O_TMPFILE|unix.O_RDWR|unix.O_CLOEXEC, 0600)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("shmring: create unlinked temp file: %w", err)
	}
	closeTmp := true
	defer func() {
		if closeTmp {
			unix.Close(tmpFd)
		}
	}()

	totalFileSize := pageSize + capacity
	if err := sysx.Retry(func() error { return unix.Ftruncate(tmpFd, int64(totalFileSize)) }); err != nil {
		return nil, fmt.Errorf("shmring: ftruncate: %w", err)
	}

	seg, err := mapSegment(tmpFd, pageSize, capacity, true)
	if err != nil {
		return nil, err
	}

	prefault(seg.data[:capacity])

	seg.header.Version = headerVersion
	seg.header.Capacity = capacity
	seg.header.PageSize = pageSize
	atomic.StoreUint64(&seg.header.Head, 0)
	atomic.StoreUint64(&seg.header.Tail, 0)
	atomic.StoreUint64(&seg.header.EOF, 0)

	if err := linkIntoDirectory(tmpFd, dirFd, name); err != nil {
		seg.unmap()
		return nil, fmt.Errorf("shmring: publish %q: %w", name, err)
	}

	closeTmp = false
	unix.Close(tmpFd) // mappings keep the file's pages alive from here on
	closeDir = false
	seg.dirFd = dirFd
	return seg, nil
}

// openSegment implements the consumer-side open protocol of §4.2.
func openSegment(name, dir string) (*segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	var dirFd int
	err := sysx.Retry(func() (err error) {
		dirFd, err = unix.Open(dir, unix.O_DIRECTORY|unix.O_PATH|unix.O_CLOEXEC, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("shmring: open directory %q: %w", dir, err)
	}
	closeDir := true
	defer func() {
		if closeDir {
			unix.Close(dirFd)
		}
	}()

	pageSize, err := ramFSPageSize(dirFd)
	if err != nil {
		return nil, err
	}

	var fd int
	err = sysx.Retry(func() (err error) {
		fd, err = unix.Openat(dirFd, name, unix.O_RDWR|unix.O_CLOEXEC, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("shmring: open %q: %w", name, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := sysx.Retry(func() error { return unix.Fstat(fd, &st) }); err != nil {
		return nil, fmt.Errorf("shmring: fstat %q: %w", name, err)
	}
	if uint64(st.Size) <= pageSize {
		return nil, fmt.Errorf("shmring: %q is smaller than one header page", name)
	}
	capacity := uint64(st.Size) - pageSize

	seg, err := mapSegment(fd, pageSize, capacity, false)
	if err != nil {
		return nil, err
	}

	if atomic.LoadUint64(&seg.header.Version) != headerVersion {
		seg.unmap()
		return nil, ErrUnsupportedVersion
	}

	closeDir = false
	seg.dirFd = dirFd
	return seg, nil
}

// openSegmentBlocking retries openSegment once a millisecond until it
// succeeds or timeout elapses. This is the only sanctioned blocking
// behaviour in the package; it exists because a consumer started before
// its producer has published will otherwise fail immediately.
func openSegmentBlocking(name, dir string, timeout time.Duration) (*segment, error) {
	deadline := time.Now().Add(timeout)
	for {
		seg, err := openSegment(name, dir)
		if err == nil {
			return seg, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *segment) unmap() error {
	total := 2*s.capacity + s.pageSize
	return munmapRaw(s.headerBase, uintptr(total))
}

func (s *segment) closeDir() error {
	if s.dirFd == 0 {
		return nil
	}
	err := unix.Close(s.dirFd)
	s.dirFd = 0
	return err
}

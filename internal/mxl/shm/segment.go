package shm

// Shared-memory segments back every flow header, grain slot and channel
// buffer in a domain. A segment owns a (file descriptor, mmap, advisory
// lock) triple and releases all three on Close.
//
// Advisory locks (flock) are used instead of mandatory locks or user-space
// mutexes because the kernel releases them when the holding process dies,
// which makes them usable as liveness indicators for garbage collection.
// They are never used for data synchronization; that is the futex word's job
// (see sync_linux.go).

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
)

// AccessMode selects both the open(2) flags and the mmap protection.
type AccessMode int

const (
	// ReadOnly opens an existing file with PROT_READ.
	ReadOnly AccessMode = iota
	// ReadWrite opens an existing file with PROT_READ|PROT_WRITE.
	ReadWrite
	// CreateReadWrite creates the file (O_EXCL) and maps it read-write.
	CreateReadWrite
)

// LockMode is the advisory lock taken on the underlying file.
type LockMode int

const (
	LockNone LockMode = iota
	LockShared
	LockExclusive
)

// Segment is a memory-mapped file with an optional advisory lock.
// A Segment is not safe for concurrent use by multiple goroutines; the
// mapped bytes themselves follow the flow protocol's ordering rules.
type Segment struct {
	fd      int
	path    string
	data    []byte
	mode    AccessMode
	created bool
	lock    LockMode
}

// Open opens or creates the file at path, truncates it to size when
// creating, takes the requested advisory lock without blocking, and maps
// size bytes with protection matching mode. All mappings are MAP_SHARED;
// pages allocate lazily on first touch.
func Open(path string, mode AccessMode, size int64, lock LockMode) (*Segment, error) {
	var flags int
	switch mode {
	case ReadOnly:
		flags = unix.O_RDONLY
	case ReadWrite:
		flags = unix.O_RDWR
	case CreateReadWrite:
		flags = unix.O_RDWR | unix.O_CREAT | unix.O_EXCL
	default:
		return nil, mxlerrors.NewInvalidArgError("shm.open", fmt.Errorf("unknown access mode %d", mode))
	}

	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0o664)
	if err != nil {
		return nil, mxlerrors.NewFlowError("shm.open", openStatus(err), fmt.Errorf("open %s: %w", path, err))
	}

	s := &Segment{fd: fd, path: path, mode: mode, created: mode == CreateReadWrite}

	if err := s.flock(lock); err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.lock = lock

	if s.created {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			os.Remove(path)
			return nil, mxlerrors.NewFlowError("shm.truncate", mxlerrors.StatusUnknown, fmt.Errorf("truncate %s to %d: %w", path, size, err))
		}
	}

	prot := unix.PROT_READ
	if mode != ReadOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(fd, 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		if s.created {
			os.Remove(path)
		}
		return nil, mxlerrors.NewFlowError("shm.mmap", mxlerrors.StatusUnknown, fmt.Errorf("mmap %s (%d bytes): %w", path, size, err))
	}
	s.data = data
	return s, nil
}

func openStatus(err error) mxlerrors.Status {
	switch err {
	case unix.ENOENT:
		return mxlerrors.StatusFlowNotFound
	case unix.EACCES, unix.EPERM, unix.EROFS:
		return mxlerrors.StatusPermissionDenied
	case unix.EEXIST:
		return mxlerrors.StatusConflict
	}
	return mxlerrors.StatusUnknown
}

func (s *Segment) flock(lock LockMode) error {
	var how int
	switch lock {
	case LockNone:
		return nil
	case LockShared:
		how = unix.LOCK_SH
	case LockExclusive:
		how = unix.LOCK_EX
	default:
		return mxlerrors.NewInvalidArgError("shm.lock", fmt.Errorf("unknown lock mode %d", lock))
	}
	if err := unix.Flock(s.fd, how|unix.LOCK_NB); err != nil {
		return mxlerrors.NewFlowError("shm.lock", mxlerrors.StatusConflict, fmt.Errorf("flock %s: %w", s.path, err))
	}
	return nil
}

// Bytes returns the mapped region. Writes through the returned slice are
// only valid when the segment was opened ReadWrite or CreateReadWrite.
func (s *Segment) Bytes() []byte { return s.data }

// Path returns the filesystem path backing this segment.
func (s *Segment) Path() string { return s.path }

// Created reports whether this segment created the underlying file.
func (s *Segment) Created() bool { return s.created }

// Exclusive reports whether the advisory lock currently held is exclusive.
func (s *Segment) Exclusive() bool { return s.lock == LockExclusive }

// Inode returns the inode number of the underlying file as mapped.
func (s *Segment) Inode() (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(s.fd, &st); err != nil {
		return 0, mxlerrors.NewFlowError("shm.stat", mxlerrors.StatusUnknown, err)
	}
	return st.Ino, nil
}

// Touch updates the modification time of the underlying file without
// changing its contents.
func (s *Segment) Touch() error {
	times := [2]unix.Timespec{
		{Nsec: unix.UTIME_OMIT},
		{Nsec: unix.UTIME_NOW},
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, s.path, times[:], 0); err != nil {
		return mxlerrors.NewFlowError("shm.touch", mxlerrors.StatusUnknown, fmt.Errorf("utimensat %s: %w", s.path, err))
	}
	return nil
}

// UpgradeExclusive attempts to convert a shared advisory lock to exclusive
// without blocking. Returns true on success. Upgrading is refused on
// read-only or unlocked segments.
func (s *Segment) UpgradeExclusive() (bool, error) {
	if s.mode == ReadOnly {
		return false, mxlerrors.NewStateError("shm.upgrade", fmt.Errorf("read-only mapping on %s", s.path))
	}
	if s.lock == LockExclusive {
		return true, nil
	}
	if s.lock == LockNone {
		return false, mxlerrors.NewStateError("shm.upgrade", fmt.Errorf("no advisory lock held on %s", s.path))
	}
	if err := unix.Flock(s.fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return false, nil
		}
		return false, mxlerrors.NewFlowError("shm.upgrade", mxlerrors.StatusUnknown, err)
	}
	s.lock = LockExclusive
	return true, nil
}

// DowngradeShared converts an exclusive advisory lock to shared. flock
// converts in place, so there is no window where the lock is released.
func (s *Segment) DowngradeShared() error {
	if s.lock != LockExclusive {
		return nil
	}
	if err := unix.Flock(s.fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return mxlerrors.NewFlowError("shm.downgrade", mxlerrors.StatusUnknown, err)
	}
	s.lock = LockShared
	return nil
}

// Close unmaps the region and closes the descriptor. The advisory lock is
// released implicitly when the descriptor closes.
func (s *Segment) Close() error {
	var first error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil && first == nil {
			first = err
		}
		s.data = nil
	}
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil && first == nil {
			first = err
		}
		s.fd = -1
	}
	if first != nil {
		return mxlerrors.NewFlowError("shm.close", mxlerrors.StatusUnknown, first)
	}
	return nil
}

// TouchPath updates the modification time of an arbitrary file without
// mapping it. Readers call this on a flow's access sentinel after each
// successful read; failures on read-only filesystems are tolerated by the
// caller.
func TouchPath(path string) error {
	times := [2]unix.Timespec{
		{Nsec: unix.UTIME_OMIT},
		{Nsec: unix.UTIME_NOW},
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, times[:], 0)
}

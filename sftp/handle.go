// handle.go - remote file handles: open semantics, positioned IO,
// byte-range locks

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package sftp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	ErrLockConflict   = errors.New("sftp: byte-range lock held by another program")
	ErrNoMatchingLock = errors.New("sftp: no matching byte-range lock")
	ErrHandleClosed   = errors.New("sftp: operation on closed handle")
)

// StatusError carries a wire status code alongside a description, for
// failures that need a specific diagnostic response (lock refusals
// chiefly).
type StatusError struct {
	Code uint32
	Desc string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sftp: status %d: %s", e.Code, e.Desc)
}

// StatusOf maps an error from this package to its wire status code.
func StatusOf(err error) uint32 {
	switch {
	case err == nil:
		return SSH_FX_OK
	case err == io.EOF:
		return SSH_FX_EOF
	case err == ErrLockConflict:
		return SSH_FX_BYTE_RANGE_LOCK_CONFLICT
	case err == ErrNoMatchingLock:
		return SSH_FX_NO_MATCHING_BYTE_RANGE_LOCK
	case err == ErrUnsupportedAttrs:
		return SSH_FX_OP_UNSUPPORTED
	case err == ErrHandleClosed:
		return SSH_FX_INVALID_HANDLE
	case os.IsNotExist(err):
		return SSH_FX_NO_SUCH_FILE
	case os.IsPermission(err):
		return SSH_FX_PERMISSION_DENIED
	}
	if se, ok := err.(*StatusError); ok {
		return se.Code
	}
	return SSH_FX_FAILURE
}

// DeriveOpenSemantics normalizes wire open flags and ACE4 access mask
// into OpenOptions plus the effective access mask.
//
// Read is implied whenever neither write nor append is requested. The
// backing cannot be opened read+write+append at once, so append becomes
// write capability plus the ACE4_APPEND_DATA marker in the returned
// mask; every write on such a handle is positioned at end-of-file
// instead of using a native append mode.
func DeriveOpenSemantics(flags, access uint32) (OpenOptions, uint32) {
	var o OpenOptions
	if access&(ACE4_READ_DATA|ACE4_READ_ATTRIBUTES) != 0 {
		o.Read = true
	}
	if access&(ACE4_WRITE_DATA|ACE4_WRITE_ATTRIBUTES) != 0 {
		o.Write = true
	}

	switch flags & SSH_FXF_ACCESS_DISPOSITION {
	case SSH_FXF_CREATE_NEW:
		o.CreateNew = true
	case SSH_FXF_CREATE_TRUNCATE:
		o.Create = true
		o.Truncate = true
	case SSH_FXF_OPEN_EXISTING:
		// no disposition bits
	case SSH_FXF_OPEN_OR_CREATE:
		o.Create = true
	case SSH_FXF_TRUNCATE_EXISTING:
		o.Truncate = true
	}

	wantAppend := flags&(SSH_FXF_APPEND_DATA|SSH_FXF_APPEND_DATA_ATOMIC) != 0
	if !o.Write && !wantAppend {
		o.Read = true
	}

	mask := access &^ uint32(ACE4_APPEND_DATA)
	if wantAppend {
		mask |= ACE4_APPEND_DATA | ACE4_WRITE_DATA | ACE4_WRITE_ATTRIBUTES
		o.Write = true
		o.Append = true
	}
	return o, mask
}

// rangeLock records one acquired lock. The resolved range is fixed at
// acquisition: a zero-length request is resolved against the file size
// then, and that resolved extent stays authoritative for unlock
// matching even if the file grows afterwards.
type rangeLock struct {
	offset    int64
	length    int64
	wholeFile bool // acquired via a zero-length request
	exclusive bool
	l         Lock
}

// FileHandle is an open backing resource plus its access bookkeeping.
// Lock state is guarded by mu; mu is never held across blocking
// accessor calls.
type FileHandle struct {
	acc    Accessor
	path   string
	opts   OpenOptions
	access uint32

	b Backing

	mu     sync.Mutex
	locks  []rangeLock
	closed bool
}

// Open derives the open semantics and opens the backing via the
// accessor. When the accessor cannot apply the attribute set at open,
// the open is retried bare and the attributes applied through
// SetAttributes; a failure on that fallback is fatal to the open, so
// attributes are never lost silently.
func Open(acc Accessor, path string, flags, access uint32, attrs []Attr) (*FileHandle, error) {
	opts, mask := DeriveOpenSemantics(flags, access)

	b, err := acc.OpenFile(path, opts, attrs)
	if err == ErrUnsupportedAttrs {
		if b, err = acc.OpenFile(path, opts, nil); err != nil {
			return nil, err
		}
		if err = acc.SetAttributes(path, attrs); err != nil {
			acc.CloseFile(b)
			return nil, fmt.Errorf("sftp: applying attributes to %s: %s", path, err)
		}
	} else if err != nil {
		return nil, err
	}

	return &FileHandle{
		acc:    acc,
		path:   path,
		opts:   opts,
		access: mask,
		b:      b,
	}, nil
}

func (h *FileHandle) Path() string { return h.path }

func (h *FileHandle) Options() OpenOptions { return h.opts }

// AccessMask returns the effective ACE4 mask, including the append
// marker when the handle was opened for append.
func (h *FileHandle) AccessMask() uint32 { return h.access }

func (h *FileHandle) IsAppend() bool {
	return h.access&ACE4_APPEND_DATA != 0
}

func (h *FileHandle) canRead() bool { return h.opts.Read }

func (h *FileHandle) canWrite() bool { return h.opts.Write || h.opts.Append }

func (h *FileHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// ReadAt reads up to len(p) bytes at offset off. It never depends on or
// moves a sequential cursor. eof reports whether the end of the
// resource was reached when fewer bytes than requested come back.
func (h *FileHandle) ReadAt(p []byte, off int64) (n int, eof bool, err error) {
	if h.isClosed() {
		return 0, false, ErrHandleClosed
	}
	n, err = h.b.ReadAt(p, off)
	if err == io.EOF {
		return n, true, nil
	}
	return n, false, err
}

// WriteAt writes p at offset off. On an append handle the effective
// offset is the resource's end-of-file re-evaluated now, not the
// caller-supplied offset and not a cached size: the file may have grown
// between calls from other writers.
func (h *FileHandle) WriteAt(p []byte, off int64) error {
	if h.isClosed() {
		return ErrHandleClosed
	}
	if h.IsAppend() {
		size, err := h.b.Size()
		if err != nil {
			return err
		}
		off = size
	}
	_, err := h.b.WriteAt(p, off)
	return err
}

// Lock acquires a byte-range lock. Exclusivity: an explicit write or
// delete request is exclusive; an explicit read request is shared; with
// neither set the lock is shared unless the handle is not readable.
// Permission mismatches fail with a lock-refused status; a conflicting
// lock held elsewhere fails with ErrLockConflict, which is retriable in
// principle where a refusal is not. A zero-length request resolves to
// offset..EOF at call time, and the resolved extent is what gets
// recorded.
func (h *FileHandle) Lock(offset, length int64, mask uint32) error {
	if h.isClosed() {
		return ErrHandleClosed
	}

	exclusive := mask&(SSH_FXF_WRITE_LOCK|SSH_FXF_DELETE_LOCK) != 0
	if !exclusive {
		readLock := mask&SSH_FXF_READ_LOCK != 0
		// The governing draft is silent when no lock bits are set at
		// all; default to shared unless the handle cannot read.
		if !readLock && !h.canRead() {
			exclusive = true
		}
	}
	if exclusive && !h.canWrite() {
		return &StatusError{Code: SSH_FX_BYTE_RANGE_LOCK_REFUSED,
			Desc: "write lock requested, but handle opened for reading only"}
	}
	if !exclusive && !h.canRead() {
		return &StatusError{Code: SSH_FX_BYTE_RANGE_LOCK_REFUSED,
			Desc: "read lock requested, but handle opened for writing only"}
	}

	size := length
	wholeFile := false
	if length == 0 {
		sz, err := h.b.Size()
		if err != nil {
			return err
		}
		size = sz - offset
		wholeFile = true
	}

	lk, err := h.acc.TryLock(h.b, offset, size, !exclusive)
	if err != nil {
		return &StatusError{Code: SSH_FX_BYTE_RANGE_LOCK_REFUSED,
			Desc: fmt.Sprintf("could not acquire lock (exclusive=%v): %s", exclusive, err)}
	}
	if lk == nil {
		return ErrLockConflict
	}

	h.mu.Lock()
	h.locks = append(h.locks, rangeLock{
		offset:    offset,
		length:    size,
		wholeFile: wholeFile,
		exclusive: exclusive,
		l:         lk,
	})
	h.mu.Unlock()
	return nil
}

// Unlock releases the lock recorded for exactly this range. A
// zero-length request first matches a lock acquired with a zero-length
// request at this offset — the extent fixed at acquisition stays
// authoritative even if the file has grown since — and only then falls
// back to resolving offset..EOF now. ErrNoMatchingLock leaves the
// bookkeeping untouched.
func (h *FileHandle) Unlock(offset, length int64) error {
	if h.isClosed() {
		return ErrHandleClosed
	}

	h.mu.Lock()
	idx := -1
	if length == 0 {
		for i := range h.locks {
			if h.locks[i].wholeFile && h.locks[i].offset == offset {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		resolved := length
		if length == 0 {
			h.mu.Unlock()
			sz, err := h.b.Size()
			if err != nil {
				return err
			}
			resolved = sz - offset
			h.mu.Lock()
		}
		for i := range h.locks {
			if h.locks[i].offset == offset && h.locks[i].length == resolved {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		h.mu.Unlock()
		return ErrNoMatchingLock
	}
	lk := h.locks[idx]
	h.locks = append(h.locks[:idx], h.locks[idx+1:]...)
	h.mu.Unlock()

	return lk.l.Release()
}

// ActiveLocks reports how many byte-range locks the handle currently
// holds.
func (h *FileHandle) ActiveLocks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.locks)
}

// Close releases the backing exactly once. Outstanding locks are not
// released individually; the OS drops them with the resource. The
// bookkeeping is cleared so no stale ranges survive.
func (h *FileHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	h.closed = true
	h.locks = nil
	h.mu.Unlock()
	return h.acc.CloseFile(h.b)
}

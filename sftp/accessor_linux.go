// accessor_linux.go - default filesystem accessor (POSIX fcntl locks)

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

// +build linux

package sftp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// NewOSAccessor returns the default Accessor backed by the local
// filesystem, with byte-range locks via fcntl(F_SETLK).
func NewOSAccessor() Accessor {
	return osAccessor{}
}

type osAccessor struct{}

type osBacking struct {
	f *os.File
}

func (b *osBacking) ReadAt(p []byte, off int64) (int, error) {
	return b.f.ReadAt(p, off)
}

func (b *osBacking) WriteAt(p []byte, off int64) (int, error) {
	return b.f.WriteAt(p, off)
}

func (b *osBacking) Size() (int64, error) {
	fi, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (osAccessor) OpenFile(path string, opts OpenOptions, attrs []Attr) (Backing, error) {
	perm := os.FileMode(0644)
	for _, a := range attrs {
		switch a.Name {
		case "permissions":
			m, ok := a.Value.(os.FileMode)
			if !ok {
				return nil, fmt.Errorf("sftp: permissions attr has type %T", a.Value)
			}
			perm = m
		default:
			// not applicable atomically at open; caller falls back to
			// SetAttributes
			return nil, ErrUnsupportedAttrs
		}
	}
	f, err := os.OpenFile(path, opts.osFlags(), perm)
	if err != nil {
		return nil, err
	}
	return &osBacking{f: f}, nil
}

func (osAccessor) CloseFile(b Backing) error {
	ob, ok := b.(*osBacking)
	if !ok {
		return errors.New("sftp: foreign backing")
	}
	return ob.f.Close()
}

func (osAccessor) TryLock(b Backing, offset, length int64, shared bool) (Lock, error) {
	ob, ok := b.(*osBacking)
	if !ok {
		return nil, errors.New("sftp: foreign backing")
	}
	typ := int16(unix.F_WRLCK)
	if shared {
		typ = int16(unix.F_RDLCK)
	}
	flk := unix.Flock_t{
		Type:   typ,
		Whence: int16(io.SeekStart),
		Start:  offset,
		Len:    length,
	}
	err := unix.FcntlFlock(ob.f.Fd(), unix.F_SETLK, &flk)
	if err == unix.EAGAIN || err == unix.EACCES {
		// held by someone else; conflict, not failure
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fcntlLock{f: ob.f, offset: offset, length: length}, nil
}

func (osAccessor) SetAttributes(path string, attrs []Attr) error {
	for _, a := range attrs {
		switch a.Name {
		case "permissions":
			m, ok := a.Value.(os.FileMode)
			if !ok {
				return fmt.Errorf("sftp: permissions attr has type %T", a.Value)
			}
			if err := os.Chmod(path, m); err != nil {
				return err
			}
		case "uid":
			uid, ok := a.Value.(int)
			if !ok {
				return fmt.Errorf("sftp: uid attr has type %T", a.Value)
			}
			if err := os.Chown(path, uid, -1); err != nil {
				return err
			}
		case "gid":
			gid, ok := a.Value.(int)
			if !ok {
				return fmt.Errorf("sftp: gid attr has type %T", a.Value)
			}
			if err := os.Chown(path, -1, gid); err != nil {
				return err
			}
		case "mtime":
			t, ok := a.Value.(time.Time)
			if !ok {
				return fmt.Errorf("sftp: mtime attr has type %T", a.Value)
			}
			if err := os.Chtimes(path, t, t); err != nil {
				return err
			}
		default:
			return fmt.Errorf("sftp: unsupported attribute %q", a.Name)
		}
	}
	return nil
}

type fcntlLock struct {
	f      *os.File
	offset int64
	length int64
}

func (l *fcntlLock) Release() error {
	flk := unix.Flock_t{
		Type:   int16(unix.F_UNLCK),
		Whence: int16(io.SeekStart),
		Start:  l.offset,
		Len:    l.length,
	}
	return unix.FcntlFlock(l.f.Fd(), unix.F_SETLK, &flk)
}

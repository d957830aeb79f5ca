// accessor.go - filesystem accessor contract for file handles

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package sftp

import (
	"errors"
	"os"
)

// Attr is one file attribute requested at open time (permissions,
// ownership, timestamps). The set an accessor honours is its own
// business; unsupported sets are signalled, not dropped.
type Attr struct {
	Name  string
	Value interface{}
}

// ErrUnsupportedAttrs is returned by an Accessor's OpenFile when it
// cannot apply the requested attribute set atomically at open. It is a
// capability signal, distinct from an open failure: the caller retries
// without attributes and applies them via SetAttributes instead.
var ErrUnsupportedAttrs = errors.New("sftp: attributes not supported at open")

// Backing is an open file resource. Reads and writes are positioned;
// there is no shared cursor.
type Backing interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() (int64, error)
}

// Lock is an acquired byte-range lock.
type Lock interface {
	Release() error
}

// Accessor mediates all filesystem access for FileHandles, so a server
// can interpose virtual roots, quotas or in-memory filesystems.
//
// TryLock returns (nil, nil) when a conflicting lock is held elsewhere;
// an error return means the acquisition itself failed.
type Accessor interface {
	OpenFile(path string, opts OpenOptions, attrs []Attr) (Backing, error)
	CloseFile(b Backing) error
	TryLock(b Backing, offset, length int64, shared bool) (Lock, error)
	SetAttributes(path string, attrs []Attr) error
}

// OpenOptions is the normalized form of the wire open flags. Append is
// a marker only: the backing is never opened in a native append mode,
// writes on an append handle are positioned at end-of-file instead.
type OpenOptions struct {
	Read      bool
	Write     bool
	Append    bool
	Create    bool
	CreateNew bool
	Truncate  bool
}

// osFlags renders the options as os.OpenFile flag bits. O_APPEND is
// deliberately absent.
func (o OpenOptions) osFlags() int {
	var fl int
	switch {
	case o.Read && o.Write:
		fl = os.O_RDWR
	case o.Write:
		fl = os.O_WRONLY
	default:
		fl = os.O_RDONLY
	}
	if o.CreateNew {
		fl |= os.O_CREATE | os.O_EXCL
	} else if o.Create {
		fl |= os.O_CREATE
	}
	if o.Truncate {
		fl |= os.O_TRUNC
	}
	return fl
}

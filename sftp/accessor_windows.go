// accessor_windows.go - filesystem accessor shim for Windows

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

// +build windows

package sftp

import (
	"errors"
	"fmt"
	"os"
)

// NewOSAccessor returns the local-filesystem Accessor. Byte-range
// locks are not implemented on this platform.
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
	return nil, errors.New("sftp: byte-range locks unsupported on windows")
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
		default:
			return fmt.Errorf("sftp: unsupported attribute %q", a.Name)
		}
	}
	return nil
}

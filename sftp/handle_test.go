package sftp

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

import (
	"errors"
	"io"
	"testing"
)

// _newMockBacking is an in-memory Backing.
type mockBacking struct {
	data []byte
}

func (b *mockBacking) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *mockBacking) WriteAt(p []byte, off int64) (int, error) {
	if need := off + int64(len(p)); need > int64(len(b.data)) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	return copy(b.data[off:], p), nil
}

func (b *mockBacking) Size() (int64, error) {
	return int64(len(b.data)), nil
}

type lockCall struct {
	offset, length int64
	shared         bool
}

type mockLock struct {
	released bool
}

func (l *mockLock) Release() error {
	l.released = true
	return nil
}

type mockAccessor struct {
	b *mockBacking

	attrsAtOpen  bool // OpenFile accepts attrs directly
	openCalls    int
	setAttrCalls [][]Attr
	setAttrErr   error
	closeCalls   int

	denyLock  bool
	lockErr   error
	lockCalls []lockCall
}

func _newMockAccessor() *mockAccessor {
	return &mockAccessor{b: &mockBacking{}, attrsAtOpen: true}
}

func (a *mockAccessor) OpenFile(path string, opts OpenOptions, attrs []Attr) (Backing, error) {
	a.openCalls++
	if len(attrs) > 0 && !a.attrsAtOpen {
		return nil, ErrUnsupportedAttrs
	}
	return a.b, nil
}

func (a *mockAccessor) CloseFile(b Backing) error {
	a.closeCalls++
	return nil
}

func (a *mockAccessor) TryLock(b Backing, offset, length int64, shared bool) (Lock, error) {
	a.lockCalls = append(a.lockCalls, lockCall{offset, length, shared})
	if a.lockErr != nil {
		return nil, a.lockErr
	}
	if a.denyLock {
		return nil, nil
	}
	return &mockLock{}, nil
}

func (a *mockAccessor) SetAttributes(path string, attrs []Attr) error {
	a.setAttrCalls = append(a.setAttrCalls, attrs)
	return a.setAttrErr
}

/*---------------------------------------------------------------------*/

func TestDeriveOpenSemantics(t *testing.T) {
	cases := []struct {
		name     string
		flags    uint32
		access   uint32
		want     OpenOptions
		wantMask uint32
	}{
		{"read default when nothing requested",
			SSH_FXF_OPEN_EXISTING, 0,
			OpenOptions{Read: true}, 0},
		{"explicit read",
			SSH_FXF_OPEN_EXISTING, ACE4_READ_DATA,
			OpenOptions{Read: true}, ACE4_READ_DATA},
		{"read attributes imply read",
			SSH_FXF_OPEN_EXISTING, ACE4_READ_ATTRIBUTES,
			OpenOptions{Read: true}, ACE4_READ_ATTRIBUTES},
		{"create new",
			SSH_FXF_CREATE_NEW, ACE4_WRITE_DATA,
			OpenOptions{Write: true, CreateNew: true}, ACE4_WRITE_DATA},
		{"create truncate",
			SSH_FXF_CREATE_TRUNCATE, ACE4_WRITE_DATA,
			OpenOptions{Write: true, Create: true, Truncate: true}, ACE4_WRITE_DATA},
		{"open or create",
			SSH_FXF_OPEN_OR_CREATE, ACE4_WRITE_DATA,
			OpenOptions{Write: true, Create: true}, ACE4_WRITE_DATA},
		{"truncate existing",
			SSH_FXF_TRUNCATE_EXISTING, ACE4_WRITE_DATA,
			OpenOptions{Write: true, Truncate: true}, ACE4_WRITE_DATA},
		{"append becomes write plus marker",
			SSH_FXF_OPEN_OR_CREATE | SSH_FXF_APPEND_DATA, 0,
			OpenOptions{Write: true, Append: true, Create: true},
			ACE4_APPEND_DATA | ACE4_WRITE_DATA | ACE4_WRITE_ATTRIBUTES},
		{"atomic append maps identically",
			SSH_FXF_OPEN_OR_CREATE | SSH_FXF_APPEND_DATA_ATOMIC, 0,
			OpenOptions{Write: true, Append: true, Create: true},
			ACE4_APPEND_DATA | ACE4_WRITE_DATA | ACE4_WRITE_ATTRIBUTES},
		{"stray append bit in mask is stripped without the flag",
			SSH_FXF_OPEN_EXISTING, ACE4_READ_DATA | ACE4_APPEND_DATA,
			OpenOptions{Read: true}, ACE4_READ_DATA},
	}
	for _, c := range cases {
		opts, mask := DeriveOpenSemantics(c.flags, c.access)
		if opts != c.want {
			t.Errorf("%s: options %+v, want %+v", c.name, opts, c.want)
		}
		if mask != c.wantMask {
			t.Errorf("%s: mask %#x, want %#x", c.name, mask, c.wantMask)
		}
	}
}

func TestOpenAttrFallback(t *testing.T) {
	acc := _newMockAccessor()
	acc.attrsAtOpen = false
	attrs := []Attr{{Name: "permissions", Value: 0640}}

	h, err := Open(acc, "f", SSH_FXF_OPEN_OR_CREATE, ACE4_WRITE_DATA, attrs)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if acc.openCalls != 2 {
		t.Fatalf("open calls %d, want bare retry", acc.openCalls)
	}
	if len(acc.setAttrCalls) != 1 || len(acc.setAttrCalls[0]) != 1 {
		t.Fatalf("attributes not applied via fallback: %v", acc.setAttrCalls)
	}
}

func TestOpenAttrFallbackFailureIsFatal(t *testing.T) {
	acc := _newMockAccessor()
	acc.attrsAtOpen = false
	acc.setAttrErr = errors.New("chmod denied")

	_, err := Open(acc, "f", SSH_FXF_OPEN_OR_CREATE, ACE4_WRITE_DATA,
		[]Attr{{Name: "permissions", Value: 0640}})
	if err == nil {
		t.Fatal("fallback failure did not fail the open")
	}
	if acc.closeCalls != 1 {
		t.Fatalf("backing not released on failed open (%d closes)", acc.closeCalls)
	}
}

func TestAppendWriteRecomputesEOF(t *testing.T) {
	acc := _newMockAccessor()
	h, err := Open(acc, "f", SSH_FXF_OPEN_OR_CREATE|SSH_FXF_APPEND_DATA, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if !h.IsAppend() {
		t.Fatal("append marker not set")
	}

	// caller-supplied offsets are ignored on an append handle
	if err = h.WriteAt([]byte("abc"), 0); err != nil {
		t.Fatal(err)
	}
	if err = h.WriteAt([]byte("def"), 1); err != nil {
		t.Fatal(err)
	}
	// another writer grows the file between calls
	acc.b.data = append(acc.b.data, []byte("XY")...)
	if err = h.WriteAt([]byte("g"), 0); err != nil {
		t.Fatal(err)
	}
	if got := string(acc.b.data); got != "abcdefXYg" {
		t.Fatalf("append layout %q", got)
	}
}

func TestReadAtReportsEOF(t *testing.T) {
	acc := _newMockAccessor()
	acc.b.data = []byte("hello")
	h, err := Open(acc, "f", SSH_FXF_OPEN_EXISTING, ACE4_READ_DATA, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	buf := make([]byte, 3)
	n, eof, err := h.ReadAt(buf, 0)
	if err != nil || n != 3 || eof {
		t.Fatalf("full read: n=%d eof=%v err=%v", n, eof, err)
	}
	n, eof, err = h.ReadAt(buf, 3)
	if err != nil || n != 2 || !eof {
		t.Fatalf("short read: n=%d eof=%v err=%v", n, eof, err)
	}
}

func TestLockExclusivityResolution(t *testing.T) {
	// read-only handle: no bits defaults to shared
	acc := _newMockAccessor()
	h, _ := Open(acc, "f", SSH_FXF_OPEN_EXISTING, ACE4_READ_DATA, nil)
	if err := h.Lock(0, 10, 0); err != nil {
		t.Fatal(err)
	}
	if !acc.lockCalls[0].shared {
		t.Fatal("no-bits lock on readable handle was exclusive")
	}

	// read-only handle: explicit write lock is refused
	err := h.Lock(0, 10, SSH_FXF_WRITE_LOCK)
	se, ok := err.(*StatusError)
	if !ok || se.Code != SSH_FX_BYTE_RANGE_LOCK_REFUSED {
		t.Fatalf("write lock on read-only handle: %v", err)
	}
	h.Close()

	// write-only handle: no bits defaults to exclusive
	acc = _newMockAccessor()
	h, _ = Open(acc, "f", SSH_FXF_OPEN_OR_CREATE, ACE4_WRITE_DATA, nil)
	if err = h.Lock(0, 10, 0); err != nil {
		t.Fatal(err)
	}
	if acc.lockCalls[0].shared {
		t.Fatal("no-bits lock on unreadable handle was shared")
	}

	// write-only handle: explicit read lock is refused
	err = h.Lock(0, 10, SSH_FXF_READ_LOCK)
	se, ok = err.(*StatusError)
	if !ok || se.Code != SSH_FX_BYTE_RANGE_LOCK_REFUSED {
		t.Fatalf("read lock on write-only handle: %v", err)
	}

	// delete lock counts as exclusive
	if err = h.Lock(10, 10, SSH_FXF_DELETE_LOCK); err != nil {
		t.Fatal(err)
	}
	if acc.lockCalls[len(acc.lockCalls)-1].shared {
		t.Fatal("delete lock was shared")
	}
	h.Close()
}

func TestLockConflictDistinctFromRefusal(t *testing.T) {
	acc := _newMockAccessor()
	h, _ := Open(acc, "f", SSH_FXF_OPEN_EXISTING, ACE4_READ_DATA, nil)
	defer h.Close()

	acc.denyLock = true
	if err := h.Lock(0, 10, SSH_FXF_READ_LOCK); err != ErrLockConflict {
		t.Fatalf("conflict reported as %v", err)
	}
	if h.ActiveLocks() != 0 {
		t.Fatal("conflicting lock was recorded")
	}

	acc.denyLock = false
	acc.lockErr = errors.New("channel fault")
	err := h.Lock(0, 10, SSH_FXF_READ_LOCK)
	se, ok := err.(*StatusError)
	if !ok || se.Code != SSH_FX_BYTE_RANGE_LOCK_REFUSED {
		t.Fatalf("accessor failure reported as %v", err)
	}
}

func TestZeroLengthLockFixedAtAcquisition(t *testing.T) {
	acc := _newMockAccessor()
	acc.b.data = make([]byte, 100)
	h, _ := Open(acc, "f", SSH_FXF_OPEN_EXISTING, ACE4_READ_DATA, nil)
	defer h.Close()

	if err := h.Lock(10, 0, SSH_FXF_READ_LOCK); err != nil {
		t.Fatal(err)
	}
	if got := acc.lockCalls[0]; got.offset != 10 || got.length != 90 {
		t.Fatalf("resolved range (%d,%d)", got.offset, got.length)
	}

	// the file grows; the recorded extent must stay authoritative
	acc.b.data = make([]byte, 200)
	if err := h.Unlock(10, 0); err != nil {
		t.Fatalf("zero-length unlock after growth: %v", err)
	}
	if h.ActiveLocks() != 0 {
		t.Fatal("lock not removed")
	}

	// re-acquiring now resolves against the new size
	if err := h.Lock(10, 0, SSH_FXF_READ_LOCK); err != nil {
		t.Fatal(err)
	}
	if got := acc.lockCalls[len(acc.lockCalls)-1]; got.length != 190 {
		t.Fatalf("re-resolved length %d", got.length)
	}
}

func TestUnlockExactRangeMatch(t *testing.T) {
	acc := _newMockAccessor()
	acc.b.data = make([]byte, 100)
	h, _ := Open(acc, "f", SSH_FXF_OPEN_EXISTING, ACE4_READ_DATA, nil)
	defer h.Close()

	if err := h.Lock(0, 50, SSH_FXF_READ_LOCK); err != nil {
		t.Fatal(err)
	}
	if err := h.Unlock(0, 49); err != ErrNoMatchingLock {
		t.Fatalf("near-miss range unlocked: %v", err)
	}
	if h.ActiveLocks() != 1 {
		t.Fatal("failed unlock mutated bookkeeping")
	}
	if err := h.Unlock(0, 50); err != nil {
		t.Fatal(err)
	}
	if err := h.Unlock(0, 50); err != ErrNoMatchingLock {
		t.Fatalf("double unlock: %v", err)
	}
}

func TestCloseReleasesOnce(t *testing.T) {
	acc := _newMockAccessor()
	h, _ := Open(acc, "f", SSH_FXF_OPEN_EXISTING, ACE4_READ_DATA, nil)

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != ErrHandleClosed {
		t.Fatalf("second close: %v", err)
	}
	if acc.closeCalls != 1 {
		t.Fatalf("backing released %d times", acc.closeCalls)
	}
	if _, _, err := h.ReadAt(make([]byte, 1), 0); err != ErrHandleClosed {
		t.Fatalf("read on closed handle: %v", err)
	}
	if err := h.WriteAt([]byte("x"), 0); err != ErrHandleClosed {
		t.Fatalf("write on closed handle: %v", err)
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want uint32
	}{
		{nil, SSH_FX_OK},
		{io.EOF, SSH_FX_EOF},
		{ErrLockConflict, SSH_FX_BYTE_RANGE_LOCK_CONFLICT},
		{ErrNoMatchingLock, SSH_FX_NO_MATCHING_BYTE_RANGE_LOCK},
		{ErrUnsupportedAttrs, SSH_FX_OP_UNSUPPORTED},
		{ErrHandleClosed, SSH_FX_INVALID_HANDLE},
		{&StatusError{Code: SSH_FX_BYTE_RANGE_LOCK_REFUSED}, SSH_FX_BYTE_RANGE_LOCK_REFUSED},
		{errors.New("anything else"), SSH_FX_FAILURE},
	}
	for _, c := range cases {
		if got := StatusOf(c.err); got != c.want {
			t.Errorf("StatusOf(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

package skiff

// Package skiff - a secure channel-multiplexing remote-session stack
//
// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

// Session info/routines for skiff servers

import (
	"fmt"
	"sync"
)

// Session holds essential bookkeeping info about an active session.
type Session struct {
	op       []byte
	who      []byte
	connhost []byte
	status   uint32 // exit status (0-255 is std UNIX status)

	m           sync.Mutex
	openChans   int
	openHandles int
}

// Output Session record as a string. Implements Stringer interface.
func (h *Session) String() string {
	h.m.Lock()
	defer h.m.Unlock()
	return fmt.Sprintf("skiff.Session:\nOp:%v\nWho:%v\nConnHost:%v\nStatus:%v\nChans:%v\nHandles:%v",
		h.op, h.who, h.connhost, h.status, h.openChans, h.openHandles)
}

// Op returns the op code of the Session (direct-connect, file, ...)
func (h *Session) Op() []byte {
	return h.op
}

// SetOp stores the op code desired for a Session.
func (h *Session) SetOp(o []byte) {
	h.op = o
}

// Who returns the user associated with a Session.
func (h *Session) Who() []byte {
	return h.who
}

// SetWho sets the username associated with a Session.
func (h *Session) SetWho(w []byte) {
	h.who = w
}

// ConnHost returns the connecting hostname/IP string for a Session.
func (h *Session) ConnHost() []byte {
	return h.connhost
}

// SetConnHost stores the connecting hostname/IP string for a Session.
func (h *Session) SetConnHost(n []byte) {
	h.connhost = n
}

// Status returns the (current) Session status code.
//
// This usually corresponds to a UNIX shell exit code, but
// extended codes are returned at times to indicate internal errors.
func (h *Session) Status() uint32 {
	return h.status
}

// SetStatus stores the current Session status code.
func (h *Session) SetStatus(s uint32) {
	h.status = s
}

// ChanOpened records one more live channel on the Session.
func (h *Session) ChanOpened() {
	h.m.Lock()
	h.openChans++
	h.m.Unlock()
}

// ChanClosed records a channel teardown.
func (h *Session) ChanClosed() {
	h.m.Lock()
	if h.openChans > 0 {
		h.openChans--
	}
	h.m.Unlock()
}

// OpenChans returns the number of live channels on the Session.
func (h *Session) OpenChans() int {
	h.m.Lock()
	defer h.m.Unlock()
	return h.openChans
}

// HandleOpened records one more live file handle on the Session.
func (h *Session) HandleOpened() {
	h.m.Lock()
	h.openHandles++
	h.m.Unlock()
}

// HandleClosed records a file-handle release.
func (h *Session) HandleClosed() {
	h.m.Lock()
	if h.openHandles > 0 {
		h.openHandles--
	}
	h.m.Unlock()
}

// OpenHandles returns the number of live file handles on the Session.
func (h *Session) OpenHandles() int {
	h.m.Lock()
	defer h.m.Unlock()
	return h.openHandles
}

// NewSession returns a new Session record.
func NewSession(op, who, connhost []byte, status uint32) *Session {
	return &Session{
		op:       op,
		who:      who,
		connhost: connhost,
		status:   status}
}

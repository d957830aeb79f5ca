package skiff

import (
	"testing"
)

func _newMockSession() (s *Session) {
	s = &Session{op: []byte("F"),
		who:      []byte("johndoe"),
		connhost: []byte("host"),
		status:   0}
	return s
}

func TestSessionChanBookkeeping(t *testing.T) {
	sess := _newMockSession()
	sess.ChanOpened()
	sess.ChanOpened()
	sess.ChanClosed()
	if sess.OpenChans() != 1 {
		t.Fatalf("open chan count %d, want 1", sess.OpenChans())
	}
	sess.ChanClosed()
	sess.ChanClosed() // underflow must clamp at zero
	if sess.OpenChans() != 0 {
		t.Fatalf("open chan count %d, want 0", sess.OpenChans())
	}
}

func TestSessionHandleBookkeeping(t *testing.T) {
	sess := _newMockSession()
	sess.HandleOpened()
	sess.HandleClosed()
	sess.HandleClosed()
	if sess.OpenHandles() != 0 {
		t.Fatalf("open handle count %d, want 0", sess.OpenHandles())
	}
}

func TestSessionStatus(t *testing.T) {
	sess := _newMockSession()
	sess.SetStatus(203)
	if sess.Status() != 203 {
		t.Fatalf("status %d, want 203", sess.Status())
	}
}

package skiffnet

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"
)

// _newMockConn builds a Conn over an existing net.Conn with both
// cipher streams seeded from fixed key material, skipping KEX.
func _newMockConn(t *testing.T, nc net.Conn) *Conn {
	hc := &Conn{
		m:         &sync.Mutex{},
		c:         &nc,
		closeStat: new(CSOType),
		chans:     make(map[uint32]*Channel),
		ChanReqCh: make(chan *ChanRequest, 8),
		dBuf:      new(bytes.Buffer),
	}
	*hc.closeStat = CSEStillOpen

	keymat := []byte("0123456789abcdef0123456789abcdef")
	var err error
	if hc.r, hc.rm, err = hc.getStream(keymat); err != nil {
		t.Fatal(err)
	}
	if hc.w, hc.wm, err = hc.getStream(keymat); err != nil {
		t.Fatal(err)
	}
	return hc
}

// _newMockConnPair wires two mock Conns back-to-back and starts a
// read pump on each so channel traffic gets dispatched.
func _newMockConnPair(t *testing.T) (a, b *Conn) {
	pa, pb := net.Pipe()
	a = _newMockConn(t, pa)
	b = _newMockConn(t, pb)
	pump := func(hc *Conn) {
		buf := make([]byte, 4096)
		for {
			if _, err := hc.Read(buf); err != nil {
				return
			}
		}
	}
	go pump(a)
	go pump(b)
	t.Cleanup(func() {
		pa.Close()
		pb.Close()
	})
	return a, b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestOpenChannelHandshake(t *testing.T) {
	a, b := _newMockConnPair(t)

	ch, f, err := a.OpenChannel("echo", 1024, 256, nil)
	if err != nil {
		t.Fatal(err)
	}
	if st := ch.State(); st != ChanOpenSent {
		t.Fatalf("state after open: %s", st)
	}

	req := <-b.ChanReqCh
	if req.Type != "echo" {
		t.Fatalf("request type %q", req.Type)
	}
	if req.PeerWin.Size != 1024 || req.PeerWin.MaxPacketSize != 256 {
		t.Fatalf("request window %+v", req.PeerWin)
	}
	bch, err := req.Accept(512, 128)
	if err != nil {
		t.Fatal(err)
	}
	if bch.State() != ChanOpen {
		t.Fatalf("acceptor state %s", bch.State())
	}

	peerID, peerWin, err := f.Await()
	if err != nil {
		t.Fatal(err)
	}
	if peerID != bch.LocalID() {
		t.Fatalf("peer id %d, want %d", peerID, bch.LocalID())
	}
	if peerWin.Size != 512 || peerWin.MaxPacketSize != 128 {
		t.Fatalf("peer window %+v", peerWin)
	}
	if ch.State() != ChanOpen {
		t.Fatalf("opener state %s", ch.State())
	}

	// data flows opener -> acceptor
	if err = ch.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-bch.In:
		if string(p) != "hello" {
			t.Fatalf("received %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no data delivered")
	}

	// orderly close: opener waits in Closing for the ack
	if err = ch.Close(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return ch.State() == ChanClosed },
		"opener never reached Closed")
	waitFor(t, func() bool { return bch.State() == ChanClosed },
		"acceptor never reached Closed")
}

func TestOpenRejected(t *testing.T) {
	a, b := _newMockConnPair(t)

	ch, f, err := a.OpenChannel("bogus", 1024, 256, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := <-b.ChanReqCh
	if err = req.Reject(ChanOpenUnknownChannelType, "no such type"); err != nil {
		t.Fatal(err)
	}

	_, _, err = f.Await()
	oerr, ok := err.(*OpenFailedError)
	if !ok {
		t.Fatalf("expected OpenFailedError, got %v", err)
	}
	if oerr.Reason != ChanOpenUnknownChannelType || oerr.Desc != "no such type" {
		t.Fatalf("failure outcome %+v", oerr)
	}
	if ch.State() != ChanClosed {
		t.Fatalf("state after rejection: %s", ch.State())
	}
	if err = ch.Send([]byte("x")); err != ErrChanClosed {
		t.Fatalf("send on failed channel: %v", err)
	}
}

func TestWindowAccounting(t *testing.T) {
	a, b := _newMockConnPair(t)

	ch, f, err := a.OpenChannel("echo", 64, 32, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := <-b.ChanReqCh
	bch, err := req.Accept(8, 32) // tiny grant to the opener
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err = f.Await(); err != nil {
		t.Fatal(err)
	}

	// exact fit consumes the full window
	if err = ch.Send([]byte("12345678")); err != nil {
		t.Fatal(err)
	}
	if w := ch.PeerWindow(); w.Size != 0 {
		t.Fatalf("window after exact-fit send: %d", w.Size)
	}

	// overrun attempt fails and leaves the window untouched
	if err = ch.Send([]byte("x")); err != ErrWindowExceeded {
		t.Fatalf("expected ErrWindowExceeded, got %v", err)
	}
	if w := ch.PeerWindow(); w.Size != 0 {
		t.Fatalf("window changed by failed send: %d", w.Size)
	}

	// acceptor consumes; the adjust replenishes the opener's grant
	select {
	case <-bch.In:
	case <-time.After(2 * time.Second):
		t.Fatal("no data delivered")
	}
	bch.ConsumeLocalWindow(8)
	waitFor(t, func() bool { return ch.PeerWindow().Size == 8 },
		"window never replenished")
	if err = ch.Send([]byte("abcdefgh")); err != nil {
		t.Fatal(err)
	}
}

func TestOpenFutureSingleResolution(t *testing.T) {
	f := newOpenFuture()
	if err := f.complete(7, Window{Size: 99}, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.complete(8, Window{}, &OpenFailedError{Reason: 1}); err != ErrAlreadyResolved {
		t.Fatalf("second resolution: %v", err)
	}
	id, w, err := f.Await()
	if err != nil || id != 7 || w.Size != 99 {
		t.Fatalf("first outcome not preserved: id=%d w=%+v err=%v", id, w, err)
	}
}

func TestOpenAfterSessionClose(t *testing.T) {
	pa, pb := net.Pipe()
	defer pa.Close()
	defer pb.Close()
	hc := _newMockConn(t, pa)

	hc.cm.Lock()
	hc.closing = true
	hc.cm.Unlock()

	if _, _, err := hc.OpenChannel("echo", 64, 32, nil); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSendBeforeOpenConfirmed(t *testing.T) {
	pa, pb := net.Pipe()
	defer pa.Close()
	hc := _newMockConn(t, pa)
	go func() { // drain the open message
		buf := make([]byte, 4096)
		for {
			if _, err := pb.Read(buf); err != nil {
				return
			}
		}
	}()

	ch, _, err := hc.OpenChannel("echo", 64, 32, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = ch.Send([]byte("early")); err == nil || err == ErrChanClosed {
		t.Fatalf("send in OpenSent: %v", err)
	}
}

func TestDirectExtraRoundTrip(t *testing.T) {
	a, b := _newMockConnPair(t)

	target := Endpoint{Host: "files.example.net", Port: 2022}
	origin := Endpoint{Host: "10.0.0.9", Port: 54321}
	ch, f, err := a.OpenDirect(target, origin, 1024, 256)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Target() != target || ch.Origin() != origin {
		t.Fatal("direct metadata not recorded on opener")
	}

	req := <-b.ChanReqCh
	if req.Type != "direct-tcpip" {
		t.Fatalf("request type %q", req.Type)
	}
	gotT, gotO, err := req.Direct()
	if err != nil {
		t.Fatal(err)
	}
	if gotT != target || gotO != origin {
		t.Fatalf("parsed endpoints %v -> %v", gotO, gotT)
	}
	if _, err = req.Accept(512, 128); err != nil {
		t.Fatal(err)
	}
	if _, _, err = f.Await(); err != nil {
		t.Fatal(err)
	}
}

func TestConnCloseReleasesParkedDelivery(t *testing.T) {
	a, b := _newMockConnPair(t)

	_, f, err := a.OpenChannel("echo", 1024, 256, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := <-b.ChanReqCh
	bch, err := req.Accept(chanInboundDepth+8, 256)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err = f.Await(); err != nil {
		t.Fatal(err)
	}

	// fill the inbound buffer with no consumer, then park one more
	// delivery on the full buffer
	for i := 0; i < chanInboundDepth; i++ {
		if err = bch.onData([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	parked := make(chan error, 1)
	go func() { parked <- bch.onData([]byte("overflow")) }()
	time.Sleep(20 * time.Millisecond) // let the delivery park

	if err = b.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err = <-parked:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked delivery never released by conn close")
	}
	if bch.State() != ChanClosed {
		t.Fatalf("state after conn close: %s", bch.State())
	}
}

func TestDuplicateOpenConfirmPreservesOutcome(t *testing.T) {
	a, b := _newMockConnPair(t)

	ch, f, err := a.OpenChannel("echo", 1024, 256, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := <-b.ChanReqCh
	if _, err = req.Accept(512, 128); err != nil {
		t.Fatal(err)
	}
	peerID, peerWin, err := f.Await()
	if err != nil {
		t.Fatal(err)
	}

	// a replayed confirm finds the channel already Open; it must be
	// rejected without touching the resolved outcome
	if err = ch.onOpenConfirmed(peerID+1, Window{Size: 1}); err == nil {
		t.Fatal("replayed open-confirm accepted")
	}
	if ch.State() != ChanOpen {
		t.Fatalf("state after replayed confirm: %s", ch.State())
	}
	if ch.PeerID() != peerID {
		t.Fatalf("peer id overwritten: %d, want %d", ch.PeerID(), peerID)
	}
	id, w, err := f.Await()
	if err != nil || id != peerID || w != peerWin {
		t.Fatalf("resolved outcome changed: id=%d w=%+v err=%v", id, w, err)
	}
}

func TestWindowOverrunClosesChannel(t *testing.T) {
	a, b := _newMockConnPair(t)

	ch, f, err := a.OpenChannel("echo", 8, 32, nil) // 8-byte local grant
	if err != nil {
		t.Fatal(err)
	}
	req := <-b.ChanReqCh
	if _, err = req.Accept(512, 128); err != nil {
		t.Fatal(err)
	}
	if _, _, err = f.Await(); err != nil {
		t.Fatal(err)
	}

	// bypass Send's window debit and overrun the grant on the wire
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, ch.LocalID())
	buf.Write([]byte("123456789"))
	if _, err = b.WritePacket(buf.Bytes(), CSOChanData); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return ch.State() == ChanClosed },
		"window overrun never closed the channel")
}

func TestMalformedAdjustClosesChannel(t *testing.T) {
	a, b := _newMockConnPair(t)

	ch, f, err := a.OpenChannel("echo", 1024, 256, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := <-b.ChanReqCh
	if _, err = req.Accept(512, 128); err != nil {
		t.Fatal(err)
	}
	if _, _, err = f.Await(); err != nil {
		t.Fatal(err)
	}

	// adjust with its delta field missing
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, ch.LocalID())
	if _, err = b.WritePacket(buf.Bytes(), CSOChanAdjust); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return ch.State() == ChanClosed },
		"malformed adjust never closed the channel")
}

func TestChannelIDsUnique(t *testing.T) {
	pa, _ := net.Pipe()
	defer pa.Close()
	hc := _newMockConn(t, pa)

	seen := make(map[uint32]bool)
	for i := 0; i < 16; i++ {
		ch, err := hc.newLocalChannel("echo", 64, 32, Endpoint{}, Endpoint{})
		if err != nil {
			t.Fatal(err)
		}
		if seen[ch.LocalID()] {
			t.Fatalf("duplicate channel id %d", ch.LocalID())
		}
		seen[ch.LocalID()] = true
	}
}

// channel.go - multiplexed flow-controlled channels over a skiffnet.Conn

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

package skiffnet

/* Channels multiplex one secured Conn into independent virtual streams.
Each direction of each channel has a byte-count window granted by the
receiver; a sender must never drive the peer window negative. Opens are
asynchronous: the CSOChanOpen is answered later by CSOChanOpenConf or
CSOChanOpenFail, resolving a one-shot OpenFuture.

Lifecycle: Idle -> OpenSent -> Open -> Closing -> Closed, with
OpenSent -> Closed on failure. Closed is terminal; operations on a dead
handle fail with ErrChanClosed so callers can tell handle misuse from a
transport fault. */

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/xinghhhhhhh/skiff/logger"
)

const chanInboundDepth = 64 // queued inbound data frames per channel

var (
	ErrSessionClosed   = errors.New("skiffnet: session close sequence already started")
	ErrChanClosed      = errors.New("skiffnet: operation on closed channel")
	ErrWindowExceeded  = errors.New("skiffnet: payload exceeds peer window")
	ErrAlreadyResolved = errors.New("skiffnet: open outcome already resolved")
)

// ChanState tracks a channel's open/close lifecycle.
type ChanState uint8

const (
	ChanIdle ChanState = iota
	ChanOpenSent
	ChanOpen
	ChanClosing
	ChanClosed
)

func (s ChanState) String() string {
	switch s {
	case ChanIdle:
		return "Idle"
	case ChanOpenSent:
		return "OpenSent"
	case ChanOpen:
		return "Open"
	case ChanClosing:
		return "Closing"
	case ChanClosed:
		return "Closed"
	default:
		return "ChanState_ERR_UNK"
	}
}

// Window is a flow-control grant: how many bytes the peer may still
// send, and the largest single frame it may use.
type Window struct {
	Size          uint32
	MaxPacketSize uint32
}

// Endpoint names one side of a direct-connect channel.
type Endpoint struct {
	Host string
	Port uint32
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// OpenFailedError is the failure outcome of an open handshake.
type OpenFailedError struct {
	Reason uint32
	Desc   string
}

func (e *OpenFailedError) Error() string {
	return fmt.Sprintf("skiffnet: channel open failed (reason %d): %s",
		e.Reason, e.Desc)
}

// OpenFuture is the single-resolution outcome of an open handshake,
// Pending until the peer's confirm or fail arrives. A caller may
// abandon it without side effects; no wire message results.
type OpenFuture struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool

	peerID  uint32
	peerWin Window
	err     error // nil on success, *OpenFailedError on failure
}

func newOpenFuture() *OpenFuture {
	return &OpenFuture{done: make(chan struct{})}
}

// complete resolves the future exactly once. A second attempt is a
// logic fault: it is rejected with ErrAlreadyResolved and never
// overwrites the first outcome.
func (f *OpenFuture) complete(peerID uint32, w Window, err error) error {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return ErrAlreadyResolved
	}
	f.resolved = true
	f.peerID = peerID
	f.peerWin = w
	f.err = err
	f.mu.Unlock()
	close(f.done) // publishes the outcome to Await()ers
	return nil
}

// Await blocks until the open handshake resolves, returning the
// peer-assigned id and window on success.
func (f *OpenFuture) Await() (peerID uint32, peerWin Window, err error) {
	<-f.done
	return f.peerID, f.peerWin, f.err
}

// Channel is one virtual stream multiplexed over a Conn. All mutable
// state (state, windows, peer id) lives under one mutex so a
// concurrent Send cannot race an inbound confirm/adjust.
type Channel struct {
	hc *Conn

	m       sync.Mutex
	state   ChanState
	localID uint32
	peerID  uint32 // unset until open confirmed

	localWin   Window
	peerWin    Window
	initialWin uint32 // replenish target for the local window
	consumed   uint32 // app-consumed bytes not yet granted back

	chanType string
	target   Endpoint // direct-connect metadata, immutable
	origin   Endpoint

	open *OpenFuture

	// In delivers inbound data frames; closed when the channel reaches
	// Closed.
	In chan []byte

	// closed is shut in toClosedLocked so a delivery parked on a full
	// In gets released instead of hitting the closed buffer.
	closed   chan struct{}
	inMu     sync.Mutex // serializes In delivery against close(In)
	inClosed bool
}

func (c *Channel) LocalID() uint32 { return c.localID }

func (c *Channel) PeerID() uint32 {
	c.m.Lock()
	defer c.m.Unlock()
	return c.peerID
}

func (c *Channel) State() ChanState {
	c.m.Lock()
	defer c.m.Unlock()
	return c.state
}

func (c *Channel) Type() string { return c.chanType }

// Target returns the direct-connect target endpoint (zero value for
// other channel types).
func (c *Channel) Target() Endpoint { return c.target }

// Origin returns the direct-connect originator endpoint.
func (c *Channel) Origin() Endpoint { return c.origin }

// PeerWindow returns a snapshot of the peer's current grant.
func (c *Channel) PeerWindow() Window {
	c.m.Lock()
	defer c.m.Unlock()
	return c.peerWin
}

func (c *Channel) String() string {
	c.m.Lock()
	defer c.m.Unlock()
	return fmt.Sprintf("[chan %d:%d %s %s]", c.localID, c.peerID,
		c.chanType, c.state)
}

/*---------------------------------------------------------------------*/

// OpenChannel allocates a session-unique local id, sends the open
// message (type, id, window, max-packet-size, then any type-specific
// payload) and returns the channel plus its unresolved OpenFuture.
// Fails synchronously with ErrSessionClosed once the owning session's
// close sequence has started.
func (hc *Conn) OpenChannel(chanType string, winSize, maxPkt uint32, extra []byte) (*Channel, *OpenFuture, error) {
	return hc.openChannel(chanType, winSize, maxPkt, extra, Endpoint{}, Endpoint{})
}

func (hc *Conn) openChannel(chanType string, winSize, maxPkt uint32, extra []byte, target, origin Endpoint) (*Channel, *OpenFuture, error) {
	ch, err := hc.newLocalChannel(chanType, winSize, maxPkt, target, origin)
	if err != nil {
		return nil, nil, err
	}

	var b bytes.Buffer
	putString(&b, chanType)
	binary.Write(&b, binary.BigEndian, ch.localID)
	binary.Write(&b, binary.BigEndian, winSize)
	binary.Write(&b, binary.BigEndian, maxPkt)
	b.Write(extra)

	ch.m.Lock()
	ch.state = ChanOpenSent
	ch.m.Unlock()

	if _, err = hc.WritePacket(b.Bytes(), CSOChanOpen); err != nil {
		hc.dropChannel(ch.localID)
		return nil, nil, err
	}
	logger.LogDebug(fmt.Sprintf("[OpenChannel %s id %d win %d maxpkt %d]",
		chanType, ch.localID, winSize, maxPkt))
	return ch, ch.open, nil
}

// OpenDirect opens a direct-connect channel. Type-specific payload is
// target host/port then originator host/port, per the governing wire
// layout.
func (hc *Conn) OpenDirect(target, origin Endpoint, winSize, maxPkt uint32) (*Channel, *OpenFuture, error) {
	var b bytes.Buffer
	putString(&b, target.Host)
	binary.Write(&b, binary.BigEndian, target.Port)
	putString(&b, origin.Host)
	binary.Write(&b, binary.BigEndian, origin.Port)

	return hc.openChannel("direct-tcpip", winSize, maxPkt, b.Bytes(), target, origin)
}

func (hc *Conn) newLocalChannel(chanType string, winSize, maxPkt uint32, target, origin Endpoint) (*Channel, error) {
	hc.cm.Lock()
	defer hc.cm.Unlock()
	if hc.closing {
		return nil, ErrSessionClosed
	}
	if hc.chans == nil {
		hc.chans = make(map[uint32]*Channel)
	}
	id := hc.chanSeq
	hc.chanSeq++
	ch := &Channel{
		hc:         hc,
		state:      ChanIdle,
		localID:    id,
		localWin:   Window{Size: winSize, MaxPacketSize: maxPkt},
		initialWin: winSize,
		chanType:   chanType,
		target:     target,
		origin:     origin,
		open:       newOpenFuture(),
		In:         make(chan []byte, chanInboundDepth),
		closed:     make(chan struct{}),
	}
	hc.chans[id] = ch
	return ch, nil
}

func (hc *Conn) channelByID(id uint32) *Channel {
	hc.cm.Lock()
	defer hc.cm.Unlock()
	return hc.chans[id]
}

func (hc *Conn) dropChannel(id uint32) {
	hc.cm.Lock()
	delete(hc.chans, id)
	hc.cm.Unlock()
}

/*---------------------------------------------------------------------*/

// Send forwards one already-bounded frame, debiting the peer window.
// Fragmentation to peerWin.MaxPacketSize is the caller's concern.
func (c *Channel) Send(p []byte) error {
	c.m.Lock()
	switch c.state {
	case ChanClosed:
		c.m.Unlock()
		return ErrChanClosed
	case ChanOpen:
		// proceed
	default:
		st := c.state
		c.m.Unlock()
		return fmt.Errorf("skiffnet: send on channel in state %s", st)
	}
	if uint32(len(p)) > c.peerWin.Size {
		c.m.Unlock()
		return ErrWindowExceeded
	}
	c.peerWin.Size -= uint32(len(p))
	peerID := c.peerID
	c.m.Unlock()

	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, peerID)
	b.Write(p)
	_, err := c.hc.WritePacket(b.Bytes(), CSOChanData)
	return err
}

// ConsumeLocalWindow records n bytes of inbound data as consumed by
// the application. When the remaining local grant drops below the
// low-water mark the consumed total is granted back to the peer via a
// window adjust, keeping the peer sending while bounding the memory
// committed to this channel.
func (c *Channel) ConsumeLocalWindow(n uint32) {
	c.m.Lock()
	if c.state != ChanOpen {
		c.m.Unlock()
		return
	}
	c.consumed += n
	if c.localWin.Size >= c.initialWin/2 || c.consumed == 0 {
		c.m.Unlock()
		return
	}
	delta := c.consumed
	c.consumed = 0
	c.localWin.Size += delta
	peerID := c.peerID
	c.m.Unlock()

	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, peerID)
	binary.Write(&b, binary.BigEndian, delta)
	if _, err := c.hc.WritePacket(b.Bytes(), CSOChanAdjust); err != nil {
		logger.LogErr(fmt.Sprintf("[chan %d window adjust failed: %s]",
			c.localID, err))
	}
}

// Close begins (or completes) teardown. From Open it sends a close
// message and waits in Closing for the peer's ack; from any earlier
// state it closes immediately with no wire traffic. Idempotent.
func (c *Channel) Close() error {
	c.m.Lock()
	switch c.state {
	case ChanOpen:
		c.state = ChanClosing
		peerID := c.peerID
		c.m.Unlock()
		var b bytes.Buffer
		binary.Write(&b, binary.BigEndian, peerID)
		_, err := c.hc.WritePacket(b.Bytes(), CSOChanClose)
		return err
	case ChanIdle, ChanOpenSent:
		// never confirmed; peer-side cleanup rides the ordinary
		// close/failure path, no cancellation message exists
		c.toClosedLocked()
		c.m.Unlock()
		return nil
	default:
		c.m.Unlock()
		return nil
	}
}

// toClosedLocked finalizes Closed state; caller holds c.m.
func (c *Channel) toClosedLocked() {
	if c.state == ChanClosed {
		return
	}
	c.state = ChanClosed
	// release any delivery parked on a full In before taking inMu,
	// then retire In so range consumers terminate
	close(c.closed)
	c.inMu.Lock()
	c.inClosed = true
	close(c.In)
	c.inMu.Unlock()
	c.hc.dropChannel(c.localID)
}

/*---------------------------------------------------------------------*/
/* Inbound transitions, driven by the per-session Read loop */

func (c *Channel) onOpenConfirmed(peerID uint32, w Window) error {
	c.m.Lock()
	if c.state != ChanOpenSent {
		st := c.state
		c.m.Unlock()
		return fmt.Errorf("skiffnet: open-confirm for channel %d in state %s",
			c.localID, st)
	}
	c.state = ChanOpen
	c.peerID = peerID
	c.peerWin = w
	c.m.Unlock()

	if err := c.open.complete(peerID, w, nil); err != nil {
		// duplicate resolution is a logic fault; reject loudly
		logger.LogErr(fmt.Sprintf("[chan %d duplicate open resolution]", c.localID))
		return err
	}
	return nil
}

func (c *Channel) onOpenFailed(reason uint32, desc string) error {
	c.m.Lock()
	if c.state != ChanOpenSent {
		st := c.state
		c.m.Unlock()
		return fmt.Errorf("skiffnet: open-fail for channel %d in state %s",
			c.localID, st)
	}
	c.toClosedLocked()
	c.m.Unlock()

	oerr := &OpenFailedError{Reason: reason, Desc: desc}
	if err := c.open.complete(0, Window{}, oerr); err != nil {
		logger.LogErr(fmt.Sprintf("[chan %d duplicate open resolution]", c.localID))
		return err
	}
	return nil
}

// onWindowAdjust grows the peer grant; a window never shrinks except
// by sending.
func (c *Channel) onWindowAdjust(delta uint32) {
	c.m.Lock()
	c.peerWin.Size += delta
	c.m.Unlock()
}

func (c *Channel) onData(p []byte) error {
	c.m.Lock()
	if c.state != ChanOpen && c.state != ChanClosing {
		c.m.Unlock()
		return fmt.Errorf("skiffnet: data for channel %d in state %s",
			c.localID, c.state)
	}
	if uint32(len(p)) > c.localWin.Size {
		c.m.Unlock()
		return fmt.Errorf("skiffnet: channel %d peer overran local window by %d",
			c.localID, uint32(len(p))-c.localWin.Size)
	}
	c.localWin.Size -= uint32(len(p))
	c.m.Unlock()

	c.inMu.Lock()
	defer c.inMu.Unlock()
	if c.inClosed {
		return nil // closed while the frame was in flight
	}
	select {
	case c.In <- p:
	case <-c.closed:
	}
	return nil
}

func (c *Channel) onClose() {
	c.m.Lock()
	peerID := c.peerID
	wasClosed := c.state == ChanClosed
	c.toClosedLocked()
	c.m.Unlock()
	if wasClosed {
		return
	}
	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, peerID)
	if _, err := c.hc.WritePacket(b.Bytes(), CSOChanCloseAck); err != nil {
		logger.LogErr(fmt.Sprintf("[chan %d close ack failed: %s]", c.localID, err))
	}
}

func (c *Channel) onCloseAck() {
	c.m.Lock()
	if c.state != ChanClosing {
		logger.LogErr(fmt.Sprintf("[chan %d close-ack in state %s]",
			c.localID, c.state))
		c.m.Unlock()
		return
	}
	c.toClosedLocked()
	c.m.Unlock()
}

/*---------------------------------------------------------------------*/
/* Peer-initiated opens */

// ChanRequest is a peer's open request, delivered on Conn.ChanReqCh
// for the application to Accept or Reject.
type ChanRequest struct {
	hc       *Conn
	Type     string
	peerID   uint32
	PeerWin  Window
	Extra    []byte
	answered bool
}

// Accept confirms the open, allocating the local id and granting the
// given window.
func (r *ChanRequest) Accept(winSize, maxPkt uint32) (*Channel, error) {
	if r.answered {
		return nil, ErrAlreadyResolved
	}
	r.answered = true

	ch, err := r.hc.newLocalChannel(r.Type, winSize, maxPkt, Endpoint{}, Endpoint{})
	if err != nil {
		return nil, err
	}
	ch.m.Lock()
	ch.state = ChanOpen
	ch.peerID = r.peerID
	ch.peerWin = r.PeerWin
	ch.m.Unlock()
	// inbound opens never had a pending future; mark it resolved so a
	// stray Await() cannot hang
	_ = ch.open.complete(r.peerID, r.PeerWin, nil)

	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, r.peerID)
	binary.Write(&b, binary.BigEndian, ch.localID)
	binary.Write(&b, binary.BigEndian, winSize)
	binary.Write(&b, binary.BigEndian, maxPkt)
	if _, err = r.hc.WritePacket(b.Bytes(), CSOChanOpenConf); err != nil {
		r.hc.dropChannel(ch.localID)
		return nil, err
	}
	return ch, nil
}

// Reject refuses the open with a reason code and description.
func (r *ChanRequest) Reject(reason uint32, desc string) error {
	if r.answered {
		return ErrAlreadyResolved
	}
	r.answered = true
	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, r.peerID)
	binary.Write(&b, binary.BigEndian, reason)
	putString(&b, desc)
	_, err := r.hc.WritePacket(b.Bytes(), CSOChanOpenFail)
	return err
}

// Direct parses the type-specific payload of a direct-connect request:
// target host/port then originator host/port.
func (r *ChanRequest) Direct() (target, origin Endpoint, err error) {
	br := bytes.NewReader(r.Extra)
	if target.Host, err = getString(br); err != nil {
		return
	}
	if err = binary.Read(br, binary.BigEndian, &target.Port); err != nil {
		return
	}
	if origin.Host, err = getString(br); err != nil {
		return
	}
	err = binary.Read(br, binary.BigEndian, &origin.Port)
	return
}

/*---------------------------------------------------------------------*/

func putString(b *bytes.Buffer, s string) {
	binary.Write(b, binary.BigEndian, uint32(len(s)))
	b.WriteString(s)
}

func getString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n > MAX_PAYLOAD_LEN {
		return "", errors.New("skiffnet: insane string length")
	}
	s := make([]byte, n)
	if _, err := io.ReadFull(r, s); err != nil {
		return "", err
	}
	return string(s), nil
}

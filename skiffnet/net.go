// skiffnet.go - net.Conn compatible secured transport with KEX
// negotiation and multiplexed flow-controlled channels

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

package skiffnet

// Implementation of KEX-wrapped versions of the golang standard
// net package interfaces, allowing clients and servers to simply
// replace 'net.Dial' and 'net.Listen' with 'skiffnet.Dial' and
// 'skiffnet.Listen' (plus extra methods for channel multiplexing,
// which is outside the scope of plain sockets).

// DESIGN PRINCIPLE: There shall be no protocol features which enable
// downgrade attacks. The server shall have final authority to accept or
// reject any and all proposed KEx and connection parameters proposed by
// clients at setup. Action on denial shall be a simple server disconnect
// with possibly a status code sent so client can determine why connection
// was denied.

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/ioutil"
	"log"
	"math/big"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	hkex "blitter.com/go/herradurakex"
	kyber "git.schwanenlied.me/yawning/kyber.git"
	newhope "git.schwanenlied.me/yawning/newhope.git"
	"github.com/xinghhhhhhh/skiff/kex"
	"github.com/xinghhhhhhh/skiff/logger"
)

/*---------------------------------------------------------------------*/
const PAD_SZ = 32     // max size of padding applied to each packet
const HMAC_CHK_SZ = 4 // leading bytes of HMAC to xmit for verification

type (
	// chaffconfig captures attributes used to send chaff packets betwixt
	// client and server connections, to obscure true traffic timing and
	// patterns
	// see: https://en.wikipedia.org/wiki/chaff_(countermeasure)
	ChaffConfig struct {
		shutdown bool //set to inform chaffHelper to shut down
		enabled  bool
		msecsMin uint //msecs min interval
		msecsMax uint //msecs max interval
		szMax    uint // max size in bytes
	}

	// Conn is a connection wrapping net.Conn with KEX & session state
	Conn struct {
		kex KEXAlg // KEX/KEM proposal (client -> server)

		m *sync.Mutex // guards writes and close status
		c *net.Conn   // which also implements io.Reader, io.Writer, ...

		logCipherText bool // somewhat expensive, for debugging
		logPlainText  bool // INSECURE and somewhat expensive, for debugging

		cipheropts uint32 // post-KEx cipher/hmac options
		opts       uint32 // post-KEx protocol options (caller-defined)

		chaff ChaffConfig

		// channel mux state
		cm        sync.Mutex
		chans     map[uint32]*Channel
		chanSeq   uint32
		closing   bool
		ChanReqCh chan *ChanRequest // peer-initiated opens, see ChanRequest

		closeStat *CSOType      // close status (CSOExitStatus)
		r         cipher.Stream //read cipherStream
		rm        hash.Hash
		w         cipher.Stream //write cipherStream
		wm        hash.Hash
		dBuf      *bytes.Buffer //decrypt buffer for Read()
	}
)

var (
	Log *logger.Writer // reg. syslog output (no -d)
)

func (k *KEXAlg) String() string {
	switch *k {
	case KEX_HERRADURA256:
		return "KEX_HERRADURA256"
	case KEX_HERRADURA512:
		return "KEX_HERRADURA512"
	case KEX_HERRADURA1024:
		return "KEX_HERRADURA1024"
	case KEX_HERRADURA2048:
		return "KEX_HERRADURA2048"
	case KEX_DH_GROUP14:
		return "KEX_DH_GROUP14"
	case KEX_ECDH_P256:
		return "KEX_ECDH_P256"
	case KEX_X25519:
		return "KEX_X25519"
	case KEX_KYBER512:
		return "KEX_KYBER512"
	case KEX_KYBER768:
		return "KEX_KYBER768"
	case KEX_KYBER1024:
		return "KEX_KYBER1024"
	case KEX_NEWHOPE:
		return "KEX_NEWHOPE"
	case KEX_NEWHOPE_SIMPLE:
		return "KEX_NEWHOPE_SIMPLE"
	default:
		return "KEX_ERR_UNK"
	}
}

func (hc *Conn) CAlg() CSCipherAlg {
	return CSCipherAlg(hc.cipheropts & 0x0FF)
}

func (c *CSCipherAlg) String() string {
	switch *c & 0x0FF {
	case CAlgAES256:
		return "C_AES_256"
	case CAlgTwofish128:
		return "C_TWOFISH_128"
	case CAlgBlowfish64:
		return "C_BLOWFISH_64"
	case CAlgCryptMT1:
		return "C_CRYPTMT1"
	case CAlgWanderer:
		return "C_WANDERER"
	case CAlgChaCha20_12:
		return "C_CHACHA20_12"
	default:
		return "C_ERR_UNK"
	}
}

func (hc *Conn) HAlg() CSHmacAlg {
	return CSHmacAlg((hc.cipheropts >> 8) & 0x0FF)
}

func (h *CSHmacAlg) String() string {
	switch (*h >> 8) & 0x0FF {
	case HmacSHA256:
		return "H_SHA256"
	case HmacSHA512:
		return "H_SHA512"
	default:
		return "H_ERR_UNK"
	}
}

func _initLogging(d bool, c string, f logger.Priority) {
	if Log == nil {
		Log, _ = logger.New(f, fmt.Sprintf("%s:skiffnet", c))
	}
	if d {
		log.SetFlags(0) // syslog will have date,time
		log.SetOutput(Log)
	} else {
		log.SetOutput(ioutil.Discard)
	}
}

func Init(d bool, c string, f logger.Priority) {
	_initLogging(d, c, f)
}

func (hc *Conn) Lock() {
	hc.m.Lock()
}

func (hc *Conn) Unlock() {
	hc.m.Unlock()
}

func (hc *Conn) KEX() KEXAlg {
	return hc.kex
}

func (hc *Conn) GetStatus() CSOType {
	return *hc.closeStat
}

func (hc *Conn) SetStatus(stat CSOType) {
	*hc.closeStat = stat
	log.Println("closeStat:", *hc.closeStat)
}

// ConnOpts returns the cipher/hmac options value, which is sent to the
// peer but is not itself part of the KEx.
//
// (Used for protocol-level negotiations after KEx such as
// cipher/HMAC algorithm options etc.)
func (hc *Conn) ConnOpts() uint32 {
	return hc.cipheropts
}

// SetConnOpts sets the cipher/hmac options value, which is sent to the
// peer as part of KEx but not part of the KEx itself.
//
// opts - bitfields for cipher and hmac alg. to use after KEx
func (hc *Conn) SetConnOpts(copts uint32) {
	hc.cipheropts = copts
}

// Opts returns the protocol options value, which is sent to the peer
// but is not itself part of the KEx or connection (cipher/hmac) setup.
//
// Consumers of this lib may use this for protocol-level options not part
// of the KEx or encryption info used by the connection.
func (hc *Conn) Opts() uint32 {
	return hc.opts
}

// SetOpts sets the protocol options value, which is sent to the peer
// but is not itself part of the KEx or connection (cipher/hmac) setup.
//
// opts - a uint32, caller-defined
func (hc *Conn) SetOpts(opts uint32) {
	hc.opts = opts
}

// Return a new skiffnet.Conn
//
// Note this is internal: use Dial() or Accept()
func _new(kexAlg KEXAlg, conn *net.Conn) (hc *Conn, e error) {
	rand.Seed(time.Now().UnixNano())

	// Set up stuff common to all KEx/KEM types
	hc = &Conn{kex: kexAlg,
		m:         &sync.Mutex{},
		c:         conn,
		closeStat: new(CSOType),
		chans:     make(map[uint32]*Channel),
		ChanReqCh: make(chan *ChanRequest, 8),
		dBuf:      new(bytes.Buffer)}

	*hc.closeStat = CSEStillOpen // open or prematurely-closed status

	switch kexAlg {
	case KEX_HERRADURA256, KEX_HERRADURA512, KEX_HERRADURA1024, KEX_HERRADURA2048,
		KEX_DH_GROUP14, KEX_ECDH_P256, KEX_X25519,
		KEX_KYBER512, KEX_KYBER768, KEX_KYBER1024,
		KEX_NEWHOPE, KEX_NEWHOPE_SIMPLE:
		log.Printf("[KEx alg %d accepted]\n", kexAlg)
	default:
		// UNREACHABLE: _getkexalgnum() guarantees a valid KEX value
		hc.kex = KEX_HERRADURA512
		log.Printf("[KEx alg %d ?? defaults to %d]\n", kexAlg, hc.kex)
	}
	return
}

// applyConnExtensions processes optional Dial() negotiation
// parameters. See also getkexalgnum().
//
// Currently defined extension values
//
// KEx algs
//
// KEX_HERRADURA256 KEX_HERRADURA512 KEX_HERRADURA1024 KEX_HERRADURA2048
//
// KEX_DH_GROUP14 KEX_ECDH_P256 KEX_X25519
//
// KEX_KYBER512 KEX_KYBER768 KEX_KYBER1024
//
// KEX_NEWHOPE KEX_NEWHOPE_SIMPLE
//
// Session (symmetric) crypto
//
// C_AES_256 C_TWOFISH_128 C_BLOWFISH_64 C_CRYPTMT1 C_WANDERER
// C_CHACHA20_12
//
// Session HMACs
//
// H_SHA256 H_SHA512
func (hc *Conn) applyConnExtensions(extensions ...string) {
	for _, s := range extensions {
		switch s {
		case "C_AES_256":
			hc.cipheropts &= (0xFFFFFF00)
			hc.cipheropts |= CAlgAES256
		case "C_TWOFISH_128":
			hc.cipheropts &= (0xFFFFFF00)
			hc.cipheropts |= CAlgTwofish128
		case "C_BLOWFISH_64":
			hc.cipheropts &= (0xFFFFFF00)
			hc.cipheropts |= CAlgBlowfish64
		case "C_CRYPTMT1":
			hc.cipheropts &= (0xFFFFFF00)
			hc.cipheropts |= CAlgCryptMT1
		case "C_WANDERER":
			hc.cipheropts &= (0xFFFFFF00)
			hc.cipheropts |= CAlgWanderer
		case "C_CHACHA20_12":
			hc.cipheropts &= (0xFFFFFF00)
			hc.cipheropts |= CAlgChaCha20_12
		case "H_SHA256":
			hc.cipheropts &= (0xFFFF00FF)
			hc.cipheropts |= (HmacSHA256 << 8)
		case "H_SHA512":
			hc.cipheropts &= (0xFFFF00FF)
			hc.cipheropts |= (HmacSHA512 << 8)
		default:
			log.Printf("[Dial ext %q ignored]\n", s)
		}
	}
}

func getkexalgnum(extensions ...string) (k KEXAlg) {
	k = KEX_HERRADURA512 // default
	for _, s := range extensions {
		switch s {
		case "KEX_HERRADURA256":
			return KEX_HERRADURA256
		case "KEX_HERRADURA512":
			return KEX_HERRADURA512
		case "KEX_HERRADURA1024":
			return KEX_HERRADURA1024
		case "KEX_HERRADURA2048":
			return KEX_HERRADURA2048
		case "KEX_DH_GROUP14":
			return KEX_DH_GROUP14
		case "KEX_ECDH_P256":
			return KEX_ECDH_P256
		case "KEX_X25519":
			return KEX_X25519
		case "KEX_KYBER512":
			return KEX_KYBER512
		case "KEX_KYBER768":
			return KEX_KYBER768
		case "KEX_KYBER1024":
			return KEX_KYBER1024
		case "KEX_NEWHOPE":
			return KEX_NEWHOPE
		case "KEX_NEWHOPE_SIMPLE":
			return KEX_NEWHOPE_SIMPLE
		}
	}
	return
}

// randReader wraps rand.Read() in a struct that implements io.Reader
// for use by the Kyber and NEWHOPE/NEWHOPE_SIMPLE KEM methods.
type randReader struct {
}

func (r randReader) Read(b []byte) (n int, e error) {
	n, e = rand.Read(b)
	return
}

/*---------------------------------------------------------------------*/
/* KEX setup exchanges

All public values (KEX public keys, KEM ciphertexts, Herradura D
values) cross the raw conn as opaque length-prefixed byte strings
regardless of variant, followed by the proposed cipheropts/opts pair.
The server has final authority over the proposed parameters. */

func (hc *Conn) sendSetupValue(c io.Writer, v []byte) (err error) {
	if err = kex.PutValue(c, v); err != nil {
		return err
	}
	if err = binary.Write(c, binary.BigEndian, hc.cipheropts); err != nil {
		return err
	}
	return binary.Write(c, binary.BigEndian, hc.opts)
}

func (hc *Conn) readSetupValue(c io.Reader) (v []byte, err error) {
	if v, err = kex.GetValue(c); err != nil {
		return nil, err
	}
	if err = binary.Read(c, binary.BigEndian, &hc.cipheropts); err != nil {
		return nil, err
	}
	if err = binary.Read(c, binary.BigEndian, &hc.opts); err != nil {
		return nil, err
	}
	return v, nil
}

// seedStreams derives the read/write cipher streams and HMACs from the
// session key material.
func (hc *Conn) seedStreams(keymat []byte) (err error) {
	hc.r, hc.rm, err = hc.getStream(keymat)
	if err != nil {
		return err
	}
	hc.w, hc.wm, err = hc.getStream(keymat)
	return err
}

func newHerradura(alg KEXAlg) *hkex.HerraduraKEx {
	switch alg {
	case KEX_HERRADURA256:
		return hkex.New(256, 64)
	case KEX_HERRADURA512:
		return hkex.New(512, 128)
	case KEX_HERRADURA1024:
		return hkex.New(1024, 256)
	case KEX_HERRADURA2048:
		return hkex.New(2048, 512)
	default:
		return hkex.New(256, 64)
	}
}

func HKExDialSetup(c io.ReadWriter, hc *Conn) (err error) {
	h := newHerradura(hc.kex)

	if err = hc.sendSetupValue(c, h.D().Bytes()); err != nil {
		return err
	}
	peerD, err := hc.readSetupValue(c)
	if err != nil {
		return err
	}
	h.SetPeerD(new(big.Int).SetBytes(peerD))
	h.ComputeFA()
	log.Printf("**(c)** FA:%s\n", h.FA())
	return hc.seedStreams(h.FA().Bytes())
}

func HKExAcceptSetup(c io.ReadWriter, hc *Conn) (err error) {
	h := newHerradura(hc.kex)

	peerD, err := hc.readSetupValue(c)
	if err != nil {
		return err
	}
	h.SetPeerD(new(big.Int).SetBytes(peerD))
	h.ComputeFA()
	log.Printf("**(s)** FA:%s\n", h.FA())
	if err = hc.sendSetupValue(c, h.D().Bytes()); err != nil {
		return err
	}
	return hc.seedStreams(h.FA().Bytes())
}

func kyberParams(alg KEXAlg) *kyber.ParameterSet {
	switch alg {
	case KEX_KYBER512:
		return kyber.Kyber512
	case KEX_KYBER768:
		return kyber.Kyber768
	case KEX_KYBER1024:
		return kyber.Kyber1024
	default:
		return kyber.Kyber768
	}
}

func KyberDialSetup(c io.ReadWriter, hc *Conn) (err error) {
	r := new(randReader)
	pub, priv, err := kyberParams(hc.kex).GenerateKeyPair(r)
	if err != nil {
		return err
	}
	if err = hc.sendSetupValue(c, pub.Bytes()); err != nil {
		return err
	}
	// KEM: server replies with ciphertext rather than a public value
	cipherText, err := hc.readSetupValue(c)
	if err != nil {
		return err
	}
	sharedSecret := priv.KEMDecrypt(cipherText)
	return hc.seedStreams(sharedSecret)
}

func KyberAcceptSetup(c io.ReadWriter, hc *Conn) (err error) {
	peerBytes, err := hc.readSetupValue(c)
	if err != nil {
		return err
	}
	peerPublicKey, err := kyberParams(hc.kex).PublicKeyFromBytes(peerBytes)
	if err != nil {
		return err
	}
	r := new(randReader)
	cipherText, sharedSecret, err := peerPublicKey.KEMEncrypt(r)
	if err != nil {
		return err
	}
	if err = hc.sendSetupValue(c, cipherText); err != nil {
		return err
	}
	return hc.seedStreams(sharedSecret)
}

func NewHopeDialSetup(c io.ReadWriter, hc *Conn) (err error) {
	r := new(randReader)
	privKeyAlice, pubKeyAlice, err := newhope.GenerateKeyPairAlice(r)
	if err != nil {
		return err
	}
	if err = hc.sendSetupValue(c, pubKeyAlice.Send[:]); err != nil {
		return err
	}
	peerBytes, err := hc.readSetupValue(c)
	if err != nil {
		return err
	}
	var pubKeyBob newhope.PublicKeyBob
	if len(peerBytes) != len(pubKeyBob.Send) {
		return errors.New("skiffnet: truncated NEWHOPE public value")
	}
	copy(pubKeyBob.Send[:], peerBytes)
	aliceSharedSecret, err := newhope.KeyExchangeAlice(&pubKeyBob, privKeyAlice)
	if err != nil {
		return err
	}
	return hc.seedStreams(aliceSharedSecret)
}

func NewHopeAcceptSetup(c io.ReadWriter, hc *Conn) (err error) {
	peerBytes, err := hc.readSetupValue(c)
	if err != nil {
		return err
	}
	var pubKeyAlice newhope.PublicKeyAlice
	if len(peerBytes) != len(pubKeyAlice.Send) {
		return errors.New("skiffnet: truncated NEWHOPE public value")
	}
	copy(pubKeyAlice.Send[:], peerBytes)
	r := new(randReader)
	pubKeyBob, bobSharedSecret, err := newhope.KeyExchangeBob(r, &pubKeyAlice)
	if err != nil {
		return err
	}
	if err = hc.sendSetupValue(c, pubKeyBob.Send[:]); err != nil {
		return err
	}
	return hc.seedStreams(bobSharedSecret)
}

func NewHopeSimpleDialSetup(c io.ReadWriter, hc *Conn) (err error) {
	r := new(randReader)
	privKeyAlice, pubKeyAlice, err := newhope.GenerateKeyPairSimpleAlice(r)
	if err != nil {
		return err
	}
	if err = hc.sendSetupValue(c, pubKeyAlice.Send[:]); err != nil {
		return err
	}
	peerBytes, err := hc.readSetupValue(c)
	if err != nil {
		return err
	}
	var pubKeyBob newhope.PublicKeySimpleBob
	if len(peerBytes) != len(pubKeyBob.Send) {
		return errors.New("skiffnet: truncated NEWHOPE_SIMPLE public value")
	}
	copy(pubKeyBob.Send[:], peerBytes)
	aliceSharedSecret, err := newhope.KeyExchangeSimpleAlice(&pubKeyBob, privKeyAlice)
	if err != nil {
		return err
	}
	return hc.seedStreams(aliceSharedSecret)
}

func NewHopeSimpleAcceptSetup(c io.ReadWriter, hc *Conn) (err error) {
	peerBytes, err := hc.readSetupValue(c)
	if err != nil {
		return err
	}
	var pubKeyAlice newhope.PublicKeySimpleAlice
	if len(peerBytes) != len(pubKeyAlice.Send) {
		return errors.New("skiffnet: truncated NEWHOPE_SIMPLE public value")
	}
	copy(pubKeyAlice.Send[:], peerBytes)
	r := new(randReader)
	pubKeyBob, bobSharedSecret, err := newhope.KeyExchangeSimpleBob(r, &pubKeyAlice)
	if err != nil {
		return err
	}
	if err = hc.sendSetupValue(c, pubKeyBob.Send[:]); err != nil {
		return err
	}
	return hc.seedStreams(bobSharedSecret)
}

// dhGroupFor maps the negotiated alg to its kex group.
func dhGroupFor(alg KEXAlg) (*kex.GroupParams, error) {
	switch alg {
	case KEX_DH_GROUP14:
		return kex.ModpGroup14(), nil
	case KEX_ECDH_P256:
		return kex.NistP256(), nil
	case KEX_X25519:
		return kex.X25519(), nil
	default:
		return nil, fmt.Errorf("skiffnet: alg %d is not a DH KEX", alg)
	}
}

// dhKeymat runs the variant-agnostic tail of a DH negotiation: derive
// the shared secret and hash the transcript into session key material.
func dhKeymat(a *kex.Agreement, e, f []byte) ([]byte, error) {
	k, err := a.Secret()
	if err != nil {
		return nil, err
	}
	halg, err := a.Hash()
	if err != nil {
		return nil, err
	}
	name, _ := a.GroupName()
	return kex.ExchangeHash(halg, k, []byte(name), e, f), nil
}

// DHDialSetup performs the client side of a finite-field or
// elliptic-curve DH negotiation via the kex package.
func DHDialSetup(c io.ReadWriter, hc *Conn) (err error) {
	g, err := dhGroupFor(hc.kex)
	if err != nil {
		return err
	}
	a, err := kex.New(g, false)
	if err != nil {
		return err
	}
	e, err := a.LocalValue()
	if err != nil {
		return err
	}
	if err = hc.sendSetupValue(c, e); err != nil {
		return err
	}
	f, err := hc.readSetupValue(c)
	if err != nil {
		return err
	}
	if err = a.SetPeerValue(f); err != nil {
		// invalid point/integer is a protocol violation, possibly
		// adversarial; the exchange is dead
		return err
	}
	keymat, err := dhKeymat(a, e, f)
	if err != nil {
		return err
	}
	return hc.seedStreams(keymat)
}

// DHAcceptSetup performs the server side of a DH negotiation.
func DHAcceptSetup(c io.ReadWriter, hc *Conn) (err error) {
	g, err := dhGroupFor(hc.kex)
	if err != nil {
		return err
	}
	a, err := kex.New(g, false)
	if err != nil {
		return err
	}
	e, err := hc.readSetupValue(c)
	if err != nil {
		return err
	}
	if err = a.SetPeerValue(e); err != nil {
		return err
	}
	f, err := a.LocalValue()
	if err != nil {
		return err
	}
	if err = hc.sendSetupValue(c, f); err != nil {
		return err
	}
	// transcript order is client value then server value on both sides
	keymat, err := dhKeymat(a, e, f)
	if err != nil {
		return err
	}
	return hc.seedStreams(keymat)
}

func (hc *Conn) kexSetup(c net.Conn, dial bool) error {
	type setupFn func(io.ReadWriter, *Conn) error
	var dialFn, acceptFn setupFn

	switch hc.kex {
	case KEX_HERRADURA256, KEX_HERRADURA512, KEX_HERRADURA1024, KEX_HERRADURA2048:
		dialFn, acceptFn = HKExDialSetup, HKExAcceptSetup
	case KEX_DH_GROUP14, KEX_ECDH_P256, KEX_X25519:
		dialFn, acceptFn = DHDialSetup, DHAcceptSetup
	case KEX_KYBER512, KEX_KYBER768, KEX_KYBER1024:
		dialFn, acceptFn = KyberDialSetup, KyberAcceptSetup
	case KEX_NEWHOPE:
		dialFn, acceptFn = NewHopeDialSetup, NewHopeAcceptSetup
	case KEX_NEWHOPE_SIMPLE:
		dialFn, acceptFn = NewHopeSimpleDialSetup, NewHopeSimpleAcceptSetup
	default:
		return fmt.Errorf("skiffnet: no setup for KEX alg %d", hc.kex)
	}

	log.Printf("[Setting up for %s]\n", hc.kex.String())
	if dial {
		return dialFn(c, hc)
	}
	return acceptFn(c, hc)
}

// Dial as net.Dial(), but with implicit key exchange to set up secure
// channel on connect
//
//   Can be called like net.Dial(), defaulting to C_AES_256/H_SHA256,
//   or additional extensions can be passed amongst the following:
//
//   "C_AES_256" | "C_TWOFISH_128" | ...
//
//   "H_SHA256" | "H_SHA512" | ...
//
// See go doc -u skiffnet.applyConnExtensions
func Dial(protocol string, ipport string, extensions ...string) (hc *Conn, err error) {
	if Log == nil {
		Init(false, "client", logger.LOG_DAEMON|logger.LOG_DEBUG)
	}

	var c net.Conn
	if protocol == "kcp" {
		c, err = kcpDial(ipport, extensions)
	} else {
		c, err = net.Dial(protocol, ipport)
	}
	if err != nil {
		return nil, err
	}

	hc, err = _new(getkexalgnum(extensions...), &c)
	if err != nil {
		return nil, err
	}

	// Client has full control over Conn extensions. It's the server's
	// responsibility to accept or reject the proposed parameters.
	hc.applyConnExtensions(extensions...)

	// Propose KEX alg, then do the variant's value exchange
	if _, err = fmt.Fprintf(c, "%02x\n", hc.kex); err != nil {
		return nil, err
	}
	if err = hc.kexSetup(c, true); err != nil {
		c.Close()
		return nil, err
	}
	return hc, nil
}

// Close a skiffnet.Conn, after which the conn and all its channels are
// dead. Channel opens begun after this point fail with
// ErrSessionClosed.
func (hc *Conn) Close() (err error) {
	hc.cm.Lock()
	if hc.closing {
		hc.cm.Unlock()
		return nil
	}
	hc.closing = true
	chans := make([]*Channel, 0, len(hc.chans))
	for _, ch := range hc.chans {
		chans = append(chans, ch)
	}
	hc.cm.Unlock()
	// open requests are queued under cm with a closing check, so no
	// sender can race this
	close(hc.ChanReqCh)
	for _, ch := range chans {
		ch.m.Lock()
		ch.toClosedLocked()
		ch.m.Unlock()
	}

	hc.DisableChaff()
	s := make([]byte, 4)
	binary.BigEndian.PutUint32(s, uint32(*hc.closeStat))
	hc.WritePacket(s, CSOExitStatus)
	err = (*hc.c).Close()
	logger.LogDebug(fmt.Sprintln("[Conn Closing]"))
	return
}

// LocalAddr returns the local network address.
func (hc *Conn) LocalAddr() net.Addr {
	return (*hc.c).LocalAddr()
}

// RemoteAddr returns the remote network address.
func (hc *Conn) RemoteAddr() net.Addr {
	return (*hc.c).RemoteAddr()
}

// SetDeadline sets the read and write deadlines associated
// with the connection.
//
// See go doc net.Conn.SetDeadline
func (hc *Conn) SetDeadline(t time.Time) error {
	return (*hc.c).SetDeadline(t)
}

// SetWriteDeadline sets the deadline for future Write calls.
//
// See go doc net.Conn.SetWriteDeadline
func (hc *Conn) SetWriteDeadline(t time.Time) error {
	return (*hc.c).SetWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls.
//
// See go doc net.Conn.SetReadDeadline
func (hc *Conn) SetReadDeadline(t time.Time) error {
	return (*hc.c).SetReadDeadline(t)
}

/*---------------------------------------------------------------------*/

// Listener conforming to net.Listener
//
// See go doc net.Listener
type Listener struct {
	l     net.Listener
	proto string
}

// Listen for a connection
//
// See go doc net.Listen
func Listen(proto string, ipport string, extensions ...string) (hl Listener, e error) {
	if Log == nil {
		Init(false, "server", logger.LOG_DAEMON|logger.LOG_DEBUG)
	}

	var lErr error
	var l net.Listener

	if proto == "kcp" {
		l, lErr = kcpListen(ipport, extensions)
	} else {
		l, lErr = net.Listen(proto, ipport)
	}
	if lErr != nil {
		return Listener{nil, proto}, lErr
	}
	logger.LogDebug(fmt.Sprintf("[Listening (proto '%s') on %s]\n", proto, ipport))
	hl.l = l
	hl.proto = proto
	return
}

// Close a Listener.
// Any blocked Accept operations will be unblocked and return errors.
//
// See go doc net.Listener.Close
func (hl Listener) Close() error {
	logger.LogDebug(fmt.Sprintln("[Listener Closed]"))
	return hl.l.Close()
}

// Addr returns the listener's network address.
//
// See go doc net.Listener.Addr
func (hl Listener) Addr() net.Addr {
	return hl.l.Addr()
}

// Accept a client connection, conforming to net.Listener.Accept()
//
// See go doc net.Listener.Accept
func (hl *Listener) Accept() (hc *Conn, err error) {
	var c net.Conn
	if hl.proto == "kcp" {
		c, err = hl.AcceptKCP()
	} else {
		c, err = hl.l.Accept()
	}
	if err != nil {
		return nil, err
	}
	logger.LogDebug(fmt.Sprintln("[Listener Accepted]"))

	// Read KEx alg proposed by client
	var kexAlg KEXAlg
	//! NB. Was using fmt.FScanln() here, but integers with a leading zero
	//  were being mis-scanned? (is it an octal thing? Investigate.)
	_, err = fmt.Fscanf(c, "%02x\n", &kexAlg)
	if err != nil {
		return nil, err
	}
	log.Printf("[Client proposed KEx alg: %v]\n", kexAlg)

	hc, err = _new(kexAlg, &c)
	if err != nil {
		return nil, err
	}

	if err = hc.kexSetup(c, false); err != nil {
		c.Close()
		return nil, err
	}
	log.Println("[hc.Accept successful]")
	return hc, nil
}

/*---------------------------------------------------------------------*/

// readConnErr normalizes raw-conn read failures: EOF and
// closed-connection conditions surface as io.EOF, everything else is
// logged with the failing field name.
func readConnErr(err error, field string) error {
	if err.Error() == "EOF" {
		return io.EOF
	}
	if strings.HasSuffix(err.Error(), "use of closed network connection") {
		logger.LogDebug(fmt.Sprintln("[Peer hung up]"))
		return io.EOF
	}
	etxt := fmt.Sprintf("** Failed read:%s (%s) **", field, err)
	logger.LogDebug(etxt)
	return errors.New(etxt)
}

// Read into a byte slice
//
// In addition to regular io.Reader behaviour this does demultiplexing of
// secured session comms and channel traffic and session control packet
// processing.
//
// See go doc io.Reader
func (hc *Conn) Read(b []byte) (n int, err error) {
	for {
		if hc.dBuf.Len() > 0 {
			break
		}

		var ctrlStatOp uint8
		var hmacIn [HMAC_CHK_SZ]uint8
		var payloadLen uint32

		// Read ctrl/status opcode (CSOHmacInvalid on hmac mismatch)
		err = binary.Read(*hc.c, binary.BigEndian, &ctrlStatOp)
		if err != nil {
			return 0, readConnErr(err, "ctrlStatOp")
		}
		if ctrlStatOp == CSOHmacInvalid {
			// Other side indicated channel tampering, close conn
			hc.Close()
			return 0, errors.New("** ALERT - remote end detected HMAC mismatch - possible channel tampering **")
		}

		// Read the hmac and payload len first
		err = binary.Read(*hc.c, binary.BigEndian, &hmacIn)
		if err != nil {
			return 0, readConnErr(err, "HMAC")
		}

		err = binary.Read(*hc.c, binary.BigEndian, &payloadLen)
		if err != nil {
			return 0, readConnErr(err, "payloadLen")
		}

		if payloadLen > MAX_PAYLOAD_LEN {
			logger.LogDebug(fmt.Sprintf("[Insane payloadLen:%v]\n", payloadLen))
			hc.Close()
			return 1, errors.New("Insane payloadLen")
		}

		var payloadBytes = make([]byte, payloadLen)
		n, err = io.ReadFull(*hc.c, payloadBytes)
		if err != nil {
			return 0, readConnErr(err, "payloadBytes")
		}

		if hc.logCipherText {
			log.Printf("  <:ctext:\r\n%s\r\n", hex.Dump(payloadBytes[:n]))
		}

		db := bytes.NewBuffer(payloadBytes[:n]) //copying payloadBytes to db
		// The StreamReader acts like a pipe, decrypting
		// whatever is available and forwarding the result
		// to the parameter of Read() as a normal io.Reader
		rs := &cipher.StreamReader{S: hc.r, R: db}
		// The caller isn't necessarily reading the full payload so we need
		// to decrypt to an intermediate buffer, draining it on demand of caller
		decryptN, err := rs.Read(payloadBytes)
		if hc.logPlainText {
			log.Printf("  <-ptext:\r\n%s\r\n", hex.Dump(payloadBytes[:n]))
		}
		if err != nil {
			log.Println("skiffnet.Read():", err)
		} else {
			hc.rm.Write(payloadBytes) // Calc hmac on received data
			// Padding: Read padSide, padLen, (padding | d) or (d | padding)
			padSide := payloadBytes[0]
			padLen := payloadBytes[1]

			payloadBytes = payloadBytes[2:]
			if padSide == 0 {
				payloadBytes = payloadBytes[padLen:]
			} else {
				payloadBytes = payloadBytes[0 : len(payloadBytes)-int(padLen)]
			}

			hc.dispatch(CSOType(ctrlStatOp), payloadBytes, decryptN)

			hTmp := hc.rm.Sum(nil)[0:HMAC_CHK_SZ]
			log.Printf("<%04x) HMAC:(i)%s (c)%02x\r\n", decryptN, hex.EncodeToString([]byte(hmacIn[0:])), hTmp)

			if *hc.closeStat == CSETruncCSO {
				logger.LogDebug(fmt.Sprintln("[cannot verify HMAC]"))
			} else {
				// Log alert if hmac didn't match, corrupted channel
				if !bytes.Equal(hTmp, []byte(hmacIn[0:])) {
					logger.LogDebug(fmt.Sprintln("** ALERT - detected HMAC mismatch, possible channel tampering **"))
					_, _ = (*hc.c).Write([]byte{CSOHmacInvalid})
				}
			}
		}
	}

	retN := hc.dBuf.Len()
	if retN > len(b) {
		retN = len(b)
	}

	copy(b, hc.dBuf.Next(retN))
	return retN, nil
}

// dispatch routes one decrypted packet by opcode: session control,
// channel mux, or plain data for Read() callers.
func (hc *Conn) dispatch(op CSOType, payload []byte, decryptN int) {
	switch op {
	case CSONone:
		hc.dBuf.Write(payload)
	case CSOChaff:
		// Throw away pkt (ie., caller to Read() won't see this data)
		log.Printf("[Chaff pkt, discarded (len %d)]\n", decryptN)
	case CSOExitStatus:
		if len(payload) > 0 {
			hc.SetStatus(CSOType(binary.BigEndian.Uint32(payload)))
		} else {
			logger.LogDebug(fmt.Sprintln("[truncated payload, cannot determine CSOExitStatus]"))
			hc.SetStatus(CSETruncCSO)
		}
		hc.Close()
	case CSOChanOpen:
		hc.inboundChanOpen(payload)
	case CSOChanOpenConf:
		br := bytes.NewReader(payload)
		var recipID, senderID uint32
		var w Window
		if e := readFields(br, &recipID); e != nil {
			logger.LogErr(fmt.Sprintf("[malformed CSOChanOpenConf: %s]", e))
			return
		}
		ch := hc.channelByID(recipID)
		if ch == nil {
			logger.LogErr(fmt.Sprintf("[CSOChanOpenConf for unknown chan %d]", recipID))
			return
		}
		if e := readFields(br, &senderID, &w.Size, &w.MaxPacketSize); e != nil {
			logger.LogErr(fmt.Sprintf("[malformed CSOChanOpenConf: %s]", e))
			ch.onOpenFailed(ChanOpenConnectFailed, "malformed open confirmation")
			return
		}
		if e := ch.onOpenConfirmed(senderID, w); e != nil {
			// out-of-state confirm is reported but not acted on
			logger.LogErr(fmt.Sprintf("[protocol violation: %s]", e))
		}
	case CSOChanOpenFail:
		br := bytes.NewReader(payload)
		var recipID, reason uint32
		if e := readFields(br, &recipID); e != nil {
			logger.LogErr(fmt.Sprintf("[malformed CSOChanOpenFail: %s]", e))
			return
		}
		ch := hc.channelByID(recipID)
		if ch == nil {
			logger.LogErr(fmt.Sprintf("[CSOChanOpenFail for unknown chan %d]", recipID))
			return
		}
		if e := readFields(br, &reason); e != nil {
			logger.LogErr(fmt.Sprintf("[malformed CSOChanOpenFail: %s]", e))
			ch.onOpenFailed(ChanOpenConnectFailed, "malformed open failure")
			return
		}
		desc, _ := getString(br)
		if e := ch.onOpenFailed(reason, desc); e != nil {
			logger.LogErr(fmt.Sprintf("[protocol violation: %s]", e))
		}
	case CSOChanAdjust:
		br := bytes.NewReader(payload)
		var recipID, delta uint32
		if e := readFields(br, &recipID); e != nil {
			logger.LogErr(fmt.Sprintf("[malformed CSOChanAdjust: %s]", e))
			return
		}
		ch := hc.channelByID(recipID)
		if ch == nil {
			return
		}
		if e := readFields(br, &delta); e != nil {
			logger.LogErr(fmt.Sprintf("[malformed CSOChanAdjust, closing chan %d: %s]",
				recipID, e))
			ch.Close()
			return
		}
		ch.onWindowAdjust(delta)
	case CSOChanData:
		if len(payload) < 4 {
			logger.LogErr(fmt.Sprintln("[truncated CSOChanData]"))
			return
		}
		recipID := binary.BigEndian.Uint32(payload[0:4])
		if ch := hc.channelByID(recipID); ch != nil {
			if e := ch.onData(payload[4:]); e != nil {
				// window overrun or data out of state; the offender
				// loses the channel
				logger.LogErr(fmt.Sprintf("[protocol violation, closing chan %d: %s]",
					recipID, e))
				ch.Close()
			}
		} else {
			logger.LogDebug(fmt.Sprintf("[data for closed chan %d dropped]", recipID))
		}
	case CSOChanClose:
		if len(payload) < 4 {
			return
		}
		if ch := hc.channelByID(binary.BigEndian.Uint32(payload[0:4])); ch != nil {
			ch.onClose()
		}
	case CSOChanCloseAck:
		if len(payload) < 4 {
			return
		}
		if ch := hc.channelByID(binary.BigEndian.Uint32(payload[0:4])); ch != nil {
			ch.onCloseAck()
		}
	default:
		logger.LogDebug(fmt.Sprintf("[Unknown CSOType:%d]", op))
	}
}

// inboundChanOpen parses a peer open request and queues it for the
// application to Accept()/Reject().
func (hc *Conn) inboundChanOpen(payload []byte) {
	br := bytes.NewReader(payload)
	chanType, err := getString(br)
	if err != nil {
		logger.LogErr(fmt.Sprintf("[malformed CSOChanOpen: %s]", err))
		return
	}
	var senderID uint32
	var w Window
	if err = readFields(br, &senderID, &w.Size, &w.MaxPacketSize); err != nil {
		logger.LogErr(fmt.Sprintf("[malformed CSOChanOpen: %s]", err))
		return
	}
	extra := make([]byte, br.Len())
	io.ReadFull(br, extra)

	req := &ChanRequest{hc: hc, Type: chanType, peerID: senderID,
		PeerWin: w, Extra: extra}
	hc.cm.Lock()
	if hc.closing {
		hc.cm.Unlock()
		req.Reject(ChanOpenAdministrativelyProhibited, "session closing")
		return
	}
	select {
	case hc.ChanReqCh <- req:
		hc.cm.Unlock()
	default:
		hc.cm.Unlock()
		// application is not draining open requests; refuse rather
		// than block the session delivery path
		logger.LogErr(fmt.Sprintf("[open request backlog full, refusing %s]", chanType))
		req.Reject(ChanOpenResourceShortage, "open request backlog full")
	}
}

// readFields binary.Reads a list of big-endian fields.
func readFields(r io.Reader, fields ...interface{}) error {
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// Write a byte slice
//
// See go doc io.Writer
func (hc *Conn) Write(b []byte) (n int, err error) {
	n, err = hc.WritePacket(b, CSONone)
	return n, err
}

// Write a byte slice with specified ctrlStatOp byte
func (hc *Conn) WritePacket(b []byte, ctrlStatOp byte) (n int, err error) {
	var hmacOut []uint8
	var payloadLen uint32

	if hc.m == nil || hc.wm == nil {
		return 0, errors.New("Secure chan not ready for writing")
	}

	//Padding prior to encryption
	padSz := (rand.Intn(PAD_SZ) / 2) + (PAD_SZ / 2)
	padLen := padSz - ((len(b) + padSz) % padSz)
	if padLen == padSz {
		// No padding required
		padLen = 0
	}
	padBytes := make([]byte, padLen)
	rand.Read(padBytes)
	// For a little more confusion let's support padding either before
	// or after the payload.
	padSide := rand.Intn(2)
	if padSide == 0 {
		b = append([]byte{byte(padSide)}, append([]byte{byte(padLen)}, append(padBytes, b...)...)...)
	} else {
		b = append([]byte{byte(padSide)}, append([]byte{byte(padLen)}, append(b, padBytes...)...)...)
	}

	// N.B. Lock() surrounds the hmac update, encryption and writes so
	// that concurrent senders (channel traffic, chaff, session data)
	// are serialized onto the wire.
	hc.Lock()
	payloadLen = uint32(len(b))
	if hc.logPlainText {
		log.Printf("  :>ptext:\r\n%s\r\n", hex.Dump(b[0:payloadLen]))
	}

	// Calculate hmac on payload
	hc.wm.Write(b[0:payloadLen])
	hmacOut = hc.wm.Sum(nil)[0:HMAC_CHK_SZ]

	var wb bytes.Buffer
	// The StreamWriter acts like a pipe, forwarding whatever is
	// written to it through the cipher, encrypting as it goes
	ws := &cipher.StreamWriter{S: hc.w, W: &wb}
	_, err = ws.Write(b[0:payloadLen])
	if err != nil {
		hc.Unlock()
		return 0, err
	}
	if hc.logCipherText {
		log.Printf("  ->ctext:\r\n%s\r\n", hex.Dump(wb.Bytes()))
	}

	err = binary.Write(*hc.c, binary.BigEndian, &ctrlStatOp)
	if err == nil {
		// Write hmac LSB, payloadLen followed by payload
		err = binary.Write(*hc.c, binary.BigEndian, hmacOut)
		if err == nil {
			err = binary.Write(*hc.c, binary.BigEndian, payloadLen)
			if err == nil {
				n, err = (*hc.c).Write(wb.Bytes())
			}
		}
	}
	hc.Unlock()

	if err != nil {
		log.Println(err)
	}

	// We must 'lie' to caller indicating the length of THEIR
	// data written (ie., not including the padding and padding headers)
	return n - 2 - int(padLen), err
}

func (hc *Conn) EnableChaff() {
	hc.chaff.shutdown = false
	hc.chaff.enabled = true
	log.Println("Chaffing ENABLED")
	hc.chaffHelper()
}

func (hc *Conn) DisableChaff() {
	hc.chaff.enabled = false
	log.Println("Chaffing DISABLED")
}

func (hc *Conn) ShutdownChaff() {
	hc.chaff.shutdown = true
	log.Println("Chaffing SHUTDOWN")
}

func (hc *Conn) SetupChaff(msecsMin uint, msecsMax uint, szMax uint) {
	hc.chaff.msecsMin = msecsMin //move these to params of chaffHelper() ?
	hc.chaff.msecsMax = msecsMax
	hc.chaff.szMax = szMax
}

// Helper routine to spawn a chaffing goroutine for each Conn
func (hc *Conn) chaffHelper() {
	go func() {
		for {
			var nextDuration int
			if hc.chaff.enabled {
				bufTmp := make([]byte, rand.Intn(int(hc.chaff.szMax)))
				min := int(hc.chaff.msecsMin)
				nextDuration = rand.Intn(int(hc.chaff.msecsMax)-min) + min
				_, _ = rand.Read(bufTmp)
				_, err := hc.WritePacket(bufTmp, CSOChaff)
				if err != nil {
					log.Println("[ *** error - chaffHelper quitting *** ]")
					hc.chaff.enabled = false
					break
				}
			}
			time.Sleep(time.Duration(nextDuration) * time.Millisecond)
			if hc.chaff.shutdown {
				log.Println("*** chaffHelper shutting down")
				break
			}
		}
	}()
}

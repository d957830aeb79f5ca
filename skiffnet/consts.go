// consts.go - consts for skiffnet

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package skiffnet

const (
	KEX_HERRADURA256 = iota // this MUST be first for default if omitted in ctor
	KEX_HERRADURA512
	KEX_HERRADURA1024
	KEX_HERRADURA2048
	KEX_DH_GROUP14
	KEX_ECDH_P256
	KEX_X25519
	KEX_resvd7
	KEX_KYBER512
	KEX_KYBER768
	KEX_KYBER1024
	KEX_resvd11
	KEX_NEWHOPE
	KEX_NEWHOPE_SIMPLE
	KEX_resvd14
	KEX_resvd15
)

// Sent from client to server in order to specify which
// KEX/KEM algo shall be used to derive session keys
type KEXAlg uint8

const (
	CSENone        = 32 + iota
	CSETruncCSO    // No CSOExitStatus in payload
	CSEStillOpen   // Conn closed unexpectedly
	CSEKexRejected // Server refused proposed KEX/conn parameters
)

// Extended (>255 UNIX exit status) codes
// These indicate session-related or internal errors
type CSExtendedCode uint32

const (
	CSONone        = iota // No error, normal packet
	CSOHmacInvalid        // HMAC mismatch detected on remote end
	CSOExitStatus         // Remote session exit status
	CSOChaff              // Dummy packet, do not pass beyond decryption

	// Channel multiplexing ops
	CSOChanOpen     // open request (type, sender id, window, maxpkt, extra)
	CSOChanOpenConf // open confirmed (recipient id, sender id, window, maxpkt)
	CSOChanOpenFail // open failed (recipient id, reason, description)
	CSOChanAdjust   // window adjust (recipient id, delta)
	CSOChanData     // channel data (recipient id, payload)
	CSOChanClose    // close request (recipient id)
	CSOChanCloseAck // close acknowledgement (recipient id)
)

// Conn status/op type
type CSOType uint32

//TODO: this should be small (max unfragmented packet size?)
const MAX_PAYLOAD_LEN = 4*1024*1024*1024 - 1

const (
	CAlgAES256 = iota
	CAlgTwofish128 // golang.org/x/crypto/twofish
	CAlgBlowfish64 // golang.org/x/crypto/blowfish
	CAlgCryptMT1   // blitter.com/go/cryptmt
	CAlgWanderer   // blitter.com/go/wanderer
	CAlgChaCha20_12
	CAlgNoneDisallowed
)

// Available ciphers for skiffnet.Conn
type CSCipherAlg uint32

const (
	HmacSHA256 = iota
	HmacSHA512
	HmacNoneDisallowed
)

// Available HMACs for skiffnet.Conn
type CSHmacAlg uint32

// Channel-open failure reason codes, per the usual connection-protocol
// assignments
const (
	ChanOpenAdministrativelyProhibited = 1 + iota
	ChanOpenConnectFailed
	ChanOpenUnknownChannelType
	ChanOpenResourceShortage
)

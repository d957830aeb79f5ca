package skiffnet

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"net"

	kcp "github.com/xtaci/kcp-go"
	"golang.org/x/crypto/pbkdf2"

	"github.com/xinghhhhhhh/skiff/logger"
)

const (
	KCP_NONE = iota
	KCP_AES
	KCP_BLOWFISH
	KCP_CAST5
	KCP_SM4
	KCP_SALSA20
	KCP_SIMPLEXOR
	KCP_TEA
	KCP_3DES
	KCP_TWOFISH
	KCP_XTEA
)

// for github.com/xtaci/kcp-go BlockCrypt alg selection
type KCPAlg uint8

var (
	kcpKeyBytes  []byte = []byte("SET THIS") // symmetric crypto key for KCP (github.com/xtaci/kcp-go) if used
	kcpSaltBytes []byte = []byte("ALSO SET THIS")
)

func getKCPalgnum(extensions []string) (k KCPAlg) {
	k = KCP_AES // default
	var s string
	for _, s = range extensions {
		switch s {
		case "KCP_NONE":
			k = KCP_NONE
		case "KCP_AES":
			k = KCP_AES
		case "KCP_BLOWFISH":
			k = KCP_BLOWFISH
		case "KCP_CAST5":
			k = KCP_CAST5
		case "KCP_SM4":
			k = KCP_SM4
		case "KCP_SALSA20":
			k = KCP_SALSA20
		case "KCP_SIMPLEXOR":
			k = KCP_SIMPLEXOR
		case "KCP_TEA":
			k = KCP_TEA
		case "KCP_3DES":
			k = KCP_3DES
		case "KCP_TWOFISH":
			k = KCP_TWOFISH
		case "KCP_XTEA":
			k = KCP_XTEA
		}
	}
	logger.LogDebug(fmt.Sprintf("[KCP BlockCrypt '%s' activated]", s))
	return
}

// SetKCPKeyAndSalt must be called before Dial()/Listen() when using
// proto "kcp"; the pre-shared key secures only the outer KCP framing,
// the usual KEX still secures the session inside it.
func SetKCPKeyAndSalt(key []byte, salt []byte) {
	kcpKeyBytes = key
	kcpSaltBytes = salt
}

func _newKCPBlockCrypt(key []byte, extensions []string) (b kcp.BlockCrypt, e error) {
	switch getKCPalgnum(extensions) {
	case KCP_NONE:
		return kcp.NewNoneBlockCrypt(key)
	case KCP_AES:
		return kcp.NewAESBlockCrypt(key)
	case KCP_BLOWFISH:
		return kcp.NewBlowfishBlockCrypt(key)
	case KCP_CAST5:
		return kcp.NewCast5BlockCrypt(key)
	case KCP_SM4:
		return kcp.NewSM4BlockCrypt(key)
	case KCP_SALSA20:
		return kcp.NewSalsa20BlockCrypt(key)
	case KCP_SIMPLEXOR:
		return kcp.NewSimpleXORBlockCrypt(key)
	case KCP_TEA:
		return kcp.NewTEABlockCrypt(key)
	case KCP_3DES:
		return kcp.NewTripleDESBlockCrypt(key)
	case KCP_TWOFISH:
		return kcp.NewTwofishBlockCrypt(key)
	case KCP_XTEA:
		return kcp.NewXTEABlockCrypt(key)
	}
	return nil, errors.New("Invalid KCP BlockCrypto specified")
}

func kcpDial(ipport string, extensions []string) (c net.Conn, err error) {
	kcpKey := pbkdf2.Key(kcpKeyBytes, kcpSaltBytes, 1024, 32, sha1.New)
	block, be := _newKCPBlockCrypt([]byte(kcpKey), extensions)
	if be != nil {
		return nil, be
	}
	return kcp.DialWithOptions(ipport, block, 10, 3)
}

func kcpListen(ipport string, extensions []string) (l net.Listener, err error) {
	kcpKey := pbkdf2.Key(kcpKeyBytes, kcpSaltBytes, 1024, 32, sha1.New)
	block, be := _newKCPBlockCrypt([]byte(kcpKey), extensions)
	if be != nil {
		return nil, be
	}
	return kcp.ListenWithOptions(ipport, block, 10, 3)
}

func (hl *Listener) AcceptKCP() (c net.Conn, e error) {
	return hl.l.(*kcp.Listener).AcceptKCP()
}

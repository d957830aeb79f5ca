// provider.go - primitive providers backing key agreement

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

package kex

import (
	"crypto/elliptic"
	"crypto/rand"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// KeyPair holds one negotiation's ephemeral key material. Pub is in
// provider-internal form; EncodePublic renders it for the wire.
type KeyPair struct {
	Priv []byte
	Pub  []byte
}

// Provider supplies the arithmetic primitives for a group family.
// Implementations must reject structurally invalid peer values from
// DecodePublic with ErrInvalidPeerValue rather than surfacing an
// unrelated arithmetic fault later.
type Provider interface {
	// GenerateKeyPair creates a fresh ephemeral pair for one negotiation.
	GenerateKeyPair(g *GroupParams) (*KeyPair, error)
	// SharedSecret computes the raw shared value (fixed-width,
	// big-endian, possibly zero-padded) from our private key and a
	// decoded peer value.
	SharedSecret(g *GroupParams, priv, peer []byte) ([]byte, error)
	// EncodePublic renders a public value in its wire form.
	EncodePublic(g *GroupParams, pub []byte) []byte
	// DecodePublic parses and validates a wire-form public value.
	DecodePublic(g *GroupParams, wire []byte) ([]byte, error)
}

// providerFor selects the builtin provider for a group. Callers needing
// an alternate primitive source use NewWithProvider instead.
func providerFor(g *GroupParams) (Provider, error) {
	switch g.Kind {
	case GroupFiniteField:
		return modpProvider{}, nil
	case GroupEllipticCurve:
		if g.Curve == nil {
			// curve25519 is the only nil-Curve EC group we mint
			return x25519Provider{}, nil
		}
		return nistProvider{}, nil
	}
	return nil, ErrUnknownCurve
}

/*---------------------------------------------------------------------*/

// modpProvider does classic finite-field DH over math/big.
type modpProvider struct{}

func (modpProvider) GenerateKeyPair(g *GroupParams) (*KeyPair, error) {
	if g.P == nil || g.G == nil {
		return nil, ErrUnknownCurve
	}
	// x in [2, p-2); a few wasted bits of range do not matter here
	max := new(big.Int).Sub(g.P, big.NewInt(3))
	x, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, &CryptoError{Op: "modp generate", Err: err}
	}
	x.Add(x, big.NewInt(2))
	e := new(big.Int).Exp(g.G, x, g.P)
	return &KeyPair{Priv: x.Bytes(), Pub: padTo(e.Bytes(), (g.P.BitLen()+7)/8)}, nil
}

func (modpProvider) SharedSecret(g *GroupParams, priv, peer []byte) ([]byte, error) {
	x := new(big.Int).SetBytes(priv)
	f := new(big.Int).SetBytes(peer)
	k := new(big.Int).Exp(f, x, g.P)
	return padTo(k.Bytes(), (g.P.BitLen()+7)/8), nil
}

func (modpProvider) EncodePublic(g *GroupParams, pub []byte) []byte {
	return pub
}

func (modpProvider) DecodePublic(g *GroupParams, wire []byte) ([]byte, error) {
	f := new(big.Int).SetBytes(wire)
	// RFC 4419-style interval check: 1 < f < p-1
	pm1 := new(big.Int).Sub(g.P, big.NewInt(1))
	if f.Cmp(big.NewInt(1)) <= 0 || f.Cmp(pm1) >= 0 {
		return nil, ErrInvalidPeerValue
	}
	return padTo(f.Bytes(), (g.P.BitLen()+7)/8), nil
}

/*---------------------------------------------------------------------*/

// nistProvider does ECDH over the stdlib NIST curves. Public values
// cross the wire as RFC 5656 octet strings (uncompressed points).
type nistProvider struct{}

func (nistProvider) GenerateKeyPair(g *GroupParams) (*KeyPair, error) {
	d, x, y, err := elliptic.GenerateKey(g.Curve, rand.Reader)
	if err != nil {
		return nil, &CryptoError{Op: "ec generate", Err: err}
	}
	return &KeyPair{Priv: d, Pub: elliptic.Marshal(g.Curve, x, y)}, nil
}

func (nistProvider) SharedSecret(g *GroupParams, priv, peer []byte) ([]byte, error) {
	x, y := elliptic.Unmarshal(g.Curve, peer)
	if x == nil {
		return nil, ErrInvalidPeerValue
	}
	sx, _ := g.Curve.ScalarMult(x, y, priv)
	// K is the X coordinate, fixed-width per the field size
	return padTo(sx.Bytes(), (g.Curve.Params().BitSize+7)/8), nil
}

func (nistProvider) EncodePublic(g *GroupParams, pub []byte) []byte {
	return pub
}

func (nistProvider) DecodePublic(g *GroupParams, wire []byte) ([]byte, error) {
	// Unmarshal rejects malformed encodings and off-curve points
	x, y := elliptic.Unmarshal(g.Curve, wire)
	if x == nil || !g.Curve.IsOnCurve(x, y) {
		return nil, ErrInvalidPeerValue
	}
	return wire, nil
}

/*---------------------------------------------------------------------*/

// x25519Provider does curve25519 DH (RFC 7748 clamping, 32-byte
// little-endian values as x/crypto/curve25519 expects).
type x25519Provider struct{}

func (x25519Provider) GenerateKeyPair(g *GroupParams) (*KeyPair, error) {
	var priv, pub [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, &CryptoError{Op: "x25519 generate", Err: err}
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	curve25519.ScalarBaseMult(&pub, &priv)
	return &KeyPair{Priv: priv[:], Pub: pub[:]}, nil
}

func (x25519Provider) SharedSecret(g *GroupParams, priv, peer []byte) ([]byte, error) {
	var x, p, out [32]byte
	copy(x[:], priv)
	copy(p[:], peer)
	curve25519.ScalarMult(&out, &x, &p)
	// all-zero output means the peer sent a low-order point
	var zero [32]byte
	if out == zero {
		return nil, ErrInvalidPeerValue
	}
	return out[:], nil
}

func (x25519Provider) EncodePublic(g *GroupParams, pub []byte) []byte {
	return pub
}

func (x25519Provider) DecodePublic(g *GroupParams, wire []byte) ([]byte, error) {
	if len(wire) != 32 {
		return nil, ErrInvalidPeerValue
	}
	return wire, nil
}

/*---------------------------------------------------------------------*/

// padTo left-pads b with zero bytes to exactly n bytes.
func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	p := make([]byte, n)
	copy(p[n-len(b):], b)
	return p
}

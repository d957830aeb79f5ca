// groups.go - DH group and curve identification for the kex package

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

package kex

import (
	"crypto/elliptic"
	"math/big"
)

// GroupKind discriminates the two negotiation variants carried by
// GroupParams. Everything else about a negotiation (message sequencing,
// secret normalization) is variant-agnostic.
type GroupKind uint8

const (
	GroupFiniteField GroupKind = iota
	GroupEllipticCurve
)

// GroupParams identifies the finite field or elliptic curve a
// negotiation runs over. A value constructed via FromGroupName carries
// its canonical Name; one constructed from raw parameters may have
// Name == "" until identified lazily against the known-group table.
type GroupParams struct {
	Kind GroupKind
	Name string

	// Finite-field parameters (Kind == GroupFiniteField)
	P *big.Int // modulus
	G *big.Int // generator

	// Elliptic-curve parameters (Kind == GroupEllipticCurve).
	// Curve is nil for curve25519, which stdlib crypto/elliptic
	// does not model; the x25519 provider special-cases it by Name.
	Curve elliptic.Curve

	// Bits is the group/field size, used for hash selection.
	Bits int
}

// RFC 2409 Second Oakley Group (modp group1) and RFC 3526 group14
// primes, hex per the RFCs, generator 2.
const (
	oakleyGroup1P = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A63A3620FFFFFFFFFFFFFFFF"
	oakleyGroup14P = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF"
)

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("kex: bad builtin group constant")
	}
	return n
}

// ModpGroup1 returns the diffie-hellman-group1-sha1 finite field.
func ModpGroup1() *GroupParams {
	return &GroupParams{
		Kind: GroupFiniteField,
		Name: "diffie-hellman-group1-sha1",
		P:    mustParseHex(oakleyGroup1P),
		G:    big.NewInt(2),
		Bits: 1024,
	}
}

// ModpGroup14 returns the diffie-hellman-group14-sha256 finite field.
func ModpGroup14() *GroupParams {
	return &GroupParams{
		Kind: GroupFiniteField,
		Name: "diffie-hellman-group14-sha256",
		P:    mustParseHex(oakleyGroup14P),
		G:    big.NewInt(2),
		Bits: 2048,
	}
}

// NistP256 returns the ecdh-sha2-nistp256 curve (RFC 5656).
func NistP256() *GroupParams {
	return &GroupParams{Kind: GroupEllipticCurve,
		Name: "ecdh-sha2-nistp256", Curve: elliptic.P256(), Bits: 256}
}

// NistP384 returns the ecdh-sha2-nistp384 curve (RFC 5656).
func NistP384() *GroupParams {
	return &GroupParams{Kind: GroupEllipticCurve,
		Name: "ecdh-sha2-nistp384", Curve: elliptic.P384(), Bits: 384}
}

// NistP521 returns the ecdh-sha2-nistp521 curve (RFC 5656).
func NistP521() *GroupParams {
	return &GroupParams{Kind: GroupEllipticCurve,
		Name: "ecdh-sha2-nistp521", Curve: elliptic.P521(), Bits: 521}
}

// X25519 returns the curve25519-sha256 group (RFC 8731).
func X25519() *GroupParams {
	return &GroupParams{Kind: GroupEllipticCurve,
		Name: "curve25519-sha256", Curve: nil, Bits: 255}
}

// knownGroups is consulted for name lookup and for lazy identification
// of raw parameters (needed only when hash selection requires the group
// size, never for secret computation itself).
func knownGroups() []*GroupParams {
	return []*GroupParams{
		ModpGroup1(), ModpGroup14(),
		NistP256(), NistP384(), NistP521(),
		X25519(),
	}
}

// FromGroupName resolves a canonical group/curve name. Returns
// ErrUnknownCurve for names not in the known-group table.
func FromGroupName(name string) (*GroupParams, error) {
	for _, g := range knownGroups() {
		if g.Name == name {
			return g, nil
		}
	}
	return nil, ErrUnknownCurve
}

// identify matches raw parameters against the known-group table,
// returning the canonical entry. Matching is by modulus/generator for
// finite fields and by curve identity for elliptic curves.
func identify(gp *GroupParams) (*GroupParams, error) {
	if gp.Name != "" {
		return FromGroupName(gp.Name)
	}
	for _, k := range knownGroups() {
		if k.Kind != gp.Kind {
			continue
		}
		switch gp.Kind {
		case GroupFiniteField:
			if gp.P != nil && gp.G != nil &&
				k.P.Cmp(gp.P) == 0 && k.G.Cmp(gp.G) == 0 {
				return k, nil
			}
		case GroupEllipticCurve:
			if gp.Curve != nil && k.Curve != nil &&
				k.Curve.Params().P.Cmp(gp.Curve.Params().P) == 0 &&
				k.Curve.Params().N.Cmp(gp.Curve.Params().N) == 0 {
				return k, nil
			}
		}
	}
	return nil, ErrUnknownCurve
}

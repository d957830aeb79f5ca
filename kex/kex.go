// kex.go - generic Diffie-Hellman negotiation core

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

// Package kex runs one Diffie-Hellman negotiation, finite-field or
// elliptic-curve, behind a single contract. The surrounding protocol
// (alg name negotiation, message numbering) stays variant-agnostic;
// only wire encoding of public values and curve identification differ
// by variant, and both live behind the Provider capability.
package kex

import (
	"crypto"
	"errors"
	"fmt"

	// hash algs used by Hash() must be linked in
	_ "crypto/sha256"
	_ "crypto/sha512"
)

var (
	// ErrUnknownCurve - curve/group name or raw parameters not in the
	// known-group table. Fatal to the exchange.
	ErrUnknownCurve = errors.New("kex: unknown curve or group parameters")
	// ErrInvalidPeerValue - peer sent a byte string that does not decode
	// to a valid point/integer for the negotiated group. Fatal, and the
	// session must be closed (possibly adversarial).
	ErrInvalidPeerValue = errors.New("kex: invalid peer public value")
	// ErrMissingPeerValue - Secret() called before SetPeerValue().
	ErrMissingPeerValue = errors.New("kex: peer public value not set")
)

// CryptoError surfaces a primitive-provider failure. Fatal to the
// negotiation.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("kex: %s: %v", e.Op, e.Err)
}

// Agreement is the state of one negotiation. An Agreement is not
// reused: a re-key runs a fresh one.
type Agreement struct {
	group    *GroupParams
	resolved *GroupParams // lazily identified canonical entry
	prov     Provider
	raw      bool

	kp     *KeyPair // ephemeral, discarded with the Agreement
	peer   []byte   // decoded peer public value; nil until set
	secret []byte   // derived at most once
}

// New begins an exchange over g using the builtin provider for its
// group family. raw disables secret normalization (the leading-zero
// strip) for callers that need the fixed-width value.
func New(g *GroupParams, raw bool) (*Agreement, error) {
	p, err := providerFor(g)
	if err != nil {
		return nil, err
	}
	return NewWithProvider(g, raw, p), nil
}

// NewWithProvider begins an exchange with an injected primitive
// provider.
func NewWithProvider(g *GroupParams, raw bool, p Provider) *Agreement {
	return &Agreement{group: g, raw: raw, prov: p}
}

// LocalValue generates the ephemeral keypair (once) and returns the
// wire-encodable public value.
func (a *Agreement) LocalValue() ([]byte, error) {
	if a.kp == nil {
		kp, err := a.prov.GenerateKeyPair(a.group)
		if err != nil {
			return nil, err
		}
		a.kp = kp
	}
	return a.prov.EncodePublic(a.group, a.kp.Pub), nil
}

// SetPeerValue decodes and validates the peer's public value.
func (a *Agreement) SetPeerValue(b []byte) error {
	f, err := a.prov.DecodePublic(a.group, b)
	if err != nil {
		return err
	}
	a.peer = f
	return nil
}

// Secret derives the shared secret. Fails with ErrMissingPeerValue
// before SetPeerValue. Unless raw mode was requested, leading zero
// bytes (present only to mark positive sign in the fixed-width value)
// are stripped, yielding the canonical unsigned big-endian encoding.
// Computed at most once; later calls return the same bytes.
func (a *Agreement) Secret() ([]byte, error) {
	if a.secret != nil {
		return a.secret, nil
	}
	if a.peer == nil {
		return nil, ErrMissingPeerValue
	}
	if a.kp == nil {
		if _, err := a.LocalValue(); err != nil {
			return nil, err
		}
	}
	k, err := a.prov.SharedSecret(a.group, a.kp.Priv, a.peer)
	if err != nil {
		return nil, err
	}
	if !a.raw {
		k = stripLeadingZeroes(k)
	}
	a.secret = k
	return a.secret, nil
}

// Hash picks the digest mandated for this group's size: SHA-256 up to
// 256 bits, SHA-384 up to 384, SHA-512 above. This is the one place
// that forces lazy identification of raw group parameters, so an
// Agreement over unrecognized params can still derive a secret but
// fails here with ErrUnknownCurve.
func (a *Agreement) Hash() (crypto.Hash, error) {
	g, err := a.identity()
	if err != nil {
		return 0, err
	}
	switch {
	case g.Bits <= 256:
		return crypto.SHA256, nil
	case g.Bits <= 384:
		return crypto.SHA384, nil
	default:
		return crypto.SHA512, nil
	}
}

// GroupName returns the canonical negotiated name, identifying raw
// parameters on first use.
func (a *Agreement) GroupName() (string, error) {
	g, err := a.identity()
	if err != nil {
		return "", err
	}
	return g.Name, nil
}

func (a *Agreement) identity() (*GroupParams, error) {
	if a.resolved == nil {
		g, err := identify(a.group)
		if err != nil {
			return nil, err
		}
		a.resolved = g
	}
	return a.resolved, nil
}

// stripLeadingZeroes drops sign-marking zero bytes, keeping at least
// one byte.
func stripLeadingZeroes(b []byte) []byte {
	i := 0
	for ; i < len(b)-1; i++ {
		if b[i] != 0 {
			break
		}
	}
	return b[i:]
}

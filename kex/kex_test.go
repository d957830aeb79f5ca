package kex

import (
	"bytes"
	"crypto"
	"math/big"
	"testing"
)

func roundTrip(t *testing.T, g1, g2 *GroupParams) ([]byte, []byte) {
	a, err := New(g1, false)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(g2, false)
	if err != nil {
		t.Fatal(err)
	}

	ea, err := a.LocalValue()
	if err != nil {
		t.Fatal(err)
	}
	eb, err := b.LocalValue()
	if err != nil {
		t.Fatal(err)
	}

	if err = a.SetPeerValue(eb); err != nil {
		t.Fatal(err)
	}
	if err = b.SetPeerValue(ea); err != nil {
		t.Fatal(err)
	}

	ka, err := a.Secret()
	if err != nil {
		t.Fatal(err)
	}
	kb, err := b.Secret()
	if err != nil {
		t.Fatal(err)
	}
	return ka, kb
}

func TestRoundTripSecretsAgree(t *testing.T) {
	groups := []func() *GroupParams{
		ModpGroup1, ModpGroup14, NistP256, NistP384, NistP521, X25519,
	}
	for _, mk := range groups {
		g := mk()
		ka, kb := roundTrip(t, mk(), mk())
		if !bytes.Equal(ka, kb) {
			t.Fatalf("%s: secrets differ", g.Name)
		}
		if len(ka) == 0 {
			t.Fatalf("%s: empty secret", g.Name)
		}
	}
}

func TestSecretBeforePeerValue(t *testing.T) {
	a, err := New(NistP256(), false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = a.LocalValue(); err != nil {
		t.Fatal(err)
	}
	if _, err = a.Secret(); err != ErrMissingPeerValue {
		t.Fatalf("expected ErrMissingPeerValue, got %v", err)
	}
}

func TestInvalidPeerValueRejected(t *testing.T) {
	// off-curve point for p256
	a, _ := New(NistP256(), false)
	bogus := make([]byte, 65)
	bogus[0] = 0x04
	for i := 1; i < len(bogus); i++ {
		bogus[i] = 0x5a
	}
	if err := a.SetPeerValue(bogus); err != ErrInvalidPeerValue {
		t.Fatalf("off-curve point accepted: %v", err)
	}

	// out-of-interval integer for modp
	m, _ := New(ModpGroup1(), false)
	if err := m.SetPeerValue([]byte{1}); err != ErrInvalidPeerValue {
		t.Fatalf("f==1 accepted: %v", err)
	}
	if err := m.SetPeerValue(ModpGroup1().P.Bytes()); err != ErrInvalidPeerValue {
		t.Fatalf("f>=p-1 accepted: %v", err)
	}

	// short x25519 value
	x, _ := New(X25519(), false)
	if err := x.SetPeerValue([]byte{1, 2, 3}); err != ErrInvalidPeerValue {
		t.Fatalf("short x25519 value accepted: %v", err)
	}
}

func TestUnknownGroupName(t *testing.T) {
	if _, err := FromGroupName("ecdh-sha2-nistp666"); err != ErrUnknownCurve {
		t.Fatalf("expected ErrUnknownCurve, got %v", err)
	}
}

func TestLazyIdentification(t *testing.T) {
	// raw params matching group14: secret computation works and the
	// identity resolves on first Hash()/GroupName() use
	raw := &GroupParams{Kind: GroupFiniteField,
		P: ModpGroup14().P, G: ModpGroup14().G, Bits: 2048}
	ka, kb := roundTrip(t, raw, ModpGroup14())
	if !bytes.Equal(ka, kb) {
		t.Fatal("raw-param agreement disagrees with named agreement")
	}

	a, _ := New(raw, false)
	name, err := a.GroupName()
	if err != nil {
		t.Fatal(err)
	}
	if name != "diffie-hellman-group14-sha256" {
		t.Fatalf("identified as %q", name)
	}

	// unrecognized raw params: secret still derivable, hash selection
	// fails with ErrUnknownCurve
	odd := &GroupParams{Kind: GroupFiniteField,
		P: big.NewInt(227), G: big.NewInt(2), Bits: 8}
	x, y := roundTrip(t, odd, odd)
	if !bytes.Equal(x, y) {
		t.Fatal("tiny-group secrets differ")
	}
	b, _ := New(odd, false)
	if _, err := b.Hash(); err != ErrUnknownCurve {
		t.Fatalf("expected ErrUnknownCurve from Hash, got %v", err)
	}
}

func TestHashSelection(t *testing.T) {
	cases := []struct {
		mk   func() *GroupParams
		want crypto.Hash
	}{
		{NistP256, crypto.SHA256},
		{X25519, crypto.SHA256},
		{NistP384, crypto.SHA384},
		{NistP521, crypto.SHA512},
		{ModpGroup14, crypto.SHA512},
	}
	for _, c := range cases {
		a, _ := New(c.mk(), false)
		h, err := a.Hash()
		if err != nil {
			t.Fatal(err)
		}
		if h != c.want {
			t.Fatalf("%s: hash %v, want %v", c.mk().Name, h, c.want)
		}
	}
}

// fixedProvider returns canned values so normalization can be checked
// byte-for-byte.
type fixedProvider struct {
	secret []byte
}

func (p fixedProvider) GenerateKeyPair(g *GroupParams) (*KeyPair, error) {
	return &KeyPair{Priv: []byte{1}, Pub: []byte{2}}, nil
}
func (p fixedProvider) SharedSecret(g *GroupParams, priv, peer []byte) ([]byte, error) {
	return append([]byte(nil), p.secret...), nil
}
func (p fixedProvider) EncodePublic(g *GroupParams, pub []byte) []byte { return pub }
func (p fixedProvider) DecodePublic(g *GroupParams, wire []byte) ([]byte, error) {
	return wire, nil
}

func TestSecretNormalization(t *testing.T) {
	padded := []byte{0, 0, 0x7f, 0x01}

	a := NewWithProvider(NistP256(), false, fixedProvider{secret: padded})
	_ = a.SetPeerValue([]byte{9})
	k, err := a.Secret()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k, []byte{0x7f, 0x01}) {
		t.Fatalf("normalized secret %x", k)
	}

	r := NewWithProvider(NistP256(), true, fixedProvider{secret: padded})
	_ = r.SetPeerValue([]byte{9})
	k, err = r.Secret()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k, padded) {
		t.Fatalf("raw secret %x", k)
	}
}

func TestSecretComputedOnce(t *testing.T) {
	a, _ := New(X25519(), false)
	b, _ := New(X25519(), false)
	ea, _ := a.LocalValue()
	eb, _ := b.LocalValue()
	_ = a.SetPeerValue(eb)
	_ = b.SetPeerValue(ea)
	k1, err := a.Secret()
	if err != nil {
		t.Fatal(err)
	}
	k2, err := a.Secret()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("repeated Secret() returned different bytes")
	}
}

func TestValueWireRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	v := []byte{0, 1, 2, 0xfe, 0xff}
	if err := PutValue(&buf, v); err != nil {
		t.Fatal(err)
	}
	got, err := GetValue(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, v) {
		t.Fatalf("round-tripped value %x", got)
	}
}

func TestExchangeHashStable(t *testing.T) {
	h1 := ExchangeHash(crypto.SHA256, []byte{0x80, 1}, []byte("a"), []byte("b"))
	h2 := ExchangeHash(crypto.SHA256, []byte{0x80, 1}, []byte("a"), []byte("b"))
	if !bytes.Equal(h1, h2) {
		t.Fatal("exchange hash not deterministic")
	}
	h3 := ExchangeHash(crypto.SHA256, []byte{0x80, 1}, []byte("ab"), []byte(""))
	if bytes.Equal(h1, h3) {
		t.Fatal("length prefixing failed to separate transcript parts")
	}
}

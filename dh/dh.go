// Package dh implements the finite-field Diffie-Hellman key agreement
// used to establish a shared symmetric key for an htcp connection.
//
// The exchange uses the 2048-bit MODP group from RFC 3526 (group 14)
// with generator 2. Each side generates an ephemeral private exponent,
// exchanges public values, and derives a fixed-length symmetric key
// from the shared secret with HKDF-SHA-256. The private exponent is
// discarded as soon as the key is derived.
package dh

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of a derived symmetric key.
const KeySize = 32

// modp2048 is the prime of the 2048-bit MODP group (RFC 3526, group 14).
const modp2048 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
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

// exponentBytes is the size of a generated private exponent.
// 256 bits of ephemeral key is ample for a 2048-bit group.
const exponentBytes = 32

// Params are the prime and generator of a Diffie-Hellman group.
type Params struct {
	P *big.Int // group prime
	G *big.Int // generator
}

var group14 = Params{
	P: mustParseHex(modp2048),
	G: big.NewInt(2),
}

// Group14 returns the parameters of the 2048-bit MODP group from
// RFC 3526. The returned values are shared and must not be modified.
func Group14() Params { return group14 }

func mustParseHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("invalid group prime")
	}
	return v
}

// Valid reports whether p describes a usable group. It checks basic
// shape only (sizes and ranges), not primality.
func (p Params) Valid() bool {
	if p.P == nil || p.G == nil {
		return false
	}
	if p.P.BitLen() < 2048 {
		return false // refuse trivially weak groups
	}
	two := big.NewInt(2)
	pm2 := new(big.Int).Sub(p.P, two)
	return p.G.Cmp(two) >= 0 && p.G.Cmp(pm2) <= 0
}

// A KeyExchange holds one side's ephemeral state for a single
// key agreement. It is not safe for concurrent use, and is spent
// after a successful call to SharedKey.
type KeyExchange struct {
	params Params
	secret *big.Int // private exponent; zeroed by SharedKey
	public *big.Int
}

// New creates a key exchange with a fresh private exponent for the
// given group parameters.
func New(params Params) (*KeyExchange, error) {
	if !params.Valid() {
		return nil, errors.New("dh: invalid group parameters")
	}
	buf := make([]byte, exponentBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("dh: generating exponent: %w", err)
	}
	secret := new(big.Int).SetBytes(buf)
	secret.Add(secret, big.NewInt(2)) // keep x >= 2
	return &KeyExchange{
		params: params,
		secret: secret,
		public: new(big.Int).Exp(params.G, secret, params.P),
	}, nil
}

// Params returns the group parameters of k.
func (k *KeyExchange) Params() Params { return k.params }

// PublicValue returns this side's public value g^x mod p as a
// big-endian byte string.
func (k *KeyExchange) PublicValue() []byte { return k.public.Bytes() }

// SharedKey computes the shared secret from the peer's public value
// and derives a KeySize-byte symmetric key from it. The private
// exponent is destroyed before SharedKey returns, so it can be called
// at most once.
func (k *KeyExchange) SharedKey(peerPublic []byte) ([]byte, error) {
	if k.secret == nil {
		return nil, errors.New("dh: key exchange already spent")
	}
	peer := new(big.Int).SetBytes(peerPublic)
	if err := checkPublic(k.params, peer); err != nil {
		return nil, err
	}

	shared := new(big.Int).Exp(peer, k.secret, k.params.P)
	k.secret.SetInt64(0)
	k.secret = nil

	// Fixed-width encoding of the shared secret, so both sides feed
	// identical input to the KDF regardless of leading zero bytes.
	buf := make([]byte, (k.params.P.BitLen()+7)/8)
	shared.FillBytes(buf)
	return deriveKey(buf)
}

// checkPublic verifies that a peer's public value is in the safe
// range 2 <= y <= p-2, rejecting the degenerate values an active
// attacker could use to force a predictable secret.
func checkPublic(params Params, y *big.Int) error {
	two := big.NewInt(2)
	pm2 := new(big.Int).Sub(params.P, two)
	if y.Cmp(two) < 0 || y.Cmp(pm2) > 0 {
		return errors.New("dh: peer public value out of range")
	}
	return nil
}

// deriveKey derives a symmetric key from the shared secret with
// HKDF-SHA-256.
func deriveKey(secret []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte("htcp v1 key"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("dh: deriving key: %w", err)
	}
	return key, nil
}

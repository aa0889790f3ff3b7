package htcp

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/htcpnet/htcp/dh"
	"github.com/htcpnet/htcp/wire"
)

// ErrHandshake is reported when the Diffie-Hellman exchange fails or
// the peer sends a malformed or unexpected handshake frame. It is
// fatal to its connection.
var ErrHandshake = errors.New("handshake failed")

// ErrDecryption is reported when an encrypted frame body fails
// authentication. It is fatal to its connection and never retried.
var ErrDecryption = errors.New("frame decryption failed")

// A sealer encrypts and decrypts frame bodies with ChaCha20-Poly1305
// under the key agreed for one connection. Each sealed body carries
// its own random nonce as a prefix.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(plain []byte) ([]byte, error) {
	out := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(out, out[:s.aead.NonceSize()], plain, nil), nil
}

func (s *sealer) open(body []byte) ([]byte, error) {
	if len(body) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: body too short (%d bytes)", ErrDecryption, len(body))
	}
	nonce, ct := body[:s.aead.NonceSize()], body[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plain, nil
}

// Handshake frames are plaintext. The server initiates by sending its
// group parameters and public value; the client replies with its own
// public value; both sides then derive the same symmetric key.
//
//	server -> client: [p][g][server public]
//	client -> server: [client public]
//
// Numeric values are big-endian byte strings in length-prefixed
// fields.

func encodeHandshakeInit(kx *dh.KeyExchange) []byte {
	var b wire.Builder
	b.Field(kx.Params().P.Bytes())
	b.Field(kx.Params().G.Bytes())
	b.Field(kx.PublicValue())
	return b.Bytes()
}

func decodeHandshakeInit(body []byte) (params dh.Params, peerPublic []byte, err error) {
	s := wire.NewScanner(body)
	p, err := s.Field()
	if err != nil {
		return params, nil, fmt.Errorf("%w: prime: %v", ErrHandshake, err)
	}
	g, err := s.Field()
	if err != nil {
		return params, nil, fmt.Errorf("%w: generator: %v", ErrHandshake, err)
	}
	pub, err := s.Field()
	if err != nil {
		return params, nil, fmt.Errorf("%w: public value: %v", ErrHandshake, err)
	}
	if s.Len() != 0 {
		return params, nil, fmt.Errorf("%w: %d extra bytes", ErrHandshake, s.Len())
	}
	params = dh.Params{P: new(big.Int).SetBytes(p), G: new(big.Int).SetBytes(g)}
	return params, pub, nil
}

func encodeHandshakeReply(kx *dh.KeyExchange) []byte {
	var b wire.Builder
	b.Field(kx.PublicValue())
	return b.Bytes()
}

func decodeHandshakeReply(body []byte) ([]byte, error) {
	s := wire.NewScanner(body)
	pub, err := s.Field()
	if err != nil {
		return nil, fmt.Errorf("%w: public value: %v", ErrHandshake, err)
	}
	if s.Len() != 0 {
		return nil, fmt.Errorf("%w: %d extra bytes", ErrHandshake, s.Len())
	}
	return pub, nil
}

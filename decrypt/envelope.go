// Package decrypt reconstructs gated-feed plaintext by cooperating with the
// external key-release service. The ciphertext envelope layout and the local
// AEAD are fixed here; the threshold key reconstruction itself is the
// service's business.
package decrypt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope wire layout:
//
//	magic    [4]byte  "FGE1"
//	nsLen    uint16   big-endian
//	ns       [nsLen]byte   distribution namespace
//	idLen    uint16   big-endian
//	identity [idLen]byte   target identity the key was derived for
//	nonce    [12]byte
//	sealed   remainder     chacha20poly1305 over payload, AAD = ns || identity
var envelopeMagic = [4]byte{'F', 'G', 'E', '1'}

var ErrMalformedEnvelope = errors.New("decrypt: malformed envelope")

// Envelope is a parsed gated-feed ciphertext.
type Envelope struct {
	Namespace string
	Identity  []byte
	nonce     []byte
	sealed    []byte
}

const (
	maxNamespaceLen = 256
	maxIdentityLen  = 256
)

// ParseEnvelope splits raw ciphertext into its envelope fields without
// touching the sealed payload.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) < 4 || [4]byte(raw[:4]) != envelopeMagic {
		return nil, ErrMalformedEnvelope
	}
	rest := raw[4:]
	ns, rest, err := readChunk(rest, maxNamespaceLen)
	if err != nil {
		return nil, err
	}
	id, rest, err := readChunk(rest, maxIdentityLen)
	if err != nil {
		return nil, err
	}
	if len(rest) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrMalformedEnvelope
	}
	return &Envelope{
		Namespace: string(ns),
		Identity:  id,
		nonce:     rest[:chacha20poly1305.NonceSize],
		sealed:    rest[chacha20poly1305.NonceSize:],
	}, nil
}

func readChunk(b []byte, max int) (chunk, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, ErrMalformedEnvelope
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if n == 0 || n > max || len(b) < n {
		return nil, nil, ErrMalformedEnvelope
	}
	return b[:n], b[n:], nil
}

// Open decrypts the sealed payload with released key material.
func (e *Envelope) Open(keyMaterial []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("decrypt: key material: %w", err)
	}
	aad := append([]byte(e.Namespace), e.Identity...)
	pt, err := aead.Open(nil, e.nonce, e.sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: open: %w", err)
	}
	return pt, nil
}

// Seal builds an envelope. The ingestion path and tests use it; the
// distribution engine itself only ever opens.
func Seal(keyMaterial []byte, namespace string, identity, plaintext []byte) ([]byte, error) {
	if len(namespace) == 0 || len(namespace) > maxNamespaceLen {
		return nil, fmt.Errorf("decrypt: namespace length %d out of range", len(namespace))
	}
	if len(identity) == 0 || len(identity) > maxIdentityLen {
		return nil, fmt.Errorf("decrypt: identity length %d out of range", len(identity))
	}
	aead, err := chacha20poly1305.New(keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("decrypt: key material: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 4+2+len(namespace)+2+len(identity)+len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, envelopeMagic[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(namespace)))
	out = append(out, namespace...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(identity)))
	out = append(out, identity...)
	out = append(out, nonce...)

	aad := append([]byte(namespace), identity...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

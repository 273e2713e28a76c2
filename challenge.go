package main

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = chacha20poly1305.KeySize
	saltLen      = 16
	secretLen    = 32
)

// DeriveKey turns a role password into a symmetric challenge key.
func DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// Fingerprint identifies a public key on the wire.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return b
}

func challengeAD(role Role) []byte { return []byte("challenge:" + string(role)) }
func responseAD(role Role) []byte  { return []byte("response:" + string(role)) }

// HandshakeChallenge is one secret the client must prove it can read. It
// lives only for the handshake that issued it.
type HandshakeChallenge struct {
	Role   Role
	Data   []byte
	secret []byte
	key    []byte
}

// newSymmetricChallenge seals a fresh secret under a role key.
func newSymmetricChallenge(role Role, key, nonce []byte) (*HandshakeChallenge, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("challenge cipher: %w", err)
	}
	secret := randomBytes(secretLen)
	return &HandshakeChallenge{
		Role:   role,
		Data:   aead.Seal(nil, nonce, secret, challengeAD(role)),
		secret: secret,
		key:    key,
	}, nil
}

// newPublicKeyChallenge seals a fresh secret to the player's public key.
func newPublicKeyChallenge(role Role, pub *[32]byte) (*HandshakeChallenge, error) {
	secret := randomBytes(secretLen)
	data, err := box.SealAnonymous(nil, secret, pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal challenge: %w", err)
	}
	return &HandshakeChallenge{Role: role, Data: data, secret: secret}, nil
}

// ExpectedResponse is the secret re-sealed with the client's nonce.
func (c *HandshakeChallenge) ExpectedResponse(nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("bad response nonce size")
	}
	return aead.Seal(nil, nonce, c.secret, responseAD(c.Role)), nil
}

// matchSymmetric reports whether resp proves knowledge of this challenge's key.
func (c *HandshakeChallenge) matchSymmetric(nonce, resp []byte) bool {
	want, err := c.ExpectedResponse(nonce)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, resp) == 1
}

// matchPlain reports whether resp is the decrypted secret.
func (c *HandshakeChallenge) matchPlain(resp []byte) bool {
	return subtle.ConstantTimeCompare(c.secret, resp) == 1
}

// SolveSymmetricChallenge is the client half of the role-password exchange:
// it opens whichever challenge the password's key fits and re-seals the
// secret with a fresh nonce.
func SolveSymmetricChallenge(password string, auth UseAuthMsg) (nonce, resp []byte, err error) {
	key := DeriveKey(password, auth.Salt)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	for _, ch := range auth.Challenges {
		secret, err := aead.Open(nil, auth.Nonce, ch.Data, challengeAD(ch.Role))
		if err != nil {
			continue
		}
		nonce = randomBytes(aead.NonceSize())
		return nonce, aead.Seal(nil, nonce, secret, responseAD(ch.Role)), nil
	}
	return nil, nil, errors.New("no challenge matches password")
}

// SolvePublicKeyChallenge is the client half of the public-key exchange.
func SolvePublicKeyChallenge(pub, priv *[32]byte, auth UseAuthMsg) ([]byte, error) {
	if len(auth.Challenges) != 1 {
		return nil, errors.New("expected one challenge")
	}
	secret, ok := box.OpenAnonymous(nil, auth.Challenges[0].Data, pub, priv)
	if !ok {
		return nil, errors.New("challenge not sealed to this key")
	}
	return secret, nil
}

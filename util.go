package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// GenerateID returns a random hex string of the given byte length
func GenerateID(byteLen int) string {
	b := make([]byte, byteLen)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// NewUUID returns a random v4 UUID string, used for zone, token and
// connection ids.
func NewUUID() string {
	return uuid.New().String()
}

// randomPin returns a zero-padded decimal pin of n digits.
func randomPin(n int) string {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return GenerateID(n)[:n]
	}
	return fmt.Sprintf("%0*d", n, v)
}

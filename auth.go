package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	registryTokenTTL = 5 * time.Minute
	authRateWindow   = 60 * time.Second
	maxAuthFailures  = 10
)

// Auth holds the server's credentials: derived role keys, the server key
// pair, registered player keys and the registry signing secret.
type Auth struct {
	db *DB

	salt      []byte
	gmKey     []byte
	playerKey []byte

	pub  *[32]byte
	priv *[32]byte

	jwtSecret []byte

	// Failed handshakes per IP
	rateMu  sync.Mutex
	rateMap map[string]*rateEntry
}

type rateEntry struct {
	Count   int
	ResetAt time.Time
}

// NewAuth derives the role keys and loads or creates the server key pair and
// signing secret. An empty password leaves that role unprotected.
func NewAuth(db *DB, gmPassword, playerPassword, registrySecret string) (*Auth, error) {
	a := &Auth{
		db:      db,
		salt:    randomBytes(saltLen),
		rateMap: make(map[string]*rateEntry),
	}
	if gmPassword != "" {
		a.gmKey = DeriveKey(gmPassword, a.salt)
	}
	if playerPassword != "" {
		a.playerKey = DeriveKey(playerPassword, a.salt)
	}
	if err := a.loadOrCreateKeyPair(); err != nil {
		return nil, err
	}
	if registrySecret != "" {
		a.jwtSecret = []byte(registrySecret)
	} else {
		a.jwtSecret = loadOrCreateSecret(db)
	}
	return a, nil
}

// loadOrCreateSecret loads the registry signing secret from the database, or
// generates and persists a new one if none exists.
func loadOrCreateSecret(db *DB) []byte {
	if h := db.GetSetting("jwt_secret"); h != "" {
		if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
			return b
		}
	}
	secret := randomBytes(32)
	if err := db.SetSetting("jwt_secret", hex.EncodeToString(secret)); err != nil {
		Log.WithError(err).Warn("could not persist registry secret")
	}
	return secret
}

func (a *Auth) loadOrCreateKeyPair() error {
	if h := a.db.GetSetting("box_private_key"); h != "" {
		if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
			pubBytes, err := curve25519.X25519(b, curve25519.Basepoint)
			if err == nil {
				var priv, pub [32]byte
				copy(priv[:], b)
				copy(pub[:], pubBytes)
				a.priv, a.pub = &priv, &pub
				return nil
			}
		}
	}
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate server key: %w", err)
	}
	a.pub, a.priv = pub, priv
	if err := a.db.SetSetting("box_private_key", hex.EncodeToString(priv[:])); err != nil {
		Log.WithError(err).Warn("could not persist server key")
	}
	return nil
}

// ServerFingerprint identifies this server's public key.
func (a *Auth) ServerFingerprint() string {
	return Fingerprint(a.pub[:])
}

// HasRolePasswords reports whether any role password is configured.
func (a *Auth) HasRolePasswords() bool {
	return a.gmKey != nil || a.playerKey != nil
}

// RoleChallenges issues one challenge per protected role, GM first.
func (a *Auth) RoleChallenges(nonce []byte) ([]*HandshakeChallenge, error) {
	var out []*HandshakeChallenge
	for _, rk := range []struct {
		role Role
		key  []byte
	}{{RoleGM, a.gmKey}, {RolePlayer, a.playerKey}} {
		if rk.key == nil {
			continue
		}
		ch, err := newSymmetricChallenge(rk.role, rk.key, nonce)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// ResolveRole checks a role-password response. An empty response is accepted
// as a player only when the player role has no password.
func (a *Auth) ResolveRole(challenges []*HandshakeChallenge, nonce, resp []byte) (Role, bool) {
	if len(resp) == 0 {
		if a.playerKey == nil {
			return RolePlayer, true
		}
		return "", false
	}
	for _, ch := range challenges {
		if ch.matchSymmetric(nonce, resp) {
			return ch.Role, true
		}
	}
	return "", false
}

// PlayerKey looks up a registered key by player name and fingerprint.
func (a *Auth) PlayerKey(name, fingerprint string) (*PlayerKeyRow, error) {
	rows, err := a.db.GetPlayerKeys(name)
	if err != nil {
		return nil, fmt.Errorf("player keys: %w", err)
	}
	for i := range rows {
		if rows[i].Fingerprint == fingerprint {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// AddPlayerKey registers a key, e.g. after a GM approves an easy-connect
// request.
func (a *Auth) AddPlayerKey(name string, role Role, key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("public key must be 32 bytes, got %d", len(key))
	}
	return a.db.AddPlayerKey(name, role, key)
}

// ImportKeyFile loads "name role base64-key" lines. Blank lines and lines
// starting with # are skipped.
func (a *Auth) ImportKeyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return n, fmt.Errorf("%s:%d: want 3 fields, got %d", path, line, len(fields))
		}
		role := Role(strings.ToLower(fields[1]))
		if !role.valid() {
			return n, fmt.Errorf("%s:%d: unknown role %q", path, line, fields[1])
		}
		key, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			return n, fmt.Errorf("%s:%d: decode key: %w", path, line, err)
		}
		if err := a.AddPlayerKey(fields[0], role, key); err != nil {
			return n, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		n++
	}
	return n, sc.Err()
}

// SignRegistryToken produces the bearer token sent to the server registry.
func (a *Auth) SignRegistryToken(name string, port int, webrtc bool) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"name":   name,
		"port":   port,
		"webrtc": webrtc,
		"iat":    now.Unix(),
		"exp":    now.Add(registryTokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// checkRate counts a failed handshake from ip and reports whether the ip may
// keep trying.
func (a *Auth) checkRate(ip string) bool {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()

	now := time.Now()
	entry, ok := a.rateMap[ip]
	if !ok || now.After(entry.ResetAt) {
		a.rateMap[ip] = &rateEntry{Count: 1, ResetAt: now.Add(authRateWindow)}
		return true
	}
	entry.Count++
	return entry.Count <= maxAuthFailures
}

// blocked reports whether ip has exhausted its failures without counting a
// new one.
func (a *Auth) blocked(ip string) bool {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()
	entry, ok := a.rateMap[ip]
	return ok && time.Now().Before(entry.ResetAt) && entry.Count > maxAuthFailures
}

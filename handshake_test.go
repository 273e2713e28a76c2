package main

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeRegistry struct {
	mu        sync.Mutex
	connected map[string]bool
	requests  []*PendingApproval
	cancelled []*PendingApproval
}

func (r *fakeRegistry) IsPlayerConnected(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected[name]
}

func (r *fakeRegistry) RequestApproval(p *PendingApproval) {
	r.mu.Lock()
	r.requests = append(r.requests, p)
	r.mu.Unlock()
}

func (r *fakeRegistry) CancelApproval(p *PendingApproval) {
	r.mu.Lock()
	r.cancelled = append(r.cancelled, p)
	r.mu.Unlock()
}

type sentMsg struct {
	T    string
	Data interface{}
}

// hsHarness drives a Handshake the way a client connection does and records
// everything sent back.
type hsHarness struct {
	hs     *Handshake
	reg    *fakeRegistry
	auth   *Auth
	sent   []sentMsg
	closed bool
}

func newHarness(t *testing.T, gmPass, playerPass string, cfg HandshakeConfig) *hsHarness {
	t.Helper()
	auth, err := NewAuth(newTestDB(t), gmPass, playerPass, "secret")
	require.NoError(t, err)
	return newHarnessWithAuth(auth, cfg)
}

func newHarnessWithAuth(auth *Auth, cfg HandshakeConfig) *hsHarness {
	h := &hsHarness{reg: &fakeRegistry{connected: map[string]bool{}}, auth: auth}
	h.hs = NewHandshake(auth, h.reg, cfg, "10.0.0.1",
		func(t string, data interface{}) { h.sent = append(h.sent, sentMsg{t, data}) },
		func() { h.closed = true })
	h.hs.Start()
	return h
}

func (h *hsHarness) feed(t *testing.T, typ string, data interface{}) (*Player, error) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return h.hs.Handle(InEnvelope{T: typ, D: raw})
}

func (h *hsHarness) last() sentMsg {
	return h.sent[len(h.sent)-1]
}

func (h *hsHarness) result(t *testing.T) HandshakeResultMsg {
	t.Helper()
	m := h.last()
	require.Equal(t, MsgHandshakeResult, m.T)
	return m.Data.(HandshakeResultMsg)
}

func (h *hsHarness) useAuth(t *testing.T) UseAuthMsg {
	t.Helper()
	m := h.last()
	require.Equal(t, MsgUseAuth, m.T)
	return m.Data.(UseAuthMsg)
}

var devCfg = HandshakeConfig{Version: "1.2.0"}

func TestHandshakeStartSendsInit(t *testing.T) {
	h := newHarness(t, "", "", HandshakeConfig{Version: "1.2.0", ServerName: "table"})
	require.Len(t, h.sent, 1)
	assert.Equal(t, MsgHandshakeInit, h.sent[0].T)
	init := h.sent[0].Data.(HandshakeInitMsg)
	assert.Equal(t, "table", init.Name)
	assert.Equal(t, h.auth.ServerFingerprint(), init.Fingerprint)
	assert.Equal(t, StateAwaitingClientInit, h.hs.State())
}

func TestHandshakeOpenServer(t *testing.T) {
	h := newHarness(t, "", "", devCfg)
	p, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "  Alice ", Version: "1.2.0", Role: RoleGM})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Alice", p.Name)
	assert.Equal(t, RoleGM, p.Role)
	assert.Equal(t, StateSuccess, h.hs.State())
	assert.False(t, h.closed)
}

func TestHandshakeOpenServerDefaultsToPlayer(t *testing.T) {
	h := newHarness(t, "", "", devCfg)
	p, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Bob", Version: "1.2.0", Role: "wizard"})
	require.NoError(t, err)
	assert.Equal(t, RolePlayer, p.Role)
}

func TestHandshakeDuplicateName(t *testing.T) {
	h := newHarness(t, "gm", "pl", devCfg)
	h.reg.connected["Alice"] = true

	_, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0"})
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, CodeDuplicateName, h.result(t).Code)
	assert.True(t, h.closed)
	assert.Equal(t, StateError, h.hs.State())
}

func TestHandshakeWrongVersionBeforeChallenge(t *testing.T) {
	h := newHarness(t, "gm", "pl", devCfg)
	_, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.3.0"})
	assert.ErrorIs(t, err, ErrWrongVersion)
	for _, m := range h.sent {
		assert.NotEqual(t, MsgUseAuth, m.T, "no challenge may be issued to an incompatible client")
	}
	assert.True(t, h.closed)
}

func TestHandshakeRejectsNearMissVersions(t *testing.T) {
	defaults, err := LoadConfig(nil)
	require.NoError(t, err)

	tests := []struct {
		server, client string
	}{
		{"1.2", "1.2.0"},
		{"v1.2.0", "1.2.0"},
		{"1.2.0", "1.2.0+build7"},
		{defaults.Version, "0.0.1-totally-different"},
	}
	for _, tt := range tests {
		t.Run(tt.server+" vs "+tt.client, func(t *testing.T) {
			h := newHarness(t, "", "", HandshakeConfig{Version: tt.server})
			p, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: tt.client})
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrWrongVersion)
			assert.Equal(t, CodeWrongVersion, h.result(t).Code)
		})
	}
}

func TestHandshakeRolePasswords(t *testing.T) {
	tests := []struct {
		password string
		want     Role
	}{
		{"gm-secret", RoleGM},
		{"player-secret", RolePlayer},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			h := newHarness(t, "gm-secret", "player-secret", devCfg)
			p, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0"})
			require.NoError(t, err)
			require.Nil(t, p)

			ua := h.useAuth(t)
			assert.Equal(t, AuthRolePass, ua.Type)
			require.Len(t, ua.Challenges, 2)

			nonce, resp, err := SolveSymmetricChallenge(tt.password, ua)
			require.NoError(t, err)
			p, err = h.feed(t, MsgClientAuth, ClientAuthMsg{Nonce: nonce, Response: resp})
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, tt.want, p.Role)
		})
	}
}

func TestHandshakeWrongPassword(t *testing.T) {
	h := newHarness(t, "gm-secret", "player-secret", devCfg)
	_, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0"})
	require.NoError(t, err)
	ua := h.useAuth(t)

	_, _, err = SolveSymmetricChallenge("guess", ua)
	assert.Error(t, err)

	_, err = h.feed(t, MsgClientAuth, ClientAuthMsg{Nonce: randomBytes(12), Response: randomBytes(48)})
	assert.ErrorIs(t, err, ErrInvalidPass)
	assert.Equal(t, CodeInvalidPassword, h.result(t).Code)
	assert.True(t, h.closed)
}

func TestHandshakeRejectsReusedNonce(t *testing.T) {
	h := newHarness(t, "gm-secret", "", devCfg)
	_, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0"})
	require.NoError(t, err)
	ua := h.useAuth(t)

	_, err = h.feed(t, MsgClientAuth, ClientAuthMsg{Nonce: ua.Nonce, Response: randomBytes(48)})
	assert.ErrorIs(t, err, ErrBadHandshake)
}

func TestHandshakeEmptyResponseWithOnlyGMPassword(t *testing.T) {
	h := newHarness(t, "gm-secret", "", devCfg)
	_, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Bob", Version: "1.2.0"})
	require.NoError(t, err)

	p, err := h.feed(t, MsgClientAuth, ClientAuthMsg{Nonce: randomBytes(12)})
	require.NoError(t, err)
	assert.Equal(t, RolePlayer, p.Role)
}

func TestHandshakePublicKey(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	auth, err := NewAuth(newTestDB(t), "", "", "secret")
	require.NoError(t, err)
	require.NoError(t, auth.AddPlayerKey("Alice", RoleGM, pub[:]))

	h := newHarnessWithAuth(auth, devCfg)
	_, err = h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0", Fingerprint: Fingerprint(pub[:])})
	require.NoError(t, err)
	ua := h.useAuth(t)
	assert.Equal(t, AuthPublicKey, ua.Type)

	secret, err := SolvePublicKeyChallenge(pub, priv, ua)
	require.NoError(t, err)
	p, err := h.feed(t, MsgClientAuth, ClientAuthMsg{Response: secret})
	require.NoError(t, err)
	assert.Equal(t, RoleGM, p.Role)
}

func TestHandshakePublicKeyWrongResponse(t *testing.T) {
	pub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth, err := NewAuth(newTestDB(t), "", "", "secret")
	require.NoError(t, err)
	require.NoError(t, auth.AddPlayerKey("Alice", RolePlayer, pub[:]))

	h := newHarnessWithAuth(auth, devCfg)
	_, err = h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0", Fingerprint: Fingerprint(pub[:])})
	require.NoError(t, err)
	_, err = h.feed(t, MsgClientAuth, ClientAuthMsg{Response: randomBytes(32)})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestHandshakeUnknownKeyWithoutEasyConnect(t *testing.T) {
	h := newHarness(t, "", "", devCfg)
	_, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0", Fingerprint: "abcd"})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestHandshakeUnexpectedMessage(t *testing.T) {
	h := newHarness(t, "", "", devCfg)
	_, err := h.feed(t, MsgClientAuth, ClientAuthMsg{})
	assert.ErrorIs(t, err, ErrBadHandshake)
	assert.True(t, h.closed)

	// further messages report the same failure without sending again
	n := len(h.sent)
	_, err = h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice"})
	assert.ErrorIs(t, err, ErrBadHandshake)
	assert.Len(t, h.sent, n)
}

func TestHandshakeEmptyName(t *testing.T) {
	h := newHarness(t, "", "", devCfg)
	_, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "   ", Version: "1.2.0"})
	assert.ErrorIs(t, err, ErrBadHandshake)
}

func TestHandshakeMessageWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, "", "", HandshakeConfig{Version: "1.2.0", EasyConnect: true})
	_, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0", Fingerprint: "ff"})
	require.NoError(t, err)
	pub, _, _ := box.GenerateKey(rand.Reader)
	_, err = h.feed(t, MsgPublicKeyUpload, PublicKeyUploadMsg{Key: pub[:]})
	require.NoError(t, err)

	_, err = h.feed(t, MsgHeartbeat, nil)
	assert.ErrorIs(t, err, ErrBadHandshake)
	assert.Len(t, h.reg.cancelled, 1)
}

func TestHandshakeTimeoutFail(t *testing.T) {
	h := newHarness(t, "", "", devCfg)
	h.hs.Fail(ErrHandshakeTime)
	assert.Equal(t, CodeTimeout, h.result(t).Code)
	assert.True(t, h.closed)

	// no-op once finished
	n := len(h.sent)
	h.hs.Fail(ErrHandshakeTime)
	assert.Len(t, h.sent, n)
}

func TestHandshakeEasyConnectApproved(t *testing.T) {
	h := newHarness(t, "", "", HandshakeConfig{Version: "1.2.0", EasyConnect: true})
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	fp := Fingerprint(pub[:])

	_, err = h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0", Fingerprint: fp})
	require.NoError(t, err)
	require.Equal(t, MsgRequestPublicKey, h.last().T)
	pin := h.last().Data.(RequestPublicKeyMsg).Pin
	assert.Len(t, pin, 4)

	_, err = h.feed(t, MsgPublicKeyUpload, PublicKeyUploadMsg{Key: pub[:]})
	require.NoError(t, err)
	require.Len(t, h.reg.requests, 1)
	req := h.reg.requests[0]
	assert.Equal(t, "Alice", req.Name)
	assert.Equal(t, pin, req.Pin)
	assert.Equal(t, StateAwaitingApproval, h.hs.State())

	req.Decide(true)
	assert.Equal(t, MsgPublicKeyAdded, h.last().T)
	assert.Equal(t, StateAwaitingClientInit, h.hs.State())

	// the client starts over and now authenticates with its key
	_, err = h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0", Fingerprint: fp})
	require.NoError(t, err)
	secret, err := SolvePublicKeyChallenge(pub, priv, h.useAuth(t))
	require.NoError(t, err)
	p, err := h.feed(t, MsgClientAuth, ClientAuthMsg{Response: secret})
	require.NoError(t, err)
	assert.Equal(t, RolePlayer, p.Role)
}

func TestHandshakeEasyConnectDenied(t *testing.T) {
	h := newHarness(t, "", "", HandshakeConfig{Version: "1.2.0", EasyConnect: true})
	pub, _, _ := box.GenerateKey(rand.Reader)

	_, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0", Fingerprint: Fingerprint(pub[:])})
	require.NoError(t, err)
	_, err = h.feed(t, MsgPublicKeyUpload, PublicKeyUploadMsg{Key: pub[:]})
	require.NoError(t, err)

	h.reg.requests[0].Decide(false)
	assert.Equal(t, CodeServerDenied, h.result(t).Code)
	assert.True(t, h.closed)
	assert.Len(t, h.reg.cancelled, 1)
}

func TestHandshakeAbandonCancelsApproval(t *testing.T) {
	h := newHarness(t, "", "", HandshakeConfig{Version: "1.2.0", EasyConnect: true})
	pub, _, _ := box.GenerateKey(rand.Reader)
	_, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0", Fingerprint: Fingerprint(pub[:])})
	require.NoError(t, err)
	_, err = h.feed(t, MsgPublicKeyUpload, PublicKeyUploadMsg{Key: pub[:]})
	require.NoError(t, err)

	h.hs.Abandon()
	require.Len(t, h.reg.cancelled, 1)
	// a late decision is ignored
	h.reg.requests[0].Decide(true)
	assert.Equal(t, StateAwaitingApproval, h.hs.State())
}

func TestHandshakeBadKeyUpload(t *testing.T) {
	h := newHarness(t, "", "", HandshakeConfig{Version: "1.2.0", EasyConnect: true})
	_, err := h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0", Fingerprint: "ff"})
	require.NoError(t, err)
	_, err = h.feed(t, MsgPublicKeyUpload, PublicKeyUploadMsg{Key: []byte("short")})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestHandshakeRateLimited(t *testing.T) {
	auth, err := NewAuth(newTestDB(t), "gm", "", "secret")
	require.NoError(t, err)
	for i := 0; i <= maxAuthFailures; i++ {
		auth.checkRate("10.0.0.1")
	}
	h := newHarnessWithAuth(auth, devCfg)
	_, err = h.feed(t, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "1.2.0"})
	assert.ErrorIs(t, err, ErrTooManyRetries)
}

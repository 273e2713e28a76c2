package main

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

const maxHandshakeMessages = 8

// HandshakeState is where a connection is in the join protocol.
type HandshakeState int

const (
	StateAwaitingClientInit HandshakeState = iota
	StateAwaitingChallengeResponse
	StateAwaitingPublicKeyResponse
	StateAwaitingPublicKey
	StateAwaitingApproval
	StateSuccess
	StateError
)

var stateNames = [...]string{
	"awaiting_client_init",
	"awaiting_challenge_response",
	"awaiting_public_key_response",
	"awaiting_public_key",
	"awaiting_approval",
	"success",
	"error",
}

func (s HandshakeState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// handshakeRegistry is the part of the hub a handshake consults.
type handshakeRegistry interface {
	IsPlayerConnected(name string) bool
	RequestApproval(p *PendingApproval)
	CancelApproval(p *PendingApproval)
}

// HandshakeConfig is the server-side identity offered to joining clients.
type HandshakeConfig struct {
	Version     string
	ServerName  string
	EasyConnect bool
}

// PendingApproval is an easy-connect key upload waiting for a GM.
type PendingApproval struct {
	Name   string
	Pin    string
	Key    []byte
	decide func(approve bool)
}

// Decide resolves the request; it is safe to call from any goroutine.
func (p *PendingApproval) Decide(approve bool) { p.decide(approve) }

// Handshake runs the join protocol for one connection. Inbound messages are
// fed to Handle in order; every failure is reported to the client with a
// coded hs_result before close is invoked.
type Handshake struct {
	mu sync.Mutex

	auth  *Auth
	reg   handshakeRegistry
	cfg   HandshakeConfig
	ip    string
	send  func(t string, data interface{})
	close func()

	state      HandshakeState
	rounds     int
	name       string
	nonce      []byte
	challenges []*HandshakeChallenge
	keyRole    Role
	pending    *PendingApproval
	err        *HandshakeError
}

func NewHandshake(auth *Auth, reg handshakeRegistry, cfg HandshakeConfig, ip string,
	send func(t string, data interface{}), closeFn func()) *Handshake {
	return &Handshake{
		auth:  auth,
		reg:   reg,
		cfg:   cfg,
		ip:    ip,
		send:  send,
		close: closeFn,
	}
}

// Start sends the server's greeting.
func (h *Handshake) Start() {
	h.send(MsgHandshakeInit, HandshakeInitMsg{
		Fingerprint: h.auth.ServerFingerprint(),
		Version:     h.cfg.Version,
		Name:        h.cfg.ServerName,
		EasyConnect: h.cfg.EasyConnect,
	})
}

func (h *Handshake) State() HandshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Handle advances the handshake by one inbound message. It returns the
// authenticated player on success, the reported error on failure, and
// (nil, nil) while more messages are expected.
func (h *Handshake) Handle(env InEnvelope) (*Player, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateError {
		return nil, h.err
	}
	h.rounds++
	if h.rounds > maxHandshakeMessages {
		return nil, h.failLocked(handshakeErr(CodeInvalidHandshake, "too many handshake messages"))
	}

	switch {
	case env.T == MsgClientInit && h.state == StateAwaitingClientInit:
		var msg ClientInitMsg
		if err := json.Unmarshal(env.D, &msg); err != nil {
			return nil, h.failLocked(handshakeErr(CodeInvalidHandshake, "malformed client_init"))
		}
		return h.clientInitLocked(msg)

	case env.T == MsgClientAuth && h.state == StateAwaitingChallengeResponse:
		var msg ClientAuthMsg
		if err := json.Unmarshal(env.D, &msg); err != nil {
			return nil, h.failLocked(handshakeErr(CodeInvalidHandshake, "malformed client_auth"))
		}
		if bytes.Equal(msg.Nonce, h.nonce) {
			return nil, h.failLocked(handshakeErr(CodeInvalidHandshake, "response nonce reused"))
		}
		role, ok := h.auth.ResolveRole(h.challenges, msg.Nonce, msg.Response)
		if !ok {
			return nil, h.failAttemptLocked(ErrInvalidPass)
		}
		return h.succeedLocked(role), nil

	case env.T == MsgClientAuth && h.state == StateAwaitingPublicKeyResponse:
		var msg ClientAuthMsg
		if err := json.Unmarshal(env.D, &msg); err != nil {
			return nil, h.failLocked(handshakeErr(CodeInvalidHandshake, "malformed client_auth"))
		}
		if len(h.challenges) != 1 || !h.challenges[0].matchPlain(msg.Response) {
			return nil, h.failAttemptLocked(ErrInvalidKey)
		}
		return h.succeedLocked(h.keyRole), nil

	case env.T == MsgPublicKeyUpload && h.state == StateAwaitingPublicKey:
		var msg PublicKeyUploadMsg
		if err := json.Unmarshal(env.D, &msg); err != nil || len(msg.Key) != 32 {
			return nil, h.failLocked(handshakeErr(CodeInvalidPublicKey, "public key must be 32 bytes"))
		}
		h.state = StateAwaitingApproval
		h.pending.Key = msg.Key
		h.reg.RequestApproval(h.pending)
		return nil, nil
	}

	return nil, h.failLocked(handshakeErr(CodeInvalidHandshake, "unexpected "+env.T+" in state "+h.state.String()))
}

func (h *Handshake) clientInitLocked(msg ClientInitMsg) (*Player, error) {
	name := cleanName(msg.Name)
	if name == "" {
		return nil, h.failLocked(handshakeErr(CodeInvalidHandshake, "player name required"))
	}
	h.name = name

	if h.auth.blocked(h.ip) {
		return nil, h.failLocked(ErrTooManyRetries)
	}
	if h.reg.IsPlayerConnected(name) {
		return nil, h.failLocked(handshakeErr(CodeDuplicateName, name+" is already connected"))
	}
	if !versionsCompatible(h.cfg.Version, msg.Version) {
		return nil, h.failLocked(handshakeErr(CodeWrongVersion, "server runs "+h.cfg.Version))
	}

	switch {
	case msg.Fingerprint != "":
		key, err := h.auth.PlayerKey(name, msg.Fingerprint)
		if err != nil {
			Log.WithError(err).Error("player key lookup failed")
			return nil, h.failLocked(handshakeErr(CodeInvalidPublicKey, "key lookup failed"))
		}
		if key == nil {
			if !h.cfg.EasyConnect {
				return nil, h.failAttemptLocked(handshakeErr(CodeInvalidPublicKey, "unknown public key"))
			}
			h.pending = &PendingApproval{Name: name, Pin: randomPin(4)}
			h.pending.decide = h.decide
			h.state = StateAwaitingPublicKey
			h.send(MsgRequestPublicKey, RequestPublicKeyMsg{Pin: h.pending.Pin})
			return nil, nil
		}
		var pub [32]byte
		copy(pub[:], key.Key)
		ch, err := newPublicKeyChallenge(key.Role, &pub)
		if err != nil {
			return nil, h.failLocked(handshakeErr(CodeInvalidHandshake, err.Error()))
		}
		h.challenges = []*HandshakeChallenge{ch}
		h.keyRole = key.Role
		h.state = StateAwaitingPublicKeyResponse
		h.send(MsgUseAuth, UseAuthMsg{
			Type:       AuthPublicKey,
			Challenges: []ChallengeMsg{{Role: key.Role, Data: ch.Data}},
		})
		return nil, nil

	case h.auth.HasRolePasswords():
		h.nonce = randomBytes(12)
		challenges, err := h.auth.RoleChallenges(h.nonce)
		if err != nil {
			return nil, h.failLocked(handshakeErr(CodeInvalidHandshake, err.Error()))
		}
		h.challenges = challenges
		out := make([]ChallengeMsg, len(challenges))
		for i, ch := range challenges {
			out[i] = ChallengeMsg{Role: ch.Role, Data: ch.Data}
		}
		h.state = StateAwaitingChallengeResponse
		h.send(MsgUseAuth, UseAuthMsg{
			Type:       AuthRolePass,
			Salt:       h.auth.salt,
			Nonce:      h.nonce,
			Challenges: out,
		})
		return nil, nil
	}

	role := msg.Role
	if !role.valid() {
		role = RolePlayer
	}
	return h.succeedLocked(role), nil
}

// decide is called by a GM's connection when an easy-connect request is
// answered. An approved key is stored and the client restarts at client_init.
func (h *Handshake) decide(approve bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateAwaitingApproval || h.pending == nil {
		return
	}
	if !approve {
		h.failLocked(handshakeErr(CodeServerDenied, "request denied by GM"))
		return
	}
	if err := h.auth.AddPlayerKey(h.pending.Name, RolePlayer, h.pending.Key); err != nil {
		Log.WithError(err).WithField("player", h.pending.Name).Error("store approved key")
		h.failLocked(handshakeErr(CodeInvalidPublicKey, "could not store key"))
		return
	}
	h.pending = nil
	h.rounds = 0
	h.state = StateAwaitingClientInit
	h.send(MsgPublicKeyAdded, nil)
}

func (h *Handshake) succeedLocked(role Role) *Player {
	h.state = StateSuccess
	h.challenges = nil
	Log.WithFields(logrus.Fields{"player": h.name, "role": role, "ip": h.ip}).Info("handshake complete")
	return &Player{Name: h.name, Role: role}
}

// failAttemptLocked fails the handshake and counts it against the client IP.
func (h *Handshake) failAttemptLocked(err *HandshakeError) error {
	if !h.auth.checkRate(h.ip) {
		err = ErrTooManyRetries
	}
	return h.failLocked(err)
}

func (h *Handshake) failLocked(err *HandshakeError) error {
	if h.state == StateError {
		return h.err
	}
	if h.pending != nil {
		h.reg.CancelApproval(h.pending)
		h.pending = nil
	}
	h.state = StateError
	h.err = err
	Log.WithFields(logrus.Fields{"player": h.name, "ip": h.ip, "code": err.Code}).Warn("handshake failed: ", err.Msg)
	h.send(MsgHandshakeResult, HandshakeResultMsg{Code: err.Code, Msg: err.Msg})
	h.close()
	return err
}

// Fail aborts a handshake still in progress, e.g. on timeout. It is a no-op
// once the handshake has finished.
func (h *Handshake) Fail(err *HandshakeError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateSuccess || h.state == StateError {
		return
	}
	h.failLocked(err)
}

// Abandon releases any pending approval when the connection goes away.
func (h *Handshake) Abandon() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending != nil {
		h.reg.CancelApproval(h.pending)
		h.pending = nil
	}
}

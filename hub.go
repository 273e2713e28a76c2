package main

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	maxConnsPerIP = 16
	maxTotalConns = 1000
)

// Peer is one client connection as seen by the hub: a control channel for
// JSON messages and a separate, bounded asset channel.
type Peer interface {
	ID() string
	RemoteAddr() string
	SendRaw(data []byte)
	SendAsset(data []byte) bool
	AssetCapacity() bool
	Alive() bool
	Close()
}

type hubEntry struct {
	peer   Peer
	player *Player
}

// Hub is the connection registry: it maps connections to authenticated
// players and fans messages out to them.
type Hub struct {
	mu        sync.RWMutex
	clients   map[Peer]bool
	players   map[string]*hubEntry // conn id -> entry, handshake complete
	approvals map[string]*PendingApproval

	register   chan Peer
	unregister chan Peer

	// runMu guards stopped; senders hold it shared while queueing.
	runMu   sync.RWMutex
	stopped bool
	done    chan struct{}

	store   *Store
	policy  *policyHolder
	assets  *AssetPump
	journal *Journal

	// Connection limiting (mutex-protected, accessed from HTTP handlers)
	connMu     sync.Mutex
	ipConns    map[string]int
	totalConns int
}

func NewHub(store *Store, policy *policyHolder, assets *AssetPump) *Hub {
	return &Hub{
		clients:    make(map[Peer]bool),
		players:    make(map[string]*hubEntry),
		approvals:  make(map[string]*PendingApproval),
		register:   make(chan Peer, 64),
		unregister: make(chan Peer, 64),
		done:       make(chan struct{}),
		store:      store,
		policy:     policy,
		assets:     assets,
		ipConns:    make(map[string]int),
	}
}

func (h *Hub) CanAccept(ip string) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.totalConns >= maxTotalConns {
		return false
	}
	if h.ipConns[ip] >= maxConnsPerIP {
		return false
	}
	return true
}

func (h *Hub) TrackConnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]++
	h.totalConns++
}

func (h *Hub) TrackDisconnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
	h.totalConns--
}

// Run processes register/unregister events until ctx is done, then closes
// every remaining connection. Register and Unregister keep working after Run
// returns; they act directly instead of queueing.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case p := <-h.register:
			h.track(p)

		case p := <-h.unregister:
			h.forget(p)

		case <-ctx.Done():
			close(h.done)
			h.runMu.Lock()
			h.stopped = true
			h.runMu.Unlock()

			var released []Peer
		drain:
			for {
				select {
				case p := <-h.register:
					h.track(p)
				case p := <-h.unregister:
					released = append(released, p)
				default:
					break drain
				}
			}
			for _, p := range released {
				h.forget(p)
			}

			h.mu.Lock()
			peers := make([]Peer, 0, len(h.clients))
			for p := range h.clients {
				peers = append(peers, p)
			}
			h.mu.Unlock()
			for _, p := range peers {
				p.Close()
			}
			return ctx.Err()
		}
	}
}

// Register hands a new connection to the hub. It reports false, and closes
// the peer, once the hub has shut down.
func (h *Hub) Register(p Peer) bool {
	h.runMu.RLock()
	defer h.runMu.RUnlock()
	if h.stopped {
		p.Close()
		return false
	}
	select {
	case h.register <- p:
		return true
	case <-h.done:
		p.Close()
		return false
	}
}

// Unregister removes a dropped connection. It never blocks past shutdown.
func (h *Hub) Unregister(p Peer) {
	h.runMu.RLock()
	queued := false
	if !h.stopped {
		select {
		case h.unregister <- p:
			queued = true
		case <-h.done:
		}
	}
	h.runMu.RUnlock()
	if !queued {
		h.forget(p)
	}
}

func (h *Hub) track(p Peer) {
	h.mu.Lock()
	h.clients[p] = true
	h.mu.Unlock()
}

func (h *Hub) forget(p Peer) {
	h.mu.Lock()
	delete(h.clients, p)
	h.mu.Unlock()
	h.Release(p)
}

func (h *Hub) send(p Peer, t string, data interface{}) {
	raw, err := encode(t, data)
	if err != nil {
		Log.WithError(err).WithField("type", t).Error("marshal error")
		return
	}
	p.SendRaw(raw)
}

// Install registers an authenticated player. Registrations under the same
// name whose connection is dead are reaped first; a live one makes the
// install fail with a duplicate-name error. On success the new peer gets the
// handshake result, the roster and a campaign snapshot, and everyone else
// learns about the new player.
func (h *Hub) Install(p Peer, player *Player) error {
	h.mu.Lock()
	var stale []*hubEntry
	for id, e := range h.players {
		if !e.player.Same(player.Name) {
			continue
		}
		if e.peer.Alive() {
			h.mu.Unlock()
			return handshakeErr(CodeDuplicateName, player.Name+" is already connected")
		}
		stale = append(stale, e)
		delete(h.players, id)
	}
	for _, e := range stale {
		Log.WithFields(logrus.Fields{"player": e.player.Name, "conn": e.peer.ID()}).Info("reaping stale connection")
		h.assets.RemovePeer(e.peer.ID())
		e.peer.Close()
		h.broadcastLocked(MsgPlayerDisconnected, e.player.Transferable(), "")
	}

	h.players[p.ID()] = &hubEntry{peer: p, player: player}
	h.assets.AddPeer(p)

	// Everything below is queued while holding the lock so no broadcast can
	// slip between the roster and the snapshot.
	policy := h.policy.Get()
	h.send(p, MsgHandshakeResult, HandshakeResultMsg{Code: CodeOK, Role: player.Role, Policy: &policy})
	for _, tp := range h.playersLocked() {
		h.send(p, MsgPlayerConnected, tp)
	}
	h.broadcastLocked(MsgPlayerConnected, player.Transferable(), p.ID())

	snapshot, err := h.store.MarshalCampaign()
	if err != nil {
		delete(h.players, p.ID())
		h.mu.Unlock()
		h.assets.RemovePeer(p.ID())
		return err
	}
	h.send(p, MsgSetCampaign, CampaignSnapshotMsg{Campaign: snapshot})
	h.mu.Unlock()

	h.journal.Track(EvtPlayerConnected, player.Name, p.ID(), string(player.Role))
	Log.WithFields(logrus.Fields{"player": player.Name, "role": player.Role, "conn": p.ID()}).Info("player connected")
	return nil
}

// Release forgets a connection, drops its asset queue and tells the
// remaining players. It is safe to call more than once.
func (h *Hub) Release(p Peer) {
	h.mu.Lock()
	e, ok := h.players[p.ID()]
	if ok {
		delete(h.players, p.ID())
	}
	h.mu.Unlock()

	h.assets.RemovePeer(p.ID())
	p.Close()
	if !ok {
		return
	}
	h.Broadcast(MsgPlayerDisconnected, e.player.Transferable(), "")
	h.journal.Track(EvtPlayerDisconnected, e.player.Name, p.ID(), "")
	Log.WithFields(logrus.Fields{"player": e.player.Name, "conn": p.ID()}).Info("player disconnected")
}

// BootPlayer disconnects every connection of the named player.
func (h *Hub) BootPlayer(name string) bool {
	h.mu.RLock()
	var peers []Peer
	for _, e := range h.players {
		if e.player.Same(name) {
			peers = append(peers, e.peer)
		}
	}
	h.mu.RUnlock()
	for _, p := range peers {
		h.Release(p)
	}
	return len(peers) > 0
}

// IsPlayerConnected reports whether a live connection holds name.
func (h *Hub) IsPlayerConnected(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.players {
		if e.player.Same(name) && e.peer.Alive() {
			return true
		}
	}
	return false
}

// Player returns a copy of the player on a connection.
func (h *Hub) Player(connID string) (Player, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.players[connID]
	if !ok {
		return Player{}, false
	}
	return *e.player, true
}

// UpdatePlayerStatus records which zone a player is on and whether it has
// finished loading.
func (h *Hub) UpdatePlayerStatus(name, zoneID string, loaded bool) (TransferablePlayer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.players {
		if e.player.Same(name) {
			e.player.ZoneID = zoneID
			e.player.Loaded = loaded
			return e.player.Transferable(), true
		}
	}
	return TransferablePlayer{}, false
}

// Players returns the roster sorted by name.
func (h *Hub) Players() []TransferablePlayer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.playersLocked()
}

func (h *Hub) playersLocked() []TransferablePlayer {
	out := make([]TransferablePlayer, 0, len(h.players))
	for _, e := range h.players {
		out = append(out, e.player.Transferable())
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

// ClientCount returns the number of open connections, authenticated or not
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PlayerCount returns the number of authenticated players
func (h *Hub) PlayerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.players)
}

// Broadcast sends a message to every player except the connection exclude
// (use "" to reach everyone).
func (h *Hub) Broadcast(t string, data interface{}, exclude string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.broadcastLocked(t, data, exclude)
}

func (h *Hub) broadcastLocked(t string, data interface{}, exclude string) {
	raw, err := encode(t, data)
	if err != nil {
		Log.WithError(err).WithField("type", t).Error("marshal error")
		return
	}
	h.broadcastRawLocked(raw, exclude)
}

// BroadcastRaw fans out an already encoded message.
func (h *Hub) BroadcastRaw(raw []byte, exclude string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.broadcastRawLocked(raw, exclude)
}

func (h *Hub) broadcastRawLocked(raw []byte, exclude string) {
	for id, e := range h.players {
		if id == exclude {
			continue
		}
		e.peer.SendRaw(raw)
	}
}

// SendTo delivers a message to one connection.
func (h *Hub) SendTo(connID, t string, data interface{}) bool {
	h.mu.RLock()
	e, ok := h.players[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.send(e.peer, t, data)
	return true
}

// SendToGMs delivers a message to every GM.
func (h *Hub) SendToGMs(t string, data interface{}) int {
	raw, err := encode(t, data)
	if err != nil {
		Log.WithError(err).WithField("type", t).Error("marshal error")
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, e := range h.players {
		if e.player.IsGM() {
			e.peer.SendRaw(raw)
			n++
		}
	}
	return n
}

func approvalKey(name, pin string) string { return strings.ToLower(name) + "/" + pin }

// RequestApproval parks an easy-connect key upload and asks the GMs.
func (h *Hub) RequestApproval(p *PendingApproval) {
	h.mu.Lock()
	h.approvals[approvalKey(p.Name, p.Pin)] = p
	h.mu.Unlock()
	if h.SendToGMs(MsgApprovalRequest, ApprovalRequestMsg{Name: p.Name, Pin: p.Pin}) == 0 {
		Log.WithField("player", p.Name).Warn("key approval requested but no GM is connected")
	}
}

func (h *Hub) CancelApproval(p *PendingApproval) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := approvalKey(p.Name, p.Pin)
	if h.approvals[key] == p {
		delete(h.approvals, key)
	}
}

// ResolveApproval answers a pending request; false if none matches.
func (h *Hub) ResolveApproval(name, pin string, approve bool) bool {
	key := approvalKey(name, pin)
	h.mu.Lock()
	p, ok := h.approvals[key]
	delete(h.approvals, key)
	h.mu.Unlock()
	if !ok {
		return false
	}
	p.Decide(approve)
	return true
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 16 << 20 // put_asset carries whole assets
	sendBufSize       = 256
	assetBufSize      = 32
	maxMessagesPerSec = 50
)

// Client is one WebSocket connection. JSON control messages and binary
// asset frames travel on separate queues; the writer always drains control
// messages first.
type Client struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string

	hub       *Hub
	disp      *Dispatcher
	pump      *AssetPump
	handshake *Handshake
	hsTimeout time.Duration

	send   chan []byte
	assets chan []byte
	done   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	lastSeen  atomic.Int64
	limiter   *rate.Limiter

	// owned by ReadPump
	player *Player
}

// NewClient creates a client for an upgraded connection.
func NewClient(s *Server, conn *websocket.Conn, remoteAddr string) *Client {
	c := &Client{
		id:         NewUUID(),
		conn:       conn,
		remoteAddr: remoteAddr,
		hub:        s.hub,
		disp:       s.disp,
		pump:       s.pump,
		hsTimeout:  s.cfg.HandshakeTimeout,
		send:       make(chan []byte, sendBufSize),
		assets:     make(chan []byte, assetBufSize),
		done:       make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Limit(maxMessagesPerSec), 2*maxMessagesPerSec),
	}
	c.lastSeen.Store(time.Now().UnixNano())
	c.handshake = NewHandshake(s.auth, s.hub, s.handshakeConfig(), remoteAddr, c.sendEnvelope, c.Close)
	return c
}

func (c *Client) ID() string         { return c.id }
func (c *Client) RemoteAddr() string { return c.remoteAddr }

func (c *Client) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// Alive reports whether the connection is open and heard from recently.
func (c *Client) Alive() bool {
	if c.closed.Load() {
		return false
	}
	return time.Since(time.Unix(0, c.lastSeen.Load())) < pongWait
}

// Close stops the client. Queued control messages are still flushed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// SendRaw queues a control message. A peer that cannot keep up is
// disconnected rather than silently missing state updates.
func (c *Client) SendRaw(data []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- data:
	default:
		Log.WithFields(logrus.Fields{"conn": c.id, "ip": c.remoteAddr}).Warn("send queue full, disconnecting")
		c.Close()
	}
}

// SendAsset queues an asset frame; false when the asset queue is full.
func (c *Client) SendAsset(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.assets <- data:
		return true
	default:
		return false
	}
}

func (c *Client) AssetCapacity() bool {
	return !c.closed.Load() && len(c.assets) < cap(c.assets)
}

func (c *Client) sendEnvelope(t string, data interface{}) {
	raw, err := encode(t, data)
	if err != nil {
		Log.WithError(err).WithField("type", t).Error("marshal error")
		return
	}
	c.SendRaw(raw)
}

// ReadPump runs the handshake and then feeds commands to the dispatcher
// until the connection drops.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.handshake.Abandon()
		c.hub.TrackDisconnect(c.remoteAddr)
		c.hub.Unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hsTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		if c.player != nil {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	c.handshake.Start()

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if c.player == nil && errors.As(err, &ne) && ne.Timeout() {
				c.handshake.Fail(ErrHandshakeTime)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				Log.WithFields(logrus.Fields{"conn": c.id}).WithError(err).Debug("ws error")
			}
			return
		}
		c.touch()

		if !c.limiter.Allow() {
			Log.WithFields(logrus.Fields{"conn": c.id, "ip": c.remoteAddr}).Warn("rate limit exceeded, disconnecting")
			c.Close()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if c.player == nil {
			if !c.handshakeStep(message) {
				return
			}
			continue
		}
		c.disp.Handle(ctx, RequestContext{ConnID: c.id, Player: *c.player}, message)
	}
}

// handshakeStep feeds one message to the handshake and installs the player
// once it succeeds. It returns false when the connection is done.
func (c *Client) handshakeStep(message []byte) bool {
	var env InEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.handshake.Fail(handshakeErr(CodeInvalidHandshake, "malformed message"))
		return false
	}
	p, err := c.handshake.Handle(env)
	if err != nil {
		c.hub.journal.Track(EvtHandshakeFailed, "", c.id, err.Error())
		return false
	}
	if p == nil {
		return true
	}
	if err := c.hub.Install(c, p); err != nil {
		var he *HandshakeError
		if !errors.As(err, &he) {
			Log.WithError(err).WithField("player", p.Name).Error("install player")
			he = handshakeErr(CodeInvalidHandshake, "server error")
		}
		c.sendEnvelope(MsgHandshakeResult, HandshakeResultMsg{Code: he.Code, Msg: he.Msg})
		c.Close()
		return false
	}
	c.player = p
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	return true
}

func (c *Client) write(msgType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(msgType, data)
}

// WritePump writes queued messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
			continue
		default:
		}

		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}

		case frame := <-c.assets:
			if err := c.write(websocket.BinaryMessage, frame); err != nil {
				c.Close()
				return
			}
			c.pump.Wake()

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever control messages are still queued.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// ---------- helpers ----------

type testServer struct {
	srv     *Server
	baseURL string
	wsURL   string
}

func testConfig() Config {
	return Config{
		Addr:             "127.0.0.1:0",
		CampaignName:     "Test",
		Version:          "1.2.0",
		HandshakeTimeout: 2 * time.Second,
		AssetChunkSize:   1024,
		DBPath:           ":memory:",
	}
}

// startTestServer runs a full server on a loopback listener until the test
// ends.
func startTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	db, err := OpenDB(cfg.DBPath)
	require.NoError(t, err)
	srv, err := NewServer(cfg, db)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
		db.Close()
	})

	addr := ln.Addr().String()
	return &testServer{srv: srv, baseURL: "http://" + addr, wsURL: "ws://" + addr + "/ws"}
}

// dialWS opens a WebSocket connection to the test server.
func dialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial WS: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelope reads one JSON control message from the WebSocket.
func readEnvelope(t *testing.T, conn *websocket.Conn) InEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read WS: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("expected text message, got type %d", msgType)
	}
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

// expectEnvelope reads until a message of type want arrives.
func expectEnvelope(t *testing.T, conn *websocket.Conn, want string) InEnvelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := readEnvelope(t, conn)
		if env.T == want {
			return env
		}
	}
	t.Fatalf("no %s message received", want)
	return InEnvelope{}
}

// readFrame reads one binary asset frame.
func readFrame(t *testing.T, conn *websocket.Conn) AssetFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read WS: %v", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		var f AssetFrame
		if err := msgpack.Unmarshal(raw, &f); err != nil {
			t.Fatalf("msgpack unmarshal: %v", err)
		}
		return f
	}
}

// sendMsg sends a typed message over the WebSocket.
func sendMsg(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	raw, _ := encode(msgType, data)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write WS: %v", err)
	}
}

// dataMap extracts the d field as map[string]interface{}.
func dataMap(t *testing.T, env InEnvelope) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(env.D, &m); err != nil {
		t.Fatalf("unmarshal %s data: %v", env.T, err)
	}
	return m
}

// joinOpen runs the handshake against a server without passwords and
// returns the connection and the campaign snapshot.
func joinOpen(t *testing.T, ts *testServer, name string, role Role) (*websocket.Conn, json.RawMessage) {
	t.Helper()
	conn := dialWS(t, ts.wsURL)
	init := readEnvelope(t, conn)
	require.Equal(t, MsgHandshakeInit, init.T)

	sendMsg(t, conn, MsgClientInit, ClientInitMsg{Name: name, Version: "1.2.0", Role: role})
	return conn, finishJoin(t, conn, role)
}

// finishJoin reads hs_result, the roster and the snapshot.
func finishJoin(t *testing.T, conn *websocket.Conn, role Role) json.RawMessage {
	t.Helper()
	res := readEnvelope(t, conn)
	require.Equal(t, MsgHandshakeResult, res.T)
	var hr HandshakeResultMsg
	require.NoError(t, json.Unmarshal(res.D, &hr))
	require.Equal(t, CodeOK, hr.Code, hr.Msg)
	require.Equal(t, role, hr.Role)
	require.NotNil(t, hr.Policy)

	for {
		env := readEnvelope(t, conn)
		switch env.T {
		case MsgPlayerConnected:
			continue
		case MsgSetCampaign:
			var snap CampaignSnapshotMsg
			require.NoError(t, json.Unmarshal(env.D, &snap))
			return snap.Campaign
		default:
			t.Fatalf("unexpected %s during join", env.T)
		}
	}
}

func firstZoneID(t *testing.T, snapshot json.RawMessage) string {
	t.Helper()
	var c struct {
		Zones map[string]json.RawMessage `json:"zones"`
	}
	require.NoError(t, json.Unmarshal(snapshot, &c))
	for id := range c.Zones {
		return id
	}
	t.Fatal("campaign has no zones")
	return ""
}

// ---------- handshake ----------

func TestJoinOpenServer(t *testing.T) {
	ts := startTestServer(t, testConfig())

	alice, snap := joinOpen(t, ts, "Alice", RoleGM)
	assert.Contains(t, string(snap), `"name":"Test"`)

	bob := dialWS(t, ts.wsURL)
	readEnvelope(t, bob) // hs_init
	sendMsg(t, bob, MsgClientInit, ClientInitMsg{Name: "Bob", Version: "1.2.0"})

	res := readEnvelope(t, bob)
	require.Equal(t, MsgHandshakeResult, res.T)
	assert.Equal(t, "ok", dataMap(t, res)["code"])

	// roster in name order, then the snapshot
	p1 := readEnvelope(t, bob)
	p2 := readEnvelope(t, bob)
	assert.Equal(t, "Alice", dataMap(t, p1)["name"])
	assert.Equal(t, "Bob", dataMap(t, p2)["name"])
	assert.Equal(t, MsgSetCampaign, readEnvelope(t, bob).T)

	joined := readEnvelope(t, alice)
	assert.Equal(t, MsgPlayerConnected, joined.T)
	assert.Equal(t, "Bob", dataMap(t, joined)["name"])
	assert.Equal(t, "player", dataMap(t, joined)["role"])
}

func TestJoinWithRolePassword(t *testing.T) {
	cfg := testConfig()
	cfg.GMPassword = "dragon"
	cfg.PlayerPassword = "goblin"
	ts := startTestServer(t, cfg)

	for _, tc := range []struct {
		name, password string
		role           Role
	}{
		{"Gina", "dragon", RoleGM},
		{"Pete", "goblin", RolePlayer},
	} {
		conn := dialWS(t, ts.wsURL)
		readEnvelope(t, conn)
		sendMsg(t, conn, MsgClientInit, ClientInitMsg{Name: tc.name, Version: "1.2.0"})

		env := readEnvelope(t, conn)
		require.Equal(t, MsgUseAuth, env.T)
		var ua UseAuthMsg
		require.NoError(t, json.Unmarshal(env.D, &ua))

		nonce, resp, err := SolveSymmetricChallenge(tc.password, ua)
		require.NoError(t, err)
		sendMsg(t, conn, MsgClientAuth, ClientAuthMsg{Nonce: nonce, Response: resp})
		finishJoin(t, conn, tc.role)
	}
}

func TestJoinWrongPassword(t *testing.T) {
	cfg := testConfig()
	cfg.PlayerPassword = "goblin"
	ts := startTestServer(t, cfg)

	conn := dialWS(t, ts.wsURL)
	readEnvelope(t, conn)
	sendMsg(t, conn, MsgClientInit, ClientInitMsg{Name: "Eve", Version: "1.2.0"})
	require.Equal(t, MsgUseAuth, readEnvelope(t, conn).T)

	sendMsg(t, conn, MsgClientAuth, ClientAuthMsg{Nonce: randomBytes(12), Response: randomBytes(48)})
	res := readEnvelope(t, conn)
	assert.Equal(t, MsgHandshakeResult, res.T)
	assert.Equal(t, string(CodeInvalidPassword), dataMap(t, res)["code"])

	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection is closed after a failed handshake")
}

func TestJoinDuplicateName(t *testing.T) {
	ts := startTestServer(t, testConfig())
	alice, _ := joinOpen(t, ts, "Alice", RolePlayer)

	conn := dialWS(t, ts.wsURL)
	readEnvelope(t, conn)
	sendMsg(t, conn, MsgClientInit, ClientInitMsg{Name: "alice", Version: "1.2.0"})
	res := readEnvelope(t, conn)
	assert.Equal(t, string(CodeDuplicateName), dataMap(t, res)["code"])
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the rejected connection is closed")

	// the first Alice is untouched and still relays
	bob, _ := joinOpen(t, ts, "Bob", RolePlayer)
	joined := readEnvelope(t, alice)
	require.Equal(t, MsgPlayerConnected, joined.T, "no disconnect was broadcast for Alice")
	assert.Equal(t, "Bob", dataMap(t, joined)["name"])

	sendMsg(t, alice, MsgMessage, ChatMsg{From: "Alice", Text: "still here"})
	env := readEnvelope(t, bob)
	require.Equal(t, MsgMessage, env.T)
	assert.Equal(t, "still here", dataMap(t, env)["text"])
	assert.Equal(t, 2, ts.srv.hub.PlayerCount())
}

func TestJoinWrongVersion(t *testing.T) {
	ts := startTestServer(t, testConfig())
	conn := dialWS(t, ts.wsURL)
	init := readEnvelope(t, conn)
	assert.Equal(t, "1.2.0", dataMap(t, init)["ver"])

	sendMsg(t, conn, MsgClientInit, ClientInitMsg{Name: "Alice", Version: "0.9.0"})
	res := readEnvelope(t, conn)
	assert.Equal(t, MsgHandshakeResult, res.T)
	assert.Equal(t, string(CodeWrongVersion), dataMap(t, res)["code"])
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond
	ts := startTestServer(t, cfg)

	conn := dialWS(t, ts.wsURL)
	readEnvelope(t, conn)
	res := readEnvelope(t, conn)
	assert.Equal(t, MsgHandshakeResult, res.T)
	assert.Equal(t, string(CodeTimeout), dataMap(t, res)["code"])
}

func TestCommandBeforeHandshakeRejected(t *testing.T) {
	ts := startTestServer(t, testConfig())
	conn := dialWS(t, ts.wsURL)
	readEnvelope(t, conn)
	sendMsg(t, conn, MsgPutToken, PutTokenCmd{Zone: "z", Token: Token{ID: "t"}})
	res := readEnvelope(t, conn)
	assert.Equal(t, string(CodeInvalidHandshake), dataMap(t, res)["code"])
}

// ---------- session ----------

func TestPutTokenRelayedWithServerZOrder(t *testing.T) {
	ts := startTestServer(t, testConfig())
	alice, snap := joinOpen(t, ts, "Alice", RoleGM)
	bob, _ := joinOpen(t, ts, "Bob", RolePlayer)
	expectEnvelope(t, alice, MsgPlayerConnected)
	zone := firstZoneID(t, snap)

	sendMsg(t, bob, MsgPutToken, PutTokenCmd{Zone: zone, Token: Token{ID: "orc-1", Name: "Orc", X: 3, Y: 4, ZOrder: 99}})

	fix := expectEnvelope(t, bob, MsgUpdateTokenProperty)
	assert.Equal(t, PropZOrder, dataMap(t, fix)["property"])
	assert.Equal(t, float64(1), dataMap(t, fix)["value"])

	put := expectEnvelope(t, alice, MsgPutToken)
	var pt PutTokenCmd
	require.NoError(t, json.Unmarshal(put.D, &pt))
	assert.Equal(t, "Orc", pt.Token.Name)
	assert.Equal(t, 1, pt.Token.ZOrder)

	// a late joiner sees the token in its snapshot
	_, carolSnap := joinOpen(t, ts, "Carol", RolePlayer)
	assert.Contains(t, string(carolSnap), `"orc-1"`)
}

func TestPointerEchoedToSender(t *testing.T) {
	ts := startTestServer(t, testConfig())
	alice, _ := joinOpen(t, ts, "Alice", RolePlayer)
	bob, _ := joinOpen(t, ts, "Bob", RolePlayer)
	expectEnvelope(t, alice, MsgPlayerConnected)

	sendMsg(t, alice, MsgShowPointer, map[string]interface{}{"player": "Alice", "x": 10, "y": 20})
	assert.Equal(t, MsgShowPointer, readEnvelope(t, alice).T)
	env := readEnvelope(t, bob)
	assert.Equal(t, MsgShowPointer, env.T)
	assert.Equal(t, float64(10), dataMap(t, env)["x"])
}

func TestDisconnectBroadcast(t *testing.T) {
	ts := startTestServer(t, testConfig())
	alice, _ := joinOpen(t, ts, "Alice", RolePlayer)
	bob, _ := joinOpen(t, ts, "Bob", RolePlayer)
	expectEnvelope(t, alice, MsgPlayerConnected)

	bob.Close()
	left := expectEnvelope(t, alice, MsgPlayerDisconnected)
	assert.Equal(t, "Bob", dataMap(t, left)["name"])

	// the name is free again
	joinOpen(t, ts, "Bob", RolePlayer)
}

func TestAssetTransferOverWebSocket(t *testing.T) {
	ts := startTestServer(t, testConfig())
	gm, _ := joinOpen(t, ts, "Gina", RoleGM)
	alice, _ := joinOpen(t, ts, "Alice", RolePlayer)
	expectEnvelope(t, gm, MsgPlayerConnected)

	data := bytes.Repeat([]byte("map-tile-"), 1000)
	id := AssetID(data)
	sendMsg(t, gm, MsgPutAsset, PutAssetMsg{ID: id, Name: "tile.png", Data: data})
	require.Eventually(t, func() bool {
		ok, err := ts.srv.db.HasAsset(context.Background(), id)
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	sendMsg(t, alice, MsgGetAsset, GetAssetCmd{ID: id})

	start := readFrame(t, alice)
	require.Equal(t, FrameStart, start.Type)
	assert.Equal(t, id, start.Header.ID)
	assert.Equal(t, "tile.png", start.Header.Name)
	assert.Equal(t, int64(len(data)), start.Header.Size)

	var got bytes.Buffer
	for {
		f := readFrame(t, alice)
		require.Equal(t, FrameChunk, f.Type)
		assert.LessOrEqual(t, len(f.Chunk.Data), 1024)
		assert.Equal(t, int64(got.Len()), f.Chunk.Offset)
		got.Write(f.Chunk.Data)
		if f.Chunk.Last {
			break
		}
	}
	assert.Equal(t, data, got.Bytes())

	sendMsg(t, alice, MsgGetAsset, GetAssetCmd{ID: "does-not-exist"})
	broken := expectEnvelope(t, alice, MsgPutAsset)
	assert.Equal(t, true, dataMap(t, broken)["broken"])
}

// ---------- HTTP ----------

func TestHealthz(t *testing.T) {
	ts := startTestServer(t, testConfig())
	joinOpen(t, ts, "Alice", RolePlayer)
	ts.srv.journal.flush([]SessionEvent{
		{Type: EvtHandshakeFailed, Player: "Mallory", Timestamp: time.Now().UTC()},
	})

	resp, err := http.Get(ts.baseURL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Test", body["campaign"])
	assert.Equal(t, float64(1), body["players"])
	recent, ok := body["recent"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, recent)
	assert.Equal(t, "Mallory", recent[0].(map[string]interface{})["player"])
}

func TestConnectQRCode(t *testing.T) {
	ts := startTestServer(t, testConfig())
	resp, err := http.Get(ts.baseURL + "/connect.png")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	png, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")))
}

func TestCrossOriginUpgradeRejected(t *testing.T) {
	ts := startTestServer(t, testConfig())
	hdr := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL, hdr)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/semanticcity/server/internal/chunkcache"
	"github.com/semanticcity/server/internal/compression"
	"github.com/semanticcity/server/internal/streaming"
	"github.com/semanticcity/server/internal/world"
)

type wsTestServer struct {
	server *httptest.Server
	cache  *chunkcache.Cache
	ws     *WebSocketHandlers
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	cfg := testConfig()
	cache := chunkcache.New(chunkcache.NewMemoryStore(), nil, cfg.World)
	handler, ws := NewRouter(RouterDeps{Config: cfg, Cache: cache})

	ctx, cancel := context.WithCancel(context.Background())
	go ws.GetHub().Run(ctx)

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &wsTestServer{server: srv, cache: cache, ws: ws}
}

func (s *wsTestServer) dial(t *testing.T, protocols ...string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	dialer := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if len(protocols) > 0 && resp.Header.Get("Sec-WebSocket-Protocol") != ProtocolVersion1 {
		t.Errorf("expected negotiated protocol %s, got %q", ProtocolVersion1, resp.Header.Get("Sec-WebSocket-Protocol"))
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType, id string, data interface{}) {
	t.Helper()
	msg := map[string]interface{}{"type": msgType, "id": id}
	if data != nil {
		msg["data"] = data
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var msg WebSocketMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// collect reads until it has seen one message of replyType and n chunk_data
// messages, in whatever order the server sent them.
func collect(t *testing.T, conn *websocket.Conn, replyType string, n int) (WebSocketMessage, []ChunkDataPayload) {
	t.Helper()
	var reply WebSocketMessage
	var chunks []ChunkDataPayload
	for reply.Type == "" || len(chunks) < n {
		msg := receive(t, conn)
		switch msg.Type {
		case replyType:
			reply = msg
		case "chunk_data":
			var payload ChunkDataPayload
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				t.Fatalf("decode chunk_data: %v", err)
			}
			chunks = append(chunks, payload)
		default:
			t.Fatalf("unexpected message %s: %s", msg.Type, msg.Data)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkID < chunks[j].ChunkID })
	return reply, chunks
}

func TestWebSocketPing(t *testing.T) {
	s := newWSTestServer(t)
	conn := s.dial(t, ProtocolVersion1)

	send(t, conn, "ping", "p1", nil)
	msg := receive(t, conn)
	if msg.Type != "pong" || msg.ID != "p1" {
		t.Errorf("expected pong p1, got %s %s", msg.Type, msg.ID)
	}
}

func TestWebSocketRejectsUnknownProtocol(t *testing.T) {
	s := newWSTestServer(t)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	dialer := websocket.Dialer{Subprotocols: []string{"other-v9"}}
	_, resp, err := dialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 response, got %v", resp)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	s := newWSTestServer(t)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 response, got %v", resp)
	}
}

func TestWebSocketStreamSubscribeAndMove(t *testing.T) {
	s := newWSTestServer(t)
	conn := s.dial(t, ProtocolVersion1)

	send(t, conn, "stream_subscribe", "s1", map[string]interface{}{"x": 75, "z": 75, "radius": 1})
	ack, chunks := collect(t, conn, "stream_ack", 9)

	var plan streaming.SubscriptionPlan
	if err := json.Unmarshal(ack.Data, &plan); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if plan.SubscriptionID == "" || len(plan.ChunkIDs) != 9 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	for _, c := range chunks {
		if c.SubscriptionID != plan.SubscriptionID {
			t.Errorf("chunk %s tagged with subscription %q", c.ChunkID, c.SubscriptionID)
		}
		if c.Cache != "miss" || c.Record == nil || len(c.Record.Buildings) != 16 {
			t.Errorf("chunk %s: unexpected payload cache=%s", c.ChunkID, c.Cache)
		}
	}
	if chunks[0].ChunkID != "-1_-1" || chunks[8].ChunkID != "1_1" {
		t.Errorf("unexpected chunk window %s..%s", chunks[0].ChunkID, chunks[8].ChunkID)
	}

	// One chunk east: column x=2 enters, column x=-1 leaves.
	send(t, conn, "stream_update_pose", "u1", map[string]interface{}{"subscription_id": plan.SubscriptionID, "x": 225, "z": 75})
	reply, moved := collect(t, conn, "stream_delta", 3)

	var delta streaming.ChunkDelta
	if err := json.Unmarshal(reply.Data, &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if want := []string{"2_-1", "2_0", "2_1"}; strings.Join(delta.AddedChunks, ",") != strings.Join(want, ",") {
		t.Errorf("expected added %v, got %v", want, delta.AddedChunks)
	}
	if want := []string{"-1_-1", "-1_0", "-1_1"}; strings.Join(delta.RemovedChunks, ",") != strings.Join(want, ",") {
		t.Errorf("expected removed %v, got %v", want, delta.RemovedChunks)
	}
	if moved[0].ChunkID != "2_-1" || moved[2].ChunkID != "2_1" {
		t.Errorf("unexpected streamed chunks %s..%s", moved[0].ChunkID, moved[2].ChunkID)
	}
	if s.cache.Generations() != 12 {
		t.Errorf("expected 12 generations, got %d", s.cache.Generations())
	}
}

func TestWebSocketCompressedSubscription(t *testing.T) {
	s := newWSTestServer(t)
	conn := s.dial(t, ProtocolVersion1)

	// Pre-generate one chunk so the stream reports a hit.
	if _, err := s.cache.GetOrGenerate(context.Background(), world.ChunkCoord{}); err != nil {
		t.Fatalf("pre-generate: %v", err)
	}

	send(t, conn, "stream_subscribe", "s1", map[string]interface{}{"x": 10, "z": 10, "radius": 0, "compress": true})
	_, chunks := collect(t, conn, "stream_ack", 1)

	c := chunks[0]
	if c.ChunkID != "0_0" || c.Cache != "hit" {
		t.Fatalf("unexpected chunk %s cache=%s", c.ChunkID, c.Cache)
	}
	if c.Record != nil || c.Compressed == nil {
		t.Fatal("expected only the compressed form")
	}
	record, err := compression.DecompressRecord(c.Compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if record.ChunkX != 0 || record.ChunkZ != 0 || len(record.Buildings) != 16 {
		t.Errorf("unexpected decompressed record %d_%d with %d buildings", record.ChunkX, record.ChunkZ, len(record.Buildings))
	}
}

func TestWebSocketUnsubscribe(t *testing.T) {
	s := newWSTestServer(t)
	conn := s.dial(t, ProtocolVersion1)

	send(t, conn, "stream_subscribe", "s1", map[string]interface{}{"x": 10, "z": 10, "radius": 0})
	ack, _ := collect(t, conn, "stream_ack", 1)
	var plan streaming.SubscriptionPlan
	if err := json.Unmarshal(ack.Data, &plan); err != nil {
		t.Fatalf("decode ack: %v", err)
	}

	send(t, conn, "stream_unsubscribe", "x1", map[string]interface{}{"subscription_id": plan.SubscriptionID})
	if msg := receive(t, conn); msg.Type != "stream_unsubscribed" || msg.ID != "x1" {
		t.Fatalf("expected stream_unsubscribed x1, got %s %s", msg.Type, msg.ID)
	}

	// A pose for the removed subscription neither loads nor streams chunks.
	send(t, conn, "stream_update_pose", "u1", map[string]interface{}{"subscription_id": plan.SubscriptionID, "x": 500, "z": 500})
	var resp WebSocketError
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Type != "error" || resp.Code != "SubscriptionNotFound" {
		t.Errorf("expected SubscriptionNotFound, got %+v", resp)
	}
	if s.cache.Generations() != 1 {
		t.Errorf("expected 1 generation, got %d", s.cache.Generations())
	}
}

func TestWebSocketErrors(t *testing.T) {
	s := newWSTestServer(t)
	conn := s.dial(t)

	tests := []struct {
		name    string
		msgType string
		data    interface{}
		code    string
	}{
		{"unknown type", "teleport", nil, "UnknownMessageType"},
		{"missing payload", "stream_subscribe", nil, "InvalidMessageFormat"},
		{"negative radius", "stream_subscribe", map[string]interface{}{"x": 0, "z": 0, "radius": -1}, "InvalidMessageFormat"},
		{"radius too large", "stream_subscribe", map[string]interface{}{"x": 0, "z": 0, "radius": 9}, "InvalidSubscription"},
		{"pose without subscription", "stream_update_pose", map[string]interface{}{"x": 0, "z": 0}, "InvalidMessageFormat"},
		{"pose for unknown subscription", "stream_update_pose", map[string]interface{}{"subscription_id": "nope", "x": 0, "z": 0}, "SubscriptionNotFound"},
		{"unsubscribe unknown", "stream_unsubscribe", map[string]interface{}{"subscription_id": "nope"}, "SubscriptionNotFound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.msgType, tt.name, tt.data)
			if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
				t.Fatalf("set deadline: %v", err)
			}
			var resp WebSocketError
			if err := conn.ReadJSON(&resp); err != nil {
				t.Fatalf("read: %v", err)
			}
			if resp.Type != "error" || resp.Code != tt.code || resp.ID != tt.name {
				t.Errorf("expected error %s for %q, got %+v", tt.code, tt.name, resp)
			}
		})
	}
}

func TestWebSocketAnnounceVersion(t *testing.T) {
	s := newWSTestServer(t)
	conn := s.dial(t, ProtocolVersion1)

	// The ping round trip guarantees the connection is registered with the hub.
	send(t, conn, "ping", "p1", nil)
	receive(t, conn)

	s.ws.AnnounceVersion(7)
	msg := receive(t, conn)
	if msg.Type != "world_version" {
		t.Fatalf("expected world_version, got %s", msg.Type)
	}
	var data map[string]int
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["version"] != 7 {
		t.Errorf("expected version 7, got %d", data["version"])
	}
}

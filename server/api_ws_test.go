package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/craglive/boxd/server/auth"
	"github.com/craglive/boxd/server/journal"
	"github.com/craglive/boxd/server/session"
	"github.com/craglive/boxd/server/store"
)

type testServer struct {
	srv      *httptest.Server
	api      *API
	manager  *BoxManager
	sessions *session.Registry
	store    store.Store
}

func newTestServer(t *testing.T, cfg *Config) *testServer {
	t.Helper()
	sessions := session.NewRegistry()
	manager := NewBoxManager(cfg, sessions)
	hub := NewHub(cfg)
	cache := NewSnapshotCache()
	jn := journal.NewStore()
	st := store.NewMemoryStore()
	d := NewDispatcher(cfg, manager, hub, cache, jn, st, sessions)
	api := NewAPI(cfg, st, d, manager, hub, cache, jn)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws/", api.handleOperatorWS)
	mux.HandleFunc("/api/public/ws", api.handlePublicAggregateWS)
	mux.HandleFunc("/api/public/ws/", api.handlePublicBoxWS)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, api: api, manager: manager, sessions: sessions, store: st}
}

func (ts *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + path
}

func dialOperator(t *testing.T, ts *testServer, boxID int, token string) *websocket.Conn {
	t.Helper()
	url := ts.wsURL("/api/ws/"+strconv.Itoa(boxID)) + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestOperatorWSSnapshotOnConnect(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)
	b := ts.manager.CreateBox("U16", 2, []int{30, 25}, 300, []CompetitorSpec{{Name: "Ana"}, {Name: "Bo"}})

	token, err := auth.GenerateToken(auth.RoleAdmin, nil, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	conn := dialOperator(t, ts, b.ID, token)

	frame := readFrame(t, conn)
	if frame["type"] != EvtStateSnapshot {
		t.Fatalf("first frame type=%v, want %s", frame["type"], EvtStateSnapshot)
	}
	if int(frame["boxId"].(float64)) != b.ID {
		t.Errorf("boxId=%v, want %d", frame["boxId"], b.ID)
	}
	if frame["sessionId"] == "" {
		t.Error("snapshot must carry the session pair")
	}
}

func TestOperatorWSInvalidTokenClose(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)
	ts.manager.CreateBox("U16", 1, []int{20}, 300, []CompetitorSpec{{Name: "Ana"}})

	url := ts.wsURL("/api/ws/0") + "?token=garbage"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != CloseUnauthenticated {
		t.Fatalf("expected close %d, got %v", CloseUnauthenticated, err)
	}
}

func TestOperatorWSForbiddenBoxClose(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)
	b := ts.manager.CreateBox("U16", 1, []int{20}, 300, []CompetitorSpec{{Name: "Ana"}})

	token, err := auth.GenerateToken(auth.RoleJudge, []int{b.ID + 5}, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	url := ts.wsURL("/api/ws/"+strconv.Itoa(b.ID)) + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != CloseForbiddenBox {
		t.Fatalf("expected close %d, got %v", CloseForbiddenBox, err)
	}
}

func TestOperatorWSCommandRoundTrip(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)
	b := ts.manager.CreateBox("U16", 1, []int{20}, 300, []CompetitorSpec{{Name: "Ana"}})

	token, _ := auth.GenerateToken(auth.RoleAdmin, nil, time.Hour)
	conn := dialOperator(t, ts, b.ID, token)
	readFrame(t, conn) // initial snapshot

	p, _ := ts.sessions.Current(b.ID)
	cmd := Command{Type: CmdInitRoute, RouteIndex: 1, SessionID: p.ID, BoxVersion: p.Version}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Expect the echo, the snapshot, and the issuer-only CMD_RESULT, in
	// some interleaving that ends with CMD_RESULT carrying status ok.
	var sawEcho, sawSnapshot bool
	for i := 0; i < 5; i++ {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case CmdInitRoute:
			sawEcho = true
		case EvtStateSnapshot:
			sawSnapshot = true
		case EvtCmdResult:
			res := frame["result"].(map[string]interface{})
			if res["status"] != StatusOK {
				t.Fatalf("result=%v", res)
			}
			if !sawEcho || !sawSnapshot {
				t.Fatalf("result before echo/snapshot (echo=%v snap=%v)", sawEcho, sawSnapshot)
			}
			return
		}
	}
	t.Fatal("never saw CMD_RESULT")
}

func TestPublicWSRequiresToken(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)
	b := ts.manager.CreateBox("U16", 1, []int{20}, 300, []CompetitorSpec{{Name: "Ana"}})

	url := ts.wsURL("/api/public/ws/" + strconv.Itoa(b.ID))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != CloseUnauthenticated {
		t.Fatalf("expected close %d, got %v", CloseUnauthenticated, err)
	}
}

func TestPublicWSSnapshotHidesSession(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)
	b := ts.manager.CreateBox("U16", 1, []int{20}, 300, []CompetitorSpec{{Name: "Ana"}})

	stok := auth.NewSpectatorToken()
	if err := ts.store.PutSpectatorToken(context.Background(), stok, time.Hour); err != nil {
		t.Fatalf("token: %v", err)
	}

	url := ts.wsURL("/api/public/ws/"+strconv.Itoa(b.ID)) + "?token=" + stok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := readFrame(t, conn)
	if frame["type"] != EvtStateSnapshot {
		t.Fatalf("type=%v", frame["type"])
	}
	if _, ok := frame["sessionId"]; ok {
		t.Error("public snapshot must not leak the session pair")
	}
	if _, ok := frame["boxVersion"]; ok {
		t.Error("public snapshot must not leak the box version")
	}
}

func TestOperatorWSHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 50 * time.Millisecond
	ts := newTestServer(t, cfg)
	b := ts.manager.CreateBox("U16", 1, []int{20}, 300, []CompetitorSpec{{Name: "Ana"}})

	token, _ := auth.GenerateToken(auth.RoleAdmin, nil, time.Hour)
	conn := dialOperator(t, ts, b.ID, token)

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn.SetReadDeadline(time.Now().Add(time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("no ping within a second")
	}
	conn.Close()
	<-done
}

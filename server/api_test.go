package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/craglive/boxd/server/middleware"
	"github.com/craglive/boxd/server/store"
)

func withPrincipal(r *http.Request, pr middleware.Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), middleware.PrincipalKey, pr))
}

func uploadRequest(t *testing.T, categorie string, routes, holds, preset, csv string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("categorie", categorie)
	mw.WriteField("routesCount", routes)
	if holds != "" {
		mw.WriteField("holdsCounts", holds)
	}
	if preset != "" {
		mw.WriteField("timerPreset", preset)
	}
	fw, err := mw.CreateFormFile("file", "startlist.csv")
	if err != nil {
		t.Fatalf("form: %v", err)
	}
	fw.Write([]byte(csv))
	mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/api/admin/upload", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return withPrincipal(r, middleware.Principal{Role: "admin", AllBoxes: true})
}

func TestHandleUploadCreatesBox(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)

	w := httptest.NewRecorder()
	r := uploadRequest(t, "U16 Male", "2", "30,25", "04:00", "Ana,North\nBo,South\n")
	ts.api.handleUpload(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var snap Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Categorie != "U16 Male" || snap.RoutesCount != 2 {
		t.Errorf("snapshot=%+v", snap)
	}
	if snap.Initiated {
		t.Error("fresh box must be uninitiated")
	}
	if snap.TimerPresetSec != 240 {
		t.Errorf("preset=%d, want 240", snap.TimerPresetSec)
	}

	// The record must be durable.
	recs, err := ts.store.ListBoxes(context.Background())
	if err != nil || len(recs) != 1 {
		t.Fatalf("persisted boxes: %v, n=%d", err, len(recs))
	}
	if len(recs[0].Competitors) != 2 {
		t.Errorf("roster=%+v", recs[0].Competitors)
	}
}

func TestHandleUploadRejectsBadInput(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)

	cases := []struct {
		name string
		req  *http.Request
	}{
		{"no categorie", uploadRequest(t, "", "2", "", "", "Ana\n")},
		{"bad routes", uploadRequest(t, "U16", "zero", "", "", "Ana\n")},
		{"bad preset", uploadRequest(t, "U16", "2", "", "300", "Ana\n")},
		{"empty roster", uploadRequest(t, "U16", "2", "", "", "")},
		{"bad holds", uploadRequest(t, "U16", "2", "x,y", "", "Ana\n")},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		ts.api.handleUpload(w, c.req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status=%d", c.name, w.Code)
		}
	}
}

func TestHandleDeleteBox(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)
	b := ts.manager.CreateBox("U16", 1, []int{20}, 300, []CompetitorSpec{{Name: "Ana"}})

	w := httptest.NewRecorder()
	r := withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/admin/boxes/0", nil),
		middleware.Principal{Role: "admin", AllBoxes: true})
	ts.api.handleDeleteBox(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ts.manager.Get(b.ID) != nil {
		t.Error("box still live after delete")
	}

	// Deleting again is a 404.
	w = httptest.NewRecorder()
	ts.api.handleDeleteBox(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("double delete status=%d", w.Code)
	}
}

func TestHandleStateForbidden(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)
	ts.manager.CreateBox("U16", 1, []int{20}, 300, []CompetitorSpec{{Name: "Ana"}})

	r := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/state/0", nil),
		middleware.Principal{Role: "judge", BoxIDs: []int{7}})
	w := httptest.NewRecorder()
	ts.api.handleState(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", w.Code)
	}

	r = withPrincipal(httptest.NewRequest(http.MethodGet, "/api/state/0", nil),
		middleware.Principal{Role: "judge", BoxIDs: []int{0}})
	w = httptest.NewRecorder()
	ts.api.handleState(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
	var snap Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil || snap.Type != EvtStateSnapshot {
		t.Errorf("snapshot decode: %v, type=%s", err, snap.Type)
	}
}

func TestHandleCommandHTTP(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)
	b := ts.manager.CreateBox("U16", 1, []int{20}, 300, []CompetitorSpec{{Name: "Ana"}})
	p, _ := ts.sessions.Current(b.ID)

	body, _ := json.Marshal(Command{BoxID: b.ID, Type: CmdInitRoute, RouteIndex: 1, SessionID: p.ID, BoxVersion: p.Version})
	r := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/cmd", bytes.NewReader(body)),
		middleware.Principal{Role: "admin", AllBoxes: true})
	w := httptest.NewRecorder()
	ts.api.handleCommand(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var res Result
	json.NewDecoder(w.Body).Decode(&res)
	if res.Status != StatusOK || res.BoxVersion != 1 {
		t.Errorf("result=%+v", res)
	}

	// Forbidden box maps to 403.
	body, _ = json.Marshal(Command{BoxID: b.ID, Type: CmdStartTimer})
	r = withPrincipal(httptest.NewRequest(http.MethodPost, "/api/cmd", bytes.NewReader(body)),
		middleware.Principal{Role: "judge", BoxIDs: []int{9}})
	w = httptest.NewRecorder()
	ts.api.handleCommand(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("forbidden status=%d", w.Code)
	}

	// Unknown box maps to 404.
	body, _ = json.Marshal(Command{BoxID: 42, Type: CmdStartTimer})
	r = withPrincipal(httptest.NewRequest(http.MethodPost, "/api/cmd", bytes.NewReader(body)),
		middleware.Principal{Role: "admin", AllBoxes: true})
	w = httptest.NewRecorder()
	ts.api.handleCommand(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown box status=%d", w.Code)
	}
}

func TestPublicTokenAndBoxes(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)

	w := httptest.NewRecorder()
	ts.api.handlePublicToken(w, httptest.NewRequest(http.MethodPost, "/api/public/token", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("token status=%d", w.Code)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(w.Body).Decode(&tok); err != nil || tok.AccessToken == "" {
		t.Fatalf("token body: %v, %+v", err, tok)
	}
	if tok.ExpiresIn != int(cfg.SpectatorTokenTTL/time.Second) {
		t.Errorf("expires_in=%d, want %d", tok.ExpiresIn, int(cfg.SpectatorTokenTTL/time.Second))
	}

	// No token: 401.
	w = httptest.NewRecorder()
	ts.api.handlePublicBoxes(w, httptest.NewRequest(http.MethodGet, "/api/public/boxes", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token status=%d", w.Code)
	}

	// Valid token: listing (empty, no initiated boxes yet).
	w = httptest.NewRecorder()
	ts.api.handlePublicBoxes(w, httptest.NewRequest(http.MethodGet, "/api/public/boxes?token="+tok.AccessToken, nil))
	if w.Code != http.StatusOK {
		t.Errorf("listing status=%d", w.Code)
	}
}

func TestPublicRankingsFrame(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)

	score := 14.5
	ts.store.SaveRanking(context.Background(), &store.RankingRecord{
		Categorie:  "U16",
		RouteCount: 1,
		Scores:     map[string][]*float64{"Ana": {&score}},
		SavedAt:    time.Now().UTC(),
	})

	w := httptest.NewRecorder()
	ts.api.handlePublicToken(w, httptest.NewRequest(http.MethodPost, "/api/public/token", nil))
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	json.NewDecoder(w.Body).Decode(&tok)

	w = httptest.NewRecorder()
	ts.api.handlePublicRankings(w, httptest.NewRequest(http.MethodGet, "/api/public/rankings?token="+tok.AccessToken, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	// The aggregate snapshot frame is the top-level object.
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["type"] != EvtPublicStateSnapshot {
		t.Errorf("type=%v, want %s", body["type"], EvtPublicStateSnapshot)
	}
	if _, ok := body["boxes"]; !ok {
		t.Error("boxes missing from rankings frame")
	}
	saved, ok := body["saved"].([]interface{})
	if !ok || len(saved) != 1 {
		t.Errorf("saved=%v, want the one stored ranking", body["saved"])
	}
}

func TestHandleSaveRanking(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)

	// The documented payload stores the ranking as sent.
	score := 21.0
	payload, _ := json.Marshal(map[string]interface{}{
		"categorie":         "U18 Female",
		"route_count":       2,
		"scores":            map[string][]*float64{"Ana": {&score, nil}},
		"times":             map[string][]*float64{},
		"clubs":             map[string]string{"Ana": "North"},
		"use_time_tiebreak": true,
	})
	w := httptest.NewRecorder()
	r := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/admin/save_ranking", bytes.NewReader(payload)),
		middleware.Principal{Role: "admin", AllBoxes: true})
	ts.api.handleSaveRanking(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	list, err := ts.store.ListRankings(context.Background())
	if err != nil || len(list) != 1 {
		t.Fatalf("rankings: %v, n=%d", err, len(list))
	}
	rec := list[0]
	if rec.Categorie != "U18 Female" || rec.RouteCount != 2 || !rec.UseTimeTiebreak {
		t.Errorf("record=%+v", rec)
	}
	if rec.Clubs["Ana"] != "North" || *rec.Scores["Ana"][0] != 21.0 {
		t.Errorf("payload fields lost: %+v", rec)
	}

	// boxId freezes the live scores of that box instead.
	b := ts.manager.CreateBox("U20", 1, []int{20}, 300, []CompetitorSpec{{Name: "Bo"}})
	body, _ := json.Marshal(map[string]int{"boxId": b.ID})
	w = httptest.NewRecorder()
	r = withPrincipal(httptest.NewRequest(http.MethodPost, "/api/admin/save_ranking", bytes.NewReader(body)),
		middleware.Principal{Role: "admin", AllBoxes: true})
	ts.api.handleSaveRanking(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("boxId path status=%d body=%s", w.Code, w.Body.String())
	}
	list, _ = ts.store.ListRankings(context.Background())
	if len(list) != 2 {
		t.Fatalf("rankings after boxId save: n=%d, want 2", len(list))
	}

	// Neither categorie nor boxId: 400.
	w = httptest.NewRecorder()
	r = withPrincipal(httptest.NewRequest(http.MethodPost, "/api/admin/save_ranking", strings.NewReader(`{}`)),
		middleware.Principal{Role: "admin", AllBoxes: true})
	ts.api.handleSaveRanking(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty body status=%d", w.Code)
	}
}

func TestIdempotencyReplay(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)

	handler := ts.api.withIdempotency(ts.api.handleUpload)

	r1 := uploadRequest(t, "U16", "1", "20", "", "Ana\n")
	r1.Header.Set("X-Idempotency-Key", "upload-1")
	w1 := httptest.NewRecorder()
	handler(w1, r1)
	if w1.Code != http.StatusCreated {
		t.Fatalf("first upload status=%d", w1.Code)
	}

	// Same key replays the cached response instead of creating a second box.
	r2 := uploadRequest(t, "U16", "1", "20", "", "Ana\n")
	r2.Header.Set("X-Idempotency-Key", "upload-1")
	w2 := httptest.NewRecorder()
	handler(w2, r2)
	if w2.Code != http.StatusCreated {
		t.Fatalf("replay status=%d", w2.Code)
	}
	if ts.manager.Count() != 1 {
		t.Errorf("boxes=%d, want 1: replay must not re-execute", ts.manager.Count())
	}
	if !strings.Contains(w2.Body.String(), `"boxId":0`) {
		t.Errorf("replay body=%s", w2.Body.String())
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/craglive/boxd/server/auth"
	"github.com/craglive/boxd/server/journal"
	"github.com/craglive/boxd/server/middleware"
	"github.com/craglive/boxd/server/observability"
	"github.com/craglive/boxd/server/store"
)

// API owns the HTTP surface: the operator command/state endpoints, the
// admin lifecycle endpoints, and the spectator read-only endpoints.
type API struct {
	store      store.Store
	dispatcher *Dispatcher
	manager    *BoxManager
	hub        *Hub
	cache      *SnapshotCache
	journal    *journal.Store
	cfg        *Config
}

func NewAPI(cfg *Config, st store.Store, dispatcher *Dispatcher, manager *BoxManager, hub *Hub, cache *SnapshotCache, jn *journal.Store) *API {
	return &API{
		store:      st,
		dispatcher: dispatcher,
		manager:    manager,
		hub:        hub,
		cache:      cache,
		journal:    jn,
		cfg:        cfg,
	}
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// idempotentResponse is the cached shape of a replayed mutating request.
type idempotentResponse struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body"`
}

// withIdempotency replays a cached response when the client retries a
// mutating request with the same X-Idempotency-Key (upload retries on a
// flaky venue network would otherwise create duplicate boxes).
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if cached, err := a.store.GetIdempotencyRecord(r.Context(), key); err == nil {
			var resp idempotentResponse
			if err := json.Unmarshal([]byte(cached), &resp); err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(resp.StatusCode)
				w.Write(resp.Body)
				return
			}
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		data, err := json.Marshal(idempotentResponse{StatusCode: rec.statusCode, Body: rec.body})
		if err != nil {
			return
		}
		if err := a.store.SetIdempotencyRecord(r.Context(), key, string(data), 24*time.Hour); err != nil {
			log.Printf("idempotency record write failed for key %s: %v", key, err)
		}
	}
}

// -- Operator Endpoints --

// handleCommand is POST /api/cmd: the HTTP transport into the dispatcher.
// The WebSocket transport lands in the same Dispatcher.Apply.
func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pr, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if cmd.Type == "" {
		http.Error(w, "Command type is required", http.StatusBadRequest)
		return
	}

	res := a.dispatcher.Apply(r.Context(), pr, cmd)

	status := http.StatusOK
	switch res.Reason {
	case ReasonForbidden:
		status = http.StatusForbidden
	case ReasonRateLimited:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
	case ReasonUnknownBox:
		status = http.StatusNotFound
	case ReasonInternal:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, res)
}

// handleState is GET /api/state/{boxId}: the polling fallback for clients
// whose WebSocket is down.
func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	boxID, ok := boxIDFromPath(r.URL.Path, "/api/state/")
	if !ok {
		http.Error(w, "Invalid box id", http.StatusBadRequest)
		return
	}

	pr, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !pr.Allows(boxID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	snap, ok := a.cache.Fresh(boxID)
	if !ok {
		snap, ok = a.manager.Snapshot(boxID)
	}
	if !ok {
		http.Error(w, "Unknown box", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// -- Admin Endpoints --

// handleUpload is POST /api/admin/upload: multipart start list plus box
// parameters. Creates the box uninitiated; the admin console follows up
// with INIT_ROUTE.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	categorie := strings.TrimSpace(r.FormValue("categorie"))
	if categorie == "" {
		http.Error(w, "categorie is required", http.StatusBadRequest)
		return
	}

	routesCount, err := strconv.Atoi(r.FormValue("routesCount"))
	if err != nil || routesCount < 1 {
		http.Error(w, "routesCount must be a positive integer", http.StatusBadRequest)
		return
	}

	holdsCounts, err := parseHoldsCounts(r.FormValue("holdsCounts"), routesCount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	presetSec := a.cfg.TimerPresetSec
	if preset := r.FormValue("timerPreset"); preset != "" {
		sec, ok := parsePreset(preset)
		if !ok {
			http.Error(w, "timerPreset must be MM:SS", http.StatusBadRequest)
			return
		}
		presetSec = sec
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "start list file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	roster, err := parseRoster(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid start list: %v", err), http.StatusBadRequest)
		return
	}

	specs := make([]CompetitorSpec, 0, len(roster))
	for _, e := range roster {
		specs = append(specs, CompetitorSpec{Name: e.Name, Club: e.Club})
	}
	b := a.manager.CreateBox(categorie, routesCount, holdsCounts, presetSec, specs)
	observability.ActiveBoxes.Set(float64(a.manager.Count()))

	rec := &store.BoxRecord{
		BoxID:          b.ID,
		Categorie:      categorie,
		RoutesCount:    routesCount,
		HoldsCounts:    holdsCounts,
		TimerPresetSec: presetSec,
		Competitors:    roster,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.store.SaveBox(r.Context(), rec); err != nil {
		log.Printf("box record persist failed for box %d: %v", b.ID, err)
	}

	snap, _ := a.manager.Snapshot(b.ID)
	writeJSON(w, http.StatusCreated, snap)
}

// handleSaveRanking is POST /api/admin/save_ranking: stores a per-category
// ranking. The console sends the full ranking payload; sending a boxId
// instead freezes that box's live scores server-side.
func (a *API) handleSaveRanking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BoxID           *int                  `json:"boxId"`
		Categorie       string                `json:"categorie"`
		RouteCount      int                   `json:"route_count"`
		Scores          map[string][]*float64 `json:"scores"`
		Times           map[string][]*float64 `json:"times"`
		Clubs           map[string]string     `json:"clubs"`
		UseTimeTiebreak bool                  `json:"use_time_tiebreak"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var rec *store.RankingRecord
	switch {
	case req.BoxID != nil:
		// Convenience path: freeze the box's live scores server-side.
		snap, ok := a.manager.Snapshot(*req.BoxID)
		if !ok {
			http.Error(w, "Unknown box", http.StatusNotFound)
			return
		}
		clubs := make(map[string]string, len(snap.Competitors))
		for _, c := range snap.Competitors {
			if c.Club != "" {
				clubs[c.Name] = c.Club
			}
		}
		rec = &store.RankingRecord{
			Categorie:       snap.Categorie,
			RouteCount:      snap.RoutesCount,
			Scores:          snap.ScoresByName,
			Times:           snap.TimesByName,
			Clubs:           clubs,
			UseTimeTiebreak: snap.TimeCriterionEnabled,
			SavedAt:         time.Now().UTC(),
		}
	case req.Categorie != "":
		rec = &store.RankingRecord{
			Categorie:       req.Categorie,
			RouteCount:      req.RouteCount,
			Scores:          req.Scores,
			Times:           req.Times,
			Clubs:           req.Clubs,
			UseTimeTiebreak: req.UseTimeTiebreak,
			SavedAt:         time.Now().UTC(),
		}
	default:
		http.Error(w, "categorie or boxId is required", http.StatusBadRequest)
		return
	}

	if err := a.store.SaveRanking(r.Context(), rec); err != nil {
		log.Printf("ranking persist failed for %s: %v", rec.Categorie, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "categorie": rec.Categorie})
}

// handleDeleteBox is DELETE /api/admin/boxes/{boxId}. Subscribers get a
// terminal close with the box_deleted code, then every trace of the box is
// dropped.
func (a *API) handleDeleteBox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	boxID, ok := boxIDFromPath(r.URL.Path, "/api/admin/boxes/")
	if !ok {
		http.Error(w, "Invalid box id", http.StatusBadRequest)
		return
	}

	if !a.manager.Delete(boxID) {
		http.Error(w, "Unknown box", http.StatusNotFound)
		return
	}
	a.hub.CloseBox(boxID, CloseBoxDeleted)
	a.cache.Drop(boxID)
	a.journal.Drop(boxID)
	observability.ActiveBoxes.Set(float64(a.manager.Count()))

	if err := a.store.DeleteBox(r.Context(), boxID); err != nil {
		log.Printf("box record delete failed for box %d: %v", boxID, err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleJournal is GET /api/admin/journal/{boxId}: the recent command trail.
func (a *API) handleJournal(w http.ResponseWriter, r *http.Request) {
	boxID, ok := boxIDFromPath(r.URL.Path, "/api/admin/journal/")
	if !ok {
		http.Error(w, "Invalid box id", http.StatusBadRequest)
		return
	}
	if a.manager.Get(boxID) == nil {
		http.Error(w, "Unknown box", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.journal.Events(boxID))
}

// -- Public Endpoints --

// handlePublicToken is POST /api/public/token: mints an opaque spectator
// token with a TTL. No authentication; the token only grants read access
// to the public views.
func (a *API) handlePublicToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := auth.NewSpectatorToken()
	if err := a.store.PutSpectatorToken(r.Context(), token, a.cfg.SpectatorTokenTTL); err != nil {
		log.Printf("spectator token persist failed: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	observability.SpectatorTokensIssued.Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_in":   int(a.cfg.SpectatorTokenTTL / time.Second),
	})
}

// handlePublicBoxes is GET /api/public/boxes: the initiated-boxes listing
// for the spectator landing page.
func (a *API) handlePublicBoxes(w http.ResponseWriter, r *http.Request) {
	if !a.requireSpectator(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, a.cache.Listings())
}

// publicRankings is the GET /api/public/rankings body: the live aggregate
// frame with the saved per-category rankings attached.
type publicRankings struct {
	AggregateSnapshot
	Saved []*store.RankingRecord `json:"saved"`
}

// handlePublicRankings is GET /api/public/rankings: the aggregate snapshot
// frame plus the saved rankings.
func (a *API) handlePublicRankings(w http.ResponseWriter, r *http.Request) {
	if !a.requireSpectator(w, r) {
		return
	}

	saved, err := a.store.ListRankings(r.Context())
	if err != nil {
		log.Printf("ranking list failed: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, publicRankings{
		AggregateSnapshot: a.cache.Aggregate(),
		Saved:             saved,
	})
}

// requireSpectator validates the spectator token from the token query
// parameter or the X-Spectator-Token header.
func (a *API) requireSpectator(w http.ResponseWriter, r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Spectator-Token")
	}
	if token == "" {
		http.Error(w, "Missing spectator token", http.StatusUnauthorized)
		return false
	}
	ok, err := a.store.CheckSpectatorToken(r.Context(), token)
	if err != nil {
		log.Printf("spectator token check failed: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return false
	}
	if !ok {
		http.Error(w, "Invalid or expired spectator token", http.StatusUnauthorized)
		return false
	}
	return true
}

// -- Helpers --

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("response encode failed: %v", err)
	}
}

func boxIDFromPath(path, prefix string) (int, bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path || rest == "" || strings.Contains(rest, "/") {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// parseHoldsCounts parses the comma-separated per-route hold totals, padded
// or truncated to routesCount.
func parseHoldsCounts(raw string, routesCount int) ([]int, error) {
	out := make([]int, routesCount)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	parts := strings.Split(raw, ",")
	for i, p := range parts {
		if i >= routesCount {
			break
		}
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("holdsCounts entry %d is not a non-negative integer", i+1)
		}
		out[i] = n
	}
	return out, nil
}

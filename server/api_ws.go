package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/craglive/boxd/server/auth"
	"github.com/craglive/boxd/server/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS policy is enforced at the HTTP layer
	},
}

// handleOperatorWS is GET /api/ws/{boxId}: the judge/admin channel. Auth
// failures complete the upgrade and then close with a 4xxx code so browser
// clients can read the reason instead of seeing a failed handshake.
func (a *API) handleOperatorWS(w http.ResponseWriter, r *http.Request) {
	boxID, ok := boxIDFromPath(r.URL.Path, "/api/ws/")
	if !ok {
		http.Error(w, "Invalid box id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed for box %d: %v", boxID, err)
		return
	}

	claims, err := auth.ValidateToken(middleware.BearerFromRequest(r))
	if err != nil {
		closeWithCode(conn, CloseUnauthenticated, "invalid credentials")
		return
	}
	pr := middleware.Principal{Role: claims.Role, BoxIDs: claims.BoxIDs, AllBoxes: claims.AllBoxes}
	if !pr.Allows(boxID) {
		closeWithCode(conn, CloseForbiddenBox, "box not permitted")
		return
	}
	if a.manager.Get(boxID) == nil {
		closeWithCode(conn, CloseBoxDeleted, "unknown box")
		return
	}

	sub := a.hub.NewSubscriber(conn, pr.Role, boxID, false, r.RemoteAddr)
	a.hub.Subscribe(sub)
	a.hub.Serve(sub, func(s *Subscriber, cmd Command) {
		a.handleOperatorFrame(s, pr, cmd)
	})

	a.sendSnapshot(sub, boxID)
}

// handleOperatorFrame routes one inbound operator frame: read-only frames
// are served directly, everything else goes through the dispatcher and the
// result is echoed back to the issuer as a CMD_RESULT frame.
func (a *API) handleOperatorFrame(s *Subscriber, pr middleware.Principal, cmd Command) {
	switch cmd.Type {
	case CmdRequestState:
		a.sendSnapshot(s, s.boxID)
		return
	case CmdPing:
		a.sendFrame(s, map[string]string{"type": CmdPong})
		return
	}

	cmd.BoxID = s.boxID // the channel pins the box; ignore any client value
	res := a.dispatcher.Apply(context.Background(), pr, cmd)
	a.sendFrame(s, cmdResultFrame{
		Type:    EvtCmdResult,
		BoxID:   s.boxID,
		CmdType: cmd.Type,
		Result:  res,
		Ts:      time.Now().UTC(),
	})
}

// cmdResultFrame is the per-issuer acknowledgment for WebSocket commands.
type cmdResultFrame struct {
	Type    string    `json:"type"`
	BoxID   int       `json:"boxId"`
	CmdType string    `json:"cmdType"`
	Result  Result    `json:"result"`
	Ts      time.Time `json:"ts"`
}

// handlePublicBoxWS is GET /api/public/ws/{boxId}: the spectator per-box
// channel. Requires a valid spectator token; inbound frames other than
// REQUEST_STATE and heartbeats are ignored.
func (a *API) handlePublicBoxWS(w http.ResponseWriter, r *http.Request) {
	boxID, ok := boxIDFromPath(r.URL.Path, "/api/public/ws/")
	if !ok {
		http.Error(w, "Invalid box id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed for public box %d: %v", boxID, err)
		return
	}

	if !a.spectatorAllowed(r) {
		closeWithCode(conn, CloseUnauthenticated, "invalid spectator token")
		return
	}
	if a.manager.Get(boxID) == nil {
		closeWithCode(conn, CloseBoxDeleted, "unknown box")
		return
	}

	sub := a.hub.NewSubscriber(conn, "spectator", boxID, true, r.RemoteAddr)
	a.hub.Subscribe(sub)
	a.hub.Serve(sub, func(s *Subscriber, cmd Command) {
		if cmd.Type == CmdRequestState {
			a.sendPublicSnapshot(s, s.boxID)
		}
	})

	a.sendPublicSnapshot(sub, boxID)
}

// handlePublicAggregateWS is GET /api/public/ws: all boxes at once, for
// the rankings wall display.
func (a *API) handlePublicAggregateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed for aggregate: %v", err)
		return
	}

	if !a.spectatorAllowed(r) {
		closeWithCode(conn, CloseUnauthenticated, "invalid spectator token")
		return
	}

	sub := a.hub.NewSubscriber(conn, "spectator", -1, true, r.RemoteAddr)
	a.hub.Subscribe(sub)
	a.hub.Serve(sub, func(s *Subscriber, cmd Command) {
		if cmd.Type == CmdRequestState {
			a.sendFrame(s, a.cache.Aggregate())
		}
	})

	a.sendFrame(sub, a.cache.Aggregate())
}

// sendSnapshot delivers the authoritative snapshot to one operator
// subscriber, preferring the cache when it is fresh.
func (a *API) sendSnapshot(s *Subscriber, boxID int) {
	snap, ok := a.cache.Fresh(boxID)
	if !ok {
		snap, ok = a.manager.Snapshot(boxID)
	}
	if !ok {
		return
	}
	a.sendFrame(s, snap)
}

func (a *API) sendPublicSnapshot(s *Subscriber, boxID int) {
	pub, ok := a.cache.Public(boxID)
	if !ok {
		pub, ok = a.manager.PublicSnapshot(boxID)
	}
	if !ok {
		return
	}
	a.sendFrame(s, pub)
}

func (a *API) sendFrame(s *Subscriber, v interface{}) {
	frame, err := json.Marshal(v)
	if err != nil {
		log.Printf("frame marshal failed: %v", err)
		return
	}
	a.hub.Send(s, frame)
}

func (a *API) spectatorAllowed(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Spectator-Token")
	}
	if token == "" {
		return false
	}
	ok, err := a.store.CheckSpectatorToken(r.Context(), token)
	if err != nil {
		log.Printf("spectator token check failed: %v", err)
		return false
	}
	return ok
}

// closeWithCode completes the handshake contract: write the close frame
// with an application code and drop the connection.
func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage, msg)
	conn.Close()
}

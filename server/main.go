package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/craglive/boxd/server/journal"
	"github.com/craglive/boxd/server/middleware"
	"github.com/craglive/boxd/server/observability"
	"github.com/craglive/boxd/server/session"
	"github.com/craglive/boxd/server/store"
)

func main() {
	cfg := LoadConfig()

	st := openStore(cfg)
	defer st.Close()

	sessions := session.NewRegistry()
	manager := NewBoxManager(cfg, sessions)
	recoverBoxes(manager, st)

	cache := NewSnapshotCache()
	cache.Warm(manager)

	hub := NewHub(cfg)
	jn := journal.NewStore()
	dispatcher := NewDispatcher(cfg, manager, hub, cache, jn, st, sessions)
	api := NewAPI(cfg, st, dispatcher, manager, hub, cache, jn)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	http.Handle("/metrics", promhttp.Handler())

	// Operator surface
	http.Handle("/api/cmd", middleware.AuthMiddleware(api.withIdempotency(api.handleCommand)))
	http.Handle("/api/state/", middleware.AuthMiddleware(http.HandlerFunc(api.handleState)))
	http.HandleFunc("/api/ws/", api.handleOperatorWS)

	// Admin surface
	http.Handle("/api/admin/upload", middleware.AuthMiddleware(middleware.AdminOnly(api.withIdempotency(api.handleUpload))))
	http.Handle("/api/admin/save_ranking", middleware.AuthMiddleware(middleware.AdminOnly(api.withIdempotency(api.handleSaveRanking))))
	http.Handle("/api/admin/boxes/", middleware.AuthMiddleware(middleware.AdminOnly(http.HandlerFunc(api.handleDeleteBox))))
	http.Handle("/api/admin/journal/", middleware.AuthMiddleware(middleware.AdminOnly(http.HandlerFunc(api.handleJournal))))

	// Public surface (spectator token, not operator auth)
	http.HandleFunc("/api/public/token", api.handlePublicToken)
	http.HandleFunc("/api/public/boxes", api.handlePublicBoxes)
	http.HandleFunc("/api/public/rankings", api.handlePublicRankings)
	http.HandleFunc("/api/public/ws", api.handlePublicAggregateWS)
	http.HandleFunc("/api/public/ws/", api.handlePublicBoxWS)

	handler := middleware.CORSMiddleware(http.DefaultServeMux)
	server := &http.Server{Addr: cfg.Addr, Handler: handler}

	go func() {
		log.Printf("boxd listening on %s (boxes restored: %d)", cfg.Addr, manager.Count())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down: quiescing boxes")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Shutdown(ctx, hub)
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
}

// openStore selects the backend: Postgres when POSTGRES_URL is set, Redis
// when REDIS_ADDR is set, otherwise in-memory (single binary, no recovery
// across restarts).
func openStore(cfg *Config) store.Store {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.PostgresURL != "" {
		st, err := store.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		log.Printf("using Postgres store")
		return st
	}
	if cfg.RedisAddr != "" {
		st, err := store.NewRedisStore(cfg.RedisAddr, "", 0)
		if err != nil {
			log.Fatalf("failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		log.Printf("using Redis store at %s", cfg.RedisAddr)
		return st
	}
	log.Printf("using in-memory store (state will not survive restarts)")
	return store.NewMemoryStore()
}

// recoverBoxes rebuilds live boxes from persisted records and their latest
// snapshots. A box whose snapshot fails to decode comes back uninitiated
// from its record alone.
func recoverBoxes(manager *BoxManager, st store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	recs, err := st.ListBoxes(ctx)
	if err != nil {
		log.Printf("box recovery failed, starting empty: %v", err)
		return
	}

	for _, rec := range recs {
		var snap *Snapshot
		if data, err := st.GetBoxSnapshot(ctx, rec.BoxID); err != nil {
			log.Printf("snapshot load failed for box %d: %v", rec.BoxID, err)
		} else if len(data) > 0 {
			var s Snapshot
			if err := json.Unmarshal(data, &s); err != nil {
				log.Printf("snapshot decode failed for box %d, restoring uninitiated: %v", rec.BoxID, err)
			} else {
				snap = &s
			}
		}
		b := manager.Restore(rec, snap)
		log.Printf("restored box %d (%s), initiated=%v", b.ID, b.Categorie, b.Initiated)
	}
	observability.ActiveBoxes.Set(float64(manager.Count()))
}

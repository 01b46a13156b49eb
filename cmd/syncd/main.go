package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/estiohq/syncd/internal/api"
	"github.com/estiohq/syncd/internal/auth"
	"github.com/estiohq/syncd/internal/config"
	"github.com/estiohq/syncd/internal/db"
	"github.com/estiohq/syncd/internal/events"
	"github.com/estiohq/syncd/internal/session"
	"github.com/estiohq/syncd/internal/syncer"
	"github.com/estiohq/syncd/internal/vault"
	"github.com/estiohq/syncd/internal/version"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

func main() {
	configPath := flag.String("config", "syncd.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Credential storage and lifecycle
	credVault := vault.NewStore(database, nil)
	authMgr := auth.NewManager(database, credVault, cfg.Auth)

	// Browser session pool for webmail accounts
	pool := session.NewPool(cfg.Session, cfg.Auth.SessionValidity, credVault, session.NewChromeDriver)
	defer pool.Close()

	// Event fan-out to SSE clients
	bus := events.NewBus()
	defer bus.Close()

	orch := syncer.NewOrchestrator(database, cfg, authMgr, bus, pool)
	consent := auth.NewConsent(authMgr)

	// Background scheduler
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go orch.RunScheduler(ctx)

	// Create router
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// OAuth consent flow for API-backed accounts
	r.Get("/auth/login", consent.LoginHandler())
	r.Get("/auth/callback", consent.CallbackHandler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync/run", api.SyncRunHandler(orch))

		r.Get("/accounts", api.AccountsHandler(database))
		r.Post("/accounts/{id}/sync", api.AccountSyncHandler(database, orch))
		r.Post("/accounts/{id}/reauth", api.ReauthHandler(database, authMgr))

		r.Post("/cursors/{account}/{channel}/reset", api.CursorResetHandler(orch.Cursors()))

		r.Get("/runs", api.RunsHandler(database))
		r.Get("/events", api.EventsHandler(bus))
	})

	host := os.Getenv("HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}
	addr := host + ":" + port

	log.Printf("🚀 syncd %s starting on http://%s", version.Version, addr)
	log.Printf("⏰ Scheduled runs every %s", cfg.Sync.RunInterval)
	log.Printf("🔌 API: http://%s/api", addr)

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		log.Printf("🛑 shutting down")
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

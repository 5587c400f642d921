// Package main is the entry point for the tilemud game server.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"tilemud/internal/admission"
	"tilemud/internal/ai"
	"tilemud/internal/auth"
	"tilemud/internal/blocklist"
	"tilemud/internal/chat"
	"tilemud/internal/config"
	"tilemud/internal/database"
	"tilemud/internal/game"
	"tilemud/internal/handlers"
	"tilemud/internal/heartbeat"
	"tilemud/internal/kvstore"
	"tilemud/internal/middleware"
	"tilemud/internal/moderation"
	"tilemud/internal/ratelimit"
	"tilemud/internal/rules"
	"tilemud/internal/session"
	"tilemud/internal/storage"
	"tilemud/internal/telemetry"
	appwebsocket "tilemud/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// main initializes the application, sets up dependencies, defines routes,
// and starts the HTTP server with graceful shutdown.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Critical error loading configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Dependency Injection ---
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Critical error! Failed to connect to the database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		log.Fatalf("Critical error during database migration: %v", err)
	}

	kv, err := kvstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Critical error! Failed to open the key-value store: %v", err)
	}

	authSvc, err := auth.NewAuthService(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Critical error: failed to create authentication service: %v", err)
	}

	archive, err := storage.NewS3Service(cfg.S3)
	if err != nil {
		log.Fatalf("Critical error! Failed to create replay archive service: %v", err)
	}

	sink := telemetry.New(cfg.AlertWebhook)
	validate := validator.New()

	registry := session.NewRegistry(kv, cfg.GracePeriod, cfg.SessionTimeout)
	limiter := ratelimit.New(kv, ratelimit.Config{
		ChatLimit:      cfg.ChatRateLimit,
		ActionLimit:    cfg.ActionRateLimit,
		AdmissionLimit: cfg.ActionRateLimit,
		Window:         cfg.RateWindow,
		Lockout:        cfg.AdmissionLockout,
		RejectBudget:   cfg.AdmissionRejectBudget,
	})

	instances := game.NewInstanceRegistry()
	queue := admission.NewQueue(cfg.MaxQueueSize, cfg.QueueEntryTTL)
	controller := admission.NewController(registry, queue, limiter, instances, kv, admission.Config{
		ReplacementTokenTTL: cfg.ReplacementTokenTTL,
		TokenSealKey:        cfg.TokenSealKey,
	})

	monitor := heartbeat.NewMonitor(heartbeat.Config{
		HeartbeatTimeout:       cfg.HeartbeatTimeout,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		QuorumThresholdPct:     cfg.QuorumThresholdPct,
	})
	aiMon := ai.NewMonitor(ai.Config{
		Cooldown:      cfg.AiCooldown,
		MinAiRatio:    cfg.AiMinRatio,
		MaxAiRatio:    cfg.AiMaxRatio,
		MaxOpsPerPass: cfg.AiMaxOpsPerPass,
	})
	ruleReg := rules.NewRegistry(db)
	blocks := blocklist.NewCache(db, cfg.BlockCacheTTL)
	hub := appwebsocket.NewHub()

	coordinator := game.NewCoordinator(ctx, cfg, db, registry, controller, instances,
		monitor, limiter, aiMon, ruleReg, hub, sink, archive, authSvc)

	modSvc := moderation.NewService(db, registry, blocks, coordinator)
	dispatcher := chat.NewDispatcher(limiter, blocks, modSvc, coordinator, coordinator, chat.Config{
		DedupWindow:        cfg.DedupWindow,
		RetryInterval:      cfg.ChatRetryInterval,
		ExactlyOnceRetries: cfg.ExactlyOnceRetries,
		ExactlyOnceTimeout: cfg.ExactlyOnceTimeout,
		AtLeastOnceRetries: cfg.AtLeastOnceRetries,
		AtLeastOnceBackoff: cfg.AtLeastOnceBackoff,
		BestEffortTimeout:  cfg.BestEffortTimeout,
	})
	coordinator.AttachChat(dispatcher)

	// --- Background Goroutines ---
	go hub.Run()
	go registry.Run(ctx, cfg.GraceScanInterval)
	go queue.Run(ctx, cfg.QueueReapInterval)
	go blocks.Run(ctx, cfg.BlockCacheTTL)
	go dispatcher.RunRetries(ctx)
	go modSvc.RunMuteReaper(ctx, cfg.MuteReapInterval)
	go coordinator.RunArchiveReaper(ctx)

	// --- Router and Server Setup ---
	router := setupRouter(cfg, db, authSvc, validate, coordinator, instances,
		controller, registry, ruleReg, modSvc, sink, hub)
	srv := &http.Server{Addr: cfg.ServerAddr, Handler: router}

	go func() {
		log.Printf("Server is ready for connections and listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed with error: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("Shutdown signal received. Starting graceful shutdown...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Error during graceful server shutdown: %v", err)
	}
	log.Println("Server stopped successfully.")
}

// setupRouter initializes all handlers and registers all API routes.
func setupRouter(cfg *config.AppConfig, db *database.DB, authSvc *auth.AuthService,
	validate *validator.Validate, coordinator *game.Coordinator, instances *game.InstanceRegistry,
	controller *admission.Controller, registry *session.Registry, ruleReg *rules.Registry,
	modSvc *moderation.Service, sink *telemetry.Sink, hub *appwebsocket.Hub) *chi.Mux {

	authHandler := &handlers.AuthHandler{DB: db, AuthService: authSvc}
	instanceHandler := handlers.NewInstanceHandler(coordinator, instances, controller,
		registry, db, authSvc, validate, cfg, hub)
	adminHandler := handlers.NewAdminHandler(ruleReg, db, validate)
	moderationHandler := handlers.NewModerationHandler(modSvc, validate)
	statusHandler := handlers.NewStatusHandler(db, instances, sink)

	r := chi.NewRouter()

	// --- Middleware Stack ---
	setupCORS(r, cfg)
	r.Use(chimiddleware.Logger, chimiddleware.Recoverer)
	r.Use(middleware.DrainMiddleware(db))

	// --- Route Registration ---
	r.Get("/healthz", statusHandler.Healthz)
	r.Get("/", statusHandler.Overview)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	// Public unauthenticated routes.
	r.Post("/auth/login", authHandler.Login)
	r.Get("/instances/{instanceID}/status", instanceHandler.GetStatus)

	// Authenticated player routes.
	r.Group(func(r chi.Router) {
		r.Use(authHandler.AuthMiddleware)

		r.Get("/me", authHandler.Me)
		r.Get("/instances", instanceHandler.ListInstances)
		r.Post("/instances/{instanceID}/admit", instanceHandler.Admit)
		r.Post("/instances/{instanceID}/reconnect", instanceHandler.Reconnect)
		r.Get("/instances/{instanceID}/ws", instanceHandler.ServeWs)

		// Player-owned block relation.
		r.Post("/blocks", moderationHandler.Block)
		r.Delete("/blocks", moderationHandler.Unblock)
	})

	// Moderation routes.
	r.Group(func(r chi.Router) {
		r.Use(authHandler.AuthMiddleware, authHandler.RequireRole("moderator"))

		r.Post("/moderation/mute", moderationHandler.Mute)
		r.Post("/moderation/unmute", moderationHandler.Unmute)
		r.Post("/moderation/kick", moderationHandler.Kick)
		r.Post("/moderation/guilds/{guildID}/dissolve", moderationHandler.DissolveGuild)
	})

	// Admin routes.
	r.Group(func(r chi.Router) {
		r.Use(authHandler.AuthMiddleware, authHandler.RequireRole("admin"))

		r.Post("/admin/instances", instanceHandler.CreateInstance)
		r.Post("/admin/rules", adminHandler.CreateRuleConfig)
		r.Get("/admin/rules", adminHandler.ListRuleConfigs)
		r.Get("/admin/rules/{configID}", adminHandler.GetRuleConfig)
		r.Post("/admin/rules/{configID}/activate", adminHandler.ActivateRuleConfig)
		r.Post("/admin/rules/{configID}/deactivate", adminHandler.DeactivateRuleConfig)
		r.Post("/admin/drain", adminHandler.SetDrain)
		r.Get("/admin/audit", adminHandler.ListAudit)
	})

	return r
}

// --- Middleware Configuration ---

func setupCORS(r *chi.Mux, cfg *config.AppConfig) {
	allowedOrigins := strings.Split(cfg.CORSAllowedOrigins, ",")
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Origin", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		MaxAge:           cfg.CORSMaxAge,
	}).Handler)
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rescuegrid/dispatch/config"
	"github.com/rescuegrid/dispatch/internal/audit"
	"github.com/rescuegrid/dispatch/internal/handler"
	"github.com/rescuegrid/dispatch/internal/ledger"
	"github.com/rescuegrid/dispatch/internal/memstore"
	"github.com/rescuegrid/dispatch/internal/middleware"
	"github.com/rescuegrid/dispatch/internal/notify"
	"github.com/rescuegrid/dispatch/internal/repository"
	"github.com/rescuegrid/dispatch/internal/service"
	"github.com/rescuegrid/dispatch/internal/tracker"
	"github.com/rescuegrid/dispatch/pkg/cache"
	"github.com/rescuegrid/dispatch/pkg/db"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// ── Storage backend ─────────────────────────────────
	var (
		beds      ledger.Ledger
		directory handler.HospitalAdmin
		incidents service.IncidentStore
		sink      audit.Sink = audit.Nop{}
		pgPool    *pgxpool.Pool
		rdb       *redis.Client
	)

	switch cfg.Dispatch.StoreBackend {
	case "postgres":
		pgPool, err = db.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
		}
		defer pgPool.Close()
		log.Info().Msg("PostgreSQL connected")

		rdb, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("Redis connected")

		beds = repository.NewBedRepository(pgPool, rdb)
		directory = repository.NewHospitalRepository(pgPool)
		incidents = repository.NewIncidentRepository(pgPool)

		asyncSink := audit.NewAsync(audit.NewStreamSink(rdb, cfg.Dispatch.AuditStream, log), 1024, log)
		defer asyncSink.Close()
		sink = asyncSink

	case "memory":
		// single-process development mode, no external stores
		beds = ledger.NewMemory()
		directory = memstore.NewHospitalDirectory()
		incidents = memstore.NewIncidentStore()
		log.Info().Msg("in-memory stores initialized")
	}

	// ── Dispatch pipeline ───────────────────────────────
	var notifier notify.Notifier = notify.Nop{}
	if cfg.Dispatch.AlertWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Dispatch.AlertWebhookURL, log)
	}

	fleet := tracker.New(cfg.Dispatch.TelemetryStaleAfter)
	ranker := service.NewRankingService(directory, beds, cfg.Dispatch, log)
	coordinator := service.NewCoordinator(beds, directory, incidents, ranker, fleet, sink, notifier, cfg.Dispatch, log)

	sweeper := ledger.NewSweeper(beds, cfg.Dispatch.SweepInterval, log)
	go sweeper.Run(ctx)

	incidentHandler := handler.NewIncidentHandler(coordinator, incidents, log)
	ambulanceHandler := handler.NewAmbulanceHandler(fleet, log)
	hospitalHandler := handler.NewHospitalHandler(directory, beds, log)

	// ── Setup router ────────────────────────────────────
	router := mux.NewRouter()

	router.HandleFunc("/health", healthHandler(pgPool, rdb)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	// Incident lifecycle
	api.HandleFunc("/incidents", incidentHandler.Create).Methods(http.MethodPost)
	api.HandleFunc("/incidents/{id}", incidentHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/incidents/{id}/cancel", incidentHandler.Cancel).Methods(http.MethodPost)
	api.HandleFunc("/incidents/{id}/handoff", incidentHandler.Handoff).Methods(http.MethodPost)
	// Ambulance fleet
	api.HandleFunc("/ambulances/telemetry", ambulanceHandler.Telemetry).Methods(http.MethodPost)
	api.HandleFunc("/ambulances", ambulanceHandler.List).Methods(http.MethodGet)
	api.HandleFunc("/ambulances/{id}", ambulanceHandler.Get).Methods(http.MethodGet)
	// Tenant directory and bed inventory
	api.HandleFunc("/hospitals", hospitalHandler.List).Methods(http.MethodGet)
	api.HandleFunc("/hospitals", hospitalHandler.Create).Methods(http.MethodPost)
	api.HandleFunc("/hospitals/{id}", hospitalHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/hospitals/{id}/beds", hospitalHandler.ListBeds).Methods(http.MethodGet)
	api.HandleFunc("/hospitals/{id}/beds", hospitalHandler.AddBed).Methods(http.MethodPost)
	api.HandleFunc("/hospitals/{id}/beds/stats", hospitalHandler.BedStats).Methods(http.MethodGet)

	router.Use(middleware.RequestLogger(log), middleware.Recoverer(log))
	h := middleware.CORS(router)

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.ServerAddr()).
			Str("backend", cfg.Dispatch.StoreBackend).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	stop()

	log.Info().Msg("server stopped")
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// healthHandler returns an HTTP handler that checks PG and Redis
// connectivity. In memory mode both are nil and the server reports itself
// healthy on its own.
func healthHandler(pgPool *pgxpool.Pool, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Services: make(map[string]string),
		}

		if pgPool != nil {
			if err := db.HealthCheck(r.Context(), pgPool); err != nil {
				resp.Status = "degraded"
				resp.Services["postgres"] = "unhealthy: " + err.Error()
			} else {
				resp.Services["postgres"] = "healthy"
			}
		}
		if rdb != nil {
			if err := cache.HealthCheck(r.Context(), rdb); err != nil {
				resp.Status = "degraded"
				resp.Services["redis"] = "unhealthy: " + err.Error()
			} else {
				resp.Services["redis"] = "healthy"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

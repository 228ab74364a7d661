package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/planhaus/tiles/backend/pkg/aps"
	"github.com/planhaus/tiles/backend/pkg/config"
	"github.com/planhaus/tiles/backend/pkg/logger"
	"github.com/planhaus/tiles/backend/pkg/pipeline"
	"github.com/planhaus/tiles/backend/pkg/store"
	"github.com/planhaus/tiles/backend/pkg/telemetry"
)

// tokenScopes covers bucket and object management plus Design Automation.
var tokenScopes = []string{"code:all", "bucket:create", "bucket:delete", "bucket:read", "data:create", "data:read", "data:write"}

type server struct {
	cfg     config.ServiceConfig
	logger  *slog.Logger
	orch    *pipeline.Orchestrator
	live    *store.RedisStore
	archive *store.ArchiveStore
}

func newServer(cfg config.ServiceConfig, log *slog.Logger, live *store.RedisStore, archive *store.ArchiveStore) *server {
	tokens := aps.NewTokenCache(cfg.APSBaseURL, cfg.APSClientID, cfg.APSClientSecret, tokenScopes)
	activities := aps.NewActivitiesClient(cfg.APSBaseURL, cfg.APSRegion, cfg.APSNickname, cfg.APSEngine, cfg.APSActivity, tokens, log)
	storage := aps.NewStorageClient(cfg.APSBaseURL, tokens, log)
	workitems := aps.NewWorkItemsClient(cfg.APSBaseURL, cfg.APSRegion, tokens)

	orch := pipeline.New(tokens, activities, storage, workitems, log)
	orch.PollInterval = cfg.PollInterval()
	orch.MaxPollAttempts = cfg.MaxPollAttempts
	orch.OutputTTL = cfg.OutputTTL()

	return &server{cfg: cfg, logger: log, orch: orch, live: live, archive: archive}
}

func main() {
	log := logger.New()

	cfg, err := config.LoadService()
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "tilesd")
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	live, err := store.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer live.Close()

	var archive *store.ArchiveStore
	if cfg.PostgresDSN != "" {
		archive, err = store.NewArchiveStore(cfg.PostgresDSN)
		if err != nil {
			log.Error("failed to open archive store", "error", err)
			os.Exit(1)
		}
		defer archive.Close()
	}

	srv := newServer(cfg, log, live, archive)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", healthzHandler)
	router.Method(http.MethodGet, "/metrics", telemetry.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Post("/renders", srv.handleSubmit)
		r.Get("/renders/{id}", srv.handleGetRender)
		r.Get("/archive", srv.handleArchive)
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	log.Info("tilesd listening", "addr", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type submitImage struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type submitRequest struct {
	Name   string        `json:"name"`
	Script string        `json:"script"`
	Images []submitImage `json:"images"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		writeError(w, http.StatusBadRequest, "script is required")
		return
	}
	if req.Name == "" {
		req.Name = "render"
	}
	for _, img := range req.Images {
		if img.Name == "" || len(img.Data) == 0 {
			writeError(w, http.StatusBadRequest, "every image needs a name and data")
			return
		}
		if pipeline.ReservedObject(img.Name) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("image name %q is reserved", img.Name))
			return
		}
	}

	rec := &store.RenderRecord{ID: uuid.NewString(), Name: req.Name}
	if err := s.live.Create(r.Context(), rec); err != nil {
		s.logger.Error("create render record", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register render")
		return
	}

	job := pipeline.RenderRequest{Name: req.Name, Script: req.Script}
	for _, img := range req.Images {
		job.Images = append(job.Images, pipeline.ImageInput{Name: img.Name, Data: img.Data})
	}
	go s.runRender(rec.ID, job)

	writeJSON(w, http.StatusAccepted, map[string]string{"id": rec.ID, "status": string(store.RenderPending)})
}

// runRender drives one orchestration in the background and mirrors its
// outcome into the stores. The deadline leaves headroom beyond the polling
// budget so cleanup and download are never cut off by it.
func (s *server) runRender(id string, job pipeline.RenderRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProcessingTimeout()+2*time.Minute)
	defer cancel()

	result := s.orch.Run(ctx, job, func(p pipeline.Progress) {
		pctx, pcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer pcancel()
		if err := s.live.SetProgress(pctx, id, p); err != nil {
			s.logger.Warn("progress update failed", "render", id, "error", err)
		}
	})

	if err := s.live.Complete(ctx, id, result); err != nil {
		s.logger.Error("record render outcome", "render", id, "error", err)
		return
	}
	if s.archive != nil {
		rec, err := s.live.Get(ctx, id)
		if err == nil {
			if err := s.archive.Archive(rec); err != nil {
				s.logger.Error("archive render", "render", id, "error", err)
			}
		}
	}
}

func (s *server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.live.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "render not found")
			return
		}
		s.logger.Error("get render record", "render", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load render")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "archive not configured")
		return
	}
	records, err := s.archive.Recent(50)
	if err != nil {
		s.logger.Error("list archive", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list archive")
		return
	}
	if records == nil {
		records = []store.RenderRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/hairstyle-transfer/pkg/api"
	"github.com/vyvo/hairstyle-transfer/pkg/auth"
	"github.com/vyvo/hairstyle-transfer/pkg/config"
	"github.com/vyvo/hairstyle-transfer/pkg/failure"
	"github.com/vyvo/hairstyle-transfer/pkg/pipeline"
	"github.com/vyvo/hairstyle-transfer/pkg/runstore"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
	"github.com/vyvo/hairstyle-transfer/pkg/storage"
)

// runner is the part of the orchestrator the gateway drives.
type runner interface {
	Execute(ctx context.Context, req pipeline.Request) (*pipeline.PipelineRun, error)
	Start(ctx context.Context, req pipeline.Request) (string, error)
	Segment(ctx context.Context, img pipeline.Image) (*pipeline.PipelineRun, error)
	Lookup(ctx context.Context, runID string) (runstore.Snapshot, error)
	Watch(ctx context.Context, runID string) (<-chan runstore.Snapshot, error)
	Mode() config.Mode
}

type server struct {
	cfg     config.GatewayConfig
	runs    runner
	keys    *auth.Keys
	metrics http.Handler
	logger  *slog.Logger
	// results serves offline mem:// objects; nil in production.
	results *storage.MemoryStore
	// runCtx outlives requests; asynchronous runs are bound to it.
	runCtx context.Context
}

func newServer(runCtx context.Context, cfg config.GatewayConfig, runs runner, results *storage.MemoryStore, metrics http.Handler, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		cfg:     cfg,
		runs:    runs,
		keys:    auth.NewKeys(cfg.APIKeys),
		metrics: metrics,
		logger:  logger,
		results: results,
		runCtx:  runCtx,
	}
}

func (s *server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics)
	}

	router.Route("/v1/transfers", func(r chi.Router) {
		r.Use(s.keys.Middleware)
		r.With(timeoutMiddleware(s.cfg.RequestTimeout)).Post("/", s.handleSubmit)
		r.Get("/{runID}", s.handleStatus)
		r.Get("/{runID}/stream", s.handleStatusStream)
	})
	router.Route("/v1/segmentations", func(r chi.Router) {
		r.Use(s.keys.Middleware)
		r.With(timeoutMiddleware(s.cfg.RequestTimeout)).Post("/", s.handleSegment)
	})
	if s.results != nil {
		router.Get("/v1/results/*", s.handleResult)
	}
	return router
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timeout <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	configured := s.cfg.Pipeline.Credentials.Configured()
	resp := api.HealthResponse{
		Status:                "ok",
		Mode:                  string(s.runs.Mode()),
		CredentialsConfigured: configured,
	}
	if !configured {
		resp.Status = "warning"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	client, err := readImage(r, "client_image")
	if err != nil {
		writeError(w, "", err)
		return
	}
	reference, err := readImage(r, "reference_image")
	if err != nil {
		writeError(w, "", err)
		return
	}
	req := pipeline.Request{
		Client:    client,
		Reference: reference,
		Style:     r.FormValue("style"),
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		runID, err := s.runs.Start(s.runCtx, req)
		if err != nil {
			writeError(w, runID, err)
			return
		}
		base := strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + "/v1/transfers/" + runID
		writeJSON(w, http.StatusAccepted, api.SubmissionEnvelope{
			RunID:     runID,
			StatusURL: base,
			StreamURL: base + "/stream",
		})
		return
	}

	run, err := s.runs.Execute(r.Context(), req)
	if err != nil {
		runID := ""
		if run != nil {
			runID = run.RunID
		}
		writeError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, api.TransferResult{
		RunID:     run.RunID,
		ResultURL: s.publicURL(run.FinalResultURL),
		FusionURL: s.publicURL(run.StageResult(stage.Fusion)),
		Mode:      string(run.Mode),
		Style:     string(run.Style),
	})
}

func (s *server) handleSegment(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	client, err := readImage(r, "client_image")
	if err != nil {
		writeError(w, "", err)
		return
	}
	run, err := s.runs.Segment(r.Context(), client)
	if err != nil {
		runID := ""
		if run != nil {
			runID = run.RunID
		}
		writeError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SegmentationResult{
		RunID:     run.RunID,
		ResultURL: s.publicURL(run.FinalResultURL),
		Mode:      string(run.Mode),
	})
}

// handleResult serves an object of the offline store.
func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.results.Get(chi.URLParam(r, "*"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// publicURL maps a mem:// URL onto the results route. Other URLs are
// returned as is.
func (s *server) publicURL(u string) string {
	key, ok := storage.Key(u)
	if !ok || s.results == nil {
		return u
	}
	return strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + "/v1/results/" + key
}

// parseForm reads the multipart body within MaxUploadBytes. It writes the
// error response and returns false when the body is unusable.
func (s *server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "", failure.Upload(failure.ReasonTooLarge, err, "request body exceeds %d bytes", s.cfg.MaxUploadBytes))
			return false
		}
		writeError(w, "", failure.InvalidParameter("InvalidForm", "expected multipart/form-data: "+err.Error()))
		return false
	}
	return true
}

func readImage(r *http.Request, field string) (pipeline.Image, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return pipeline.Image{}, failure.InvalidParameter("MissingInput", fmt.Sprintf("multipart field %s is required", field))
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return pipeline.Image{}, failure.InvalidParameter("InvalidForm", fmt.Sprintf("read %s: %v", field, err))
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "application/octet-stream" {
		contentType = ""
	}
	return pipeline.Image{Data: data, ContentType: contentType}, nil
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	snap, err := s.runs.Lookup(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, fmt.Sprintf("status lookup failed: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, api.FromSnapshot(snap).MapURLs(s.publicURL))
}

func (s *server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	updates, err := s.runs.Watch(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, fmt.Sprintf("status stream failed: %v", err), http.StatusBadGateway)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writer := bufio.NewWriter(w)
	for snap := range updates {
		payload, err := json.Marshal(api.FromSnapshot(snap).MapURLs(s.publicURL))
		if err != nil {
			s.logger.Error("gateway.stream.marshal_failed", "run_id", runID, "error", err)
			return
		}
		if _, err := fmt.Fprintf(writer, "data: %s\n\n", payload); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, runID string, err error) {
	status, body := api.ErrorFrom(err)
	writeJSON(w, status, api.ErrorResponse{RunID: runID, Error: body})
}

// Package httpx wires the daemon's HTTP endpoints to the runs service.
package httpx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZackBotkin/SimQLe/internal/repository"
	"github.com/ZackBotkin/SimQLe/internal/service/runs"
	"github.com/ZackBotkin/SimQLe/internal/ws"
)

const healthCheckTimeout = 2 * time.Second

// Router wires HTTP endpoints to the runs service.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	runs          runs.Service
	upgrader      websocket.Upgrader
	writerToken   string
	webhookSecret string
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	triggerResults     *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, runsSvc runs.Service, writerToken, webhookSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		runs:   runsSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writerToken:   strings.TrimSpace(writerToken),
		webhookSecret: strings.TrimSpace(webhookSecret),
		dbHealth:      dbHealth,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/runs", r.instrument("/runs", r.handleRuns))
	r.mux.HandleFunc("/runs/", r.instrument("/runs/:id", r.handleRunSubroutes))
	// The websocket upgrade needs the raw ResponseWriter (http.Hijacker),
	// so this route is not instrumented.
	r.mux.HandleFunc("/ws/logs", r.handleLogsWS)
	r.mux.HandleFunc("/hooks/push", r.instrument("/hooks/push", r.handlePushHook))
	r.mux.Handle("/metrics", metricsHandler())
}

// requireWriter enforces the static writer token on mutating endpoints.
func (r *Router) requireWriter(w http.ResponseWriter, req *http.Request) bool {
	if r.writerToken == "" {
		writeError(w, http.StatusServiceUnavailable, "writer token is not configured")
		return false
	}
	header := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		writeError(w, http.StatusUnauthorized, "bearer token required")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(r.writerToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

func (r *Router) handleRuns(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleTriggerRun(w, req)
	case http.MethodGet:
		r.handleListRuns(w, req)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Router) handleTriggerRun(w http.ResponseWriter, req *http.Request) {
	if !r.requireWriter(w, req) {
		return
	}
	var payload struct {
		RepoURL    string `json:"repo_url"`
		Commit     string `json:"commit"`
		Source     string `json:"source"`
		Descriptor string `json:"descriptor"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	run, err := r.runs.Trigger(req.Context(), payload.RepoURL, payload.Commit, payload.Source, []byte(payload.Descriptor))
	if err != nil {
		r.recordTriggerResult("rejected")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.recordTriggerResult("queued")
	writeJSON(w, http.StatusAccepted, run)
}

func (r *Router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	list, err := r.runs.List(req.Context(), query.Get("status"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (r *Router) handleRunSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/runs/"), "/")
	if trimmed == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	parts := strings.Split(trimmed, "/")
	runID := parts[0]

	if len(parts) == 1 {
		switch req.Method {
		case http.MethodGet:
			r.handleGetRun(w, req, runID)
		case http.MethodDelete:
			r.handleCancelRun(w, req, runID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}
	if len(parts) != 2 || req.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch parts[1] {
	case "jobs":
		r.handleRunJobs(w, req, runID)
	case "logs":
		r.handleRunLogs(w, req, runID)
	case "coverage":
		r.handleRunCoverage(w, req, runID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request, runID string) {
	run, err := r.runs.Get(req.Context(), runID)
	if err != nil {
		r.respondRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (r *Router) handleCancelRun(w http.ResponseWriter, req *http.Request, runID string) {
	if !r.requireWriter(w, req) {
		return
	}
	if err := r.runs.Cancel(req.Context(), runID); err != nil {
		if errors.Is(err, runs.ErrNotCancelable) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		r.respondRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceled"})
}

func (r *Router) handleRunJobs(w http.ResponseWriter, req *http.Request, runID string) {
	jobs, err := r.runs.Jobs(req.Context(), runID)
	if err != nil {
		r.respondRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (r *Router) handleRunLogs(w http.ResponseWriter, req *http.Request, runID string) {
	query := req.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	logs, err := r.runs.Logs(req.Context(), runID, limit, offset)
	if err != nil {
		r.respondRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (r *Router) handleRunCoverage(w http.ResponseWriter, req *http.Request, runID string) {
	result, err := r.runs.Coverage(req.Context(), runID)
	if err != nil {
		r.respondRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	runID := req.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id query parameter required")
		return
	}
	if _, err := r.runs.Get(req.Context(), runID); err != nil {
		r.respondRepoError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.runs.Hub().Register(runID, client)
	go func() {
		defer func() {
			r.runs.Hub().Unregister(runID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handlePushHook accepts a push event signed with the shared webhook secret
// and queues a run for the pushed commit.
func (r *Router) handlePushHook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.webhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "webhook secret is not configured")
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Webhook-Signature")
	if err := checkSignature(body, []byte(r.webhookSecret), signature); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var event struct {
		RepoURL string `json:"repo_url"`
		After   string `json:"after"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	run, err := r.runs.Trigger(req.Context(), event.RepoURL, event.After, "webhook", nil)
	if err != nil {
		r.recordTriggerResult("rejected")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.recordTriggerResult("queued")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "run_id": run.ID})
}

// checkSignature verifies a hex HMAC-SHA256 of the payload.
func checkSignature(payload, secret []byte, provided string) error {
	if provided == "" {
		return errors.New("missing webhook signature")
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return errors.New("invalid webhook signature")
	}
	return nil
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) respondRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

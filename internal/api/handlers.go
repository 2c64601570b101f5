package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/nadmax/relayq/internal/dashboard"
	"github.com/nadmax/relayq/internal/dispatch"
	"github.com/nadmax/relayq/internal/enqueue"
	"github.com/nadmax/relayq/internal/httputil"
	"github.com/nadmax/relayq/internal/repository"
	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/nadmax/relayq/internal/tracker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Dispatcher interface {
	StartRun(ctx context.Context, projectID, startedBy string) (*dispatch.StartResult, error)
	StopProject(ctx context.Context, projectID string) (int64, error)
	ProjectStatus(ctx context.Context, projectID string, logLimit int) (*tracker.ProjectStatus, error)
	RunStatus(ctx context.Context, runID string, logLimit int) (*tracker.RunStatus, error)
}

type API struct {
	dispatcher Dispatcher
	dashboard  *dashboard.Dashboard
	mux        *http.ServeMux
	logger     zerolog.Logger
}

type StartRunRequest struct {
	StartedBy string `json:"started_by"`
}

type StopResponse struct {
	ProjectID   string               `json:"project_id"`
	Status      models.ProjectStatus `json:"status"`
	RunsStopped int64                `json:"runs_stopped"`
}

func NewAPI(d Dispatcher, dash *dashboard.Dashboard, logger zerolog.Logger) *API {
	api := &API{
		dispatcher: d,
		dashboard:  dash,
		mux:        http.NewServeMux(),
		logger:     logger.With().Str("component", "api").Logger(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("POST /api/projects/{id}/run", a.startRun)
	a.mux.HandleFunc("POST /api/projects/{id}/stop", a.stopProject)
	a.mux.HandleFunc("GET /api/projects/{id}/status", a.projectStatus)
	a.mux.HandleFunc("GET /api/runs/{id}", a.runStatus)

	if a.dashboard != nil {
		a.mux.HandleFunc("GET /api/dashboard/stats", a.dashboard.GetStats)
		a.mux.HandleFunc("GET /api/dashboard/tasks", a.dashboard.GetQueuedTasks)
	}

	a.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	a.mux.Handle("GET /metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) startRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close request body")
		}
	}()

	var req StartRunRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.WriteJSONError(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}

	res, err := a.dispatcher.StartRun(r.Context(), r.PathValue("id"), req.StartedBy)
	if err != nil {
		a.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (a *API) stopProject(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	stopped, err := a.dispatcher.StopProject(r.Context(), projectID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, StopResponse{
		ProjectID:   projectID,
		Status:      models.ProjectStopped,
		RunsStopped: stopped,
	})
}

func (a *API) projectStatus(w http.ResponseWriter, r *http.Request) {
	limit, ok := logLimit(w, r)
	if !ok {
		return
	}

	status, err := a.dispatcher.ProjectStatus(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, status)
}

func (a *API) runStatus(w http.ResponseWriter, r *http.Request) {
	limit, ok := logLimit(w, r)
	if !ok {
		return
	}

	status, err := a.dispatcher.RunStatus(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, status)
}

// logLimit parses the optional logs query parameter. Zero selects the default.
func logLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("logs")
	if raw == "" {
		return 0, true
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		httputil.WriteJSONError(w, "logs must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}

	return n, true
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case enqueue.IsValidationError(err):
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrNotFound):
		httputil.WriteJSONError(w, err.Error(), http.StatusNotFound)
	default:
		a.logger.Error().Err(err).Msg("request failed")
		httputil.WriteJSONError(w, "internal server error", http.StatusInternalServerError)
	}
}

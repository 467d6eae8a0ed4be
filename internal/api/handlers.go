package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/dsarq/internal/domain"
)

// Service is the scheduler surface the HTTP layer exposes.
type Service interface {
	Admit(ctx context.Context, req domain.Request) (string, error)
	GetStatus(ctx context.Context, jobID string) (domain.JobView, error)
	Cancel(ctx context.Context, jobID string) error
	GetMetrics(ctx context.Context) (domain.Metrics, error)
}

type API struct {
	svc Service
	log *zap.Logger
}

func New(svc Service, log *zap.Logger) *API { return &API{svc: svc, log: log} }

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/v1/dsar", a.admit)
	r.Get("/v1/dsar/{jobID}", a.status)
	r.Delete("/v1/dsar/{jobID}", a.cancel)
	r.Get("/v1/queue/metrics", a.queueMetrics)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (a *API) admit(w http.ResponseWriter, r *http.Request) {
	var req domain.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, domain.Validationf("malformed body: %v", err))
		return
	}
	jobID, err := a.svc.Admit(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	view, err := a.svc.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Cancel(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) queueMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.GetMetrics(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, m)
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("write response failed", zap.Error(err))
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var tagged *domain.Error
	if errors.As(err, &tagged) {
		switch tagged.Kind {
		case domain.KindValidation:
			code = http.StatusBadRequest
		case domain.KindNotFound:
			code = http.StatusNotFound
		case domain.KindInvalidState:
			code = http.StatusConflict
		}
	}
	if code == http.StatusInternalServerError {
		a.log.Error("request failed", zap.Error(err))
	}
	a.writeJSON(w, code, map[string]string{"error": err.Error()})
}

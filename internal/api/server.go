// Package api exposes the trigger surface: cron ticks, pause/resume,
// settings, overview, schedule runs, and job lookups.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"campaign-scheduler/internal/audience"
	"campaign-scheduler/internal/dispatch"
	"campaign-scheduler/internal/models"
	"campaign-scheduler/internal/policy"
	"campaign-scheduler/internal/store"
	"campaign-scheduler/internal/telemetry"
)

// Store is the persistence surface the API needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.EmailJob, error)
	ListEvents(ctx context.Context, jobID string) ([]models.EmailEvent, error)
	GetSettings(ctx context.Context, campaignID string) (models.CampaignSettings, error)
	UpsertSettings(ctx context.Context, st models.CampaignSettings) (models.CampaignSettings, error)
	SetPaused(ctx context.Context, campaignID string, paused bool) error
	AppendEvent(ctx context.Context, jobID, eventType string, meta map[string]any) error
	RedistributeSendAt(ctx context.Context, campaignID string, slots func() time.Time) ([]string, error)
	CampaignOverview(ctx context.Context, campaignID string, now time.Time) (models.CampaignOverview, error)
	GetSchedule(ctx context.Context, id string) (models.Schedule, error)
	GetTemplate(ctx context.Context, id string) (models.Template, error)
	CreateJobs(ctx context.Context, params []store.CreateJobParams) (int, error)
	MarkScheduleRun(ctx context.Context, id string, ranAt time.Time, nextRunAt *time.Time) error
}

// Dispatcher runs one dispatch pass on demand.
type Dispatcher interface {
	Dispatch(ctx context.Context, opts dispatch.Options) (dispatch.Report, error)
}

// Server wires HTTP handlers for the campaign API.
type Server struct {
	store      Store
	dispatcher Dispatcher
	groups     audience.GroupLister
	validate   *validator.Validate
	logger     *zap.Logger
}

// New constructs the API server.
func New(st Store, d Dispatcher, groups audience.GroupLister, logger *zap.Logger) *Server {
	return &Server{
		store:      st,
		dispatcher: d,
		groups:     groups,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/cron/tick", s.handleTick)
	r.Get("/cron/tick", s.handleTick)

	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Post("/pause", s.handleSetPaused(true))
		r.Post("/resume", s.handleSetPaused(false))
		r.Get("/settings", s.handleGetSettings)
		r.Patch("/settings", s.handlePatchSettings)
		r.Get("/overview", s.handleOverview)
	})

	r.Post("/schedules/{id}/run", s.handleScheduleRun)

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleJobEvents)
	return r
}

type tickRequest struct {
	Limit      int    `json:"limit"`
	CampaignID string `json:"campaign_id"`
}

// handleTick runs one dispatch pass. GET exists for dumb cron services that
// can only fetch a URL; it reads the same parameters from the query string.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if r.Method == http.MethodPost && r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	} else {
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "limit must be an integer", http.StatusBadRequest)
				return
			}
			req.Limit = n
		}
		req.CampaignID = r.URL.Query().Get("campaign_id")
	}

	report, err := s.dispatcher.Dispatch(r.Context(), dispatch.Options{
		Limit:      req.Limit,
		CampaignID: req.CampaignID,
	})
	if err != nil {
		s.logger.Error("dispatch failed", zap.Error(err))
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSetPaused(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaignID := chi.URLParam(r, "id")
		if err := s.store.SetPaused(r.Context(), campaignID, paused); err != nil {
			s.logger.Error("set paused failed", zap.String("campaign_id", campaignID), zap.Error(err))
			http.Error(w, "update failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"campaign_id": campaignID, "paused": paused})
	}
}

// handleGetSettings returns the stored policy, or the unrestricted defaults
// when no row exists yet.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	settings, err := s.store.GetSettings(r.Context(), campaignID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, models.CampaignSettings{CampaignID: campaignID, Windows: []models.Window{}})
		return
	}
	if err != nil {
		s.logger.Error("get settings failed", zap.String("campaign_id", campaignID), zap.Error(err))
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type settingsRequest struct {
	Windows           []models.Window `json:"windows" validate:"omitempty,dive"`
	ThrottlePerMinute int             `json:"throttle_per_minute" validate:"required,gte=1,lte=10000"`
	MaxConcurrent     int             `json:"max_concurrent" validate:"required,gte=1,lte=10000"`
	Paused            bool            `json:"paused"`
}

type settingsResponse struct {
	Settings      models.CampaignSettings `json:"settings"`
	Redistributed int                     `json:"redistributed"`
}

// handlePatchSettings rewrites the policy row and refits pending jobs into
// the new windows at the new throttle.
func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Structural validation above, semantic validation here: HH:MM digits in
	// range and end after start.
	if _, err := policy.ParseWindows(req.Windows); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	settings, err := s.store.UpsertSettings(r.Context(), models.CampaignSettings{
		CampaignID:        campaignID,
		Windows:           req.Windows,
		ThrottlePerMinute: req.ThrottlePerMinute,
		MaxConcurrent:     req.MaxConcurrent,
		Paused:            req.Paused,
	})
	if err != nil {
		s.logger.Error("upsert settings failed", zap.String("campaign_id", campaignID), zap.Error(err))
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}

	planner, err := policy.NewSlotPlanner(time.Now().UTC(), settings.Windows, settings.ThrottlePerMinute)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ids, err := s.store.RedistributeSendAt(r.Context(), campaignID, planner.Next)
	if err != nil {
		s.logger.Error("redistribute send_at failed", zap.String("campaign_id", campaignID), zap.Error(err))
		http.Error(w, "redistribute failed", http.StatusInternalServerError)
		return
	}
	for _, id := range ids {
		if err := s.store.AppendEvent(r.Context(), id, models.EventScheduleUpdated, map[string]any{
			"campaign_id":         campaignID,
			"throttle_per_minute": settings.ThrottlePerMinute,
		}); err != nil {
			s.logger.Warn("append schedule_updated event failed", zap.String("job_id", id), zap.Error(err))
		}
	}

	s.logger.Info("campaign settings updated",
		zap.String("campaign_id", campaignID),
		zap.Int("redistributed", len(ids)),
	)
	writeJSON(w, http.StatusOK, settingsResponse{Settings: settings, Redistributed: len(ids)})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	overview, err := s.store.CampaignOverview(r.Context(), campaignID, time.Now().UTC())
	if err != nil {
		s.logger.Error("overview failed", zap.String("campaign_id", campaignID), zap.Error(err))
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

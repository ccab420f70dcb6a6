package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"campaign-scheduler/internal/models"
	"campaign-scheduler/internal/policy"
	"campaign-scheduler/internal/store"
	"campaign-scheduler/internal/telemetry"
)

type scheduleRunRequest struct {
	PreviewOnly bool `json:"preview_only"`
	Limit       int  `json:"limit"`
}

type scheduleRunResponse struct {
	ScheduleID string     `json:"schedule_id"`
	Members    int        `json:"members"`
	Skipped    int        `json:"skipped"`
	Inserted   int        `json:"inserted"`
	Preview    bool       `json:"preview"`
	FirstSend  *time.Time `json:"first_send_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
}

// handleScheduleRun materializes email jobs for one schedule step: every
// member of the schedule's group gets a row, with send_at spread across the
// campaign's windows at the schedule's throttle. Members without an email or
// invite token are skipped and counted. Re-running is idempotent through the
// (schedule_id, recipient_email) constraint.
func (s *Server) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "id")

	var req scheduleRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.Limit < 1 {
		req.Limit = 500
	}

	sched, err := s.store.GetSchedule(r.Context(), scheduleID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "schedule not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get schedule failed", zap.String("schedule_id", scheduleID), zap.Error(err))
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	// Fail the run early on a dangling template reference.
	if _, err := s.store.GetTemplate(r.Context(), sched.TemplateID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "schedule references a missing template", http.StatusConflict)
			return
		}
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	members, err := s.groups.ListGroup(r.Context(), sched.GroupID, req.Limit)
	if err != nil {
		s.logger.Error("list group members failed", zap.String("group_id", sched.GroupID), zap.Error(err))
		http.Error(w, "audience lookup failed", http.StatusBadGateway)
		return
	}

	now := time.Now().UTC()
	start := now
	if sched.SendAt != nil && sched.SendAt.After(now) {
		start = sched.SendAt.UTC()
	}
	windows := []models.Window{}
	if settings, err := s.store.GetSettings(r.Context(), sched.CampaignID); err == nil {
		windows = settings.Windows
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("get settings failed", zap.String("campaign_id", sched.CampaignID), zap.Error(err))
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	planner, err := policy.NewSlotPlanner(start, windows, sched.ThrottlePerMinute)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	var params []store.CreateJobParams
	skipped := 0
	var firstSend *time.Time
	for _, m := range members {
		if m.Email == "" || m.InviteToken == "" {
			skipped++
			continue
		}
		slot := planner.Next()
		if firstSend == nil {
			firstSend = &slot
		}
		params = append(params, store.CreateJobParams{
			CampaignID:     sched.CampaignID,
			ScheduleID:     sched.ID,
			TemplateID:     sched.TemplateID,
			GroupID:        sched.GroupID,
			RecipientEmail: m.Email,
			RecipientID:    m.BusinessID,
			SendAt:         slot,
			Meta:           map[string]any{"business_name": m.BusinessName},
		})
	}

	resp := scheduleRunResponse{
		ScheduleID: sched.ID,
		Members:    len(members),
		Skipped:    skipped,
		Preview:    req.PreviewOnly,
		FirstSend:  firstSend,
	}
	if req.PreviewOnly {
		resp.Inserted = len(params)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	inserted, err := s.store.CreateJobs(r.Context(), params)
	if err != nil {
		s.logger.Error("create jobs failed", zap.String("schedule_id", sched.ID), zap.Error(err))
		http.Error(w, "materialize failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsMaterialized.Add(float64(inserted))

	var nextRunAt *time.Time
	if sched.RepeatIntervalMins != nil && *sched.RepeatIntervalMins > 0 {
		t := now.Add(time.Duration(*sched.RepeatIntervalMins) * time.Minute)
		nextRunAt = &t
	}
	if err := s.store.MarkScheduleRun(r.Context(), sched.ID, now, nextRunAt); err != nil {
		s.logger.Error("mark schedule run failed", zap.String("schedule_id", sched.ID), zap.Error(err))
		http.Error(w, "materialize failed", http.StatusInternalServerError)
		return
	}

	s.logger.Info("schedule materialized",
		zap.String("schedule_id", sched.ID),
		zap.String("campaign_id", sched.CampaignID),
		zap.Int("inserted", inserted),
		zap.Int("skipped", skipped),
	)
	resp.Inserted = inserted
	resp.NextRunAt = nextRunAt
	writeJSON(w, http.StatusOK, resp)
}

package models

import (
	"time"
)

// Job statuses persisted in Postgres.
const (
	StatusScheduled  = "scheduled"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

// Email event types appended to the audit log.
const (
	EventSendAttempt     = "send_attempt"
	EventSent            = "sent"
	EventFailed          = "failed"
	EventExhausted       = "exhausted"
	EventReclaimed       = "reclaimed"
	EventScheduleUpdated = "schedule_updated"
)

// EmailJob is one scheduled attempt to deliver one email to one recipient
// for one campaign step. The store owns every status transition; a job in
// "sent" is immutable afterwards.
type EmailJob struct {
	ID                  string         `json:"id"`
	CampaignID          string         `json:"campaign_id"`
	ScheduleID          string         `json:"schedule_id"`
	TemplateID          string         `json:"template_id"`
	GroupID             string         `json:"group_id"`
	RecipientEmail      string         `json:"recipient_email"`
	RecipientID         string         `json:"recipient_id"`
	SendAt              time.Time      `json:"send_at"`
	Status              string         `json:"status"`
	Attempts            int            `json:"attempts"`
	Error               *string        `json:"error,omitempty"`
	SentAt              *time.Time     `json:"sent_at,omitempty"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	ProviderMessageID   *string        `json:"provider_message_id,omitempty"`
	Meta                map[string]any `json:"meta,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Window is a minute-of-day range during which sends are allowed,
// stored as "HH:MM" strings.
type Window struct {
	Start string `json:"start" validate:"required,len=5"`
	End   string `json:"end" validate:"required,len=5"`
}

// CampaignSettings holds per-campaign delivery policy. A campaign with no
// settings row is unrestricted and not paused.
type CampaignSettings struct {
	CampaignID        string    `json:"campaign_id"`
	Windows           []Window  `json:"windows"`
	ThrottlePerMinute int       `json:"throttle_per_minute"`
	MaxConcurrent     int       `json:"max_concurrent"`
	Paused            bool      `json:"paused"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EmailEvent is an append-only audit row keyed by job id.
type EmailEvent struct {
	ID    int64          `json:"id"`
	JobID string         `json:"job_id"`
	Type  string         `json:"type"`
	Meta  map[string]any `json:"meta,omitempty"`
	TS    time.Time      `json:"ts"`
}

// Template is the subject/html/text source for rendered sends. Bodies use
// {{ key }} placeholders substituted at delivery time.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	HTMLBody  string    `json:"html_body"`
	TextBody  *string   `json:"text_body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule is one campaign step: template x audience group x cadence.
// Running a schedule materializes EmailJob rows; the dispatcher only ever
// consumes jobs that already exist.
type Schedule struct {
	ID                 string     `json:"id"`
	CampaignID         string     `json:"campaign_id"`
	Name               string     `json:"name"`
	TemplateID         string     `json:"template_id"`
	GroupID            string     `json:"group_id"`
	SendAt             *time.Time `json:"send_at,omitempty"`
	ThrottlePerMinute  int        `json:"throttle_per_minute"`
	RepeatIntervalMins *int       `json:"repeat_interval_mins,omitempty"`
	StepOrder          int        `json:"step_order"`
	Status             string     `json:"status"`
	NextRunAt          *time.Time `json:"next_run_at,omitempty"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// JobRef is the minimal projection the dispatcher selects before claiming.
type JobRef struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
}

// CampaignOverview aggregates job counts and recent throughput for the
// admin overview endpoint.
type CampaignOverview struct {
	Total               int64      `json:"total"`
	Sent                int64      `json:"sent"`
	Failed              int64      `json:"failed"`
	Scheduled           int64      `json:"scheduled"`
	Processing          int64      `json:"processing"`
	NextSendAt          *time.Time `json:"next_send_at,omitempty"`
	LastSentAt          *time.Time `json:"last_sent_at,omitempty"`
	AvgThroughputPerMin float64    `json:"avg_throughput_per_min"`
	Paused              bool       `json:"paused"`
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"campaign-scheduler/internal/models"
)

// memStore is an in-memory JobStore with the same conditional-transition
// semantics as the Postgres store.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]*models.EmailJob
	events     []models.EmailEvent
	claimOrder []string
}

func newMemStore(jobs ...models.EmailJob) *memStore {
	m := &memStore{jobs: make(map[string]*models.EmailJob)}
	for i := range jobs {
		j := jobs[i]
		m.jobs[j.ID] = &j
	}
	return m
}

func (m *memStore) DueJobs(_ context.Context, now time.Time, campaignID string, limit int) ([]models.JobRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type due struct {
		ref    models.JobRef
		sendAt time.Time
	}
	var dues []due
	for _, j := range m.jobs {
		if j.Status != models.StatusScheduled || j.SendAt.After(now) {
			continue
		}
		if campaignID != "" && j.CampaignID != campaignID {
			continue
		}
		dues = append(dues, due{ref: models.JobRef{ID: j.ID, CampaignID: j.CampaignID}, sendAt: j.SendAt})
	}
	sort.Slice(dues, func(a, b int) bool { return dues[a].sendAt.Before(dues[b].sendAt) })
	refs := make([]models.JobRef, 0, len(dues))
	for i, d := range dues {
		if i >= limit {
			break
		}
		refs = append(refs, d.ref)
	}
	return refs, nil
}

func (m *memStore) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusScheduled {
		return false, nil
	}
	j.Status = models.StatusProcessing
	t := now
	j.ProcessingStartedAt = &t
	m.claimOrder = append(m.claimOrder, id)
	return true, nil
}

func (m *memStore) GetJob(_ context.Context, id string) (models.EmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.EmailJob{}, errors.New("job not found")
	}
	return *j, nil
}

func (m *memStore) Reschedule(_ context.Context, id string, nextSendAt time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = models.StatusScheduled
	j.SendAt = nextSendAt
	j.Attempts++
	j.Error = &reason
	j.ProcessingStartedAt = nil
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = models.StatusFailed
	j.Attempts++
	j.Error = &reason
	return nil
}

func (m *memStore) ReclaimStale(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, j := range m.jobs {
		if len(ids) >= limit {
			break
		}
		if j.Status == models.StatusProcessing && j.ProcessingStartedAt != nil && j.ProcessingStartedAt.Before(cutoff) {
			j.Status = models.StatusScheduled
			j.ProcessingStartedAt = nil
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (m *memStore) AppendEvent(_ context.Context, jobID, eventType string, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, models.EmailEvent{JobID: jobID, Type: eventType, Meta: meta})
	return nil
}

func (m *memStore) markSent(id string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = models.StatusSent
	t := now
	j.SentAt = &t
	j.Error = nil
}

func (m *memStore) job(t *testing.T, id string) models.EmailJob {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		t.Fatalf("job %s missing", id)
	}
	return *j
}

func (m *memStore) hasEvent(jobID, eventType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.JobID == jobID && ev.Type == eventType {
			return true
		}
	}
	return false
}

type memSettings struct {
	settings map[string]models.CampaignSettings
	err      error
}

func (m *memSettings) ListSettings(_ context.Context, ids []string) (map[string]models.CampaignSettings, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]models.CampaignSettings)
	for _, id := range ids {
		if st, ok := m.settings[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

// countingWorker mimics the delivery worker's contract: on success it marks
// the job sent and appends a sent event; on failure it returns the error
// and leaves the job in processing for the retry controller.
type countingWorker struct {
	mu    sync.Mutex
	store *memStore
	calls map[string]int
	fail  error
	now   time.Time
}

func (w *countingWorker) Process(_ context.Context, jobID string) error {
	w.mu.Lock()
	if w.calls == nil {
		w.calls = make(map[string]int)
	}
	w.calls[jobID]++
	w.mu.Unlock()

	if w.fail != nil {
		return w.fail
	}
	w.store.markSent(jobID, w.now)
	_ = w.store.AppendEvent(context.Background(), jobID, models.EventSent, nil)
	return nil
}

func (w *countingWorker) callCount(jobID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[jobID]
}

type memThrottle struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *memThrottle) Allow(_ context.Context, campaignID string, limit int, now time.Time) (bool, int64, error) {
	if limit < 1 {
		return true, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	key := fmt.Sprintf("%s:%d", campaignID, now.Unix()/60)
	if m.counts[key] >= limit {
		return false, int64(m.counts[key]), nil
	}
	m.counts[key]++
	return true, int64(m.counts[key]), nil
}

func newTestDispatcher(store *memStore, settings *memSettings, worker Worker, cfg Settings, now time.Time) *Dispatcher {
	d := New(store, settings, worker, &memThrottle{}, nil, cfg, zap.NewNop())
	d.now = func() time.Time { return now }
	return d
}

func scheduledJob(id, campaignID string, sendAt time.Time) models.EmailJob {
	return models.EmailJob{
		ID:         id,
		CampaignID: campaignID,
		Status:     models.StatusScheduled,
		SendAt:     sendAt,
	}
}

func TestDispatchSendsDueJob(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore(scheduledJob("J", "camp-1", now.Add(-time.Minute)))
	worker := &countingWorker{store: store, now: now}
	d := newTestDispatcher(store, &memSettings{}, worker, Settings{}, now)

	report, err := d.Dispatch(context.Background(), Options{Limit: 10})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Sent != 1 || report.Processed != 1 {
		t.Fatalf("report = %+v", report)
	}

	job := store.job(t, "J")
	if job.Status != models.StatusSent || job.SentAt == nil || job.Error != nil {
		t.Fatalf("job after send: %+v", job)
	}
	if !store.hasEvent("J", models.EventSent) {
		t.Fatalf("sent event missing")
	}

	// A sent job can never be claimed again.
	ok, err := store.Claim(context.Background(), "J", now)
	if err != nil || ok {
		t.Fatalf("claim on sent job must fail, got ok=%v err=%v", ok, err)
	}
}

func TestConcurrentDispatchesClaimOnce(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore(scheduledJob("J", "camp-1", now.Add(-time.Minute)))
	worker := &countingWorker{store: store, now: now}
	d := newTestDispatcher(store, &memSettings{}, worker, Settings{}, now)

	const passes = 16
	var wg sync.WaitGroup
	reports := make([]Report, passes)
	for i := 0; i < passes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report, err := d.Dispatch(context.Background(), Options{Limit: 10})
			if err != nil {
				t.Errorf("dispatch %d: %v", i, err)
			}
			reports[i] = report
		}(i)
	}
	wg.Wait()

	if got := worker.callCount("J"); got != 1 {
		t.Fatalf("delivery ran %d times, want exactly 1", got)
	}
	totalSent := 0
	for _, r := range reports {
		totalSent += r.Sent
	}
	if totalSent != 1 {
		t.Fatalf("total sent across passes = %d, want 1", totalSent)
	}
}

func TestPausedCampaignNeverOffered(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore(scheduledJob("K", "camp-1", now.Add(-time.Hour)))
	settings := &memSettings{settings: map[string]models.CampaignSettings{
		"camp-1": {CampaignID: "camp-1", Paused: true},
	}}
	worker := &countingWorker{store: store, now: now}
	d := newTestDispatcher(store, settings, worker, Settings{}, now)

	report, err := d.Dispatch(context.Background(), Options{Limit: 10})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.PausedSkipped != 1 || report.Processed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if worker.callCount("K") != 0 {
		t.Fatalf("paused job must not be delivered")
	}
	if store.job(t, "K").Status != models.StatusScheduled {
		t.Fatalf("paused job must stay scheduled")
	}
}

func TestFailureReschedulesWithBackoff(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	backoff := 10 * time.Minute
	store := newMemStore(scheduledJob("L", "camp-1", now.Add(-time.Minute)))
	worker := &countingWorker{store: store, fail: errors.New("template parse error"), now: now}
	d := newTestDispatcher(store, &memSettings{}, worker, Settings{RetryBackoff: backoff}, now)

	report, err := d.Dispatch(context.Background(), Options{Limit: 10})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v", report)
	}

	job := store.job(t, "L")
	if job.Status != models.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", job.Status)
	}
	if !job.SendAt.Equal(now.Add(backoff)) {
		t.Fatalf("send_at = %s, want now+%s", job.SendAt, backoff)
	}
	if !job.SendAt.After(now) {
		t.Fatalf("backoff must move send_at strictly past now")
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
	if job.Error == nil || *job.Error == "" {
		t.Fatalf("error must be recorded")
	}
	if !store.hasEvent("L", models.EventFailed) {
		t.Fatalf("failed event missing")
	}
}

func TestMaxAttemptsMovesToTerminalFailed(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	job := scheduledJob("M", "camp-1", now.Add(-time.Minute))
	job.Attempts = 2
	store := newMemStore(job)
	worker := &countingWorker{store: store, fail: errors.New("mailbox rejected"), now: now}
	d := newTestDispatcher(store, &memSettings{}, worker, Settings{MaxAttempts: 3}, now)

	report, err := d.Dispatch(context.Background(), Options{Limit: 10})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Exhausted != 1 {
		t.Fatalf("report = %+v", report)
	}
	got := store.job(t, "M")
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want terminal failed", got.Status)
	}
	if !store.hasEvent("M", models.EventExhausted) {
		t.Fatalf("exhausted event missing")
	}
}

func TestOfferOrderFollowsSendAt(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore(
		scheduledJob("c", "camp-1", now.Add(-1*time.Minute)),
		scheduledJob("a", "camp-1", now.Add(-3*time.Minute)),
		scheduledJob("b", "camp-1", now.Add(-2*time.Minute)),
	)
	worker := &countingWorker{store: store, now: now}
	d := newTestDispatcher(store, &memSettings{}, worker, Settings{}, now)

	if _, err := d.Dispatch(context.Background(), Options{Limit: 10}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(store.claimOrder) != len(want) {
		t.Fatalf("claims = %v", store.claimOrder)
	}
	for i, id := range want {
		if store.claimOrder[i] != id {
			t.Fatalf("claim order = %v, want %v", store.claimOrder, want)
		}
	}
}

func TestStaleProcessingJobIsReclaimed(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	job := scheduledJob("S", "camp-1", now.Add(-time.Hour))
	job.Status = models.StatusProcessing
	stale := now.Add(-time.Hour)
	job.ProcessingStartedAt = &stale
	fresh := scheduledJob("F", "camp-1", now.Add(-time.Hour))
	fresh.Status = models.StatusProcessing
	freshStart := now.Add(-time.Minute)
	fresh.ProcessingStartedAt = &freshStart

	store := newMemStore(job, fresh)
	worker := &countingWorker{store: store, now: now}
	d := newTestDispatcher(store, &memSettings{}, worker, Settings{ProcessingTimeout: 15 * time.Minute}, now)

	report, err := d.Dispatch(context.Background(), Options{Limit: 10})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1 (fresh processing row must be left alone)", report.Reclaimed)
	}
	if !store.hasEvent("S", models.EventReclaimed) {
		t.Fatalf("reclaimed event missing")
	}
	// The reclaimed job is due again and flows through the same pass.
	if store.job(t, "S").Status != models.StatusSent {
		t.Fatalf("reclaimed job should have been redelivered, status = %s", store.job(t, "S").Status)
	}
	if store.job(t, "F").Status != models.StatusProcessing {
		t.Fatalf("in-flight job must not be reclaimed")
	}
}

func TestSettingsReadFailureFailsClosed(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore(scheduledJob("J", "camp-1", now.Add(-time.Minute)))
	worker := &countingWorker{store: store, now: now}
	d := newTestDispatcher(store, &memSettings{err: errors.New("db gone")}, worker, Settings{}, now)

	report, err := d.Dispatch(context.Background(), Options{Limit: 10})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.PausedSkipped != 1 || report.Processed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if worker.callCount("J") != 0 {
		t.Fatalf("unreadable policy must not let sends through")
	}
}

func TestOutsideWindowSkipped(t *testing.T) {
	// 03:00 UTC, outside a 09:00-17:00 window.
	now := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	store := newMemStore(scheduledJob("W", "camp-1", now.Add(-time.Minute)))
	settings := &memSettings{settings: map[string]models.CampaignSettings{
		"camp-1": {CampaignID: "camp-1", Windows: []models.Window{{Start: "09:00", End: "17:00"}}},
	}}
	worker := &countingWorker{store: store, now: now}
	d := newTestDispatcher(store, settings, worker, Settings{}, now)

	report, err := d.Dispatch(context.Background(), Options{Limit: 10})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.WindowSkipped != 1 || report.Processed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if store.job(t, "W").Status != models.StatusScheduled {
		t.Fatalf("out-of-window job must stay scheduled")
	}
}

func TestThrottleCapsClaimsPerCampaign(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore(
		scheduledJob("t1", "camp-1", now.Add(-2*time.Minute)),
		scheduledJob("t2", "camp-1", now.Add(-time.Minute)),
	)
	settings := &memSettings{settings: map[string]models.CampaignSettings{
		"camp-1": {CampaignID: "camp-1", ThrottlePerMinute: 1},
	}}
	worker := &countingWorker{store: store, now: now}
	d := newTestDispatcher(store, settings, worker, Settings{}, now)

	report, err := d.Dispatch(context.Background(), Options{Limit: 10})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Sent != 1 || report.ThrottleDenied != 1 {
		t.Fatalf("report = %+v", report)
	}
	// Earliest-due job wins the slot.
	if store.job(t, "t1").Status != models.StatusSent {
		t.Fatalf("t1 should have been sent")
	}
	if store.job(t, "t2").Status != models.StatusScheduled {
		t.Fatalf("t2 should wait for the next minute window")
	}
}

func TestCampaignScopedDispatch(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore(
		scheduledJob("x", "camp-1", now.Add(-time.Minute)),
		scheduledJob("y", "camp-2", now.Add(-time.Minute)),
	)
	worker := &countingWorker{store: store, now: now}
	d := newTestDispatcher(store, &memSettings{}, worker, Settings{}, now)

	report, err := d.Dispatch(context.Background(), Options{Limit: 10, CampaignID: "camp-2"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("report = %+v", report)
	}
	if store.job(t, "x").Status != models.StatusScheduled {
		t.Fatalf("other campaign's job must be untouched")
	}
	if store.job(t, "y").Status != models.StatusSent {
		t.Fatalf("scoped job should be sent")
	}
}

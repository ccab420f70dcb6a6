package policy

import (
	"testing"
	"time"

	"campaign-scheduler/internal/models"
)

func TestParseWindowsRejectsBadRanges(t *testing.T) {
	cases := []models.Window{
		{Start: "11:00", End: "09:00"},
		{Start: "10:00", End: "10:00"},
		{Start: "25:00", End: "26:00"},
		{Start: "bogus", End: "10:00"},
	}
	for _, w := range cases {
		if _, err := ParseWindows([]models.Window{w}); err == nil {
			t.Fatalf("expected error for window %+v", w)
		}
	}
}

func TestInAnyWindow(t *testing.T) {
	windows := []models.Window{
		{Start: "09:30", End: "11:45"},
		{Start: "13:15", End: "16:30"},
	}
	at := func(hh, mm int) time.Time {
		return time.Date(2025, 6, 2, hh, mm, 0, 0, time.UTC)
	}

	if !InAnyWindow(at(10, 0), windows) {
		t.Fatalf("10:00 should be inside the morning window")
	}
	if InAnyWindow(at(12, 0), windows) {
		t.Fatalf("12:00 is between windows")
	}
	if !InAnyWindow(at(13, 15), windows) {
		t.Fatalf("window start is inclusive")
	}
	if InAnyWindow(at(16, 30), windows) {
		t.Fatalf("window end is exclusive")
	}
	if !InAnyWindow(at(3, 0), nil) {
		t.Fatalf("no windows means always allowed")
	}
}

func TestSlotPlannerRespectsThrottleAndWindows(t *testing.T) {
	windows := []models.Window{{Start: "09:00", End: "09:02"}}
	from := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

	p, err := NewSlotPlanner(from, windows, 2)
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}

	// Two slots per minute, two minutes per day, so five slots span two days.
	want := []time.Time{
		time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 9, 1, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 9, 1, 0, 0, time.UTC),
		time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
	}
	for i, w := range want {
		got := p.Next()
		if !got.Equal(w) {
			t.Fatalf("slot %d: got %s want %s", i, got, w)
		}
	}
}

func TestSlotPlannerStartsMidWindow(t *testing.T) {
	windows := []models.Window{{Start: "09:00", End: "17:00"}}
	from := time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC)

	p, err := NewSlotPlanner(from, windows, 1)
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}
	got := p.Next()
	if !got.Equal(from.Truncate(time.Minute)) {
		t.Fatalf("first slot should be the current minute, got %s", got)
	}
}

func TestSlotPlannerAfterAllWindowsRollsToNextDay(t *testing.T) {
	windows := []models.Window{{Start: "09:00", End: "10:00"}}
	from := time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC)

	p, err := NewSlotPlanner(from, windows, 1)
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}
	got := p.Next()
	want := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestSlotPlannerMonotonic(t *testing.T) {
	windows := []models.Window{
		{Start: "09:30", End: "11:45"},
		{Start: "13:15", End: "16:30"},
	}
	p, err := NewSlotPlanner(time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), windows, 3)
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}
	prev := p.Next()
	for i := 0; i < 2000; i++ {
		next := p.Next()
		if next.Before(prev) {
			t.Fatalf("slots went backwards at %d: %s then %s", i, prev, next)
		}
		if !InAnyWindow(next, windows) {
			t.Fatalf("slot %s outside windows", next)
		}
		prev = next
	}
}

// Package policy implements sending-window math: which times of day a
// campaign may send, and how to spread pending jobs across windows at a
// given throttle.
package policy

import (
	"fmt"
	"time"

	"campaign-scheduler/internal/models"
)

// minuteOfDay parses "HH:MM" into minutes since midnight.
func minuteOfDay(hhmm string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(hhmm, "%02d:%02d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("parse %q: %w", hhmm, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("time of day %q out of range", hhmm)
	}
	return hh*60 + mm, nil
}

// span is a validated window in minutes of day, start inclusive, end exclusive.
type span struct {
	start, end int
}

// ParseWindows validates and normalizes windows into sorted minute spans.
// Ranges where end <= start are rejected.
func ParseWindows(windows []models.Window) ([]span, error) {
	spans := make([]span, 0, len(windows))
	for _, w := range windows {
		s, err := minuteOfDay(w.Start)
		if err != nil {
			return nil, err
		}
		e, err := minuteOfDay(w.End)
		if err != nil {
			return nil, err
		}
		if e <= s {
			return nil, fmt.Errorf("window %s-%s is empty or inverted", w.Start, w.End)
		}
		spans = append(spans, span{start: s, end: e})
	}
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].start < spans[j-1].start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
	return spans, nil
}

// InAnyWindow reports whether t falls inside one of the campaign's sending
// windows. Empty or unparseable windows mean "always allowed": the policy
// store treats absence of restriction as unrestricted, and a row written
// before validation existed must not silently block dispatch.
func InAnyWindow(t time.Time, windows []models.Window) bool {
	if len(windows) == 0 {
		return true
	}
	spans, err := ParseWindows(windows)
	if err != nil || len(spans) == 0 {
		return true
	}
	mins := t.Hour()*60 + t.Minute()
	for _, sp := range spans {
		if mins >= sp.start && mins < sp.end {
			return true
		}
	}
	return false
}

// SlotPlanner yields send times that walk the windows day by day, issuing
// throttlePerMinute slots per minute. Used to redistribute pending jobs when
// settings change and to plan send_at for newly materialized jobs.
type SlotPlanner struct {
	spans   []span
	perMin  int
	day     time.Time // midnight of the day currently being filled
	spanIdx int
	minute  int // minute-of-day cursor within the current span
	issued  int // slots issued in the current minute
}

// NewSlotPlanner builds a planner starting at the first eligible minute at
// or after from. With no windows it falls back to a single all-day window.
func NewSlotPlanner(from time.Time, windows []models.Window, throttlePerMinute int) (*SlotPlanner, error) {
	spans, err := ParseWindows(windows)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		spans = []span{{start: 0, end: 24 * 60}}
	}
	if throttlePerMinute < 1 {
		throttlePerMinute = 1
	}
	p := &SlotPlanner{
		spans:  spans,
		perMin: throttlePerMinute,
		day:    time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location()),
	}
	p.seek(from.Hour()*60 + from.Minute())
	return p, nil
}

// seek positions the cursor at the first span minute >= mins, rolling to the
// next day when every window has already closed.
func (p *SlotPlanner) seek(mins int) {
	for i, sp := range p.spans {
		if mins < sp.end {
			p.spanIdx = i
			if mins > sp.start {
				p.minute = mins
			} else {
				p.minute = sp.start
			}
			return
		}
	}
	p.day = p.day.AddDate(0, 0, 1)
	p.spanIdx = 0
	p.minute = p.spans[0].start
}

// Next returns the next available send slot.
func (p *SlotPlanner) Next() time.Time {
	slot := p.day.Add(time.Duration(p.minute) * time.Minute)
	p.issued++
	if p.issued >= p.perMin {
		p.issued = 0
		p.minute++
		if p.minute >= p.spans[p.spanIdx].end {
			p.spanIdx++
			if p.spanIdx >= len(p.spans) {
				p.day = p.day.AddDate(0, 0, 1)
				p.spanIdx = 0
			}
			p.minute = p.spans[p.spanIdx].start
		}
	}
	return slot
}

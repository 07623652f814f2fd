// Package auctionclock derives the phase of a listing's auction from its
// scheduled start, its current deadline and the current instant.
package auctionclock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Phase string

const (
	NotStarted Phase = "not-started"
	Live       Phase = "live"
	Ended      Phase = "ended"
)

// State is one evaluation of the clock. Remaining is the time until start
// for NotStarted, until the deadline for Live, and zero once Ended.
type State struct {
	Phase     Phase         `json:"phase"`
	Remaining time.Duration `json:"remaining"`
}

// Evaluate is pure; call it as often as needed.
func Evaluate(start, deadline, now time.Time) State {
	switch {
	case now.Before(start):
		return State{Phase: NotStarted, Remaining: start.Sub(now)}
	case now.After(deadline):
		return State{Phase: Ended}
	default:
		return State{Phase: Live, Remaining: deadline.Sub(now)}
	}
}

// Countdown is a duration split into display units.
type Countdown struct {
	Days    int64 `json:"days"`
	Hours   int64 `json:"hours"`
	Minutes int64 `json:"minutes"`
	Seconds int64 `json:"seconds"`
}

// Breakdown truncates d to whole seconds and splits it. Negative
// durations count as zero.
func Breakdown(d time.Duration) Countdown {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return Countdown{
		Days:    secs / 86400,
		Hours:   secs % 86400 / 3600,
		Minutes: secs % 3600 / 60,
		Seconds: secs % 60,
	}
}

func (c Countdown) String() string {
	parts := make([]string, 0, 4)
	if c.Days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", c.Days))
	}
	parts = append(parts,
		fmt.Sprintf("%dh", c.Hours),
		fmt.Sprintf("%dm", c.Minutes),
		fmt.Sprintf("%ds", c.Seconds),
	)
	return strings.Join(parts, " ")
}

var ErrBadTimeOfDay = errors.New("time of day must be HH:mm")

// StartInstant combines a calendar date with an "HH:mm" time of day in loc.
// Only the Y/M/D of date are used, read in date's own location, so a date
// stored as midnight UTC keeps its calendar day in any auction time zone.
func StartInstant(date time.Time, timeOfDay string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	tod, err := time.Parse("15:04", strings.TrimSpace(timeOfDay))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimeOfDay, timeOfDay)
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, tod.Hour(), tod.Minute(), 0, 0, loc), nil
}

// InitialDeadline is the deadline a listing gets before any bid.
func InitialDeadline(start time.Time, window time.Duration) time.Time {
	return start.Add(window)
}

// policy.go: Triggering policies deciding when a rollover is due
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Record is one already-formatted log entry.
type Record struct {
	Time time.Time
	Data []byte
}

// Size returns the number of bytes the record adds to the file.
func (r Record) Size() int64 { return int64(len(r.Data)) }

// FileState is a read-only snapshot of the active file handed to policies.
type FileState struct {
	Name     string
	Size     int64
	OpenTime time.Time
}

// TriggeringPolicy decides whether the active file must be rolled over before
// rec is written. Implementations must be pure predicates: they are called
// while the engine holds its write lock and must not mutate any state.
type TriggeringPolicy interface {
	ShouldRollover(state FileState, rec Record) bool
}

// StartupPolicy is implemented by policies that can force a rollover while
// the appender is being constructed, before any record exists.
type StartupPolicy interface {
	ShouldRolloverOnStartup(state FileState) bool
}

// SizePolicy rolls over when the incoming record would push the file past MaxSize.
// An empty file never rolls, so an oversized record lands in a fresh file.
type SizePolicy struct {
	MaxSize int64
}

// SizeBased returns a SizePolicy for maxBytes.
func SizeBased(maxBytes int64) *SizePolicy {
	return &SizePolicy{MaxSize: maxBytes}
}

// ShouldRollover implements TriggeringPolicy.
func (p *SizePolicy) ShouldRollover(state FileState, rec Record) bool {
	return p.MaxSize > 0 && state.Size > 0 && state.Size+rec.Size() > p.MaxSize
}

func (p *SizePolicy) String() string { return fmt.Sprintf("size(%d)", p.MaxSize) }

// TimePolicy rolls over when a record's timestamp crosses the next period
// boundary after the file was opened.
//
// With Modulate the boundaries are aligned: daily intervals roll at midnight
// in Location, shorter intervals at wall-clock multiples (every full hour for
// 1h). Without it the boundary is OpenTime + Interval.
type TimePolicy struct {
	Interval time.Duration
	Modulate bool
	Location *time.Location
}

// TimeBased returns a TimePolicy for interval.
func TimeBased(interval time.Duration, modulate bool) *TimePolicy {
	return &TimePolicy{Interval: interval, Modulate: modulate}
}

// ShouldRollover implements TriggeringPolicy.
func (p *TimePolicy) ShouldRollover(state FileState, rec Record) bool {
	if p.Interval <= 0 || state.OpenTime.IsZero() {
		return false
	}
	return !rec.Time.Before(p.NextBoundary(state.OpenTime))
}

// NextBoundary returns the first rollover instant after opened.
func (p *TimePolicy) NextBoundary(opened time.Time) time.Time {
	if !p.Modulate {
		return opened.Add(p.Interval)
	}
	loc := p.Location
	if loc == nil {
		loc = opened.Location()
	}
	t := opened.In(loc)
	const day = 24 * time.Hour
	if p.Interval >= day && p.Interval%day == 0 {
		days := int(p.Interval / day)
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		// Days since a fixed local epoch keep multi-day periods aligned.
		epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, loc)
		elapsed := int((midnight.Sub(epoch) + 12*time.Hour) / day)
		return midnight.AddDate(0, 0, days-elapsed%days)
	}
	_, offset := t.Zone()
	shifted := t.Add(time.Duration(offset) * time.Second)
	next := shifted.Truncate(p.Interval).Add(p.Interval)
	return next.Add(-time.Duration(offset) * time.Second)
}

func (p *TimePolicy) String() string {
	return fmt.Sprintf("time(%s, modulate=%t)", p.Interval, p.Modulate)
}

// CronPolicy rolls over when the schedule fired since the file was opened.
type CronPolicy struct {
	Expr     string
	Schedule cron.Schedule
}

// NewCronPolicy parses a standard five-field cron expression
// (descriptors such as @daily are accepted).
func NewCronPolicy(expr string) (*CronPolicy, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, configErrorf("cron expression %q: %v", expr, err)
	}
	return &CronPolicy{Expr: expr, Schedule: sched}, nil
}

// ShouldRollover implements TriggeringPolicy.
func (p *CronPolicy) ShouldRollover(state FileState, rec Record) bool {
	if p.Schedule == nil || state.OpenTime.IsZero() {
		return false
	}
	return !rec.Time.Before(p.Schedule.Next(state.OpenTime))
}

func (p *CronPolicy) String() string { return fmt.Sprintf("cron(%s)", p.Expr) }

// OnStartupPolicy forces one rollover during construction when the existing
// active file holds at least MinSize bytes. MinSize 0 rolls unconditionally.
// It never fires for records.
type OnStartupPolicy struct {
	MinSize int64
}

// OnStartup returns an OnStartupPolicy.
func OnStartup(minSize int64) *OnStartupPolicy {
	return &OnStartupPolicy{MinSize: minSize}
}

// ShouldRollover implements TriggeringPolicy.
func (p *OnStartupPolicy) ShouldRollover(FileState, Record) bool { return false }

// ShouldRolloverOnStartup implements StartupPolicy.
func (p *OnStartupPolicy) ShouldRolloverOnStartup(state FileState) bool {
	return state.Size >= p.MinSize
}

func (p *OnStartupPolicy) String() string { return fmt.Sprintf("startup(%d)", p.MinSize) }

// CompositePolicy triggers when any child does.
type CompositePolicy struct {
	Policies []TriggeringPolicy
}

// AnyOf combines policies with a logical OR. Nil entries are skipped.
func AnyOf(policies ...TriggeringPolicy) *CompositePolicy {
	c := &CompositePolicy{}
	for _, p := range policies {
		if p != nil {
			c.Policies = append(c.Policies, p)
		}
	}
	return c
}

// ShouldRollover implements TriggeringPolicy.
func (c *CompositePolicy) ShouldRollover(state FileState, rec Record) bool {
	for _, p := range c.Policies {
		if p.ShouldRollover(state, rec) {
			return true
		}
	}
	return false
}

// ShouldRolloverOnStartup implements StartupPolicy.
func (c *CompositePolicy) ShouldRolloverOnStartup(state FileState) bool {
	for _, p := range c.Policies {
		if sp, ok := p.(StartupPolicy); ok && sp.ShouldRolloverOnStartup(state) {
			return true
		}
	}
	return false
}

func (c *CompositePolicy) String() string {
	parts := make([]string, 0, len(c.Policies))
	for _, p := range c.Policies {
		parts = append(parts, fmt.Sprint(p))
	}
	return "any(" + strings.Join(parts, ", ") + ")"
}

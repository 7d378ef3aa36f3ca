// policy_test.go: Tests for triggering policies
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(n int, at time.Time) Record {
	return Record{Time: at, Data: make([]byte, n)}
}

func TestSizePolicy_AllBranches(t *testing.T) {
	p := SizeBased(100)
	tests := []struct {
		name     string
		size     int64
		record   int
		rollover bool
	}{
		{"EmptyFileOversizedRecord", 0, 500, false},
		{"BelowThreshold", 60, 30, false},
		{"ExactlyAtThreshold", 70, 30, false},
		{"CrossesThreshold", 90, 30, true},
		{"AlreadyAbove", 150, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.ShouldRollover(FileState{Size: tt.size}, rec(tt.record, time.Time{}))
			assert.Equal(t, tt.rollover, got)
		})
	}
	assert.False(t, SizeBased(0).ShouldRollover(FileState{Size: 10}, rec(10, time.Time{})))
	assert.Equal(t, "size(100)", p.String())
}

func TestTimePolicy_NextBoundary(t *testing.T) {
	opened := time.Date(2025, 3, 4, 15, 16, 17, 0, time.UTC)
	tests := []struct {
		name   string
		policy *TimePolicy
		want   time.Time
	}{
		{"Relative", TimeBased(time.Hour, false), opened.Add(time.Hour)},
		{"HourAligned", TimeBased(time.Hour, true), time.Date(2025, 3, 4, 16, 0, 0, 0, time.UTC)},
		{"QuarterAligned", TimeBased(15*time.Minute, true), time.Date(2025, 3, 4, 15, 30, 0, 0, time.UTC)},
		{"DailyMidnight", TimeBased(24*time.Hour, true), time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(tt.policy.NextBoundary(opened)), "got %s", tt.policy.NextBoundary(opened))
		})
	}
}

func TestTimePolicy_MultiDayAlignment(t *testing.T) {
	p := TimeBased(2*24*time.Hour, true)
	a := p.NextBoundary(time.Date(2025, 3, 4, 1, 0, 0, 0, time.UTC))
	b := p.NextBoundary(time.Date(2025, 3, 4, 23, 0, 0, 0, time.UTC))
	assert.True(t, a.Equal(b), "same period must share a boundary")
	assert.Equal(t, 0, a.Hour())

	next := p.NextBoundary(a)
	assert.Equal(t, 48*time.Hour, next.Sub(a))
}

func TestTimePolicy_LocationMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	p := &TimePolicy{Interval: 24 * time.Hour, Modulate: true, Location: loc}
	opened := time.Date(2025, 3, 4, 21, 30, 0, 0, time.UTC) // 23:30 local
	want := time.Date(2025, 3, 5, 0, 0, 0, 0, loc)
	assert.True(t, want.Equal(p.NextBoundary(opened)))
}

func TestTimePolicy_ShouldRollover(t *testing.T) {
	opened := time.Date(2025, 3, 4, 15, 16, 17, 0, time.UTC)
	p := TimeBased(time.Hour, true)
	state := FileState{Size: 10, OpenTime: opened}

	assert.False(t, p.ShouldRollover(state, rec(1, opened.Add(time.Minute))))
	assert.True(t, p.ShouldRollover(state, rec(1, time.Date(2025, 3, 4, 16, 0, 0, 0, time.UTC))))
	assert.True(t, p.ShouldRollover(state, rec(1, opened.Add(5*time.Hour))))
	assert.False(t, p.ShouldRollover(FileState{}, rec(1, opened.Add(5*time.Hour))), "unopened file")
	assert.False(t, TimeBased(0, false).ShouldRollover(state, rec(1, opened.Add(5*time.Hour))))
}

func TestCronPolicy(t *testing.T) {
	p, err := NewCronPolicy("0 * * * *")
	require.NoError(t, err)
	opened := time.Date(2025, 3, 4, 15, 16, 17, 0, time.UTC)
	state := FileState{OpenTime: opened}

	assert.False(t, p.ShouldRollover(state, rec(1, opened.Add(10*time.Minute))))
	assert.True(t, p.ShouldRollover(state, rec(1, time.Date(2025, 3, 4, 16, 0, 0, 0, time.UTC))))
	assert.Equal(t, "cron(0 * * * *)", p.String())

	daily, err := NewCronPolicy("@daily")
	require.NoError(t, err)
	assert.True(t, daily.ShouldRollover(state, rec(1, opened.Add(9*time.Hour))))

	_, err = NewCronPolicy("not a schedule")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestOnStartupPolicy(t *testing.T) {
	p := OnStartup(0)
	assert.True(t, p.ShouldRolloverOnStartup(FileState{}))
	assert.False(t, p.ShouldRollover(FileState{Size: 1 << 30}, rec(1, time.Now())), "never fires for records")

	threshold := OnStartup(1024)
	assert.False(t, threshold.ShouldRolloverOnStartup(FileState{Size: 1000}))
	assert.True(t, threshold.ShouldRolloverOnStartup(FileState{Size: 1024}))
}

func TestCompositePolicy(t *testing.T) {
	opened := time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)
	p := AnyOf(SizeBased(100), nil, TimeBased(time.Hour, false))
	require.Len(t, p.Policies, 2, "nil entries are skipped")

	state := FileState{Size: 50, OpenTime: opened}
	assert.False(t, p.ShouldRollover(state, rec(10, opened.Add(time.Minute))))
	assert.True(t, p.ShouldRollover(state, rec(60, opened.Add(time.Minute))), "size fires")
	assert.True(t, p.ShouldRollover(state, rec(10, opened.Add(2*time.Hour))), "time fires")

	assert.False(t, p.ShouldRolloverOnStartup(state))
	assert.True(t, AnyOf(p, OnStartup(0)).ShouldRolloverOnStartup(state))
	assert.Equal(t, "any(size(100), time(1h0m0s, modulate=false))", p.String())
}

func TestTrigger_Reason(t *testing.T) {
	opened := time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)
	cronPolicy, err := NewCronPolicy("@hourly")
	require.NoError(t, err)
	custom := policyFunc(func(FileState, Record) bool { return true })

	tests := []struct {
		name   string
		policy TriggeringPolicy
		record Record
		want   RolloverReason
		fired  bool
	}{
		{"Size", SizeBased(10), rec(20, opened), ReasonSize, true},
		{"Time", TimeBased(time.Minute, false), rec(1, opened.Add(time.Hour)), ReasonTime, true},
		{"Cron", cronPolicy, rec(1, opened.Add(time.Hour)), ReasonCron, true},
		{"Custom", custom, rec(1, opened), ReasonPolicy, true},
		{"NestedComposite", AnyOf(AnyOf(SizeBased(1000)), TimeBased(time.Minute, false)), rec(1, opened.Add(time.Hour)), ReasonTime, true},
		{"None", AnyOf(SizeBased(1000), OnStartup(0)), rec(1, opened), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, fired := trigger(tt.policy, FileState{Size: 5, OpenTime: opened}, tt.record)
			assert.Equal(t, tt.fired, fired)
			assert.Equal(t, tt.want, reason)
		})
	}
}

type policyFunc func(FileState, Record) bool

func (f policyFunc) ShouldRollover(s FileState, r Record) bool { return f(s, r) }

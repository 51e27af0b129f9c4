package jobs

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/geisonfgf/execAI/internal/ai"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCron(t *testing.T, expr, tz string) Schedule {
	t.Helper()
	s, err := Cron(expr, tz)
	require.NoError(t, err)
	return s
}

func TestSchedule_NextCron(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		tz    string
		after time.Time
		want  time.Time
	}{
		{
			name:  "five fields utc",
			expr:  "*/5 * * * *",
			tz:    "UTC",
			after: time.Date(2026, 1, 15, 10, 2, 0, 0, time.UTC),
			want:  time.Date(2026, 1, 15, 10, 5, 0, 0, time.UTC),
		},
		{
			name:  "evaluated in winter timezone",
			expr:  "0 9 * * *",
			tz:    "America/New_York",
			after: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC),
		},
		{
			name:  "evaluated in summer timezone",
			expr:  "0 9 * * *",
			tz:    "America/New_York",
			after: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 7, 1, 13, 0, 0, 0, time.UTC),
		},
		{
			name:  "optional seconds field",
			expr:  "*/30 * * * * *",
			tz:    "UTC",
			after: time.Date(2026, 1, 15, 10, 0, 10, 0, time.UTC),
			want:  time.Date(2026, 1, 15, 10, 0, 30, 0, time.UTC),
		},
		{
			name:  "descriptor",
			expr:  "@daily",
			tz:    "UTC",
			after: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "every",
			expr:  "@every 90s",
			tz:    "UTC",
			after: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 1, 15, 10, 1, 30, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok, err := mustCron(t, tt.expr, tt.tz).Next(tt.after)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, tt.want.Equal(next), "want %s, got %s", tt.want, next)
			assert.Equal(t, time.UTC, next.Location())
		})
	}
}

func TestSchedule_NextIsDriftFree(t *testing.T) {
	s := mustCron(t, "*/5 * * * *", "UTC")
	anchor := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	// Each run finishes a little late; the next instant still lands on the grid.
	due := anchor
	for i := 0; i < 12; i++ {
		finished := due.Add(time.Duration(i*37) * time.Millisecond)
		next, ok, err := s.Next(finished)
		require.NoError(t, err)
		require.True(t, ok)
		due = next
	}

	assert.True(t, anchor.Add(time.Hour).Equal(due), "got %s", due)
}

func TestSchedule_Once(t *testing.T) {
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s := Once(at)

	next, ok, err := s.Next(at.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, at.Equal(next))
	assert.False(t, s.Recurring())
	assert.Contains(t, s.String(), "2026-05-01T08:00:00Z")
}

func TestCron_Invalid(t *testing.T) {
	_, err := Cron("not a cron", "UTC")
	assert.Error(t, err)

	_, err = Cron("* * * * *", "Mars/Olympus_Mons")
	assert.Error(t, err)

	s, err := Cron("* * * * *", "")
	require.NoError(t, err)
	assert.Equal(t, "UTC", s.Timezone)
}

func TestCron_InvalidKeepsCause(t *testing.T) {
	tests := []struct {
		name string
		expr string
		tz   string
		msg  string
	}{
		{"bad expression", "61 * * * *", "UTC", `invalid cron expression "61 * * * *": `},
		{"bad timezone", "* * * * *", "Mars/Olympus_Mons", `unknown timezone "Mars/Olympus_Mons": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Cron(tt.expr, tt.tz)
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), tt.msg), err.Error())
			assert.NotNil(t, errors.Unwrap(err))
			assert.NotEmpty(t, fmt.Sprintf("%+v", err))
		})
	}
}

func TestSchedule_ValidateUnknownKind(t *testing.T) {
	assert.Error(t, Schedule{Kind: "weekly"}.Validate())
	assert.Error(t, Schedule{Kind: KindOnce}.Validate())
}

func TestParseAt(t *testing.T) {
	ny, err := LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC) // 10:00 in New York

	tests := []struct {
		text string
		loc  *time.Location
		want time.Time
	}{
		{"2026-03-02T08:00:00Z", ny, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		{"2026-03-01 14:30", ny, time.Date(2026, 3, 1, 19, 30, 0, 0, time.UTC)},
		{"2026-03-01 14:30:15", time.UTC, time.Date(2026, 3, 1, 14, 30, 15, 0, time.UTC)},
		{"in 2 hours", ny, now.Add(2 * time.Hour)},
		{"in 15 minutes", ny, now.Add(15 * time.Minute)},
		{"In 3 Days", nil, now.Add(72 * time.Hour)},
		{"11:30", ny, time.Date(2026, 3, 1, 16, 30, 0, 0, time.UTC)},
		{"09:00", ny, time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := ParseAt(tt.text, now, tt.loc)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}

	for _, bad := range []string{"", "tomorrow-ish", "in many hours", "25:00"} {
		_, err := ParseAt(bad, now, time.UTC)
		assert.Error(t, err, bad)
	}
}

func TestFromHint(t *testing.T) {
	now := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)

	s, err := FromHint(&ai.ScheduleHint{Cron: "0 9 * * 1"}, "Europe/Berlin", now)
	require.NoError(t, err)
	assert.Equal(t, KindCron, s.Kind)
	assert.Equal(t, "Europe/Berlin", s.Timezone)

	s, err = FromHint(&ai.ScheduleHint{At: "in 1 hour", Timezone: "UTC"}, "Europe/Berlin", now)
	require.NoError(t, err)
	assert.Equal(t, KindOnce, s.Kind)
	assert.True(t, now.Add(time.Hour).Equal(s.At))

	_, err = FromHint(nil, "UTC", now)
	assert.Error(t, err)
}

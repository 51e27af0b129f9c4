package jobs

import (
	"strings"
	"testing"
	"time"

	"github.com/geisonfgf/execAI/internal/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from     State
		to       State
		expected bool
	}{
		{StatePending, StateActive, true},
		{StatePending, StatePaused, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateRunning, false},
		{StateActive, StateRunning, true},
		{StateActive, StatePaused, true},
		{StateActive, StateCancelled, true},
		{StateActive, StateCompleted, false},
		{StateRunning, StateActive, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailedTerminal, true},
		{StateRunning, StatePaused, true},
		{StateRunning, StateCancelled, true},
		{StateRunning, StateRunning, false},
		{StatePaused, StateActive, true},
		{StatePaused, StateCancelled, true},
		{StatePaused, StateRunning, false},
		{StateCompleted, StateActive, false},
		{StateFailedTerminal, StateActive, false},
		{StateCancelled, StateActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, CanTransition(tt.from, tt.to))
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	for _, s := range AllStates {
		want := s == StateCompleted || s == StateFailedTerminal || s == StateCancelled
		assert.Equal(t, want, s.IsTerminal(), s)
		if want {
			assert.Empty(t, validTransitions[s], "terminal state %s must have no exits", s)
		}
	}
}

func TestParseState(t *testing.T) {
	s, err := ParseState(" Paused ")
	require.NoError(t, err)
	assert.Equal(t, StatePaused, s)

	_, err = ParseState("sleeping")
	assert.Error(t, err)
}

func TestNewJob(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	req := ai.CommandRequest{
		RawText:   "every five minutes print the date",
		Commands:  []string{"date"},
		CreatedAt: now,
	}
	sched, err := Cron("*/5 * * * *", "UTC")
	require.NoError(t, err)

	job, err := NewJob(req, sched, now)
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Len(t, job.ShortID(), 8)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, "every five minutes print the date", job.Name)
	assert.True(t, job.NextRunAt.Equal(now.Add(5*time.Minute)), job.NextRunAt)
	assert.True(t, job.CreatedAt.Equal(now))
	assert.Zero(t, job.RunCount)
}

func TestNewJob_RequiresCommand(t *testing.T) {
	_, err := NewJob(ai.CommandRequest{RawText: "nothing"}, Once(time.Now()), time.Now())
	assert.Error(t, err)
}

func TestNewJob_LongNameIsShortened(t *testing.T) {
	req := ai.CommandRequest{
		RawText:  strings.Repeat("word ", 30),
		Commands: []string{"echo hi"},
	}
	job, err := NewJob(req, Once(time.Now()), time.Now())
	require.NoError(t, err)

	assert.Len(t, []rune(job.Name), 48)
	assert.True(t, strings.HasSuffix(job.Name, "..."))
}

func TestNewJob_FallsBackToCommandLine(t *testing.T) {
	req := ai.CommandRequest{Commands: []string{"pwd", "ls"}}
	job, err := NewJob(req, Once(time.Now()), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "pwd && ls", job.Name)
}

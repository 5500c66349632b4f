package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskState_CanTransition(t *testing.T) {
	allowed := []struct {
		from, to TaskState
	}{
		{TaskPending, TaskReady},
		{TaskPending, TaskSkipped},
		{TaskReady, TaskRunning},
		{TaskRunning, TaskReady},
		{TaskRunning, TaskSucceeded},
		{TaskRunning, TaskFailed},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct {
		from, to TaskState
	}{
		{TaskPending, TaskRunning},
		{TaskReady, TaskSucceeded},
		{TaskSucceeded, TaskReady},
		{TaskFailed, TaskRunning},
		{TaskSkipped, TaskReady},
		{TaskRunning, TaskSkipped},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestTaskState_IsTerminal(t *testing.T) {
	assert.True(t, TaskSucceeded.IsTerminal())
	assert.True(t, TaskFailed.IsTerminal())
	assert.True(t, TaskSkipped.IsTerminal())
	assert.False(t, TaskPending.IsTerminal())
	assert.False(t, TaskReady.IsTerminal())
	assert.False(t, TaskRunning.IsTerminal())
}

func TestJobState_IsTerminal(t *testing.T) {
	assert.True(t, JobStateComplete.IsTerminal())
	assert.True(t, JobStatePartial.IsTerminal())
	assert.True(t, JobStateFailed.IsTerminal())
	assert.False(t, JobStateQueued.IsTerminal())
	assert.False(t, JobStateRunning.IsTerminal())
}

func TestCompany_Fingerprint(t *testing.T) {
	base := Company{Name: "Acme Corp", Domain: "acme.example"}

	assert.Equal(t, base.Fingerprint(), Company{Name: "ACME CORP", Domain: "ACME.EXAMPLE"}.Fingerprint())
	assert.Equal(t, base.Fingerprint(), Company{Name: "  Acme Corp  ", Domain: "acme.example"}.Fingerprint())

	assert.NotEqual(t, base.Fingerprint(), Company{Name: "Acme Corp", Domain: "acme.dev"}.Fingerprint())
	assert.NotEqual(t, base.Fingerprint(), Company{Name: "Acme Inc", Domain: "acme.example"}.Fingerprint())
}

func TestNewFetchResult_StampsHash(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewFetchResult(SourceSite, []byte("payload"), map[string]any{"k": "v"}, now)

	require.NotEmpty(t, r.ContentHash)
	assert.Equal(t, HashContent([]byte("payload")), r.ContentHash)
	assert.Equal(t, now, r.FetchedAt)
}

func TestCacheEntry_Live(t *testing.T) {
	now := time.Now()
	e := &CacheEntry{ExpiresAt: now.Add(time.Minute)}
	assert.True(t, e.Live(now))
	assert.False(t, e.Live(now.Add(2*time.Minute)))
}

func TestTaskID_String(t *testing.T) {
	assert.Equal(t, "fetch_site:site", TaskID{Kind: TaskFetchSite, Source: SourceSite}.String())
	assert.Equal(t, "correlate", TaskID{Kind: TaskCorrelate}.String())
}

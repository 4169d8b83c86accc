package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedules.db")
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func recordingSubmitter() (Submitter, func() int) {
	calls := make(chan string, 64)
	submit := func(_ context.Context, brief string, _ int) (string, error) {
		calls <- brief
		return "wf-" + brief, nil
	}
	count := func() int {
		time.Sleep(20 * time.Millisecond) // let any async fire land
		return len(calls)
	}
	return submit, count
}

func TestAddScheduleRequiresCronOrEvent(t *testing.T) {
	submit, _ := recordingSubmitter()
	s, err := New(submit, nil, nil)
	require.NoError(t, err)

	err = s.AddSchedule(context.Background(), &ScheduleConfig{Name: "bad"})
	assert.Error(t, err)
}

func TestAddScheduleRejectsInvalidCronExpr(t *testing.T) {
	submit, _ := recordingSubmitter()
	s, err := New(submit, nil, nil)
	require.NoError(t, err)

	err = s.AddSchedule(context.Background(), &ScheduleConfig{Name: "bad", CronExpr: "not a cron expr"})
	assert.Error(t, err)
}

func TestAddScheduleRegistersCronEntryAndPersists(t *testing.T) {
	db := newTestDB(t)
	submit, _ := recordingSubmitter()
	s, err := New(submit, db, nil)
	require.NoError(t, err)

	err = s.AddSchedule(context.Background(), &ScheduleConfig{
		Name: "nightly", Brief: "summarize", CronExpr: "0 0 0 * * *", Enabled: true,
	})
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 1, stats.CronEntries)

	persisted, err := s.ListSchedules()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "nightly", persisted[0].Name)
}

func TestRemoveScheduleClearsCronEntryAndPersistedRecord(t *testing.T) {
	db := newTestDB(t)
	submit, _ := recordingSubmitter()
	s, err := New(submit, db, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddSchedule(context.Background(), &ScheduleConfig{
		Name: "nightly", CronExpr: "0 0 0 * * *", Enabled: true,
	}))

	require.NoError(t, s.RemoveSchedule("nightly"))

	assert.Equal(t, 0, s.Stats().CronEntries)
	persisted, err := s.ListSchedules()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestRemoveScheduleClearsEventHandlerRegistration(t *testing.T) {
	submit, count := recordingSubmitter()
	s, err := New(submit, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddSchedule(context.Background(), &ScheduleConfig{
		Name: "on-batch", Brief: "process batch", EventType: "ingest.batch_ready", Enabled: true,
	}))
	require.NoError(t, s.RemoveSchedule("on-batch"))

	s.TriggerEvent(context.Background(), "ingest.batch_ready", nil)
	assert.Equal(t, 0, count(), "a removed event schedule must not fire")
	assert.Equal(t, 0, s.Stats().EventHandlers)
}

func TestRestoreSchedulesSkipsDisabledEntries(t *testing.T) {
	db := newTestDB(t)
	submit, _ := recordingSubmitter()
	s1, err := New(submit, db, nil)
	require.NoError(t, err)
	require.NoError(t, s1.AddSchedule(context.Background(), &ScheduleConfig{
		Name: "enabled-one", CronExpr: "0 0 0 * * *", Enabled: true,
	}))
	require.NoError(t, s1.AddSchedule(context.Background(), &ScheduleConfig{
		Name: "disabled-one", CronExpr: "0 0 0 * * *", Enabled: false,
	}))

	s2, err := New(submit, db, nil)
	require.NoError(t, err)
	require.NoError(t, s2.RestoreSchedules(context.Background()))

	assert.Equal(t, 1, s2.Stats().CronEntries, "only the enabled schedule should be re-registered")
}

func TestTriggerEventFiresOnlyMatchingFilterAndEnabled(t *testing.T) {
	submit, count := recordingSubmitter()
	s, err := New(submit, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.AddSchedule(context.Background(), &ScheduleConfig{
		Name: "matching", Brief: "a", EventType: "ingest.batch_ready", Enabled: true,
		EventFilter: map[string]any{"region": "us"},
	}))
	require.NoError(t, s.AddSchedule(context.Background(), &ScheduleConfig{
		Name: "mismatched", Brief: "b", EventType: "ingest.batch_ready", Enabled: true,
		EventFilter: map[string]any{"region": "eu"},
	}))
	require.NoError(t, s.AddSchedule(context.Background(), &ScheduleConfig{
		Name: "disabled", Brief: "c", EventType: "ingest.batch_ready", Enabled: false,
	}))

	s.TriggerEvent(context.Background(), "ingest.batch_ready", map[string]any{"region": "us"})

	assert.Equal(t, 1, count())
}

func TestTriggerEventRespectsMaxConcurrent(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	submit := func(ctx context.Context, brief string, _ int) (string, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "wf", nil
	}
	s, err := New(submit, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddSchedule(context.Background(), &ScheduleConfig{
		Name: "limited", EventType: "e", Enabled: true, MaxConcurrent: 1,
	}))

	s.TriggerEvent(context.Background(), "e", nil)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first trigger never started")
	}

	s.TriggerEvent(context.Background(), "e", nil) // should be skipped, already at max concurrency
	select {
	case <-started:
		t.Fatal("a second concurrent fire should have been skipped at MaxConcurrent=1")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
}

func TestFireRecordsFailureWithoutPanickingOnSubmitterError(t *testing.T) {
	submit := func(_ context.Context, _ string, _ int) (string, error) {
		return "", os.ErrInvalid
	}
	s, err := New(submit, nil, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		s.fire(context.Background(), &ScheduleConfig{Name: "failing", Brief: "x"})
	})
}

func TestMatchesFilterEmptyFilterAlwaysMatches(t *testing.T) {
	assert.True(t, matchesFilter(map[string]any{"a": 1}, nil))
}

func TestMatchesFilterRequiresAllKeysToMatch(t *testing.T) {
	data := map[string]any{"region": "us", "tier": "gold"}
	assert.True(t, matchesFilter(data, map[string]any{"region": "us"}))
	assert.False(t, matchesFilter(data, map[string]any{"region": "eu"}))
	assert.False(t, matchesFilter(data, map[string]any{"missing": "x"}))
}

func TestStatsCountsCronAndEventSchedulesTogether(t *testing.T) {
	submit, _ := recordingSubmitter()
	s, err := New(submit, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddSchedule(context.Background(), &ScheduleConfig{Name: "c", CronExpr: "0 0 0 * * *", Enabled: true}))
	require.NoError(t, s.AddSchedule(context.Background(), &ScheduleConfig{Name: "e1", EventType: "x", Enabled: true}))
	require.NoError(t, s.AddSchedule(context.Background(), &ScheduleConfig{Name: "e2", EventType: "x", Enabled: true}))

	stats := s.Stats()
	assert.Equal(t, 1, stats.CronEntries)
	assert.Equal(t, 1, stats.EventHandlers)
	assert.Equal(t, 3, stats.TotalSchedules)
}

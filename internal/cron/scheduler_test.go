package cron_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/HobbyCoders/agentdeck/internal/cron"
	"github.com/HobbyCoders/agentdeck/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentdeck.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeLauncher struct {
	mu    sync.Mutex
	specs []string
}

func (f *fakeLauncher) LaunchRaw(ctx context.Context, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, string(raw))
	return "run-1", nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func insertTestSchedule(t *testing.T, store *persistence.Store, cronExpr string, enabled bool, nextRunAt *time.Time) string {
	t.Helper()
	id := "sched-" + t.Name()
	sched := persistence.Schedule{
		ID:        id,
		Name:      "test-" + t.Name(),
		CronExpr:  cronExpr,
		Spec:      `{"prompt":"nightly cleanup"}`,
		Enabled:   enabled,
		NextRunAt: nextRunAt,
	}
	if err := store.AddSchedule(context.Background(), &sched); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
	return id
}

func TestScheduler_FiresDueSchedule(t *testing.T) {
	store := openTestStore(t)
	launcher := &fakeLauncher{}
	past := time.Now().Add(-time.Minute)
	id := insertTestSchedule(t, store, "*/5 * * * *", true, &past)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Launcher: launcher,
		Interval: 20 * time.Millisecond,
	})
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return launcher.count() >= 1 })

	got, err := store.GetSchedule(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if got.LastRunAt == nil {
		t.Error("LastRunAt not recorded after fire")
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now().Add(-time.Second)) {
		t.Errorf("NextRunAt = %v, want a future time", got.NextRunAt)
	}
}

func TestScheduler_SkipsDisabledAndFuture(t *testing.T) {
	store := openTestStore(t)
	launcher := &fakeLauncher{}
	future := time.Now().Add(time.Hour)

	past := time.Now().Add(-time.Minute)
	disabled := persistence.Schedule{
		ID: "sched-disabled", Name: "disabled", CronExpr: "* * * * *",
		Spec: `{"prompt":"x"}`, Enabled: false, NextRunAt: &past,
	}
	if err := store.AddSchedule(context.Background(), &disabled); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
	insertTestSchedule(t, store, "* * * * *", true, &future)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Launcher: launcher,
		Interval: 20 * time.Millisecond,
	})
	sched.Start(context.Background())
	defer sched.Stop()

	time.Sleep(100 * time.Millisecond)
	if launcher.count() != 0 {
		t.Errorf("fired %d times, want 0", launcher.count())
	}
}

func TestScheduler_RunsMaintenance(t *testing.T) {
	store := openTestStore(t)
	var mu sync.Mutex
	calls := 0
	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Launcher: &fakeLauncher{},
		Interval: 20 * time.Millisecond,
		Maintenance: func(ctx context.Context) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	})
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime() error = %v", err)
	}
	want := time.Date(2026, 2, 4, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if _, err := cron.NextRunTime("not a cron expr", after); err == nil {
		t.Error("NextRunTime(invalid) error = nil, want error")
	}

	// 6-field seconds expressions are rejected; only 5-field is supported.
	if _, err := cron.NextRunTime("0 0 3 * * *", after); err == nil {
		t.Error("NextRunTime(6 fields) error = nil, want error")
	}
}

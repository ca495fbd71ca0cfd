package progression

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_autotask/internal/domain"
	"crm_autotask/internal/events"
	"crm_autotask/internal/store/sqlite"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.UpsertReseller(ctx, domain.Reseller{ID: "r-1", Status: domain.ResellerStatusActive}))
	require.NoError(t, store.UpsertAgent(ctx, domain.Agent{ID: "a-1", MaxConcurrentTasks: 50, IsActive: true}))
	return store
}

func createTask(t *testing.T, store *sqlite.Store, due time.Time) domain.Task {
	t.Helper()
	task := domain.Task{
		ID:                uuid.NewString(),
		ResellerID:        "r-1",
		AssignedToAgentID: "a-1",
		TaskType:          domain.TaskTypeFollowUp,
		Priority:          domain.PriorityMedium,
		Status:            domain.TaskStatusPending,
		DueDate:           due,
	}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func TestOnTaskCompletedCreatesProgressLazily(t *testing.T) {
	store := openStore(t)
	bus := events.NewBus(4)
	inbox, unsubscribe := bus.Subscribe("a-1")
	defer unsubscribe()
	engine := New(store, defaultRules(t), bus, quietLogger())

	now := time.Now().UTC()
	task := createTask(t, store, now.Add(time.Hour))
	report := domain.TaskReport{ID: uuid.NewString(), TaskID: task.ID, AgentID: "a-1", CompletionTimestamp: now, TaskEffectivenessRating: 5}

	progress, err := engine.OnTaskCompleted(context.Background(), "a-1", report)
	require.NoError(t, err)
	assert.Equal(t, 35, progress.TotalXP)
	assert.Equal(t, 1, progress.CurrentStreak)
	assert.Equal(t, 1, progress.Version)
	assert.Contains(t, progress.Badges, BadgeFirstTask)

	select {
	case ev := <-inbox:
		assert.Equal(t, events.KindProgressUpdated, ev.Kind)
	default:
		t.Fatal("expected progress event")
	}

	// the same report is never credited twice
	again, err := engine.OnTaskCompleted(context.Background(), "a-1", report)
	require.NoError(t, err)
	assert.Equal(t, 35, again.TotalXP)
}

func TestConcurrentCompletionsForOneAgent(t *testing.T) {
	store := openStore(t)
	engine := New(store, defaultRules(t), nil, quietLogger())

	now := time.Now().UTC()
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		task := createTask(t, store, now.Add(time.Hour))
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			_, err := engine.OnTaskCompleted(context.Background(), "a-1", domain.TaskReport{
				ID:                      uuid.NewString(),
				TaskID:                  taskID,
				CompletionTimestamp:     now,
				TaskEffectivenessRating: 5,
			})
			errs <- err
		}(task.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	progress, err := engine.Progress(context.Background(), "a-1", now)
	require.NoError(t, err)
	assert.Equal(t, n*35, progress.TotalXP)
	assert.Equal(t, float64(n), progress.WeeklyGoals.TasksCompleted.Actual)
	assert.Equal(t, n, progress.Version)
}

func TestOnTaskCompletedRejectsInvalidReports(t *testing.T) {
	engine := New(openStore(t), defaultRules(t), nil, quietLogger())
	ctx := context.Background()

	_, err := engine.OnTaskCompleted(ctx, "a-1", domain.TaskReport{ID: "r", TaskID: "t", TaskEffectivenessRating: 9})
	assert.True(t, domain.IsValidation(err))
	_, err = engine.OnTaskCompleted(ctx, "a-1", domain.TaskReport{ID: "r", TaskID: "t", AgentID: "a-2", TaskEffectivenessRating: 3})
	assert.True(t, domain.IsValidation(err))
	_, err = engine.OnTaskCompleted(ctx, "a-1", domain.TaskReport{ID: "r", TaskID: "missing", TaskEffectivenessRating: 3})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOnTaskCompletedRejectsTaskOfAnotherAgent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertAgent(ctx, domain.Agent{ID: "a-2", MaxConcurrentTasks: 5, IsActive: true}))
	task := createTask(t, store, time.Now().Add(time.Hour))
	engine := New(store, defaultRules(t), nil, quietLogger())

	_, err := engine.OnTaskCompleted(ctx, "a-2", domain.TaskReport{ID: uuid.NewString(), TaskID: task.ID, TaskEffectivenessRating: 5})
	assert.True(t, domain.IsValidation(err))

	p, err := engine.Progress(ctx, "a-2", time.Now())
	require.NoError(t, err)
	assert.Zero(t, p.TotalXP)
}

func TestProgressForUnknownAgentIsLevelOne(t *testing.T) {
	engine := New(openStore(t), defaultRules(t), nil, quietLogger())
	p, err := engine.Progress(context.Background(), "a-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, p.CurrentLevel)
	assert.Zero(t, p.TotalXP)
}

// conflictingStore fails the first save with a version conflict, as if a
// writer in another process got there first.
type conflictingStore struct {
	mu        sync.Mutex
	progress  *domain.AgentProgress
	conflicts int
	saves     int
}

func (s *conflictingStore) GetTask(_ context.Context, id string) (domain.Task, error) {
	return domain.Task{ID: id, AssignedToAgentID: "a-1", DueDate: time.Now().Add(time.Hour)}, nil
}

func (s *conflictingStore) GetAgentProgress(_ context.Context, agentID string) (domain.AgentProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progress == nil {
		return domain.AgentProgress{}, fmt.Errorf("progress %s: %w", agentID, domain.ErrNotFound)
	}
	return *s.progress, nil
}

func (s *conflictingStore) SaveAgentProgress(_ context.Context, p domain.AgentProgress, _ string, _ int) (domain.AgentProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.conflicts > 0 {
		s.conflicts--
		other := domain.AgentProgress{AgentID: p.AgentID, TotalXP: 100, CurrentLevel: 2, Version: 1}
		s.progress = &other
		return domain.AgentProgress{}, domain.ErrVersionConflict
	}
	p.Version++
	s.progress = &p
	return p, nil
}

func TestOnTaskCompletedRetriesVersionConflicts(t *testing.T) {
	store := &conflictingStore{conflicts: 1}
	engine := New(store, defaultRules(t), nil, quietLogger())

	p, err := engine.OnTaskCompleted(context.Background(), "a-1", domain.TaskReport{
		ID:                      "rep-1",
		TaskID:                  "t-1",
		CompletionTimestamp:     time.Now(),
		TaskEffectivenessRating: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, store.saves)
	assert.Equal(t, 135, p.TotalXP)
	assert.Equal(t, 2, p.Version)
}

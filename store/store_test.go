package store

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore starts an embedded NATS server with JetStream and returns a
// Store connected to it.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	opts := &server.Options{
		Port:      -1, // Random available port
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded NATS server failed to start")
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)

	store, err := NewStore(context.Background(), js)
	require.NoError(t, err)

	return store
}

func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &Task{
		TemplateID: "tmpl-1",
		CreatedBy:  "u1",
		Parameters: map[string]any{"range": "30d"},
		Testing:    true,
	}

	require.NoError(t, s.CreateTask(ctx, task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, TaskStatusPending, task.Status)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "tmpl-1", got.TemplateID)
	assert.Equal(t, "u1", got.CreatedBy)
	assert.Equal(t, "30d", got.Parameters["range"])

	// Create on the same ID fails.
	err = s.CreateTask(ctx, &Task{ID: task.ID})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskConditionalUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &Task{TemplateID: "tmpl-1", CreatedBy: "u1"}
	require.NoError(t, s.CreateTask(ctx, task))

	got, revision, err := s.GetTaskWithRevision(ctx, task.ID)
	require.NoError(t, err)

	got.Status = TaskStatusRunning
	require.NoError(t, s.UpdateTask(ctx, got, revision))

	// A second write with the stale revision loses the race.
	got.Status = TaskStatusCompleted
	err = s.UpdateTask(ctx, got, revision)
	assert.ErrorIs(t, err, ErrRevisionConflict)

	current, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusRunning, current.Status)
}

func TestMutateTaskRetriesOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &Task{TemplateID: "tmpl-1", CreatedBy: "u1"}
	require.NoError(t, s.CreateTask(ctx, task))

	calls := 0
	mutated, err := s.MutateTask(ctx, task.ID, func(t *Task) error {
		calls++
		if calls == 1 {
			// Simulate a concurrent writer between our read and write.
			_, err := s.MutateTask(ctx, task.ID, func(t *Task) error {
				t.Progress.Message = "racer"
				return nil
			})
			if err != nil {
				return err
			}
		}
		t.Progress.StepsCompleted++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, mutated.Progress.StepsCompleted)
	assert.Equal(t, "racer", mutated.Progress.Message)
	assert.Equal(t, 2, calls, "first attempt should conflict and retry")
}

func TestListTasksByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &Task{TemplateID: "a", CreatedBy: "u1"}))
	require.NoError(t, s.CreateTask(ctx, &Task{TemplateID: "b", CreatedBy: "u1"}))
	require.NoError(t, s.CreateTask(ctx, &Task{TemplateID: "c", CreatedBy: "u2"}))

	tasks, err := s.ListTasksByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestTemplateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tmpl := &Template{
		Name:            "Widget Report",
		Description:     "Generates widget usage reports",
		Categories:      []string{"reports"},
		Triggers:        Triggers{Keywords: []string{"widget", "report"}},
		Enabled:         true,
		Testing:         true,
		ExecutionScript: "class WidgetReport extends TaskExecutor {}",
		ScriptValidated: true,
		NameEmbedding:   []float32{0.1, 0.2},
		Embedding:       []float32{0.3, 0.4},
	}

	require.NoError(t, s.CreateTemplate(ctx, tmpl))

	got, err := s.GetTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, tmpl.Name, got.Name)
	assert.Equal(t, tmpl.ExecutionScript, got.ExecutionScript)
	assert.Equal(t, tmpl.NameEmbedding, got.NameEmbedding)

	// UpdatedAt strictly increases on every put.
	before := got.UpdatedAt
	got.Description = "updated"
	require.NoError(t, s.PutTemplate(ctx, got))
	assert.True(t, got.UpdatedAt.After(before))

	require.NoError(t, s.DeleteTemplate(ctx, tmpl.ID))
	_, err = s.GetTemplate(ctx, tmpl.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCountersStayConsistent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mem := &ReasoningMemory{
		Title:    "Use widgets.list not widgets.badmethod",
		Content:  "The provider renamed the endpoint.",
		Category: MemoryCategoryFixStrategy,
	}
	require.NoError(t, s.CreateMemory(ctx, mem))

	updated, err := s.MutateMemory(ctx, mem.ID, func(m *ReasoningMemory) {
		m.TimesUsedInSuccess += 2
		m.TimesUsedInFailure++
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, updated.SuccessRate, 0.0001)

	updated, err = s.MutateMemory(ctx, mem.ID, func(m *ReasoningMemory) {
		m.TimesUsedInFailure++
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, updated.SuccessRate, 0.0001)
}

func TestSearchMemories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	memories := []*ReasoningMemory{
		{
			ID:        "near",
			Title:     "near match",
			Category:  MemoryCategoryErrorPattern,
			Embedding: []float32{1, 0, 0},
		},
		{
			ID:        "far",
			Title:     "far match",
			Category:  MemoryCategoryErrorPattern,
			Embedding: []float32{0, 1, 0},
		},
		{
			ID:                 "low-quality",
			Title:              "failed fix",
			Category:           MemoryCategoryErrorPattern,
			Embedding:          []float32{1, 0, 0},
			TimesUsedInFailure: 5,
		},
		{
			ID:        "wrong-category",
			Title:     "strategy note",
			Category:  MemoryCategoryExecutionStrategy,
			Embedding: []float32{1, 0, 0},
		},
	}
	for _, m := range memories {
		require.NoError(t, s.CreateMemory(ctx, m))
	}

	results, err := s.SearchMemories(ctx, []float32{1, 0, 0}, MemorySearchOptions{
		Categories:     []MemoryCategory{MemoryCategoryErrorPattern, MemoryCategoryFixStrategy},
		MinSuccessRate: 0.3,
		TopK:           2,
	})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].Memory.ID)
	assert.InDelta(t, 1.0, results[0].Score, 0.0001)
	// low-quality filtered by success rate, wrong-category by category.
	assert.Equal(t, "far", results[1].Memory.ID)
}

func TestSearchMemoriesEmptyQuery(t *testing.T) {
	s := newTestStore(t)

	results, err := s.SearchMemories(context.Background(), nil, MemorySearchOptions{})
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestStatusTerminality(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []TaskStatus{
		TaskStatusPending,
		TaskStatusRunning,
		TaskStatusFailedAutoRepairing,
		TaskStatusAutoRepairRetrying,
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

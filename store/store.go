package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each entity collection.
const (
	BucketTasks     = "TASKMEND_TASKS"
	BucketTemplates = "TASKMEND_TEMPLATES"
	BucketMemories  = "TASKMEND_MEMORIES"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists indicates a create collided with an existing key.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrRevisionConflict indicates a conditional update lost the race.
	ErrRevisionConflict = errors.New("revision conflict")
)

// maxMutateAttempts bounds the CAS retry loop in Mutate helpers.
const maxMutateAttempts = 5

// Store provides entity storage operations backed by NATS KV.
type Store struct {
	tasks     jetstream.KeyValue
	templates jetstream.KeyValue
	memories  jetstream.KeyValue
}

// NewStore creates a Store with the given JetStream context, creating the
// KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}

	templates, err := getOrCreateBucket(ctx, js, BucketTemplates)
	if err != nil {
		return nil, fmt.Errorf("create templates bucket: %w", err)
	}

	memories, err := getOrCreateBucket(ctx, js, BucketMemories)
	if err != nil {
		return nil, fmt.Errorf("create memories bucket: %w", err)
	}

	return &Store{
		tasks:     tasks,
		templates: templates,
		memories:  memories,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Taskmend %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// NewID generates a new unique entity identifier.
func NewID() string {
	return uuid.New().String()
}

// --- Tasks ---

// CreateTask stores a new task. Assigns ID and timestamps if unset.
// Fails with ErrAlreadyExists on ID collision.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskStatusPending
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if _, err := s.tasks.Create(ctx, t.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("store task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, _, err := s.GetTaskWithRevision(ctx, id)
	return t, err
}

// GetTaskWithRevision retrieves a task along with its KV revision for
// conditional updates.
func (s *Store) GetTaskWithRevision(ctx context.Context, id string) (*Task, uint64, error) {
	entry, err := s.tasks.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get task: %w", err)
	}

	var t Task
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, 0, fmt.Errorf("unmarshal task: %w", err)
	}

	return &t, entry.Revision(), nil
}

// UpdateTask writes a task conditionally on the given revision.
// Returns ErrRevisionConflict if the record changed since the read.
func (s *Store) UpdateTask(ctx context.Context, t *Task, revision uint64) error {
	t.UpdatedAt = time.Now()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if _, err := s.tasks.Update(ctx, t.ID, data, revision); err != nil {
		if isWrongRevision(err) {
			return ErrRevisionConflict
		}
		return fmt.Errorf("update task: %w", err)
	}

	return nil
}

// MutateTask applies fn to the current task under a CAS loop. fn may return
// an error to abort the mutation; concurrent writers cause a re-read and
// re-apply up to maxMutateAttempts times.
func (s *Store) MutateTask(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		t, revision, err := s.GetTaskWithRevision(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := fn(t); err != nil {
			return nil, err
		}

		err = s.UpdateTask(ctx, t, revision)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrRevisionConflict) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("mutate task %s: %w", id, ErrRevisionConflict)
}

// ListTasksByUser returns all tasks created by the given user.
func (s *Store) ListTasksByUser(ctx context.Context, userID string) ([]*Task, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	tasks := make([]*Task, 0)
	for _, key := range keys {
		entry, err := s.tasks.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var t Task
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		if t.CreatedBy == userID {
			tasks = append(tasks, &t)
		}
	}

	return tasks, nil
}

// --- Templates ---

// CreateTemplate stores a new template. Fails with ErrAlreadyExists on
// ID collision.
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}

	if _, err := s.templates.Create(ctx, t.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("template %s: %w", t.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("store template: %w", err)
	}

	return nil
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, id string) (*Template, error) {
	entry, err := s.templates.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}

	var t Template
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}

	return &t, nil
}

// PutTemplate writes a template unconditionally, bumping UpdatedAt so it is
// strictly increasing (it doubles as the compiled-code cache key).
func (s *Store) PutTemplate(ctx context.Context, t *Template) error {
	now := time.Now()
	if !now.After(t.UpdatedAt) {
		now = t.UpdatedAt.Add(time.Nanosecond)
	}
	t.UpdatedAt = now

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}

	if _, err := s.templates.Put(ctx, t.ID, data); err != nil {
		return fmt.Errorf("update template: %w", err)
	}

	return nil
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	if err := s.templates.Delete(ctx, id); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}

// ListTemplates returns all templates.
func (s *Store) ListTemplates(ctx context.Context) ([]*Template, error) {
	keys, err := s.templates.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list template keys: %w", err)
	}

	templates := make([]*Template, 0, len(keys))
	for _, key := range keys {
		entry, err := s.templates.Get(ctx, key)
		if err != nil {
			continue
		}
		var t Template
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		templates = append(templates, &t)
	}

	return templates, nil
}

// --- Memories ---

// CreateMemory stores a new reasoning memory.
func (s *Store) CreateMemory(ctx context.Context, m *ReasoningMemory) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.RecomputeSuccessRate()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}

	if _, err := s.memories.Create(ctx, m.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("memory %s: %w", m.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("store memory: %w", err)
	}

	return nil
}

// GetMemory retrieves a reasoning memory by ID.
func (s *Store) GetMemory(ctx context.Context, id string) (*ReasoningMemory, error) {
	entry, err := s.memories.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get memory: %w", err)
	}

	var m ReasoningMemory
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, fmt.Errorf("unmarshal memory: %w", err)
	}

	return &m, nil
}

// MutateMemory applies fn to the current memory under a CAS loop and
// recomputes the success rate before writing, keeping the rate consistent
// with the counters.
func (s *Store) MutateMemory(ctx context.Context, id string, fn func(*ReasoningMemory)) (*ReasoningMemory, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		entry, err := s.memories.Get(ctx, id)
		if err != nil {
			if isNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("get memory: %w", err)
		}

		var m ReasoningMemory
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			return nil, fmt.Errorf("unmarshal memory: %w", err)
		}

		fn(&m)
		m.RecomputeSuccessRate()
		m.UpdatedAt = time.Now()

		data, err := json.Marshal(&m)
		if err != nil {
			return nil, fmt.Errorf("marshal memory: %w", err)
		}

		_, err = s.memories.Update(ctx, id, data, entry.Revision())
		if err == nil {
			return &m, nil
		}
		if !isWrongRevision(err) {
			return nil, fmt.Errorf("update memory: %w", err)
		}
	}

	return nil, fmt.Errorf("mutate memory %s: %w", id, ErrRevisionConflict)
}

// ListMemories returns all reasoning memories.
func (s *Store) ListMemories(ctx context.Context) ([]*ReasoningMemory, error) {
	keys, err := s.memories.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list memory keys: %w", err)
	}

	memories := make([]*ReasoningMemory, 0, len(keys))
	for _, key := range keys {
		entry, err := s.memories.Get(ctx, key)
		if err != nil {
			continue
		}
		var m ReasoningMemory
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			continue
		}
		memories = append(memories, &m)
	}

	return memories, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}

// isWrongRevision checks if an error indicates a CAS revision mismatch.
func isWrongRevision(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}

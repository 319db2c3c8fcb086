// Package memory manages reasoning memories: vector-indexed lessons from past
// executions with success-rate statistics.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taskmend/taskmend/embedding"
	"github.com/taskmend/taskmend/store"
)

// Embedder generates embedding vectors for memory content and queries.
type Embedder interface {
	Embed(ctx context.Context, text string, taskType embedding.TaskType) ([]float32, error)
}

// Store owns the reasoning-memory collection.
type Store struct {
	store    *store.Store
	embedder Embedder
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a memory store.
func New(ds *store.Store, embedder Embedder, opts ...Option) *Store {
	s := &Store{
		store:    ds,
		embedder: embedder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add embeds and stores a new reasoning memory.
func (s *Store) Add(ctx context.Context, m *store.ReasoningMemory) error {
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("memory content is required")
	}
	if m.Category == "" {
		return fmt.Errorf("memory category is required")
	}

	vec, err := s.embedder.Embed(ctx, indexText(m), embedding.TaskTypeDocument)
	if err != nil {
		return fmt.Errorf("embed memory: %w", err)
	}
	m.Embedding = vec

	if err := s.store.CreateMemory(ctx, m); err != nil {
		return err
	}

	s.logger.Debug("Added reasoning memory",
		"memory_id", m.ID,
		"category", m.Category,
		"template_id", m.TemplateID)

	return nil
}

// RetrieveOptions filter memory retrieval.
type RetrieveOptions struct {
	Categories     []store.MemoryCategory
	MinSuccessRate float64
	TemplateID     string
	TopK           int
}

// Retrieve embeds the query and returns the nearest matching memories,
// bumping TimesRetrieved on each returned memory. An empty result returns
// nil without mutating any counters.
func (s *Store) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]*store.ReasoningMemory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query, embedding.TaskTypeQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	scored, err := s.store.SearchMemories(ctx, vec, store.MemorySearchOptions{
		Categories:     opts.Categories,
		MinSuccessRate: opts.MinSuccessRate,
		TemplateID:     opts.TemplateID,
		TopK:           opts.TopK,
	})
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	if len(scored) == 0 {
		return nil, nil
	}

	memories := make([]*store.ReasoningMemory, 0, len(scored))
	for _, sm := range scored {
		updated, err := s.store.MutateMemory(ctx, sm.Memory.ID, func(m *store.ReasoningMemory) {
			m.TimesRetrieved++
		})
		if err != nil {
			s.logger.Warn("Failed to bump retrieval counter",
				"memory_id", sm.Memory.ID,
				"error", err)
			memories = append(memories, sm.Memory)
			continue
		}
		memories = append(memories, updated)
	}

	return memories, nil
}

// MarkUsed records a success or failure outcome for each memory.
// The success rate is recomputed with the counters in the same write.
func (s *Store) MarkUsed(ctx context.Context, memoryIDs []string, success bool) error {
	var firstErr error
	for _, id := range memoryIDs {
		_, err := s.store.MutateMemory(ctx, id, func(m *store.ReasoningMemory) {
			if success {
				m.TimesUsedInSuccess++
			} else {
				m.TimesUsedInFailure++
			}
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mark memory %s: %w", id, err)
		}
	}
	return firstErr
}

// Get returns a single memory by ID.
func (s *Store) Get(ctx context.Context, id string) (*store.ReasoningMemory, error) {
	return s.store.GetMemory(ctx, id)
}

// indexText builds the text that feeds the memory's embedding.
func indexText(m *store.ReasoningMemory) string {
	parts := make([]string, 0, 3)
	if m.Title != "" {
		parts = append(parts, m.Title)
	}
	if m.Description != "" {
		parts = append(parts, m.Description)
	}
	parts = append(parts, m.Content)
	return strings.Join(parts, "\n")
}

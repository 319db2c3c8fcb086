package store

import (
	"context"
	"sort"

	"github.com/taskmend/taskmend/embedding"
)

// MemorySearchOptions filter and bound a memory vector search.
type MemorySearchOptions struct {
	// Categories restricts results to the given memory categories.
	// Empty means all categories.
	Categories []MemoryCategory

	// MinSuccessRate drops memories below the threshold. Memories that have
	// never been used in an outcome (zero denominator) pass the filter so
	// fresh lessons are not starved out.
	MinSuccessRate float64

	// TemplateID, when set, restricts results to memories linked to the
	// template.
	TemplateID string

	// TopK bounds the result count. Zero means 5.
	TopK int
}

// ScoredMemory pairs a memory with its cosine similarity to the query.
type ScoredMemory struct {
	Memory *ReasoningMemory
	Score  float64
}

// SearchMemories returns the top-K memories nearest to the query vector under
// cosine similarity, after applying the option pre-filters. The KV bucket has
// no native vector index, so this scans all records; memory counts stay small
// enough (hundreds to low thousands) for a scan to be cheaper than running a
// dedicated vector store.
func (s *Store) SearchMemories(ctx context.Context, query []float32, opts MemorySearchOptions) ([]ScoredMemory, error) {
	if len(query) == 0 {
		return nil, nil
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}

	memories, err := s.ListMemories(ctx)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredMemory, 0, len(memories))
	for _, m := range memories {
		if !memoryMatchesFilter(m, opts) {
			continue
		}
		if len(m.Embedding) == 0 {
			continue
		}

		score := embedding.CosineSimilarity(query, m.Embedding)
		scored = append(scored, ScoredMemory{Memory: m, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}

	return scored, nil
}

func memoryMatchesFilter(m *ReasoningMemory, opts MemorySearchOptions) bool {
	if opts.TemplateID != "" && m.TemplateID != opts.TemplateID {
		return false
	}

	if len(opts.Categories) > 0 {
		found := false
		for _, c := range opts.Categories {
			if m.Category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if opts.MinSuccessRate > 0 {
		used := m.TimesUsedInSuccess + m.TimesUsedInFailure
		if used > 0 && m.SuccessRate < opts.MinSuccessRate {
			return false
		}
	}

	return true
}

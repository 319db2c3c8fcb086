// Package template owns the template collection: validated scripts, fresh
// search embeddings, and compiled-code cache invalidation on every write.
package template

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/taskmend/taskmend/config"
	"github.com/taskmend/taskmend/embedding"
	"github.com/taskmend/taskmend/sandbox"
	"github.com/taskmend/taskmend/store"
)

// cacheTTL bounds how long a Get may serve a template without re-reading
// the store. Writes invalidate immediately.
const cacheTTL = 5 * time.Minute

// Embedder generates the search vectors stored on every template write.
type Embedder interface {
	Embed(ctx context.Context, text string, taskType embedding.TaskType) ([]float32, error)
}

// ScriptCache is the compiled-code cache cleared on template mutation.
// Implemented by sandbox.Runtime.
type ScriptCache interface {
	Invalidate(templateID string)
}

// Repository owns template CRUD. Any script reaching storage has passed
// validation; any write flushes stale compiled code before acknowledging.
type Repository struct {
	store    *store.Store
	embedder Embedder
	scripts  ScriptCache
	cfg      config.SandboxConfig
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedTemplate
}

type cachedTemplate struct {
	template *store.Template
	loadedAt time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// New creates a template repository. scripts may be nil when no sandbox
// runtime is attached (e.g. matcher-only deployments).
func New(ds *store.Store, embedder Embedder, scripts ScriptCache, cfg config.SandboxConfig, opts ...Option) *Repository {
	r := &Repository{
		store:    ds,
		embedder: embedder,
		scripts:  scripts,
		cfg:      cfg,
		logger:   slog.Default(),
		cache:    make(map[string]cachedTemplate),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns a template, serving from the TTL cache when fresh.
func (r *Repository) Get(ctx context.Context, templateID string) (*store.Template, error) {
	r.mu.Lock()
	if entry, ok := r.cache[templateID]; ok && time.Since(entry.loadedAt) < cacheTTL {
		r.mu.Unlock()
		return entry.template, nil
	}
	r.mu.Unlock()

	t, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[templateID] = cachedTemplate{template: t, loadedAt: time.Now()}
	r.mu.Unlock()

	return t, nil
}

// List returns templates, optionally only enabled ones.
func (r *Repository) List(ctx context.Context, activeOnly bool) ([]*store.Template, error) {
	templates, err := r.store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	if !activeOnly {
		return templates, nil
	}

	active := templates[:0]
	for _, t := range templates {
		if t.Enabled {
			active = append(active, t)
		}
	}
	return active, nil
}

// GetByCategory returns enabled templates carrying the category.
func (r *Repository) GetByCategory(ctx context.Context, category string) ([]*store.Template, error) {
	templates, err := r.List(ctx, true)
	if err != nil {
		return nil, err
	}

	var matched []*store.Template
	for _, t := range templates {
		for _, c := range t.Categories {
			if strings.EqualFold(c, category) {
				matched = append(matched, t)
				break
			}
		}
	}
	return matched, nil
}

// Create validates the script, generates both embeddings, and stores the
// template. Enabled and testing default to true: new templates run, and run
// under the repair loop, until promoted.
func (r *Repository) Create(ctx context.Context, t *store.Template) error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name is required")
	}

	res := sandbox.ValidateAndPrepareScript(t.ExecutionScript, t.ID, r.cfg)
	if !res.Valid {
		return fmt.Errorf("script validation failed: %s", res.Error)
	}
	t.ExecutionScript = res.Script
	t.ScriptValidated = true
	t.ScriptEscaped = res.Escaped

	if err := r.embedTemplate(ctx, t); err != nil {
		return err
	}

	t.Enabled = true
	t.Testing = true
	if t.Version == 0 {
		t.Version = 1
	}

	if err := r.store.CreateTemplate(ctx, t); err != nil {
		return err
	}

	r.invalidate(t.ID)

	r.logger.Info("Created template",
		"template_id", t.ID,
		"name", t.Name,
		"escaped", t.ScriptEscaped)

	return nil
}

// Patch carries the mutable fields of an update. Nil pointers leave the
// field untouched.
type Patch struct {
	Name            *string
	Description     *string
	Categories      []string
	Triggers        *store.Triggers
	Priority        *int
	ParameterSchema *store.ParameterSchema
	ExecutionScript *string
}

// Update applies a patch. A changed script is re-validated (and possibly
// auto-escaped); embeddings are always regenerated so the search index
// reflects current semantics; compiled code is flushed before the write is
// acknowledged.
func (r *Repository) Update(ctx context.Context, templateID string, patch Patch) (*store.Template, error) {
	t, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		t.Name = *patch.Name
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Categories != nil {
		t.Categories = patch.Categories
	}
	if patch.Triggers != nil {
		t.Triggers = *patch.Triggers
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.ParameterSchema != nil {
		t.ParameterSchema = *patch.ParameterSchema
	}

	if patch.ExecutionScript != nil && *patch.ExecutionScript != t.ExecutionScript {
		res := sandbox.ValidateAndPrepareScript(*patch.ExecutionScript, templateID, r.cfg)
		if !res.Valid {
			return nil, fmt.Errorf("script validation failed: %s", res.Error)
		}
		t.ExecutionScript = res.Script
		t.ScriptValidated = true
		t.ScriptEscaped = res.Escaped
	}

	if err := r.embedTemplate(ctx, t); err != nil {
		return nil, err
	}

	t.Version++

	if err := r.store.PutTemplate(ctx, t); err != nil {
		return nil, err
	}

	r.invalidate(templateID)

	r.logger.Info("Updated template",
		"template_id", templateID,
		"version", t.Version)

	return t, nil
}

// ApplyRepair swaps in a repaired script and records the repair metadata in
// one write: validation, fresh embeddings, lastRepaired, attempt counter,
// history entry, and compiled-code flush.
func (r *Repository) ApplyRepair(ctx context.Context, templateID, script string, entry store.RepairHistoryEntry) (*store.Template, error) {
	t, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	res := sandbox.ValidateAndPrepareScript(script, templateID, r.cfg)
	if !res.Valid {
		return nil, fmt.Errorf("repaired script validation failed: %s", res.Error)
	}
	t.ExecutionScript = res.Script
	t.ScriptValidated = true
	t.ScriptEscaped = res.Escaped

	if err := r.embedTemplate(ctx, t); err != nil {
		return nil, err
	}

	now := time.Now()
	t.LastRepaired = &now
	t.RepairAttempts++
	entry.Timestamp = now
	t.AutoRepairHistory = append(t.AutoRepairHistory, entry)
	t.Version++

	if err := r.store.PutTemplate(ctx, t); err != nil {
		return nil, err
	}

	r.invalidate(templateID)

	r.logger.Info("Applied repaired script",
		"template_id", templateID,
		"repair_attempts", t.RepairAttempts,
		"escaped", t.ScriptEscaped)

	return t, nil
}

// Delete removes a template from storage and all caches.
func (r *Repository) Delete(ctx context.Context, templateID string) error {
	if err := r.store.DeleteTemplate(ctx, templateID); err != nil {
		return err
	}
	r.invalidate(templateID)
	return nil
}

// SetEnabled toggles a template without touching its script or embeddings.
func (r *Repository) SetEnabled(ctx context.Context, templateID string, enabled bool) error {
	t, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return err
	}

	t.Enabled = enabled
	if err := r.store.PutTemplate(ctx, t); err != nil {
		return err
	}

	r.invalidate(templateID)
	return nil
}

// embedTemplate regenerates both search vectors: the name alone, and
// name + description.
func (r *Repository) embedTemplate(ctx context.Context, t *store.Template) error {
	nameVec, err := r.embedder.Embed(ctx, t.Name, embedding.TaskTypeDocument)
	if err != nil {
		return fmt.Errorf("embed template name: %w", err)
	}

	semantic := t.Name
	if t.Description != "" {
		semantic += "\n" + t.Description
	}
	semVec, err := r.embedder.Embed(ctx, semantic, embedding.TaskTypeDocument)
	if err != nil {
		return fmt.Errorf("embed template description: %w", err)
	}

	t.NameEmbedding = nameVec
	t.Embedding = semVec
	return nil
}

// invalidate drops the template from the read cache and the compiled-code
// cache. Runs before any write acknowledgement so stale code is never
// served after a successful mutation.
func (r *Repository) invalidate(templateID string) {
	r.mu.Lock()
	delete(r.cache, templateID)
	r.mu.Unlock()

	if r.scripts != nil {
		r.scripts.Invalidate(templateID)
	}
}

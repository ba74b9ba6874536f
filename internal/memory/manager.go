package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Summarizer condenses text via a single model call. The manager uses it
// only when trimming alone cannot meet a token budget.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxTokens int) (string, error)
}

// Manager is the tiered memory system: a mandatory durable backend, plus
// optional vector index, working cache, and embedder. Writes are
// append-only; the durable write must succeed or the operation fails.
type Manager struct {
	backend    Backend
	cache      *WorkingCache
	vectors    VectorIndex
	embedder   Embedder
	summarizer Summarizer
	logger     *zap.Logger
}

// Embedder is the minimal embedding interface the manager needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// VectorIndex is the minimal vector-store interface the manager needs.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64) ([]VectorHit, error)
	DropCollection(ctx context.Context, name string) error
}

// VectorHit is one similarity-search result.
type VectorHit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Option configures optional manager tiers.
type Option func(*Manager)

// WithCache attaches the Redis working-memory tier.
func WithCache(c *WorkingCache) Option { return func(m *Manager) { m.cache = c } }

// WithVectors attaches the vector index and its embedder.
func WithVectors(v VectorIndex, e Embedder) Option {
	return func(m *Manager) { m.vectors = v; m.embedder = e }
}

// WithSummarizer attaches the model-backed summarizer used during
// compression.
func WithSummarizer(s Summarizer) Option { return func(m *Manager) { m.summarizer = s } }

// NewManager creates a memory manager over the durable backend.
func NewManager(backend Backend, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{backend: backend, logger: logger}
	for _, o := range opts {
		o(m)
	}
	return m
}

func collectionName(scope Scope, namespace string) string {
	return "mem-" + string(scope) + "-" + namespace
}

// Write appends an entry and returns its id. The durable write is
// mandatory; embedding, vector upsert, and cache population are
// best-effort.
func (m *Manager) Write(ctx context.Context, scope Scope, namespace, content string, metadata map[string]string) (string, error) {
	if namespace == "" {
		return "", fmt.Errorf("memory write: empty namespace for scope %s", scope)
	}
	e := &Entry{
		ID:        uuid.New().String(),
		Scope:     scope,
		Namespace: namespace,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	if m.embedder != nil && m.vectors != nil {
		vecs, err := m.embedder.Embed(ctx, []string{content})
		if err != nil {
			m.logger.Warn("embedding failed, storing without vector", zap.Error(err))
		} else if len(vecs) == 1 {
			e.Embedding = vecs[0]
		}
	}

	// The audit trail cannot be lost silently.
	if err := m.backend.Append(ctx, e); err != nil {
		return "", fmt.Errorf("memory write %s/%s: %w", scope, namespace, err)
	}

	if e.Embedding != nil {
		coll := collectionName(scope, namespace)
		if err := m.vectors.EnsureCollection(ctx, coll, uint64(m.embedder.Dimension())); err != nil {
			m.logger.Warn("ensure collection failed", zap.String("collection", coll), zap.Error(err))
		} else if err := m.vectors.Upsert(ctx, coll, e.ID, e.Embedding, vectorPayload(e)); err != nil {
			m.logger.Warn("vector upsert failed", zap.String("collection", coll), zap.Error(err))
		}
	}

	if m.cache != nil {
		if err := m.cache.Put(ctx, e); err != nil {
			m.logger.Debug("cache put failed", zap.Error(err))
		}
		if scope == ScopeTask {
			_ = m.cache.PublishUpdate(ctx, namespace, map[string]any{
				"action":   "write",
				"entry_id": e.ID,
				"type":     metadata[TagType],
			})
		}
	}

	return e.ID, nil
}

// Read returns entries for (scope, namespace) in creation order.
func (m *Manager) Read(ctx context.Context, scope Scope, namespace string, f Filter) ([]Entry, error) {
	entries, err := m.backend.List(ctx, scope, namespace, f)
	if err != nil {
		return nil, fmt.Errorf("memory read %s/%s: %w", scope, namespace, err)
	}
	return entries, nil
}

// Snapshot returns a consistent point-in-time view of a task's memory for
// an agent invocation. Because entries are append-only, the list at call
// time is immutable from the caller's perspective.
func (m *Manager) Snapshot(ctx context.Context, taskID string) ([]Entry, error) {
	return m.Read(ctx, ScopeTask, taskID, Filter{})
}

// QuerySimilar returns the k entries nearest to queryText by embedding
// distance. Without a vector tier it falls back to the k most recent
// entries.
func (m *Manager) QuerySimilar(ctx context.Context, scope Scope, namespace, queryText string, k int) ([]Entry, error) {
	if k <= 0 {
		return nil, nil
	}
	if m.embedder == nil || m.vectors == nil {
		return m.recentFallback(ctx, scope, namespace, k)
	}

	vecs, err := m.embedder.Embed(ctx, []string{queryText})
	if err != nil || len(vecs) != 1 {
		m.logger.Warn("query embedding failed, falling back to recency", zap.Error(err))
		return m.recentFallback(ctx, scope, namespace, k)
	}

	hits, err := m.vectors.Search(ctx, collectionName(scope, namespace), vecs[0], uint64(k))
	if err != nil {
		m.logger.Warn("vector search failed, falling back to recency", zap.Error(err))
		return m.recentFallback(ctx, scope, namespace, k)
	}

	out := make([]Entry, 0, len(hits))
	for _, h := range hits {
		e := Entry{
			ID:        h.ID,
			Scope:     scope,
			Namespace: namespace,
			Content:   h.Payload["content"],
			Relevance: h.Score,
		}
		if ts := h.Payload["created_at"]; ts != "" {
			if t, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
				e.CreatedAt = t
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Manager) recentFallback(ctx context.Context, scope Scope, namespace string, k int) ([]Entry, error) {
	entries, err := m.backend.Recent(ctx, scope, namespace, k)
	if err != nil {
		return nil, fmt.Errorf("memory recent %s/%s: %w", scope, namespace, err)
	}
	return entries, nil
}

// CompressForModel fits entries into the target model's context budget.
// Deterministic trimming happens first; if entries were evicted and a
// summarizer is available, the evicted tail is condensed into one synthetic
// entry, budget permitting. Summarization failure falls back to plain
// trimming.
func (m *Manager) CompressForModel(ctx context.Context, entries []Entry, model string) []Entry {
	return m.CompressForBudget(ctx, entries, ContextLimit(model))
}

// CompressForBudget is CompressForModel with an explicit token budget.
func (m *Manager) CompressForBudget(ctx context.Context, entries []Entry, tokenLimit int) []Entry {
	kept := CompressForBudget(entries, tokenLimit)
	if len(kept) == len(entries) || m.summarizer == nil {
		return kept
	}

	evicted := evictedEntries(entries, kept)
	if len(evicted) == 0 {
		return kept
	}
	headroom := tokenLimit - TotalTokens(kept)
	if headroom < 64 {
		return kept
	}

	var sb strings.Builder
	for i := range evicted {
		sb.WriteString(evicted[i].Content)
		sb.WriteString("\n")
	}
	summary, err := m.summarizer.Summarize(ctx, sb.String(), headroom)
	if err != nil {
		m.logger.Warn("summarization failed, keeping trimmed set", zap.Error(err))
		return kept
	}
	if EstimateTokens(summary) > headroom {
		return kept
	}

	synthetic := Entry{
		ID:        uuid.New().String(),
		Content:   summary,
		Metadata:  map[string]string{TagType: TypeSummary},
		CreatedAt: oldestCreated(evicted),
	}
	out := make([]Entry, 0, len(kept)+1)
	out = append(out, synthetic)
	out = append(out, kept...)
	return out
}

// ReleaseTask garbage-collects a task's working memory: cache keys and the
// task vector collection. Durable rows are retained for audit.
func (m *Manager) ReleaseTask(ctx context.Context, taskID string) {
	if m.cache != nil {
		if err := m.cache.ReleaseTask(ctx, taskID); err != nil {
			m.logger.Warn("release task cache failed", zap.String("task", taskID), zap.Error(err))
		}
	}
	if m.vectors != nil {
		if err := m.vectors.DropCollection(ctx, collectionName(ScopeTask, taskID)); err != nil {
			m.logger.Debug("drop task collection failed", zap.String("task", taskID), zap.Error(err))
		}
	}
}

func vectorPayload(e *Entry) map[string]string {
	payload := map[string]string{
		"content":    e.Content,
		"created_at": e.CreatedAt.Format(time.RFC3339Nano),
	}
	for k, v := range e.Metadata {
		payload[k] = v
	}
	return payload
}

func evictedEntries(all, kept []Entry) []Entry {
	keptIDs := make(map[string]struct{}, len(kept))
	for i := range kept {
		keptIDs[kept[i].ID] = struct{}{}
	}
	var out []Entry
	for i := range all {
		if _, ok := keptIDs[all[i].ID]; !ok {
			out = append(out, all[i])
		}
	}
	return out
}

func oldestCreated(entries []Entry) time.Time {
	oldest := entries[0].CreatedAt
	for i := range entries {
		if entries[i].CreatedAt.Before(oldest) {
			oldest = entries[i].CreatedAt
		}
	}
	return oldest
}

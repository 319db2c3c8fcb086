package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/nats-io/nats.go/jetstream"
)

// CollectionAccess scopes what a single executor may touch in the document
// store: which collections, whether writes are allowed, and how fast.
type CollectionAccess struct {
	// AllowedPatterns are glob patterns matched against collection names,
	// e.g. "reports/**" or "cache-*".
	AllowedPatterns []string
	ReadOnly        bool
	ReadsPerMinute  int
	WritesPerMinute int
}

// CollectionProxy is the read-through document-store proxy exposed to
// template code. Every access is checked against the allow-list and the
// per-minute quotas; violations surface as sandbox policy errors so they
// route into the repair loop.
type CollectionProxy struct {
	js     jetstream.JetStream
	access CollectionAccess

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
	reads   *minuteWindow
	writes  *minuteWindow

	now func() time.Time
}

// NewCollectionProxy creates a proxy over JetStream KV collections.
func NewCollectionProxy(js jetstream.JetStream, access CollectionAccess) *CollectionProxy {
	return &CollectionProxy{
		js:      js,
		access:  access,
		buckets: make(map[string]jetstream.KeyValue),
		reads:   newMinuteWindow(access.ReadsPerMinute),
		writes:  newMinuteWindow(access.WritesPerMinute),
		now:     time.Now,
	}
}

// Read fetches one document from an allowed collection.
func (p *CollectionProxy) Read(ctx context.Context, collection, key string) (map[string]any, error) {
	if err := p.checkAccess(collection); err != nil {
		return nil, err
	}
	if !p.reads.allow(p.now()) {
		return nil, NewTaskError(KindSandboxPolicy,
			fmt.Sprintf("collection read quota exceeded (%d/min)", p.access.ReadsPerMinute), "")
	}

	kv, err := p.bucket(ctx, collection)
	if err != nil {
		return nil, err
	}

	entry, err := kv.Get(ctx, key)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s/%s: %w", collection, key, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return doc, nil
}

// Write stores one document into an allowed, writable collection.
func (p *CollectionProxy) Write(ctx context.Context, collection, key string, doc map[string]any) error {
	if err := p.checkAccess(collection); err != nil {
		return err
	}
	if p.access.ReadOnly {
		return NewTaskError(KindSandboxPolicy,
			fmt.Sprintf("collection %q is read-only for this executor", collection), "")
	}
	if !p.writes.allow(p.now()) {
		return NewTaskError(KindSandboxPolicy,
			fmt.Sprintf("collection write quota exceeded (%d/min)", p.access.WritesPerMinute), "")
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}

	kv, err := p.bucket(ctx, collection)
	if err != nil {
		return err
	}

	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, key, err)
	}
	return nil
}

// Keys lists document keys in an allowed collection. Counts as one read.
func (p *CollectionProxy) Keys(ctx context.Context, collection string) ([]string, error) {
	if err := p.checkAccess(collection); err != nil {
		return nil, err
	}
	if !p.reads.allow(p.now()) {
		return nil, NewTaskError(KindSandboxPolicy,
			fmt.Sprintf("collection read quota exceeded (%d/min)", p.access.ReadsPerMinute), "")
	}

	kv, err := p.bucket(ctx, collection)
	if err != nil {
		return nil, err
	}

	keys, err := kv.Keys(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "no keys found") {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	return keys, nil
}

// checkAccess matches the collection name against the allow-list.
func (p *CollectionProxy) checkAccess(collection string) error {
	for _, pattern := range p.access.AllowedPatterns {
		ok, err := doublestar.Match(pattern, collection)
		if err != nil {
			continue // Malformed pattern never grants access
		}
		if ok {
			return nil
		}
	}
	return NewTaskError(KindSandboxPolicy,
		fmt.Sprintf("collection %q is not in the allowed list", collection), "")
}

// bucket resolves (creating if absent) the KV bucket behind a collection.
func (p *CollectionProxy) bucket(ctx context.Context, collection string) (jetstream.KeyValue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if kv, ok := p.buckets[collection]; ok {
		return kv, nil
	}

	name := collectionBucketName(collection)
	kv, err := p.js.KeyValue(ctx, name)
	if err != nil {
		kv, err = p.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  name,
			History: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("open collection %s: %w", collection, err)
		}
	}

	p.buckets[collection] = kv
	return kv, nil
}

// collectionBucketName maps a collection name onto a valid KV bucket name.
func collectionBucketName(collection string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 32
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, collection)
	return "TASKMEND_COL_" + mapped
}

// minuteWindow is a rolling one-minute event counter. Zero or negative
// limits mean unlimited.
type minuteWindow struct {
	mu     sync.Mutex
	limit  int
	events []time.Time
}

func newMinuteWindow(limit int) *minuteWindow {
	return &minuteWindow{limit: limit}
}

func (w *minuteWindow) allow(now time.Time) bool {
	if w.limit <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	kept := w.events[:0]
	for _, t := range w.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.events = kept

	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/ports"
)

// ScriptedModel implements ports.ModelClient with a fixed sequence of
// replies, the way tests drive handlers without a live model.
type ScriptedModel struct {
	mu      sync.Mutex
	replies []*domain.Reply
	next    int

	// Asked records every rendered history the model was shown.
	Asked [][]domain.Message
}

// NewScriptedModel creates a model client that returns the given replies in
// order. Once the script is exhausted it answers with Done.
func NewScriptedModel(replies ...*domain.Reply) *ScriptedModel {
	return &ScriptedModel{replies: replies}
}

// Ask returns the next scripted reply.
func (m *ScriptedModel) Ask(_ context.Context, history []domain.Message) (*domain.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Asked = append(m.Asked, history)
	if m.next >= len(m.replies) {
		return &domain.Reply{Text: "", Done: true}, nil
	}
	r := m.replies[m.next]
	m.next++
	return r, nil
}

// RecordLog implements ports.RecordSink by collecting records in memory.
type RecordLog struct {
	mu      sync.Mutex
	records []*domain.Record
}

// NewRecordLog creates an empty record log.
func NewRecordLog() *RecordLog {
	return &RecordLog{}
}

// Append stores the record.
func (r *RecordLog) Append(_ context.Context, rec *domain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// Records returns a snapshot of everything appended so far.
func (r *RecordLog) Records() []*domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Record{}, r.records...)
}

// Correlations implements ports.CorrelationTable in memory.
type Correlations struct {
	mu      sync.Mutex
	entries map[string]ports.CorrelationEntry
}

// NewCorrelations creates an empty correlation table.
func NewCorrelations() *Correlations {
	return &Correlations{entries: make(map[string]ports.CorrelationEntry)}
}

// Put records the waiting parent for a correlation id.
func (c *Correlations) Put(_ context.Context, correlationID string, entry ports.CorrelationEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[correlationID] = entry
	return nil
}

// Resolve returns the waiting parent for a correlation id.
func (c *Correlations) Resolve(_ context.Context, correlationID string) (*ports.CorrelationEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[correlationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCorrelationNotFound, correlationID)
	}
	return &entry, nil
}

// Delete removes the mapping.
func (c *Correlations) Delete(_ context.Context, correlationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, correlationID)
	return nil
}

// Window implements ports.DedupWindow in memory.
type Window struct {
	mu    sync.Mutex
	seen  map[string]*windowEntry
	clock func() time.Time
}

type windowEntry struct {
	count   int64
	expires time.Time
}

// NewWindow creates an empty dedup window.
func NewWindow() *Window {
	return &Window{seen: make(map[string]*windowEntry), clock: time.Now}
}

// Observe registers the fingerprint and returns its sighting count.
func (w *Window) Observe(_ context.Context, fingerprint string, window time.Duration) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock()
	entry, ok := w.seen[fingerprint]
	if !ok || entry.expires.Before(now) {
		entry = &windowEntry{expires: now.Add(window)}
		w.seen[fingerprint] = entry
	}
	entry.count++
	return entry.count, nil
}

// Cache implements ports.Cache in memory.
type Cache struct {
	mu      sync.Mutex
	values  map[string][]byte
	expires map[string]time.Time
	clock   func() time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		values:  make(map[string][]byte),
		expires: make(map[string]time.Time),
		clock:   time.Now,
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.expires[key]; ok && exp.Before(c.clock()) {
		delete(c.values, key)
		delete(c.expires, key)
		return nil, false, nil
	}
	val, ok := c.values[key]
	return val, ok, nil
}

// Set stores value under key for ttl.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	c.expires[key] = c.clock().Add(ttl)
	return nil
}

// Marker implements ports.HandledMarker in memory.
type Marker struct {
	mu      sync.Mutex
	handled map[string]time.Time
	clock   func() time.Time
}

// NewMarker creates an empty handled-marker set.
func NewMarker() *Marker {
	return &Marker{handled: make(map[string]time.Time), clock: time.Now}
}

// MarkHandled returns true when callID was not previously marked.
func (m *Marker) MarkHandled(_ context.Context, callID string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if exp, ok := m.handled[callID]; ok && exp.After(now) {
		return false, nil
	}
	m.handled[callID] = now.Add(window)
	return true, nil
}

// StubEvaluator implements ports.Evaluator with a fixed score, recording the
// trajectories it was shown.
type StubEvaluator struct {
	mu    sync.Mutex
	score float64
	err   error
	seen  []*domain.Trajectory
}

// NewStubEvaluator creates an evaluator that always returns score.
func NewStubEvaluator(score float64) *StubEvaluator {
	return &StubEvaluator{score: score}
}

// Fail makes every subsequent Evaluate call return err.
func (e *StubEvaluator) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Evaluate records the trajectory and returns the fixed score.
func (e *StubEvaluator) Evaluate(_ context.Context, trajectory *domain.Trajectory, rubric string) (*domain.Score, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.seen = append(e.seen, trajectory)
	return &domain.Score{
		Score:   e.score,
		Metrics: map[string]float64{"states": float64(len(trajectory.States))},
		Comment: rubric,
	}, nil
}

// Seen returns the trajectories evaluated so far.
func (e *StubEvaluator) Seen() []*domain.Trajectory {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*domain.Trajectory{}, e.seen...)
}

// ReplyLog implements ports.ReplyPublisher by collecting published payloads.
type ReplyLog struct {
	mu       sync.Mutex
	payloads []string
}

// NewReplyLog creates an empty reply log.
func NewReplyLog() *ReplyLog {
	return &ReplyLog{}
}

// Publish records the payload.
func (p *ReplyLog) Publish(_ context.Context, _ domain.BranchRef, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

// Payloads returns everything published so far.
func (p *ReplyLog) Payloads() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.payloads...)
}

package resilient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue limits. Items older than DefaultMaxAge are purged; above
// DefaultMaxItems the lowest-priority, oldest items are evicted first. An
// item is attempted at most DefaultMaxRetries times.
const (
	DefaultMaxItems      = 100
	DefaultMaxAge        = 24 * time.Hour
	DefaultMaxRetries    = 3
	DefaultDrainInterval = time.Minute
)

// IdempotencyKeyHeader is stamped once, at enqueue time, on every
// mutating request so servers that honor idempotency keys can deduplicate
// replays. DELETE is still never retried: key support cannot be assumed,
// and the queue cannot distinguish "failed before apply" from "failed
// after apply".
const IdempotencyKeyHeader = "Idempotency-Key"

// Executor performs one queued request. The queue sets SkipQueue on every
// request it hands out, so a renewed failure comes straight back instead
// of re-enqueuing.
type Executor func(ctx context.Context, req *Request) (*Response, error)

type queueResult struct {
	resp *Response
	err  error
}

// Queue holds requests that could not be sent immediately and replays
// them in priority order, then enqueue order within a priority, strictly
// sequentially. Every mutation persists the full serialized queue under
// QueueKey; completion channels live only in the pending table and do not
// survive a restart.
type Queue struct {
	mu       sync.Mutex
	items    []*QueuedRequest
	pending  map[string]chan queueResult
	draining bool

	store      Store
	exec       Executor
	maxItems   int
	maxAge     time.Duration
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
	online     chan struct{}
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxItems overrides the queue size cap.
func WithMaxItems(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxItems = n
		}
	}
}

// WithMaxAge overrides the age after which items are purged.
func WithMaxAge(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.maxAge = d
		}
	}
}

// WithMaxRetries overrides the per-item attempt cap.
func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithQueueClock substitutes the time source (for tests).
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue creates a Queue and reloads any persisted items, discarding
// those already past the age limit. Reloaded items carry no completion
// channel: the callers that were awaiting them did not survive the
// restart, and their outcome is only observable through the caller's own
// reconciliation.
func NewQueue(store Store, exec Executor, opts ...QueueOption) *Queue {
	q := &Queue{
		pending:    make(map[string]chan queueResult),
		store:      store,
		exec:       exec,
		maxItems:   DefaultMaxItems,
		maxAge:     DefaultMaxAge,
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
		now:        time.Now,
		online:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.load()
	return q
}

func (q *Queue) load() {
	raw, ok, err := q.store.Get(QueueKey)
	if err != nil {
		q.logger.Warn("reading stored queue failed", "err", err)
		return
	}
	if !ok {
		return
	}
	var items []*QueuedRequest
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.logger.Warn("discarding invalid stored queue", "err", err)
		if rerr := q.store.Remove(QueueKey); rerr != nil {
			q.logger.Warn("removing invalid stored queue failed", "err", rerr)
		}
		return
	}

	cutoff := q.now().Add(-q.maxAge).UnixMilli()
	kept := items[:0]
	for _, it := range items {
		if it == nil || it.Request == nil || it.ID == "" {
			continue
		}
		if it.EnqueuedAt < cutoff {
			q.logger.Info("dropping expired queued request on load", "id", it.ID)
			continue
		}
		kept = append(kept, it)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Priority != kept[j].Priority {
			return kept[i].Priority > kept[j].Priority
		}
		return kept[i].EnqueuedAt < kept[j].EnqueuedAt
	})
	q.items = kept
	if len(kept) != len(items) {
		q.mu.Lock()
		q.persistLocked()
		q.mu.Unlock()
	}
}

// Enqueue stores the request durably and blocks until it is actually
// executed, immediately on the next drain or much later. The caller sees
// an ordinary call with possibly long latency. If ctx ends first the
// waiter detaches but the item stays queued, mirroring the restart gap:
// the request will still run, with no one to notify.
func (q *Queue) Enqueue(ctx context.Context, req *Request) (*Response, error) {
	item := &QueuedRequest{
		ID:         uuid.NewString(),
		Request:    req.Clone(),
		EnqueuedAt: q.now().UnixMilli(),
		Priority:   req.Priority,
	}
	if item.Request.mutating() {
		if item.Request.Header == nil {
			item.Request.Header = make(map[string]string, 1)
		}
		if _, ok := item.Request.Header[IdempotencyKeyHeader]; !ok {
			item.Request.Header[IdempotencyKeyHeader] = uuid.NewString()
		}
	}

	ch := make(chan queueResult, 1)

	q.mu.Lock()
	q.purgeStaleLocked()
	q.insertLocked(item)
	q.pending[item.ID] = ch
	q.evictLocked()
	q.persistLocked()
	q.mu.Unlock()

	q.logger.Info("request queued",
		"id", item.ID, "method", req.Method, "url", req.URL, "priority", item.Priority.String())
	q.Online()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, item.ID)
		q.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Process drains the queue head-to-tail, awaiting each item to completion
// before moving on. Execution is strictly sequential so a client's writes
// replay in causal order (a cancellation must not race ahead of the
// booking it cancels). Overlapping calls are coalesced: a second Process
// while one is draining returns immediately.
func (q *Queue) Process(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for ctx.Err() == nil {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		// The head stays in the persisted queue while it executes; only
		// a decided outcome is durable, so a crash mid-flight replays
		// the item after restart instead of losing it.
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		req := item.Request.Clone()
		req.SkipQueue = true
		resp, err := q.exec(ctx, req)
		if err == nil {
			q.mu.Lock()
			q.persistLocked()
			q.mu.Unlock()
			q.complete(item, resp, nil)
			continue
		}

		if q.shouldRetry(item, err) {
			q.mu.Lock()
			item.RetryCount++
			q.insertLocked(item)
			q.persistLocked()
			q.mu.Unlock()
			q.logger.Info("queued request will retry",
				"id", item.ID, "retryCount", item.RetryCount, "category", string(CategoryOf(err)))
			continue
		}

		q.mu.Lock()
		q.persistLocked()
		q.mu.Unlock()
		q.complete(item, nil, err)
	}
}

// Run drains the queue on a periodic tick and whenever Online is called.
// It blocks until ctx ends; start it once from the application root.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-q.online:
		}
		q.Process(ctx)
	}
}

// Online nudges the Run loop to drain now. Call it when connectivity is
// restored or the app returns to the foreground. It never blocks.
func (q *Queue) Online() {
	select {
	case q.online <- struct{}{}:
	default:
	}
}

// Remove drops the item with the given id and rejects its waiter, if any.
// It is best-effort: it returns false when the id is unknown or a drain
// cycle already holds the item.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	var item *QueuedRequest
	for i, it := range q.items {
		if it.ID == id {
			item = it
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	if item != nil {
		q.persistLocked()
	}
	q.mu.Unlock()

	if item == nil {
		return false
	}
	q.complete(item, nil, &Error{Category: CategoryUnknown, Message: "request removed from offline queue"})
	return true
}

// Clear drops every queued item, rejects all waiters, and removes the
// persisted queue.
func (q *Queue) Clear() error {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range items {
		q.complete(it, nil, &Error{Category: CategoryUnknown, Message: "offline queue cleared"})
	}
	return q.store.Remove(QueueKey)
}

// Stats is a read-only snapshot for introspection (UI badges and the
// debug handler). It carries no ordering guarantees.
type Stats struct {
	Total      int            `json:"total"`
	ByPriority map[string]int `json:"byPriority"`
	OldestAt   int64          `json:"oldestEnqueuedAt,omitempty"`
	Draining   bool           `json:"draining"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Total:      len(q.items),
		ByPriority: make(map[string]int),
		Draining:   q.draining,
	}
	for _, it := range q.items {
		s.ByPriority[it.Priority.String()]++
		if s.OldestAt == 0 || it.EnqueuedAt < s.OldestAt {
			s.OldestAt = it.EnqueuedAt
		}
	}
	return s
}

// Snapshot returns a copy of the queued items in drain order.
func (q *Queue) Snapshot() []*QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*QueuedRequest, len(q.items))
	copy(out, q.items)
	return out
}

// shouldRetry decides retriability for a failed item. Deterministic
// categories and DELETE are terminal on first failure; everything else is
// bounded by the attempt cap.
func (q *Queue) shouldRetry(item *QueuedRequest, err error) bool {
	if item.Request.Method == http.MethodDelete {
		return false
	}
	if item.RetryCount+1 >= q.maxRetries {
		return false
	}
	return CategoryOf(err).Retriable()
}

// complete resolves an item's waiter. Items reloaded after a restart have
// no waiter; their outcome is logged and dropped.
func (q *Queue) complete(item *QueuedRequest, resp *Response, err error) {
	q.mu.Lock()
	ch := q.pending[item.ID]
	delete(q.pending, item.ID)
	q.mu.Unlock()

	if ch == nil {
		q.logger.Info("queued request finished with no waiter", "id", item.ID, "err", err)
		return
	}
	ch <- queueResult{resp: resp, err: err}
}

// insertLocked places an item at the end of its priority class. Fresh
// items always carry the newest timestamp in their class, and a retried
// item must not jump ahead of same-priority items enqueued while it was
// being attempted, so end-of-class is the correct position for both.
func (q *Queue) insertLocked(item *QueuedRequest) {
	i := len(q.items)
	for i > 0 && q.items[i-1].Priority < item.Priority {
		i--
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = item
}

// purgeStaleLocked drops items past the age limit and rejects their
// waiters.
func (q *Queue) purgeStaleLocked() {
	cutoff := q.now().Add(-q.maxAge).UnixMilli()
	kept := q.items[:0]
	for _, it := range q.items {
		if it.EnqueuedAt < cutoff {
			q.failLocked(it, &Error{Category: CategoryUnknown, Message: "request expired in offline queue"})
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
}

// evictLocked enforces the size cap: lowest priority first, oldest first
// within that priority. Items sort priority-descending and age-ascending,
// so the victim is the first item of the tail priority class.
func (q *Queue) evictLocked() {
	for len(q.items) > q.maxItems {
		last := q.items[len(q.items)-1].Priority
		idx := len(q.items) - 1
		for idx > 0 && q.items[idx-1].Priority == last {
			idx--
		}
		victim := q.items[idx]
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.logger.Info("evicting queued request over size cap",
			"id", victim.ID, "priority", victim.Priority.String())
		q.failLocked(victim, &Error{Category: CategoryUnknown, Message: "request evicted from offline queue"})
	}
}

// failLocked rejects an item's waiter while holding the queue lock. The
// result channel is buffered, so the send cannot block.
func (q *Queue) failLocked(item *QueuedRequest, err error) {
	ch := q.pending[item.ID]
	delete(q.pending, item.ID)
	if ch == nil {
		return
	}
	ch <- queueResult{err: err}
}

// persistLocked writes the full serialized queue. A store failure is
// logged, not raised: the in-memory queue remains authoritative for the
// current process.
func (q *Queue) persistLocked() {
	data, err := json.Marshal(q.items)
	if err != nil {
		q.logger.Warn("serializing queue failed", "err", err)
		return
	}
	if err := q.store.Set(QueueKey, string(data)); err != nil {
		q.logger.Warn("persisting queue failed", "err", err)
	}
}

package pending

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/mesh/internal/adapters/metrics"
	"github.com/eleven-am/mesh/internal/domain"
)

// Entry is one remote request awaiting its response. It completes exactly
// once, through Resolve, Reject, RejectNode or the deadline sweep.
type Entry struct {
	ID       string
	NodeID   string
	Action   string
	Deadline time.Time

	done   chan struct{}
	once   sync.Once
	result interface{}
	err    error
}

func (e *Entry) complete(result interface{}, err error) bool {
	completed := false
	e.once.Do(func() {
		e.result = result
		e.err = err
		close(e.done)
		completed = true
	})
	return completed
}

// Done is closed once the entry has an outcome.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Result returns the outcome. Only meaningful after Done is closed.
func (e *Entry) Result() (interface{}, error) {
	<-e.done
	return e.result, e.err
}

// Table tracks outstanding remote requests by id.
type Table struct {
	config domain.PendingConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry

	lifecycle sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type Option func(*Table)

func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

func New(config domain.PendingConfig, logger *slog.Logger, opts ...Option) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = domain.DefaultPendingConfig().SweepInterval
	}
	t := &Table{
		config:  config,
		logger:  logger.With("component", "pending"),
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register adds a request. A zero deadline falls back to DefaultTimeout, and
// to no deadline at all when that is zero too.
func (t *Table) Register(id, nodeID, action string, deadline time.Time) (*Entry, error) {
	if id == "" {
		return nil, domain.NewValidationError("id", id, "must not be empty")
	}
	if deadline.IsZero() && t.config.DefaultTimeout > 0 {
		deadline = t.now().Add(t.config.DefaultTimeout)
	}

	entry := &Entry{
		ID:       id,
		NodeID:   nodeID,
		Action:   action,
		Deadline: deadline,
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	if _, exists := t.entries[id]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("pending request %s: %w", id, domain.ErrDuplicate)
	}
	t.entries[id] = entry
	size := len(t.entries)
	t.mu.Unlock()

	metrics.SetPendingRequests(size)
	t.logger.Debug("registered pending request",
		"request_id", id,
		"node_id", nodeID,
		"action", action,
		"deadline", deadline)
	return entry, nil
}

func (t *Table) take(id string) *Entry {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	size := len(t.entries)
	t.mu.Unlock()

	if ok {
		metrics.SetPendingRequests(size)
	}
	return entry
}

// Resolve completes a request with its result. It reports false when the
// request is unknown or already completed.
func (t *Table) Resolve(id string, result interface{}) bool {
	entry := t.take(id)
	if entry == nil {
		t.logger.Debug("response for unknown request", "request_id", id)
		return false
	}
	return entry.complete(result, nil)
}

// Reject completes a request with err.
func (t *Table) Reject(id string, err error) bool {
	entry := t.take(id)
	if entry == nil {
		return false
	}
	return entry.complete(nil, err)
}

// RejectNode fails every request bound to nodeID and returns how many were
// rejected.
func (t *Table) RejectNode(nodeID string, err error) int {
	t.mu.Lock()
	var rejected []*Entry
	for id, entry := range t.entries {
		if entry.NodeID == nodeID {
			rejected = append(rejected, entry)
			delete(t.entries, id)
		}
	}
	size := len(t.entries)
	t.mu.Unlock()

	if len(rejected) == 0 {
		return 0
	}
	metrics.SetPendingRequests(size)

	count := 0
	for _, entry := range rejected {
		if entry.complete(nil, err) {
			count++
		}
	}
	t.logger.Info("rejected pending requests of node", "node_id", nodeID, "count", count, "error", err)
	return count
}

// Sweep rejects every entry whose deadline is at or before now.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	var expired []*Entry
	for id, entry := range t.entries {
		if !entry.Deadline.IsZero() && !entry.Deadline.After(now) {
			expired = append(expired, entry)
			delete(t.entries, id)
		}
	}
	size := len(t.entries)
	t.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	metrics.SetPendingRequests(size)

	count := 0
	for _, entry := range expired {
		if entry.complete(nil, domain.NewRequestTimeoutError(entry.Action, entry.NodeID, entry.ID)) {
			metrics.RecordPendingTimeout()
			count++
			t.logger.Warn("request timed out",
				"request_id", entry.ID,
				"node_id", entry.NodeID,
				"action", entry.Action)
		}
	}
	return count
}

// Get returns the outstanding entry for id.
func (t *Table) Get(id string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	return entry, ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Start runs the sweep every SweepInterval until Stop or ctx ends.
func (t *Table) Start(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.running {
		return domain.ErrAlreadyStarted
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				t.Sweep(t.now())
			}
		}
	}()

	t.logger.Debug("pending sweep started", "interval", t.config.SweepInterval)
	return nil
}

// Stop halts the sweep. Outstanding entries are left untouched.
func (t *Table) Stop() error {
	t.lifecycle.Lock()
	if !t.running {
		t.lifecycle.Unlock()
		return domain.ErrNotStarted
	}
	t.running = false
	t.cancel()
	t.lifecycle.Unlock()

	t.wg.Wait()
	return nil
}

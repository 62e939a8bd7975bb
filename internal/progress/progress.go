// Package progress implements C7: an in-memory map from upload_id to
// UploadJob, with non-blocking subscriber fan-out and TTL eviction after a
// terminal state. The map/lifecycle shape is grounded on the teacher's
// internal/persistence/databases.memChatStore (mutex-guarded map, sentinel
// errors, create/get/list helpers); the non-blocking delivery-or-drop
// fan-out is grounded on the retrieval pack's websocket-stream.go
// streamRegistry, which dispatches to subscriber channels with a
// select-default drop instead of ever blocking the sender.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is one node of the fixed ingestion DAG (§4.6).
type Status string

const (
	StatusReceived   Status = "received"
	StatusExtracting Status = "extracting"
	StatusChunking   Status = "chunking"
	StatusEnriching  Status = "enriching"
	StatusIndexing   Status = "indexing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) terminal() bool { return s == StatusCompleted || s == StatusFailed }

// UploadJob is the per-upload state C7 owns. It is shared by value with
// subscribers: each delivered event is an independent snapshot, never a
// pointer into live tracker state.
type UploadJob struct {
	UploadID         string         `json:"upload_id"`
	Status           Status         `json:"status"`
	CurrentChunk     int            `json:"current_chunk"`
	TotalChunks      int            `json:"total_chunks"`
	ProgressPercent  int            `json:"progress_percent"`
	Message          string         `json:"message,omitempty"`
	LastUpdateTime   time.Time      `json:"last_update_time"`
	Result           map[string]any `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// Update is the partial mutation accepted by Tracker.Update. Pointer
// fields are only applied when non-nil so a caller can update just the
// message, say, without resetting chunk counters.
type Update struct {
	Status Status
	// CurrentChunk only advances the stored value; a lower value from an
	// out-of-order concurrent enrichment goroutine is ignored rather than
	// regressing the field subscribers observe.
	CurrentChunk    *int
	TotalChunks     *int
	Message         *string
	// ProgressPercent, when set, is used instead of the current/total
	// recomputation; like the recomputed value, it is only applied when it
	// raises the stored percent — callers that reserve a percent range
	// for a later stage (e.g. indexing filling 90%→100%) set this
	// explicitly rather than letting it derive from chunk counts.
	ProgressPercent *int
}

// ErrorKind classifies a ProgressError (§7).
type ErrorKind string

const (
	ErrUnknown ErrorKind = "unknown"
	ErrEvicted ErrorKind = "evicted"
	ErrSlow    ErrorKind = "slow"
)

// ProgressError is the typed error surfaced by Tracker operations.
type ProgressError struct {
	Kind     ErrorKind
	UploadID string
}

func (e *ProgressError) Error() string {
	return fmt.Sprintf("progress %s: %s", e.UploadID, e.Kind)
}

const (
	// subscriberBufferSize bounds how far a subscriber may lag before it
	// is dropped rather than stalling the updater (§4.7, §7 ErrSlow).
	subscriberBufferSize = 16
	// DefaultTTL is how long a terminal job is retained before eviction.
	DefaultTTL = 5 * time.Minute
)

type subscription struct {
	ch   chan UploadJob
	done chan struct{}
}

type jobEntry struct {
	mu          sync.Mutex
	job         UploadJob
	subscribers map[uint64]*subscription
	nextSubID   uint64
	evictTimer  *time.Timer
}

// Tracker is C7: a thread-safe registry of UploadJob state plus live
// subscriptions to it.
type Tracker struct {
	mu   sync.Mutex
	jobs map[string]*jobEntry
	now  func() time.Time
	ttl  time.Duration
}

// New constructs a Tracker. ttl<=0 uses DefaultTTL.
func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{jobs: make(map[string]*jobEntry), now: time.Now, ttl: ttl}
}

// Create inserts a new job in state "received". uploadID is generated if
// empty.
func (t *Tracker) Create(uploadID string) (UploadJob, error) {
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.jobs[uploadID]; exists {
		return UploadJob{}, fmt.Errorf("progress: upload_id %q already exists", uploadID)
	}
	job := UploadJob{UploadID: uploadID, Status: StatusReceived, LastUpdateTime: t.now()}
	t.jobs[uploadID] = &jobEntry{job: job, subscribers: make(map[uint64]*subscription)}
	return job, nil
}

// Update mutates allowed fields, recomputes progress_percent from the
// resulting current/total chunk counts, stamps last_update_time, and
// delivers the resulting snapshot to every current subscriber
// non-blockingly.
func (t *Tracker) Update(uploadID string, u Update) (UploadJob, error) {
	entry, err := t.entry(uploadID)
	if err != nil {
		return UploadJob{}, err
	}
	entry.mu.Lock()
	if u.Status != "" {
		entry.job.Status = u.Status
	}
	if u.CurrentChunk != nil && *u.CurrentChunk > entry.job.CurrentChunk {
		entry.job.CurrentChunk = *u.CurrentChunk
	}
	if u.TotalChunks != nil {
		entry.job.TotalChunks = *u.TotalChunks
	}
	if u.Message != nil {
		entry.job.Message = *u.Message
	}
	if u.ProgressPercent != nil {
		if *u.ProgressPercent > entry.job.ProgressPercent {
			entry.job.ProgressPercent = *u.ProgressPercent
		}
	} else if entry.job.TotalChunks > 0 {
		pct := entry.job.CurrentChunk * 100 / entry.job.TotalChunks
		if pct > entry.job.ProgressPercent {
			entry.job.ProgressPercent = pct
		}
	}
	entry.job.LastUpdateTime = t.now()
	snapshot := entry.job
	t.dispatch(entry, snapshot)
	entry.mu.Unlock()
	return snapshot, nil
}

// Finish atomically transitions to a terminal state, delivers a final
// event, closes every current subscriber's Events channel, and schedules
// eviction after the tracker's TTL.
func (t *Tracker) Finish(uploadID string, terminal Status, result map[string]any, failure error) (UploadJob, error) {
	if !terminal.terminal() {
		return UploadJob{}, fmt.Errorf("progress: Finish requires a terminal status, got %q", terminal)
	}
	entry, err := t.entry(uploadID)
	if err != nil {
		return UploadJob{}, err
	}
	entry.mu.Lock()
	entry.job.Status = terminal
	entry.job.LastUpdateTime = t.now()
	if terminal == StatusCompleted {
		entry.job.ProgressPercent = 100
		entry.job.Result = result
	} else if failure != nil {
		entry.job.Error = failure.Error()
	}
	snapshot := entry.job
	t.dispatch(entry, snapshot)
	for _, sub := range entry.subscribers {
		close(sub.done)
		close(sub.ch)
	}
	entry.subscribers = make(map[uint64]*subscription)
	entry.mu.Unlock()

	entry.evictTimer = time.AfterFunc(t.ttl, func() {
		t.mu.Lock()
		delete(t.jobs, uploadID)
		t.mu.Unlock()
	})
	return snapshot, nil
}

// Subscription is a live stream of UploadJob events for one caller. Close
// must be called once the caller stops consuming Events.
type Subscription struct {
	Events <-chan UploadJob
	tracker *Tracker
	uploadID string
	id       uint64
}

// Close detaches the subscription so future updates stop being delivered
// to it. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.tracker.unsubscribe(s.uploadID, s.id)
}

// Subscribe returns a live stream of events for uploadID, immediately
// replaying the latest known state so late subscribers see current
// progress before any new event arrives.
func (t *Tracker) Subscribe(uploadID string) (*Subscription, error) {
	entry, err := t.entry(uploadID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	ch := make(chan UploadJob, subscriberBufferSize)
	ch <- entry.job // replay snapshot; buffer guarantees this never blocks
	id := entry.nextSubID
	entry.nextSubID++
	sub := &subscription{ch: ch, done: make(chan struct{})}
	entry.subscribers[id] = sub

	return &Subscription{Events: ch, tracker: t, uploadID: uploadID, id: id}, nil
}

func (t *Tracker) unsubscribe(uploadID string, id uint64) {
	t.mu.Lock()
	entry, ok := t.jobs[uploadID]
	t.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	if sub, ok := entry.subscribers[id]; ok {
		delete(entry.subscribers, id)
		close(sub.done)
	}
	entry.mu.Unlock()
}

// dispatch delivers snapshot to every subscriber without ever blocking the
// caller: a full subscriber channel is dropped outright, matching the
// websocket-stream.go select-with-default pattern (§4.7, §7 ErrSlow).
func (t *Tracker) dispatch(entry *jobEntry, snapshot UploadJob) {
	for id, sub := range entry.subscribers {
		select {
		case <-sub.done:
			delete(entry.subscribers, id)
		case sub.ch <- snapshot:
		default:
			delete(entry.subscribers, id)
			close(sub.done)
		}
	}
}

func (t *Tracker) entry(uploadID string) (*jobEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.jobs[uploadID]
	if !ok {
		return nil, &ProgressError{Kind: ErrUnknown, UploadID: uploadID}
	}
	return entry, nil
}

// Get returns the current snapshot for uploadID.
func (t *Tracker) Get(uploadID string) (UploadJob, error) {
	entry, err := t.entry(uploadID)
	if err != nil {
		return UploadJob{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job, nil
}

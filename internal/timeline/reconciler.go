// Package timeline merges persisted history with live-session exchanges into
// one ordered, duplicate-free timeline scoped to a single identity.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/aura-client/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoIdentity is returned when no identity scope is active.
	ErrNoIdentity = errors.New("no active identity")
	// ErrIdentityChanged is returned when the active identity no longer
	// matches the one a call was made for. Its result was discarded.
	ErrIdentityChanged = errors.New("active identity changed")
	// ErrNotFound is returned for an unknown entry id.
	ErrNotFound = errors.New("entry not found")
	// ErrNotLive is returned when a live-only operation targets a persisted entry.
	ErrNotLive = errors.New("entry is not live")
	// ErrNotPending is returned when resolving an entry that already settled.
	ErrNotPending = errors.New("entry is not pending")
	// ErrNotFailed is returned when retrying an entry that did not fail.
	ErrNotFailed = errors.New("entry has not failed")
)

// ReconciliationWarning reports a failed history fetch. The timeline was kept
// as it was; the warning is informational.
type ReconciliationWarning struct {
	IdentityID string
	Err        error
}

func (w *ReconciliationWarning) Error() string {
	return fmt.Sprintf("history could not be refreshed for %s: %v", w.IdentityID, w.Err)
}

func (w *ReconciliationWarning) Unwrap() error {
	return w.Err
}

// Fetcher retrieves persisted exchanges. The gateway client satisfies it.
type Fetcher interface {
	FetchMemories(ctx context.Context, identityID string, limit int) ([]domain.Memory, error)
}

// Outcome is the settled result of a live chat call.
type Outcome struct {
	Success  bool
	Response string
	Routing  *domain.Routing
}

// Timeline is a snapshot of the entries of one identity, oldest first.
type Timeline struct {
	IdentityID string         `json:"identity_id"`
	Entries    []domain.Entry `json:"entries"`
}

// Reconciler is the single writer of the timeline.
type Reconciler struct {
	fetcher Fetcher
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group

	mu         sync.Mutex
	identityID string
	epoch      uint64
	entries    []domain.Entry
	ids        map[string]struct{}

	subs subscribers
}

// New creates an empty reconciler with no identity scope.
func New(fetcher Fetcher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
		ids:     make(map[string]struct{}),
	}
}

// SetIdentity switches the identity scope. A different identity resets the
// timeline to empty and invalidates outstanding fetches.
func (r *Reconciler) SetIdentity(identityID string) {
	r.mu.Lock()
	if identityID == r.identityID {
		r.mu.Unlock()
		return
	}
	r.identityID = identityID
	r.epoch++
	r.entries = nil
	r.ids = make(map[string]struct{})
	r.subs.publish(Event{Kind: EventReset, IdentityID: identityID})
	r.mu.Unlock()

	r.logger.Debug("timeline scope changed", "user_id", identityID)
}

// IdentityID returns the active scope.
func (r *Reconciler) IdentityID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identityID
}

type mergeResult struct {
	added int
}

// LoadPersisted fetches up to limit recent persisted entries for identityID
// and merges them. Concurrent loads for one identity share a single fetch.
// On fetch failure the current snapshot is returned with a
// *ReconciliationWarning.
func (r *Reconciler) LoadPersisted(ctx context.Context, identityID string, limit int) (Timeline, error) {
	if identityID == "" {
		return Timeline{}, ErrNoIdentity
	}

	r.mu.Lock()
	if identityID != r.identityID {
		r.mu.Unlock()
		return Timeline{}, ErrIdentityChanged
	}
	epoch := r.epoch
	r.mu.Unlock()

	key := identityID + "/" + strconv.FormatUint(epoch, 10)
	// The fetch outlives any single caller; one caller leaving must not fail
	// the others sharing it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		memories, err := r.fetcher.FetchMemories(fetchCtx, identityID, limit)
		if err != nil {
			return nil, err
		}
		return r.merge(identityID, epoch, memories)
	})

	select {
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, ErrIdentityChanged) {
				return Timeline{}, ErrIdentityChanged
			}
			r.mu.Lock()
			stale := r.epoch != epoch
			r.mu.Unlock()
			if stale {
				return Timeline{}, ErrIdentityChanged
			}
			r.logger.Warn("history fetch failed, keeping timeline", "user_id", identityID, "error", res.Err)
			return r.Snapshot(), &ReconciliationWarning{IdentityID: identityID, Err: res.Err}
		}
		return r.Snapshot(), nil
	}
}

func (r *Reconciler) merge(identityID string, epoch uint64, memories []domain.Memory) (mergeResult, error) {
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		r.logger.Debug("discarding history for stale identity", "user_id", identityID)
		return mergeResult{}, ErrIdentityChanged
	}

	added := 0
	for _, m := range memories {
		if _, ok := r.ids[m.ID]; ok {
			continue
		}
		r.insertLocked(m.ToEntry())
		added++
	}
	size := len(r.entries)
	if added > 0 {
		r.subs.publish(Event{Kind: EventMerged, IdentityID: identityID, Added: added})
	}
	r.mu.Unlock()

	if added > 0 {
		r.logger.Debug("merged history", "user_id", identityID, "added", added, "size", size)
	}
	return mergeResult{added: added}, nil
}

// insertLocked places e after the last entry not newer than it.
func (r *Reconciler) insertLocked(e domain.Entry) {
	pos := 0
	for i := len(r.entries) - 1; i >= 0; i-- {
		if !r.entries[i].Timestamp.After(e.Timestamp) {
			pos = i + 1
			break
		}
	}
	r.entries = append(r.entries, domain.Entry{})
	copy(r.entries[pos+1:], r.entries[pos:])
	r.entries[pos] = e
	r.ids[e.ID] = struct{}{}
}

// AppendLive inserts a pending live entry at the tail and returns its id.
// The entry takes its slot now, not when its response arrives.
func (r *Reconciler) AppendLive(prompt string) (string, error) {
	r.mu.Lock()
	if r.identityID == "" {
		r.mu.Unlock()
		return "", ErrNoIdentity
	}
	e := domain.Entry{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Timestamp: r.now(),
		Origin:    domain.OriginLive,
		Pending:   true,
	}
	r.entries = append(r.entries, e)
	r.ids[e.ID] = struct{}{}
	snapshot := e.Clone()
	r.subs.publish(Event{Kind: EventAppended, IdentityID: r.identityID, EntryID: e.ID, Entry: &snapshot})
	r.mu.Unlock()

	return e.ID, nil
}

// ResolveLive settles a pending live entry by id. Failures get the fallback
// apology and the failed flag; the entry stays live either way.
func (r *Reconciler) ResolveLive(id string, out Outcome) error {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	e := &r.entries[i]
	if !e.IsLive() {
		r.mu.Unlock()
		return ErrNotLive
	}
	if !e.Pending {
		r.mu.Unlock()
		return ErrNotPending
	}

	e.Pending = false
	if out.Success {
		e.Response = out.Response
		e.Failed = false
		if out.Routing != nil {
			rt := *out.Routing
			rt.Confidence = rt.ClampedConfidence()
			e.Routing = &rt
		}
	} else {
		e.Response = domain.FallbackApology
		e.Failed = true
	}
	snapshot := e.Clone()
	r.subs.publish(Event{Kind: EventResolved, IdentityID: r.identityID, EntryID: id, Entry: &snapshot})
	r.mu.Unlock()

	return nil
}

// PrepareRetry re-arms a failed live entry as pending and returns its prompt.
func (r *Reconciler) PrepareRetry(id string) (string, error) {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return "", ErrNotFound
	}
	e := &r.entries[i]
	if !e.IsLive() {
		r.mu.Unlock()
		return "", ErrNotLive
	}
	if !e.Failed {
		r.mu.Unlock()
		return "", ErrNotFailed
	}

	e.Failed = false
	e.Pending = true
	e.Response = ""
	e.Routing = nil
	prompt := e.Prompt
	snapshot := e.Clone()
	r.subs.publish(Event{Kind: EventRetrying, IdentityID: r.identityID, EntryID: id, Entry: &snapshot})
	r.mu.Unlock()

	return prompt, nil
}

func (r *Reconciler) indexLocked(id string) int {
	if _, ok := r.ids[id]; !ok {
		return -1
	}
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// Entry returns a copy of the entry with id.
func (r *Reconciler) Entry(id string) (domain.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return domain.Entry{}, false
	}
	return r.entries[i].Clone(), true
}

// Snapshot returns a copy of the timeline, oldest first.
func (r *Reconciler) Snapshot() Timeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]domain.Entry, len(r.entries))
	for i := range r.entries {
		entries[i] = r.entries[i].Clone()
	}
	return Timeline{IdentityID: r.identityID, Entries: entries}
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (r *Reconciler) Recent(n int) []domain.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]domain.Entry, 0, n)
	for i := len(r.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.entries[i].Clone())
	}
	return out
}

// Len returns the number of entries.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

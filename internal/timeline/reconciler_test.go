package timeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/aura-client/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"
)

type fakeFetcher struct {
	mu       sync.Mutex
	memories []domain.Memory
	err      error
	calls    atomic.Int32
	started  chan struct{}
	release  chan struct{}
}

func (f *fakeFetcher) FetchMemories(ctx context.Context, identityID string, limit int) ([]domain.Memory, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Memory, len(f.memories))
	copy(out, f.memories)
	return out, nil
}

func (f *fakeFetcher) set(memories []domain.Memory, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memories = memories
	f.err = err
}

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func memory(id string, minutes int) domain.Memory {
	return domain.Memory{
		ID:        id,
		Prompt:    "prompt " + id,
		Response:  "response " + id,
		Timestamp: base.Add(time.Duration(minutes) * time.Minute),
	}
}

func newReconciler(f Fetcher) *Reconciler {
	r := New(f, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return base.Add(time.Hour) }
	r.SetIdentity("u-1")
	return r
}

func ids(t Timeline) []string {
	out := make([]string, len(t.Entries))
	for i, e := range t.Entries {
		out[i] = e.ID
	}
	return out
}

func TestAppendLivePreservesCallOrder(t *testing.T) {
	r := newReconciler(&fakeFetcher{})

	var entryIDs []string
	for _, p := range []string{"first", "second", "third"} {
		id, err := r.AppendLive(p)
		if err != nil {
			t.Fatalf("AppendLive failed: %v", err)
		}
		entryIDs = append(entryIDs, id)
	}

	// Responses settle out of order.
	for _, i := range []int{2, 0, 1} {
		if err := r.ResolveLive(entryIDs[i], Outcome{Success: true, Response: "re " + entryIDs[i]}); err != nil {
			t.Fatalf("ResolveLive failed: %v", err)
		}
	}

	snap := r.Snapshot()
	if diff := cmp.Diff(entryIDs, ids(snap)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	for i, e := range snap.Entries {
		if e.Response != "re "+entryIDs[i] || e.Pending || e.Origin != domain.OriginLive {
			t.Errorf("entry %d not resolved in place: %+v", i, e)
		}
	}
}

func TestResolveFailureFillsInPlace(t *testing.T) {
	r := newReconciler(&fakeFetcher{})
	id, _ := r.AppendLive("hello")

	if err := r.ResolveLive(id, Outcome{Success: false}); err != nil {
		t.Fatalf("ResolveLive failed: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	e, ok := r.Entry(id)
	if !ok || e.Response != domain.FallbackApology || !e.Failed || e.Pending {
		t.Fatalf("unexpected entry: %+v", e)
	}

	if err := r.ResolveLive(id, Outcome{Success: true, Response: "late"}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second resolve: expected ErrNotPending, got %v", err)
	}
	if err := r.ResolveLive("missing", Outcome{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveClampsRouting(t *testing.T) {
	r := newReconciler(&fakeFetcher{})
	id, _ := r.AppendLive("hello")

	_ = r.ResolveLive(id, Outcome{Success: true, Response: "hi", Routing: &domain.Routing{Agent: "coding_tutor", Confidence: -0.2}})
	e, _ := r.Entry(id)
	if diff := cmp.Diff(&domain.Routing{Agent: "coding_tutor", Confidence: 0}, e.Routing); diff != "" {
		t.Errorf("routing mismatch (-want +got):\n%s", diff)
	}
}

func TestPrepareRetry(t *testing.T) {
	r := newReconciler(&fakeFetcher{})
	id, _ := r.AppendLive("explain recursion")

	if _, err := r.PrepareRetry(id); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("pending entry: expected ErrNotFailed, got %v", err)
	}

	_ = r.ResolveLive(id, Outcome{Success: false})
	prompt, err := r.PrepareRetry(id)
	if err != nil || prompt != "explain recursion" {
		t.Fatalf("PrepareRetry = %q, %v", prompt, err)
	}
	e, _ := r.Entry(id)
	if !e.Pending || e.Failed || e.Response != "" {
		t.Fatalf("entry not re-armed: %+v", e)
	}

	_ = r.ResolveLive(id, Outcome{Success: true, Response: "a function calling itself"})
	if r.Len() != 1 {
		t.Fatalf("retry must reuse the slot, Len = %d", r.Len())
	}
}

func TestMergeKeepsEverythingAndDeduplicates(t *testing.T) {
	f := &fakeFetcher{}
	r := newReconciler(f)
	ctx := context.Background()

	liveID, _ := r.AppendLive("live question")

	f.set([]domain.Memory{memory("m1", 0), memory("m2", 10)}, nil)
	if _, err := r.LoadPersisted(ctx, "u-1", 50); err != nil {
		t.Fatalf("first load failed: %v", err)
	}

	f.set([]domain.Memory{memory("m2", 10), memory("m3", 20)}, nil)
	snap, err := r.LoadPersisted(ctx, "u-1", 50)
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}

	want := []string{"m1", "m2", "m3", liveID}
	if diff := cmp.Diff(want, ids(snap)); diff != "" {
		t.Fatalf("timeline mismatch (-want +got):\n%s", diff)
	}

	again, err := r.LoadPersisted(ctx, "u-1", 50)
	if err != nil {
		t.Fatalf("third load failed: %v", err)
	}
	if diff := cmp.Diff(snap, again); diff != "" {
		t.Errorf("repeated load changed the timeline (-want +got):\n%s", diff)
	}
}

func TestMergeInsertsByTimestamp(t *testing.T) {
	f := &fakeFetcher{}
	r := newReconciler(f)
	f.set([]domain.Memory{memory("m1", 0), memory("m3", 20)}, nil)
	_, _ = r.LoadPersisted(context.Background(), "u-1", 50)

	f.set([]domain.Memory{memory("m2", 10), memory("m0", -5)}, nil)
	snap, _ := r.LoadPersisted(context.Background(), "u-1", 50)

	if diff := cmp.Diff([]string{"m0", "m1", "m2", "m3"}, ids(snap)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	for _, e := range snap.Entries {
		if e.Origin != domain.OriginPersisted {
			t.Errorf("entry %s origin = %s", e.ID, e.Origin)
		}
	}
}

func TestFailedLoadKeepsTimeline(t *testing.T) {
	f := &fakeFetcher{}
	r := newReconciler(f)
	f.set([]domain.Memory{memory("m1", 0)}, nil)
	before, _ := r.LoadPersisted(context.Background(), "u-1", 50)

	f.set(nil, errors.New("connection refused"))
	after, err := r.LoadPersisted(context.Background(), "u-1", 50)

	var warn *ReconciliationWarning
	if !errors.As(err, &warn) || warn.IdentityID != "u-1" {
		t.Fatalf("expected ReconciliationWarning, got %v", err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("failed load changed the timeline (-want +got):\n%s", diff)
	}
}

func TestConcurrentLoadsShareOneFetch(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &fakeFetcher{started: make(chan struct{}, 1), release: make(chan struct{})}
	f.set([]domain.Memory{memory("m1", 0)}, nil)
	r := newReconciler(f)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]Timeline, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.LoadPersisted(context.Background(), "u-1", 50)
		}(i)
	}

	<-f.started
	time.Sleep(50 * time.Millisecond)
	close(f.release)
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if diff := cmp.Diff([]string{"m1"}, ids(results[i])); diff != "" {
			t.Errorf("caller %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestIdentityChangeDiscardsInFlightResult(t *testing.T) {
	f := &fakeFetcher{started: make(chan struct{}, 1), release: make(chan struct{})}
	f.set([]domain.Memory{memory("m1", 0)}, nil)
	r := newReconciler(f)

	errc := make(chan error, 1)
	go func() {
		_, err := r.LoadPersisted(context.Background(), "u-1", 50)
		errc <- err
	}()

	<-f.started
	r.SetIdentity("u-2")
	close(f.release)

	if err := <-errc; !errors.Is(err, ErrIdentityChanged) {
		t.Fatalf("expected ErrIdentityChanged, got %v", err)
	}
	snap := r.Snapshot()
	if snap.IdentityID != "u-2" || len(snap.Entries) != 0 {
		t.Fatalf("stale result leaked into new scope: %+v", snap)
	}
}

func TestLoadForInactiveIdentity(t *testing.T) {
	r := newReconciler(&fakeFetcher{})
	if _, err := r.LoadPersisted(context.Background(), "u-9", 50); !errors.Is(err, ErrIdentityChanged) {
		t.Fatalf("expected ErrIdentityChanged, got %v", err)
	}
	if _, err := r.LoadPersisted(context.Background(), "", 50); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestSetIdentityResetsScope(t *testing.T) {
	r := newReconciler(&fakeFetcher{})
	_, _ = r.AppendLive("hello")

	r.SetIdentity("u-1")
	if r.Len() != 1 {
		t.Fatal("same identity must not reset")
	}

	r.SetIdentity("")
	if r.Len() != 0 {
		t.Fatal("sign-out must clear the timeline")
	}
	if _, err := r.AppendLive("x"); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestRecentIsNewestFirst(t *testing.T) {
	f := &fakeFetcher{}
	f.set([]domain.Memory{memory("m1", 0), memory("m2", 10), memory("m3", 20)}, nil)
	r := newReconciler(f)
	_, _ = r.LoadPersisted(context.Background(), "u-1", 50)

	got := r.Recent(2)
	if len(got) != 2 || got[0].ID != "m3" || got[1].ID != "m2" {
		t.Fatalf("Recent(2) = %+v", got)
	}
	if len(r.Recent(0)) != 3 {
		t.Fatal("Recent(0) should return all entries")
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newReconciler(&fakeFetcher{})
	events, cancel := r.Subscribe(8)

	id, _ := r.AppendLive("hi")
	_ = r.ResolveLive(id, Outcome{Success: true, Response: "hello"})
	r.SetIdentity("u-2")
	cancel()
	cancel()

	var kinds []EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventAppended, EventResolved, EventReset}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestEventsFollowMutationOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	const rounds = 200
	r := newReconciler(&fakeFetcher{})
	events, cancel := r.Subscribe(4 * rounds)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if i%2 == 0 {
				r.SetIdentity("u-2")
			} else {
				r.SetIdentity("u-1")
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := r.AppendLive("hi"); err != nil {
				t.Errorf("AppendLive failed: %v", err)
			}
		}
	}()
	wg.Wait()
	cancel()

	// Replaying the feed must rebuild exactly the final timeline.
	var replayed []string
	for ev := range events {
		switch ev.Kind {
		case EventReset:
			replayed = nil
		case EventAppended:
			replayed = append(replayed, ev.EntryID)
		}
	}
	if diff := cmp.Diff(ids(r.Snapshot()), replayed, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("replayed feed differs from timeline (-want +got):\n%s", diff)
	}
}


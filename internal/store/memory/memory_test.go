package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/mirror"
	"github.com/austindbirch/harbor_mirror/internal/syncjob"
)

func TestQueueInsertDuplicate(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	if err := q.Insert(ctx, delivery.Item{DeliveryID: "a", Event: "ping", MaxAttempts: 3}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if err := q.Insert(ctx, delivery.Item{DeliveryID: "a", Event: "ping"}); !errors.Is(err, delivery.ErrDuplicate) {
		t.Errorf("second Insert() = %v, want ErrDuplicate", err)
	}
	it, _ := q.Get(ctx, "a")
	if it.Status != delivery.StatusPending {
		t.Errorf("status = %q, want pending", it.Status)
	}
}

func TestQueueClaimIsExclusive(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	_ = q.Insert(ctx, delivery.Item{DeliveryID: "abc123", Event: "pull_request", MaxAttempts: 5})

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	won, lost := 0, 0
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := q.Claim(ctx, "abc123", time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, delivery.ErrAlreadyClaimed):
				lost++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if won != 1 || lost != workers-1 {
		t.Errorf("won=%d lost=%d, want 1 and %d", won, lost, workers-1)
	}
}

func TestQueueClaimNextFIFOAndDue(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	now := time.Now()
	_ = q.Insert(ctx, delivery.Item{DeliveryID: "second", CreatedAt: now.Add(-time.Minute), MaxAttempts: 3})
	_ = q.Insert(ctx, delivery.Item{DeliveryID: "first", CreatedAt: now.Add(-2 * time.Minute), MaxAttempts: 3})

	it, err := q.ClaimNext(ctx, now)
	if err != nil || it.DeliveryID != "first" {
		t.Fatalf("ClaimNext() = %q, %v; want first", it.DeliveryID, err)
	}

	// A failed item only becomes ready once next_retry_at is due.
	if err := q.MarkFailed(ctx, "first", it.ClaimToken, 1, now.Add(time.Minute), "boom", now); err != nil {
		t.Fatal(err)
	}
	it, _ = q.ClaimNext(ctx, now)
	if it.DeliveryID != "second" {
		t.Fatalf("ClaimNext() = %q, want second", it.DeliveryID)
	}
	if _, err := q.ClaimNext(ctx, now); !errors.Is(err, delivery.ErrNotFound) {
		t.Errorf("ClaimNext() = %v, want ErrNotFound while retry not due", err)
	}
	it, err = q.ClaimNext(ctx, now.Add(2*time.Minute))
	if err != nil || it.DeliveryID != "first" || it.Attempts != 1 {
		t.Errorf("ClaimNext(later) = %+v, %v", it, err)
	}
	if it.NextRetryAt != nil {
		t.Error("claimed item still carries next_retry_at")
	}
}

func TestQueueMarkRequiresClaim(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	_ = q.Insert(ctx, delivery.Item{DeliveryID: "a", MaxAttempts: 3})
	if err := q.MarkProcessed(ctx, "a", "", 1, time.Now()); !errors.Is(err, delivery.ErrAlreadyClaimed) {
		t.Errorf("MarkProcessed on pending = %v, want ErrAlreadyClaimed", err)
	}
	if err := q.MarkProcessed(ctx, "missing", "", 1, time.Now()); !errors.Is(err, delivery.ErrNotFound) {
		t.Errorf("MarkProcessed on missing = %v, want ErrNotFound", err)
	}
	it, err := q.Claim(ctx, "a", time.Now())
	if err != nil || it.ClaimToken == "" {
		t.Fatalf("Claim() = %+v, %v; want a claim token", it, err)
	}
	if err := q.MarkProcessed(ctx, "a", "someone-else", 1, time.Now()); !errors.Is(err, delivery.ErrAlreadyClaimed) {
		t.Errorf("MarkProcessed with foreign token = %v, want ErrAlreadyClaimed", err)
	}
	if err := q.MarkProcessed(ctx, "a", it.ClaimToken, 1, time.Now()); err != nil {
		t.Errorf("MarkProcessed with own token = %v", err)
	}
}

func TestQueueStaleClaimCannotSettle(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	_ = q.Insert(ctx, delivery.Item{DeliveryID: "slow", MaxAttempts: 3})

	first, err := q.ClaimNext(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := q.ReleaseStale(ctx, time.Now().Add(-time.Minute)); n != 1 {
		t.Fatalf("ReleaseStale() = %d, want 1", n)
	}
	second, err := q.Claim(ctx, "slow", time.Now())
	if err != nil {
		t.Fatalf("second Claim() error: %v", err)
	}
	if second.ClaimToken == first.ClaimToken {
		t.Fatal("reclaim reused the previous claim token")
	}

	// The slow first worker finishes late and must not overwrite the new claim.
	if err := q.MarkFailed(ctx, "slow", first.ClaimToken, 1, time.Now().Add(time.Minute), "late", time.Now()); !errors.Is(err, delivery.ErrAlreadyClaimed) {
		t.Errorf("MarkFailed with stale token = %v, want ErrAlreadyClaimed", err)
	}
	if err := q.MarkDeadLetter(ctx, "slow", first.ClaimToken, 1, "late", time.Now()); !errors.Is(err, delivery.ErrAlreadyClaimed) {
		t.Errorf("MarkDeadLetter with stale token = %v, want ErrAlreadyClaimed", err)
	}
	if it, _ := q.Get(ctx, "slow"); it.Status != delivery.StatusProcessing || it.ClaimToken != second.ClaimToken {
		t.Errorf("item = %s/%q, want processing under the second claim", it.Status, it.ClaimToken)
	}
	if err := q.MarkProcessed(ctx, "slow", second.ClaimToken, 1, time.Now()); err != nil {
		t.Errorf("MarkProcessed by current holder = %v", err)
	}
}

func TestQueueRearmAndPurge(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	claims := map[string]string{}
	for _, id := range []string{"d1", "d2", "p1"} {
		_ = q.Insert(ctx, delivery.Item{DeliveryID: id, MaxAttempts: 1})
		it, _ := q.Claim(ctx, id, old)
		claims[id] = it.ClaimToken
	}
	_ = q.MarkDeadLetter(ctx, "d1", claims["d1"], 1, "x", old)
	_ = q.MarkDeadLetter(ctx, "d2", claims["d2"], 1, "x", old)
	_ = q.MarkProcessed(ctx, "p1", claims["p1"], 1, old)

	ids, err := q.RearmAll(ctx, delivery.StatusDeadLetter, time.Now())
	if err != nil || len(ids) != 2 {
		t.Fatalf("RearmAll() = %v, %v", ids, err)
	}
	it, _ := q.Get(ctx, "d1")
	if it.Status != delivery.StatusPending || it.Attempts != 1 {
		t.Errorf("rearmed item = %+v, want pending with attempts kept", it)
	}
	if again, _ := q.RearmAll(ctx, delivery.StatusDeadLetter, time.Now()); len(again) != 0 {
		t.Errorf("second RearmAll() = %v, want none", again)
	}

	n, _ := q.PurgeTerminal(ctx, time.Now().Add(-24*time.Hour))
	if n != 1 {
		t.Errorf("PurgeTerminal() = %d, want 1 (processed p1 only)", n)
	}
}

func TestQueueReleaseStale(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	_ = q.Insert(ctx, delivery.Item{DeliveryID: "a", MaxAttempts: 3})
	_, _ = q.Claim(ctx, "a", time.Now().Add(-time.Hour))

	n, _ := q.ReleaseStale(ctx, time.Now().Add(-time.Minute))
	if n != 1 {
		t.Fatalf("ReleaseStale() = %d, want 1", n)
	}
	if _, err := q.Claim(ctx, "a", time.Now()); err != nil {
		t.Errorf("released item should be claimable: %v", err)
	}
}

func TestLedger(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	rec := delivery.Record{DeliveryID: "a", Outcome: delivery.OutcomeFailed, RecordedAt: time.Now().Add(-time.Hour)}
	if err := l.RecordTerminal(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordTerminal(ctx, rec); !errors.Is(err, delivery.ErrDuplicate) {
		t.Errorf("second RecordTerminal() = %v, want ErrDuplicate", err)
	}
	if ok, _ := l.HasProcessed(ctx, "a"); !ok {
		t.Error("HasProcessed() = false")
	}
	if got, err := l.Get(ctx, "a"); err != nil || got.Outcome != delivery.OutcomeFailed {
		t.Errorf("Get() = %+v, %v", got, err)
	}
	if _, err := l.Get(ctx, "missing"); !errors.Is(err, delivery.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
	failed, _ := l.ListFailed(ctx, 10)
	if len(failed) != 1 {
		t.Errorf("ListFailed() = %d records", len(failed))
	}
	if n, _ := l.Purge(ctx, time.Now()); n != 1 {
		t.Errorf("Purge() = %d, want 1", n)
	}
	if ok, _ := l.HasProcessed(ctx, "a"); ok {
		t.Error("purged record still present")
	}
}

func TestMirrorStaleUpdateIgnoredAndLocalFieldsKept(t *testing.T) {
	m := NewMirror()
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	_ = m.UpsertRepository(ctx, mirror.Repository{ID: 1, FullName: "o/r", ProviderUpdatedAt: t0})
	_ = m.LinkUser(ctx, "octocat", 1)
	_ = m.SetWebhookStatus(ctx, 1, "active")
	_ = m.UpsertRepository(ctx, mirror.Repository{ID: 1, FullName: "o/renamed", ProviderUpdatedAt: t1, WebhookStatus: "ignored"})

	r, _ := m.GetRepository(ctx, 1)
	if r.FullName != "o/renamed" || r.WebhookStatus != "active" || !r.Tracked {
		t.Errorf("repo = %+v", r)
	}

	_ = m.UpsertPullRequest(ctx, mirror.PullRequest{ID: 9, RepoID: 1, Number: 42, State: "closed", ProviderUpdatedAt: t1})
	_ = m.UpsertPullRequest(ctx, mirror.PullRequest{ID: 9, RepoID: 1, Number: 42, State: "open", ProviderUpdatedAt: t0})
	pr, _ := m.GetPullRequest(ctx, 1, 42)
	if pr.State != "closed" {
		t.Errorf("older update applied: state = %q", pr.State)
	}

	user, err := m.UserForRepository(ctx, 1)
	if err != nil || user != "octocat" {
		t.Errorf("UserForRepository() = %q, %v", user, err)
	}
	if _, err := m.UserForRepository(ctx, 2); !errors.Is(err, mirror.ErrNotFound) {
		t.Errorf("unknown repo = %v, want ErrNotFound", err)
	}
}

func TestJobsCoalesceAndClaimOrder(t *testing.T) {
	s := NewJobs()
	ctx := context.Background()
	now := time.Now()

	a, created, _ := s.CreateOrGetActive(ctx, syncjob.Job{JobType: syncjob.RepoSync, ResourceType: "repository", ResourceID: "1", UserID: "u", Priority: 5, MaxAttempts: 3, NextRunAt: now.Add(-time.Minute)})
	if !created {
		t.Fatal("first create not created")
	}
	b, created, _ := s.CreateOrGetActive(ctx, syncjob.Job{JobType: syncjob.RepoSync, ResourceType: "repository", ResourceID: "1", UserID: "u", Priority: 1})
	if created || b.ID != a.ID {
		t.Errorf("duplicate request created a new job: %+v", b)
	}
	urgent, _, _ := s.CreateOrGetActive(ctx, syncjob.Job{JobType: syncjob.PRDetailSync, ResourceType: "pull_request", ResourceID: "1#2", UserID: "u", Priority: 1, MaxAttempts: 3, NextRunAt: now.Add(-time.Second)})

	got, err := s.ClaimNext(ctx, now)
	if err != nil || got.ID != urgent.ID {
		t.Fatalf("ClaimNext() = %d, %v; want lowest priority job %d", got.ID, err, urgent.ID)
	}
	if got.StartedAt == nil || got.State != syncjob.StateRunning {
		t.Errorf("claimed job = %+v", got)
	}
}

func TestJobsRunningOnlyUpdates(t *testing.T) {
	s := NewJobs()
	ctx := context.Background()
	j, _, _ := s.CreateOrGetActive(ctx, syncjob.Job{JobType: syncjob.OverviewSync, UserID: "u", MaxAttempts: 3})
	claimed, _ := s.ClaimNext(ctx, time.Now().Add(time.Second))

	if _, err := s.Cancel(ctx, j.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	state, err := s.SaveProgress(ctx, j.ID, claimed.ClaimToken, syncjob.Progress{CompletedSteps: 1}, time.Now())
	if !errors.Is(err, syncjob.ErrNotRunning) || state != syncjob.StateCancelled {
		t.Errorf("SaveProgress after cancel = %q, %v", state, err)
	}
	if err := s.Complete(ctx, j.ID, claimed.ClaimToken, syncjob.Progress{}, time.Now()); !errors.Is(err, syncjob.ErrNotRunning) {
		t.Errorf("Complete after cancel = %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.State != syncjob.StateCancelled {
		t.Errorf("state = %q, want cancelled", got.State)
	}
}

func TestJobsStaleClaimCannotUpdate(t *testing.T) {
	s := NewJobs()
	ctx := context.Background()
	j, _, _ := s.CreateOrGetActive(ctx, syncjob.Job{JobType: syncjob.OverviewSync, UserID: "u", MaxAttempts: 3})
	first, err := s.ClaimNext(ctx, time.Now().Add(time.Second))
	if err != nil || first.ClaimToken == "" {
		t.Fatalf("ClaimNext() = %+v, %v; want a claim token", first, err)
	}
	if n, _ := s.ReleaseStale(ctx, time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("ReleaseStale() = %d, want 1", n)
	}
	second, err := s.ClaimNext(ctx, time.Now().Add(time.Second))
	if err != nil || second.ClaimToken == first.ClaimToken {
		t.Fatalf("reclaim = %+v, %v; want a fresh claim token", second, err)
	}

	now := time.Now()
	if state, err := s.SaveProgress(ctx, j.ID, first.ClaimToken, syncjob.Progress{CompletedSteps: 2}, now); !errors.Is(err, syncjob.ErrNotRunning) || state != syncjob.StateRunning {
		t.Errorf("SaveProgress with stale token = %q, %v", state, err)
	}
	if err := s.Fail(ctx, j.ID, first.ClaimToken, 1, now, "late", now); !errors.Is(err, syncjob.ErrNotRunning) {
		t.Errorf("Fail with stale token = %v", err)
	}
	if err := s.Defer(ctx, j.ID, first.ClaimToken, now, now); !errors.Is(err, syncjob.ErrNotRunning) {
		t.Errorf("Defer with stale token = %v", err)
	}
	if err := s.Complete(ctx, j.ID, first.ClaimToken, syncjob.Progress{}, now); !errors.Is(err, syncjob.ErrNotRunning) {
		t.Errorf("Complete with stale token = %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.State != syncjob.StateRunning || got.CompletedSteps != 0 || got.Attempts != 0 {
		t.Errorf("job = %+v, want untouched running job", got)
	}
	if err := s.Complete(ctx, j.ID, second.ClaimToken, syncjob.Progress{CompletedSteps: 3}, now); err != nil {
		t.Errorf("Complete by current holder = %v", err)
	}
}

package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := newFakeClock()
	return NewStore(client, "as", clock.Now), clock
}

func testSession(clock *fakeClock, sessionID, accountID string) *Session {
	return &Session{
		SessionID:   sessionID,
		AccountID:   accountID,
		RefreshHash: sha256.Sum256([]byte("secret-" + sessionID)),
		IPHash:      sha256.Sum256([]byte("203.0.113.7")),
		AgentHash:   sha256.Sum256([]byte("cli/1.0")),
		CreatedAt:   clock.Now().Unix(),
		ExpiresAt:   clock.Now().Add(time.Hour).Unix(),
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	sess := testSession(clock, "sid-1", "acct-1")
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "sid-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AccountID != "acct-1" || got.RefreshHash != sess.RefreshHash {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	ids, err := store.ActiveSessionIDs(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ActiveSessionIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sid-1" {
		t.Fatalf("ids = %v, want [sid-1]", ids)
	}
}

func TestStoreGetUnknown(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreExpiredSessionRemovedOnAccess(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, testSession(clock, "sid-1", "acct-1"), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := store.Get(ctx, "sid-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ids, err := store.ActiveSessionIDs(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ActiveSessionIDs failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expired session still indexed: %v", ids)
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, testSession(clock, "sid-1", "acct-1"), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(ctx, "sid-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "sid-1"); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "sid-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStoreDeleteAllForAccount(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	for _, sid := range []string{"sid-1", "sid-2", "sid-3"} {
		if err := store.Save(ctx, testSession(clock, sid, "acct-1"), time.Hour); err != nil {
			t.Fatalf("Save %s failed: %v", sid, err)
		}
	}
	if err := store.Save(ctx, testSession(clock, "sid-other", "acct-2"), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := store.DeleteAllForAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("DeleteAllForAccount failed: %v", err)
	}

	for _, sid := range []string{"sid-1", "sid-2", "sid-3"} {
		if _, err := store.Get(ctx, sid); !errors.Is(err, ErrNotFound) {
			t.Fatalf("session %s survived the sweep: %v", sid, err)
		}
	}
	// The other account is untouched.
	if _, err := store.Get(ctx, "sid-other"); err != nil {
		t.Fatalf("unrelated session was swept: %v", err)
	}
}

func TestStoreRotateRefreshHash(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	sess := testSession(clock, "sid-1", "acct-1")
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	next := sha256.Sum256([]byte("next-secret"))
	rotated, err := store.RotateRefreshHash(ctx, "sid-1", sess.RefreshHash, next)
	if err != nil {
		t.Fatalf("RotateRefreshHash failed: %v", err)
	}
	if rotated.RefreshHash != next {
		t.Fatal("hash not swapped")
	}

	got, err := store.Get(ctx, "sid-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RefreshHash != next {
		t.Fatal("rotation not persisted")
	}
}

func TestStoreRotateReplayDestroysSession(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	sess := testSession(clock, "sid-1", "acct-1")
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	next := sha256.Sum256([]byte("next-secret"))
	if _, err := store.RotateRefreshHash(ctx, "sid-1", sess.RefreshHash, next); err != nil {
		t.Fatalf("first rotation failed: %v", err)
	}

	// Replaying the pre-rotation secret burns the whole session.
	stale := sess.RefreshHash
	if _, err := store.RotateRefreshHash(ctx, "sid-1", stale, sha256.Sum256([]byte("x"))); !errors.Is(err, ErrRefreshMismatch) {
		t.Fatalf("expected ErrRefreshMismatch, got %v", err)
	}
	if _, err := store.Get(ctx, "sid-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("replayed session must be destroyed, got %v", err)
	}
}

func TestStoreRotateExpiredSession(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	sess := testSession(clock, "sid-1", "acct-1")
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := store.RotateRefreshHash(ctx, "sid-1", sess.RefreshHash, sha256.Sum256([]byte("x"))); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired session, got %v", err)
	}
}

func TestStoreActiveSessionIDsMultiple(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	want := []string{"sid-1", "sid-2"}
	for _, sid := range want {
		if err := store.Save(ctx, testSession(clock, sid, "acct-1"), time.Hour); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	ids, err := store.ActiveSessionIDs(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ActiveSessionIDs failed: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "sid-1" || ids[1] != "sid-2" {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
}

package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/roomrelay/internal/protocol"
	"github.com/basket/roomrelay/internal/room"
	"github.com/basket/roomrelay/internal/store"
)

func testOpenFunc(t *testing.T) OpenFunc {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return func(ctx context.Context, pairID string) (*room.Room, error) {
		return room.Open(ctx, pairID, st, 100, nil)
	}
}

func TestGetCreatesAndCaches(t *testing.T) {
	reg := New(4, testOpenFunc(t), nil)
	ctx := context.Background()

	r1, err := reg.Get(ctx, "pair-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	r2, err := reg.Get(ctx, "pair-1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if r1 != r2 {
		t.Fatal("repeated Get returned a different room instance")
	}
	if got := reg.Resident(); got != 1 {
		t.Fatalf("Resident() = %d, want 1", got)
	}
}

func TestCapacityFloor(t *testing.T) {
	reg := New(1, testOpenFunc(t), nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := reg.Get(ctx, id); err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
	}
	if got := reg.Resident(); got != MinRooms {
		t.Fatalf("Resident() = %d, want floor %d", got, MinRooms)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	reg := New(4, testOpenFunc(t), nil, WithEvictHook(func(pairID string) {
		evicted = append(evicted, pairID)
	}))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		reg.Get(ctx, id)
	}
	// Touch "a" so it is no longer the oldest.
	reg.Get(ctx, "a")

	reg.Get(ctx, "e")
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evicted)
	}
	if _, ok := reg.Peek("b"); ok {
		t.Fatal("evicted room still resident")
	}
	if _, ok := reg.Peek("a"); !ok {
		t.Fatal("recently touched room was evicted")
	}
}

func TestEvictedRoomRebuildsFromStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	open := func(ctx context.Context, pairID string) (*room.Room, error) {
		return room.Open(ctx, pairID, st, 100, nil)
	}
	reg := New(4, open, nil)
	ctx := context.Background()

	r, _ := reg.Get(ctx, "victim")
	epochBefore := r.CurrentEpoch()

	// Push the victim out.
	for _, id := range []string{"a", "b", "c", "d"} {
		reg.Get(ctx, id)
	}
	if _, ok := reg.Peek("victim"); ok {
		t.Fatal("victim still resident after filling the cache")
	}

	rebuilt, err := reg.Get(ctx, "victim")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt == r {
		t.Fatal("Get returned the evicted instance instead of rebuilding")
	}
	if rebuilt.CurrentEpoch() != epochBefore {
		t.Fatalf("rebuilt epoch = %d, want %d", rebuilt.CurrentEpoch(), epochBefore)
	}
}

func textSend(messageID string) *protocol.SendParams {
	return &protocol.SendParams{Message: protocol.SendMessage{
		MessageID: messageID,
		Parts:     []protocol.Part{{Kind: protocol.PartKindText, Text: "hello"}},
	}}
}

// A handler that resolved a room before eviction must not keep writing
// through the stale instance: its in-memory seq counter diverges from the
// rehydrated one and both would assign the same seq.
func TestEvictionFencesStaleInstance(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	open := func(ctx context.Context, pairID string) (*room.Room, error) {
		return room.Open(ctx, pairID, st, 100, nil)
	}
	reg := New(4, open, nil)
	ctx := context.Background()

	stale, _ := reg.Get(ctx, "victim")
	sub := stale.Log().Subscribe()

	_, seqBefore, err := stale.Send(ctx, textSend("m1"), "")
	if err != nil {
		t.Fatalf("send before eviction: %v", err)
	}

	// Push the victim out while the stale reference is still held.
	for _, id := range []string{"a", "b", "c", "d"} {
		reg.Get(ctx, id)
	}

	if _, _, err := stale.Send(ctx, textSend("m2"), ""); !errors.Is(err, room.ErrRoomEvicted) {
		t.Fatalf("send on evicted instance: err = %v, want ErrRoomEvicted", err)
	}

	// Subscribers of the evicted instance get a closed channel, not a
	// silently dead tail.
	deadline := time.After(time.Second)
	for live := true; live; {
		select {
		case _, ok := <-sub.Ch():
			live = ok
		case <-deadline:
			t.Fatal("stale subscription not closed by eviction")
		}
	}

	fresh, err := reg.Get(ctx, "victim")
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if fresh == stale {
		t.Fatal("Get returned the evicted instance")
	}
	_, seqAfter, err := fresh.Send(ctx, textSend("m2"), "")
	if err != nil {
		t.Fatalf("send after rehydration: %v", err)
	}
	if seqAfter <= seqBefore {
		t.Fatalf("seq after rehydration = %d, want > %d", seqAfter, seqBefore)
	}
}

func TestLeasedCountsResidentLeases(t *testing.T) {
	reg := New(4, testOpenFunc(t), nil)
	ctx := context.Background()

	a, _ := reg.Get(ctx, "a")
	reg.Get(ctx, "b")
	if got := reg.Leased(); got != 0 {
		t.Fatalf("Leased() = %d, want 0", got)
	}
	if _, outcome := a.AcquireLease("", false); outcome != room.LeaseGranted {
		t.Fatalf("acquire lease: outcome = %s", outcome)
	}
	if got := reg.Leased(); got != 1 {
		t.Fatalf("Leased() = %d, want 1", got)
	}
}

func TestPeekDoesNotTouch(t *testing.T) {
	reg := New(4, testOpenFunc(t), nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		reg.Get(ctx, id)
	}
	// Peek at the oldest; it must still be the eviction candidate.
	if _, ok := reg.Peek("a"); !ok {
		t.Fatal("Peek failed on resident room")
	}
	reg.Get(ctx, "e")
	if _, ok := reg.Peek("a"); ok {
		t.Fatal("Peek counted as an LRU touch")
	}
}

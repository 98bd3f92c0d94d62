package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/roomrelay/internal/eventlog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateRoomReportsNew(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.CreateRoom(ctx, "pair-1")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if !created {
		t.Fatal("first CreateRoom reported created = false")
	}
	created, err = st.CreateRoom(ctx, "pair-1")
	if err != nil {
		t.Fatalf("repeat create room: %v", err)
	}
	if created {
		t.Fatal("second CreateRoom reported created = true")
	}

	epoch, nextSeq, err := st.RoomMeta(ctx, "pair-1")
	if err != nil {
		t.Fatalf("room meta: %v", err)
	}
	if epoch != 0 || nextSeq != 1 {
		t.Fatalf("fresh meta = (%d, %d), want (0, 1)", epoch, nextSeq)
	}
}

func TestRoomMetaUnknownRoom(t *testing.T) {
	st := openTestStore(t)
	if _, _, err := st.RoomMeta(context.Background(), "nope"); err == nil {
		t.Fatal("RoomMeta on unknown room = nil error, want error")
	}
}

func TestAppendRecordsAdvancesMeta(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.CreateRoom(ctx, "pair-1")

	recs := []eventlog.Record{
		{Seq: 1, PairID: "pair-1", Epoch: 1, Type: eventlog.TypeEpochBegin},
		{Seq: 2, PairID: "pair-1", Epoch: 1, Type: eventlog.TypeMessage, Payload: []byte(`{"messageId":"m1"}`)},
		{Seq: 3, PairID: "pair-1", Epoch: 1, Type: eventlog.TypeState, Payload: []byte(`{"initiator":"input-required","responder":"working"}`)},
	}
	if err := st.AppendRecords(ctx, "pair-1", 1, recs); err != nil {
		t.Fatalf("append records: %v", err)
	}

	epoch, nextSeq, err := st.RoomMeta(ctx, "pair-1")
	if err != nil {
		t.Fatalf("room meta: %v", err)
	}
	if epoch != 1 || nextSeq != 4 {
		t.Fatalf("meta = (%d, %d), want (1, 4)", epoch, nextSeq)
	}

	// Appending into an older epoch never regresses the counter.
	if err := st.AppendRecords(ctx, "pair-1", 0, []eventlog.Record{
		{Seq: 4, PairID: "pair-1", Type: eventlog.TypeBackchannel, Payload: []byte(`{}`)},
	}); err != nil {
		t.Fatalf("append backchannel: %v", err)
	}
	epoch, nextSeq, _ = st.RoomMeta(ctx, "pair-1")
	if epoch != 1 || nextSeq != 5 {
		t.Fatalf("meta after low-epoch append = (%d, %d), want (1, 5)", epoch, nextSeq)
	}
}

func TestEpochRecordsOrderedAndScoped(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.CreateRoom(ctx, "pair-1")

	st.AppendRecords(ctx, "pair-1", 1, []eventlog.Record{
		{Seq: 1, Epoch: 1, Type: eventlog.TypeEpochBegin},
		{Seq: 2, Epoch: 1, Type: eventlog.TypeMessage, Payload: []byte(`{"messageId":"m1"}`)},
	})
	st.AppendRecords(ctx, "pair-1", 2, []eventlog.Record{
		{Seq: 3, Epoch: 2, Type: eventlog.TypeEpochBegin},
	})

	recs, err := st.EpochRecords(ctx, "pair-1", 1)
	if err != nil {
		t.Fatalf("epoch records: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("epoch 1 record count = %d, want 2", len(recs))
	}
	if recs[0].Seq != 1 || recs[1].Seq != 2 {
		t.Fatalf("epoch 1 seqs = (%d, %d), want (1, 2)", recs[0].Seq, recs[1].Seq)
	}
	if recs[0].PairID != "pair-1" {
		t.Fatalf("PairID = %q, want pair-1", recs[0].PairID)
	}
}

func TestClearRecordsPreservesMeta(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.CreateRoom(ctx, "pair-1")
	st.AppendRecords(ctx, "pair-1", 1, []eventlog.Record{
		{Seq: 1, Epoch: 1, Type: eventlog.TypeEpochBegin},
		{Seq: 2, Epoch: 1, Type: eventlog.TypeMessage, Payload: []byte(`{}`)},
	})

	if err := st.ClearRecords(ctx, "pair-1"); err != nil {
		t.Fatalf("clear records: %v", err)
	}

	recs, _ := st.EpochRecords(ctx, "pair-1", 1)
	if len(recs) != 0 {
		t.Fatalf("records after clear = %d, want 0", len(recs))
	}
	epoch, nextSeq, err := st.RoomMeta(ctx, "pair-1")
	if err != nil {
		t.Fatalf("room meta after clear: %v", err)
	}
	if epoch != 1 || nextSeq != 3 {
		t.Fatalf("meta after clear = (%d, %d), want (1, 3)", epoch, nextSeq)
	}
}

func TestCounts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.CreateRoom(ctx, "pair-1")
	st.CreateRoom(ctx, "pair-2")
	st.AppendRecords(ctx, "pair-1", 1, []eventlog.Record{
		{Seq: 1, Epoch: 1, Type: eventlog.TypeEpochBegin},
	})

	rooms, records, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if rooms != 2 || records != 1 {
		t.Fatalf("Counts = (%d, %d), want (2, 1)", rooms, records)
	}
}

func TestPruneClosedEpochs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.CreateRoom(ctx, "pair-1")

	// Epoch 1 closed, epoch 2 live.
	st.AppendRecords(ctx, "pair-1", 1, []eventlog.Record{
		{Seq: 1, Epoch: 1, Type: eventlog.TypeEpochBegin},
		{Seq: 2, Epoch: 1, Type: eventlog.TypeState, Payload: []byte(`{"initiator":"completed","responder":"completed"}`)},
	})
	st.AppendRecords(ctx, "pair-1", 2, []eventlog.Record{
		{Seq: 3, Epoch: 2, Type: eventlog.TypeEpochBegin},
	})

	// Cutoff in the future: everything older than the live epoch goes.
	pruned, err := st.PruneClosedEpochs(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}

	live, _ := st.EpochRecords(ctx, "pair-1", 2)
	if len(live) != 1 {
		t.Fatalf("live epoch records = %d, want 1 (untouched)", len(live))
	}

	// A second pass has nothing left to remove.
	pruned, err = st.PruneClosedEpochs(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("second prune: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("second prune = %d, want 0", pruned)
	}
}

func TestOpenMigratesOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.db")

	st, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	st.CreateRoom(context.Background(), "pair-1")
	st.Close()

	// Reopening an already-migrated database must succeed and keep data.
	st2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer st2.Close()
	created, err := st2.CreateRoom(context.Background(), "pair-1")
	if err != nil {
		t.Fatalf("create after reopen: %v", err)
	}
	if created {
		t.Fatal("room recreated after reopen; row was lost")
	}
}

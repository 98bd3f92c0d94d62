package eventlog

import (
	"testing"
	"time"
)

// publish reserves the next seq and publishes one record, the way rooms
// feed the log after a durable write.
func publish(l *Log, rec Record) Record {
	rec.Seq = l.Reserve(1)
	l.Publish(rec)
	return rec
}

func TestPublishKeepsMonotonicSeq(t *testing.T) {
	l := New(MinCapacity)
	for i := 1; i <= 5; i++ {
		rec := publish(l, Record{PairID: "p", Type: TypeMessage})
		if rec.Seq != int64(i) {
			t.Fatalf("seq = %d, want %d", rec.Seq, i)
		}
	}
	if got := l.NextSeq(); got != 6 {
		t.Fatalf("NextSeq() = %d, want 6", got)
	}
}

func TestCapacityFloor(t *testing.T) {
	l := New(1)
	for i := 0; i < MinCapacity; i++ {
		publish(l, Record{PairID: "p", Type: TypeMessage})
	}
	if got := l.Len(); got != MinCapacity {
		t.Fatalf("Len() = %d, want floor %d", got, MinCapacity)
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	l := New(MinCapacity)
	for i := 0; i < MinCapacity+10; i++ {
		publish(l, Record{PairID: "p", Type: TypeMessage})
	}
	if got := l.Len(); got != MinCapacity {
		t.Fatalf("Len() = %d, want %d", got, MinCapacity)
	}
	recs := l.Since(0)
	if recs[0].Seq != 11 {
		t.Fatalf("oldest buffered seq = %d, want 11", recs[0].Seq)
	}
	if last := recs[len(recs)-1].Seq; last != MinCapacity+10 {
		t.Fatalf("newest buffered seq = %d, want %d", last, MinCapacity+10)
	}
}

func TestSinceFilters(t *testing.T) {
	l := New(MinCapacity)
	for i := 0; i < 10; i++ {
		publish(l, Record{PairID: "p", Type: TypeMessage})
	}
	recs := l.Since(7)
	if len(recs) != 3 {
		t.Fatalf("Since(7) returned %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		if want := int64(8 + i); rec.Seq != want {
			t.Fatalf("Since(7)[%d].Seq = %d, want %d", i, rec.Seq, want)
		}
	}
}

func TestReserveBurnsSeqs(t *testing.T) {
	l := New(MinCapacity)
	first := l.Reserve(3)
	if first != 1 {
		t.Fatalf("Reserve(3) = %d, want 1", first)
	}
	// Nothing published; the seqs are still consumed.
	rec := publish(l, Record{PairID: "p", Type: TypeMessage})
	if rec.Seq != 4 {
		t.Fatalf("seq after burned reservation = %d, want 4", rec.Seq)
	}
}

func TestClearPreservesSeqCounter(t *testing.T) {
	l := New(MinCapacity)
	for i := 0; i < 5; i++ {
		publish(l, Record{PairID: "p", Type: TypeMessage})
	}
	l.Clear()
	if got := l.Len(); got != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", got)
	}
	rec := publish(l, Record{PairID: "p", Type: TypeMessage})
	if rec.Seq != 6 {
		t.Fatalf("seq after Clear = %d, want 6", rec.Seq)
	}
}

func TestSeedRestoresRingAndSeq(t *testing.T) {
	l := New(MinCapacity)
	l.Seed([]Record{
		{Seq: 40, PairID: "p", Type: TypeMessage},
		{Seq: 41, PairID: "p", Type: TypeState},
	}, 42)
	if got := l.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	rec := publish(l, Record{PairID: "p", Type: TypeMessage})
	if rec.Seq != 42 {
		t.Fatalf("seq after seed = %d, want 42", rec.Seq)
	}
}

func TestSubscribeReceivesPublishes(t *testing.T) {
	l := New(MinCapacity)
	sub := l.Subscribe()
	defer l.Unsubscribe(sub)

	publish(l, Record{PairID: "p", Type: TypeMessage})

	select {
	case rec := <-sub.Ch():
		if rec.Seq != 1 {
			t.Fatalf("received seq = %d, want 1", rec.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fan-out")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	l := New(MinCapacity)
	sub := l.Subscribe()
	if got := l.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", got)
	}
	l.Unsubscribe(sub)
	if got := l.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", got)
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	// Repeated unsubscribe must not panic.
	l.Unsubscribe(sub)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	l := New(MinCapacity)
	sub := l.Subscribe()
	l.Close()

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after Close")
	}
	if got := l.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount() after Close = %d, want 0", got)
	}

	// Late subscribers must not hang on a dead log.
	late := l.Subscribe()
	if _, ok := <-late.Ch(); ok {
		t.Fatal("subscription on a closed log delivered a record")
	}
	l.Unsubscribe(late)

	// Publishes after Close are dropped, not buffered.
	l.Publish(Record{Seq: l.Reserve(1), PairID: "p", Type: TypeMessage})
	if got := l.Len(); got != 0 {
		t.Fatalf("Len() after post-Close publish = %d, want 0", got)
	}
}

func TestSlowSubscriberMissesInsteadOfBlocking(t *testing.T) {
	l := New(MinCapacity * 10)
	sub := l.Subscribe()
	defer l.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+50; i++ {
			publish(l, Record{PairID: "p", Type: TypeMessage})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on slow subscriber")
	}
}

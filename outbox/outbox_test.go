package outbox

import "testing"

func TestEnqueueDequeueOrder(t *testing.T) {
	ob := New(0)
	if !ob.Enqueue([]byte("a"), 1, 0x3, 1, 100) {
		t.Fatal("enqueue 1 failed")
	}
	if !ob.Enqueue([]byte("b"), 2, 0x3, 1, 101) {
		t.Fatal("enqueue 2 failed")
	}
	e, tick, ok := ob.Dequeue(QUEUED)
	if !ok || e.ID != 1 || tick != 100 {
		t.Fatalf("expected oldest entry id=1 tick=100, got %+v tick=%d ok=%v", e, tick, ok)
	}
}

func TestEnqueueDuplicateRejected(t *testing.T) {
	ob := New(0)
	if !ob.Enqueue([]byte("a"), 1, 0x3, 1, 0) {
		t.Fatal("first enqueue should succeed")
	}
	if ob.Enqueue([]byte("a"), 1, 0x3, 1, 0) {
		t.Fatal("duplicate id+type enqueue should be rejected")
	}
}

func TestSizeCapEnforcedOnEnqueueOnly(t *testing.T) {
	ob := New(5)
	if !ob.Enqueue([]byte("abcde"), 1, 0x3, 0, 0) {
		t.Fatal("enqueue at exactly the cap should succeed")
	}
	if ob.Enqueue([]byte("x"), 2, 0x3, 0, 0) {
		t.Fatal("enqueue past the cap should fail")
	}
	if ob.Size() != 5 {
		t.Fatalf("expected size 5, got %d", ob.Size())
	}
}

func TestSetPendingMovesFIFOOrder(t *testing.T) {
	ob := New(0)
	ob.Enqueue([]byte("a"), 1, 0x3, 1, 0)
	ob.Enqueue([]byte("b"), 2, 0x3, 1, 0)

	if !ob.SetPending(1, 0x3, TRANSMITTED) {
		t.Fatal("setpending failed")
	}
	if _, _, ok := ob.Dequeue(QUEUED); !ok {
		t.Fatal("id 2 should still be QUEUED")
	}
	e, _, ok := ob.Dequeue(TRANSMITTED)
	if !ok || e.ID != 1 {
		t.Fatalf("expected id 1 in TRANSMITTED, got %+v", e)
	}
}

func TestDeleteRequiresIDAndTypeMatch(t *testing.T) {
	ob := New(0)
	ob.Enqueue([]byte("a"), 1, 0x3, 1, 0)
	if ob.Delete(1, 0x8) {
		t.Fatal("delete with wrong type should not remove the entry")
	}
	if !ob.Delete(1, 0x3) {
		t.Fatal("delete with matching id+type should succeed")
	}
	if _, ok := ob.Get(1, 0x3); ok {
		t.Fatal("entry should be gone")
	}
}

func TestDeleteExpiredEvaluatesBeforeSizeCap(t *testing.T) {
	ob := New(10)
	ob.Enqueue([]byte("aaaaa"), 1, 0x3, 1, 0) // tick=0, will be stale
	if n := ob.DeleteExpired(1000, 30); n != 1 {
		t.Fatalf("expected 1 expired entry removed, got %d", n)
	}
	if ob.Size() != 0 {
		t.Fatalf("expired entry should free its share of the size cap, got size=%d", ob.Size())
	}
	if !ob.Enqueue([]byte("bbbbbbbbbb"), 2, 0x3, 1, 1000) {
		t.Fatal("space freed by expiry should admit a new full-cap entry")
	}
}

func TestDeleteSingleExpiredReturnsOneAtATime(t *testing.T) {
	ob := New(0)
	ob.Enqueue([]byte("a"), 1, 0x3, 1, 0)
	ob.Enqueue([]byte("b"), 2, 0x3, 1, 0)

	id, kind, ok := ob.DeleteSingleExpired(1000, 30)
	if !ok || id != 1 || kind != 0x3 {
		t.Fatalf("expected id 1 first, got id=%d kind=%d ok=%v", id, kind, ok)
	}
	id2, _, ok2 := ob.DeleteSingleExpired(1000, 30)
	if !ok2 || id2 != 2 {
		t.Fatalf("expected id 2 second, got id=%d ok=%v", id2, ok2)
	}
	if _, _, ok3 := ob.DeleteSingleExpired(1000, 30); ok3 {
		t.Fatal("expected no more expired entries")
	}
}

func TestDeleteByTypeAndAll(t *testing.T) {
	ob := New(0)
	ob.Enqueue([]byte("a"), 1, 0x8, 1, 0)
	ob.Enqueue([]byte("b"), 2, 0x8, 1, 0)
	ob.Enqueue([]byte("c"), 3, 0x3, 1, 0)

	if n := ob.DeleteByType(0x8); n != 2 {
		t.Fatalf("expected 2 removed by type, got %d", n)
	}
	if ob.Size() != 1 {
		t.Fatalf("expected only the 0x3 entry remaining, size=%d", ob.Size())
	}
	if n := ob.DeleteAll(); n != 1 {
		t.Fatalf("expected 1 removed by DeleteAll, got %d", n)
	}
	if ob.Size() != 0 {
		t.Fatal("outbox should be empty")
	}
}

func TestEnqueueOversizedRetainsRemaining(t *testing.T) {
	ob := New(0)
	remaining := []byte("payload-tail")
	ob.EnqueueOversized([]byte("header"), 1, 0x3, 1, remaining, 0)
	e, ok := ob.Get(1, 0x3)
	if !ok {
		t.Fatal("entry not found")
	}
	if string(e.Remaining) != "payload-tail" {
		t.Fatalf("expected remaining payload preserved, got %q", e.Remaining)
	}
}

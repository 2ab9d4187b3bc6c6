package conntable

import (
	"testing"
	"time"
)

func TestGetOrCreateIndexesByID(t *testing.T) {
	tbl := New()
	r := tbl.GetOrCreate(100, 480)
	if got, ok := tbl.Find(100); !ok || got != r {
		t.Fatalf("Find(100) = %v, %v; want %v, true", got, ok, r)
	}
	if again := tbl.GetOrCreate(100, 480); again != r {
		t.Fatal("GetOrCreate should return the existing record on repeat calls")
	}
}

func TestIndexAddsAlias(t *testing.T) {
	tbl := New()
	r := tbl.GetOrCreate(100, 480)
	tbl.Index(200, r)

	got, ok := tbl.Find(200)
	if !ok || got != r {
		t.Fatalf("Find(200) = %v, %v; want %v, true", got, ok, r)
	}
	if !r.HasID(100) || !r.HasID(200) {
		t.Fatalf("record IDs = %v, want both 100 and 200", r.IDs)
	}
}

func TestSweepExpiredRemovesStaleRecords(t *testing.T) {
	tbl := New()
	r := tbl.GetOrCreate(1, 1)
	r.LastReceived = time.Now().Add(-2 * UserTimeout)

	fresh := tbl.GetOrCreate(2, 1)
	fresh.LastReceived = time.Now()

	expired := tbl.SweepExpired(time.Now())
	if len(expired) != 1 || expired[0] != r {
		t.Fatalf("SweepExpired returned %v, want [%v]", expired, r)
	}
	if _, ok := tbl.Find(1); ok {
		t.Fatal("expired record 1 should have been removed")
	}
	if _, ok := tbl.Find(2); !ok {
		t.Fatal("fresh record 2 should remain")
	}
}

func TestHeartbeatDue(t *testing.T) {
	r := &Record{}
	if !r.HeartbeatDue(time.Now()) {
		t.Fatal("a record with a zero lastHeartbeatSent should be due immediately")
	}
	r.MarkHeartbeatSent(time.Now())
	if r.HeartbeatDue(time.Now()) {
		t.Fatal("a record just heartbeat should not be due again immediately")
	}
}

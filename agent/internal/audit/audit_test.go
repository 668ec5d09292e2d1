package audit

import (
	"path/filepath"
	"testing"
	"time"

	"fleetguard/agent/internal/db"
	"fleetguard/network"
)

func testRecorder(t *testing.T) *Recorder {
	t.Helper()
	adb, err := db.Init(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	return NewRecorder(adb)
}

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	r := testRecorder(t)

	id := r.Record(network.AuditRecord{Kind: KindSessionOpen, SessionID: "sess-1", Operator: "alice"})
	if id == "" {
		t.Fatal("no id assigned")
	}

	pending := r.Pending(0)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].ID != id || pending[0].Kind != KindSessionOpen {
		t.Fatalf("pending[0] = %+v", pending[0])
	}
	if pending[0].StartedAt.IsZero() {
		t.Fatal("StartedAt not defaulted")
	}
}

func TestPendingOldestFirstWithLimit(t *testing.T) {
	r := testRecorder(t)

	var ids []string
	for _, kind := range []string{KindSessionOpen, KindFileTransfer, KindSessionClose} {
		ids = append(ids, r.Record(network.AuditRecord{Kind: kind, SessionID: "sess-1"}))
		time.Sleep(5 * time.Millisecond)
	}

	pending := r.Pending(2)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != ids[0] || pending[1].ID != ids[1] {
		t.Fatalf("order = %s, %s; want %s, %s", pending[0].ID, pending[1].ID, ids[0], ids[1])
	}
}

func TestAckDeletesOnlyAckedRecords(t *testing.T) {
	r := testRecorder(t)

	keep := r.Record(network.AuditRecord{Kind: KindSessionOpen, SessionID: "sess-1"})
	drop := r.Record(network.AuditRecord{Kind: KindSessionClose, SessionID: "sess-1"})

	r.Ack([]string{drop})

	pending := r.Pending(0)
	if len(pending) != 1 || pending[0].ID != keep {
		t.Fatalf("pending = %+v, want only %s", pending, keep)
	}
	if n := r.PendingCount(); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestNilDatabaseDegradesToNoOp(t *testing.T) {
	r := NewRecorder(nil)

	if id := r.Record(network.AuditRecord{Kind: KindEnrollment}); id == "" {
		t.Fatal("no id assigned without a database")
	}
	if got := r.Pending(0); got != nil {
		t.Fatalf("pending = %+v, want nil", got)
	}
	r.Ack([]string{"x"})
	if n := r.PendingCount(); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

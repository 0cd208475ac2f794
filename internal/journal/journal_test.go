package journal

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	mutations := []struct{ op, target, detail string }{
		{"block.add", "mgmt", "10.0.0.0/24"},
		{"block.delete", "storage", ""},
		{"provider.add", "br-vlan", "type=vlan"},
	}
	for _, m := range mutations {
		if err := j.Record(ctx, m.op, m.target, m.detail); err != nil {
			t.Fatalf("Record(%s) error: %v", m.op, err)
		}
	}

	entries, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Op != "provider.add" || entries[1].Op != "block.delete" {
		t.Errorf("order = %s,%s, want newest first", entries[0].Op, entries[1].Op)
	}
	if entries[0].Target != "br-vlan" || entries[0].Detail != "type=vlan" {
		t.Errorf("entry = %+v, want recorded fields back", entries[0])
	}
	if entries[0].At.IsZero() {
		t.Error("entry timestamp not persisted")
	}
}

func TestRecentEmpty(t *testing.T) {
	j := openTestJournal(t)
	entries, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %v, want none", entries)
	}
}

func TestNilJournalIsNoOp(t *testing.T) {
	var j *Journal
	ctx := context.Background()

	if err := j.Record(ctx, "block.add", "mgmt", ""); err != nil {
		t.Errorf("nil Record() = %v, want nil", err)
	}
	entries, err := j.Recent(ctx, 5)
	if err != nil || entries != nil {
		t.Errorf("nil Recent() = %v, %v, want nil, nil", entries, err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("nil Close() = %v, want nil", err)
	}
}

package journal

import (
	"testing"

	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

func TestFreshJournalHasNoPendingMigration(t *testing.T) {
	j, err := Open(memory.NewTransient())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, ok := j.TakePendingMigration(); ok {
		t.Fatal("a freshly initialized journal should never report a pending migration")
	}
}

func TestPendingMigrationConsumedOnce(t *testing.T) {
	m := memory.NewTransient()
	j, err := Open(m)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seed := &metadata.Metadata{Node: 7, FileType: metadata.RegularFile, Size: 3}
	j.PutPendingMigration(7, seed)

	node, got, ok := j.TakePendingMigration()
	if !ok || node != 7 || got.Size != 3 {
		t.Fatalf("TakePendingMigration() = %d, %+v, %v, want 7, size 3, true", node, got, ok)
	}

	if _, _, ok := j.TakePendingMigration(); ok {
		t.Fatal("a second TakePendingMigration should find nothing: the slot is consumed exactly once")
	}
}

func TestReopenRejectsForeignMagic(t *testing.T) {
	m := memory.NewTransient()
	memory.GrowTo(m, headerLen-1)
	m.Write(0, []byte("BOGUS\x00\x00\x00"))
	if _, err := Open(m); err == nil {
		t.Fatal("Open over a memory with an unrecognized magic should fail")
	}
}

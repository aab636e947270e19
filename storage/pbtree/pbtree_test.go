package pbtree

import (
	"testing"

	"github.com/pagedfs/pagedfs/memory"
)

func key(n uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(n >> (8 * i))
	}
	return b
}

func val(s string) []byte {
	b := make([]byte, 4)
	copy(b, s)
	return b
}

func TestPutGetDelete(t *testing.T) {
	mp, err := Open(memory.NewTransient(), 8, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mp.Put(key(1), val("one"))
	mp.Put(key(2), val("two"))

	if v, ok := mp.Get(key(1)); !ok || string(v[:3]) != "one" {
		t.Fatalf("Get(1) = %q, %v", v, ok)
	}
	mp.Delete(key(1))
	if _, ok := mp.Get(key(1)); ok {
		t.Fatal("Get(1) should miss after Delete")
	}
	if v, ok := mp.Get(key(2)); !ok || string(v[:3]) != "two" {
		t.Fatalf("Get(2) after unrelated delete = %q, %v", v, ok)
	}
}

func TestDeletedSlotIsReused(t *testing.T) {
	mp, err := Open(memory.NewTransient(), 8, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mp.Put(key(1), val("one"))
	mp.Delete(key(1))
	before := mp.count
	mp.Put(key(2), val("two"))
	if mp.count != before {
		t.Fatalf("Put after Delete should reuse the tombstoned slot instead of growing count: before=%d after=%d", before, mp.count)
	}
}

func TestAscendRangeOrdering(t *testing.T) {
	mp, err := Open(memory.NewTransient(), 8, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, n := range []uint64{5, 1, 3, 9, 7} {
		mp.Put(key(n), val("x"))
	}
	var seen []uint64
	mp.AscendRange(key(3), key(9), func(k, _ []byte) bool {
		n := uint64(0)
		for _, b := range k {
			n = n<<8 | uint64(b)
		}
		seen = append(seen, n)
		return true
	})
	want := []uint64{3, 5, 7}
	if len(seen) != len(want) {
		t.Fatalf("AscendRange(3,9) = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("AscendRange(3,9) = %v, want %v", seen, want)
		}
	}
}

func TestReopenRebuildsTreeFromSlots(t *testing.T) {
	m := memory.NewTransient()
	mp, err := Open(m, 8, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mp.Put(key(1), val("one"))
	mp.Put(key(2), val("two"))
	mp.Delete(key(1))

	reopened, err := Open(m, 8, 4)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.Get(key(1)); ok {
		t.Fatal("deleted key resurfaced after reopen")
	}
	if v, ok := reopened.Get(key(2)); !ok || string(v[:3]) != "two" {
		t.Fatalf("Get(2) after reopen = %q, %v", v, ok)
	}
	if reopened.Len() != 1 {
		t.Fatalf("Len() after reopen = %d, want 1", reopened.Len())
	}
}

func TestOpenRejectsMismatchedKeyValLen(t *testing.T) {
	m := memory.NewTransient()
	if _, err := Open(m, 8, 4); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := Open(m, 8, 5); err == nil {
		t.Fatal("reopening with a different valLen should fail")
	}
}

package simworld

import (
	"fmt"
	"testing"
)

// dmap tester
type dmapt struct {
	name string
}

func (s *dmapt) id() string {
	return s.name
}

func TestDmap(t *testing.T) {
	var slc []*dmapt
	m := newDmap[*dmapt, int]()

	for i := range 9 {
		d := &dmapt{name: fmt.Sprintf("%v", 8-i)}
		slc = append(slc, d)
		m.upsert(d, 8-i)
	}
	i := 0
	for pd, v := range all(m) {
		if v != i {
			t.Fatalf("expected val %v, got %v for pd='%#v'", i, v, pd)
		}
		i++
	}
	// second pass sees the same order.
	i = 0
	for pd, v := range all(m) {
		if v != i {
			t.Fatalf("expected val %v, got %v for pd='%#v'", i, v, pd)
		}
		i++
	}

	// upsert replaces rather than duplicates.
	m.upsert(slc[0], 800)
	if m.Len() != 9 {
		t.Fatalf("expected Len 9 after upsert of existing key, got %v", m.Len())
	}
	got, ok := m.get(slc[0])
	if !ok || got != 800 {
		t.Fatalf("expected 800 back for key %q, got %v (ok=%v)", slc[0].name, got, ok)
	}

	m.delkey(slc[0])
	if m.Len() != 8 {
		t.Fatalf("expected Len 8 after delkey, got %v", m.Len())
	}
	if _, ok := m.get(slc[0]); ok {
		t.Fatalf("key %q should be gone", slc[0].name)
	}
	// delkey of a missing key is a no-op.
	m.delkey(slc[0])
	if m.Len() != 8 {
		t.Fatalf("expected Len still 8, got %v", m.Len())
	}
}

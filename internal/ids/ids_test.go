package ids

import (
	"testing"
	"time"
)

func TestNewIsSortableAndValid(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewAt(base)
	b := NewAt(base.Add(time.Millisecond))
	if !Valid(a) || !Valid(b) {
		t.Fatalf("expected valid ids, got %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected %q < %q", a, b)
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "not-a-ulid-at-all-0000000000", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if Valid(in) {
			t.Fatalf("Valid(%q) = true, want false", in)
		}
	}
}

package backend

import "testing"

func TestCumulativeDelta_MonotonicGrowth(t *testing.T) {
	t.Parallel()

	prev := ""
	var deltas []string
	for _, cum := range []string{"A", "AB", "ABC"} {
		deltas = append(deltas, CumulativeDelta(prev, cum))
		prev = cum
	}
	want := []string{"A", "B", "C"}
	for i := range want {
		if deltas[i] != want[i] {
			t.Fatalf("delta %d: got %q, want %q", i, deltas[i], want[i])
		}
	}
}

func TestCumulativeDelta_NonMonotonicCorrection(t *testing.T) {
	t.Parallel()

	if got := CumulativeDelta("AB", "XY"); got != "XY" {
		t.Fatalf("correction should replace wholesale, got %q", got)
	}
}

func TestCumulativeDelta_RepeatAndEmpty(t *testing.T) {
	t.Parallel()

	if got := CumulativeDelta("ABC", "ABC"); got != "" {
		t.Fatalf("identical snapshots should yield empty delta, got %q", got)
	}
	if got := CumulativeDelta("", ""); got != "" {
		t.Fatalf("empty snapshots should yield empty delta, got %q", got)
	}
	if got := CumulativeDelta("AB", ""); got != "" {
		t.Fatalf("empty correction yields empty delta, got %q", got)
	}
}

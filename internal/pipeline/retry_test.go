package pipeline

import "testing"

func TestRetryLedgerCeiling(t *testing.T) {
	l := NewRetryLedger()
	ref := "acme/api#7"

	got := []bool{
		l.Allow(ref, "plan", 2),
		l.Allow(ref, "plan", 2),
		l.Allow(ref, "plan", 2),
	}
	want := []bool{true, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attempt %d: got %v, want %v", i+1, got[i], want[i])
		}
	}
	if l.Count(ref, "plan") != 3 {
		t.Errorf("count = %d, want 3", l.Count(ref, "plan"))
	}
}

func TestRetryLedgerStagesIndependent(t *testing.T) {
	l := NewRetryLedger()
	ref := "acme/api#7"

	if !l.Allow(ref, "plan", 1) {
		t.Fatal("first plan attempt should be allowed")
	}
	if l.Allow(ref, "plan", 1) {
		t.Fatal("second plan attempt should exceed ceiling 1")
	}
	if !l.Allow(ref, "ci_fix", 1) {
		t.Fatal("ci_fix counts should not share the plan ledger")
	}
}

func TestRetryLedgerForget(t *testing.T) {
	l := NewRetryLedger()
	l.Allow("acme/api#7", "review", 5)
	l.Allow("acme/api#7", "review", 5)
	l.Forget("acme/api#7")
	if l.Count("acme/api#7", "review") != 0 {
		t.Errorf("count after Forget = %d, want 0", l.Count("acme/api#7", "review"))
	}
}

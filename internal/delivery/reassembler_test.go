package delivery

import (
	"testing"

	"github.com/sttgateway/gateway/pkg/types"
)

// TestOutOfOrderSTTResponse reproduces scenario 5: two partials seq 0 and 1,
// but seq 1 arrives first. Delivery must withhold seq 1 until seq 0 arrives,
// then release both in order.
func TestOutOfOrderSTTResponse(t *testing.T) {
	var delivered []types.Delivery
	r := New("s1", func(d types.Delivery) { delivered = append(delivered, d) })

	r.Insert(1, types.Result{Text: "second"}, false)
	if len(delivered) != 0 {
		t.Fatalf("delivered = %v, want none before seq 0 arrives", delivered)
	}

	r.Insert(0, types.Result{Text: "first"}, false)
	if len(delivered) != 2 {
		t.Fatalf("delivered = %v, want 2 entries", delivered)
	}
	if delivered[0].Sequence != 0 || delivered[1].Sequence != 1 {
		t.Fatalf("delivery order = %+v, want seq 0 then 1", delivered)
	}
}

// TestDroppedBatchHoleSkipping reproduces scenario 6: three partials, seq 1's
// batch fails. Seq 0 delivers immediately; seq 2 is buffered and withheld
// until the drain deadline calls SkipHoles, which then releases it.
func TestDroppedBatchHoleSkipping(t *testing.T) {
	var delivered []types.Delivery
	r := New("s1", func(d types.Delivery) { delivered = append(delivered, d) })

	r.Insert(0, types.Result{Text: "zero"}, false)
	if len(delivered) != 1 || delivered[0].Sequence != 0 {
		t.Fatalf("delivered after seq 0 = %+v", delivered)
	}

	// seq 1's batch failed — never inserted.
	r.Insert(2, types.Result{Text: "two"}, true)
	if len(delivered) != 1 {
		t.Fatalf("delivered before skip = %v, want still just seq 0", delivered)
	}
	if !r.Pending() {
		t.Fatal("expected seq 2 to be pending before the drain deadline")
	}

	if skipped := r.SkipHoles(); skipped != 1 {
		t.Fatalf("SkipHoles() = %d, want 1 (seq 1 jumped over)", skipped)
	}
	if len(delivered) != 2 || delivered[1].Sequence != 2 {
		t.Fatalf("delivered after SkipHoles = %+v, want seq 2 released", delivered)
	}
	if r.Pending() {
		t.Fatal("expected no pending results after SkipHoles released seq 2")
	}
	if r.ExpectedSeq() != 3 {
		t.Fatalf("ExpectedSeq() = %d, want 3", r.ExpectedSeq())
	}
}

// TestSkipHolesIsNoopWhenNothingPending covers the "during an active
// session, no skipping occurs" invariant indirectly: calling SkipHoles with
// nothing buffered must never move expected_seq or deliver anything.
func TestSkipHolesIsNoopWhenNothingPending(t *testing.T) {
	var delivered []types.Delivery
	r := New("s1", func(d types.Delivery) { delivered = append(delivered, d) })

	r.Insert(0, types.Result{Text: "zero"}, false)
	if skipped := r.SkipHoles(); skipped != 0 {
		t.Fatalf("SkipHoles() with nothing pending = %d, want 0", skipped)
	}

	if len(delivered) != 1 {
		t.Fatalf("delivered = %v, want exactly the seq-0 delivery", delivered)
	}
	if r.ExpectedSeq() != 1 {
		t.Fatalf("ExpectedSeq() = %d, want 1", r.ExpectedSeq())
	}
}

// TestSkipReleasesWithoutInvokingSink covers a buffer-range-miss work item:
// it must count toward expected_seq without ever reaching the client sink.
func TestSkipReleasesWithoutInvokingSink(t *testing.T) {
	var delivered []types.Delivery
	r := New("s1", func(d types.Delivery) { delivered = append(delivered, d) })

	r.Skip(0)
	r.Insert(1, types.Result{Text: "one"}, false)

	if len(delivered) != 1 || delivered[0].Sequence != 1 {
		t.Fatalf("delivered = %+v, want only seq 1 (seq 0 skipped silently)", delivered)
	}
	if r.ExpectedSeq() != 2 {
		t.Fatalf("ExpectedSeq() = %d, want 2", r.ExpectedSeq())
	}
}

// TestExpectedSeqIsMonotonicallyNonDecreasing covers the invariant from the
// testable properties list across a mixed in-order/out-of-order/skip trace.
func TestExpectedSeqIsMonotonicallyNonDecreasing(t *testing.T) {
	r := New("s1", func(types.Delivery) {})

	var last int64
	check := func() {
		got := r.ExpectedSeq()
		if got < last {
			t.Fatalf("expected_seq decreased: %d -> %d", last, got)
		}
		last = got
	}

	r.Insert(2, types.Result{}, false)
	check()
	r.Insert(0, types.Result{}, false)
	check()
	r.Insert(1, types.Result{}, false)
	check()
	r.SkipHoles()
	check()
}

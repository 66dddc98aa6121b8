package admission

import "testing"

func TestAllowStartRejectsOverConcurrency(t *testing.T) {
	c := New(map[string]Quota{"t": {MaxConcurrent: 1, PerMinute: 100}})
	if got := c.AllowStart("t"); got != Admitted {
		t.Fatalf("first admission = %v, want Admitted", got)
	}
	if got := c.AllowStart("t"); got != RejectedConcurrency {
		t.Fatalf("second admission = %v, want RejectedConcurrency", got)
	}
	c.MarkDone("t")
	if got := c.AllowStart("t"); got != Admitted {
		t.Fatalf("admission after mark done = %v, want Admitted", got)
	}
}

func TestAllowStartRejectsOverRate(t *testing.T) {
	c := New(map[string]Quota{"t": {MaxConcurrent: 100, PerMinute: 2}})
	c.AllowStart("t")
	c.AllowStart("t")
	if got := c.AllowStart("t"); got != RejectedRate {
		t.Fatalf("third admission = %v, want RejectedRate", got)
	}
}

func TestUnknownTenantUsesDefaultQuota(t *testing.T) {
	c := New(nil)
	for i := 0; i < DefaultQuota.MaxConcurrent; i++ {
		if got := c.AllowStart("mystery"); got != Admitted {
			t.Fatalf("admission %d = %v, want Admitted under default quota", i, got)
		}
	}
	if got := c.AllowStart("mystery"); got != RejectedConcurrency {
		t.Fatalf("admission beyond default max_concurrent = %v, want RejectedConcurrency", got)
	}
}

func TestRunningNeverExceedsMaxConcurrent(t *testing.T) {
	c := New(map[string]Quota{"t": {MaxConcurrent: 3, PerMinute: 1000}})
	for i := 0; i < 10; i++ {
		c.AllowStart("t")
		if c.Running("t") > 3 {
			t.Fatalf("running=%d exceeds max_concurrent=3", c.Running("t"))
		}
	}
}

package glyph

import "testing"

func TestCompileCanonicalFullRun(t *testing.T) {
	res := Compile("verify; invoke; audit; scan; attest; sanctify; rollout; judge; deploy; continuum")
	if !res.OK {
		t.Fatalf("expected ok=true, explain=%q", res.Explain)
	}
	if len(res.Steps) != len(CanonicalSteps) {
		t.Fatalf("expected %d steps, got %d", len(CanonicalSteps), len(res.Steps))
	}
	for i, s := range res.Steps {
		if s != CanonicalSteps[i] {
			t.Fatalf("step %d = %q, want %q", i, s, CanonicalSteps[i])
		}
	}
}

func TestCompileInvalidOrderRejected(t *testing.T) {
	res := Compile("deploy; verify")
	if res.OK {
		t.Fatalf("expected ok=false for out-of-order glyph")
	}
}

func TestCompileUnknownTokensDropped(t *testing.T) {
	res := Compile("verify; flibbertigibbet; invoke")
	if !res.OK {
		t.Fatalf("expected ok=true, got explain=%q", res.Explain)
	}
	want := []string{"verify", "invoke"}
	if len(res.Steps) != len(want) {
		t.Fatalf("steps=%v, want %v", res.Steps, want)
	}
}

func TestCompileDeterministic(t *testing.T) {
	text := "verify; invoke; audit"
	a := Compile(text)
	b := Compile(text)
	if a.OK != b.OK || len(a.Steps) != len(b.Steps) {
		t.Fatalf("compile is not deterministic: %+v vs %+v", a, b)
	}
}

func TestCompileSymbolShorthand(t *testing.T) {
	res := Compile("%seal; -> summon; !")
	want := []string{"verify", "invoke", "audit"}
	if !res.OK || len(res.Steps) != len(want) {
		t.Fatalf("got %+v, want ok=true steps=%v", res, want)
	}
	for i, s := range want {
		if res.Steps[i] != s {
			t.Fatalf("step %d = %q, want %q", i, res.Steps[i], s)
		}
	}
}

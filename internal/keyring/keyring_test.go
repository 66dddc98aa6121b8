package keyring

import "testing"

func TestSignVerifyActiveKey(t *testing.T) {
	k := New()
	if _, err := k.GenerateHMAC("k1"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	body := []byte("hello world")
	keyID, sig, err := k.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if keyID != "k1" {
		t.Fatalf("signed with %q, want k1", keyID)
	}

	ok, matched := k.Verify(body, sig, keyID)
	if !ok || matched != "k1" {
		t.Fatalf("verify failed: ok=%v matched=%q", ok, matched)
	}
}

func TestVerifySucceedsWithRotatedKeyByID(t *testing.T) {
	k := New()
	k.GenerateHMAC("k1")
	body := []byte("payload")
	_, sig, _ := k.Sign(body)

	k.GenerateHMAC("k2") // rotates k1 to Status=rotated, k2 becomes active

	ok, matched := k.Verify(body, sig, "k1")
	if !ok || matched != "k1" {
		t.Fatalf("expected verification against explicit rotated key id to succeed, got ok=%v matched=%q", ok, matched)
	}
}

func TestVerifyFailsOnTamperedBody(t *testing.T) {
	k := New()
	k.GenerateHMAC("k1")
	_, sig, _ := k.Sign([]byte("original"))

	ok, _ := k.Verify([]byte("tampered"), sig, "k1")
	if ok {
		t.Fatalf("expected verification to fail for tampered body")
	}
}

func TestRotationDemotesPreviousActive(t *testing.T) {
	k := New()
	k.GenerateHMAC("k1")
	k.GenerateHMAC("k2")

	if k.ActiveID(AlgHMAC) != "k2" {
		t.Fatalf("active key = %q, want k2", k.ActiveID(AlgHMAC))
	}
	ledger := k.Ledger()
	if len(ledger) != 2 {
		t.Fatalf("ledger has %d entries, want 2", len(ledger))
	}
	if ledger[1].Previous != "k1" {
		t.Fatalf("second rotation entry should record k1 as previous, got %q", ledger[1].Previous)
	}
}

func TestEd25519SignVerify(t *testing.T) {
	k := New()
	k.GenerateEd25519("ed1")
	body := []byte("ed25519 payload")
	keyID, sig, err := k.SignWith(AlgEd25519, body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, matched := k.Verify(body, sig, keyID)
	if !ok || matched != "ed1" {
		t.Fatalf("verify failed: ok=%v matched=%q", ok, matched)
	}
}

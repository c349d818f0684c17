package webhook

import "testing"

func TestSignIsDeterministic(t *testing.T) {
	secret := []byte("shared-secret")
	payload := []byte(`{"event":"deployment.completed"}`)

	first := Sign(secret, payload, "1756000000")
	second := Sign(secret, payload, "1756000000")
	if first != second {
		t.Error("same inputs must produce the same signature")
	}
	if len(first) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(first))
	}
}

func TestSignVariesWithInputs(t *testing.T) {
	secret := []byte("shared-secret")
	payload := []byte(`{"event":"deployment.completed"}`)
	sig := Sign(secret, payload, "1756000000")

	if Sign(secret, payload, "1756000001") == sig {
		t.Error("timestamp change must change the signature")
	}
	if Sign(secret, []byte(`{"event":"deployment.failed"}`), "1756000000") == sig {
		t.Error("payload change must change the signature")
	}
	if Sign([]byte("other"), payload, "1756000000") == sig {
		t.Error("secret change must change the signature")
	}
}

func TestVerify(t *testing.T) {
	secret := []byte("shared-secret")
	payload := []byte(`{"event":"deployment.completed"}`)
	sig := Sign(secret, payload, "1756000000")

	if !Verify(secret, payload, "1756000000", sig) {
		t.Error("valid signature rejected")
	}
	if Verify(secret, payload, "1756000000", sig+"00") {
		t.Error("tampered signature accepted")
	}
	if Verify(secret, payload, "1756000001", sig) {
		t.Error("replayed signature with different timestamp accepted")
	}
}

package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cipher, err := EncryptString("master-key", "hook-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(cipher, []byte("hook-secret")) {
		t.Error("ciphertext leaks plaintext")
	}
	plain, err := DecryptToString("master-key", cipher)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "hook-secret" {
		t.Errorf("round trip = %q", plain)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	cipher, err := EncryptString("master-key", "hook-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptToString("other-key", cipher); err == nil {
		t.Error("decryption with the wrong key must fail")
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	first, err := EncryptString("master-key", "hook-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := EncryptString("master-key", "hook-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("nonce reuse: identical ciphertexts for the same plaintext")
	}
}

func TestRandomSecretLengthAndUniqueness(t *testing.T) {
	first, err := RandomSecret(32)
	if err != nil {
		t.Fatalf("random secret: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("secret length = %d, want 64 hex chars", len(first))
	}
	second, err := RandomSecret(32)
	if err != nil {
		t.Fatalf("random secret: %v", err)
	}
	if first == second {
		t.Error("two generated secrets collided")
	}
}

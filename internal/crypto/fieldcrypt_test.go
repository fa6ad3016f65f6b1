package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	fe, err := NewFieldEncryptor([]byte("a-master-key-that-is-long-enough"), "platform-tokens")
	if err != nil {
		t.Fatalf("NewFieldEncryptor: %v", err)
	}

	original := "AAAAAAAAAAAAAAAAAAAAAMLheAAAAAAA0%2BuSeid"
	encrypted, err := fe.Encrypt(original)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(encrypted, prefix) {
		t.Fatalf("expected %q prefix, got %q", prefix, encrypted)
	}

	decrypted, err := fe.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != original {
		t.Fatalf("round-trip failed: got %q, want %q", decrypted, original)
	}
}

func TestDecryptRejectsPlaintextAndGarbage(t *testing.T) {
	fe, _ := NewFieldEncryptor([]byte("key"), "platform-tokens")

	for _, stored := range []string{"plain-token", prefix + "!!!", prefix + "AAAA"} {
		if _, err := fe.Decrypt(stored); !errors.Is(err, ErrInvalidCiphertext) {
			t.Errorf("Decrypt(%q) error = %v, want ErrInvalidCiphertext", stored, err)
		}
	}
}

func TestDecryptWithOtherPurposeFails(t *testing.T) {
	a, _ := NewFieldEncryptor([]byte("key"), "platform-tokens")
	b, _ := NewFieldEncryptor([]byte("key"), "something-else")

	encrypted, err := a.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(encrypted); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestEmptyKey(t *testing.T) {
	if _, err := NewFieldEncryptor(nil, "x"); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

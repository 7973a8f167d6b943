package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// Test key generated with: openssl rand -base64 32
const testKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM=" // "test-key-for-unit-tests-32-bytes"

func TestNewCredentialEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid 32-byte base64 key", key: testKey},
		{name: "empty key", key: "", wantErr: true},
		{name: "passphrase hashed to 32 bytes", key: "my-simple-passphrase"},
		{name: "short base64 key hashed", key: base64.StdEncoding.EncodeToString([]byte("sixteen-byte-key"))},
		{name: "long base64 key hashed", key: base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 64)))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewCredentialEncryptor(tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("expected ErrInvalidKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if enc == nil {
				t.Error("expected non-nil encryptor")
			}
		})
	}
}

func TestCredentialEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewCredentialEncryptor(testKey)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	secrets := []string{
		"EAAGm0PX4ZCpsBAKZC0fake-whatsapp-token",
		"shpss_0123456789abcdef",
		"ünïcödé sëcrét",
		strings.Repeat("long-secret-", 200),
	}
	for _, secret := range secrets {
		encrypted, err := enc.Encrypt(secret)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if encrypted == secret {
			t.Error("ciphertext must differ from plaintext")
		}
		decrypted, err := enc.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if decrypted != secret {
			t.Errorf("round trip mismatch: got %q, want %q", decrypted, secret)
		}
	}
}

func TestCredentialEncryptor_EmptyPassesThrough(t *testing.T) {
	enc, _ := NewCredentialEncryptor(testKey)

	encrypted, err := enc.Encrypt("")
	if err != nil || encrypted != "" {
		t.Errorf("Encrypt(\"\") = %q, %v; want empty, nil", encrypted, err)
	}
	decrypted, err := enc.Decrypt("")
	if err != nil || decrypted != "" {
		t.Errorf("Decrypt(\"\") = %q, %v; want empty, nil", decrypted, err)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	enc1, _ := NewCredentialEncryptor(testKey)
	enc2, _ := NewCredentialEncryptor("a-different-passphrase")

	encrypted, err := enc1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	_, err = enc2.Decrypt(encrypted)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptInvalidInput(t *testing.T) {
	enc, _ := NewCredentialEncryptor(testKey)

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "not-valid-base64!!!"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"tampered", base64.StdEncoding.EncodeToString(make([]byte, 64))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := enc.Decrypt(tt.input); !errors.Is(err, ErrDecryptionFailed) {
				t.Errorf("expected ErrDecryptionFailed, got %v", err)
			}
		})
	}
}

func TestPhoneCipher_NonDeterministicEncryption(t *testing.T) {
	c, err := NewPhoneCipher(testKey)
	if err != nil {
		t.Fatalf("NewPhoneCipher failed: %v", err)
	}

	a, err := c.Encrypt("+905551112233")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := c.Encrypt("+905551112233")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if a == b {
		t.Error("encrypting the same phone twice must produce different ciphertexts")
	}

	for _, ct := range []string{a, b} {
		pt, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if pt != "+905551112233" {
			t.Errorf("Decrypt() = %q, want +905551112233", pt)
		}
	}
}

func TestPhoneCipher_HashIsDeterministicAndKeyed(t *testing.T) {
	c1, _ := NewPhoneCipher(testKey)
	c2, _ := NewPhoneCipher(testKey)
	other, _ := NewPhoneCipher("another-key")

	if c1.Hash("+905551112233") != c2.Hash("+905551112233") {
		t.Error("hash must be deterministic for the same key")
	}
	if c1.Hash("+905551112233") == c1.Hash("+905551112234") {
		t.Error("different phones must hash differently")
	}
	if c1.Hash("+905551112233") == other.Hash("+905551112233") {
		t.Error("hash must depend on the key")
	}
	if len(c1.Hash("+905551112233")) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(c1.Hash("+905551112233")))
	}
}

func TestPhoneCipher_SubkeysAreIndependentOfCredentials(t *testing.T) {
	phones, _ := NewPhoneCipher(testKey)
	creds, _ := NewCredentialEncryptor(testKey)

	encrypted, err := phones.Encrypt("+905551112233")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := creds.Decrypt(encrypted); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("credential key must not open phone ciphertexts, got %v", err)
	}
}

func TestNewPhoneCipher_EmptyKey(t *testing.T) {
	if _, err := NewPhoneCipher(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

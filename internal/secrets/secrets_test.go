package secrets

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func testKey(fill byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{fill}, 32))
}

func TestOpenValidations(t *testing.T) {
	tests := []struct {
		name        string
		keyB64      string
		expectError bool
	}{
		{name: "valid 32-byte key", keyB64: testKey(7), expectError: false},
		{name: "empty key", keyB64: "", expectError: true},
		{name: "not base64", keyB64: "!!!not-base64!!!", expectError: true},
		{name: "wrong length", keyB64: base64.StdEncoding.EncodeToString([]byte("short")), expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.keyB64)
			if tt.expectError && err == nil {
				t.Error("Open() expected an error")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Open() unexpected error: %v", err)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := Open(testKey(1))
	if err != nil {
		t.Fatalf("Open() unexpected error: %v", err)
	}

	plain := "whsec_very_secret_value"
	sealed, err := box.Encrypt([]byte(plain))
	if err != nil {
		t.Fatalf("Encrypt() unexpected error: %v", err)
	}
	if bytes.Contains(sealed, []byte(plain)) {
		t.Error("Encrypt() output contains the plaintext")
	}

	got, err := box.DecryptString(sealed)
	if err != nil {
		t.Fatalf("DecryptString() unexpected error: %v", err)
	}
	if got != plain {
		t.Errorf("DecryptString() = %q, want %q", got, plain)
	}

	// Same plaintext never seals to the same bytes twice.
	again, err := box.Encrypt([]byte(plain))
	if err != nil {
		t.Fatalf("Encrypt() unexpected error: %v", err)
	}
	if bytes.Equal(sealed, again) {
		t.Error("Encrypt() reused a nonce")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	boxA, err := Open(testKey(1))
	if err != nil {
		t.Fatalf("Open() unexpected error: %v", err)
	}
	boxB, err := Open(testKey(2))
	if err != nil {
		t.Fatalf("Open() unexpected error: %v", err)
	}

	sealed, err := boxA.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() unexpected error: %v", err)
	}
	if _, err := boxB.Decrypt(sealed); err == nil {
		t.Error("Decrypt() accepted ciphertext sealed under a different key")
	}
}

func TestDecryptRejectsTruncated(t *testing.T) {
	box, err := Open(testKey(1))
	if err != nil {
		t.Fatalf("Open() unexpected error: %v", err)
	}
	if _, err := box.Decrypt([]byte{0x01, 0x02}); err == nil {
		t.Error("Decrypt() accepted a sealed value shorter than the nonce")
	}
}

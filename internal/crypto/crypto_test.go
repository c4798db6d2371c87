package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	e, err := NewEncryptor([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	plaintext := []byte(`{"id":"n1","text":"secret note"}`)
	sealed, err := e.Seal(plaintext, "ev-1")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret")) {
		t.Error("ciphertext leaks plaintext")
	}

	opened, err := e.Open(sealed, "ev-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("roundtrip mismatch: %s", opened)
	}
}

func TestOpenRejectsWrongEventID(t *testing.T) {
	e, _ := NewEncryptor([]byte("0123456789abcdef"))

	sealed, err := e.Seal([]byte(`{}`), "ev-1")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := e.Open(sealed, "ev-2"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	e, _ := NewEncryptor([]byte("0123456789abcdef"))

	sealed, err := e.Seal([]byte(`{"a":1}`), "ev-1")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff

	if _, err := e.Open(sealed, "ev-1"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenRejectsShortCiphertext(t *testing.T) {
	e, _ := NewEncryptor([]byte("0123456789abcdef"))

	if _, err := e.Open([]byte("short"), "ev-1"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestNewEncryptorRejectsShortKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestNewEncryptorFromString(t *testing.T) {
	keyStr, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}

	e, err := NewEncryptorFromString(keyStr)
	if err != nil {
		t.Fatalf("NewEncryptorFromString(base64) failed: %v", err)
	}

	sealed, _ := e.Seal([]byte("x"), "ev")
	if _, err := e.Open(sealed, "ev"); err != nil {
		t.Errorf("roundtrip with generated key failed: %v", err)
	}

	// Hex keys are accepted too.
	if _, err := NewEncryptorFromString("00112233445566778899aabbccddeeff"); err != nil {
		t.Errorf("hex key rejected: %v", err)
	}

	if _, err := NewEncryptorFromString("not-a-key!"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestChecksumStable(t *testing.T) {
	a := Checksum([]byte(`{"version":3}`))
	b := Checksum([]byte(`{"version":3}`))
	if !bytes.Equal(a, b) {
		t.Error("checksum not deterministic")
	}
	if bytes.Equal(a, Checksum([]byte(`{"version":4}`))) {
		t.Error("checksum ignores content")
	}
	if len(a) != 32 {
		t.Errorf("checksum length = %d, want 32", len(a))
	}
}

func TestNonceUnique(t *testing.T) {
	e, _ := NewEncryptor([]byte("0123456789abcdef"))

	a, _ := e.Seal([]byte("same"), "ev-1")
	b, _ := e.Seal([]byte("same"), "ev-1")
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext produced identical ciphertext")
	}
}

package vault

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	v, err := NewFromKey(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewFromKey: %v", err)
	}

	plaintext := []byte("hello, vault")
	ciphertext, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	got, err := v.Open(ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	v, _ := NewFromKey(bytes.Repeat([]byte{0x01}, 32))
	ciphertext, _ := v.Seal([]byte("payload"))
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := v.Open(ciphertext); err == nil {
		t.Fatal("expected tamper detection error")
	}
}

func TestOpenDerivesStableKeyAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	v1, err := Open(dir, 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ciphertext, err := v1.Seal([]byte("stable"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	v2, err := Open(dir, 7)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	plaintext, err := v2.Open(ciphertext)
	if err != nil {
		t.Fatalf("Open after reopen: %v", err)
	}
	if string(plaintext) != "stable" {
		t.Fatalf("got %q", plaintext)
	}
}

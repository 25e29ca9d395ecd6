package lolelffs

import (
	"bytes"
	"testing"
)

func TestDeriveUserKeyDeterministic(t *testing.T) {
	var salt [saltSize]byte
	for i := range salt {
		salt[i] = byte(i)
	}
	k1 := deriveUserKey("hunter2", salt, 1000)
	k2 := deriveUserKey("hunter2", salt, 1000)
	if !bytes.Equal(k1, k2) {
		t.Fatalf("deriveUserKey is not deterministic")
	}
	k3 := deriveUserKey("different", salt, 1000)
	if bytes.Equal(k1, k3) {
		t.Fatalf("different passwords produced the same key")
	}
}

func TestWrapUnwrapMasterKey(t *testing.T) {
	userKey := bytes.Repeat([]byte{0x11}, userKeySize)
	masterKey := bytes.Repeat([]byte{0x22}, masterKeySize)

	wrapped, err := wrapMasterKey(userKey, masterKey)
	if err != nil {
		t.Fatalf("wrapMasterKey: %s", err)
	}
	got, err := unwrapMasterKey(userKey, wrapped)
	if err != nil {
		t.Fatalf("unwrapMasterKey: %s", err)
	}
	if !bytes.Equal(got, masterKey) {
		t.Fatalf("unwrap did not recover the original master key")
	}

	wrongKey := bytes.Repeat([]byte{0x33}, userKeySize)
	badUnwrap, err := unwrapMasterKey(wrongKey, wrapped)
	if err != nil {
		t.Fatalf("unwrapMasterKey with wrong key: %s", err)
	}
	if bytes.Equal(badUnwrap, masterKey) {
		t.Fatalf("unwrapping with the wrong key should not recover the master key")
	}
}

func TestEncryptDecryptXTSRoundTrip(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x44}, masterKeySize)
	plaintext := bytes.Repeat([]byte{0x01}, BlockSize)

	ct, err := encryptBlockXTS(masterKey, 7, plaintext)
	if err != nil {
		t.Fatalf("encryptBlockXTS: %s", err)
	}
	if len(ct) != BlockSize {
		t.Fatalf("ciphertext length = %d, want %d", len(ct), BlockSize)
	}
	if bytes.Equal(ct, plaintext) {
		t.Fatalf("ciphertext equals plaintext")
	}
	pt, err := decryptBlockXTS(masterKey, 7, ct)
	if err != nil {
		t.Fatalf("decryptBlockXTS: %s", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch")
	}

	// A different tweak must not decrypt correctly.
	wrongTweak, err := decryptBlockXTS(masterKey, 8, ct)
	if err == nil && bytes.Equal(wrongTweak, plaintext) {
		t.Fatalf("decrypting with the wrong tweak should not reproduce the plaintext")
	}
}

func TestEncryptDecryptChaCha20Poly1305RoundTrip(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x55}, masterKeySize)
	plaintext := bytes.Repeat([]byte{0x02}, BlockSize)

	sealed, err := encryptBlockChaCha20Poly1305(masterKey, 3, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %s", err)
	}
	if len(sealed) != BlockSize+16 {
		t.Fatalf("sealed length = %d, want %d", len(sealed), BlockSize+16)
	}
	got, err := decryptBlockChaCha20Poly1305(masterKey, 3, sealed)
	if err != nil {
		t.Fatalf("decrypt: %s", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch")
	}
}

func TestChaCha20Poly1305TamperFails(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x66}, masterKeySize)
	plaintext := bytes.Repeat([]byte{0x03}, BlockSize)

	sealed, err := encryptBlockChaCha20Poly1305(masterKey, 1, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %s", err)
	}
	sealed[0] ^= 0xFF
	if _, err := decryptBlockChaCha20Poly1305(masterKey, 1, sealed); err == nil {
		t.Fatalf("expected AuthFailed after tampering with ciphertext")
	}

	sealed2, err := encryptBlockChaCha20Poly1305(masterKey, 1, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %s", err)
	}
	sealed2[len(sealed2)-1] ^= 0xFF
	if _, err := decryptBlockChaCha20Poly1305(masterKey, 1, sealed2); err == nil {
		t.Fatalf("expected AuthFailed after tampering with tag")
	}
}

func TestChaCha20Poly1305TruncatedTagIsBrokenAsDesigned(t *testing.T) {
	// encryptBlock truncates the sealed output to BlockSize, discarding the
	// tag, per §9. decryptBlock pads it back out with zeros, which never
	// matches the real tag, so on-disk ChaCha20-Poly1305 never actually
	// authenticates with this layout — it always surfaces as AuthFailed.
	masterKey := bytes.Repeat([]byte{0x77}, masterKeySize)
	plaintext := bytes.Repeat([]byte{0x04}, BlockSize)

	stored, err := encryptBlock(EncChaCha20Poly, masterKey, 5, plaintext)
	if err != nil {
		t.Fatalf("encryptBlock: %s", err)
	}
	if len(stored) != BlockSize {
		t.Fatalf("stored length = %d, want %d", len(stored), BlockSize)
	}
	if _, err := decryptBlock(EncChaCha20Poly, masterKey, 5, stored); err == nil {
		t.Fatalf("expected decryptBlock to fail for ChaCha20-Poly1305 given the truncated tag")
	}
}

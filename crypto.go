package lolelffs

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/aead/xts"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize      = 32
	masterKeySize = 32
	userKeySize   = 32
)

// deriveUserKey re-derives the 32-byte user key from a password and the
// superblock's salt via PBKDF2-HMAC-SHA256, per §4.6.
func deriveUserKey(password string, salt [saltSize]byte, iterations uint32) []byte {
	return pbkdf2.Key([]byte(password), salt[:], int(iterations), userKeySize, sha256.New)
}

// wrapMasterKey encrypts the 32-byte master key as two independent AES-256
// block encryptions (ECB-of-two-blocks). This is a known-weak construction
// kept only for on-disk format compatibility (§9); it does not authenticate
// and should not be imitated for new formats.
func wrapMasterKey(userKey, masterKey []byte) ([masterKeySize]byte, error) {
	var out [masterKeySize]byte
	block, err := aes.NewCipher(userKey)
	if err != nil {
		return out, fmt.Errorf("lolelffs: wrap master key: %w", err)
	}
	block.Encrypt(out[0:16], masterKey[0:16])
	block.Encrypt(out[16:32], masterKey[16:32])
	return out, nil
}

func unwrapMasterKey(userKey []byte, wrapped [masterKeySize]byte) ([]byte, error) {
	block, err := aes.NewCipher(userKey)
	if err != nil {
		return nil, fmt.Errorf("lolelffs: unwrap master key: %w", err)
	}
	out := make([]byte, masterKeySize)
	block.Decrypt(out[0:16], wrapped[0:16])
	block.Decrypt(out[16:32], wrapped[16:32])
	return out, nil
}

// xtsCipher builds the AES-256-XTS cipher for a master key. XTS requires
// two 256-bit keys; the second is derived from the first by SHA-256 of the
// key material, per §4.6.
func xtsCipher(masterKey []byte) (*xts.Cipher, error) {
	key2 := sha256.Sum256(masterKey)
	xtsKey := make([]byte, 0, 64)
	xtsKey = append(xtsKey, masterKey...)
	xtsKey = append(xtsKey, key2[:]...)
	return xts.NewCipher(aes.NewCipher, xtsKey)
}

// encryptBlockXTS encrypts one BlockSize sector, tweaked by the file's
// logical block number (not the physical block), per §4.6.
func encryptBlockXTS(masterKey []byte, logical uint32, plaintext []byte) ([]byte, error) {
	if len(plaintext) != BlockSize {
		return nil, fmt.Errorf("lolelffs: xts encrypt: input is %d bytes, want %d", len(plaintext), BlockSize)
	}
	c, err := xtsCipher(masterKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	c.Encrypt(out, plaintext, uint64(logical))
	return out, nil
}

func decryptBlockXTS(masterKey []byte, logical uint32, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != BlockSize {
		return nil, fmt.Errorf("%w: xts ciphertext is %d bytes, want %d", ErrCorruption, len(ciphertext), BlockSize)
	}
	c, err := xtsCipher(masterKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	c.Decrypt(out, ciphertext, uint64(logical))
	return out, nil
}

// chachaNonce builds the 12-byte nonce per §4.6: first 8 bytes are the
// logical block number little-endian, remaining 4 bytes zero.
func chachaNonce(logical uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(logical))
	return nonce
}

// encryptBlockChaCha20Poly1305 returns ciphertext+16-byte tag for one
// logical block. The caller is responsible for how the (BlockSize+16)-byte
// result is fit into a BlockSize-sized physical slot; see §9's "ChaCha20-
// Poly1305 width" note — this layer only implements the AEAD itself.
func encryptBlockChaCha20Poly1305(masterKey []byte, logical uint32, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("lolelffs: chacha20poly1305: %w", err)
	}
	return aead.Seal(nil, chachaNonce(logical), plaintext, nil), nil
}

func decryptBlockChaCha20Poly1305(masterKey []byte, logical uint32, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("lolelffs: chacha20poly1305: %w", err)
	}
	out, err := aead.Open(nil, chachaNonce(logical), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return out, nil
}

// encryptBlock dispatches to the configured algorithm. For ChaCha20-
// Poly1305, the (BlockSize+16)-byte sealed output is truncated to
// BlockSize before being written to the physical block, reproducing the
// structural compromise documented in §9: authenticated mode with this
// on-disk layout cannot actually authenticate, because the tag never makes
// it to disk. AES-256-XTS does not have this problem since its output is
// exactly BlockSize.
func encryptBlock(algo uint8, masterKey []byte, logical uint32, plaintext []byte) ([]byte, error) {
	switch algo {
	case EncAES256XTS:
		return encryptBlockXTS(masterKey, logical, plaintext)
	case EncChaCha20Poly:
		sealed, err := encryptBlockChaCha20Poly1305(masterKey, logical, plaintext)
		if err != nil {
			return nil, err
		}
		return sealed[:BlockSize], nil
	default:
		return nil, fmt.Errorf("lolelffs: unknown encryption algorithm %d", algo)
	}
}

func decryptBlock(algo uint8, masterKey []byte, logical uint32, ciphertext []byte) ([]byte, error) {
	switch algo {
	case EncAES256XTS:
		return decryptBlockXTS(masterKey, logical, ciphertext)
	case EncChaCha20Poly:
		// The stored slot only ever held BlockSize bytes; the tag was
		// truncated away on write, so Open here always observes the
		// mismatch described in §9 unless the caller has independently
		// reattached a tag via the extent's MetaBlock.
		padded := make([]byte, BlockSize+16)
		copy(padded, ciphertext)
		return decryptBlockChaCha20Poly1305(masterKey, logical, padded)
	default:
		return nil, fmt.Errorf("lolelffs: unknown encryption algorithm %d", algo)
	}
}

// Package crypto provides at-rest encryption for workspace event payloads
// and snapshot integrity checksums. Payloads may carry user content, so when
// a master key is configured the stores seal payload blobs before persisting
// them. Encryption is transparent to the versioning and ordering logic.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals and opens payload blobs with AES-256-GCM. The ciphertext
// is bound to the owning event ID via GCM associated data, so a payload
// cannot be silently moved between log entries.
type Encryptor struct {
	masterKey []byte
	gcm       cipher.AEAD
}

// NewEncryptor creates an encryptor from a master key of at least 16 bytes.
func NewEncryptor(masterKey []byte) (*Encryptor, error) {
	if len(masterKey) < 16 {
		return nil, ErrInvalidKey
	}

	// Derive a 32-byte key for AES-256
	key := deriveKey(masterKey, nil)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{
		masterKey: masterKey,
		gcm:       gcm,
	}, nil
}

// NewEncryptorFromString creates an encryptor from a base64- or hex-encoded
// key, as supplied through configuration.
func NewEncryptorFromString(keyStr string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		key, err = hex.DecodeString(keyStr)
		if err != nil {
			return nil, ErrInvalidKey
		}
	}
	return NewEncryptor(key)
}

// Seal encrypts a payload blob, binding it to eventID. The nonce is
// prepended to the returned ciphertext.
func (e *Encryptor) Seal(plaintext []byte, eventID string) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return e.gcm.Seal(nonce, nonce, plaintext, []byte(eventID)), nil
}

// Open decrypts a blob produced by Seal for the same eventID.
func (e *Encryptor) Open(ciphertext []byte, eventID string) ([]byte, error) {
	nonceSize := e.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, data, []byte(eventID))
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// Checksum hashes a state blob with SHA-256. Stored alongside snapshots and
// verified on load.
func Checksum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// GenerateMasterKey generates a new random master key, base64-encoded.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// deriveKey derives an AES key from the master key using PBKDF2.
func deriveKey(masterKey, salt []byte) []byte {
	if salt == nil {
		salt = []byte("notebase-engine-v1")
	}
	return pbkdf2.Key(masterKey, salt, 10000, 32, sha256.New)
}

package conns

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// AesSymmetricType helps identify which encryption/decryption to use.
	AesSymmetricType = "aes"

	defaultNonceSize = 12 // 12 is the standard

	argon2Scheme     = "{ARGON2ID}"
	argon2Time       = 1
	argon2MemoryKiB  = 64 * 1024
	argon2Threads    = 2
	argon2SaltLength = 16
	argon2HashLength = 32
)

// GetHashWithArgon uses Argon2id to derive a key of hashLength bytes from a
// passphrase and salt. Zero time/thread values are bumped to the minimum.
func GetHashWithArgon(passphrase, salt string, timeConsideration uint32, multiplier uint32, threads uint8, hashLength uint32) []byte {

	if passphrase == "" || salt == "" {
		return nil
	}

	if timeConsideration == 0 {
		timeConsideration = 1
	}
	if multiplier == 0 {
		multiplier = 64
	}
	if threads == 0 {
		threads = 1
	}

	return argon2.IDKey([]byte(passphrase), []byte(salt), timeConsideration, multiplier*1024, threads, hashLength)
}

// HashUserPassword hashes a plaintext userPassword value into the storage
// scheme the MemoryBackend understands: "{ARGON2ID}" + base64(salt) + "$" +
// base64(hash). Returns an error only when entropy is unavailable.
func HashUserPassword(password string) (string, error) {

	salt := make([]byte, argon2SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2MemoryKiB, argon2Threads, argon2HashLength)

	return argon2Scheme +
		base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(hash), nil
}

// VerifyUserPassword compares a candidate password against a stored
// userPassword value in constant time. Stored values without the
// "{ARGON2ID}" scheme prefix are treated as plaintext.
func VerifyUserPassword(stored, candidate string) bool {

	if !strings.HasPrefix(stored, argon2Scheme) {
		return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
	}

	parts := strings.SplitN(strings.TrimPrefix(stored, argon2Scheme), "$", 2)
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	candidateHash := argon2.IDKey([]byte(candidate), salt, argon2Time, argon2MemoryKiB, argon2Threads, uint32(len(hash)))

	return subtle.ConstantTimeCompare(candidateHash, hash) == 1
}

// EncryptWithAes encrypts bytes based on an AES-256 compatible hashed key.
// If nonceSize is less than 12, the standard, 12, is used.
func EncryptWithAes(data, hashedKey []byte, nonceSize int) ([]byte, error) {

	if len(data) == 0 || len(hashedKey) == 0 {
		return nil, errors.New("data or hash can't be zero length")
	}

	if nonceSize < defaultNonceSize {
		nonceSize = defaultNonceSize
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

// DecryptWithAes decrypts bytes based on an AES-256 compatible hashed key.
// If nonceSize is less than 12, the standard, 12, is used.
func DecryptWithAes(data, hashedKey []byte, nonceSize int) ([]byte, error) {

	if len(data) == 0 || len(hashedKey) == 0 {
		return nil, errors.New("data or hash can't be zero length")
	}

	if nonceSize < defaultNonceSize {
		nonceSize = defaultNonceSize
	}

	if len(data) < nonceSize {
		return nil, errors.New("data is shorter than the nonce")
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	return gcm.Open(nil, nonce, ciphertext, nil)
}

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 4096
	saltLength       = 16
)

// Encrypt seals plaintext with key derived from passphrase. Result is
// "salt-nonce-ciphertext", each part hex encoded.
func Encrypt(passphrase string, plaintext []byte) (string, error) {
	if passphrase == "" {
		return "", errors.New("passphrase cannot be empty")
	}
	cipherKey, salt, err := deriveCipherKey(passphrase, nil)
	if err != nil {
		return "", fmt.Errorf("error generating cipher key: %w", err)
	}
	gcm, err := newGCM(cipherKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return "", fmt.Errorf("error generating nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return strings.Join([]string{hex.EncodeToString(salt), hex.EncodeToString(nonce), hex.EncodeToString(ciphertext)}, "-"), nil
}

func Decrypt(passphrase string, data string) ([]byte, error) {
	arr := strings.Split(data, "-")
	if len(arr) != 3 {
		return nil, fmt.Errorf("invalid encrypted data format, expected 3 parts got %d", len(arr))
	}
	parts := make([][]byte, 3)
	for i, s := range arr {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("error decoding hex data: %w", err)
		}
		parts[i] = b
	}
	salt, nonce, ciphertext := parts[0], parts[1], parts[2]

	key, _, err := deriveCipherKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("error deriving cipher key: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("error decrypting data (incorrect passphrase?): %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("error creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, fmt.Errorf("error creating GCM cipher: %w", err)
	}
	return gcm, nil
}

func deriveCipherKey(passphrase string, salt []byte) ([]byte, []byte, error) {
	if salt == nil {
		salt = make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, err
		}
	}
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New), salt, nil
}

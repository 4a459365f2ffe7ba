package chat

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scrypt parameters for deriving the room key from the passphrase.
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	// keySalt fixes the scrypt salt so every client derives the same
	// key from the same passphrase. The passphrase is the only secret.
	keySalt = "ghostchat-v1"
)

// Sentinel is rendered in place of a message body that cannot be
// decrypted, so corrupt or foreign-key data never breaks the view.
const Sentinel = "[message unavailable]"

// Codec encrypts and decrypts message bodies. Neither direction may
// fail the caller: Encrypt degrades to the plaintext (reporting ok =
// false so the record's encrypted flag stays honest), Decrypt degrades
// to the sentinel.
type Codec interface {
	Encrypt(plaintext string) (ciphertext string, ok bool)
	Decrypt(ciphertext string) string
}

// DeriveKey derives the 32-byte room key from the shared passphrase
// using scrypt (N=32768, r=8, p=1). The passphrase is NFKC-normalized
// first so visually identical inputs derive the same key.
func DeriveKey(passphrase string) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), []byte(keySalt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// ZeroKey overwrites the key material in the given slice. Call this
// after handing the key to NewGCMCodec to limit how long the raw bytes
// stay in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// GCMCodec is the AES-256-GCM message body codec. Wire format is
// hex([12-byte IV][ciphertext+tag]).
type GCMCodec struct {
	gcm    cipher.AEAD
	logger *slog.Logger
}

// NewGCMCodec creates a codec from a 32-byte key.
func NewGCMCodec(key []byte, logger *slog.Logger) (*GCMCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &GCMCodec{gcm: gcm, logger: logger}, nil
}

// Encrypt seals the plaintext with a random IV. On internal failure the
// plaintext is returned unchanged with ok = false: the message still
// delivers, confidentiality degrades, and the caller records the true
// outcome in the record's encrypted flag.
func (c *GCMCodec) Encrypt(plaintext string) (string, bool) {
	iv := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		c.logger.Warn("encryption fell back to plaintext", slog.String("error", err.Error()))
		return plaintext, false
	}

	ct := c.gcm.Seal(nil, iv, []byte(plaintext), nil)
	out := make([]byte, len(iv)+len(ct))
	copy(out, iv)
	copy(out[len(iv):], ct)

	return hex.EncodeToString(out), true
}

// Decrypt opens a hex-encoded ciphertext. Malformed input or a key
// mismatch yields the sentinel rather than an error, so rendering never
// breaks on corrupt or foreign-key data.
func (c *GCMCodec) Decrypt(ciphertext string) string {
	data, err := hex.DecodeString(ciphertext)
	if err != nil {
		return Sentinel
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) <= nonceSize {
		return Sentinel
	}

	plain, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return Sentinel
	}

	return string(plain)
}

package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	phoneEncryptionInfo = "recete/phone-encryption/v1"
	phoneLookupInfo     = "recete/phone-lookup/v1"
)

// PhoneCipher encrypts customer phone numbers with a random nonce per value and
// derives a keyed lookup hash. Both subkeys come from one master key via HKDF.
type PhoneCipher struct {
	gcm     cipher.AEAD
	hashKey []byte
}

// NewPhoneCipher derives the encryption and lookup subkeys from keyInput.
func NewPhoneCipher(keyInput string) (*PhoneCipher, error) {
	master, err := parseKey(keyInput)
	if err != nil {
		return nil, err
	}

	encKey, err := deriveSubkey(master, phoneEncryptionInfo)
	if err != nil {
		return nil, err
	}
	hashKey, err := deriveSubkey(master, phoneLookupInfo)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(encKey)
	if err != nil {
		return nil, err
	}
	return &PhoneCipher{gcm: gcm, hashKey: hashKey}, nil
}

// Encrypt encrypts a normalized phone number.
func (c *PhoneCipher) Encrypt(phone string) (string, error) {
	return seal(c.gcm, phone)
}

// Decrypt decrypts a value produced by Encrypt.
func (c *PhoneCipher) Decrypt(encrypted string) (string, error) {
	return open(c.gcm, encrypted)
}

// Hash returns hex(HMAC-SHA256(lookupKey, phone)). It is deterministic and can
// back an indexed lookup column.
func (c *PhoneCipher) Hash(phone string) string {
	mac := hmac.New(sha256.New, c.hashKey)
	mac.Write([]byte(phone))
	return hex.EncodeToString(mac.Sum(nil))
}

func deriveSubkey(master []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return key, nil
}

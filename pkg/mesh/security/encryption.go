package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// encKeyInfo is the domain separator for key derivation. Changing it
// rotates all derived encryption keys without touching the underlying PSKs.
var encKeyInfo = []byte("mesh-encrypt-v1")

// DeriveEncryptionKey derives a 256-bit AES key from a hex-encoded PSK via
// HMAC-SHA256(key=PSK, msg=encKeyInfo). This keeps the raw PSK reserved for
// HMAC authentication while the derived key is used exclusively for
// AES-GCM, giving cryptographic key separation between the two uses.
func DeriveEncryptionKey(pskHex string) ([]byte, error) {
	pskBytes, err := hex.DecodeString(pskHex)
	if err != nil {
		return nil, fmt.Errorf("decode psk: %w", err)
	}
	mac := hmac.New(sha256.New, pskBytes)
	mac.Write(encKeyInfo)
	return mac.Sum(nil), nil
}

// BuildAAD builds additional authenticated data from envelope metadata,
// binding ciphertext to the envelope it was encrypted for so it cannot be
// moved into a different message.
func BuildAAD(msgType, source, target string, ts float64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", msgType, source, target, formatTS(ts)))
}

// formatTS mirrors Python's str(float) rendering closely enough for AAD
// purposes: both sides of a connection compute this from the same float64,
// so any stable, deterministic formatting works as long as it is applied
// consistently.
func formatTS(ts float64) string {
	return fmt.Sprintf("%v", ts)
}

// EncryptPayload encrypts a payload map with AES-256-GCM, returning
// (ciphertextHex, ivHex). The ciphertext includes the 16-byte GCM
// authentication tag.
func EncryptPayload(payload map[string]any, pskHex, msgType, source, target string, ts float64) (string, string, error) {
	encKey, err := DeriveEncryptionKey(pskHex)
	if err != nil {
		return "", "", err
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}

	iv := make([]byte, 12) // 96-bit nonce, recommended for GCM
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return "", "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("new gcm: %w", err)
	}

	aad := BuildAAD(msgType, source, target, ts)
	ciphertext := gcm.Seal(nil, iv, plaintext, aad)

	return hex.EncodeToString(ciphertext), hex.EncodeToString(iv), nil
}

// DecryptPayload decrypts an AES-256-GCM encrypted payload. Returns an
// error on any failure: wrong key, tampered ciphertext, or malformed input.
func DecryptPayload(encryptedHex, ivHex, pskHex, msgType, source, target string, ts float64) (map[string]any, error) {
	encKey, err := DeriveEncryptionKey(pskHex)
	if err != nil {
		return nil, err
	}
	ciphertext, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	aad := BuildAAD(msgType, source, target, ts)
	plaintext, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal plaintext: %w", err)
	}
	return payload, nil
}

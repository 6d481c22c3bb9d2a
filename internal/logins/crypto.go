package logins

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for deriving the at-rest key from the store key.
const (
	kdfTime    = 1
	kdfMemory  = 19 * 1024
	kdfThreads = 1
	saltSize   = 16
)

// keyCheckPlaintext is sealed once per database so a wrong key is detected
// at open time instead of on the first read.
var keyCheckPlaintext = []byte("lockbox key check v1")

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func deriveAEAD(key string, salt []byte) (cipher.AEAD, error) {
	k := argon2.IDKey([]byte(key), salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aead, nil
}

// seal encrypts plaintext bound to aad. The nonce is prepended.
func seal(aead cipher.AEAD, plaintext []byte, aad string) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(aad)), nil
}

func unseal(aead cipher.AEAD, sealed []byte, aad string) ([]byte, error) {
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("sealed value too short (%d bytes)", len(sealed))
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return pt, nil
}

// KeyBundle holds the encryption and HMAC keys used for remote records.
type KeyBundle struct {
	encKey  []byte
	hmacKey []byte
}

// KeyBundleFromSyncKey decodes a base64url sync key (padding optional) of 64
// bytes: the first half encrypts, the second half authenticates.
func KeyBundleFromSyncKey(s string) (*KeyBundle, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyBundle, err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("%w: got %d bytes, want 64", ErrInvalidKeyBundle, len(raw))
	}
	return &KeyBundle{encKey: raw[:32], hmacKey: raw[32:]}, nil
}

// encryptedPayload is the wire form of an encrypted record.
type encryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"IV"`
	HMAC       string `json:"hmac"`
}

func (kb *KeyBundle) mac(ciphertextB64 string) []byte {
	m := hmac.New(sha256.New, kb.hmacKey)
	m.Write([]byte(ciphertextB64))
	return m.Sum(nil)
}

// encrypt produces the JSON payload string for cleartext.
func (kb *KeyBundle) encrypt(cleartext []byte) (string, error) {
	block, err := aes.NewCipher(kb.encKey)
	if err != nil {
		return "", fmt.Errorf("init aes: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad(cleartext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	ctB64 := base64.StdEncoding.EncodeToString(ct)
	p, err := json.Marshal(encryptedPayload{
		Ciphertext: ctB64,
		IV:         base64.StdEncoding.EncodeToString(iv),
		HMAC:       hex.EncodeToString(kb.mac(ctB64)),
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(p), nil
}

// decrypt verifies and decrypts a JSON payload string.
func (kb *KeyBundle) decrypt(payload string) ([]byte, error) {
	var p encryptedPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	want, err := hex.DecodeString(p.HMAC)
	if err != nil || !hmac.Equal(want, kb.mac(p.Ciphertext)) {
		return nil, ErrHMACMismatch
	}

	ct, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(p.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("malformed ciphertext (iv %d bytes, body %d bytes)", len(iv), len(ct))
	}

	block, err := aes.NewCipher(kb.encKey)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("bad padding length %d", len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("bad padding byte %d", n)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("bad padding")
		}
	}
	return b[:len(b)-n], nil
}

package note

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Envelope layout: IV (16) || auth tag (16) || AES-128-CTR ciphertext.
// The tag is HMAC-SHA-256 over IV || ciphertext, truncated to 16 bytes.
const (
	// EncryptionKeyLen is the length of the note-encryption key. The first
	// 16 bytes are the AES-128 key, bytes [16, 31) the HMAC key.
	EncryptionKeyLen = 31

	ivLen       = 16
	tagLen      = 16
	envelopeMin = ivLen + tagLen
)

// ErrNotForMe is the sentinel failure of Decrypt: the envelope did not
// authenticate under this key. Scanners treat it as "someone else's note",
// never as a fault.
var ErrNotForMe = fmt.Errorf("note envelope does not authenticate under this key")

// Encrypt seals a note's spending data for its owner.
//
// The plaintext is the pipe-delimited tuple
// "<amount>|<blinding>|<index>|<assetTag>" in UTF-8. Anyone holding the
// 31-byte encryption key can recover it; everyone else learns nothing and
// cannot forge an envelope that authenticates.
func Encrypt(key []byte, n *Note) ([]byte, error) {
	aesKey, hmacKey, err := splitKey(key)
	if err != nil {
		return nil, err
	}

	plaintext := fmt.Sprintf("%d|%s|%d|%s", n.Amount, n.Blinding.String(), n.Index, n.AssetTag.String())

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("iv randomness unavailable: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes init failed: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, []byte(plaintext))

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)[:tagLen]

	out := make([]byte, 0, envelopeMin+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt opens an envelope and parses the note plaintext.
//
// Returns ErrNotForMe when the envelope is malformed or the auth tag does
// not verify; callers must treat that as a per-note skip, not an error.
// The tag comparison is constant time.
func Decrypt(key []byte, envelope []byte) (*Note, error) {
	aesKey, hmacKey, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	if len(envelope) < envelopeMin {
		return nil, ErrNotForMe
	}

	iv := envelope[:ivLen]
	tag := envelope[ivLen : ivLen+tagLen]
	ciphertext := envelope[envelopeMin:]

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	if !hmac.Equal(tag, mac.Sum(nil)[:tagLen]) {
		return nil, ErrNotForMe
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes init failed: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	return parsePlaintext(string(plaintext))
}

func splitKey(key []byte) (aesKey, hmacKey []byte, err error) {
	if len(key) != EncryptionKeyLen {
		return nil, nil, fmt.Errorf("encryption key must be %d bytes, got %d", EncryptionKeyLen, len(key))
	}
	return key[:16], key[16:EncryptionKeyLen], nil
}

// parsePlaintext splits "<amount>|<blinding>|<index>|<assetTag>". A parse
// failure after a valid auth tag means the key is right but the plaintext
// is not a note; surface it as ErrNotForMe too so scans stay silent.
func parsePlaintext(s string) (*Note, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return nil, ErrNotForMe
	}

	amount, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, ErrNotForMe
	}
	blinding, ok := new(big.Int).SetString(parts[1], 10)
	if !ok || blinding.Sign() < 0 {
		return nil, ErrNotForMe
	}
	index, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return nil, ErrNotForMe
	}
	assetTag, ok := new(big.Int).SetString(parts[3], 10)
	if !ok || assetTag.Sign() < 0 {
		return nil, ErrNotForMe
	}

	return &Note{
		Amount:   amount,
		Blinding: blinding,
		AssetTag: assetTag,
		Index:    index,
	}, nil
}

package tempest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"sync"

	"go.uber.org/zap"
)

// HMACTagSize is the trailing signature length for an authenticated
// frame: SHA-256's output size (spec.md §9, open question #2 — the
// signature is defined as the trailing HMACTagSize bytes of the
// frame, not an incidental reader read).
const HMACTagSize = sha256.Size

// ivSize is the AES block size used both as the cipher block size
// and the IV length (spec.md §4.2/§4.3).
const ivSize = aes.BlockSize

// CryptoEnvelope implements C3: per-connection symmetric encryption
// and HMAC signing established by a prior handshake. A connection's
// key material is guarded by its own mutex so receive-side decoding
// can proceed concurrently with a send encoding, while IV generation
// and cipher construction remain one atomic section (spec.md §4.3,
// §5).
type CryptoEnvelope struct {
	mu      sync.Mutex
	aesKey  []byte
	hmacKey []byte
	log     *zap.Logger
}

// NewCryptoEnvelope builds an envelope from keys established by the
// handshake (spec.md §6). aesKey must be 16, 24, or 32 bytes.
func NewCryptoEnvelope(aesKey, hmacKey []byte, log *zap.Logger) *CryptoEnvelope {
	if log == nil {
		log = zap.NewNop()
	}
	return &CryptoEnvelope{aesKey: aesKey, hmacKey: hmacKey, log: log}
}

// Encrypt pads, then AES-CBC-encrypts, the writer's payload region
// starting at headerLength, replacing it with a freshly generated IV
// followed by the ciphertext. It returns the new header length
// (headerLength + ivSize), matching spec.md §4.3's "update
// headerLength += ivLength".
func (e *CryptoEnvelope) Encrypt(w *Writer, headerLength int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	block, err := aes.NewCipher(e.aesKey)
	if err != nil {
		return 0, err
	}

	payload := append([]byte(nil), w.Bytes()[headerLength:]...)
	padded := pkcs7Pad(payload, ivSize)

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return 0, err
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	w.Truncate(headerLength)
	w.WriteRawBytes(iv)
	w.WriteRawBytes(ciphertext)

	return headerLength + ivSize, nil
}

// Decrypt decrypts ciphertext (the bytes between the frame's header
// and its trailing HMAC tag, if any) using iv, and returns the
// recovered plaintext payload bytes.
func (e *CryptoEnvelope) Decrypt(iv, ciphertext []byte) ([]byte, error) {
	e.mu.Lock()
	block, err := aes.NewCipher(e.aesKey)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(iv) != ivSize || len(ciphertext) == 0 || len(ciphertext)%ivSize != 0 {
		e.log.Error("malformed ciphertext", zap.Int("ivLen", len(iv)), zap.Int("ctLen", len(ciphertext)))
		return nil, ErrMalformedFrame
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, ivSize)
	if err != nil {
		e.log.Error("padding check failed during decrypt", zap.Error(err))
		return nil, ErrMalformedFrame
	}
	return unpadded, nil
}

// Sign computes the HMAC-SHA256 tag over data.
func (e *CryptoEnvelope) Sign(data []byte) []byte {
	e.mu.Lock()
	key := e.hmacKey
	e.mu.Unlock()
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify checks an HMAC-SHA256 tag in constant time with respect to
// the position of the first mismatching byte (spec.md §4.3 invariant
// 6): every byte of both slices is compared via an OR accumulator, so
// there is no early return on mismatch.
func (e *CryptoEnvelope) Verify(data, tag []byte) error {
	if len(tag) != HMACTagSize {
		return ErrAuthenticationFailed
	}
	expected := e.Sign(data)
	if !constantTimeEqual(expected, tag) {
		e.log.Error("hmac verification failed")
		return ErrAuthenticationFailed
	}
	return nil
}

// constantTimeEqual reports whether a and b are equal, comparing
// every byte regardless of where the first mismatch occurs.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// pkcs7Pad pads data to a multiple of blockSize using PKCS#7 padding.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad strips PKCS#7 padding, validating that the padding bytes
// are well-formed.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrMalformedFrame
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrMalformedFrame
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrMalformedFrame
		}
	}
	return data[:len(data)-padLen], nil
}

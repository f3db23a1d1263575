package wireproto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/xerrors"
)

// deriveKey hashes key down to a 256 bit AES key with SHA-256, so callers
// can construct a protocol from an arbitrary textual passphrase rather
// than a raw key of the right length.
func deriveKey(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:]
}

// pkcs7Pad pads b to a multiple of blockSize using PKCS#7 padding.
func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// pkcs7Unpad strips PKCS#7 padding from b, validating its shape.
func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, xerrors.New("wireproto: invalid padded ciphertext length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, xerrors.New("wireproto: invalid PKCS#7 padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, xerrors.New("wireproto: invalid PKCS#7 padding")
		}
	}
	return b[:len(b)-n], nil
}

// encryptCFB pads plaintext to an AES block boundary and encrypts it
// with AES-CFB under key, prepending a fresh random IV to the result.
func encryptCFB(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Errorf("wireproto: failed to create AES cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, xerrors.Errorf("wireproto: failed to generate IV: %w", err)
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(out[aes.BlockSize:], padded)
	return out, nil
}

// decryptCFB reverses encryptCFB.
func decryptCFB(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aes.BlockSize {
		return nil, xerrors.New("wireproto: ciphertext shorter than one IV")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Errorf("wireproto: failed to create AES cipher: %w", err)
	}

	iv := ciphertext[:aes.BlockSize]
	body := ciphertext[aes.BlockSize:]
	if len(body)%aes.BlockSize != 0 {
		return nil, xerrors.New("wireproto: ciphertext is not block aligned")
	}

	plain := make([]byte, len(body))
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(plain, body)

	return pkcs7Unpad(plain, aes.BlockSize)
}

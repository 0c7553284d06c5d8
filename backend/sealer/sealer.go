// Package sealer provides the encryption-at-rest codec wrapped around room
// and registry records before they touch the cache, plus the salted hasher
// used for registry keys. Keys are loaded once at construction; there is no
// lazy global state.
package sealer

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

var (
	ErrKeySize      = errors.New("aes key must be 16, 24 or 32 bytes")
	ErrMissingKey   = errors.New("encryption key is required on production instances")
	ErrShortMessage = errors.New("sealed message is too short")
	ErrBadDigest    = errors.New("sealed message digest mismatch")
	ErrBadLength    = errors.New("sealed message length field is invalid")
)

// Codec mirrors model.Codec. Declared here as well so the package stands on
// its own for registry use.
type Codec interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Plaintext passes data through unchanged. It is substituted when no key is
// configured on a non-production instance so local runs match production
// behavior minus the crypto. Tests rely on this parity.
type Plaintext struct{}

func (Plaintext) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }

func (Plaintext) Open(sealed []byte) ([]byte, error) { return sealed, nil }

// AES seals values as
//
//	iv + CBC(key, iv, digest + length + message + padding)
//
// where digest is the SHA-256 of everything after it and length is the
// big-endian int64 byte length of message. Padding aligns the ciphertext to
// the block size. Open verifies the digest and the length field; any
// mismatch means the stored value is corrupt and must not be retried.
type AES struct {
	key []byte
}

func NewAES(key []byte) (*AES, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrKeySize
	}
	return &AES{key: key}, nil
}

func (a *AES) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err = rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	content := make([]byte, 8, 8+len(plaintext)+aes.BlockSize)
	binary.BigEndian.PutUint64(content, uint64(len(plaintext)))
	content = append(content, plaintext...)

	padLen := aes.BlockSize - len(content)%aes.BlockSize
	content = append(content, bytes.Repeat([]byte{byte(padLen)}, padLen)...)

	digest := sha256.Sum256(content)

	// digest is 32 bytes and content is block-aligned, so body is too
	body := make([]byte, 0, sha256.Size+len(content))
	body = append(body, digest[:]...)
	body = append(body, content...)

	out := make([]byte, len(iv)+len(body))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(iv):], body)
	return out, nil
}

func (a *AES) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < aes.BlockSize {
		return nil, ErrShortMessage
	}
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	iv := sealed[:aes.BlockSize]
	body := sealed[aes.BlockSize:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, ErrShortMessage
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	if len(plain) < sha256.Size+8 {
		return nil, ErrShortMessage
	}
	digest := plain[:sha256.Size]
	content := plain[sha256.Size:]

	sum := sha256.Sum256(content)
	if !bytes.Equal(digest, sum[:]) {
		return nil, ErrBadDigest
	}
	msgLen := binary.BigEndian.Uint64(content[:8])
	if msgLen > uint64(len(content)-8) {
		return nil, ErrBadLength
	}
	return content[8 : 8+msgLen], nil
}

// Hasher produces salted SHA-256 digests for registry record keys, keeping
// raw identifiers out of the cache keyspace.
type Hasher struct {
	salt []byte
}

func NewHasher(salt []byte) *Hasher {
	return &Hasher{salt: salt}
}

func (h *Hasher) SaltedHash(msg []byte) []byte {
	sum := sha256.Sum256(append(append([]byte{}, h.salt...), msg...))
	return sum[:]
}

// Load builds the codec and hasher from the configured key and salt files.
// A missing key file selects the plaintext codec on non-production
// instances and is a hard error in production.
func Load(keyPath, saltPath string, production bool) (Codec, *Hasher, error) {
	var codec Codec = Plaintext{}
	key, err := readFile(keyPath)
	switch {
	case err != nil && production:
		return nil, nil, errors.Join(ErrMissingKey, err)
	case err == nil:
		if codec, err = NewAES(key); err != nil {
			return nil, nil, err
		}
	}

	salt, err := readFile(saltPath)
	if err != nil {
		if production {
			return nil, nil, fmt.Errorf("load hash salt: %w", err)
		}
		salt = nil
	}
	return codec, NewHasher(salt), nil
}

func readFile(path string) ([]byte, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty file at %s", path)
	}
	return b, nil
}

// Package crypto provides the transport cryptography of Secret Service
// sessions and helpers for handling sensitive memory.
//
// Secrets returned by an org.freedesktop.Secret provider are encrypted with
// a key negotiated per session, using the
// "dh-ietf1024-sha256-aes128-cbc-pkcs7" algorithm:
//
//   - Diffie-Hellman over the RFC 2409 1024-bit MODP group
//   - HKDF-SHA256 over the shared secret, no salt and no info, 16 bytes
//   - AES-128-CBC with PKCS#7 padding, the IV travels as the secret parameters
//
// # Example Usage
//
//	s, err := crypto.NewDHSession()
//	// send s.PublicKey() with OpenSession, then
//	err = s.Derive(serverPublicKey)
//	plaintext, err := s.Decrypt(iv, ciphertext)
//	defer s.Close()
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

const (
	// AlgorithmDH is the Secret Service name of the encrypted session.
	AlgorithmDH = "dh-ietf1024-sha256-aes128-cbc-pkcs7"

	// AlgorithmPlain is the Secret Service name of the unencrypted session.
	AlgorithmPlain = "plain"

	// KeyLength is the AES key length in bytes (128 bits).
	KeyLength = 16

	// groupBytes is the size of the MODP group in bytes.
	groupBytes = 128
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidPeerKey indicates a public key outside (1, p-1).
	ErrInvalidPeerKey = errors.New("crypto: invalid peer public key")

	// ErrNoKey indicates Decrypt or Encrypt was called before Derive.
	ErrNoKey = errors.New("crypto: session key not derived")

	// ErrInvalidPadding indicates the plaintext is not PKCS#7 padded.
	ErrInvalidPadding = errors.New("crypto: invalid padding")

	// ErrInvalidIV indicates an IV that is not one AES block long.
	ErrInvalidIV = errors.New("crypto: invalid IV length")

	// ErrCiphertextLength indicates a ciphertext that is not a whole number of blocks.
	ErrCiphertextLength = errors.New("crypto: ciphertext is not a multiple of the block size")
)

// RFC 2409 section 6.2, Second Oakley Group.
var (
	modpPrime, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1"+
			"29024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
			"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245"+
			"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
			"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381"+
			"FFFFFFFFFFFFFFFF", 16)
	modpGenerator = big.NewInt(2)
)

// DHSession holds one side of a Secret Service key agreement.
type DHSession struct {
	private *big.Int
	public  *big.Int
	key     []byte
}

// NewDHSession generates a key pair.
func NewDHSession() (*DHSession, error) {
	return newDHSession(rand.Reader)
}

func newDHSession(r io.Reader) (*DHSession, error) {
	// private in [2, p-2]
	limit := new(big.Int).Sub(modpPrime, big.NewInt(3))
	private, err := rand.Int(r, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	private.Add(private, big.NewInt(2))

	return &DHSession{
		private: private,
		public:  new(big.Int).Exp(modpGenerator, private, modpPrime),
	}, nil
}

// PublicKey returns the big-endian public key sent with OpenSession.
func (s *DHSession) PublicKey() []byte {
	return s.public.Bytes()
}

// Derive computes the session key from the peer's public key.
func (s *DHSession) Derive(peer []byte) error {
	y := new(big.Int).SetBytes(peer)
	upper := new(big.Int).Sub(modpPrime, big.NewInt(1))
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(upper) >= 0 {
		return ErrInvalidPeerKey
	}

	shared := new(big.Int).Exp(y, s.private, modpPrime).FillBytes(make([]byte, groupBytes))
	defer SecureWipe(shared)

	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return fmt.Errorf("failed to derive session key: %w", err)
	}
	s.key = key
	return nil
}

// Decrypt decrypts a secret value with the session key.
func (s *DHSession) Decrypt(iv, ciphertext []byte) ([]byte, error) {
	if s.key == nil {
		return nil, ErrNoKey
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrInvalidIV
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrCiphertextLength
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	out, err := unpad(plaintext)
	if err != nil {
		SecureWipe(plaintext)
		return nil, err
	}
	return out, nil
}

// Encrypt encrypts plaintext with the session key and a fresh IV.
func (s *DHSession) Encrypt(plaintext []byte) (iv, ciphertext []byte, err error) {
	if s.key == nil {
		return nil, nil, ErrNoKey
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv = make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	padded := pad(plaintext)
	defer SecureWipe(padded)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return iv, ciphertext, nil
}

// Close wipes the session key.
func (s *DHSession) Close() {
	SecureWipe(s.key)
	s.key = nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
// Used for passwords, session keys and decrypted secrets.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}

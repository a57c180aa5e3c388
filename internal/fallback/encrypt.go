package fallback

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

// encryptHybrid implements the wire format the fallback upload dump uses:
// a random AES-256 key encrypts the payload under GCM, and the AES key
// itself is wrapped with the server's RSA public key under OAEP-SHA256.
//
// Layout: [4 bytes big-endian key length][wrapped key][12-byte GCM nonce][ciphertext]
func encryptHybrid(data []byte, pub *rsa.PublicKey) ([]byte, error) {
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, aesKey); err != nil {
		return nil, fmt.Errorf("fallback: generate aes key: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("fallback: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fallback: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("fallback: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, data, nil)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, fmt.Errorf("fallback: wrap aes key: %w", err)
	}

	out := make([]byte, 0, 4+len(wrappedKey)+len(nonce)+len(ciphertext))
	keyLen := make([]byte, 4)
	binary.BigEndian.PutUint32(keyLen, uint32(len(wrappedKey)))
	out = append(out, keyLen...)
	out = append(out, wrappedKey...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// loadServerPublicKey parses a PEM-encoded RSA public key.
func loadServerPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("fallback: no PEM block found in server public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("fallback: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("fallback: server public key is not RSA")
	}
	return rsaPub, nil
}

// Package secure implements the station's crypto: X25519 key handling,
// symmetric contact-info sealing for discovery, hybrid encryption for
// relay payloads, and the proof material for the peer handshake.
package secure

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/encryptedmeshlink/station/internal/proto"
)

// ErrDecrypt is returned for any ciphertext that fails to open: wrong
// key, truncated blob, or a forged/tampered payload.
var ErrDecrypt = errors.New("secure: decrypt failed")

const (
	contactInfoLabel = "encryptedmeshlink/contact-info/v1"
	relayLabel       = "encryptedmeshlink/relay/v1"
	handshakeLabel   = "encryptedmeshlink/handshake/v1"

	pubKeySize = 32 // X25519 public key length
)

// GenerateKeyPair creates a fresh X25519 key pair and returns both
// halves PEM-encoded (PKIX public, PKCS#8 private).
func GenerateKeyPair() (pubPEM, privPEM string, err error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}

	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	return pubPEM, privPEM, nil
}

// ParsePublicKey decodes a PEM "PUBLIC KEY" block into an X25519 key.
func ParsePublicKey(pemStr string) (*ecdh.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("secure: no PUBLIC KEY block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*ecdh.PublicKey)
	if !ok {
		return nil, fmt.Errorf("secure: unexpected public key type %T", key)
	}
	return pub, nil
}

// ParsePrivateKey decodes a PEM "PRIVATE KEY" block into an X25519 key.
func ParsePrivateKey(pemStr string) (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("secure: no PRIVATE KEY block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(*ecdh.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("secure: unexpected private key type %T", key)
	}
	return priv, nil
}

// ValidateKeyPair checks that the PEM public key is the one derived
// from the PEM private key.
func ValidateKeyPair(pubPEM, privPEM string) error {
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		return err
	}
	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		return err
	}
	if !priv.PublicKey().Equal(pub) {
		return errors.New("secure: public key does not match private key")
	}
	return nil
}

// deriveKey stretches input key material into a ChaCha20-Poly1305 key.
func deriveKey(secret []byte, label string, context ...[]byte) ([]byte, error) {
	info := []byte(label)
	for _, c := range context {
		info = append(info, c...)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// EncryptContactInfo seals contact info with the pre-shared discovery
// secret and returns it base64-encoded. Output layout: nonce || box.
func EncryptContactInfo(ci proto.ContactInfo, sharedSecret string) (string, error) {
	plaintext, err := json.Marshal(ci)
	if err != nil {
		return "", fmt.Errorf("marshal contact info: %w", err)
	}

	key, err := deriveKey([]byte(sharedSecret), contactInfoLabel)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	box := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(box), nil
}

// DecryptContactInfo opens a blob produced by EncryptContactInfo.
// Any failure (bad base64, truncation, wrong secret, tampering)
// surfaces as ErrDecrypt.
func DecryptContactInfo(blob string, sharedSecret string) (proto.ContactInfo, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return proto.ContactInfo{}, ErrDecrypt
	}

	key, err := deriveKey([]byte(sharedSecret), contactInfoLabel)
	if err != nil {
		return proto.ContactInfo{}, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return proto.ContactInfo{}, fmt.Errorf("init cipher: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return proto.ContactInfo{}, ErrDecrypt
	}
	nonce, box := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return proto.ContactInfo{}, ErrDecrypt
	}

	var ci proto.ContactInfo
	if err := json.Unmarshal(plaintext, &ci); err != nil {
		return proto.ContactInfo{}, ErrDecrypt
	}
	return ci, nil
}

// EncryptMessage encrypts a relay payload for the recipient: an
// ephemeral X25519 key agrees on a one-time secret with the recipient
// key, HKDF binds both public keys into the derived key, and the
// payload is sealed with ChaCha20-Poly1305.
// Output layout: ephemeral pub (32) || nonce || box.
func EncryptMessage(plaintext []byte, recipient *ecdh.PublicKey) ([]byte, error) {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}

	shared, err := eph.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	key, err := deriveKey(shared, relayLabel, eph.PublicKey().Bytes(), recipient.Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, 0, pubKeySize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, eph.PublicKey().Bytes()...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// DecryptMessage opens a payload produced by EncryptMessage with the
// station's own private key. Failures surface as ErrDecrypt.
func DecryptMessage(ciphertext []byte, own *ecdh.PrivateKey) ([]byte, error) {
	aeadNonce := chacha20poly1305.NonceSize
	if len(ciphertext) < pubKeySize+aeadNonce {
		return nil, ErrDecrypt
	}

	ephPub, err := ecdh.X25519().NewPublicKey(ciphertext[:pubKeySize])
	if err != nil {
		return nil, ErrDecrypt
	}
	nonce := ciphertext[pubKeySize : pubKeySize+aeadNonce]
	box := ciphertext[pubKeySize+aeadNonce:]

	shared, err := own.ECDH(ephPub)
	if err != nil {
		return nil, ErrDecrypt
	}

	key, err := deriveKey(shared, relayLabel, ephPub.Bytes(), own.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// SessionProof computes the handshake MAC both stations exchange to
// prove possession of the private key behind their advertised public
// key. The key is derived from the static-static agreement, so only
// the two key holders can produce or verify it. label separates the
// initiator and responder directions.
func SessionProof(own *ecdh.PrivateKey, peer *ecdh.PublicKey, label string, nonceA, nonceB []byte) ([]byte, error) {
	shared, err := own.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	key, err := deriveKey(shared, handshakeLabel)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(label))
	mac.Write(nonceA)
	mac.Write(nonceB)
	return mac.Sum(nil), nil
}

// VerifySessionProof checks a handshake MAC in constant time.
func VerifySessionProof(own *ecdh.PrivateKey, peer *ecdh.PublicKey, label string, nonceA, nonceB, proof []byte) bool {
	want, err := SessionProof(own, peer, label, nonceA, nonceB)
	if err != nil {
		return false
	}
	return hmac.Equal(want, proof)
}

// NewNonce returns 32 bytes of randomness for the handshake.
func NewNonce() ([]byte, error) {
	n := make([]byte, 32)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return n, nil
}

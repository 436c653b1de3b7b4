// Package envelope encrypts the verification payload separately for each
// institution so that either bank can check it with only its own private key.
package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKey is returned when PEM key material cannot be parsed.
	ErrInvalidKey = errors.New("invalid key material")
	// ErrDecrypt is returned when a ciphertext cannot be opened with the given key.
	ErrDecrypt = errors.New("decryption failed")
	// ErrMalformedPayload is returned when decrypted bytes are not a payload.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Payload is the record both institutions must independently recover.
type Payload struct {
	SessionID   string `json:"sessionId"`
	MerchantID  string `json:"merchantId"`
	PayerUserID string `json:"payerUserId"`
	CreatedAt   int64  `json:"createdAt"`
}

// Matches reports whether the identifying fields equal want's.
func (p Payload) Matches(want Payload) bool {
	return p.SessionID == want.SessionID &&
		p.MerchantID == want.MerchantID &&
		p.PayerUserID == want.PayerUserID
}

// Pair holds the two independently encrypted copies of one payload.
type Pair struct {
	Origin      string
	Destination string
}

// EncryptForBoth encrypts payload under each public key. OAEP is randomized, so
// the two ciphertexts differ even when the keys are equal.
func EncryptForBoth(payload Payload, originPub, destinationPub *rsa.PublicKey) (Pair, error) {
	origin, err := Encrypt(payload, originPub)
	if err != nil {
		return Pair{}, fmt.Errorf("encrypt for origin: %w", err)
	}
	destination, err := Encrypt(payload, destinationPub)
	if err != nil {
		return Pair{}, fmt.Errorf("encrypt for destination: %w", err)
	}
	return Pair{Origin: origin, Destination: destination}, nil
}

// Encrypt seals payload with RSA-OAEP/SHA-256 and returns base64 ciphertext.
func Encrypt(payload Payload, pub *rsa.PublicKey) (string, error) {
	if pub == nil {
		return "", ErrInvalidKey
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sealed, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plain, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 ciphertext produced by Encrypt.
func Decrypt(ciphertext string, priv *rsa.PrivateKey) (Payload, error) {
	if priv == nil {
		return Payload{}, ErrInvalidKey
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), nil, priv, sealed, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return p, nil
}

// ParsePublicKey accepts a PKIX PEM block or its bare base64 body.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	der, err := decodePEM(pemText, "PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", ErrInvalidKey)
	}
	return pub, nil
}

// ParsePrivateKey accepts a PKCS#8 PEM block or its bare base64 body.
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	der, err := decodePEM(pemText, "PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA private key", ErrInvalidKey)
	}
	return priv, nil
}

// GenerateKeyPair creates a fresh RSA key pair and returns it PEM encoded.
func GenerateKeyPair(bits int) (publicPEM, privatePEM string, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", err
	}
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	return publicPEM, privatePEM, nil
}

func decodePEM(text, blockType string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrInvalidKey
	}
	if !strings.Contains(text, "-----BEGIN") {
		text = fmt.Sprintf("-----BEGIN %s-----\n%s\n-----END %s-----", blockType, text, blockType)
	}
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	return block.Bytes, nil
}

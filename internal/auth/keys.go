package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/crypto/ssh"
)

// ErrUnsupportedKey is returned for key material that cannot be parsed or
// uses an algorithm other than RSA, ECDSA or Ed25519.
var ErrUnsupportedKey = errors.New("auth: unsupported key")

// PrivateKey signs update digests.
type PrivateKey struct {
	key crypto.Signer
	pub *PublicKey
}

// ParsePrivateKey reads a PEM (PKCS#1, SEC 1, PKCS#8) or OpenSSH private key.
func ParsePrivateKey(data []byte) (*PrivateKey, error) {
	var (
		raw any
		err error
	)
	if strings.Contains(string(data), "BEGIN OPENSSH PRIVATE KEY") {
		raw, err = ssh.ParseRawPrivateKey(data)
	} else {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no PEM block", ErrUnsupportedKey)
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			raw, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			raw, err = x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			raw, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		default:
			return nil, fmt.Errorf("%w: PEM type %q", ErrUnsupportedKey, block.Type)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}

	var signer crypto.Signer
	switch k := raw.(type) {
	case *rsa.PrivateKey:
		signer = k
	case *ecdsa.PrivateKey:
		signer = k
	case ed25519.PrivateKey:
		signer = k
	case *ed25519.PrivateKey:
		signer = *k
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, raw)
	}

	pub, err := newPublicKey(signer.Public())
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: signer, pub: pub}, nil
}

// Public returns the matching public key.
func (k *PrivateKey) Public() *PublicKey {
	return k.pub
}

// Sign signs the SHA-256 digest of msg.
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	switch key := k.key.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(rand.Reader, key, digest[:])
	case ed25519.PrivateKey:
		return ed25519.Sign(key, digest[:]), nil
	default:
		return nil, ErrUnsupportedKey
	}
}

// PublicKey verifies signatures produced by the matching PrivateKey.
type PublicKey struct {
	key  crypto.PublicKey
	text string
}

// ParsePublicKey reads a PEM ("PUBLIC KEY", "RSA PUBLIC KEY") or OpenSSH
// authorized_keys line.
func ParsePublicKey(text string) (*PublicKey, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "ssh-") || strings.HasPrefix(trimmed, "ecdsa-") {
		sshKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(trimmed))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		cpk, ok := sshKey.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, sshKey.Type())
		}
		pub, err := newPublicKey(cpk.CryptoPublicKey())
		if err != nil {
			return nil, err
		}
		pub.text = text
		return pub, nil
	}

	block, _ := pem.Decode([]byte(trimmed))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrUnsupportedKey)
	}
	var (
		raw any
		err error
	)
	switch block.Type {
	case "PUBLIC KEY":
		raw, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		raw, err = x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: PEM type %q", ErrUnsupportedKey, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	pub, err := newPublicKey(raw)
	if err != nil {
		return nil, err
	}
	pub.text = text
	return pub, nil
}

func newPublicKey(raw crypto.PublicKey) (*PublicKey, error) {
	switch raw.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, raw)
	}
	der, err := x509.MarshalPKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	text := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return &PublicKey{key: raw, text: text}, nil
}

// Verify checks sig over the SHA-256 digest of msg.
func (p *PublicKey) Verify(msg, sig []byte) bool {
	digest := sha256.Sum256(msg)
	switch key := p.key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(key, digest[:], sig)
	case ed25519.PublicKey:
		return ed25519.Verify(key, digest[:], sig)
	default:
		return false
	}
}

// Equal reports whether both hold the same key, regardless of encoding.
func (p *PublicKey) Equal(other *PublicKey) bool {
	if p == nil || other == nil {
		return false
	}
	eq, ok := p.key.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(other.key)
}

// String returns the key text as it was supplied, or PKIX PEM for derived keys.
func (p *PublicKey) String() string {
	return p.text
}

// GenerateKeyPair creates an Ed25519 key pair encoded as PKCS#8 and PKIX PEM.
func GenerateKeyPair() (privatePEM, publicPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}

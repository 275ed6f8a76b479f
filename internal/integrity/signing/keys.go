package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// Algorithm tags stored alongside every signature.
const (
	AlgorithmRSAPSS    = "RSA-PSS-SHA256"
	AlgorithmECDSAP256 = "ECDSA-P256-SHA256"
	DefaultAlgorithm   = AlgorithmRSAPSS
	defaultRSABits     = 3072
	minRSABits         = 2048
	pemTypePrivateKey  = "PRIVATE KEY"
	pemTypePublicKey   = "PUBLIC KEY"
	keyIDLength        = 16
)

// KeyMaterial is the persisted form of a key pair.
type KeyMaterial struct {
	PrivatePEM []byte
	PublicPEM  []byte
}

// IsZero reports whether no material is present.
func (m KeyMaterial) IsZero() bool {
	return len(m.PrivatePEM) == 0 && len(m.PublicPEM) == 0
}

// SupportedAlgorithm reports whether alg is a known signature algorithm tag.
func SupportedAlgorithm(alg string) bool {
	return alg == AlgorithmRSAPSS || alg == AlgorithmECDSAP256
}

func generateKey(alg string, rsaBits int) (crypto.Signer, error) {
	switch alg {
	case AlgorithmRSAPSS:
		if rsaBits < minRSABits {
			rsaBits = defaultRSABits
		}
		return rsa.GenerateKey(rand.Reader, rsaBits)
	case AlgorithmECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}

func marshalKeyMaterial(key crypto.Signer) (KeyMaterial, error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("marshal private key: %w", err)
	}
	pubPEM, err := marshalPublicKey(key.Public())
	if err != nil {
		return KeyMaterial{}, err
	}
	return KeyMaterial{
		PrivatePEM: pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: privDER}),
		PublicPEM:  pubPEM,
	}, nil
}

func marshalPublicKey(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != pemTypePrivateKey {
		return nil, errors.New("private key PEM block not found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

// ParsePublicKey decodes a PKIX public key PEM.
func ParsePublicKey(pemBytes []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != pemTypePublicKey {
		return nil, errors.New("public key PEM block not found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// algorithmFor picks the signature algorithm implied by a key's type.
func algorithmFor(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < minRSABits {
			return "", fmt.Errorf("rsa key too small: %d bits", k.N.BitLen())
		}
		return AlgorithmRSAPSS, nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return "", fmt.Errorf("unsupported ecdsa curve %s", k.Curve.Params().Name)
		}
		return AlgorithmECDSAP256, nil
	default:
		return "", fmt.Errorf("unsupported key type %T", key)
	}
}

// Fingerprint returns a short stable identifier for a public key.
func Fingerprint(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:keyIDLength], nil
}

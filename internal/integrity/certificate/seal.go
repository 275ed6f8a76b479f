package certificate

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"clearbook/internal/integrity/signing"
)

const tokenIssuer = "clearbook"

// ErrInvalidToken wraps every failure to open a sealed certificate.
var ErrInvalidToken = errors.New("invalid certificate token")

type claims struct {
	Certificate Certificate `json:"certificate"`
	jwt.RegisteredClaims
}

// Seal signs the certificate as a compact JWT so it can be checked offline
// against the portal's public key.
func Seal(cert Certificate, signer *signing.Signer) (string, error) {
	c := claims{
		Certificate: cert,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cert.ID,
			Issuer:    tokenIssuer,
			Subject:   cert.RecordType.String() + "/" + cert.RecordID,
			IssuedAt:  jwt.NewNumericDate(cert.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cert.ValidUntil),
		},
	}
	return signer.SignToken(c)
}

// Open validates a sealed certificate and returns it. Expired certificates
// are rejected.
func Open(token, publicKeyPEM string) (Certificate, error) {
	var c claims
	if err := signing.ParseToken(token, publicKeyPEM, &c); err != nil {
		return Certificate{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.Issuer != tokenIssuer || c.ID != c.Certificate.ID {
		return Certificate{}, fmt.Errorf("%w: claims do not match certificate", ErrInvalidToken)
	}
	return c.Certificate, nil
}

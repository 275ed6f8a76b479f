package signing

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// SignToken signs JWT claims with the portal key. The kid header carries the
// key fingerprint so consumers can pick the right public key.
func (s *Signer) SignToken(claims jwt.Claims) (string, error) {
	method, err := jwtMethod(s.algorithm)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a token produced by SignToken against a public key PEM
// and decodes it into claims.
func ParseToken(tokenString, publicKeyPEM string, claims jwt.Claims) error {
	pub, err := ParsePublicKey([]byte(publicKeyPEM))
	if err != nil {
		return err
	}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodPS256.Alg(), jwt.SigningMethodES256.Alg()}))
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	return nil
}

func jwtMethod(alg string) (jwt.SigningMethod, error) {
	switch alg {
	case AlgorithmRSAPSS:
		return jwt.SigningMethodPS256, nil
	case AlgorithmECDSAP256:
		return jwt.SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("no token method for algorithm %q", alg)
	}
}

package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"strings"

	"clearbook/internal/records/models"
)

// Reason codes reported for invalid signatures.
const (
	ReasonInvalidHash          = "invalid_record_hash"
	ReasonSignatureDecode      = "signature_decode_failed"
	ReasonMalformedPublicKey   = "malformed_public_key"
	ReasonWeakPublicKey        = "weak_public_key"
	ReasonAlgorithmMismatch    = "algorithm_mismatch"
	ReasonUnsupportedAlgorithm = "unsupported_algorithm"
	ReasonSignatureMismatch    = "signature_mismatch"
	ReasonVerifierFault        = "verifier_fault"
)

// Result is the outcome of verifying one signature.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func invalid(reason string) Result { return Result{Valid: false, Reason: reason} }

// Verify checks signatureB64 over recordHash with the supplied public key.
//
// It fails closed: every decode problem, key problem or algorithm mismatch is
// reported as Valid=false with a reason. Nothing escapes as an error or panic.
func Verify(recordHash, signatureB64, publicKeyPEM, algorithm string) (res Result) {
	defer func() {
		if recover() != nil {
			res = invalid(ReasonVerifierFault)
		}
	}()

	hash, ok := normalizeHash(recordHash)
	if !ok {
		return invalid(ReasonInvalidHash)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil || len(raw) == 0 {
		return invalid(ReasonSignatureDecode)
	}
	pub, err := ParsePublicKey([]byte(publicKeyPEM))
	if err != nil {
		return invalid(ReasonMalformedPublicKey)
	}
	digest := hashDigest(hash)

	switch algorithm {
	case AlgorithmRSAPSS:
		return verifyRSA(pub, digest, raw)
	case AlgorithmECDSAP256:
		return verifyECDSA(pub, digest, raw)
	default:
		return invalid(ReasonUnsupportedAlgorithm)
	}
}

// VerifySignature verifies a stored signature against a record hash.
func VerifySignature(recordHash string, sig models.Signature) Result {
	return Verify(recordHash, sig.Signature, sig.PublicKey, sig.Algorithm)
}

func verifyRSA(pub crypto.PublicKey, digest, raw []byte) Result {
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return invalid(ReasonAlgorithmMismatch)
	}
	if key.N.BitLen() < minRSABits {
		return invalid(ReasonWeakPublicKey)
	}
	if err := rsa.VerifyPSS(key, crypto.SHA256, digest, raw, pssOptions); err != nil {
		return invalid(ReasonSignatureMismatch)
	}
	return Result{Valid: true}
}

func verifyECDSA(pub crypto.PublicKey, digest, raw []byte) Result {
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok || key.Curve != elliptic.P256() {
		return invalid(ReasonAlgorithmMismatch)
	}
	if !ecdsa.VerifyASN1(key, digest, raw) {
		return invalid(ReasonSignatureMismatch)
	}
	return Result{Valid: true}
}

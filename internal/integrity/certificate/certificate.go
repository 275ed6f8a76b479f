// Package certificate packages a verification result into an issued
// certificate for external consumers.
package certificate

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"clearbook/internal/integrity/audittrail"
	"clearbook/internal/integrity/canonical"
	"clearbook/internal/integrity/hashing"
	"clearbook/internal/integrity/signing"
	"clearbook/internal/records/models"
)

// DefaultValidity is how long an issued certificate stays valid.
const DefaultValidity = 90 * 24 * time.Hour

// Method names the algorithms a consumer needs to reproduce the checks.
type Method struct {
	Canonicalization    string   `json:"canonicalization"`
	HashAlgorithm       string   `json:"hash_algorithm"`
	SignatureAlgorithms []string `json:"signature_algorithms"`
}

// Hash is the integrity detail of the certified record.
type Hash struct {
	Computed string `json:"computed"`
	Stored   string `json:"stored"`
	Match    bool   `json:"match"`
}

// SignerValidity is the outcome for one signature.
type SignerValidity struct {
	SignatureID string    `json:"signature_id,omitempty"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Email       string    `json:"email,omitempty"`
	SignedAt    time.Time `json:"signed_at"`
	Algorithm   string    `json:"algorithm"`
	KeyID       string    `json:"key_id,omitempty"`
	Valid       bool      `json:"valid"`
	Reason      string    `json:"reason,omitempty"`
}

// Certificate is an issued verification report.
type Certificate struct {
	ID                   string              `json:"id"`
	RecordID             string              `json:"record_id"`
	RecordType           models.RecordType   `json:"record_type"`
	Subject              string              `json:"subject"`
	Method               Method              `json:"method"`
	Hash                 Hash                `json:"hash"`
	Status               models.Status       `json:"status"`
	Reason               string              `json:"reason"`
	Signers              []SignerValidity    `json:"signers"`
	SupersededSignatures int                 `json:"superseded_signatures"`
	Audit                *audittrail.Summary `json:"audit,omitempty"`
	VerifiedAt           time.Time           `json:"verified_at"`
	IssuedAt             time.Time           `json:"issued_at"`
	ValidUntil           time.Time           `json:"valid_until"`
}

// Issuer assembles certificates.
type Issuer struct {
	validity time.Duration
	clock    func() time.Time
	newID    func() string
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithValidity sets the certificate lifetime.
func WithValidity(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.validity = d
		}
	}
}

// WithClock sets the clock used for IssuedAt.
func WithClock(clock func() time.Time) Option {
	return func(i *Issuer) {
		if clock != nil {
			i.clock = clock
		}
	}
}

// NewIssuer constructs an Issuer.
func NewIssuer(opts ...Option) *Issuer {
	i := &Issuer{validity: DefaultValidity, clock: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue copies the result into a certificate. Nothing is recomputed, so the
// certificate states exactly what the result stated.
func (i *Issuer) Issue(record *models.Record, result models.VerificationResult, signatures []models.Signature, audit *audittrail.Summary) Certificate {
	issuedAt := i.clock().UTC()
	keyIDs := keyIDsByID(signatures)

	signers := make([]SignerValidity, 0, len(result.Signatures))
	for _, c := range result.Signatures {
		signers = append(signers, SignerValidity{
			SignatureID: c.SignatureID,
			Name:        c.Signer.Name,
			Role:        c.Signer.Role,
			Email:       c.Signer.Email,
			SignedAt:    c.Signer.SignedAt,
			Algorithm:   c.Algorithm,
			KeyID:       keyIDs[c.SignatureID],
			Valid:       c.Valid,
			Reason:      c.Reason,
		})
	}

	return Certificate{
		ID:         i.newID(),
		RecordID:   result.RecordID,
		RecordType: result.RecordType,
		Subject:    record.DisplayName(),
		Method: Method{
			Canonicalization:    canonical.Method,
			HashAlgorithm:       hashing.Algorithm,
			SignatureAlgorithms: algorithms(result.Signatures),
		},
		Hash: Hash{
			Computed: result.ComputedHash,
			Stored:   result.StoredHash,
			Match:    result.HashMatch,
		},
		Status:               result.Status,
		Reason:               result.Reason,
		Signers:              signers,
		SupersededSignatures: result.SupersededSignatures,
		Audit:                audit,
		VerifiedAt:           result.ComputedAt,
		IssuedAt:             issuedAt,
		ValidUntil:           issuedAt.Add(i.validity),
	}
}

// SignatureValidity returns the per-signer validity flags in order.
func (c Certificate) SignatureValidity() []bool {
	out := make([]bool, len(c.Signers))
	for i, s := range c.Signers {
		out[i] = s.Valid
	}
	return out
}

func algorithms(checks []models.SignatureCheck) []string {
	seen := make(map[string]struct{}, len(checks))
	out := []string{}
	for _, c := range checks {
		if c.Algorithm == "" {
			continue
		}
		if _, ok := seen[c.Algorithm]; ok {
			continue
		}
		seen[c.Algorithm] = struct{}{}
		out = append(out, c.Algorithm)
	}
	sort.Strings(out)
	return out
}

// keyIDsByID fingerprints the public key of every identified signature.
// Keys that do not parse are left out; the check already reports them.
func keyIDsByID(signatures []models.Signature) map[string]string {
	out := make(map[string]string, len(signatures))
	for _, sig := range signatures {
		if sig.ID == "" {
			continue
		}
		pub, err := signing.ParsePublicKey([]byte(sig.PublicKey))
		if err != nil {
			continue
		}
		if id, err := signing.Fingerprint(pub); err == nil {
			out[sig.ID] = id
		}
	}
	return out
}

package certificate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clearbook/internal/integrity/audittrail"
	"clearbook/internal/integrity/engine"
	"clearbook/internal/integrity/hashing"
	"clearbook/internal/integrity/signing"
	"clearbook/internal/records/models"
)

type fixture struct {
	signer *signing.Signer
	record *models.Record
	sigs   []models.Signature
	result models.VerificationResult
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	signer, err := signing.Open(context.Background(), signing.NewMemoryKeyStore(), signing.WithAlgorithm(signing.AlgorithmECDSAP256))
	require.NoError(t, err)

	record := &models.Record{
		ID:     "b-1",
		Type:   models.RecordTypeBudget,
		Fields: models.Fields{"department": "Education", "year": 2024, "total_amount": 5000000.00},
	}
	record.RecordHash, err = hashing.RecordHash(record)
	require.NoError(t, err)

	good, err := signer.SignRecord(record, models.SignerInfo{Name: "Ada", Role: "controller"})
	require.NoError(t, err)
	good.ID = "s-1"
	bad, err := signer.SignRecord(record, models.SignerInfo{Name: "Bob", Role: "auditor"})
	require.NoError(t, err)
	bad.ID = "s-2"
	bad.Signature = good.Signature

	sigs := []models.Signature{good, bad}
	result, err := engine.New().VerifyRecord(record, record.RecordHash, sigs)
	require.NoError(t, err)
	return fixture{signer: signer, record: record, sigs: sigs, result: result}
}

func TestIssueCopiesResultValues(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewIssuer(WithClock(func() time.Time { return now }), WithValidity(30*24*time.Hour))
	summary := audittrail.Summarize(f.record.Type, nil, f.record.RecordHash)

	cert := issuer.Issue(f.record, f.result, f.sigs, &summary)

	assert.NotEmpty(t, cert.ID)
	assert.Equal(t, "b-1", cert.RecordID)
	assert.Equal(t, models.RecordTypeBudget, cert.RecordType)
	assert.Equal(t, "Education", cert.Subject)
	assert.Equal(t, f.result.ComputedHash, cert.Hash.Computed)
	assert.Equal(t, f.result.StoredHash, cert.Hash.Stored)
	assert.Equal(t, f.result.HashMatch, cert.Hash.Match)
	assert.Equal(t, f.result.Status, cert.Status)
	assert.Equal(t, f.result.SignatureValidity(), cert.SignatureValidity())
	assert.Equal(t, []bool{true, false}, cert.SignatureValidity())
	assert.Equal(t, []string{signing.AlgorithmECDSAP256}, cert.Method.SignatureAlgorithms)
	assert.Equal(t, hashing.Algorithm, cert.Method.HashAlgorithm)
	assert.Equal(t, f.signer.KeyID(), cert.Signers[0].KeyID)
	assert.Equal(t, now, cert.IssuedAt)
	assert.Equal(t, now.Add(30*24*time.Hour), cert.ValidUntil)
	assert.Same(t, &summary, cert.Audit)
}

func TestIssueGeneratesFreshIDs(t *testing.T) {
	f := newFixture(t)
	issuer := NewIssuer()
	a := issuer.Issue(f.record, f.result, f.sigs, nil)
	b := issuer.Issue(f.record, f.result, f.sigs, nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, DefaultValidity, a.ValidUntil.Sub(a.IssuedAt))
}

func TestSealOpenRoundTrip(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	cert := NewIssuer(WithClock(func() time.Time { return now })).Issue(f.record, f.result, f.sigs, nil)

	token, err := Seal(cert, f.signer)
	require.NoError(t, err)

	opened, err := Open(token, f.signer.PublicKeyPEM())
	require.NoError(t, err)
	assert.Equal(t, cert, opened)
}

func TestOpenRejectsTampering(t *testing.T) {
	f := newFixture(t)
	cert := NewIssuer().Issue(f.record, f.result, f.sigs, nil)
	token, err := Seal(cert, f.signer)
	require.NoError(t, err)

	t.Run("foreign key", func(t *testing.T) {
		other, err := signing.Open(context.Background(), signing.NewMemoryKeyStore(), signing.WithAlgorithm(signing.AlgorithmECDSAP256))
		require.NoError(t, err)
		_, err = Open(token, other.PublicKeyPEM())
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("modified payload", func(t *testing.T) {
		tampered := []byte(token)
		tampered[len(token)/2] ^= 0x01
		_, err := Open(string(tampered), f.signer.PublicKeyPEM())
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		past := time.Now().Add(-200 * 24 * time.Hour)
		old := NewIssuer(WithClock(func() time.Time { return past })).Issue(f.record, f.result, f.sigs, nil)
		token, err := Seal(old, f.signer)
		require.NoError(t, err)
		_, err = Open(token, f.signer.PublicKeyPEM())
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

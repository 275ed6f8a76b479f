package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"clearbook/internal/integrity/canonical"
	"clearbook/internal/integrity/hashing"
	"clearbook/internal/integrity/signing"
	"clearbook/internal/integrity/status"
	"clearbook/internal/records/models"
)

type EngineSuite struct {
	suite.Suite
	signer *signing.Signer
	engine *Engine
	now    time.Time
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupSuite() {
	var err error
	s.signer, err = signing.Open(context.Background(), signing.NewMemoryKeyStore(), signing.WithAlgorithm(signing.AlgorithmECDSAP256))
	s.Require().NoError(err)
	s.now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.engine = New(WithWorkers(4), WithClock(func() time.Time { return s.now }))
}

func (s *EngineSuite) budget(id string, total float64) *models.Record {
	r := &models.Record{
		ID:     id,
		Type:   models.RecordTypeBudget,
		Fields: models.Fields{"department": "Education", "year": 2024, "total_amount": total},
	}
	h, err := hashing.RecordHash(r)
	s.Require().NoError(err)
	r.RecordHash = h
	return r
}

func (s *EngineSuite) sign(r *models.Record, name string) models.Signature {
	sig, err := s.signer.SignRecord(r, models.SignerInfo{Name: name, Role: "controller"})
	s.Require().NoError(err)
	sig.ID = "sig-" + name
	return sig
}

func (s *EngineSuite) TestVerifiedRecord() {
	r := s.budget("b-1", 5000000)
	sig := s.sign(r, "ada")

	res, err := s.engine.VerifyRecord(r, r.RecordHash, []models.Signature{sig})
	s.Require().NoError(err)
	s.Equal(models.StatusVerified, res.Status)
	s.Equal(status.ReasonAllSignaturesValid, res.Reason)
	s.True(res.HashMatch)
	s.Equal(r.RecordHash, res.ComputedHash)
	s.Equal(s.now, res.ComputedAt)
	s.Require().Len(res.Signatures, 1)
	s.Equal("sig-ada", res.Signatures[0].SignatureID)
	s.True(res.Signatures[0].Valid)
}

func (s *EngineSuite) TestTamperedFieldsAreSuspicious() {
	r := s.budget("b-1", 5000000)
	sig := s.sign(r, "ada")
	r.Fields["total_amount"] = 5000001.00

	res, err := s.engine.VerifyRecord(r, r.RecordHash, []models.Signature{sig})
	s.Require().NoError(err)
	s.Equal(models.StatusSuspicious, res.Status)
	s.Equal(status.ReasonHashMismatch, res.Reason)
	s.False(res.HashMatch)
	s.Equal("8924fe44415e6c994815619fea18ca588fd824bd2c820871d3e669f87ce3842b", res.ComputedHash)
	s.Equal("58a005c24d69a44b340e475ce7e4dbf01b9d47d420f2751c244db684646ea47d", res.StoredHash)
}

func (s *EngineSuite) TestForgedSignatureIsSuspicious() {
	r := s.budget("b-1", 5000000)
	good := s.sign(r, "ada")
	forged := s.sign(r, "mallory")
	forged.Signature = good.Signature[:len(good.Signature)-4] + "AAAA"

	res, err := s.engine.VerifyRecord(r, r.RecordHash, []models.Signature{good, forged})
	s.Require().NoError(err)
	s.Equal(models.StatusSuspicious, res.Status)
	s.Equal(status.ReasonInvalidSignature, res.Reason)
	s.Equal([]string{"mallory"}, res.FailedSigners)
	s.Equal([]bool{true, false}, res.SignatureValidity())
}

func (s *EngineSuite) TestUnsignedRecordIsPending() {
	r := s.budget("b-1", 5000000)

	res, err := s.engine.VerifyRecord(r, r.RecordHash, nil)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, res.Status)
	s.Equal(status.ReasonAwaitingSignatures, res.Reason)
	s.NotNil(res.Signatures)
}

func (s *EngineSuite) TestLegitimateUpdateSupersedesSignatures() {
	r := s.budget("b-1", 5000000)
	old := s.sign(r, "ada")

	updated := s.budget("b-1", 5100000)
	res, err := s.engine.VerifyRecord(updated, updated.RecordHash, []models.Signature{old})
	s.Require().NoError(err)
	s.Equal(models.StatusPending, res.Status)
	s.Equal(status.ReasonAwaitingReapproval, res.Reason)
	s.Equal(1, res.SupersededSignatures)
	s.Empty(res.Signatures)

	fresh := s.sign(updated, "bob")
	res, err = s.engine.VerifyRecord(updated, updated.RecordHash, []models.Signature{old, fresh})
	s.Require().NoError(err)
	s.Equal(models.StatusVerified, res.Status)
	s.Equal(1, res.SupersededSignatures)
}

func (s *EngineSuite) TestUnlabelledSignatureIsCheckedAgainstContent() {
	r := s.budget("b-1", 5000000)
	sig := s.sign(r, "ada")
	sig.RecordHash = ""

	res, err := s.engine.VerifyRecord(r, r.RecordHash, []models.Signature{sig})
	s.Require().NoError(err)
	s.Equal(models.StatusVerified, res.Status)
}

func (s *EngineSuite) TestForgedSignatureLabelledWithOtherHashIsSuspicious() {
	r := s.budget("b-1", 5000000)
	good := s.sign(r, "alice")
	forged := s.sign(r, "mallory")
	forged.Signature = "bm90LWEtc2lnbmF0dXJl"
	forged.RecordHash = strings.Repeat("0", 64)

	res, err := s.engine.VerifyRecord(r, r.RecordHash, []models.Signature{good, forged})
	s.Require().NoError(err)
	s.Equal(models.StatusSuspicious, res.Status)
	s.Equal(status.ReasonInvalidSignature, res.Reason)
	s.Equal([]string{"mallory"}, res.FailedSigners)
	s.Equal(0, res.SupersededSignatures)
	s.Equal([]bool{true, false}, res.SignatureValidity())
}

func (s *EngineSuite) TestRelabelledApprovalIsSuspicious() {
	r := s.budget("b-1", 5000000)
	sig := s.sign(r, "alice")
	sig.RecordHash = strings.Repeat("1", 64)

	res, err := s.engine.VerifyRecord(r, r.RecordHash, []models.Signature{sig})
	s.Require().NoError(err)
	s.Equal(models.StatusSuspicious, res.Status)
	s.Equal(status.ReasonInvalidSignature, res.Reason)
	s.Equal([]string{"alice"}, res.FailedSigners)
	s.Equal(0, res.SupersededSignatures)
}

func (s *EngineSuite) TestCanonicalizationFailure() {
	r := s.budget("b-1", 5000000)
	r.Fields["attachment"] = struct{ Blob []byte }{}

	_, err := s.engine.VerifyRecord(r, r.RecordHash, nil)
	var cerr *canonical.Error
	s.Require().ErrorAs(err, &cerr)
	s.Equal("attachment", cerr.Field)
}

func (s *EngineSuite) TestBatchVerifyIsolatesFailures() {
	const n = 10
	items := make([]BatchItem, n)
	for i := range n {
		id := fmt.Sprintf("b-%d", i)
		r := s.budget(id, float64(1000*(i+1)))
		items[i] = BatchItem{Ref: r.Ref(), Record: r, Signatures: []models.Signature{s.sign(r, "ada")}}
	}
	items[3] = BatchItem{Ref: models.Ref{Type: models.RecordTypeBudget, ID: "missing"}}

	results, err := s.engine.BatchVerify(items, 0)
	s.Require().NoError(err)
	s.Require().Len(results, n)

	errorsSeen := 0
	for i, res := range results {
		s.Equal(items[i].Ref.ID, res.RecordID, "results keep input order")
		if res.Status == models.StatusError {
			errorsSeen++
			s.Nil(res.Result)
			s.Equal(ErrRecordMissing.Error(), res.Error)
			continue
		}
		s.Equal(models.StatusVerified, res.Status)
		s.Require().NotNil(res.Result)
		s.Equal(res.Status, res.Result.Status)
	}
	s.Equal(1, errorsSeen)
}

func (s *EngineSuite) TestBatchVerifyItemErrors() {
	good := s.budget("b-ok", 10)
	bad := s.budget("b-bad", 10)
	bad.Fields["attachment"] = make(chan int)

	results, err := s.engine.BatchVerify([]BatchItem{
		{Ref: models.Ref{Type: models.RecordTypeBudget, ID: "b-fetch"}, Err: errors.New("connection reset")},
		{Ref: bad.Ref(), Record: bad},
		{Ref: good.Ref(), Record: good},
	}, 3)
	s.Require().NoError(err)
	s.Equal(models.StatusError, results[0].Status)
	s.Equal("connection reset", results[0].Error)
	s.Equal(models.StatusError, results[1].Status)
	s.Contains(results[1].Error, "attachment")
	s.Equal(models.StatusPending, results[2].Status)
}

func (s *EngineSuite) TestBatchVerifyCap() {
	items := make([]BatchItem, DefaultMaxBatch+1)
	_, err := s.engine.BatchVerify(items, 0)
	s.ErrorIs(err, ErrBatchTooLarge)

	_, err = s.engine.BatchVerify(items[:3], 2)
	s.ErrorIs(err, ErrBatchTooLarge)

	results, err := s.engine.BatchVerify(nil, 0)
	s.NoError(err)
	s.Empty(results)
}

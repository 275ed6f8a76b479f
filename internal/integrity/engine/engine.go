// Package engine composes canonicalization, hashing, signature verification
// and status resolution into record verification. It performs no I/O: the
// caller fetches records and signatures and passes them in.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"clearbook/internal/integrity/hashing"
	"clearbook/internal/integrity/signing"
	"clearbook/internal/integrity/status"
	"clearbook/internal/records/models"
)

const (
	// DefaultMaxBatch is the largest batch accepted when the caller passes no cap.
	DefaultMaxBatch = 50
	defaultWorkers  = 8
)

var (
	// ErrBatchTooLarge is returned before any work when a batch exceeds its cap.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	// ErrRecordMissing marks a batch item whose record could not be found.
	ErrRecordMissing = errors.New("record not found")
)

// Engine verifies records. It is stateless and safe for concurrent use.
type Engine struct {
	workers int
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds how many batch items are verified at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithClock sets the clock used for ComputedAt.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the logger used to report recovered batch faults.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New constructs an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{workers: defaultWorkers, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// VerifyRecord recomputes the record hash, compares it with storedHash and
// checks every signature made over the current hash.
//
// A signature carrying a RecordHash other than storedHash is verified against
// that hash. If it holds, it was made over an earlier version of the record and
// is counted as superseded, taking no part in status resolution. If it does
// not, it is reported as a failed check. The only error is a canonicalization
// failure.
func (e *Engine) VerifyRecord(record *models.Record, storedHash string, signatures []models.Signature) (models.VerificationResult, error) {
	check, err := hashing.CheckIntegrity(record.Type, record.Fields, storedHash)
	if err != nil {
		return models.VerificationResult{}, fmt.Errorf("verify %s/%s: %w", record.Type, record.ID, err)
	}

	result := models.VerificationResult{
		RecordID:     record.ID,
		RecordType:   record.Type,
		HashMatch:    check.Match,
		ComputedHash: check.Computed,
		StoredHash:   storedHash,
		Signatures:   []models.SignatureCheck{},
		ComputedAt:   e.clock().UTC(),
	}

	for _, sig := range signatures {
		// Signatures attest to content, so they are checked against the hash
		// of the fields as they are now.
		digest := check.Computed
		older := sig.RecordHash != "" && !hashing.Equal(sig.RecordHash, storedHash)
		if older {
			// The label is not signed. Only a signature that really covers the
			// hash it names counts as superseded.
			digest = sig.RecordHash
		}
		res := signing.VerifySignature(digest, sig)
		if older && res.Valid {
			result.SupersededSignatures++
			continue
		}
		result.Signatures = append(result.Signatures, models.SignatureCheck{
			SignatureID: sig.ID,
			Signer:      sig.Signer,
			Algorithm:   sig.Algorithm,
			Valid:       res.Valid,
			Reason:      res.Reason,
		})
	}

	resolved := status.ResolveChecks(check.Match, result.Signatures, result.SupersededSignatures)
	result.Status = resolved.Status
	result.Reason = resolved.Reason
	result.FailedSigners = resolved.FailedSigners
	return result, nil
}

// BatchItem is one pre-fetched record of a batch. Err carries a fetch failure;
// a nil Record with no Err means the record does not exist.
type BatchItem struct {
	Ref        models.Ref
	Record     *models.Record
	Signatures []models.Signature
	Err        error
}

// BatchResult is the outcome of one batch item. Status is error when the item
// could not be evaluated; Result is set otherwise.
type BatchResult struct {
	RecordID   string                     `json:"record_id"`
	RecordType models.RecordType          `json:"record_type"`
	Status     models.Status              `json:"status"`
	Result     *models.VerificationResult `json:"result,omitempty"`
	Error      string                     `json:"error,omitempty"`
}

// BatchVerify verifies items on a bounded worker pool and returns one result
// per item in input order. A failure in one item never affects the others.
// maxItems <= 0 selects DefaultMaxBatch.
func (e *Engine) BatchVerify(items []BatchItem, maxItems int) ([]BatchResult, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxBatch
	}
	if len(items) > maxItems {
		return nil, fmt.Errorf("%w: %d items, limit %d", ErrBatchTooLarge, len(items), maxItems)
	}

	results := make([]BatchResult, len(items))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range items {
		g.Go(func() error {
			results[i] = e.verifyItem(items[i])
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (e *Engine) verifyItem(item BatchItem) (out BatchResult) {
	out = BatchResult{RecordID: item.Ref.ID, RecordType: item.Ref.Type}
	defer func() {
		if r := recover(); r != nil {
			if e.logger != nil {
				e.logger.Error("batch item verification panicked",
					"record_type", item.Ref.Type,
					"record_id", item.Ref.ID,
					"panic", fmt.Sprint(r),
				)
			}
			out = failed(item.Ref, fmt.Errorf("internal verification fault"))
		}
	}()

	switch {
	case item.Err != nil:
		return failed(item.Ref, item.Err)
	case item.Record == nil:
		return failed(item.Ref, ErrRecordMissing)
	}

	res, err := e.VerifyRecord(item.Record, item.Record.RecordHash, item.Signatures)
	if err != nil {
		return failed(item.Ref, err)
	}
	out.Status = res.Status
	out.Result = &res
	return out
}

func failed(ref models.Ref, err error) BatchResult {
	return BatchResult{
		RecordID:   ref.ID,
		RecordType: ref.Type,
		Status:     models.StatusError,
		Error:      err.Error(),
	}
}

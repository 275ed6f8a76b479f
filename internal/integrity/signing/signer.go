package signing

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"clearbook/internal/integrity/hashing"
	"clearbook/internal/records/models"
	"clearbook/pkg/platform/sentinel"
)

var (
	// ErrInvalidHash is returned when asked to sign something that is not a record hash.
	ErrInvalidHash = errors.New("record hash must be 64 hex characters")
	// ErrStaleRecord is returned when a record's stored hash no longer matches its fields.
	ErrStaleRecord = errors.New("record hash is stale")
)

// KeyInitializationError means key material is missing or corrupt. It is fatal:
// the engine cannot operate without a valid key pair.
type KeyInitializationError struct {
	Op  string
	Err error
}

func (e *KeyInitializationError) Error() string {
	return fmt.Sprintf("signing key %s: %v", e.Op, e.Err)
}

func (e *KeyInitializationError) Unwrap() error { return e.Err }

// SystemSigner is the reserved identity for machine-issued provisional
// signatures. Whether to use it is the caller's policy.
var SystemSigner = models.SignerInfo{Name: "system", Role: "system"}

// Signer owns one key pair. It is read-only after Open and safe for
// concurrent use.
type Signer struct {
	key       crypto.Signer
	algorithm string
	publicPEM string
	keyID     string
	clock     func() time.Time
}

type openConfig struct {
	algorithm string
	rsaBits   int
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures Open.
type Option func(*openConfig)

// WithAlgorithm selects the algorithm used when a new key pair is generated.
func WithAlgorithm(alg string) Option {
	return func(c *openConfig) {
		if alg != "" {
			c.algorithm = alg
		}
	}
}

// WithRSABits sets the modulus size for newly generated RSA keys (minimum 2048).
func WithRSABits(bits int) Option {
	return func(c *openConfig) {
		c.rsaBits = bits
	}
}

// WithClock sets the clock used to stamp signatures.
func WithClock(clock func() time.Time) Option {
	return func(c *openConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets a logger for key lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *openConfig) {
		c.logger = logger
	}
}

// Open loads the persisted key pair, generating and persisting one on first
// activation. Concurrent first-run callers all end up with the single winner.
func Open(ctx context.Context, store KeyStore, opts ...Option) (*Signer, error) {
	cfg := openConfig{algorithm: DefaultAlgorithm, rsaBits: defaultRSABits, clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !SupportedAlgorithm(cfg.algorithm) {
		return nil, &KeyInitializationError{Op: "configure", Err: fmt.Errorf("unsupported algorithm %q", cfg.algorithm)}
	}

	material, err := loadOrCreate(ctx, store, cfg)
	if err != nil {
		return nil, err
	}

	key, err := parsePrivateKey(material.PrivatePEM)
	if err != nil {
		return nil, &KeyInitializationError{Op: "parse", Err: err}
	}
	alg, err := algorithmFor(key)
	if err != nil {
		return nil, &KeyInitializationError{Op: "parse", Err: err}
	}
	if alg != cfg.algorithm && cfg.logger != nil {
		cfg.logger.WarnContext(ctx, "persisted signing key overrides configured algorithm",
			"configured", cfg.algorithm,
			"persisted", alg,
		)
	}

	publicPEM, err := marshalPublicKey(key.Public())
	if err != nil {
		return nil, &KeyInitializationError{Op: "parse", Err: err}
	}
	if err := checkPublicHalf(key, material.PublicPEM); err != nil {
		return nil, &KeyInitializationError{Op: "verify", Err: err}
	}
	keyID, err := Fingerprint(key.Public())
	if err != nil {
		return nil, &KeyInitializationError{Op: "fingerprint", Err: err}
	}

	if cfg.logger != nil {
		cfg.logger.InfoContext(ctx, "signing key loaded", "key_id", keyID, "algorithm", alg)
	}
	return &Signer{
		key:       key,
		algorithm: alg,
		publicPEM: string(publicPEM),
		keyID:     keyID,
		clock:     cfg.clock,
	}, nil
}

func loadOrCreate(ctx context.Context, store KeyStore, cfg openConfig) (KeyMaterial, error) {
	material, err := store.Load(ctx)
	if err == nil {
		return material, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return KeyMaterial{}, &KeyInitializationError{Op: "load", Err: err}
	}

	key, err := generateKey(cfg.algorithm, cfg.rsaBits)
	if err != nil {
		return KeyMaterial{}, &KeyInitializationError{Op: "generate", Err: err}
	}
	fresh, err := marshalKeyMaterial(key)
	if err != nil {
		return KeyMaterial{}, &KeyInitializationError{Op: "generate", Err: err}
	}
	winner, err := store.CreateIfAbsent(ctx, fresh)
	if err != nil {
		return KeyMaterial{}, &KeyInitializationError{Op: "persist", Err: err}
	}
	if cfg.logger != nil {
		cfg.logger.InfoContext(ctx, "signing key initialized", "generated_here", string(winner.PrivatePEM) == string(fresh.PrivatePEM))
	}
	return winner, nil
}

func checkPublicHalf(key crypto.Signer, publicPEM []byte) error {
	if len(publicPEM) == 0 {
		return errors.New("public key missing")
	}
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return err
	}
	type equaler interface{ Equal(crypto.PublicKey) bool }
	eq, ok := key.Public().(equaler)
	if !ok || !eq.Equal(pub) {
		return errors.New("public key does not match private key")
	}
	return nil
}

// Algorithm returns the signature algorithm tag.
func (s *Signer) Algorithm() string { return s.algorithm }

// PublicKeyPEM returns the exportable public half.
func (s *Signer) PublicKeyPEM() string { return s.publicPEM }

// KeyID returns the public key fingerprint.
func (s *Signer) KeyID() string { return s.keyID }

// Sign signs a record hash on behalf of signer.
func (s *Signer) Sign(recordHash string, signer models.SignerInfo) (models.Signature, error) {
	hash, ok := normalizeHash(recordHash)
	if !ok {
		return models.Signature{}, ErrInvalidHash
	}
	raw, err := s.signDigest(hashDigest(hash))
	if err != nil {
		return models.Signature{}, fmt.Errorf("sign record hash: %w", err)
	}
	if signer.SignedAt.IsZero() {
		signer.SignedAt = s.clock().UTC()
	}
	return models.Signature{
		Signature:  base64.StdEncoding.EncodeToString(raw),
		PublicKey:  s.publicPEM,
		Algorithm:  s.algorithm,
		Signer:     signer,
		RecordHash: hash,
	}, nil
}

// SignRecord recomputes the record's hash and signs it. A record whose stored
// hash does not match its fields is refused, so an approval always attests to
// the current content.
func (s *Signer) SignRecord(r *models.Record, signer models.SignerInfo) (models.Signature, error) {
	computed, err := hashing.RecordHash(r)
	if err != nil {
		return models.Signature{}, err
	}
	if !hashing.Equal(computed, r.RecordHash) {
		return models.Signature{}, ErrStaleRecord
	}
	sig, err := s.Sign(computed, signer)
	if err != nil {
		return models.Signature{}, err
	}
	sig.RecordID = r.ID
	sig.RecordType = r.Type
	return sig, nil
}

func (s *Signer) signDigest(digest []byte) ([]byte, error) {
	switch k := s.key.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPSS(rand.Reader, k, crypto.SHA256, digest, pssOptions)
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(rand.Reader, k, digest)
	default:
		return nil, fmt.Errorf("unsupported key type %T", s.key)
	}
}

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

func hashDigest(hash string) []byte {
	sum := sha256.Sum256([]byte(hash))
	return sum[:]
}

func normalizeHash(h string) (string, bool) {
	h = strings.ToLower(strings.TrimSpace(h))
	if len(h) != 64 {
		return "", false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	return h, true
}

package signing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"clearbook/pkg/platform/sentinel"
)

// KeyStore persists the signing key pair.
//
// CreateIfAbsent must be atomic: when several initializers race, exactly one
// material is stored and every caller gets that winning material back.
type KeyStore interface {
	Load(ctx context.Context) (KeyMaterial, error)
	CreateIfAbsent(ctx context.Context, material KeyMaterial) (KeyMaterial, error)
}

const (
	bundleFile = "signing_key.pem"
	publicFile = "signing_key.pub.pem"
)

// FileKeyStore keeps the key pair as a PEM bundle in a directory.
type FileKeyStore struct {
	dir string
}

// NewFileKeyStore constructs a directory-backed key store.
func NewFileKeyStore(dir string) *FileKeyStore {
	return &FileKeyStore{dir: dir}
}

// Load reads the bundle. Returns sentinel.ErrNotFound when no key exists yet.
func (s *FileKeyStore) Load(_ context.Context) (KeyMaterial, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, bundleFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return KeyMaterial{}, sentinel.ErrNotFound
		}
		return KeyMaterial{}, fmt.Errorf("read key bundle: %w", err)
	}
	return splitBundle(data)
}

// CreateIfAbsent writes the bundle to a temp file and hard-links it into place.
// Link fails when the target exists, so a partially written file is never
// visible and a concurrent winner is never overwritten.
func (s *FileKeyStore) CreateIfAbsent(ctx context.Context, material KeyMaterial) (KeyMaterial, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return KeyMaterial{}, fmt.Errorf("create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".signing_key-*.tmp")
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("create temp key file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return KeyMaterial{}, fmt.Errorf("chmod temp key file: %w", err)
	}
	if _, err := tmp.Write(joinBundle(material)); err != nil {
		tmp.Close()
		return KeyMaterial{}, fmt.Errorf("write temp key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return KeyMaterial{}, fmt.Errorf("sync temp key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return KeyMaterial{}, fmt.Errorf("close temp key file: %w", err)
	}

	if err := os.Link(tmpName, filepath.Join(s.dir, bundleFile)); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return KeyMaterial{}, fmt.Errorf("install key bundle: %w", err)
		}
		return s.Load(ctx)
	}

	// The public half is also exported on its own for operators. The bundle is
	// authoritative, so an existing public file is left alone.
	pubPath := filepath.Join(s.dir, publicFile)
	f, err := os.OpenFile(pubPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, werr := f.Write(material.PublicPEM)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			return KeyMaterial{}, fmt.Errorf("write public key: %w", errors.Join(werr, cerr))
		}
	} else if !errors.Is(err, fs.ErrExist) {
		return KeyMaterial{}, fmt.Errorf("create public key file: %w", err)
	}
	return material, nil
}

func joinBundle(m KeyMaterial) []byte {
	out := make([]byte, 0, len(m.PrivatePEM)+len(m.PublicPEM))
	out = append(out, m.PrivatePEM...)
	return append(out, m.PublicPEM...)
}

// splitBundle separates the two PEM blocks of a bundle.
func splitBundle(data []byte) (KeyMaterial, error) {
	text := string(data)
	idx := strings.Index(text, "-----BEGIN "+pemTypePublicKey+"-----")
	if idx < 0 {
		return KeyMaterial{}, errors.New("key bundle has no public key block")
	}
	return KeyMaterial{
		PrivatePEM: []byte(text[:idx]),
		PublicPEM:  []byte(text[idx:]),
	}, nil
}

// MemoryKeyStore keeps key material in process memory. Used by tests and
// ephemeral development servers.
type MemoryKeyStore struct {
	mu       sync.Mutex
	material KeyMaterial
}

// NewMemoryKeyStore constructs an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{}
}

func (s *MemoryKeyStore) Load(_ context.Context) (KeyMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.material.IsZero() {
		return KeyMaterial{}, sentinel.ErrNotFound
	}
	return s.material, nil
}

func (s *MemoryKeyStore) CreateIfAbsent(_ context.Context, material KeyMaterial) (KeyMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.material.IsZero() {
		s.material = material
	}
	return s.material, nil
}

package store

import (
	"context"
	"sort"
	"sync"

	"clearbook/internal/records/models"
	"clearbook/pkg/platform/sentinel"
)

// InMemoryStore keeps records, signatures and the audit log in process
// memory. Audit entries are append-only.
type InMemoryStore struct {
	mu         sync.RWMutex
	records    map[models.Ref]models.Record
	signatures map[models.Ref][]models.Signature
	audit      map[string][]models.AuditEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:    make(map[models.Ref]models.Record),
		signatures: make(map[models.Ref][]models.Signature),
		audit:      make(map[string][]models.AuditEntry),
	}
}

// RunInTx runs fn directly; the in-memory store applies each write atomically.
func (s *InMemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *InMemoryStore) CreateRecord(_ context.Context, r models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.Ref()]; ok {
		return sentinel.ErrConflict
	}
	r.Fields = r.Fields.Clone()
	s.records[r.Ref()] = r
	return nil
}

func (s *InMemoryStore) UpdateRecord(_ context.Context, r models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.Ref()]; !ok {
		return sentinel.ErrNotFound
	}
	r.Fields = r.Fields.Clone()
	s.records[r.Ref()] = r
	return nil
}

func (s *InMemoryStore) FindRecord(_ context.Context, recordType models.RecordType, id string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[models.Ref{Type: recordType, ID: id}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	r.Fields = r.Fields.Clone()
	return &r, nil
}

func (s *InMemoryStore) SaveSignature(_ context.Context, sig models.Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := models.Ref{Type: sig.RecordType, ID: sig.RecordID}
	s.signatures[ref] = append(s.signatures[ref], sig)
	return nil
}

func (s *InMemoryStore) ListByRecord(_ context.Context, recordType models.RecordType, id string) ([]models.Signature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Signature{}, s.signatures[models.Ref{Type: recordType, ID: id}]...), nil
}

func (s *InMemoryStore) ListByRecords(_ context.Context, recordType models.RecordType, ids []string) (map[string][]models.Signature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]models.Signature, len(ids))
	for _, id := range ids {
		if sigs := s.signatures[models.Ref{Type: recordType, ID: id}]; len(sigs) > 0 {
			out[id] = append([]models.Signature{}, sigs...)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendAudit(_ context.Context, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entry.Table + "/" + entry.RecordID
	s.audit[key] = append(s.audit[key], entry)
	return nil
}

// ListAudit returns a record's audit entries most recent first.
func (s *InMemoryStore) ListAudit(_ context.Context, table, recordID string) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := append([]models.AuditEntry{}, s.audit[table+"/"+recordID]...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, nil
}

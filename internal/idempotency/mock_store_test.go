package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/mobily-enterprises/billingkit/internal/checkout"
)

// memStore is an in-memory Store with Postgres-like transaction semantics:
// writes are rolled back when the transaction function returns an error, and
// Update/UpdateSession enforce their conditional predicates against the
// committed state, not the caller's copy.
type memStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	sessions map[string]*checkout.Session

	lockedEntities []string

	// insertErrs is a FIFO of errors forced onto Insert calls.
	insertErrs []error
	// beforeUpdate runs at the start of every Update, with the lock held.
	beforeUpdate func()
	// afterTx runs after each transaction settles (committed or rolled
	// back), letting tests interleave state changes between passes.
	afterTx func(err error)
}

func newMemStore() *memStore {
	return &memStore{
		records:  make(map[string]*Record),
		sessions: make(map[string]*checkout.Session),
	}
}

func (s *memStore) WithTx(_ context.Context, fn func(tx StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backupRecords := make(map[string]*Record, len(s.records))
	for k, v := range s.records {
		backupRecords[k] = copyRecord(v)
	}
	backupSessions := make(map[string]*checkout.Session, len(s.sessions))
	for k, v := range s.sessions {
		backupSessions[k] = copySession(v)
	}

	err := fn(&memTx{store: s})
	if err != nil {
		s.records = backupRecords
		s.sessions = backupSessions
	}
	if s.afterTx != nil {
		s.afterTx(err)
	}
	return err
}

func (s *memStore) ListStalePendingCheckouts(_ context.Context, cutoff time.Time, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Action != ActionCheckout || rec.Status != StatusPending {
			continue
		}
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *copyRecord(rec))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// seed commits a record directly, bypassing transactions.
func (s *memStore) seed(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = copyRecord(rec)
}

func (s *memStore) seedSession(sess *checkout.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Provider+"|"+sess.OperationKey] = copySession(sess)
}

// get returns the committed copy of a record by id.
func (s *memStore) get(id string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	return copyRecord(rec)
}

func (s *memStore) getSession(providerName, operationKey string) *checkout.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[providerName+"|"+operationKey]
	if !ok {
		return nil
	}
	return copySession(sess)
}

func copyRecord(r *Record) *Record {
	c := *r
	return &c
}

func copySession(s *checkout.Session) *checkout.Session {
	c := *s
	return &c
}

type memTx struct {
	store *memStore
}

func (tx *memTx) LockEntityBillingState(_ context.Context, entityID string) error {
	tx.store.lockedEntities = append(tx.store.lockedEntities, entityID)
	return nil
}

func (tx *memTx) GetForUpdate(_ context.Context, entityID string, action Action, clientKey string) (*Record, error) {
	for _, rec := range tx.store.records {
		if rec.EntityID == entityID && rec.Action == action && rec.ClientKey == clientKey {
			return copyRecord(rec), nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memTx) GetByIDForUpdate(_ context.Context, id string) (*Record, error) {
	rec, ok := tx.store.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (tx *memTx) FindPendingCheckoutForUpdate(_ context.Context, entityID string) (*Record, error) {
	for _, rec := range tx.store.records {
		if rec.EntityID == entityID && rec.Action == ActionCheckout && rec.Status == StatusPending {
			return copyRecord(rec), nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memTx) Insert(_ context.Context, rec *Record) error {
	if len(tx.store.insertErrs) > 0 {
		err := tx.store.insertErrs[0]
		tx.store.insertErrs = tx.store.insertErrs[1:]
		return err
	}
	for _, existing := range tx.store.records {
		if existing.EntityID == rec.EntityID && existing.Action == rec.Action && existing.ClientKey == rec.ClientKey {
			return ErrDuplicateKey
		}
	}
	tx.store.records[rec.ID] = copyRecord(rec)
	return nil
}

func (tx *memTx) Update(_ context.Context, rec *Record, expectedLeaseVersion *int64) (bool, error) {
	if tx.store.beforeUpdate != nil {
		tx.store.beforeUpdate()
	}
	current, ok := tx.store.records[rec.ID]
	if !ok {
		return false, nil
	}
	if expectedLeaseVersion != nil && current.LeaseVersion != *expectedLeaseVersion {
		return false, nil
	}
	tx.store.records[rec.ID] = copyRecord(rec)
	return true, nil
}

func (tx *memTx) GetSessionForUpdate(_ context.Context, providerName, operationKey string) (*checkout.Session, error) {
	sess, ok := tx.store.sessions[providerName+"|"+operationKey]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

func (tx *memTx) InsertSession(_ context.Context, sess *checkout.Session) error {
	key := sess.Provider + "|" + sess.OperationKey
	if _, ok := tx.store.sessions[key]; ok {
		return ErrDuplicateKey
	}
	tx.store.sessions[key] = copySession(sess)
	return nil
}

func (tx *memTx) UpdateSession(_ context.Context, sess *checkout.Session, expectedStatus checkout.Status) (bool, error) {
	key := sess.Provider + "|" + sess.OperationKey
	current, ok := tx.store.sessions[key]
	if !ok {
		return false, nil
	}
	if current.Status != expectedStatus {
		return false, nil
	}
	tx.store.sessions[key] = copySession(sess)
	return true, nil
}

// recordingSink captures guardrail events in emission order.
type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	name string
	kv   map[string]string
}

func (s *recordingSink) Emit(_ context.Context, name string, kv map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{name: name, kv: kv})
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.name
	}
	return out
}

// recordingNotifier captures reconciliation notices.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []ReconciliationNotice
	err     error
}

func (n *recordingNotifier) NotifyRecoveryVerification(_ context.Context, notice ReconciliationNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

package orderstate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrOrderNotUnfilled = errors.New("order is not unfilled")

// Status is the lifecycle state of an order hash. Transitions are one-way:
// Unfilled -> Filled or Unfilled -> Cancelled.
type Status uint8

const (
	Unfilled Status = iota
	Filled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Unfilled:
		return "unfilled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unfilled":
		*s = Unfilled
	case "filled":
		*s = Filled
	case "cancelled":
		*s = Cancelled
	default:
		return fmt.Errorf("unknown order status %q", b)
	}
	return nil
}

// Touch records when a status transition happened.
type Touch struct {
	Height uint64 `json:"height"`
	Time   int64  `json:"time"` // unix seconds
}

// Record is the persisted state of one order hash.
type Record struct {
	Hash      common.Hash `json:"hash"`
	Status    Status      `json:"status"`
	LastTouch Touch       `json:"lastTouch"`
}

// Backend persists records. LoadRecord returns nil, nil for unknown hashes.
type Backend interface {
	LoadRecord(hash common.Hash) (*Record, error)
	SaveRecord(rec *Record) error
}

// Store tracks order status by hash. Records are never deleted, so a filled
// or cancelled hash can never be filled again.
type Store struct {
	mu      sync.Mutex
	backend Backend
}

func NewStore(backend Backend) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Store{backend: backend}
}

// Status returns the order's status; unknown hashes are Unfilled.
func (s *Store) Status(hash common.Hash) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.backend.LoadRecord(hash)
	if err != nil {
		return Unfilled, fmt.Errorf("failed to load order status: %w", err)
	}
	if rec == nil {
		return Unfilled, nil
	}
	return rec.Status, nil
}

// Record returns the full record, or an Unfilled record with a zero touch for
// unknown hashes.
func (s *Store) Record(hash common.Hash) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.backend.LoadRecord(hash)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load order status: %w", err)
	}
	if rec == nil {
		return Record{Hash: hash, Status: Unfilled}, nil
	}
	return *rec, nil
}

func (s *Store) MarkFilled(hash common.Hash, at Touch) error {
	return s.transition(hash, Filled, at)
}

func (s *Store) MarkCancelled(hash common.Hash, at Touch) error {
	return s.transition(hash, Cancelled, at)
}

func (s *Store) transition(hash common.Hash, to Status, at Touch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.backend.LoadRecord(hash)
	if err != nil {
		return fmt.Errorf("failed to load order status: %w", err)
	}
	if rec != nil && rec.Status != Unfilled {
		return fmt.Errorf("%w: %s is %s", ErrOrderNotUnfilled, hash.Hex(), rec.Status)
	}

	if err := s.backend.SaveRecord(&Record{Hash: hash, Status: to, LastTouch: at}); err != nil {
		return fmt.Errorf("failed to save order status: %w", err)
	}
	return nil
}

// MemoryBackend keeps records in a map. Used by tests and ephemeral nodes.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[common.Hash]Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[common.Hash]Record)}
}

func (m *MemoryBackend) LoadRecord(hash common.Hash) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[hash]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryBackend) SaveRecord(rec *Record) error {
	m.mu.Lock()
	m.records[rec.Hash] = *rec
	m.mu.Unlock()
	return nil
}

// Len returns the number of touched hashes.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

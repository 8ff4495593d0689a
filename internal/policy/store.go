package policy

import (
	"sync"
	"sync/atomic"

	"github.com/goodtune/timeguard/internal/geo"
)

// RuleStore holds the active rule snapshot.
type RuleStore interface {
	// Install makes rs the active snapshot and reports whether it changed
	// anything. A snapshot identical to the active one is not installed.
	Install(rs *RuleSet) bool
	// Load returns the active snapshot, nil until the first install.
	Load() *RuleSet
}

// LocationStore holds the most recent location sample.
type LocationStore interface {
	Install(sample geo.Sample)
	// Latest returns the most recent sample; ok is false until one arrives.
	Latest() (sample geo.Sample, ok bool)
}

// AtomicRuleStore is a RuleStore backed by an atomic pointer. Readers
// never block and always see a whole snapshot.
type AtomicRuleStore struct {
	mu      sync.Mutex // serializes writers only
	current atomic.Pointer[RuleSet]
	version uint64
}

// NewAtomicRuleStore creates an empty rule store.
func NewAtomicRuleStore() *AtomicRuleStore {
	return &AtomicRuleStore{}
}

// Install stores rs and assigns it the next version.
func (s *AtomicRuleStore) Install(rs *RuleSet) bool {
	if rs == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.current.Load(); cur != nil && cur.fingerprint == rs.fingerprint {
		return false
	}

	s.version++
	rs.version.Store(s.version)
	s.current.Store(rs)
	return true
}

// Load returns the active snapshot.
func (s *AtomicRuleStore) Load() *RuleSet {
	return s.current.Load()
}

// AtomicLocationStore is a LocationStore keeping only the latest sample.
type AtomicLocationStore struct {
	latest atomic.Pointer[geo.Sample]
}

// NewAtomicLocationStore creates a store with no sample.
func NewAtomicLocationStore() *AtomicLocationStore {
	return &AtomicLocationStore{}
}

// Install replaces the latest sample.
func (s *AtomicLocationStore) Install(sample geo.Sample) {
	s.latest.Store(&sample)
}

// Latest returns the latest sample.
func (s *AtomicLocationStore) Latest() (geo.Sample, bool) {
	p := s.latest.Load()
	if p == nil {
		return geo.Sample{}, false
	}
	return *p, true
}

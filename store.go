package frpauth

import (
	"sync/atomic"
)

// Store holds the active Configuration. Readers take one Snapshot per
// request; writers replace the whole Configuration atomically. Nothing is
// ever modified in place.
type Store struct {
	state atomic.Pointer[storeState]
}

type storeState struct {
	cfg        *Configuration
	generation uint64
	loaded     bool
}

// NewStore returns a Store holding an empty Configuration.
func NewStore() *Store {
	s := &Store{}
	s.state.Store(&storeState{cfg: EmptyConfiguration()})
	return s
}

// Load reads and validates the policy document at path without touching
// the active Configuration.
func (s *Store) Load(path string) (*Configuration, error) {
	return LoadConfiguration(path)
}

// Replace installs cfg as the active Configuration. A nil cfg is ignored.
func (s *Store) Replace(cfg *Configuration) {
	if cfg == nil {
		return
	}
	for {
		old := s.state.Load()
		next := &storeState{cfg: cfg, generation: old.generation + 1, loaded: true}
		if s.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// Snapshot returns the active Configuration. The users and the global deny
// rule it exposes always belong to the same generation.
func (s *Store) Snapshot() *Configuration {
	return s.state.Load().cfg
}

// SnapshotGeneration returns the active Configuration together with its
// generation number, read atomically.
func (s *Store) SnapshotGeneration() (*Configuration, uint64) {
	st := s.state.Load()
	return st.cfg, st.generation
}

// User looks up a user in the active Configuration.
func (s *Store) User(id string) (UserRecord, bool) {
	return s.Snapshot().User(id)
}

// UserIDs lists the users of the active Configuration in document order.
func (s *Store) UserIDs() []string {
	return s.Snapshot().UserIDs()
}

// GlobalDeny returns the deny rule of the active Configuration.
func (s *Store) GlobalDeny() DenyRule {
	return s.Snapshot().GlobalDeny()
}

// Generation counts successful Replace calls.
func (s *Store) Generation() uint64 {
	return s.state.Load().generation
}

// Loaded reports whether any Configuration has been installed since the
// Store was created.
func (s *Store) Loaded() bool {
	return s.state.Load().loaded
}

package bridge

import (
	"sort"
	"sync"
)

// RoutingState holds the per-platform mapping tables. It is owned by exactly
// one Engine; adapters never write it. The unit tables are maintained as a
// consistent pair: every write touches both directions under one lock.
type RoutingState struct {
	mu sync.RWMutex

	unitByIdentity map[string]Unit          // identity ID -> unit
	identityByUnit map[string]Identity      // unit ID -> identity
	forwardRecords map[string]ForwardRecord // identity ID -> latest forward
	identityByMsg  map[string]Identity      // forwarded message ID -> identity, never pruned

	// creationFailed marks identities whose unit creation was denied; the
	// engine skips creation for them until LinkUnit clears the mark.
	creationFailed map[string]bool

	// identityLocks serializes resolve-or-create per identity so two
	// near-simultaneous messages from the same user cannot both create a unit.
	identityLocks sync.Map // identity ID -> *sync.Mutex
}

// NewRoutingState creates empty mapping tables.
func NewRoutingState() *RoutingState {
	return &RoutingState{
		unitByIdentity: map[string]Unit{},
		identityByUnit: map[string]Identity{},
		forwardRecords: map[string]ForwardRecord{},
		identityByMsg:  map[string]Identity{},
		creationFailed: map[string]bool{},
	}
}

// lockIdentity returns the mutual-exclusion lock for one identity.
func (s *RoutingState) lockIdentity(identityID string) *sync.Mutex {
	actual, _ := s.identityLocks.LoadOrStore(identityID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// UnitFor returns the unit mapped to an identity.
func (s *RoutingState) UnitFor(identityID string) (Unit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unit, ok := s.unitByIdentity[identityID]
	return unit, ok
}

// IdentityForUnit returns the identity owning a unit.
func (s *RoutingState) IdentityForUnit(unitID string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identityByUnit[unitID]
	return identity, ok
}

// SetUnit inserts the identity/unit pair into both tables. If the identity
// already owned another unit, the reverse entry for the old unit is removed
// so the two tables stay in agreement.
func (s *RoutingState) SetUnit(identity Identity, unit Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.unitByIdentity[identity.ID]; ok && old.ID != unit.ID {
		delete(s.identityByUnit, old.ID)
	}
	s.unitByIdentity[identity.ID] = unit
	s.identityByUnit[unit.ID] = identity
	delete(s.creationFailed, identity.ID)
}

// EvictUnit removes the mapping for an identity from both tables.
func (s *RoutingState) EvictUnit(identityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.unitByIdentity[identityID]
	if !ok {
		return
	}
	delete(s.unitByIdentity, identityID)
	delete(s.identityByUnit, unit.ID)
}

// ForwardRecordFor returns the latest forward record for an identity.
func (s *RoutingState) ForwardRecordFor(identityID string) (ForwardRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.forwardRecords[identityID]
	return rec, ok
}

// SetForwardRecord overwrites the forward record for the record's identity.
func (s *RoutingState) SetForwardRecord(rec ForwardRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwardRecords[rec.Identity.ID] = rec
}

// IndexForwardedMessage maps a forwarded message ID back to its identity.
// Entries accumulate for the process lifetime to allow delayed replies.
func (s *RoutingState) IndexForwardedMessage(messageID string, identity Identity) {
	if messageID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identityByMsg[messageID] = identity
}

// IdentityForForwardedMessage resolves a forwarded message ID to its sender.
func (s *RoutingState) IdentityForForwardedMessage(messageID string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identityByMsg[messageID]
	return identity, ok
}

// MarkCreationFailed records that unit creation was denied for an identity.
func (s *RoutingState) MarkCreationFailed(identityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creationFailed[identityID] = true
}

// CreationFailed reports whether unit creation is disabled for an identity.
func (s *RoutingState) CreationFailed(identityID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creationFailed[identityID]
}

// MappingEntry is one identity-to-unit pair in a snapshot.
type MappingEntry struct {
	Identity Identity `json:"identity"`
	Unit     Unit     `json:"unit"`
}

// SnapshotUnits returns all current identity-to-unit mappings sorted by
// identity ID, for the /units command and the dashboard.
func (s *RoutingState) SnapshotUnits() []MappingEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]MappingEntry, 0, len(s.unitByIdentity))
	for identityID, unit := range s.unitByIdentity {
		identity := s.identityByUnit[unit.ID]
		if identity.ID == "" {
			identity = Identity{ID: identityID}
		}
		entries = append(entries, MappingEntry{Identity: identity, Unit: unit})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity.ID < entries[j].Identity.ID
	})
	return entries
}

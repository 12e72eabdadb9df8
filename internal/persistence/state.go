package persistence

import (
	"bytes"
	"fmt"

	"github.com/roach88/conductor/internal/model"
)

// EntityState is the lifecycle state of a cached entity.
type EntityState int

const (
	// StateTransient is a new entity that has never been written.
	StateTransient EntityState = iota + 1
	// StatePersistent is an entity loaded from the store.
	StatePersistent
	// StateMerged is a detached entity re-attached without a snapshot; it
	// is written unconditionally on flush.
	StateMerged
	StateDeletedTransient
	StateDeletedPersistent
	StateDeletedMerged
)

func (s EntityState) String() string {
	switch s {
	case StateTransient:
		return "TRANSIENT"
	case StatePersistent:
		return "PERSISTENT"
	case StateMerged:
		return "MERGED"
	case StateDeletedTransient:
		return "DELETED_TRANSIENT"
	case StateDeletedPersistent:
		return "DELETED_PERSISTENT"
	case StateDeletedMerged:
		return "DELETED_MERGED"
	}
	return fmt.Sprintf("EntityState(%d)", int(s))
}

// IsDeleted reports whether the state is one of the deleted states.
func (s EntityState) IsDeleted() bool {
	return s == StateDeletedTransient || s == StateDeletedPersistent || s == StateDeletedMerged
}

// deleted maps a live state to its deleted counterpart.
func (s EntityState) deleted() EntityState {
	switch s {
	case StateTransient:
		return StateDeletedTransient
	case StatePersistent:
		return StateDeletedPersistent
	case StateMerged:
		return StateDeletedMerged
	}
	return s
}

// CachedEntity is an entity together with its state and the snapshot taken
// when it entered the cache as PERSISTENT.
type CachedEntity struct {
	Entity   model.Entity
	State    EntityState
	snapshot []byte
}

// IsDirty reports whether a PERSISTENT entity changed since its snapshot.
// Other states are never dirty; their writes come from the state itself.
func (c *CachedEntity) IsDirty() (bool, error) {
	if c.State != StatePersistent {
		return false, nil
	}
	current, err := model.Snapshot(c.Entity)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(current, c.snapshot), nil
}

func (c *CachedEntity) takeSnapshot() error {
	snap, err := model.Snapshot(c.Entity)
	if err != nil {
		return err
	}
	c.snapshot = snap
	return nil
}

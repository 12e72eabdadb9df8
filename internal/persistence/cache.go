package persistence

import (
	"fmt"

	"github.com/roach88/conductor/internal/model"
)

type cacheKey struct {
	family model.Family
	id     string
}

func keyOf(e model.Entity) cacheKey {
	return cacheKey{family: e.Kind().Family(), id: e.EntityID()}
}

// EntityCache maps (family, id) to the single in-memory instance of a
// record within one unit of work. Iteration follows insertion order.
//
// Remove leaves a tombstone in the insertion order; Compact drops them.
type EntityCache struct {
	entries map[cacheKey]*CachedEntity
	order   []*CachedEntity
	removed int
}

// NewEntityCache creates an empty cache.
func NewEntityCache() *EntityCache {
	return &EntityCache{entries: make(map[cacheKey]*CachedEntity)}
}

func (c *EntityCache) add(ce *CachedEntity) {
	c.entries[keyOf(ce.Entity)] = ce
	c.order = append(c.order, ce)
}

// live reports whether an order slot is still the cached entry for its key.
func (c *EntityCache) live(ce *CachedEntity) bool {
	return c.entries[keyOf(ce.Entity)] == ce
}

// PutTransient registers a new entity. The entity must already carry an id.
func (c *EntityCache) PutTransient(e model.Entity) error {
	if e.EntityID() == "" {
		return fmt.Errorf("put transient %s: entity has no id", e.Kind())
	}
	if existing, ok := c.entries[keyOf(e)]; ok {
		return fmt.Errorf("put transient %s %s: already cached as %s", e.Kind(), e.EntityID(), existing.State)
	}
	c.add(&CachedEntity{Entity: e, State: StateTransient})
	return nil
}

// PutPersistent registers an entity read from the store. If the cache
// already holds an instance with the same identity, that instance is
// returned and e is discarded, so a record is never represented twice.
func (c *EntityCache) PutPersistent(e model.Entity) (model.Entity, error) {
	if existing, ok := c.entries[keyOf(e)]; ok {
		return existing.Entity, nil
	}
	ce := &CachedEntity{Entity: e, State: StatePersistent}
	if err := ce.takeSnapshot(); err != nil {
		return nil, err
	}
	c.add(ce)
	return e, nil
}

// PutMerged attaches a detached entity. A merged entity is written on
// flush regardless of its contents, conditioned on the revision it carries.
func (c *EntityCache) PutMerged(e model.Entity) error {
	existing, ok := c.entries[keyOf(e)]
	if !ok {
		c.add(&CachedEntity{Entity: e, State: StateMerged})
		return nil
	}
	if existing.Entity != e {
		return fmt.Errorf("merge %s %s: another instance is cached as %s", e.Kind(), e.EntityID(), existing.State)
	}
	switch existing.State {
	case StatePersistent:
		existing.State = StateMerged
	case StateTransient, StateMerged:
	default:
		return fmt.Errorf("merge %s %s: entity is %s", e.Kind(), e.EntityID(), existing.State)
	}
	return nil
}

// SetDeleted moves an entity to the matching deleted state. An entity the
// cache has never seen is recorded as DELETED_MERGED.
func (c *EntityCache) SetDeleted(e model.Entity) error {
	existing, ok := c.entries[keyOf(e)]
	if !ok {
		c.add(&CachedEntity{Entity: e, State: StateDeletedMerged})
		return nil
	}
	existing.State = existing.State.deleted()
	return nil
}

// Get returns the cached instance for (family, id), or nil. Deleted
// entities are returned too; use Lookup to see the state.
func (c *EntityCache) Get(family model.Family, id string) model.Entity {
	if ce, ok := c.entries[cacheKey{family: family, id: id}]; ok {
		return ce.Entity
	}
	return nil
}

// Lookup returns the cache entry for (family, id), or nil.
func (c *EntityCache) Lookup(family model.Family, id string) *CachedEntity {
	return c.entries[cacheKey{family: family, id: id}]
}

// Contains reports whether the exact instance e is cached.
func (c *EntityCache) Contains(e model.Entity) bool {
	ce, ok := c.entries[keyOf(e)]
	return ok && ce.Entity == e
}

// Entries returns all cache entries in insertion order.
func (c *EntityCache) Entries() []*CachedEntity {
	out := make([]*CachedEntity, 0, len(c.entries))
	for _, ce := range c.order {
		if c.live(ce) {
			out = append(out, ce)
		}
	}
	return out
}

// EntriesOf returns the live (non-deleted) entities of one family.
func (c *EntityCache) EntriesOf(family model.Family) []model.Entity {
	var out []model.Entity
	for _, ce := range c.order {
		if ce.Entity.Kind().Family() != family || !c.live(ce) {
			continue
		}
		if !ce.State.IsDeleted() {
			out = append(out, ce.Entity)
		}
	}
	return out
}

// Remove evicts an entity in constant time.
func (c *EntityCache) Remove(e model.Entity) {
	k := keyOf(e)
	if _, ok := c.entries[k]; !ok {
		return
	}
	delete(c.entries, k)
	c.removed++
}

// Compact drops the order slots of removed entities.
func (c *EntityCache) Compact() {
	if c.removed == 0 {
		return
	}
	kept := c.order[:0]
	for _, ce := range c.order {
		if c.live(ce) {
			kept = append(kept, ce)
		}
	}
	clear(c.order[len(kept):])
	c.order = kept
	c.removed = 0
}

// MarkPersistent records that e now matches the store: the state becomes
// PERSISTENT and the snapshot is retaken.
func (c *EntityCache) MarkPersistent(e model.Entity) error {
	ce, ok := c.entries[keyOf(e)]
	if !ok {
		return fmt.Errorf("mark persistent %s %s: not cached", e.Kind(), e.EntityID())
	}
	ce.State = StatePersistent
	return ce.takeSnapshot()
}

// Len returns the number of cached entities.
func (c *EntityCache) Len() int {
	return len(c.entries)
}

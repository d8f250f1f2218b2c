package cache

import (
	"encoding/binary"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/beaconbot/beacon/internal/core"
)

// DefaultPartitions is used when New is given a non-positive partition count.
const DefaultPartitions = 64

const indexShards = 32

// Reader is the read-only view of the cache handed to command handlers and
// the tracking engine.
type Reader interface {
	Get(key core.Key) (core.Entity, bool)
	Guild(id core.ID) (*core.Guild, bool)
	Channel(id core.ID) (*core.Channel, bool)
	Member(guildID, userID core.ID) (*core.Member, bool)
	Role(id core.ID) (*core.Role, bool)
	Children(parent core.Key) iter.Seq[core.Entity]
}

// Cache mirrors remote entity state.
//
// Entities are partitioned by their root (the owning guild, or the entity
// itself when it has no parent), so a guild and all of its children live under
// one partition lock. Cascading removal is therefore a single critical
// section, and writers to unrelated guilds only contend on a hash collision.
// Channel and role ids are not scoped by guild on the wire; a sharded location
// index resolves them to their root. Index entries are only written while the
// owning partition is locked (lock order: partition, then index shard).
//
// Snapshots returned by the cache are shared and must not be modified.
type Cache struct {
	parts   []partition
	index   [indexShards]indexShard
	orphans atomic.Uint64
}

var _ Reader = (*Cache)(nil)

type partition struct {
	mu       sync.RWMutex
	entities map[core.Key]core.Entity
	children map[core.Key]map[core.Key]struct{}
}

type indexShard struct {
	mu    sync.RWMutex
	roots map[core.Key]core.Key
}

// New returns an empty cache with n partitions.
func New(n int) *Cache {
	if n <= 0 {
		n = DefaultPartitions
	}
	c := &Cache{parts: make([]partition, n)}
	for i := range c.parts {
		c.parts[i].entities = make(map[core.Key]core.Entity)
		c.parts[i].children = make(map[core.Key]map[core.Key]struct{})
	}
	for i := range c.index {
		c.index[i].roots = make(map[core.Key]core.Key)
	}
	return c
}

// Upsert stores a snapshot of entity, replacing any previous snapshot with the
// same key. It reports whether the entity references a parent that is not
// cached; such entities are stored anyway and counted as inconsistencies.
func (c *Cache) Upsert(entity core.Entity) (orphan bool) {
	if entity == nil {
		return false
	}
	entity = clone(entity)
	key := entity.Key()
	root := rootOf(entity)

	// An entity that moved between roots is dropped from its old partition first.
	if prev, ok := c.lookupRoot(key); ok && prev != root {
		c.removeFrom(prev, key)
	}

	p := c.partition(root)
	p.mu.Lock()
	defer p.mu.Unlock()

	orphan = c.putLocked(p, entity)
	if orphan {
		c.orphans.Add(1)
	}
	return orphan
}

// Remove deletes the entity stored under key together with every entity that
// depends on it. It reports whether the entity was cached.
func (c *Cache) Remove(key core.Key) bool {
	root, ok := c.lookupRoot(key)
	if !ok {
		return false
	}
	return c.removeFrom(root, key)
}

// Get returns the snapshot stored under key.
func (c *Cache) Get(key core.Key) (core.Entity, bool) {
	for attempt := 0; attempt < 3; attempt++ {
		root, ok := c.lookupRoot(key)
		if !ok {
			return nil, false
		}
		p := c.partition(root)
		p.mu.RLock()
		entity, found := p.entities[key]
		p.mu.RUnlock()
		if found {
			return entity, true
		}
		// The entity may have moved to another root between the two lookups.
		if current, ok := c.lookupRoot(key); !ok || current == root {
			return nil, false
		}
	}
	return nil, false
}

// Guild returns a cached guild.
func (c *Cache) Guild(id core.ID) (*core.Guild, bool) {
	return getAs[*core.Guild](c, core.GuildKey(id))
}

// Channel returns a cached channel.
func (c *Cache) Channel(id core.ID) (*core.Channel, bool) {
	return getAs[*core.Channel](c, core.ChannelKey(id))
}

// Member returns a cached guild member.
func (c *Cache) Member(guildID, userID core.ID) (*core.Member, bool) {
	return getAs[*core.Member](c, core.MemberKey(guildID, userID))
}

// Role returns a cached role.
func (c *Cache) Role(id core.ID) (*core.Role, bool) {
	return getAs[*core.Role](c, core.RoleKey(id))
}

// Children lazily yields the entities whose parent is the given key. Child
// keys are captured when iteration starts; each child is then read under the
// partition lock and skipped if it, or its parent, was removed meanwhile.
func (c *Cache) Children(parent core.Key) iter.Seq[core.Entity] {
	return func(yield func(core.Entity) bool) {
		root, ok := c.lookupRoot(parent)
		if !ok {
			// Children of an uncached parent may still be cached as orphans.
			root = parent
		}
		p := c.partition(root)

		p.mu.RLock()
		set := p.children[parent]
		keys := make([]core.Key, 0, len(set))
		for key := range set {
			keys = append(keys, key)
		}
		p.mu.RUnlock()

		for _, key := range keys {
			p.mu.RLock()
			entity, found := p.entities[key]
			_, parentPresent := p.entities[parent]
			p.mu.RUnlock()
			if !found || (ok && !parentPresent) {
				continue
			}
			if !yield(entity) {
				return
			}
		}
	}
}

// Channels lazily yields the channels of a guild.
func (c *Cache) Channels(guildID core.ID) iter.Seq[*core.Channel] {
	return ofKind[*core.Channel](c.Children(core.GuildKey(guildID)))
}

// Roles lazily yields the roles of a guild.
func (c *Cache) Roles(guildID core.ID) iter.Seq[*core.Role] {
	return ofKind[*core.Role](c.Children(core.GuildKey(guildID)))
}

// Members lazily yields the cached members of a guild.
func (c *Cache) Members(guildID core.ID) iter.Seq[*core.Member] {
	return ofKind[*core.Member](c.Children(core.GuildKey(guildID)))
}

// ReplaceGuild atomically replaces a guild and all of its children with a
// fresh snapshot. Children whose parent is not guild are upserted separately.
func (c *Cache) ReplaceGuild(guild *core.Guild, children ...core.Entity) {
	if guild == nil {
		return
	}
	guild = clone(guild).(*core.Guild)
	gk := guild.Key()

	owned := make([]core.Entity, 0, len(children))
	var strays []core.Entity
	for _, child := range children {
		if child == nil {
			continue
		}
		if rootOf(child) != gk {
			strays = append(strays, child)
			continue
		}
		// A child indexed under another root is dropped there first.
		if prev, ok := c.lookupRoot(child.Key()); ok && prev != gk {
			c.removeFrom(prev, child.Key())
		}
		owned = append(owned, clone(child))
	}

	p := c.partition(gk)
	p.mu.Lock()
	c.removeLocked(p, gk)
	c.putLocked(p, guild)
	for _, child := range owned {
		c.putLocked(p, child)
	}
	p.mu.Unlock()

	for _, stray := range strays {
		c.Upsert(stray)
	}
}

// RemoveGuilds removes every cached guild matching pred, with its children.
// It returns the number of guilds removed.
func (c *Cache) RemoveGuilds(pred func(core.ID) bool) int {
	removed := 0
	for i := range c.parts {
		p := &c.parts[i]
		p.mu.Lock()
		var matched []core.Key
		for key := range p.entities {
			if key.Kind == core.KindGuild && pred(key.ID) {
				matched = append(matched, key)
			}
		}
		for _, key := range matched {
			if c.removeLocked(p, key) {
				removed++
			}
		}
		p.mu.Unlock()
	}
	return removed
}

// Stats summarizes cache contents.
type Stats struct {
	Guilds   int    `json:"guilds"`
	Channels int    `json:"channels"`
	Members  int    `json:"members"`
	Roles    int    `json:"roles"`
	Orphans  uint64 `json:"orphans"`
}

// Stats counts cached entities per kind. Partitions are visited one at a time,
// so the result is not a global snapshot.
func (c *Cache) Stats() Stats {
	var stats Stats
	for i := range c.parts {
		p := &c.parts[i]
		p.mu.RLock()
		for key := range p.entities {
			switch key.Kind {
			case core.KindGuild:
				stats.Guilds++
			case core.KindChannel:
				stats.Channels++
			case core.KindMember:
				stats.Members++
			case core.KindRole:
				stats.Roles++
			}
		}
		p.mu.RUnlock()
	}
	stats.Orphans = c.orphans.Load()
	return stats
}

// putLocked stores entity in p, which must be its root partition and locked.
func (c *Cache) putLocked(p *partition, entity core.Entity) (orphan bool) {
	key := entity.Key()

	if previous, ok := p.entities[key]; ok {
		if oldParent, hasOld := previous.Parent(); hasOld {
			if newParent, hasNew := entity.Parent(); !hasNew || newParent != oldParent {
				unlinkChild(p, oldParent, key)
			}
		}
	}

	c.setRoot(key, rootOf(entity))
	p.entities[key] = entity

	if parent, ok := entity.Parent(); ok {
		set := p.children[parent]
		if set == nil {
			set = make(map[core.Key]struct{})
			p.children[parent] = set
		}
		set[key] = struct{}{}
		if _, present := p.entities[parent]; !present {
			orphan = true
		}
	}
	return orphan
}

// removeLocked deletes key and its descendants from p, which must be locked.
func (c *Cache) removeLocked(p *partition, key core.Key) bool {
	entity, existed := p.entities[key]

	if set, ok := p.children[key]; ok {
		delete(p.children, key)
		for child := range set {
			c.removeLocked(p, child)
		}
	}

	if !existed {
		return false
	}
	delete(p.entities, key)
	c.clearRoot(key)
	if parent, ok := entity.Parent(); ok {
		unlinkChild(p, parent, key)
	}
	return true
}

func (c *Cache) removeFrom(root, key core.Key) bool {
	p := c.partition(root)
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.removeLocked(p, key)
}

func unlinkChild(p *partition, parent, child core.Key) {
	if set, ok := p.children[parent]; ok {
		delete(set, child)
		if len(set) == 0 {
			delete(p.children, parent)
		}
	}
}

func (c *Cache) partition(root core.Key) *partition {
	return &c.parts[hashKey(root)%uint64(len(c.parts))]
}

// lookupRoot resolves the partition root of key. Guild and member keys carry
// their root; channel and role keys go through the index.
func (c *Cache) lookupRoot(key core.Key) (core.Key, bool) {
	switch key.Kind {
	case core.KindGuild:
		return key, true
	case core.KindMember:
		return core.GuildKey(key.Scope), true
	}
	shard := c.indexShard(key)
	shard.mu.RLock()
	root, ok := shard.roots[key]
	shard.mu.RUnlock()
	return root, ok
}

func (c *Cache) setRoot(key, root core.Key) {
	if key.Kind == core.KindGuild || key.Kind == core.KindMember {
		return
	}
	shard := c.indexShard(key)
	shard.mu.Lock()
	shard.roots[key] = root
	shard.mu.Unlock()
}

func (c *Cache) clearRoot(key core.Key) {
	if key.Kind == core.KindGuild || key.Kind == core.KindMember {
		return
	}
	shard := c.indexShard(key)
	shard.mu.Lock()
	delete(shard.roots, key)
	shard.mu.Unlock()
}

func (c *Cache) indexShard(key core.Key) *indexShard {
	return &c.index[hashKey(key)%indexShards]
}

// rootOf returns the key whose partition owns entity.
func rootOf(entity core.Entity) core.Key {
	parent, ok := entity.Parent()
	if !ok {
		return entity.Key()
	}
	if parent.Kind == core.KindGuild {
		return parent
	}
	return core.GuildKey(parent.Scope)
}

func hashKey(key core.Key) uint64 {
	var buf [17]byte
	buf[0] = kindByte(key.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(key.ID))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(key.Scope))
	return xxhash.Sum64(buf[:])
}

func kindByte(kind core.EntityKind) byte {
	switch kind {
	case core.KindGuild:
		return 1
	case core.KindChannel:
		return 2
	case core.KindMember:
		return 3
	case core.KindRole:
		return 4
	default:
		if kind == "" {
			return 0
		}
		return kind[0]
	}
}

func getAs[T core.Entity](c *Cache, key core.Key) (T, bool) {
	var zero T
	entity, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := entity.(T)
	return typed, ok
}

func ofKind[T core.Entity](seq iter.Seq[core.Entity]) iter.Seq[T] {
	return func(yield func(T) bool) {
		for entity := range seq {
			typed, ok := entity.(T)
			if !ok {
				continue
			}
			if !yield(typed) {
				return
			}
		}
	}
}

// clone copies known snapshot types so later mutation by the producer cannot
// leak into the cache.
func clone(entity core.Entity) core.Entity {
	switch e := entity.(type) {
	case *core.Guild:
		cp := *e
		return &cp
	case *core.Channel:
		cp := *e
		return &cp
	case *core.Role:
		cp := *e
		return &cp
	case *core.Member:
		cp := *e
		if e.Roles != nil {
			cp.Roles = append([]core.ID(nil), e.Roles...)
		}
		return &cp
	default:
		return entity
	}
}

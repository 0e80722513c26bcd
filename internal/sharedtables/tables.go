// Package sharedtables implements the two fixed-capacity concurrent hash
// tables (C1) visible to every worker goroutine: the Channels Table
// (subscription membership) and the Auth Table (authenticated sessions).
//
// The Channels Table is rendered as a sharded map — N shards, each guarded
// by its own sync.RWMutex — the idiomatic Go answer to "a runtime-provided
// fixed-size concurrent hash table" named in the design notes. The Auth
// Table is a single map guarded by one sync.RWMutex.
package sharedtables

import (
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
)

const defaultShardCount = 32

// ErrCapacityExhausted is returned by an insert that would exceed the
// table's configured capacity; distinguishable from "already present"
// which is a normal idempotent no-op.
type ErrCapacityExhausted struct{ Table string }

func (e *ErrCapacityExhausted) Error() string { return e.Table + " at capacity" }

func shardFor(key string, shardCount int) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % uint32(shardCount)
}

// --- Channels Table -------------------------------------------------------

// ChannelsTable stores `channel || 0x00 || fd` membership keys with set
// semantics: presence is the only payload.
type ChannelsTable struct {
	capacity int
	count    int64 // atomic: total keys across all shards
	shards   []*channelShard
}

type channelShard struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewChannelsTable allocates a table fixed at the given capacity.
func NewChannelsTable(capacity int) *ChannelsTable {
	t := &ChannelsTable{capacity: capacity, shards: make([]*channelShard, defaultShardCount)}
	for i := range t.shards {
		t.shards[i] = &channelShard{keys: make(map[string]struct{})}
	}
	return t
}

func membershipKey(channel string, fd int64) string {
	return channel + "\x00" + strconv.FormatInt(fd, 10)
}

// Len returns the total number of membership keys currently stored.
func (t *ChannelsTable) Len() int {
	return int(atomic.LoadInt64(&t.count))
}

// Insert adds a (channel, fd) membership. Idempotent: inserting an existing
// membership is a no-op success. Returns ErrCapacityExhausted if the table
// is full and the key is not already present.
func (t *ChannelsTable) Insert(channel string, fd int64) error {
	key := membershipKey(channel, fd)
	shard := t.shards[shardFor(key, len(t.shards))]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.keys[key]; exists {
		return nil
	}
	for {
		n := atomic.LoadInt64(&t.count)
		if int(n) >= t.capacity {
			return &ErrCapacityExhausted{Table: "channels"}
		}
		if atomic.CompareAndSwapInt64(&t.count, n, n+1) {
			break
		}
	}
	shard.keys[key] = struct{}{}
	return nil
}

// Remove deletes a (channel, fd) membership. Idempotent; no error if absent.
func (t *ChannelsTable) Remove(channel string, fd int64) {
	key := membershipKey(channel, fd)
	shard := t.shards[shardFor(key, len(t.shards))]
	shard.mu.Lock()
	if _, exists := shard.keys[key]; exists {
		delete(shard.keys, key)
		atomic.AddInt64(&t.count, -1)
	}
	shard.mu.Unlock()
}

// MembersOf returns every fd subscribed to channel via a prefix scan.
func (t *ChannelsTable) MembersOf(channel string) []int64 {
	prefix := channel + "\x00"
	var members []int64
	for _, shard := range t.shards {
		shard.mu.RLock()
		for key := range shard.keys {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				if fd, err := strconv.ParseInt(key[len(prefix):], 10, 64); err == nil {
					members = append(members, fd)
				}
			}
		}
		shard.mu.RUnlock()
	}
	return members
}

// ChannelsOf returns every channel a given fd is subscribed to, by scanning
// for the suffix `\x00<fd>`. Used for disconnect cleanup.
func (t *ChannelsTable) ChannelsOf(fd int64) []string {
	suffix := "\x00" + strconv.FormatInt(fd, 10)
	var channels []string
	for _, shard := range t.shards {
		shard.mu.RLock()
		for key := range shard.keys {
			if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
				channels = append(channels, key[:len(key)-len(suffix)])
			}
		}
		shard.mu.RUnlock()
	}
	return channels
}

// RemoveAllForFd deletes every membership key with suffix fd — invariant
// (b) of the Subscription entity, enforced on connection close.
func (t *ChannelsTable) RemoveAllForFd(fd int64) {
	for _, channel := range t.ChannelsOf(fd) {
		t.Remove(channel, fd)
	}
}

// --- Auth Table -------------------------------------------------------

// Session is a row of the Auth Table: the authenticated identity bound to
// one fd.
type Session struct {
	Fd         int64
	AccountID  string
	ProfileID  string
	Token      string
	DeviceHash string
}

// AuthTable stores at most one Session per fd. Writes are last-writer-wins;
// readers observe a consistent (never torn) row because the table's single
// lock covers the whole read/write of the session pointer.
type AuthTable struct {
	capacity int
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewAuthTable allocates a table fixed at the given capacity.
func NewAuthTable(capacity int) *AuthTable {
	return &AuthTable{capacity: capacity, sessions: make(map[int64]*Session, capacity)}
}

// Put writes (or overwrites) the Session for fd. Returns
// ErrCapacityExhausted if the table is full and fd does not already have a
// session.
func (t *AuthTable) Put(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[s.Fd]; !exists && len(t.sessions) >= t.capacity {
		return &ErrCapacityExhausted{Table: "sessions"}
	}
	t.sessions[s.Fd] = s
	return nil
}

// Get reads the Session for fd, if any.
func (t *AuthTable) Get(fd int64) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[fd]
	return s, ok
}

// Delete removes the Session for fd, if any.
func (t *AuthTable) Delete(fd int64) {
	t.mu.Lock()
	delete(t.sessions, fd)
	t.mu.Unlock()
}

// Len returns the number of live sessions.
func (t *AuthTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

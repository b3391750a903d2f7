// Package acl keeps the node-local access-control cache convergent with
// durable storage. Changes are persisted by the node that issues them and
// announced on a Redis channel; every node applies them idempotently and
// reloads the full list periodically.
package acl

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/park285/meet-signaling/internal/domain"
)

// ActionJoin allows a subject to join an invite-only room.
const ActionJoin = "join"

// Entry grants Subject the right to perform Action on Resource.
type Entry struct {
	Subject  string `json:"subject"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

func (e Entry) normalized() Entry {
	return Entry{
		Subject:  strings.TrimSpace(e.Subject),
		Resource: strings.TrimSpace(e.Resource),
		Action:   strings.ToLower(strings.TrimSpace(e.Action)),
	}
}

func (e Entry) valid() bool { return e.Subject != "" && e.Resource != "" && e.Action != "" }

// RoomResource is the resource name of a room.
func RoomResource(room domain.RoomID) string { return "room:" + string(room) }

// JoinEntry is the entry letting userID into room.
func JoinEntry(userID string, room domain.RoomID) Entry {
	return Entry{Subject: userID, Resource: RoomResource(room), Action: ActionJoin}
}

type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

var ErrInvalidChange = errors.New("invalid acl change")

// Change is one mutation of the ACL, identified so replays are detectable.
type Change struct {
	ID    uuid.UUID `json:"id"`
	Op    Op        `json:"op"`
	Entry Entry     `json:"entry"`
	At    time.Time `json:"at"`
	Node  string    `json:"node,omitempty"`
}

func NewChange(op Op, e Entry) Change {
	return Change{ID: uuid.New(), Op: op, Entry: e.normalized(), At: time.Now().UTC()}
}

func (c Change) Validate() error {
	if c.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidChange)
	}
	if c.Op != OpAdd && c.Op != OpRemove {
		return fmt.Errorf("%w: op %q", ErrInvalidChange, c.Op)
	}
	if !c.Entry.normalized().valid() {
		return fmt.Errorf("%w: incomplete entry", ErrInvalidChange)
	}
	return nil
}

func decodeChange(raw []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(raw, &c); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	c.Entry = c.Entry.normalized()
	return c, c.Validate()
}

const seenCapacity = 4096

// Cache is the process-wide permission cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[Entry]struct{}
	seen    map[uuid.UUID]struct{}
	ring    []uuid.UUID
	next    int
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[Entry]struct{}),
		seen:    make(map[uuid.UUID]struct{}, seenCapacity),
		ring:    make([]uuid.UUID, seenCapacity),
	}
}

// Apply applies c unless a change with the same ID was applied before. It
// reports whether the cache changed.
func (c *Cache) Apply(ch Change) bool {
	e := ch.Entry.normalized()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[ch.ID]; dup {
		return false
	}
	c.remember(ch.ID)
	_, present := c.entries[e]
	switch ch.Op {
	case OpAdd:
		c.entries[e] = struct{}{}
		return !present
	case OpRemove:
		delete(c.entries, e)
		return present
	}
	return false
}

func (c *Cache) remember(id uuid.UUID) {
	if old := c.ring[c.next]; old != uuid.Nil {
		delete(c.seen, old)
	}
	c.ring[c.next] = id
	c.seen[id] = struct{}{}
	c.next = (c.next + 1) % len(c.ring)
}

// Replace swaps in a full snapshot. Applied change IDs are kept so a late
// replay of an already-applied change stays a no-op.
func (c *Cache) Replace(entries []Entry) {
	next := make(map[Entry]struct{}, len(entries))
	for _, e := range entries {
		if e = e.normalized(); e.valid() {
			next[e] = struct{}{}
		}
	}
	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()
}

func (c *Cache) Allowed(e Entry) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[e.normalized()]
	return ok
}

// Snapshot returns the entries in a stable order.
func (c *Cache) Snapshot() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		return a.Action < b.Action
	})
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

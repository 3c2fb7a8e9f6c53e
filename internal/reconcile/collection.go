// Package reconcile merges optimistic local entities with server-confirmed
// ones in an ordered, deduplicated view. The collection is a plain data
// structure with explicit mutation methods so every transition is testable
// in isolation.
package reconcile

import "github.com/vigia-app/vigia/internal/store"

// Entry is one row of the reconciled view. ID is the locally generated id
// while optimistic and the server id once confirmed.
type Entry struct {
	ID         string
	Optimistic bool
	Message    store.Message
}

// Collection is an ordered, newest-first view of one channel's entities.
// It is not safe for concurrent use; the hub serializes access.
type Collection struct {
	entries []Entry
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{}
}

// Len returns the number of entries.
func (c *Collection) Len() int { return len(c.entries) }

// Entries returns a snapshot copy of the current view, newest first.
func (c *Collection) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Collection) index(id string) int {
	for i := range c.entries {
		if c.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// InsertOptimistic unshifts a locally created, unconfirmed entity to the
// front of the view. Re-inserting the same local id updates in place.
func (c *Collection) InsertOptimistic(localID string, msg store.Message) {
	msg.Optimistic = true
	if i := c.index(localID); i >= 0 {
		c.entries[i] = Entry{ID: localID, Optimistic: true, Message: msg}
		return
	}
	c.entries = append([]Entry{{ID: localID, Optimistic: true, Message: msg}}, c.entries...)
}

// Confirm replaces the optimistic entry for localID in place with the
// server-confirmed entity, keeping its position. It never produces a
// duplicate: if the server id already arrived via a remote update, the
// optimistic entry is dropped instead.
func (c *Collection) Confirm(localID, serverID string, msg store.Message) bool {
	msg.Optimistic = false
	msg.MsgID = serverID

	local := c.index(localID)
	if existing := c.index(serverID); existing >= 0 {
		c.entries[existing] = Entry{ID: serverID, Message: msg}
		if local >= 0 {
			c.entries = append(c.entries[:local], c.entries[local+1:]...)
		}
		return true
	}
	if local < 0 {
		return false
	}
	c.entries[local] = Entry{ID: serverID, Message: msg}
	return true
}

// Rollback removes an optimistic entry entirely. Used when a send fails
// terminally or a conflict is resolved in the server's favor.
func (c *Collection) Rollback(localID string) bool {
	i := c.index(localID)
	if i < 0 || !c.entries[i].Optimistic {
		return false
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	return true
}

// ApplyRemoteUpdate upserts a server entity keyed on its server id. A new
// entity unshifts to the front; an edit keeps its position. Applying the
// same update twice leaves the view unchanged.
func (c *Collection) ApplyRemoteUpdate(msg store.Message) {
	msg.Optimistic = false
	if i := c.index(msg.MsgID); i >= 0 {
		c.entries[i] = Entry{ID: msg.MsgID, Message: msg}
		return
	}
	c.entries = append([]Entry{{ID: msg.MsgID, Message: msg}}, c.entries...)
}

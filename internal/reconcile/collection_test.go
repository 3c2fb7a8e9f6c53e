package reconcile

import (
	"testing"

	"github.com/vigia-app/vigia/internal/store"
)

func msg(channelID, id, body string) store.Message {
	return store.Message{ChannelID: channelID, MsgID: id, Body: body}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func assertOrder(t *testing.T, c *Collection, want ...string) {
	t.Helper()
	got := ids(c.Entries())
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}

func TestInsertOptimisticUnshiftsNewestFirst(t *testing.T) {
	c := NewCollection()
	c.InsertOptimistic("l-1", msg("ch", "l-1", "first"))
	c.InsertOptimistic("l-2", msg("ch", "l-2", "second"))

	assertOrder(t, c, "l-2", "l-1")
	for _, e := range c.Entries() {
		if !e.Optimistic {
			t.Errorf("entry %s not marked optimistic", e.ID)
		}
	}
}

func TestConfirmReplacesInPlace(t *testing.T) {
	c := NewCollection()
	c.ApplyRemoteUpdate(msg("ch", "s-0", "older"))
	c.InsertOptimistic("l-1", msg("ch", "l-1", "mine"))
	c.ApplyRemoteUpdate(msg("ch", "s-2", "newer"))

	// l-1 sits in the middle; confirmation must keep that position.
	if !c.Confirm("l-1", "s-1", msg("ch", "l-1", "mine")) {
		t.Fatal("Confirm returned false")
	}
	assertOrder(t, c, "s-2", "s-1", "s-0")

	entries := c.Entries()
	if entries[1].Optimistic {
		t.Error("confirmed entry still optimistic")
	}
	if entries[1].Message.MsgID != "s-1" {
		t.Errorf("message id = %q, want server id", entries[1].Message.MsgID)
	}
}

func TestConfirmNeverDuplicatesWhenRemoteArrivedFirst(t *testing.T) {
	c := NewCollection()
	c.InsertOptimistic("l-1", msg("ch", "l-1", "mine"))
	// The server echo of our own message beats the ack.
	c.ApplyRemoteUpdate(msg("ch", "s-1", "mine"))

	if !c.Confirm("l-1", "s-1", msg("ch", "l-1", "mine")) {
		t.Fatal("Confirm returned false")
	}
	assertOrder(t, c, "s-1")
}

func TestConfirmUnknownLocalID(t *testing.T) {
	c := NewCollection()
	if c.Confirm("ghost", "s-1", msg("ch", "ghost", "x")) {
		t.Error("Confirm of unknown local id should return false")
	}
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0", c.Len())
	}
}

func TestRollbackRemovesOnlyOptimistic(t *testing.T) {
	c := NewCollection()
	c.ApplyRemoteUpdate(msg("ch", "s-1", "theirs"))
	c.InsertOptimistic("l-1", msg("ch", "l-1", "mine"))

	if !c.Rollback("l-1") {
		t.Fatal("Rollback returned false")
	}
	assertOrder(t, c, "s-1")

	// Confirmed entries are not rollback targets.
	if c.Rollback("s-1") {
		t.Error("Rollback removed a confirmed entry")
	}
	assertOrder(t, c, "s-1")
}

func TestApplyRemoteUpdateNewEntriesUnshift(t *testing.T) {
	c := NewCollection()
	c.ApplyRemoteUpdate(msg("ch", "s-1", "one"))
	c.ApplyRemoteUpdate(msg("ch", "s-2", "two"))
	assertOrder(t, c, "s-2", "s-1")
}

func TestApplyRemoteUpdateEditKeepsPosition(t *testing.T) {
	c := NewCollection()
	c.ApplyRemoteUpdate(msg("ch", "s-1", "one"))
	c.ApplyRemoteUpdate(msg("ch", "s-2", "two"))
	c.ApplyRemoteUpdate(msg("ch", "s-1", "one, edited"))

	assertOrder(t, c, "s-2", "s-1")
	if got := c.Entries()[1].Message.Body; got != "one, edited" {
		t.Errorf("body = %q, want edited body", got)
	}
}

func TestApplyRemoteUpdateIdempotent(t *testing.T) {
	c := NewCollection()
	c.ApplyRemoteUpdate(msg("ch", "s-1", "same"))
	before := c.Entries()
	c.ApplyRemoteUpdate(msg("ch", "s-1", "same"))
	after := c.Entries()

	if len(before) != len(after) {
		t.Fatalf("len changed: %d -> %d", len(before), len(after))
	}
	if before[0] != after[0] {
		t.Errorf("entry changed on re-application: %+v -> %+v", before[0], after[0])
	}
}

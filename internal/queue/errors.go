package queue

import (
	"errors"
	"fmt"
)

// ErrRetryExhausted marks a queue entry that hit its retry ceiling. The
// entry stays in the store with status "failed" and can be retried
// explicitly at any time.
var ErrRetryExhausted = errors.New("queue: retry ceiling reached")

// ErrUnknownResolution is returned by ResolveConflict for a policy name
// outside the accept-client/accept-server/merge set.
var ErrUnknownResolution = errors.New("queue: unknown conflict resolution")

// ConflictError is returned by a Sender when the server holds a diverging
// version of the data a queued message touches. The controller never
// resolves it on its own; the caller applies exactly one policy via
// ResolveConflict.
type ConflictError struct {
	ClientMsgID string
	Detail      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("queue: conflict on %s: %s", e.ClientMsgID, e.Detail)
}

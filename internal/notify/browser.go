package notify

import (
	"context"
	"sync"
)

// Outbox is a bounded in-memory queue of browser notifications per user. The
// client polls Drain.
type Outbox struct {
	mu      sync.Mutex
	limit   int
	pending map[string][]Notification
}

// NewOutbox keeps at most limit notifications per user; older ones are dropped.
func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = 50
	}
	return &Outbox{limit: limit, pending: make(map[string][]Notification)}
}

// Publish queues n for its user.
func (o *Outbox) Publish(_ context.Context, n Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := append(o.pending[n.UserID], n)
	if len(queue) > o.limit {
		queue = queue[len(queue)-o.limit:]
	}
	o.pending[n.UserID] = queue
	return nil
}

// Drain returns and clears the user's pending notifications.
func (o *Outbox) Drain(userID string) []Notification {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.pending[userID]
	delete(o.pending, userID)
	return queue
}

// Pending counts queued notifications across users.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	total := 0
	for _, queue := range o.pending {
		total += len(queue)
	}
	return total
}

var _ BrowserPublisher = (*Outbox)(nil)

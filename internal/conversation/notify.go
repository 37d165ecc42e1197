// ABOUTME: In-memory fan-out notifier for store change events
// ABOUTME: Lets the terminal UI re-render from the store without polling

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Change identifies which slice of store state mutated.
type Change int

const (
	ChangeMessages Change = iota
	ChangeDocuments
	ChangeConnection
	ChangeUpload
	ChangeUser
)

// Notifier provides in-memory pub/sub for store changes. Subscribers
// receive a Change tag per mutation and read the new state back from the
// store; no state travels on the channel.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]chan Change
	logger      *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]chan Change),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers a subscriber. Returns the change channel and a
// subscription ID for later unsubscription. The subscription is cleaned
// up automatically when ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	n.mu.Lock()
	n.subscribers[subID] = ch
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends a change to all subscribers. Non-blocking: the change is
// dropped for subscribers whose channels are full (they re-read the full
// state on the next change anyway). The read lock is held across the
// sends so Unsubscribe cannot close a channel mid-publish.
func (n *Notifier) Publish(change Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subscribers {
		select {
		case ch <- change:
			// Sent
		default:
			n.logger.Debug("dropped change for slow subscriber", "change", int(change))
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.subscribers[subID]
	if !ok {
		return
	}
	delete(n.subscribers, subID)
	close(ch)
}

// Close shuts down the notifier and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for subID, ch := range n.subscribers {
		close(ch)
		delete(n.subscribers, subID)
	}
}

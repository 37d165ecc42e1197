// ABOUTME: Tests for the store change notifier
// ABOUTME: Delivery, unsubscription, and non-blocking publish

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_DeliversChanges(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ch, _ := n.Subscribe(context.Background())
	n.Publish(ChangeMessages)
	n.Publish(ChangeDocuments)

	assert.Equal(t, ChangeMessages, <-ch)
	assert.Equal(t, ChangeDocuments, <-ch)
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ch, subID := n.Subscribe(context.Background())
	n.Unsubscribe(subID)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	n.Publish(ChangeMessages)
}

func TestNotifier_ContextCancelCleansUp(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := n.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestNotifier_SlowSubscriberDoesNotBlock(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	// Never read from the subscription; publish far past the buffer.
	n.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			n.Publish(ChangeMessages)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

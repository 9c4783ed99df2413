package cluster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMailboxOrder verifies that items drain in push order.
func TestMailboxOrder(t *testing.T) {
	mb := NewMailbox[int]()
	for i := range 5 {
		require.True(t, mb.Push(i))
	}
	assert.Equal(t, 5, mb.Len())

	select {
	case <-mb.Ready():
	default:
		t.Fatal("expected Ready to be signalled after Push")
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, mb.Drain())
	assert.Empty(t, mb.Drain())
	assert.Zero(t, mb.Len())
}

// TestMailboxPushNeverBlocks pushes far more items than any channel buffer
// without a consumer running.
func TestMailboxPushNeverBlocks(t *testing.T) {
	mb := NewMailbox[string]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10000 {
			mb.Push("x")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked without a consumer")
	}
	assert.Len(t, mb.Drain(), 10000)
}

// TestMailboxConcurrentProducers checks nothing is lost with many producers
// and one consumer.
func TestMailboxConcurrentProducers(t *testing.T) {
	mb := NewMailbox[int]()
	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				mb.Push(p*perProducer + i)
			}
		}()
	}

	seen := make(map[int]bool)
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	for {
		select {
		case <-mb.Ready():
			for _, v := range mb.Drain() {
				seen[v] = true
			}
			continue
		case <-finished:
		}
		break
	}
	for _, v := range mb.Drain() {
		seen[v] = true
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestMailboxClose(t *testing.T) {
	mb := NewMailbox[int]()
	mb.Push(1)
	mb.Close()

	assert.False(t, mb.Push(2), "Push after Close must be rejected")
	assert.Equal(t, []int{1}, mb.Drain())
}

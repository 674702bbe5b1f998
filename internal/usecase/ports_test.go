package usecase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConversationLocks_SerializesSameConversation(t *testing.T) {
	locks := NewConversationLocks()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("c1")
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
}

func TestConversationLocks_IndependentConversations(t *testing.T) {
	locks := NewConversationLocks()
	unlockA := locks.Lock("a")

	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}

func TestConversationLocks_ReleasesEntries(t *testing.T) {
	locks := NewConversationLocks()
	locks.Lock("a")()
	locks.Lock("b")()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	require.Empty(t, locks.locks)
}

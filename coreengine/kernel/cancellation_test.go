package kernel

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancellationRegistry_TokenFor(t *testing.T) {
	registry := NewCancellationRegistry(nil)

	token := registry.TokenFor("agt_1")
	require.NotNil(t, token)

	assert.Equal(t, "agt_1", token.AgentID())
	assert.Equal(t, int64(0), token.Epoch())
	assert.False(t, token.IsCancelled())
	assert.Equal(t, 1, registry.TrackedAgents())
}

func TestCancellationRegistry_Abort(t *testing.T) {
	registry := NewCancellationRegistry(&testLogger{})

	token := registry.TokenFor("agt_1")
	epoch := registry.Abort("agt_1")

	assert.Equal(t, int64(1), epoch)
	assert.True(t, token.IsCancelled())

	// The done channel wakes waiters
	select {
	case <-token.Done():
	default:
		t.Error("done channel should be closed after abort")
	}

	// A fresh token issued after the abort is valid again
	fresh := registry.TokenFor("agt_1")
	assert.Equal(t, int64(1), fresh.Epoch())
	assert.False(t, fresh.IsCancelled())
}

func TestCancellationRegistry_Abort_Untracked(t *testing.T) {
	registry := NewCancellationRegistry(nil)

	// Aborting an unknown agent starts tracking it
	epoch := registry.Abort("agt_unseen")

	assert.Equal(t, int64(1), epoch)
	assert.Equal(t, int64(1), registry.Epoch("agt_unseen"))
}

func TestCancellationRegistry_EpochMonotonic(t *testing.T) {
	registry := NewCancellationRegistry(nil)

	for want := int64(1); want <= 5; want++ {
		got := registry.Abort("agt_1")
		assert.Equal(t, want, got)
	}
	assert.Equal(t, int64(5), registry.Epoch("agt_1"))
}

func TestCancellationRegistry_Clear(t *testing.T) {
	registry := NewCancellationRegistry(&testLogger{})

	token := registry.TokenFor("agt_1")
	registry.Clear("agt_1")

	assert.True(t, token.IsCancelled())
	assert.Equal(t, 0, registry.TrackedAgents())
	assert.Equal(t, int64(0), registry.Epoch("agt_1"))

	// Clearing an untracked agent is a no-op
	registry.Clear("agt_unknown")
}

func TestCancellationRegistry_ClearAll(t *testing.T) {
	registry := NewCancellationRegistry(nil)

	tokens := make([]*Token, 3)
	for i := range tokens {
		tokens[i] = registry.TokenFor(fmt.Sprintf("agt_%d", i))
	}

	count := registry.ClearAll()

	assert.Equal(t, 3, count)
	assert.Equal(t, 0, registry.TrackedAgents())
	for _, token := range tokens {
		assert.True(t, token.IsCancelled())
	}
}

func TestCancellationRegistry_AbortWakesWaiter(t *testing.T) {
	registry := NewCancellationRegistry(nil)
	token := registry.TokenFor("agt_1")

	woke := make(chan struct{})
	go func() {
		<-token.Done()
		close(woke)
	}()

	registry.Abort("agt_1")

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by abort")
	}
}

func TestCancellationRegistry_ConcurrentAborts(t *testing.T) {
	registry := NewCancellationRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.Abort("agt_1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), registry.Epoch("agt_1"))
}

func TestCancellationRegistry_ConcurrentTokensAndAborts(t *testing.T) {
	registry := NewCancellationRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			agentID := fmt.Sprintf("agt_%d", n%5)
			token := registry.TokenFor(agentID)
			_ = token.IsCancelled()
		}(i)
		go func(n int) {
			defer wg.Done()
			registry.Abort(fmt.Sprintf("agt_%d", n%5))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, registry.TrackedAgents())
}

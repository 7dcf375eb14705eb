package kernel

import (
	"fmt"
	"sync"
	"testing"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
)

// =============================================================================
// Agent Registry Benchmarks
// =============================================================================

// BenchmarkAgentRegistry_Add benchmarks agent registration.
func BenchmarkAgentRegistry_Add(b *testing.B) {
	registry := NewAgentRegistry(nil)
	role := NewRole("worker", "prompt", envelope.AgentRoot, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		registry.Add(NewAgent(role, envelope.AgentRoot, nil))
	}
}

// BenchmarkAgentRegistry_Get benchmarks record lookup.
func BenchmarkAgentRegistry_Get(b *testing.B) {
	registry := NewAgentRegistry(nil)
	role := NewRole("worker", "prompt", envelope.AgentRoot, nil)

	ids := make([]string, 100)
	for i := range ids {
		agent := NewAgent(role, envelope.AgentRoot, nil)
		registry.Add(agent)
		ids[i] = agent.ID
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		registry.Get(ids[i%100])
	}
}

// BenchmarkAgentRegistry_Descendants benchmarks subtree traversal over a
// two-level fan-out.
func BenchmarkAgentRegistry_Descendants(b *testing.B) {
	registry := NewAgentRegistry(nil)
	role := NewRole("worker", "prompt", envelope.AgentRoot, nil)

	for i := 0; i < 10; i++ {
		child := NewAgent(role, envelope.AgentRoot, nil)
		registry.Add(child)
		for j := 0; j < 10; j++ {
			registry.Add(NewAgent(role, child.ID, nil))
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		registry.Descendants(envelope.AgentRoot)
	}
}

// BenchmarkAgentRegistry_SetComputeStatus benchmarks status transitions.
func BenchmarkAgentRegistry_SetComputeStatus(b *testing.B) {
	registry := NewAgentRegistry(nil)
	role := NewRole("worker", "prompt", envelope.AgentRoot, nil)
	agent := NewAgent(role, envelope.AgentRoot, nil)
	registry.Add(agent)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		registry.SetComputeStatus(agent.ID, ComputeStatusProcessing)
		registry.SetComputeStatus(agent.ID, ComputeStatusIdle)
	}
}

// =============================================================================
// Cancellation Benchmarks
// =============================================================================

// BenchmarkCancellationRegistry_TokenFor benchmarks token issuance.
func BenchmarkCancellationRegistry_TokenFor(b *testing.B) {
	registry := NewCancellationRegistry(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		registry.TokenFor("agt_1")
	}
}

// BenchmarkCancellationRegistry_Abort benchmarks epoch advancement.
func BenchmarkCancellationRegistry_Abort(b *testing.B) {
	registry := NewCancellationRegistry(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		registry.Abort("agt_1")
	}
}

// BenchmarkCancellationRegistry_TokenLifecycle benchmarks the per-turn
// pattern: issue, check, abort.
func BenchmarkCancellationRegistry_TokenLifecycle(b *testing.B) {
	registry := NewCancellationRegistry(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agentID := fmt.Sprintf("agt_%d", i%100)
		token := registry.TokenFor(agentID)
		token.IsCancelled()
		registry.Abort(agentID)
	}
}

// BenchmarkCancellationRegistry_Concurrent benchmarks concurrent token
// issuance and checks.
func BenchmarkCancellationRegistry_Concurrent(b *testing.B) {
	registry := NewCancellationRegistry(nil)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			token := registry.TokenFor(fmt.Sprintf("agt_%d", i%100))
			token.IsCancelled()
			i++
		}
	})
}

// =============================================================================
// Budget Guard Benchmarks
// =============================================================================

// BenchmarkBudgetGuard_RecordStep benchmarks step accounting.
func BenchmarkBudgetGuard_RecordStep(b *testing.B) {
	guard := NewBudgetGuard(1<<30, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		guard.RecordStep(fmt.Sprintf("task-%d", i%100))
	}
}

// BenchmarkBudgetGuard_Concurrent benchmarks concurrent step accounting.
func BenchmarkBudgetGuard_Concurrent(b *testing.B) {
	guard := NewBudgetGuard(1<<30, nil)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			guard.RecordStep(fmt.Sprintf("task-%d", i%100))
			i++
		}
	})
}

// =============================================================================
// Role Registry Benchmarks
// =============================================================================

// BenchmarkRoleRegistry_Resolve benchmarks name resolution.
func BenchmarkRoleRegistry_Resolve(b *testing.B) {
	registry := NewRoleRegistry(nil)
	for i := 0; i < 100; i++ {
		registry.Create(fmt.Sprintf("role-%d", i), "prompt", envelope.AgentRoot, nil)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		registry.Resolve(fmt.Sprintf("role-%d", i%100))
	}
}

// =============================================================================
// Kernel Integration Benchmarks
// =============================================================================

// BenchmarkKernel_SpawnAgent benchmarks the full spawn path: record, inbox,
// conversation, events.
func BenchmarkKernel_SpawnAgent(b *testing.B) {
	k := NewKernel(nil, nil, newStubBus(), newStubConversations())
	k.SeedSentinels("coordinator")
	k.CreateRole("worker", "prompt", envelope.AgentRoot, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k.SpawnAgent("worker", envelope.AgentRoot, nil)
	}
}

// BenchmarkKernel_Concurrent_Spawn benchmarks concurrent spawning.
func BenchmarkKernel_Concurrent_Spawn(b *testing.B) {
	k := NewKernel(nil, nil, newStubBus(), newStubConversations())
	k.SeedSentinels("coordinator")
	k.CreateRole("worker", "prompt", envelope.AgentRoot, nil)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			k.SpawnAgent("worker", envelope.AgentRoot, nil)
		}
	})
}

// BenchmarkKernel_GetSystemStatus benchmarks the status snapshot.
func BenchmarkKernel_GetSystemStatus(b *testing.B) {
	k := NewKernel(nil, nil, newStubBus(), newStubConversations())
	k.SeedSentinels("coordinator")
	k.CreateRole("worker", "prompt", envelope.AgentRoot, nil)
	for i := 0; i < 100; i++ {
		k.SpawnAgent("worker", envelope.AgentRoot, nil)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k.GetSystemStatus()
	}
}

// =============================================================================
// Concurrent Access Stress Tests
// =============================================================================

// BenchmarkAgentRegistry_ConcurrentAccess benchmarks mixed readers.
func BenchmarkAgentRegistry_ConcurrentAccess(b *testing.B) {
	registry := NewAgentRegistry(nil)
	role := NewRole("worker", "prompt", envelope.AgentRoot, nil)

	ids := make([]string, 100)
	for i := range ids {
		agent := NewAgent(role, envelope.AgentRoot, nil)
		registry.Add(agent)
		ids[i] = agent.ID
	}

	b.ResetTimer()
	var wg sync.WaitGroup
	for i := 0; i < b.N; i++ {
		wg.Add(3)

		// Reader 1: record lookup
		go func(n int) {
			defer wg.Done()
			registry.Get(ids[n%100])
		}(i)

		// Reader 2: subtree walk
		go func() {
			defer wg.Done()
			registry.Descendants(envelope.AgentRoot)
		}()

		// Reader 3: status counts
		go func() {
			defer wg.Done()
			registry.CountByComputeStatus()
		}()
	}
	wg.Wait()
}

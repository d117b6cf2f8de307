// Package loom is a local-first agent execution kernel.
//
// It takes a declarative agent definition (a directed graph of LLM
// calls, tool invocations, memory operations, sub-agent calls, and
// control-flow nodes), schedules it on a bounded worker pool, enforces
// capability, permission, and budget policies at every privileged step,
// and persists a durable snapshot of the run suitable for later replay.
//
// # Core pieces
//
//   - [Bus]: typed pub/sub for execution, graph, memory, and budget events
//   - [PermissionEngine]: module-scoped permission grants over a closed set
//   - [CapabilityVerifier]: agent-scoped capability grants and allow-lists
//   - [PolicyEngine]: allow/deny/prompt evaluation per privileged action
//   - [BudgetManager]: token, USD, and request budgets per agent/session/workspace
//   - [Graph]: validated node/edge structure with guarded cycles
//   - [ToolRegistry] and [ToolExecutor]: schema-validated, sandboxed tools
//   - [ProviderRouter]: strategy-based provider selection with fallback
//   - [MemoryManager]: working, session, and long-term semantic memory
//   - [Scheduler] and [WorkerPool]: priority queue and bounded runners
//   - [SnapshotStore]: durable checkpoints and deterministic replay
//   - [Runtime]: composition root exposing Execute, Resume, and Abort
//
// # Ports
//
// Concrete storage, LLM providers, sandboxes, and vector stores are
// consumed through small interfaces: [Storage], [Provider],
// [EmbeddingProvider], [Sandbox], [VectorStore], [SecretVault], and
// [Transport]. Implementations live in store/, provider/, and sandbox/.
//
// See cmd/loom for a complete composition of the kernel from TOML config.
package loom

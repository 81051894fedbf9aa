// Package session provides a bounded, per-user, TTL-governed semantic memory
// cache that sits in front of a slower authoritative vector store.
//
// The cache is a pure performance layer: it never holds data the
// authoritative store doesn't also have, and every path through it has an
// escape hatch back to the authoritative source. Worst case is higher
// latency, never wrong answers.
//
// Architecture:
//   - Cache: per-user bounded in-memory index with exact L2 search and
//     TTL expiry (sessions are small, a linear scan beats index upkeep)
//   - Coordinator: hybrid query policy - populate on session start, local
//     fast path, authoritative fallback, opportunistic merge-back
//   - BudgetGuard: aggregate memory ceiling with hysteresis eviction
//   - Sweeper: scheduled expiry + budget sweeps, owned by the composition
//     root so shutdown and tests stay deterministic
//
// Collaborators:
//   - Embedder: text to fixed-dimension vectors (mock, onnx, cached)
//   - Store: the authoritative vector index (chromem-go for local use,
//     a server-side index in production)
//
// All state is volatile. The cache is rebuilt from the authoritative store
// on process restart, never persisted.
package session

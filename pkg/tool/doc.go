// Package tool dispatches model-requested tool invocations to registered
// providers.
//
// Providers come in four protocol variants: local in-process handlers,
// remote HTTP endpoints, JSON-RPC tool hosts, and agent delegation. The
// Registry hides the variant behind one capability interface.
//
// Invariants:
// - The allowed set is checked before any provider I/O.
// - Every invocation runs under a per-invocation timeout.
// - Only providers that declare themselves idempotent are retried.
// - ExecuteStep returns after every invocation of the step has resolved,
//   with results in request order.
//
// Usage:
//
//	reg := tool.NewRegistry(tool.Config{MaxConcurrent: 4})
//	reg.Register(tool.NewLocalProvider(def))
//	results := reg.ExecuteStep(ctx, invocations, allowed)
package tool

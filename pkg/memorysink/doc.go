// Package memorysink is the outbound boundary to the external memory
// service. Appends happen after a turn is finalized, on a detached context
// with its own timeout. A memory failure is logged and dropped; it never
// fails or delays the turn that produced it.
package memorysink

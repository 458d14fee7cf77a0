// Package model abstracts streaming LLM providers behind one client
// interface.
//
// Adapters exist for Anthropic and OpenAI; ScriptClient provides a
// deterministic stream for tests. All adapters surface upstream failures
// as ModelStreamError so the orchestration layer can treat every provider
// the same way.
package model

// Package tools defines the tool executor contract and the Registry the
// Tool Orchestrator invokes tools through.
//
// An Executor is one named tool: it publishes its definition and runs a
// call with already-decoded arguments. The Registry resolves calls by
// name, enforces required roles and the per-call timeout, and turns every
// failure (unknown tool, denied role, timeout, panic) into a failed
// api.ToolResult so a single tool can never abort a batch.
package tools

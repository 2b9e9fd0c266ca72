// Package abtest runs A/B comparisons between two engines.
//
// For every request the Coordinator streams the primary engine live to
// the caller and, in parallel, streams the shadow engine in the
// background. The shadow is never awaited and its failures are never
// shown to the caller. Both sides are measured (time to first token,
// duration, text, estimated tokens) into one api.ABTestResult, which is
// persisted once both sides have reported.
package abtest

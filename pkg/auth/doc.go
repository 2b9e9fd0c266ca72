// Package auth authenticates callers of the gateway.
//
// Authenticators vote on each request: Yes with an identity, No with an
// error, or Abstain when the credentials are not theirs to judge. An
// AuthChain asks them in order and falls back to a default vote.
//
// The resulting Identity travels in the request context. Its roles gate
// tools and its owner key scopes A/B result lookups.
package auth

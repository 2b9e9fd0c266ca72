// Package storage holds what the A/B result store adapters share: the
// not-found sentinel and tenant scoping through the request context.
//
// Adapters (memory, sqlite, postgres) implement abtest.ResultStore.
package storage

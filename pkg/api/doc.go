// Package api defines the data model shared by every stage of the chat
// gateway: the inbound GatewayRequest, the normalized streaming events
// (meta, delta, done, error), tool calls and results, A/B comparison
// results, and the structured APIError returned to clients.
package api

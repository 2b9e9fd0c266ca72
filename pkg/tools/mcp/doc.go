// Package mcp offers the tools of Model Context Protocol servers through
// the tool registry. Each configured server becomes a Toolset whose tools
// inherit the server's required roles.
package mcp

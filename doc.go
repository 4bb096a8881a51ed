// Package mcp implements a Model Context Protocol (MCP) server and client on top
// of a session-multiplexed streamable HTTP transport. A single endpoint accepts
// POST for calls, GET for the server-to-client event stream, and DELETE for
// session termination; sessions survive reconnects through a per-session
// replayable event log. A stdio transport is provided for subprocess-style
// deployments.
package mcp

// Package logging provides slog setup for pkgsearch with a size-rotating
// JSON log file under ~/.pkgsearch/logs/.
//
// CLI commands log to the file and, when --debug is set, to stderr as well.
// The MCP server logs to the file only because stdout carries JSON-RPC.
package logging

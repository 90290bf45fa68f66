// Package mcp exposes package search over the Model Context Protocol.
package mcp

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
)

// Custom MCP error codes for pkgsearch.
const (
	// ErrCodeIndexCorrupt indicates the index no longer matches the catalog.
	ErrCodeIndexCorrupt = -32001

	// ErrCodeCatalogUnavailable indicates the catalog could not be read.
	ErrCodeCatalogUnavailable = -32002

	// ErrCodeTimeout indicates the request timed out.
	ErrCodeTimeout = -32003

	// ErrCodeBusy indicates a retryable conflict such as an update already running.
	ErrCodeBusy = -32004

	// Standard JSON-RPC error codes.
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ErrToolNotFound indicates the requested tool does not exist.
var ErrToolNotFound = errors.New("tool not found")

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	var pe *pkgerrors.PkgError
	if errors.As(err, &pe) {
		return mapPkgError(pe)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	case errors.Is(err, ErrToolNotFound):
		return &MCPError{Code: ErrCodeMethodNotFound, Message: "Tool not found."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{
		Code:    ErrCodeMethodNotFound,
		Message: fmt.Sprintf("Tool '%s' not found.", name),
	}
}

// mapPkgError converts a PkgError, appending its suggestion to the message.
func mapPkgError(pe *pkgerrors.PkgError) *MCPError {
	message := pe.Message
	if pe.Suggestion != "" {
		message = fmt.Sprintf("%s. %s", pe.Message, pe.Suggestion)
	}

	switch pe.Code {
	case pkgerrors.ErrCodeCorruptIndex:
		return &MCPError{Code: ErrCodeIndexCorrupt, Message: message}
	case pkgerrors.ErrCodeCatalogUnavailable:
		return &MCPError{Code: ErrCodeCatalogUnavailable, Message: message}
	case pkgerrors.ErrCodeUpdateInProgress, pkgerrors.ErrCodeIndexLocked:
		return &MCPError{Code: ErrCodeBusy, Message: message}
	}

	switch pe.Category {
	case pkgerrors.CategoryValidation:
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	}
}

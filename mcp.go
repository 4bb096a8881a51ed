package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection and provides methods for
	// bidirectional communication. The implementation must guarantee that each session ID
	// is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport and releases its resources,
	// including every session it still holds. The caller is guaranteed to call this
	// method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession initiates a new session with the server. The returned Session is
	// ready for use; its Messages iterator yields server messages until the session
	// is stopped or the connection is lost.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions managed.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The implementations should exit the iteration if the session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The implementation should not call this itself, as the
	// caller is guaranteed to call this method once.
	Stop()
}

// Server interfaces

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns a paginated list of available tools. The ProgressReporter
	// can be used to report operation progress.
	// Returns error if operation fails or context is cancelled.
	ListTools(context.Context, ListToolsParams, ProgressReporter) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. The ProgressReporter
	// can be used to report operation progress.
	// Returns error if tool not found, arguments are invalid, execution fails, or
	// context is cancelled.
	CallTool(context.Context, CallToolParams, ProgressReporter) (CallToolResult, error)
}

// ToolListUpdater provides an interface for monitoring changes to the available tools list.
//
// The notifications are used by the MCP server to inform connected clients about tool list
// changes via the "notifications/tools/list_changed" method. Clients can then refresh their
// cached tool lists by calling ListTools again.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// ResourceServer defines the interface for managing resources in the MCP protocol.
type ResourceServer interface {
	// ListResources returns a paginated list of available resources. The ProgressReporter
	// can be used to report operation progress.
	// Returns error if operation fails or context is cancelled.
	ListResources(context.Context, ListResourcesParams, ProgressReporter) (ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI. The ProgressReporter
	// can be used to report operation progress.
	// Returns error if resource not found, cannot be read, or context is cancelled.
	ReadResource(context.Context, ReadResourceParams, ProgressReporter) (ReadResourceResult, error)
}

// ResourceListUpdater provides an interface for monitoring changes to the available
// resources list. Clients are notified through "notifications/resources/list_changed".
type ResourceListUpdater interface {
	ResourceListUpdates() iter.Seq[struct{}]
}

// PromptServer defines the interface for managing prompts in the MCP protocol.
type PromptServer interface {
	// ListPrompts returns a paginated list of available prompts. The ProgressReporter
	// can be used to report operation progress.
	// Returns error if operation fails or context is cancelled.
	ListPrompts(context.Context, ListPromptsParams, ProgressReporter) (ListPromptResult, error)

	// GetPrompt retrieves a specific prompt template by name with the given arguments.
	// Returns error if prompt not found, arguments are invalid, or context is cancelled.
	GetPrompt(context.Context, GetPromptParams, ProgressReporter) (GetPromptResult, error)
}

// PromptListUpdater provides an interface for monitoring changes to the available
// prompts list. Clients are notified through "notifications/prompts/list_changed".
type PromptListUpdater interface {
	PromptListUpdates() iter.Seq[struct{}]
}

// LogHandler provides an interface for streaming log messages from the MCP server
// to connected clients.
type LogHandler interface {
	// LogStreams returns an iterator that emits log messages with metadata.
	LogStreams() iter.Seq[LogParams]

	// SetLogLevel configures the minimum severity level for emitted log messages.
	// Messages below this level are filtered out.
	SetLogLevel(level LogLevel)
}

// Client interfaces

// ToolListWatcher provides an interface for receiving notifications when the server's
// tool list changes.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed.
	OnToolListChanged()
}

// ResourceListWatcher provides an interface for receiving notifications when the
// server's resource list changes.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the server notifies that its resource list
	// has changed.
	OnResourceListChanged()
}

// PromptListWatcher provides an interface for receiving notifications when the
// server's prompt list changes.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the server notifies that its prompt list
	// has changed.
	OnPromptListChanged()
}

// ProgressListener provides an interface for receiving progress updates on
// long-running operations.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(params ProgressParams)
}

// LogReceiver provides an interface for receiving log messages from the server.
// Implementations can use these notifications to display logs in a UI, write them
// to a file, or forward them to a logging service.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server.
	OnLog(params LogParams)
}

// ProgressReporter is a function type used to report progress updates for long-running
// operations. Server implementations use this callback to inform clients about operation
// progress by passing a ProgressParams struct containing the progress details. When Total
// is non-zero in the params, progress percentage can be calculated as (Progress/Total)*100.
type ProgressReporter func(progress ProgressParams)

type sessionIDKeyType struct{}

var sessionIDKey = sessionIDKeyType{}

// SessionIDFromContext returns the ID of the session that carried the current
// request. It returns an empty string when the context did not originate from a
// server session.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

func ctxWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

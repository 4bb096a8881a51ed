package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client that talks to a server
// over a ClientTransport. It manages the session lifecycle, correlates requests
// with responses, dispatches server notifications to the configured watchers, and
// monitors connection health through periodic pings.
//
// A Client must be created using NewClient() and requires Connect() to be called
// before any operations can be performed. The client should be properly closed
// using Close() when it's no longer needed.
type Client struct {
	capabilities       ClientCapabilities
	info               Info
	serverInfo         Info
	serverCapabilities ServerCapabilities
	transport          ClientTransport

	promptListWatcher   PromptListWatcher
	resourceListWatcher ResourceListWatcher
	toolListWatcher     ToolListWatcher

	progressListener ProgressListener
	logReceiver      LogReceiver

	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	initialized bool
	logger      *slog.Logger

	session Session

	resMu          sync.Mutex
	pendingResults map[string]chan JSONRPCMessage

	done      chan struct{}
	closeOnce sync.Once
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second
	defaultClientPingInterval = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithPromptListWatcher sets the prompt list watcher for the client.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the resource list watcher for the client.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets the read timeout for the client.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client. A negative
// interval disables the ping loop.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping failures exceeds the threshold, the client
// will close the session.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "streamable-mcp"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a new Model Context Protocol (MCP) client with the specified
// configuration. The info parameter provides client identification and version
// information, and the transport parameter defines how the client communicates
// with the server.
//
// The client will not be connected until Connect() is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:           info,
		transport:      transport,
		logger:         slog.Default(),
		pendingResults: make(map[string]chan JSONRPCMessage),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	c.capabilities = ClientCapabilities{}

	return c
}

// Connect establishes a session with the MCP server and performs the protocol
// handshake. It starts background routines for message handling and server health
// checks through periodic pings.
//
// Connect must be called after creating a new client and before making any other
// client method calls. It returns an error if the session cannot be established or
// if the initialization fails.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess

	go c.listenMessages()

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodInitialize,
		Params:  paramsBs,
	})
	if err != nil {
		return fmt.Errorf("failed to send initialize request: %w", err)
	}

	if err := c.handleInitialize(ctx, res); err != nil {
		return err
	}

	if c.pingInterval > 0 {
		go c.pingLoop()
	}

	return nil
}

// Close closes the client's session and releases its resources. It is safe to
// call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.session != nil {
			c.session.Stop()
		}
	})
}

// ListPrompts retrieves a paginated list of available prompts from the server.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification will be sent to the server to stop processing.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	if !c.initialized {
		return ListPromptResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Prompts == nil {
		return ListPromptResult{}, errors.New("prompts not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ListPromptResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodPromptsList,
		Params:  paramsBs,
	})
	if err != nil {
		return ListPromptResult{}, err
	}

	if res.Error != nil {
		return ListPromptResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListPromptResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListPromptResult{}, err
	}

	return result, nil
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if !c.initialized {
		return GetPromptResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Prompts == nil {
		return GetPromptResult{}, errors.New("prompts not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodPromptsGet,
		Params:  paramsBs,
	})
	if err != nil {
		return GetPromptResult{}, err
	}

	if res.Error != nil {
		return GetPromptResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result GetPromptResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return GetPromptResult{}, err
	}

	return result, nil
}

// ListResources retrieves a paginated list of available resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if !c.initialized {
		return ListResourcesResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Resources == nil {
		return ListResourcesResult{}, errors.New("resources not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ListResourcesResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodResourcesList,
		Params:  paramsBs,
	})
	if err != nil {
		return ListResourcesResult{}, err
	}

	if res.Error != nil {
		return ListResourcesResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListResourcesResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListResourcesResult{}, err
	}

	return result, nil
}

// ReadResource retrieves the content and metadata of a specific resource.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if !c.initialized {
		return ReadResourceResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Resources == nil {
		return ReadResourceResult{}, errors.New("resources not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodResourcesRead,
		Params:  paramsBs,
	})
	if err != nil {
		return ReadResourceResult{}, err
	}

	if res.Error != nil {
		return ReadResourceResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ReadResourceResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ReadResourceResult{}, err
	}

	return result, nil
}

// ListTools retrieves a paginated list of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if !c.initialized {
		return ListToolsResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Tools == nil {
		return ListToolsResult{}, errors.New("tools not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodToolsList,
		Params:  paramsBs,
	})
	if err != nil {
		return ListToolsResult{}, err
	}

	if res.Error != nil {
		return ListToolsResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, err
	}

	return result, nil
}

// CallTool executes a specific tool and returns its result.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification will be sent to the server to stop processing.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if !c.initialized {
		return CallToolResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Tools == nil {
		return CallToolResult{}, errors.New("tools not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodToolsCall,
		Params:  paramsBs,
	})
	if err != nil {
		return CallToolResult{}, err
	}

	if res.Error != nil {
		return CallToolResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, err
	}

	return result, nil
}

// SetLogLevel configures the logging level for the MCP server. It allows dynamic
// adjustment of the server's logging verbosity during runtime.
func (c *Client) SetLogLevel(level LogLevel) error {
	if !c.initialized {
		return errors.New("client not initialized")
	}
	if c.serverCapabilities.Logging == nil {
		return errors.New("logging not supported by server")
	}

	params := LogParams{
		Level: level,
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	sCtx, sCancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer sCancel()

	return c.session.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  MethodLoggingSetLevel,
		Params:  paramsBs,
	})
}

// ServerInfo returns the server's info.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// PromptServerSupported returns true if the server supports prompt management.
func (c *Client) PromptServerSupported() bool {
	return c.serverCapabilities.Prompts != nil
}

// ResourceServerSupported returns true if the server supports resource management.
func (c *Client) ResourceServerSupported() bool {
	return c.serverCapabilities.Resources != nil
}

// ToolServerSupported returns true if the server supports tool management.
func (c *Client) ToolServerSupported() bool {
	return c.serverCapabilities.Tools != nil
}

// LoggingServerSupported returns true if the server supports logging.
func (c *Client) LoggingServerSupported() bool {
	return c.serverCapabilities.Logging != nil
}

func (c *Client) listenMessages() {
	for msg := range c.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		switch msg.Method {
		case methodPing:
			go func(msgID MustString) {
				pongCtx, pongCancel := context.WithTimeout(context.Background(), c.writeTimeout)
				defer pongCancel()
				if err := c.session.Send(pongCtx, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msgID,
				}); err != nil {
					c.logger.Error("failed to handle ping", "err", err)
				}
			}(msg.ID)
		case methodNotificationsPromptsListChanged:
			if c.promptListWatcher != nil {
				c.promptListWatcher.OnPromptListChanged()
			}
		case methodNotificationsResourcesListChanged:
			if c.resourceListWatcher != nil {
				c.resourceListWatcher.OnResourceListChanged()
			}
		case methodNotificationsToolsListChanged:
			if c.toolListWatcher != nil {
				c.toolListWatcher.OnToolListChanged()
			}
		case methodNotificationsProgress:
			if c.progressListener == nil {
				continue
			}

			var params ProgressParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal progress params", "err", err)
				continue
			}
			c.progressListener.OnProgress(params)
		case methodNotificationsMessage:
			if c.logReceiver == nil {
				continue
			}

			var params LogParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal log params", "err", err)
				continue
			}
			c.logReceiver.OnLog(params)
		case "":
			c.resMu.Lock()
			results, ok := c.pendingResults[string(msg.ID)]
			c.resMu.Unlock()
			if !ok {
				continue
			}
			select {
			case results <- msg:
			default:
			}
		}
	}
}

func (c *Client) pingLoop() {
	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0

	for {
		select {
		case <-c.done:
			return
		case <-pingTicker.C:
		}

		if err := c.ping(); err != nil {
			c.logger.Warn("failed to ping server", "err", err)
			failedPings++
			if failedPings > c.pingTimeoutThreshold {
				c.logger.Error("too many ping failures, closing session")
				c.Close()
				return
			}
			continue
		}
		failedPings = 0
	}
}

func (c *Client) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.readTimeout)
	defer cancel()

	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodPing,
	})
	if err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("error response: %w", res.Error)
	}

	return nil
}

func (c *Client) handleInitialize(ctx context.Context, msg JSONRPCMessage) error {
	if msg.Error != nil {
		return fmt.Errorf("initialize error: %w", msg.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if result.ProtocolVersion != protocolVersion {
		nErr := fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
		if err := c.sendError(ctx, msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: errMsgUnsupportedProtocolVersion,
			Data:    map[string]any{"error": nErr.Error()},
		}); err != nil {
			nErr = fmt.Errorf("%w: failed to send error on initialize: %w", nErr, err)
		}
		return nErr
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.initialized = true

	return c.sendNotification(context.Background(), methodNotificationsInitialized, nil)
}

func (c *Client) sendRequest(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	msgID := uuid.New().String()
	msg.ID = MustString(msgID)

	results := make(chan JSONRPCMessage, 1)
	c.resMu.Lock()
	c.pendingResults[msgID] = results
	c.resMu.Unlock()
	defer func() {
		c.resMu.Lock()
		delete(c.pendingResults, msgID)
		c.resMu.Unlock()
	}()

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, msg); err != nil {
		return JSONRPCMessage{}, err
	}

	readTimer := time.NewTimer(c.readTimeout)
	defer readTimer.Stop()

	select {
	case <-readTimer.C:
		return JSONRPCMessage{}, errors.New("request timeout")
	case <-c.done:
		return JSONRPCMessage{}, errors.New("client closed")
	case <-ctx.Done():
		err := ctx.Err()
		if !errors.Is(err, context.Canceled) {
			return JSONRPCMessage{}, err
		}
		err = nil
		nErr := c.sendNotification(context.Background(), methodNotificationsCancelled, notificationsCancelledParams{
			RequestID: msgID,
			Reason:    userCancelledReason,
		})
		if nErr != nil {
			err = fmt.Errorf("failed to send notification: %w", nErr)
		}
		return JSONRPCMessage{}, err
	case resMsg := <-results:
		return resMsg, nil
	}
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	notif := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, notif); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	return nil
}

func (c *Client) sendError(ctx context.Context, id MustString, err JSONRPCError) error {
	c.logger.Error("request error", "err", err)
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &err,
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, msg); err != nil {
		return fmt.Errorf("failed to send error: %w", err)
	}

	return nil
}

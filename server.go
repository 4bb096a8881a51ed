package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that exposes tools,
// resources, and prompts to connected clients. It consumes sessions from a
// ServerTransport, handles protocol messages, and pushes list-change and log
// notifications to every active session.
type Server struct {
	info Info

	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	promptServer      PromptServer
	promptListUpdater PromptListUpdater

	resourceServer      ResourceServer
	resourceListUpdater ResourceListUpdater

	toolServer      ToolServer
	toolListUpdater ToolListUpdater

	logHandler LogHandler

	sendTimeout time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup

	done               chan struct{}
	promptListClosed   chan struct{}
	resourceListClosed chan struct{}
	toolListClosed     chan struct{}
	logClosed          chan struct{}
}

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string

	sendTimeout time.Duration

	promptServer   PromptServer
	resourceServer ResourceServer
	toolServer     ToolServer
	logHandler     LogHandler
}

var (
	defaultServerSendTimeout = 30 * time.Second

	errInvalidJSON = errors.New("invalid json")
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:               info,
		transport:          transport,
		logger:             slog.Default(),
		sessionsWaitGroup:  &sync.WaitGroup{},
		done:               make(chan struct{}),
		promptListClosed:   make(chan struct{}),
		resourceListClosed: make(chan struct{}),
		toolListClosed:     make(chan struct{}),
		logClosed:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	// Prepares the server's capabilities based on the provided server implementations.

	s.capabilities = ServerCapabilities{}

	if s.promptServer != nil {
		s.capabilities.Prompts = &PromptsCapability{}
		if s.promptListUpdater != nil {
			s.capabilities.Prompts.ListChanged = true
		}
	}
	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{}
		if s.resourceListUpdater != nil {
			s.capabilities.Resources.ListChanged = true
		}
	}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
		if s.toolListUpdater != nil {
			s.capabilities.Tools.ListChanged = true
		}
	}
	if s.logHandler != nil {
		s.capabilities.Logging = &LoggingCapability{}
	}

	return s
}

// WithPromptServer returns a ServerOption that configures the prompt server implementation.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(s *Server) {
		s.promptServer = srv
	}
}

// WithPromptListUpdater returns a ServerOption that configures the prompt list updater implementation.
func WithPromptListUpdater(updater PromptListUpdater) ServerOption {
	return func(s *Server) {
		s.promptListUpdater = updater
	}
}

// WithResourceServer returns a ServerOption that configures the resource server implementation.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithResourceListUpdater returns a ServerOption that configures the resource list updater implementation.
func WithResourceListUpdater(updater ResourceListUpdater) ServerOption {
	return func(s *Server) {
		s.resourceListUpdater = updater
	}
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithToolListUpdater returns a ServerOption that configures the tool list updater implementation.
func WithToolListUpdater(updater ToolListUpdater) ServerOption {
	return func(s *Server) {
		s.toolListUpdater = updater
	}
}

// WithLogHandler returns a ServerOption that configures the log handler implementation.
func WithLogHandler(handler LogHandler) ServerOption {
	return func(s *Server) {
		s.logHandler = handler
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
// The callback's parameter is the ID and Info of the client.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "streamable-mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve starts the MCP server and manages its lifecycle. It handles client sessions,
// protocol messages, and server capabilities according to the MCP specification.
//
// Serve blocks until the server is shut down.
func (s Server) Serve() {
	broadcasts := make(chan JSONRPCMessage, 10)

	if s.promptListUpdater != nil {
		go s.listenUpdates(methodNotificationsPromptsListChanged, s.promptListUpdater.PromptListUpdates(),
			broadcasts, s.promptListClosed)
	} else {
		close(s.promptListClosed)
	}

	if s.resourceListUpdater != nil {
		go s.listenUpdates(methodNotificationsResourcesListChanged, s.resourceListUpdater.ResourceListUpdates(),
			broadcasts, s.resourceListClosed)
	} else {
		close(s.resourceListClosed)
	}

	if s.toolListUpdater != nil {
		go s.listenUpdates(methodNotificationsToolsListChanged, s.toolListUpdater.ToolListUpdates(),
			broadcasts, s.toolListClosed)
	} else {
		close(s.toolListClosed)
	}

	if s.logHandler != nil {
		go s.listenLogs(broadcasts)
	} else {
		close(s.logClosed)
	}

	s.start(broadcasts)
}

// Shutdown gracefully shuts down the server by terminating all active sessions and
// cleaning up resources. It returns an error if the shutdown process fails or if
// the context is cancelled before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminates all sessions
	close(s.done)

	// Wait for all sessions to finish
	s.sessionsWaitGroup.Wait()

	// Close the transport so the Sessions loop in the start function breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	// Wait for all goroutines to finish

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close PromptListUpdater: %w", ctx.Err())
	case <-s.promptListClosed:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close ResourceListUpdater: %w", ctx.Err())
	case <-s.resourceListClosed:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close ToolListUpdater: %w", ctx.Err())
	case <-s.toolListClosed:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close LogHandler: %w", ctx.Err())
	case <-s.logClosed:
	}

	return nil
}

func (s Server) start(broadcasts <-chan JSONRPCMessage) {
	// These channels are used to send broadcasts to all sessions in the goroutine below.
	sessions := make(chan serverSession, 5)
	removedSessions := make(chan string, 5)

	go s.broadcast(broadcasts, sessions, removedSessions)

	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := serverSession{
			session:        sess,
			logger:         s.logger.With(slog.String("sessionID", sess.ID())),
			serverCap:      s.capabilities,
			serverInfo:     s.info,
			instructions:   s.instructions,
			sendTimeout:    s.sendTimeout,
			promptServer:   s.promptServer,
			resourceServer: s.resourceServer,
			toolServer:     s.toolServer,
			logHandler:     s.logHandler,
		}
		// Updates the broadcaster about new sessions
		sessions <- ss

		s.sessionsWaitGroup.Add(1)

		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(ss.session.ID(), ss.serverInfo)
			}

			// The session's message loop ends either because the transport closed
			// the session or because the server is shutting down; the watcher
			// covers the second case.
			watcherStopped := make(chan struct{})
			go func() {
				select {
				case <-s.done:
					ss.session.Stop()
				case <-watcherStopped:
				}
			}()

			ss.start()

			close(watcherStopped)
			ss.session.Stop()

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}

			// Notify the broadcaster about removed sessions
			select {
			case <-s.done:
			case removedSessions <- ss.session.ID():
			}
		}()
	}
}

func (s Server) broadcast(messages <-chan JSONRPCMessage, sessions <-chan serverSession, removedSession <-chan string) {
	// Store all active sessions in a map for easy lookup
	sessMap := make(map[string]serverSession)

	for {
		select {
		case <-s.done:
			return
		case sess := <-sessions:
			sessMap[sess.session.ID()] = sess
		case sessID := <-removedSession:
			delete(sessMap, sessID)
		case msg := <-messages:
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			// Broadcast the message to all active sessions
			for _, sess := range sessMap {
				if err := sess.session.Send(ctx, msg); err != nil {
					sess.logger.Error("failed to send message",
						slog.Any("message", msg),
						slog.String("err", err.Error()))
				}
			}
			cancel()
		}
	}
}

func (s Server) listenLogs(messages chan<- JSONRPCMessage) {
	defer close(s.logClosed)

	for params := range s.logHandler.LogStreams() {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal log params", "err", err)
			continue
		}
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsMessage,
			Params:  paramsBs,
		}
		select {
		case <-s.done:
			return
		case messages <- msg:
		}
	}
}

func (s Server) listenUpdates(
	method string,
	updates iter.Seq[struct{}],
	messages chan<- JSONRPCMessage,
	closed chan<- struct{},
) {
	defer close(closed)

	for range updates {
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  method,
		}
		select {
		case <-s.done:
			return
		case messages <- msg:
		}
	}
}

func (s serverSession) start() {
	// This map is used to store the cancellation for the request
	// we receive from the client and forwards to server implementation.
	ctxCancels := make(map[MustString]context.CancelFunc)
	// This base context is to make sure all the operations in the loop below is cancelled
	// when the loop is broken.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	// This flag indicates whether the client acknowledged the initialize handshake.
	// Requests are served either way, so a stateless deployment can answer a call
	// without the notifications/initialized round trip.
	initialized := false

	// This loops would break when the session is closed
	for msg := range s.session.Messages() {
		// Validate JSON-RPC version before processing any message
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}
		switch msg.Method {
		case methodPing:
			go func(msgID MustString) {
				// Send pong back to the client
				pongCtx, pongCancel := context.WithTimeout(context.Background(), s.sendTimeout)
				if err := s.session.Send(pongCtx, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msgID,
				}); err != nil {
					s.logger.Error("failed to send pong", slog.String("err", err.Error()))
				}
				pongCancel()
			}(msg.ID)
		case methodInitialize:
			// Handle initialization request.
			go s.handleInitializeRequest(msg)
		case MethodPromptsList, MethodPromptsGet, MethodResourcesList, MethodResourcesRead,
			MethodToolsList, MethodToolsCall, MethodLoggingSetLevel:
			// All the method above required us to call the server implementation, and all the call is cancellable,
			// so we need to register it to the map, so we can cancel it if the client requests it.
			serverCtx, serverCancel := context.WithCancel(baseCtx)
			ctxCancels[msg.ID] = serverCancel
			go s.handleServerImplementationMessage(ctxWithSessionID(serverCtx, s.session.ID()), msg)
		case methodNotificationsInitialized:
			// Successfully established the session with the client
			initialized = true
		case methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Info("failed to unmarshal cancelled params", slog.String("err", err.Error()))
				continue
			}
			// Lookup the context cancellation for the cancelled request
			cancel, ok := ctxCancels[MustString(params.RequestID)]
			if ok {
				cancel()
			}
		case "":
			// This is the response from the client, it can be from initialization error
			// or a ping the server sent.
			if !initialized && msg.Error != nil {
				s.logger.Error("initialization failed with error from client",
					slog.String("err", msg.Error.Error()))
				break
			}
			s.logger.Debug("ignoring client response", slog.String("id", string(msg.ID)))
		default:
			// Unknown method. Notifications are silently dropped, requests are
			// answered with a method-not-found error.
			if msg.ID == "" {
				continue
			}
			go s.sendMethodNotFound(msg)
		}
	}
	// Cancel all the contexts that we created
	baseCancel()
}

func (s serverSession) handleInitializeRequest(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	// Verify client's initialization request
	res, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		// Initialization failed, send the error to the client to notify them to close the session.
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: err.Error(),
			}
		}
		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Error:   &jsonErr,
		}); err != nil {
			s.logger.Error("failed to send initialization error", slog.String("err", err.Error()))
		}
		return
	}
	resBs, _ := json.Marshal(res)
	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}); err != nil {
		s.logger.Error("failed to send initialization result", slog.String("err", err.Error()))
	}
}

func (s serverSession) sendMethodNotFound(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Error: &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		},
	}); err != nil {
		s.logger.Error("failed to send method not found error", slog.String("err", err.Error()))
	}
}

func (s serverSession) handleServerImplementationMessage(ctx context.Context, msg JSONRPCMessage) {
	// This variables is used to store all the result from the server implementation
	// to be sent back to the client below.
	var result any
	// The err is should always an instance of JSONRPCError, we declare it as an error type,
	// is for the nil-check feature.
	var err error

	switch msg.Method {
	case MethodPromptsList:
		result, err = s.callListPrompts(ctx, msg)
	case MethodPromptsGet:
		result, err = s.callGetPrompt(ctx, msg)
	case MethodResourcesList:
		result, err = s.callListResources(ctx, msg)
	case MethodResourcesRead:
		result, err = s.callReadResource(ctx, msg)
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	case MethodLoggingSetLevel:
		err = s.callSetLogLevel(msg)
	default:
		return
	}

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}

	if err != nil {
		jsonErr := JSONRPCError{}
		if errors.As(err, &jsonErr) {
			s.logger.Error("failed to call server implementation",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
			resMsg.Error = &jsonErr
		}
	} else if result != nil {
		// Some call doesn't return any result, so this nil check is needed.
		resMsg.Result, _ = json.Marshal(result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, resMsg); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if params.ProtocolVersion != protocolVersion {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, nil
}

func (s serverSession) progressReporter(msgID MustString) func(ProgressParams) {
	return func(params ProgressParams) {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal progress params", "err", err)
			return
		}

		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsProgress,
			Params:  paramsBs,
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()

		if err := s.session.Send(ctx, msg); err != nil {
			s.logger.Error("failed to send message", "err", err)
		}
	}
}

func (s serverSession) callListPrompts(ctx context.Context, msg JSONRPCMessage) (ListPromptResult, error) {
	if s.promptServer == nil {
		return ListPromptResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	var params ListPromptsParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return ListPromptResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	ps, err := s.promptServer.ListPrompts(ctx, params, s.progressReporter(msg.ID))
	if err != nil {
		nErr := fmt.Errorf("failed to list prompts: %w", err)
		return ListPromptResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return ps, nil
}

func (s serverSession) callGetPrompt(ctx context.Context, msg JSONRPCMessage) (GetPromptResult, error) {
	if s.promptServer == nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	var params GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	p, err := s.promptServer.GetPrompt(ctx, params, s.progressReporter(msg.ID))
	if err != nil {
		nErr := fmt.Errorf("failed to get prompt: %w", err)
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return p, nil
}

func (s serverSession) callListResources(ctx context.Context, msg JSONRPCMessage) (ListResourcesResult, error) {
	if s.resourceServer == nil {
		return ListResourcesResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ListResourcesParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return ListResourcesResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	rs, err := s.resourceServer.ListResources(ctx, params, s.progressReporter(msg.ID))
	if err != nil {
		nErr := fmt.Errorf("failed to list resources: %w", err)
		return ListResourcesResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return rs, nil
}

func (s serverSession) callReadResource(ctx context.Context, msg JSONRPCMessage) (ReadResourceResult, error) {
	if s.resourceServer == nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	r, err := s.resourceServer.ReadResource(ctx, params, s.progressReporter(msg.ID))
	if err != nil {
		nErr := fmt.Errorf("failed to read resource: %w", err)
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return r, nil
}

func (s serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	ts, err := s.toolServer.ListTools(ctx, params, s.progressReporter(msg.ID))
	if err != nil {
		nErr := fmt.Errorf("failed to list tools: %w", err)
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return ts, nil
}

func (s serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	result, err := s.toolServer.CallTool(ctx, params, s.progressReporter(msg.ID))
	if err != nil {
		result = CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}
	}

	return result, nil
}

func (s serverSession) callSetLogLevel(msg JSONRPCMessage) error {
	if s.logHandler == nil {
		return JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "logging not supported by server",
		}
	}

	var params LogParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	s.logHandler.SetLogLevel(params.Level)

	return nil
}

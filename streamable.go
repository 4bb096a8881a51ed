package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// StreamableHTTPServer implements a session-multiplexed MCP transport over a single
// HTTP endpoint. POST requests carry JSON-RPC calls, GET opens the server-to-client
// event stream as Server-Sent Events, and DELETE terminates a session. Sessions are
// identified by an unguessable id issued on the initialize handshake and carried in
// the Mcp-Session-Id header; every pushed message is recorded in a per-session event
// log so a client can resume a dropped stream with the Last-Event-ID header without
// re-handshaking.
//
// The server implements both http.Handler and ServerTransport: mount it on a mux and
// feed its Sessions iterator to a Server. Instances should be created using
// NewStreamableHTTPServer and shut down using Shutdown when no longer needed.
type StreamableHTTPServer struct {
	logger *slog.Logger

	registry *sessionRegistry
	sessions chan Session

	retention   int
	idleTimeout time.Duration
	sendTimeout time.Duration
	stateless   bool

	done   chan struct{}
	closed chan struct{}
}

// StreamableHTTPServerOption represents the options for the StreamableHTTPServer.
type StreamableHTTPServerOption func(*StreamableHTTPServer)

const (
	sessionIDHeader   = "Mcp-Session-Id"
	lastEventIDHeader = "Last-Event-ID"
)

var (
	defaultEventLogRetention     = 1024
	defaultSessionIdleTimeout    = 30 * time.Minute
	defaultStreamableSendTimeout = 30 * time.Second
	defaultSessionCloseTimeout   = 5 * time.Second

	errSessionClosed   = errors.New("session is closed")
	errTransportClosed = errors.New("transport is closed")
)

// NewStreamableHTTPServer creates a new streamable HTTP transport. The returned
// server is immediately operational: its handler can be mounted and its Sessions
// iterator consumed. It must be closed using Shutdown when no longer needed.
func NewStreamableHTTPServer(options ...StreamableHTTPServerOption) *StreamableHTTPServer {
	s := &StreamableHTTPServer{
		logger:   slog.Default(),
		sessions: make(chan Session, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.retention == 0 {
		s.retention = defaultEventLogRetention
	}
	if s.idleTimeout == 0 {
		s.idleTimeout = defaultSessionIdleTimeout
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultStreamableSendTimeout
	}

	s.registry = newSessionRegistry()

	if !s.stateless && s.idleTimeout > 0 {
		go s.evictIdleSessions()
	}

	return s
}

// WithStreamableHTTPServerLogger sets the logger for the streamable HTTP server.
func WithStreamableHTTPServerLogger(logger *slog.Logger) StreamableHTTPServerOption {
	return func(s *StreamableHTTPServer) {
		s.logger = logger.With(
			slog.String("package", "streamable-mcp"),
			slog.String("component", "streamable-http-server"),
		)
	}
}

// WithEventLogRetention sets how many pushed messages are retained per session for
// stream resumption. A resume cursor older than the retained window replays only
// what is still held. Negative values disable the cap.
func WithEventLogRetention(entries int) StreamableHTTPServerOption {
	return func(s *StreamableHTTPServer) {
		s.retention = entries
	}
}

// WithSessionIdleTimeout sets how long a session may stay in the table without any
// call, subscribe, or terminate request before it is evicted. Zero keeps the
// default; negative values disable eviction.
func WithSessionIdleTimeout(timeout time.Duration) StreamableHTTPServerOption {
	return func(s *StreamableHTTPServer) {
		s.idleTimeout = timeout
	}
}

// WithStreamableSendTimeout sets how long a request handler waits for the bound
// Server to produce a result before giving up with an internal error.
func WithStreamableSendTimeout(timeout time.Duration) StreamableHTTPServerOption {
	return func(s *StreamableHTTPServer) {
		s.sendTimeout = timeout
	}
}

// WithStatelessMode makes every POST request handle its call on an ephemeral session
// that is discarded after the response, with no session table at all. No session id
// is issued, and GET and DELETE answer 405 as there is nothing to subscribe to or
// terminate.
func WithStatelessMode() StreamableHTTPServerOption {
	return func(s *StreamableHTTPServer) {
		s.stateless = true
	}
}

// Sessions implements the ServerTransport interface by yielding a new Session for
// every initialize handshake received over POST (or for every request in stateless
// mode). The iteration exits when Shutdown is called.
func (s *StreamableHTTPServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the transport: every session's stream channel is
// released and the session closed, best-effort, bounded by a per-session timeout so
// one stuck session cannot block the rest. Afterwards the session table is empty
// and any previously issued session id is invalid.
func (s *StreamableHTTPServer) Shutdown(ctx context.Context) error {
	close(s.done)

	s.registry.closeAll(s.logger, defaultSessionCloseTimeout)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close streamable HTTP server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// ServeHTTP dispatches a request on the session endpoint by HTTP method: POST for
// calls, GET for the event stream, DELETE for session termination.
func (s *StreamableHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		writeJSONRPCError(w, http.StatusMethodNotAllowed, jsonRPCSessionErrorCode, errMsgMethodNotAllowed)
	}
}

func (s *StreamableHTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	var msg JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		nErr := fmt.Errorf("failed to decode message: %w", err)
		s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
		writeJSONRPCError(w, http.StatusBadRequest, jsonRPCParseErrorCode, nErr.Error())
		return
	}

	if s.stateless {
		s.handleStatelessPost(w, r, msg)
		return
	}

	sessID := r.Header.Get(sessionIDHeader)

	switch {
	case sessID != "":
		sess, ok := s.registry.get(sessID)
		if !ok {
			writeJSONRPCError(w, http.StatusBadRequest, jsonRPCSessionErrorCode, errMsgNoValidSessionID)
			return
		}
		sess.touch()
		s.dispatch(w, r, sess, msg)
	case msg.Method == methodInitialize:
		s.handleInitialize(w, r, msg)
	default:
		writeJSONRPCError(w, http.StatusBadRequest, jsonRPCSessionErrorCode, errMsgNoValidSessionID)
	}
}

func (s *StreamableHTTPServer) handleInitialize(w http.ResponseWriter, r *http.Request, msg JSONRPCMessage) {
	sess := s.newSession()

	// The session is inserted into the table before the handshake response is
	// sent, so two concurrent initialize requests always yield two distinct
	// sessions and no request can observe a half-initialized one.
	s.registry.add(sess)

	if err := s.bindSession(r.Context(), sess); err != nil {
		s.registry.remove(sess.id)
		s.logger.Error("failed to bind session", slog.String("err", err.Error()))
		writeJSONRPCError(w, http.StatusInternalServerError, jsonRPCInternalErrorCode, errMsgInternalServerError)
		return
	}

	res, err := s.roundTrip(r.Context(), sess, msg)
	if err != nil {
		// Roll back the table mutation before responding.
		sess.Stop()
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("failed to handle initialize request", slog.String("err", err.Error()))
		writeJSONRPCError(w, http.StatusInternalServerError, jsonRPCInternalErrorCode, errMsgInternalServerError)
		return
	}

	if res.Error != nil {
		// The handshake was rejected, so the session never becomes active.
		sess.Stop()
		writeMessage(w, s.logger, res)
		return
	}

	sess.markActive()
	w.Header().Set(sessionIDHeader, sess.id)
	writeMessage(w, s.logger, res)
}

func (s *StreamableHTTPServer) handleStatelessPost(w http.ResponseWriter, r *http.Request, msg JSONRPCMessage) {
	sess := s.newSession()
	sess.markActive()
	defer sess.Stop()

	if err := s.bindSession(r.Context(), sess); err != nil {
		s.logger.Error("failed to bind session", slog.String("err", err.Error()))
		writeJSONRPCError(w, http.StatusInternalServerError, jsonRPCInternalErrorCode, errMsgInternalServerError)
		return
	}

	s.dispatch(w, r, sess, msg)
}

// dispatch forwards an ordinary message to the session bound to the Server. Requests
// wait for the synchronous result; notifications and client responses are accepted
// without a body.
func (s *StreamableHTTPServer) dispatch(w http.ResponseWriter, r *http.Request, sess *streamableSession, msg JSONRPCMessage) {
	if msg.Method != "" && msg.ID != "" {
		res, err := s.roundTrip(r.Context(), sess, msg)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, errSessionClosed) {
				writeJSONRPCError(w, http.StatusBadRequest, jsonRPCSessionErrorCode, errMsgNoValidSessionID)
				return
			}
			s.logger.Error("failed to handle request", slog.String("err", err.Error()))
			writeJSONRPCError(w, http.StatusInternalServerError, jsonRPCInternalErrorCode, errMsgInternalServerError)
			return
		}
		writeMessage(w, s.logger, res)
		return
	}

	if err := sess.deliver(r.Context(), msg); err != nil {
		if errors.Is(err, errSessionClosed) {
			writeJSONRPCError(w, http.StatusBadRequest, jsonRPCSessionErrorCode, errMsgNoValidSessionID)
			return
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// roundTrip delivers a request to the session and waits for the matching response
// from the bound Server. The session may be terminated by a concurrent DELETE while
// the call is in flight, so closure is re-checked while waiting rather than assumed.
func (s *StreamableHTTPServer) roundTrip(ctx context.Context, sess *streamableSession, msg JSONRPCMessage) (JSONRPCMessage, error) {
	results := sess.registerResponder(string(msg.ID))
	defer sess.unregisterResponder(string(msg.ID))

	if err := sess.deliver(ctx, msg); err != nil {
		return JSONRPCMessage{}, err
	}

	select {
	case res := <-results:
		return res, nil
	case <-sess.done:
		return JSONRPCMessage{}, errSessionClosed
	case <-s.done:
		return JSONRPCMessage{}, errTransportClosed
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case <-time.After(s.sendTimeout):
		return JSONRPCMessage{}, errors.New("timed out waiting for result")
	}
}

func (s *StreamableHTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.stateless {
		writeJSONRPCError(w, http.StatusMethodNotAllowed, jsonRPCSessionErrorCode, errMsgMethodNotAllowed)
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, jsonRPCSessionErrorCode, errMsgNoValidSessionID)
		return
	}
	sess, ok := s.registry.get(sessID)
	if !ok {
		writeJSONRPCError(w, http.StatusBadRequest, jsonRPCSessionErrorCode, errMsgNoValidSessionID)
		return
	}
	sess.touch()

	// A subscribe racing a still-initializing session waits for the handshake
	// acknowledgement instead of observing a half-initialized session.
	select {
	case <-sess.active:
	case <-sess.done:
		writeJSONRPCError(w, http.StatusBadRequest, jsonRPCSessionErrorCode, errMsgNoValidSessionID)
		return
	case <-s.done:
		writeJSONRPCError(w, http.StatusBadRequest, jsonRPCSessionErrorCode, errMsgNoValidSessionID)
		return
	case <-r.Context().Done():
		return
	}

	var cursor uint64
	if lastEventID := r.Header.Get(lastEventIDHeader); lastEventID != "" {
		var err error
		cursor, err = strconv.ParseUint(lastEventID, 10, 64)
		if err != nil {
			nErr := fmt.Errorf("invalid %s header: %w", lastEventIDHeader, err)
			s.logger.Warn("invalid resume cursor", slog.String("err", nErr.Error()))
			writeJSONRPCError(w, http.StatusBadRequest, jsonRPCInvalidRequestCode, nErr.Error())
			return
		}
	}

	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	// Attaching atomically supersedes a previous stream channel: a reconnect
	// replaces a stale connection, it never fans out to two readers.
	stream := newStreamChannel()
	replay := sess.attachStream(stream, cursor)

	for _, entry := range replay {
		if err := writeEvent(sseSess, entry); err != nil {
			s.logger.Warn("failed to replay event", slog.String("err", err.Error()))
			sess.detachStream(stream)
			return
		}
	}

	for {
		select {
		case <-stream.done:
			// Superseded by a newer subscribe, or the session is closing.
			return
		case <-sess.done:
			return
		case <-s.done:
			return
		case <-r.Context().Done():
			// Client disconnect releases the channel; the session stays active
			// and the event log keeps retaining for a future resume.
			sess.detachStream(stream)
			return
		case entry := <-stream.entries:
			if err := writeEvent(sseSess, entry); err != nil {
				s.logger.Warn("failed to push event", slog.String("err", err.Error()))
				sess.detachStream(stream)
				return
			}
		}
	}
}

func (s *StreamableHTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.stateless {
		writeJSONRPCError(w, http.StatusMethodNotAllowed, jsonRPCSessionErrorCode, errMsgMethodNotAllowed)
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, jsonRPCSessionErrorCode, errMsgNoValidSessionID)
		return
	}
	sess, ok := s.registry.get(sessID)
	if !ok {
		writeJSONRPCError(w, http.StatusBadRequest, jsonRPCSessionErrorCode, errMsgNoValidSessionID)
		return
	}

	sess.Stop()
	w.WriteHeader(http.StatusOK)
}

func (s *StreamableHTTPServer) newSession() *streamableSession {
	sessID := uuid.New().String()
	sess := &streamableSession{
		id:           sessID,
		log:          newEventLog(s.retention),
		logger:       s.logger.With(slog.String("sessionID", sessID)),
		receivedMsgs: make(chan JSONRPCMessage, 5),
		responders:   make(map[string]chan JSONRPCMessage),
		active:       make(chan struct{}),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	sess.remove = func() {
		s.registry.remove(sessID)
	}
	return sess
}

// bindSession feeds the session to the Sessions iterator so the Server binds it
// before the first message is delivered.
func (s *StreamableHTTPServer) bindSession(ctx context.Context, sess *streamableSession) error {
	select {
	case s.sessions <- sess:
		return nil
	case <-s.done:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *StreamableHTTPServer) evictIdleSessions() {
	interval := s.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, sess := range s.registry.idleSince(time.Now().Add(-s.idleTimeout)) {
				s.logger.Info("evicting idle session", slog.String("sessionID", sess.id))
				sess.Stop()
			}
		}
	}
}

func writeMessage(w http.ResponseWriter, logger *slog.Logger, msg JSONRPCMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		logger.Error("failed to write message", slog.String("err", err.Error()))
	}
}

func writeJSONRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	})
}

func writeEvent(sseSess *sse.Session, entry eventLogEntry) error {
	msg := &sse.Message{
		Type: sse.Type("message"),
		ID:   sse.ID(strconv.FormatUint(entry.seq, 10)),
	}
	msg.AppendData(string(entry.payload))

	if err := sseSess.Send(msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	if err := sseSess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

// streamableSession is one client's logical connection: an opaque id, the duplex
// channel to the bound Server, the owned event log, and the swappable slot holding
// the at-most-one open stream channel.
type streamableSession struct {
	id     string
	log    *eventLog
	logger *slog.Logger

	receivedMsgs chan JSONRPCMessage

	streamMu sync.Mutex
	stream   *streamChannel

	respMu     sync.Mutex
	responders map[string]chan JSONRPCMessage

	actMu        sync.Mutex
	lastActivity time.Time

	active     chan struct{}
	activeOnce sync.Once

	done     chan struct{}
	stopOnce sync.Once
	remove   func()
}

// streamChannel is the live server-to-client push channel. At most one is open per
// session; opening a new one closes the previous.
type streamChannel struct {
	entries chan eventLogEntry

	done      chan struct{}
	closeOnce sync.Once
}

func newStreamChannel() *streamChannel {
	return &streamChannel{
		entries: make(chan eventLogEntry, 16),
		done:    make(chan struct{}),
	}
}

func (c *streamChannel) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (s *streamableSession) ID() string { return s.id }

// Send routes a message from the bound Server. Responses are handed to the request
// handler waiting on the matching id; everything else is a push: it is appended to
// the event log and forwarded to the open stream channel, if any. A push with no
// open channel is retained in the log for a future resume.
func (s *streamableSession) Send(_ context.Context, msg JSONRPCMessage) error {
	if msg.Method == "" && msg.ID != "" {
		s.respMu.Lock()
		results, ok := s.responders[string(msg.ID)]
		s.respMu.Unlock()
		if !ok {
			// The caller went away before the result arrived.
			s.logger.Debug("dropping response with no waiting request", slog.String("id", string(msg.ID)))
			return nil
		}
		select {
		case results <- msg:
		default:
		}
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	// Appending and forwarding happen under the stream lock so a concurrent
	// attach observes each entry exactly once: in the replay or live, never both.
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	seq := s.log.append(payload)
	if s.stream == nil {
		return nil
	}

	select {
	case s.stream.entries <- eventLogEntry{seq: seq, payload: payload}:
		// A push delivered to an open stream counts as session activity, so a
		// client that only listens is not evicted mid-stream.
		s.touch()
	default:
		// The reader stopped draining; drop the channel and let the client
		// resume from the log.
		s.logger.Warn("stream channel is stalled, closing it", slog.String("sessionID", s.id))
		s.stream.close()
		s.stream = nil
	}
	return nil
}

// Messages implements the Session interface, yielding messages arriving over POST
// until the session is closed.
func (s *streamableSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

// Stop closes the session, releases its stream channel, and removes it from the
// session table. It is safe to call more than once.
func (s *streamableSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.streamMu.Lock()
		if s.stream != nil {
			s.stream.close()
			s.stream = nil
		}
		s.streamMu.Unlock()

		if s.remove != nil {
			s.remove()
		}
	})
}

func (s *streamableSession) markActive() {
	s.activeOnce.Do(func() {
		close(s.active)
	})
}

func (s *streamableSession) touch() {
	s.actMu.Lock()
	s.lastActivity = time.Now()
	s.actMu.Unlock()
}

func (s *streamableSession) idleSince(cutoff time.Time) bool {
	s.actMu.Lock()
	defer s.actMu.Unlock()
	return s.lastActivity.Before(cutoff)
}

func (s *streamableSession) deliver(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case s.receivedMsgs <- msg:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *streamableSession) registerResponder(msgID string) <-chan JSONRPCMessage {
	results := make(chan JSONRPCMessage, 1)
	s.respMu.Lock()
	s.responders[msgID] = results
	s.respMu.Unlock()
	return results
}

func (s *streamableSession) unregisterResponder(msgID string) {
	s.respMu.Lock()
	delete(s.responders, msgID)
	s.respMu.Unlock()
}

// attachStream installs the stream channel as the session's current one, closing any
// previous channel, and returns the retained entries past the resume cursor. The
// caller writes the replay before reading live entries, which preserves sequence
// order because every entry appended after the attach goes to the channel.
func (s *streamableSession) attachStream(stream *streamChannel, cursor uint64) []eventLogEntry {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.stream != nil {
		s.stream.close()
	}
	s.stream = stream
	return s.log.after(cursor)
}

func (s *streamableSession) detachStream(stream *streamChannel) {
	s.streamMu.Lock()
	if s.stream == stream {
		s.stream = nil
	}
	s.streamMu.Unlock()
	stream.close()
}

// sessionRegistry is the process-wide mapping from session id to session. It is an
// explicit object owned by the transport rather than a package-level table, so tests
// can run isolated instances side by side. A session is present exactly while it is
// initializing or active; closed sessions are removed, never left as tombstones.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*streamableSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*streamableSession),
	}
}

func (r *sessionRegistry) add(sess *streamableSession) {
	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()
}

func (r *sessionRegistry) get(id string) (*streamableSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *sessionRegistry) idleSince(cutoff time.Time) []*streamableSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idle []*streamableSession
	for _, sess := range r.sessions {
		if sess.idleSince(cutoff) {
			idle = append(idle, sess)
		}
	}
	return idle
}

// closeAll closes every session, best-effort: a failure or hang on one session is
// logged and does not prevent closing the rest.
func (r *sessionRegistry) closeAll(logger *slog.Logger, timeout time.Duration) {
	r.mu.Lock()
	sessions := make([]*streamableSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		stopped := make(chan struct{})
		go func(sess *streamableSession) {
			sess.Stop()
			close(stopped)
		}(sess)

		select {
		case <-stopped:
		case <-time.After(timeout):
			logger.Warn("timed out closing session", slog.String("sessionID", sess.id))
		}
	}
}

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// StreamableHTTPClient implements the client side of the streamable HTTP transport.
// Every call is sent as a POST to the single session endpoint; the session id issued
// on the initialize handshake is carried on every subsequent request. Once a session
// is established, a background GET holds the server-to-client event stream open and
// transparently reconnects with the Last-Event-ID of the last received event, so a
// dropped connection resumes without losing or duplicating pushed messages.
type StreamableHTTPClient struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	reconnectDelay time.Duration
	maxPayloadSize int
}

// StreamableHTTPClientOption represents the options for the StreamableHTTPClient.
type StreamableHTTPClientOption func(*StreamableHTTPClient)

var defaultStreamableReconnectDelay = time.Second

// NewStreamableHTTPClient creates a new streamable HTTP client that connects to the
// session endpoint at the given url.
func NewStreamableHTTPClient(url string, options ...StreamableHTTPClientOption) *StreamableHTTPClient {
	c := &StreamableHTTPClient{
		url:        url,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.reconnectDelay == 0 {
		c.reconnectDelay = defaultStreamableReconnectDelay
	}
	return c
}

// WithStreamableHTTPClientLogger sets the logger for the streamable HTTP client.
func WithStreamableHTTPClientLogger(logger *slog.Logger) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.logger = logger.With(
			slog.String("package", "streamable-mcp"),
			slog.String("component", "streamable-http-client"),
		)
	}
}

// WithStreamableHTTPClientHTTPClient sets the http.Client used for all requests.
func WithStreamableHTTPClientHTTPClient(httpClient *http.Client) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.httpClient = httpClient
	}
}

// WithStreamableHTTPClientReconnectDelay sets the delay between event stream
// reconnect attempts.
func WithStreamableHTTPClientReconnectDelay(delay time.Duration) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.reconnectDelay = delay
	}
}

// WithStreamableHTTPClientMaxPayloadSize sets the maximum size of an event read
// from the stream.
func WithStreamableHTTPClientMaxPayloadSize(size int) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.maxPayloadSize = size
	}
}

// StartSession implements the ClientTransport interface. The returned session has
// no server-side state yet; the session id is captured from the response to the
// first successful request, which the Client's initialize handshake provides.
func (c *StreamableHTTPClient) StartSession(_ context.Context) (Session, error) {
	return &streamableClientSession{
		url:            c.url,
		httpClient:     c.httpClient,
		logger:         c.logger,
		reconnectDelay: c.reconnectDelay,
		maxPayloadSize: c.maxPayloadSize,
		messages:       make(chan JSONRPCMessage, 16),
		done:           make(chan struct{}),
	}, nil
}

type streamableClientSession struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	reconnectDelay time.Duration
	maxPayloadSize int

	idMu      sync.Mutex
	sessionID string

	messages chan JSONRPCMessage

	done     chan struct{}
	stopOnce sync.Once
}

// ID returns the session id issued by the server, or an empty string before the
// handshake response arrives.
func (s *streamableClientSession) ID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return s.sessionID
}

// Send posts the message to the session endpoint. A synchronous result in the
// response body is fed to the Messages iterator; a 202 response carries no body.
// The event stream listener is started once the server issues a session id.
func (s *streamableClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessID := s.ID(); sessID != "" {
		req.Header.Set(sessionIDHeader, sessID)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusOK:
	default:
		var errMsg JSONRPCMessage
		if err := json.NewDecoder(resp.Body).Decode(&errMsg); err == nil && errMsg.Error != nil {
			return fmt.Errorf("unexpected status code %d: %w", resp.StatusCode, errMsg.Error)
		}
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if sessID := resp.Header.Get(sessionIDHeader); sessID != "" {
		s.idMu.Lock()
		fresh := s.sessionID == ""
		s.sessionID = sessID
		s.idMu.Unlock()
		if fresh {
			go s.listenStream()
		}
	}

	var resMsg JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&resMsg); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	select {
	case s.messages <- resMsg:
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Messages implements the Session interface, yielding both synchronous results and
// messages pushed over the event stream until the session is stopped.
func (s *streamableClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.messages:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

// Stop terminates the session: the event stream listener exits, and the server is
// asked to discard its session state with a best-effort DELETE.
func (s *streamableClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		sessID := s.ID()
		if sessID == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
		if err != nil {
			return
		}
		req.Header.Set(sessionIDHeader, sessID)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			s.logger.Debug("failed to terminate session", slog.String("err", err.Error()))
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	})
}

// listenStream holds the server-to-client event stream open, reconnecting with the
// last received event id until the session is stopped.
func (s *streamableClientSession) listenStream() {
	var lastEventID string

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.readStream(&lastEventID); err != nil {
			s.logger.Debug("event stream interrupted", slog.String("err", err.Error()))
		}

		select {
		case <-s.done:
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *streamableClientSession) readStream(lastEventID *string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Unblock the body read when the session is stopped.
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(sessionIDHeader, s.ID())
	if *lastEventID != "" {
		req.Header.Set(lastEventIDHeader, *lastEventID)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(resp.Body, config) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to read event: %w", err)
		}

		if ev.LastEventID != "" {
			*lastEventID = ev.LastEventID
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			s.logger.Error("failed to unmarshal event", slog.String("err", err.Error()))
			continue
		}

		select {
		case s.messages <- msg:
		case <-s.done:
			return nil
		}
	}

	return nil
}

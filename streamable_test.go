package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/streamable-mcp"
	"github.com/tmaxmax/go-sse"
)

const (
	testSessionIDHeader   = "Mcp-Session-Id"
	testProtocolVersion   = "2024-11-05"
	testSessionErrorCode  = -32000
	testNoValidSessionMsg = "no valid session id provided"
)

type mockToolServer struct{}

func (m mockToolServer) ListTools(
	context.Context,
	mcp.ListToolsParams,
	mcp.ProgressReporter,
) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{Name: "greet", Description: "Greets the given name"},
		},
	}, nil
}

func (m mockToolServer) CallTool(
	_ context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	if params.Name != "greet" {
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}

	var args struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{Type: mcp.ContentTypeText, Text: fmt.Sprintf("Hello, %s!", args.Name)},
		},
	}, nil
}

type mockToolListUpdater struct {
	updates chan struct{}
}

func (m *mockToolListUpdater) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range m.updates {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

type streamableTestEnv struct {
	httpSrv *httptest.Server
	updater *mockToolListUpdater
}

func newStreamableTestEnv(t *testing.T, options ...mcp.StreamableHTTPServerOption) streamableTestEnv {
	t.Helper()

	updater := &mockToolListUpdater{updates: make(chan struct{})}
	transport := mcp.NewStreamableHTTPServer(options...)
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0.0"}, transport,
		mcp.WithToolServer(mockToolServer{}),
		mcp.WithToolListUpdater(updater),
	)
	go srv.Serve()

	httpSrv := httptest.NewServer(transport)

	t.Cleanup(func() {
		httpSrv.Close()
		close(updater.updates)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
	})

	return streamableTestEnv{
		httpSrv: httpSrv,
		updater: updater,
	}
}

func (e streamableTestEnv) post(t *testing.T, sessID string, msg mcp.JSONRPCMessage) *http.Response {
	t.Helper()

	msgBs, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, e.httpSrv.URL, bytes.NewReader(msgBs))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessID != "" {
		req.Header.Set(testSessionIDHeader, sessID)
	}

	resp, err := e.httpSrv.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	return resp
}

// initializeSession performs the handshake and acknowledgement, returning the
// issued session id.
func (e streamableTestEnv) initializeSession(t *testing.T) string {
	t.Helper()

	params, err := json.Marshal(map[string]any{
		"protocolVersion": testProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "test-client", "version": "1.0.0"},
	})
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}

	resp := e.post(t, "", mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "init-1",
		Method:  "initialize",
		Params:  params,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	sessID := resp.Header.Get(testSessionIDHeader)
	if sessID == "" {
		t.Fatal("expected session id header on initialize response")
	}

	var res mcp.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode initialize response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected initialize error: %v", res.Error)
	}

	ackResp := e.post(t, sessID, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	})
	ackResp.Body.Close()
	if ackResp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202 for initialized notification, got %d", ackResp.StatusCode)
	}

	return sessID
}

// openStream subscribes to the session's event stream and returns a channel of
// received events. The channel is closed when the stream ends.
func (e streamableTestEnv) openStream(t *testing.T, ctx context.Context, sessID, lastEventID string) <-chan sse.Event {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.httpSrv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(testSessionIDHeader, sessID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := e.httpSrv.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected status 200 on stream, got %d", resp.StatusCode)
	}

	events := make(chan sse.Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events
}

func requireSessionError(t *testing.T, resp *http.Response, wantStatus int, wantMessage string) {
	t.Helper()
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("expected status %d, got %d", wantStatus, resp.StatusCode)
	}

	var res mcp.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if res.Error == nil {
		t.Fatal("expected error in response body")
	}
	if res.Error.Code != testSessionErrorCode {
		t.Errorf("expected error code %d, got %d", testSessionErrorCode, res.Error.Code)
	}
	if res.Error.Message != wantMessage {
		t.Errorf("expected error message %q, got %q", wantMessage, res.Error.Message)
	}
}

func TestStreamableInitialize(t *testing.T) {
	env := newStreamableTestEnv(t)

	sessID := env.initializeSession(t)
	if sessID == "" {
		t.Fatal("expected non-empty session id")
	}

	otherSessID := env.initializeSession(t)
	if otherSessID == sessID {
		t.Error("expected distinct session ids for distinct handshakes")
	}
}

func TestStreamableConcurrentInitialize(t *testing.T) {
	env := newStreamableTestEnv(t)

	params, err := json.Marshal(map[string]any{
		"protocolVersion": testProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "test-client", "version": "1.0.0"},
	})
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}
	msgBs, err := json.Marshal(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "init-1",
		Method:  "initialize",
		Params:  params,
	})
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}

	type initResult struct {
		id  string
		err error
	}
	results := make(chan initResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			req, err := http.NewRequest(http.MethodPost, env.httpSrv.URL, bytes.NewReader(msgBs))
			if err != nil {
				results <- initResult{err: err}
				return
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := env.httpSrv.Client().Do(req)
			if err != nil {
				results <- initResult{err: err}
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				results <- initResult{err: fmt.Errorf("unexpected status code %d", resp.StatusCode)}
				return
			}
			results <- initResult{id: resp.Header.Get(testSessionIDHeader)}
		}()
	}

	ids := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.err != nil {
				t.Fatalf("failed to initialize: %v", res.err)
			}
			if res.id == "" {
				t.Fatal("expected session id header on initialize response")
			}
			ids[res.id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for initialize response")
		}
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 distinct session ids, got %d", len(ids))
	}
}

func TestStreamableShutdownInvalidatesSessions(t *testing.T) {
	updater := &mockToolListUpdater{updates: make(chan struct{})}
	transport := mcp.NewStreamableHTTPServer()
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0.0"}, transport,
		mcp.WithToolServer(mockToolServer{}),
		mcp.WithToolListUpdater(updater),
	)
	go srv.Serve()

	httpSrv := httptest.NewServer(transport)
	defer httpSrv.Close()

	env := streamableTestEnv{httpSrv: httpSrv, updater: updater}
	sessID := env.initializeSession(t)

	close(updater.updates)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown server: %v", err)
	}

	// The session table is empty now, so the previously valid id is rejected.
	requireSessionError(t, env.post(t, sessID, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "1",
		Method:  mcp.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	}), http.StatusBadRequest, testNoValidSessionMsg)
}

func TestStreamableSessionValidation(t *testing.T) {
	env := newStreamableTestEnv(t)

	toolsList := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "1",
		Method:  mcp.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	}

	// No session id on a non-initialize request.
	requireSessionError(t, env.post(t, "", toolsList), http.StatusBadRequest, testNoValidSessionMsg)

	// Unknown session id.
	requireSessionError(t, env.post(t, "bogus", toolsList), http.StatusBadRequest, testNoValidSessionMsg)

	// Unknown session id on the stream endpoint.
	req, err := http.NewRequest(http.MethodGet, env.httpSrv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set(testSessionIDHeader, "bogus")
	resp, err := env.httpSrv.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	requireSessionError(t, resp, http.StatusBadRequest, testNoValidSessionMsg)
}

func TestStreamableToolCall(t *testing.T) {
	env := newStreamableTestEnv(t)
	sessID := env.initializeSession(t)

	params, err := json.Marshal(mcp.CallToolParams{
		Name:      "greet",
		Arguments: json.RawMessage(`{"name":"Alice"}`),
	})
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}

	resp := env.post(t, sessID, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "call-1",
		Method:  mcp.MethodToolsCall,
		Params:  params,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var res mcp.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if res.ID != "call-1" {
		t.Errorf("expected response id call-1, got %s", res.ID)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Hello, Alice!" {
		t.Errorf("unexpected result content: %+v", result.Content)
	}
}

func TestStreamableEventStreamResume(t *testing.T) {
	env := newStreamableTestEnv(t)
	sessID := env.initializeSession(t)

	streamCtx, streamCancel := context.WithCancel(context.Background())
	events := env.openStream(t, streamCtx, sessID, "")

	// Trigger a pushed notification and wait for it on the stream.
	env.updater.updates <- struct{}{}

	var firstID string
	select {
	case ev := <-events:
		firstID = ev.LastEventID
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		if msg.Method != "notifications/tools/list_changed" {
			t.Errorf("unexpected method: %s", msg.Method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first event")
	}
	if firstID != "1" {
		t.Errorf("expected first event id 1, got %q", firstID)
	}

	// Drop the stream, push another notification while nothing is subscribed,
	// then resume past the first event.
	streamCancel()
	env.updater.updates <- struct{}{}

	// The second push lands in the event log; give the broadcast a moment.
	time.Sleep(100 * time.Millisecond)

	resumeCtx, resumeCancel := context.WithCancel(context.Background())
	defer resumeCancel()
	resumed := env.openStream(t, resumeCtx, sessID, firstID)

	select {
	case ev := <-resumed:
		if ev.LastEventID != "2" {
			t.Errorf("expected resumed event id 2, got %q", ev.LastEventID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resumed event")
	}
}

func TestStreamableStreamSuperseded(t *testing.T) {
	env := newStreamableTestEnv(t)
	sessID := env.initializeSession(t)

	firstCtx, firstCancel := context.WithCancel(context.Background())
	defer firstCancel()
	first := env.openStream(t, firstCtx, sessID, "")

	secondCtx, secondCancel := context.WithCancel(context.Background())
	defer secondCancel()
	second := env.openStream(t, secondCtx, sessID, "")

	env.updater.updates <- struct{}{}

	select {
	case ev, ok := <-second:
		if !ok {
			t.Fatal("second stream closed unexpectedly")
		}
		if ev.LastEventID != "1" {
			t.Errorf("expected event id 1, got %q", ev.LastEventID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event on second stream")
	}

	// The first stream was superseded and must end without delivering the event.
	select {
	case ev, ok := <-first:
		if ok {
			t.Errorf("unexpected event on superseded stream: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for superseded stream to close")
	}
}

func TestStreamableDelete(t *testing.T) {
	env := newStreamableTestEnv(t)
	sessID := env.initializeSession(t)

	req, err := http.NewRequest(http.MethodDelete, env.httpSrv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set(testSessionIDHeader, sessID)
	resp, err := env.httpSrv.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 on delete, got %d", resp.StatusCode)
	}

	// The session id is invalid from now on.
	requireSessionError(t, env.post(t, sessID, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "1",
		Method:  mcp.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	}), http.StatusBadRequest, testNoValidSessionMsg)
}

func TestStreamableIdleEviction(t *testing.T) {
	env := newStreamableTestEnv(t, mcp.WithSessionIdleTimeout(200*time.Millisecond))
	sessID := env.initializeSession(t)

	// Each poll touches the session and the janitor ticks at one second
	// minimum, so wait out a full sweep interval between polls.
	deadline := time.Now().Add(8 * time.Second)
	for {
		time.Sleep(1500 * time.Millisecond)

		resp := env.post(t, sessID, mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "notifications/initialized",
		})
		resp.Body.Close()
		if resp.StatusCode == http.StatusBadRequest {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("session was not evicted after idle timeout")
		}
	}
}

func TestStreamableActiveStreamSurvivesIdleTimeout(t *testing.T) {
	env := newStreamableTestEnv(t, mcp.WithSessionIdleTimeout(200*time.Millisecond))
	sessID := env.initializeSession(t)

	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	events := env.openStream(t, streamCtx, sessID, "")

	// Keep pushes flowing past several janitor sweeps. A listening client's
	// received pushes count as activity, so the session must not be evicted.
	deadline := time.Now().Add(2500 * time.Millisecond)
	for time.Now().Before(deadline) {
		env.updater.updates <- struct{}{}
		select {
		case _, ok := <-events:
			if !ok {
				t.Fatal("stream closed while pushes were flowing")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for pushed event")
		}
		time.Sleep(100 * time.Millisecond)
	}

	resp := env.post(t, sessID, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected the session to survive, got status %d", resp.StatusCode)
	}
}

func TestStreamableStateless(t *testing.T) {
	env := newStreamableTestEnv(t, mcp.WithStatelessMode())

	// A request is served without any handshake, and no session id is issued.
	resp := env.post(t, "", mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "1",
		Method:  mcp.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(testSessionIDHeader); got != "" {
		t.Errorf("expected no session id header, got %q", got)
	}

	var res mcp.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "greet" {
		t.Errorf("unexpected tools: %+v", result.Tools)
	}

	// GET and DELETE have nothing to address.
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		req, err := http.NewRequest(method, env.httpSrv.URL, nil)
		if err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		mResp, err := env.httpSrv.Client().Do(req)
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		requireSessionError(t, mResp, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func TestStreamableClientEndToEnd(t *testing.T) {
	env := newStreamableTestEnv(t)

	toolListChanged := make(chan struct{}, 1)
	client := mcp.NewClient(
		mcp.Info{Name: "test-client", Version: "1.0.0"},
		mcp.NewStreamableHTTPClient(env.httpSrv.URL,
			mcp.WithStreamableHTTPClientReconnectDelay(50*time.Millisecond)),
		mcp.WithClientPingInterval(-1),
		mcp.WithToolListWatcher(chanToolListWatcher{toolListChanged}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	if !client.ToolServerSupported() {
		t.Fatal("expected tool server support")
	}

	tools, err := client.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "greet" {
		t.Errorf("unexpected tools: %+v", tools.Tools)
	}

	result, err := client.CallTool(ctx, mcp.CallToolParams{
		Name:      "greet",
		Arguments: json.RawMessage(`{"name":"Bob"}`),
	})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Hello, Bob!" {
		t.Errorf("unexpected result content: %+v", result.Content)
	}

	// A pushed notification arrives over the background event stream.
	env.updater.updates <- struct{}{}
	select {
	case <-toolListChanged:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tool list change notification")
	}
}

type chanToolListWatcher struct {
	changed chan struct{}
}

func (w chanToolListWatcher) OnToolListChanged() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

package hello_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/streamable-mcp"
	"github.com/MegaGrindStone/streamable-mcp/servers/hello"
)

func noProgress(mcp.ProgressParams) {}

func newTestServer(t *testing.T, options ...hello.Option) *hello.Server {
	t.Helper()

	srv := hello.NewServer(options...)

	// Drain the log stream so entries are not silently dropped while Close
	// unblocks it.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range srv.LogStreams() {
		}
	}()

	t.Cleanup(func() {
		srv.Close()
		<-drained
	})

	return srv
}

func TestListTools(t *testing.T) {
	srv := newTestServer(t)

	result, err := srv.ListTools(context.Background(), mcp.ListToolsParams{}, noProgress)
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	wantNames := []string{"greet", "multi-greet", "get-session"}
	if len(result.Tools) != len(wantNames) {
		t.Fatalf("expected %d tools, got %d", len(wantNames), len(result.Tools))
	}
	for i, want := range wantNames {
		if result.Tools[i].Name != want {
			t.Errorf("expected tool %s at index %d, got %s", want, i, result.Tools[i].Name)
		}
	}
}

func TestCallGreet(t *testing.T) {
	srv := newTestServer(t)

	result, err := srv.CallTool(context.Background(), mcp.CallToolParams{
		Name:      "greet",
		Arguments: json.RawMessage(`{"name":"Alice"}`),
	}, noProgress)
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(result.Content))
	}
	if result.Content[0].Text != "Hello, Alice!" {
		t.Errorf("unexpected greeting: %s", result.Content[0].Text)
	}
}

func TestCallGreetMissingName(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.CallTool(context.Background(), mcp.CallToolParams{
		Name:      "greet",
		Arguments: json.RawMessage(`{}`),
	}, noProgress)
	if err == nil {
		t.Fatal("expected validation error for missing name")
	}
	if !strings.Contains(err.Error(), "validation") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCallGetSessionWithoutSession(t *testing.T) {
	srv := newTestServer(t)

	// Only contexts produced by a server session carry a session id.
	_, err := srv.CallTool(context.Background(), mcp.CallToolParams{
		Name: "get-session",
	}, noProgress)
	if err == nil {
		t.Fatal("expected error when no session id is available")
	}
}

func TestCallUnknownTool(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.CallTool(context.Background(), mcp.CallToolParams{
		Name: "bogus",
	}, noProgress)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestCallMultiGreet(t *testing.T) {
	srv := newTestServer(t, hello.WithGreetDelay(time.Millisecond))

	var progress []mcp.ProgressParams
	reporter := func(params mcp.ProgressParams) {
		progress = append(progress, params)
	}

	result, err := srv.CallTool(context.Background(), mcp.CallToolParams{
		Name:      "multi-greet",
		Arguments: json.RawMessage(`{"name":"Bob","count":2}`),
		Meta:      mcp.ParamsMeta{ProgressToken: "token-1"},
	}, reporter)
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if result.Content[0].Text != "Greeted Bob 2 times" {
		t.Errorf("unexpected result: %s", result.Content[0].Text)
	}

	if len(progress) != 2 {
		t.Fatalf("expected 2 progress updates, got %d", len(progress))
	}
	for i, p := range progress {
		if p.ProgressToken != "token-1" {
			t.Errorf("unexpected progress token: %s", p.ProgressToken)
		}
		if p.Progress != float64(i+1) || p.Total != 2 {
			t.Errorf("unexpected progress values: %+v", p)
		}
	}
}

func TestCallMultiGreetCancelled(t *testing.T) {
	srv := newTestServer(t, hello.WithGreetDelay(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := srv.CallTool(ctx, mcp.CallToolParams{
		Name:      "multi-greet",
		Arguments: json.RawMessage(`{"name":"Bob"}`),
	}, noProgress)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestCloseWithoutLogStream(t *testing.T) {
	srv := hello.NewServer()

	closed := make(chan struct{})
	go func() {
		srv.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return without a log stream consumer")
	}
}

func TestSetLogLevel(t *testing.T) {
	srv := hello.NewServer()

	logs := make(chan mcp.LogParams, 10)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for params := range srv.LogStreams() {
			logs <- params
		}
	}()

	// Debug entries flow at the default level.
	if _, err := srv.ListTools(context.Background(), mcp.ListToolsParams{}, noProgress); err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	select {
	case params := <-logs:
		if params.Logger != "hello" {
			t.Errorf("unexpected logger name: %s", params.Logger)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for debug log entry")
	}

	// Raising the level filters them out.
	srv.SetLogLevel(mcp.LogLevelError)
	if _, err := srv.ListTools(context.Background(), mcp.ListToolsParams{}, noProgress); err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	select {
	case params := <-logs:
		t.Errorf("unexpected log entry after raising level: %+v", params)
	case <-time.After(100 * time.Millisecond):
	}

	srv.Close()
	<-drained
}

package mcp_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/MegaGrindStone/streamable-mcp"
)

func TestStdIOEndToEnd(t *testing.T) {
	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	serverTransport := mcp.NewStdIO(serverReader, serverWriter)
	clientTransport := mcp.NewStdIO(clientReader, clientWriter)

	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0.0"}, serverTransport,
		mcp.WithToolServer(mockToolServer{}),
	)
	go srv.Serve()

	client := mcp.NewClient(
		mcp.Info{Name: "test-client", Version: "1.0.0"},
		clientTransport,
		mcp.WithClientPingInterval(-1),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
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
		Arguments: json.RawMessage(`{"name":"Carol"}`),
	})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Hello, Carol!" {
		t.Errorf("unexpected result content: %+v", result.Content)
	}

	client.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}
}

package echo_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/MegaGrindStone/streamable-mcp"
	"github.com/MegaGrindStone/streamable-mcp/servers/echo"
)

func noProgress(mcp.ProgressParams) {}

func TestCallTool(t *testing.T) {
	srv := echo.NewServer()

	result, err := srv.CallTool(context.Background(), mcp.CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"hello there"}`),
	}, noProgress)
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(result.Content))
	}
	if result.Content[0].Text != "Echo: hello there" {
		t.Errorf("unexpected result: %s", result.Content[0].Text)
	}
}

func TestCallToolValidation(t *testing.T) {
	srv := echo.NewServer()

	testCases := []struct {
		name      string
		toolName  string
		arguments json.RawMessage
	}{
		{name: "UnknownTool", toolName: "bogus", arguments: json.RawMessage(`{"message":"hi"}`)},
		{name: "MissingMessage", toolName: "echo", arguments: json.RawMessage(`{}`)},
		{name: "EmptyArguments", toolName: "echo"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := srv.CallTool(context.Background(), mcp.CallToolParams{
				Name:      tc.toolName,
				Arguments: tc.arguments,
			}, noProgress)
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestReadResource(t *testing.T) {
	srv := echo.NewServer()

	resources, err := srv.ListResources(context.Background(), mcp.ListResourcesParams{}, noProgress)
	if err != nil {
		t.Fatalf("failed to list resources: %v", err)
	}
	if len(resources.Resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(resources.Resources))
	}

	result, err := srv.ReadResource(context.Background(), mcp.ReadResourceParams{
		URI: resources.Resources[0].URI,
	}, noProgress)
	if err != nil {
		t.Fatalf("failed to read resource: %v", err)
	}
	if len(result.Contents) != 1 || result.Contents[0].Text != "Echo!" {
		t.Errorf("unexpected contents: %+v", result.Contents)
	}

	if _, err := srv.ReadResource(context.Background(), mcp.ReadResourceParams{
		URI: "echo://bogus",
	}, noProgress); err == nil {
		t.Error("expected error for unknown resource")
	}
}

func TestGetPrompt(t *testing.T) {
	srv := echo.NewServer()

	result, err := srv.GetPrompt(context.Background(), mcp.GetPromptParams{
		Name:      "echo",
		Arguments: map[string]string{"message": "hi"},
	}, noProgress)
	if err != nil {
		t.Fatalf("failed to get prompt: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result.Messages))
	}
	if !strings.Contains(result.Messages[0].Content.Text, "hi") {
		t.Errorf("unexpected prompt message: %s", result.Messages[0].Content.Text)
	}

	if _, err := srv.GetPrompt(context.Background(), mcp.GetPromptParams{
		Name: "echo",
	}, noProgress); err == nil {
		t.Error("expected error for missing message argument")
	}
}

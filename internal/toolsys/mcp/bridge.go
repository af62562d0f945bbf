package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/relay/internal/model"
	"github.com/nextlevelbuilder/relay/internal/toolsys"
)

// newBridgeTool wraps one MCP-advertised tool as a toolsys.Tool, dispatching
// calls over client. name is the registry name after toolPrefix is applied;
// originalName is what the MCP server itself calls the tool.
func newBridgeTool(server string, mcpTool mcpgo.Tool, client *mcpclient.Client, toolPrefix string, connected *atomic.Bool) (toolsys.Tool, string) {
	registryName := mcpTool.Name
	if toolPrefix != "" {
		registryName = toolPrefix + mcpTool.Name
	}

	schema := map[string]any{}
	if b, err := json.Marshal(mcpTool.InputSchema); err == nil {
		_ = json.Unmarshal(b, &schema)
	}

	spec := model.ToolSpec{
		Name:        registryName,
		Description: mcpTool.Description,
		InputSchema: schema,
		Server:      server,
	}

	execute := func(ctx context.Context, input json.RawMessage) model.ToolResult {
		if connected != nil && !connected.Load() {
			return model.ToolResult{Error: fmt.Sprintf("mcp server %q is disconnected", server)}
		}

		var args map[string]any
		if len(input) > 0 {
			if err := json.Unmarshal(input, &args); err != nil {
				return model.ToolResult{Error: fmt.Sprintf("invalid tool input: %v", err)}
			}
		}

		req := mcpgo.CallToolRequest{}
		req.Params.Name = mcpTool.Name
		req.Params.Arguments = args

		res, err := client.CallTool(ctx, req)
		if err != nil {
			return model.ToolResult{Error: fmt.Sprintf("mcp call %s: %v", mcpTool.Name, err)}
		}
		return bridgeResultToToolResult(res)
	}

	return toolsys.Tool{Spec: spec, Execute: execute}, mcpTool.Name
}

// bridgeResultToToolResult flattens an MCP CallToolResult's content blocks
// (text and image) into the core's ToolResult shape.
func bridgeResultToToolResult(res *mcpgo.CallToolResult) model.ToolResult {
	if res == nil {
		return model.ToolResult{}
	}

	var text string
	var images []model.ResultImage
	for _, c := range res.Content {
		switch block := c.(type) {
		case mcpgo.TextContent:
			if text != "" {
				text += "\n"
			}
			text += block.Text
		case mcpgo.ImageContent:
			images = append(images, model.ResultImage{Data: block.Data, MimeType: block.MIMEType})
		}
	}

	out := model.ToolResult{Output: text, Images: images}
	if res.IsError {
		out.Error = text
	}
	return out
}

package tools

import (
	"fmt"

	"github.com/ggoodman/spotify-mcp-go/mcp"
)

// TextResult returns a successful result with a single text block.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: text}}}
}

// Errorf returns an isError result with a formatted text block.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

package tools

import (
	"context"
	"log/slog"

	"github.com/viki-ai/viki/pkg/store"
)

// Discovery is the outcome of probing a tool's MCP server.
type Discovery struct {
	FunctionCount int
	Functions     []FunctionInfo
}

// Discover probes a tool by connecting to its MCP server, listing its
// functions and tearing the session down. Used at registration time to
// validate the launch command and refresh the cached function count.
func Discover(ctx context.Context, tool store.Tool) (*Discovery, error) {
	session := NewSession(tool)
	defer session.Close()

	if err := session.Connect(ctx); err != nil {
		return nil, err
	}
	functions, err := session.ListFunctions(ctx)
	if err != nil {
		return nil, err
	}

	slog.Info("Discovered MCP tool functions",
		"tool", tool.Name,
		"functions", len(functions),
	)
	return &Discovery{FunctionCount: len(functions), Functions: functions}, nil
}

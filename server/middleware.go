package server

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// newLoggingMiddleware logs every tool call and turns handler panics and
// errors into tool error results
func newLoggingMiddleware(logger *zap.SugaredLogger) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					logger.Errorw("tool_call_panic", "tool", req.Params.Name, "panic", r)
					result, err = mcp.NewToolResultError(fmt.Sprintf("internal error in %s", req.Params.Name)), nil
				}
			}()

			result, err = next(ctx, req)
			if err != nil {
				logger.Warnw("tool_call_failed",
					"tool", req.Params.Name,
					"duration", time.Since(start),
					"error", err,
				)
				return mcp.NewToolResultError(err.Error()), nil
			}

			logger.Infow("tool_call_completed",
				"tool", req.Params.Name,
				"duration", time.Since(start),
				"is_error", result != nil && result.IsError,
			)
			return result, nil
		}
	}
}

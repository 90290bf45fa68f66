package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/anurse/pkgsearch/internal/index"
	"github.com/anurse/pkgsearch/internal/scheduler"
	"github.com/anurse/pkgsearch/internal/search"
	"github.com/anurse/pkgsearch/internal/telemetry"
	"github.com/anurse/pkgsearch/pkg/version"
)

// ServerName is reported to MCP clients.
const ServerName = "pkgsearch"

// Searcher runs ranked package searches.
type Searcher interface {
	SearchScored(ctx context.Context, term string) ([]search.Result, error)
}

// Updater runs one index update pass.
type Updater interface {
	UpdateIndex(ctx context.Context) (*index.UpdateResult, error)
}

// StatusFunc reads the current index status.
type StatusFunc func() (*index.Status, error)

// Dependencies contains the injected dependencies for Server.
type Dependencies struct {
	// Searcher answers search_packages (required).
	Searcher Searcher

	// Updater answers update_index (required).
	Updater Updater

	// Status answers index_status (required).
	Status StatusFunc

	// Scheduler is reported by index_status when set.
	Scheduler *scheduler.Scheduler

	// Metrics adds the recent query summary to index_status when set.
	Metrics *telemetry.Metrics
}

// Server is the MCP server for pkgsearch.
type Server struct {
	mcp       *mcp.Server
	searcher  Searcher
	updater   Updater
	status    StatusFunc
	scheduler *scheduler.Scheduler
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        ToolSearchPackages,
		Description: "Search the package catalog. Every whitespace separated term must match the package id, title, tags, description or authors; id matches rank highest. Returns package version keys, best first.",
	},
	{
		Name:        ToolUpdateIndex,
		Description: "Index packages published since the last successful update. The first update builds the whole index.",
	},
	{
		Name:        ToolIndexStatus,
		Description: "Report the number of indexed packages, the last update checkpoint, the update schedule and recent query statistics.",
	},
}

// NewServer creates a new MCP server.
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Searcher == nil {
		return nil, errors.New("searcher is required")
	}
	if deps.Updater == nil {
		return nil, errors.New("updater is required")
	}
	if deps.Status == nil {
		return nil, errors.New("status function is required")
	}

	s := &Server{
		searcher:  deps.Searcher,
		updater:   deps.Updater,
		status:    deps.Status,
		scheduler: deps.Scheduler,
		metrics:   deps.Metrics,
		logger:    slog.Default(),
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    ServerName,
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()

	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Info returns the server name and version.
func (s *Server) Info() (name, ver string) {
	return ServerName, version.Version
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolSearchPackages,
		Description: tools[0].Description,
	}, s.mcpSearchPackagesHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolUpdateIndex,
		Description: tools[1].Description,
	}, s.mcpUpdateIndexHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolIndexStatus,
		Description: tools[2].Description,
	}, s.mcpIndexStatusHandler)

	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

// CallTool invokes a tool by name with the given arguments, without a transport.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case ToolSearchPackages:
		if _, ok := args["query"]; !ok {
			return nil, NewInvalidParamsError("query parameter is required")
		}
		var in SearchPackagesInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.searchPackages(ctx, in)
	case ToolUpdateIndex:
		return s.updateIndex(ctx)
	case ToolIndexStatus:
		return s.indexStatus()
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func decodeArgs(args map[string]any, dst any) error {
	if len(args) == 0 {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return NewInvalidParamsError(fmt.Sprintf("invalid arguments: %v", err))
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return NewInvalidParamsError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

func (s *Server) searchPackages(ctx context.Context, in SearchPackagesInput) (*SearchPackagesOutput, error) {
	if in.Limit < 0 {
		return nil, NewInvalidParamsError("limit must not be negative")
	}
	// a blank query matches nothing
	if strings.TrimSpace(in.Query) == "" {
		return &SearchPackagesOutput{Results: []PackageResult{}}, nil
	}
	limit := in.Limit
	if limit == 0 {
		limit = DefaultSearchLimit
	}

	results, err := s.searcher.SearchScored(ctx, in.Query)
	if err != nil {
		s.logger.Warn("mcp_search_failed",
			slog.String("query", in.Query),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}

	out := &SearchPackagesOutput{
		Results: make([]PackageResult, 0, min(limit, len(results))),
		Total:   len(results),
	}
	for _, r := range results[:min(limit, len(results))] {
		out.Results = append(out.Results, PackageResult{Key: r.Key, Score: r.Score})
	}
	return out, nil
}

func (s *Server) updateIndex(ctx context.Context) (*UpdateIndexOutput, error) {
	result, err := s.updater.UpdateIndex(ctx)
	if err != nil {
		return nil, MapError(err)
	}
	return &UpdateIndexOutput{
		RunID:              result.RunID,
		Mode:               result.Mode(),
		Fetched:            result.Fetched,
		Indexed:            result.Indexed,
		PreviousCheckpoint: formatTime(result.PreviousCheckpoint),
		Checkpoint:         formatTime(result.Checkpoint),
		DurationMs:         result.Duration.Milliseconds(),
	}, nil
}

func (s *Server) indexStatus() (*IndexStatusOutput, error) {
	st, err := s.status()
	if err != nil {
		return nil, MapError(err)
	}

	out := &IndexStatusOutput{
		Index: IndexInfo{
			Path:         st.Path,
			Documents:    st.Documents,
			Checkpoint:   formatTime(st.Checkpoint),
			NeverIndexed: st.NeverIndexed(),
		},
	}
	if s.scheduler != nil {
		out.Scheduler = newSchedulerInfo(s.scheduler.Status())
	}
	if q := s.metrics.Queries(); q != nil {
		snap := q.Snapshot()
		top := snap.TopTerms
		if len(top) > 10 {
			top = top[:10]
		}
		out.Queries = &QuerySummary{
			Total:             snap.TotalQueries,
			ZeroResultPercent: snap.ZeroResultPercentage(),
			TopTerms:          top,
			ZeroResultQueries: snap.ZeroResultQueries,
		}
	}
	return out, nil
}

func (s *Server) mcpSearchPackagesHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchPackagesInput) (
	*mcp.CallToolResult,
	*SearchPackagesOutput,
	error,
) {
	out, err := s.searchPackages(ctx, input)
	if err != nil {
		return nil, nil, err
	}
	return nil, out, nil
}

func (s *Server) mcpUpdateIndexHandler(ctx context.Context, _ *mcp.CallToolRequest, _ UpdateIndexInput) (
	*mcp.CallToolResult,
	*UpdateIndexOutput,
	error,
) {
	out, err := s.updateIndex(ctx)
	if err != nil {
		return nil, nil, err
	}
	return nil, out, nil
}

func (s *Server) mcpIndexStatusHandler(_ context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult,
	*IndexStatusOutput,
	error,
) {
	out, err := s.indexStatus()
	if err != nil {
		return nil, nil, err
	}
	return nil, out, nil
}

// Serve runs the server on transport until ctx is done.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("mcp_server_starting", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("mcp_server_stopped")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

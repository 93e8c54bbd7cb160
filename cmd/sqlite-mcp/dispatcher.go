package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Rikxed/sqlite-mcp/coordinator"
)

const version = "0.4.0"

// dispatcher maps MCP tool calls onto coordinator operations. It contains
// no coordination logic of its own: arguments are normalized into
// {query, params, consistency_level, ...} bundles and handed to the layer.
type dispatcher struct {
	coord   *coordinator.Coordinator
	manager *coordinator.ConsistencyManager
}

// newDispatcher builds the MCP server surface and wraps it for stdio.
func newDispatcher(coord *coordinator.Coordinator, manager *coordinator.ConsistencyManager) *server.StdioServer {
	var d = &dispatcher{coord: coord, manager: manager}
	var s = server.NewMCPServer("sqlite-mcp", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("query",
		mcp.WithDescription("Execute a read-only SQL statement and return its rows."),
		mcp.WithString("query", mcp.Required(), mcp.Description("SQL query text")),
		mcp.WithArray("params", mcp.Description("Positional statement parameters")),
		mcp.WithString("consistency_level",
			mcp.Description("Consistency tier: read_uncommitted, read_committed (default), or serializable"),
			mcp.Enum("read_uncommitted", "read_committed", "serializable")),
	), d.handleQuery)

	s.AddTool(mcp.NewTool("query_cached",
		mcp.WithDescription("Execute a read at read_committed, serving from the consistency cache when fresh."),
		mcp.WithString("query", mcp.Required(), mcp.Description("SQL query text")),
		mcp.WithArray("params", mcp.Description("Positional statement parameters")),
		mcp.WithString("cache_key", mcp.Description("Cache key of this read. Caching is skipped if not set")),
	), d.handleQueryCached)

	s.AddTool(mcp.NewTool("update",
		mcp.WithDescription("Execute a mutating SQL statement and return the affected row count."),
		mcp.WithString("query", mcp.Required(), mcp.Description("SQL update text")),
		mcp.WithArray("params", mcp.Description("Positional statement parameters")),
	), d.handleUpdate)

	s.AddTool(mcp.NewTool("update_with_version",
		mcp.WithDescription("Execute a versioned update: the stored version is checked, incremented, "+
			"and bound (with the record id) as the trailing statement parameters."),
		mcp.WithString("query", mcp.Required(), mcp.Description("SQL update text, binding version and id last")),
		mcp.WithArray("params", mcp.Description("Leading positional parameters")),
		mcp.WithString("table", mcp.Required(), mcp.Description("Table holding the target row")),
		mcp.WithNumber("record_id", mcp.Required(), mcp.Description("Identifier of the target row")),
	), d.handleUpdateWithVersion)

	s.AddTool(mcp.NewTool("transaction",
		mcp.WithDescription("Execute multiple statements as one transaction. A failing statement rolls back all."),
		mcp.WithArray("operations", mcp.Required(),
			mcp.Description("Statements of the transaction: objects of {query, params}")),
		mcp.WithString("isolation_level",
			mcp.Description("Isolation tier: read_uncommitted, read_committed, or serializable (default)"),
			mcp.Enum("read_uncommitted", "read_committed", "serializable")),
	), d.handleTransaction)

	s.AddTool(mcp.NewTool("transaction_history",
		mcp.WithDescription("Return the most recent window of transaction log records."),
		mcp.WithNumber("limit", mcp.Description("Number of records to return (default 100)")),
	), d.handleHistory)

	s.AddTool(mcp.NewTool("cleanup_transactions",
		mcp.WithDescription("Remove transaction log records older than the given age."),
		mcp.WithNumber("max_age_hours", mcp.Description("Retention age in hours (default 24)")),
	), d.handleCleanup)

	s.AddTool(mcp.NewTool("agent_status",
		mcp.WithDescription("Report the agent identity, session, and persisted state files."),
	), d.handleStatus)

	return server.NewStdioServer(s)
}

func (d *dispatcher) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var query, err = req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tier, err := coordinator.ParseConsistency(req.GetString("consistency_level", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rows, err := d.coord.Query(ctx, query, paramsOf(req.GetArguments()), tier)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]interface{}{"rows": rows})
}

func (d *dispatcher) handleQueryCached(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var query, err = req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rows, err := d.manager.ReadWithCache(ctx, query, paramsOf(req.GetArguments()),
		req.GetString("cache_key", ""))
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]interface{}{"rows": rows})
}

func (d *dispatcher) handleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var query, err = req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := d.coord.Update(ctx, query, paramsOf(req.GetArguments()))
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]interface{}{"affected_rows": n})
}

func (d *dispatcher) handleUpdateWithVersion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var query, err = req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	table, err := req.RequireString("table")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var args = req.GetArguments()
	var rowID, ok = args["record_id"]
	if !ok {
		return mcp.NewToolResultError("record_id is required"), nil
	}
	n, err := d.manager.UpdateWithVersion(ctx, query, paramsOf(args), table, rowID)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]interface{}{"affected_rows": n})
}

func (d *dispatcher) handleTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args = req.GetArguments()

	// Round-trip through JSON to decode the operations bundle.
	var ops []coordinator.Operation
	if b, err := json.Marshal(args["operations"]); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	} else if err = json.Unmarshal(b, &ops); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decoding operations: %v", err)), nil
	}
	var tier, err = coordinator.ParseConsistency(req.GetString("isolation_level", "serializable"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	switch err = d.coord.Transact(ctx, ops, tier); coordinator.ErrorKind(err) {
	case "":
		return toolJSON(map[string]interface{}{"success": true})
	case "statement_error":
		return toolJSON(map[string]interface{}{"success": false, "error": err.Error()})
	default:
		return toolError(err), nil
	}
}

func (d *dispatcher) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var records, err = d.coord.TxnLog().History(req.GetInt("limit", 100))
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]interface{}{"transactions": records})
}

func (d *dispatcher) handleCleanup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var maxAge = time.Duration(req.GetInt("max_age_hours", 24)) * time.Hour
	var removed, err = d.coord.TxnLog().Cleanup(maxAge)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]interface{}{"removed": removed})
}

func (d *dispatcher) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolJSON(d.coord.Status())
}

// toolError renders a coordination failure with its taxonomy kind, so
// callers branch on kind rather than on message contents.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", coordinator.ErrorKind(err), err))
}

func toolJSON(v interface{}) (*mcp.CallToolResult, error) {
	var b, err = json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

func paramsOf(args map[string]interface{}) []interface{} {
	var v, _ = args["params"].([]interface{})
	return v
}

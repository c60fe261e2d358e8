package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agorai/agorai/internal/bridge/store"
	"github.com/agorai/agorai/internal/bridge/visibility"
	"github.com/agorai/agorai/internal/util/sanitize"
)

// maxTitleLen bounds agent-supplied names and titles.
const maxTitleLen = 200

func registerProjectTools(srv *server.MCPServer, h *handlers) {
	srv.AddTool(
		mcp.NewTool("create_project",
			mcp.WithDescription("Create a project. Conversations and shared memory live inside projects."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Project name")),
			mcp.WithString("description", mcp.Description("What the project is about (optional)")),
			mcp.WithString("visibility",
				mcp.Description("Who can see the project"),
				mcp.Enum("public", "team", "confidential", "restricted"),
				mcp.DefaultString("team"),
			),
			mcp.WithString("confidentiality_mode",
				mcp.Description("How strictly message confidentiality guidance is phrased"),
				mcp.Enum("normal", "strict", "flexible"),
				mcp.DefaultString("normal"),
			),
		),
		h.createProject,
	)

	srv.AddTool(
		mcp.NewTool("list_projects",
			mcp.WithDescription("List the projects your clearance admits, most recently updated first."),
		),
		h.listProjects,
	)

	srv.AddTool(
		mcp.NewTool("set_memory",
			mcp.WithDescription("Store a shared memory entry (note, decision, artifact) in a project."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project to store the entry in")),
			mcp.WithString("title", mcp.Required(), mcp.Description("Entry title")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Entry body")),
			mcp.WithString("type", mcp.Description("Entry type"), mcp.DefaultString("note")),
			mcp.WithArray("tags", mcp.Description("Tags for later filtering (optional)")),
			mcp.WithString("priority",
				mcp.Enum("low", "medium", "high"),
				mcp.DefaultString("medium"),
			),
			mcp.WithString("visibility",
				mcp.Enum("public", "team", "confidential", "restricted"),
				mcp.DefaultString("team"),
			),
		),
		h.setMemory,
	)

	srv.AddTool(
		mcp.NewTool("get_memory",
			mcp.WithDescription("Read a project's memory entries, newest first. Optional type/tag filters."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project to read from")),
			mcp.WithString("type", mcp.Description("Only entries of this type (optional)")),
			mcp.WithArray("tags", mcp.Description("Only entries carrying at least one of these tags (optional)")),
			mcp.WithNumber("limit", mcp.Description("Maximum entries to return (optional)")),
		),
		h.getMemory,
	)

	srv.AddTool(
		mcp.NewTool("delete_memory",
			mcp.WithDescription("Delete a memory entry you created."),
			mcp.WithString("entry_id", mcp.Required(), mcp.Description("Entry to delete")),
		),
		h.deleteMemory,
	)
}

func parseVisibilityArg(raw string, fallback visibility.Level) (visibility.Level, bool) {
	if raw == "" {
		return fallback, true
	}
	lvl, err := visibility.ParseLevel(raw)
	if err != nil {
		return 0, false
	}
	return lvl, true
}

func (h *handlers) createProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vis, ok := parseVisibilityArg(req.GetString("visibility", ""), visibility.Team)
	if !ok {
		return mcp.NewToolResultError("invalid visibility"), nil
	}

	project, err := h.store.CreateProject(ctx, store.NewProject{
		Name:                sanitize.Title(name, maxTitleLen),
		Description:         req.GetString("description", ""),
		Visibility:          vis,
		ConfidentialityMode: store.ConfidentialityMode(req.GetString("confidentiality_mode", "")),
		CreatedBy:           h.agentID,
	})
	return h.result(project, err)
}

func (h *handlers) listProjects(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := h.store.ListProjects(ctx, h.agentID)
	return h.result(map[string]any{"projects": projects}, err)
}

func (h *handlers) setMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vis, ok := parseVisibilityArg(req.GetString("visibility", ""), visibility.Team)
	if !ok {
		return mcp.NewToolResultError("invalid visibility"), nil
	}

	if _, err := h.store.GetProject(ctx, projectID, h.agentID); err != nil {
		return h.result(nil, err)
	}

	entry, err := h.store.SetMemory(ctx, store.NewMemoryEntry{
		ProjectID:  projectID,
		Type:       req.GetString("type", ""),
		Title:      sanitize.Title(title, maxTitleLen),
		Tags:       stringSlice(req.GetArguments()["tags"]),
		Priority:   req.GetString("priority", ""),
		Visibility: vis,
		Content:    content,
		CreatedBy:  h.agentID,
	})
	return h.result(entry, err)
}

func (h *handlers) getMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := h.store.GetProject(ctx, projectID, h.agentID); err != nil {
		return h.result(nil, err)
	}

	entries, err := h.store.GetMemory(ctx, projectID, h.agentID, store.MemoryFilter{
		Type:  req.GetString("type", ""),
		Tags:  stringSlice(req.GetArguments()["tags"]),
		Limit: req.GetInt("limit", 0),
	})
	return h.result(map[string]any{"entries": entries}, err)
}

func (h *handlers) deleteMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entryID, err := req.RequireString("entry_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	entry, err := h.store.GetMemoryEntry(ctx, entryID)
	if err != nil {
		return h.result(nil, err)
	}
	if entry.CreatedBy != h.agentID {
		return denied(), nil
	}
	if _, err := h.store.GetProject(ctx, entry.ProjectID, h.agentID); err != nil {
		return h.result(nil, err)
	}

	deleted, err := h.store.DeleteMemory(ctx, entryID)
	return h.result(map[string]any{"deleted": deleted}, err)
}

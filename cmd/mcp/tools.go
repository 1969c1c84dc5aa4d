package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AnishMulay/sandlock/internal/node"
	"github.com/AnishMulay/sandlock/internal/session"
)

func addTools(s *server.MCPServer, registry *ServerRegistry) {
	for _, t := range tools(registry) {
		s.AddTool(t.tool, t.handler)
	}
}

type toolDef struct {
	tool    mcp.Tool
	handler server.ToolHandlerFunc
}

func tools(r *ServerRegistry) []toolDef {
	return []toolDef{
		{
			mcp.NewTool("list_servers",
				mcp.WithDescription("List the configured servers and the live members of the connected cell"),
			),
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return handleListServers(ctx, r)
			},
		},
		{
			mcp.NewTool("use_server",
				mcp.WithDescription("Connect future requests to another configured server; the current session is closed"),
				mcp.WithString("server", mcp.Required(), mcp.Description("Server id from the config file")),
			),
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				id, err := request.RequireString("server")
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				if err := r.Use(ctx, id); err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return mcp.NewToolResultText(fmt.Sprintf("Using server %s", id)), nil
			},
		},
		{
			mcp.NewTool("open",
				mcp.WithDescription("Open a handle on a node, creating it and its ancestors when missing. Only one handle is held at a time."),
				mcp.WithString("path", mcp.Required(), mcp.Description("Absolute node path, e.g. /ls/local/x.txt")),
				mcp.WithString("handle_type", mcp.Required(), mcp.Description("read, write or change_acl")),
				mcp.WithString("attribute", mcp.Description("permanent (default) or ephemeral")),
				mcp.WithNumber("lock_delay", mcp.Description("Lease length in seconds, 0..60; the server default applies when omitted")),
				mcp.WithString("events", mcp.Description("Space separated event subscriptions, e.g. 'file_contents_modified child_node_added'")),
			),
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				req, err := openRequest(request)
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return execute(ctx, r, req)
			},
		},
		simpleTool(r, "close", "Release the current handle and return to the root", session.KindClose),
		simpleTool(r, "remove", "Remove the node held with a write handle", session.KindRemove),
		{
			mcp.NewTool("write_content",
				mcp.WithDescription("Replace the content of the file held with a write handle"),
				mcp.WithString("content", mcp.Required(), mcp.Description("New file content")),
			),
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				content, err := request.RequireString("content")
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return execute(ctx, r, session.Request{Kind: session.KindWriteContent, Text: content})
			},
		},
		{
			mcp.NewTool("write_acl",
				mcp.WithDescription("Bind a permission of the node held with a change_acl handle to another ACL file"),
				mcp.WithString("acl_type", mcp.Required(), mcp.Description("read, write or change_acl")),
				mcp.WithString("name", mcp.Required(), mcp.Description("ACL file name")),
			),
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				aclType, name, err := requireACL(request, "name")
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return execute(ctx, r, session.Request{Kind: session.KindWriteACL, ACLType: aclType, ACLName: name})
			},
		},
		{
			mcp.NewTool("add_clients",
				mcp.WithDescription("Add clients to the ACL file bound to a permission of the node held with a change_acl handle"),
				mcp.WithString("acl_type", mcp.Required(), mcp.Description("read, write or change_acl")),
				mcp.WithString("clients", mcp.Required(), mcp.Description("Space or comma separated client ids")),
			),
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				aclType, clients, err := requireACL(request, "clients")
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				names := splitWords(clients)
				if len(names) == 0 {
					return mcp.NewToolResultError("clients is empty"), nil
				}
				return execute(ctx, r, session.Request{Kind: session.KindWriteAddClient, ACLType: aclType, Usernames: names})
			},
		},
		simpleTool(r, "read_content", "Read the content of the current node", session.KindReadContent),
		simpleTool(r, "read_acl", "Read the ACL names of the current node", session.KindReadACL),
		{
			mcp.NewTool("node",
				mcp.WithDescription("Show the current node"),
				mcp.WithString("view", mcp.Description("data (content and metadata, default) or metadata")),
			),
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				kind := session.KindNodeData
				if optString(request, "view") == "metadata" {
					kind = session.KindNodeMetadata
				}
				return execute(ctx, r, session.Request{Kind: kind})
			},
		},
		{
			mcp.NewTool("ls",
				mcp.WithDescription("List the nodes below the current one"),
				mcp.WithNumber("depth", mcp.Description("Levels to descend, default 1")),
			),
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				depth := 1
				if d, ok := optNumber(request, "depth"); ok && d > 1 {
					depth = int(d)
				}
				return execute(ctx, r, session.Request{Kind: session.KindLs, Depth: depth})
			},
		},
		simpleTool(r, "current_handle", "Show the handle currently held", session.KindCurrHandle),
		{
			mcp.NewTool("notifications",
				mcp.WithDescription("Return the notifications received since the last call"),
			),
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return handleNotifications(ctx, r)
			},
		},
		{
			mcp.NewTool("command",
				mcp.WithDescription("Run one line of the sandlock text protocol, e.g. 'ls 2' or 'help'"),
				mcp.WithString("line", mcp.Required(), mcp.Description("Command line")),
			),
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				line, err := request.RequireString("line")
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				req, err := session.Parse(line)
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return execute(ctx, r, req)
			},
		},
	}
}

func simpleTool(r *ServerRegistry, name, description string, kind session.Kind) toolDef {
	return toolDef{
		mcp.NewTool(name, mcp.WithDescription(description)),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return execute(ctx, r, session.Request{Kind: kind})
		},
	}
}

func execute(ctx context.Context, r *ServerRegistry, req session.Request) (*mcp.CallToolResult, error) {
	c, err := r.Session(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to connect: %v", err)), nil
	}
	resp, err := c.Execute(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if resp.Exit {
		_ = r.Close(ctx)
	}
	return mcp.NewToolResultText(resp.Message), nil
}

func handleListServers(ctx context.Context, r *ServerRegistry) (*mcp.CallToolResult, error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.Servers))
	for id := range r.Servers {
		ids = append(ids, id)
	}
	def := r.DefaultServer
	r.mu.Unlock()
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("Configured servers:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "- %s: %s\n", id, r.Servers[id])
	}
	fmt.Fprintf(&b, "Default server: %s\n", def)

	c, err := r.Session(ctx)
	if err != nil {
		fmt.Fprintf(&b, "Cell members unavailable: %v\n", err)
		return mcp.NewToolResultText(b.String()), nil
	}
	out, err := c.ListServers(ctx)
	if err != nil {
		fmt.Fprintf(&b, "Cell members unavailable: %v\n", err)
		return mcp.NewToolResultText(b.String()), nil
	}
	fmt.Fprintf(&b, "Live members of cell %s:\n", out.Cell)
	for _, m := range out.Members {
		fmt.Fprintf(&b, "- %s: %s\n", m.ID, m.Address)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func handleNotifications(ctx context.Context, r *ServerRegistry) (*mcp.CallToolResult, error) {
	c, err := r.Session(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to connect: %v", err)), nil
	}

	var b strings.Builder
	events := c.Notifications()
	for {
		select {
		case n, ok := <-events:
			if !ok {
				return mcp.NewToolResultText(b.String() + "session ended\n"), nil
			}
			b.WriteString(n.Format())
			continue
		default:
		}
		break
	}
	if b.Len() == 0 {
		return mcp.NewToolResultText("no notifications"), nil
	}
	return mcp.NewToolResultText(b.String()), nil
}

func openRequest(request mcp.CallToolRequest) (session.Request, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return session.Request{}, err
	}
	ht, err := request.RequireString("handle_type")
	if err != nil {
		return session.Request{}, err
	}
	h, err := node.ParseHandleType(ht)
	if err != nil {
		return session.Request{}, err
	}

	req := session.Request{
		Kind:       session.KindOpen,
		Path:       node.CleanPath(path),
		HandleType: h,
		Attribute:  node.Permanent,
	}
	if a := optString(request, "attribute"); a != "" {
		if req.Attribute, err = node.ParseAttribute(a); err != nil {
			return session.Request{}, err
		}
	}
	if d, ok := optNumber(request, "lock_delay"); ok {
		req.LockDelay = node.NewLockDelay(int64(d))
	}
	if ev := splitWords(optString(request, "events")); len(ev) > 0 {
		req.Events = node.ParseEventTypes(ev...)
	}
	return req, nil
}

func requireACL(request mcp.CallToolRequest, second string) (node.HandleType, string, error) {
	t, err := request.RequireString("acl_type")
	if err != nil {
		return "", "", err
	}
	aclType, err := node.ParseHandleType(t)
	if err != nil {
		return "", "", err
	}
	v, err := request.RequireString(second)
	if err != nil {
		return "", "", err
	}
	return aclType, v, nil
}

func optString(request mcp.CallToolRequest, key string) string {
	s, _ := request.GetArguments()[key].(string)
	return strings.TrimSpace(s)
}

func optNumber(request mcp.CallToolRequest, key string) (float64, bool) {
	switch v := request.GetArguments()[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
}

package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"crew/internal/config"
)

// ConnectMCP connects to the named installed MCP servers and exposes each as
// a toolkit. Unknown names and failing servers are skipped with a warning so
// one broken server does not sink the request.
func ConnectMCP(ctx context.Context, servers map[string]config.MCPServer, names []string) ([]*Toolkit, func(), error) {
	var toolkits []*Toolkit
	var sessions []*mcpsdk.ClientSession

	cleanup := func() {
		for _, s := range sessions {
			s.Close()
		}
	}

	for _, name := range names {
		server, ok := servers[name]
		if !ok {
			slog.Warn("installed_mcp names unknown server", "server", name)
			continue
		}
		tk, session, err := connectOne(ctx, name, server)
		if err != nil {
			slog.Warn("mcp server unavailable", "server", name, "error", err)
			continue
		}
		toolkits = append(toolkits, tk)
		sessions = append(sessions, session)
	}
	return toolkits, cleanup, nil
}

func connectOne(ctx context.Context, name string, server config.MCPServer) (*Toolkit, *mcpsdk.ClientSession, error) {
	transport, err := serverTransport(server)
	if err != nil {
		return nil, nil, err
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "crew", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}

	tk := New("mcp:" + name)
	for _, t := range listed.Tools {
		impl := &mcpTool{session: session, info: convertToolInfo(t)}
		if err := tk.Add(ctx, impl); err != nil {
			session.Close()
			return nil, nil, err
		}
	}
	return tk, session, nil
}

func serverTransport(server config.MCPServer) (mcpsdk.Transport, error) {
	switch {
	case server.URL != "":
		return &mcpsdk.StreamableClientTransport{Endpoint: server.URL}, nil
	case server.Command != "":
		cmd := exec.Command(server.Command, server.Args...)
		cmd.Env = os.Environ()
		for k, v := range server.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	default:
		return nil, fmt.Errorf("server needs a command or a url")
	}
}

// mcpTool adapts one remote MCP tool to the eino tool interface.
type mcpTool struct {
	session *mcpsdk.ClientSession
	info    *schema.ToolInfo
}

var _ tool.InvokableTool = (*mcpTool)(nil)

func (t *mcpTool) Info(context.Context) (*schema.ToolInfo, error) {
	return t.info, nil
}

func (t *mcpTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args map[string]any
	if argumentsInJSON != "" {
		if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
			return "", fmt.Errorf("tool %s: bad arguments: %w", t.info.Name, err)
		}
	}

	result, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.info.Name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", t.info.Name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	out := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("tool %s: %s", t.info.Name, out)
	}
	return out, nil
}

// jsonSchema is the subset of JSON Schema MCP servers commonly emit.
type jsonSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Properties  map[string]*jsonSchema `json:"properties"`
	Items       *jsonSchema            `json:"items"`
	Enum        []any                  `json:"enum"`
	Required    []string               `json:"required"`
}

func convertToolInfo(t *mcpsdk.Tool) *schema.ToolInfo {
	info := &schema.ToolInfo{
		Name: t.Name,
		Desc: t.Description,
	}

	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return info
	}
	var js jsonSchema
	if err := json.Unmarshal(raw, &js); err != nil {
		return info
	}

	params := map[string]*schema.ParameterInfo{}
	required := map[string]bool{}
	for _, name := range js.Required {
		required[name] = true
	}
	for name, prop := range js.Properties {
		params[name] = convertParameter(prop, required[name])
	}
	if len(params) > 0 {
		info.ParamsOneOf = schema.NewParamsOneOfByParams(params)
	}
	return info
}

func convertParameter(js *jsonSchema, required bool) *schema.ParameterInfo {
	p := &schema.ParameterInfo{
		Desc:     js.Description,
		Required: required,
	}
	for _, e := range js.Enum {
		if s, ok := e.(string); ok {
			p.Enum = append(p.Enum, s)
		}
	}

	switch js.Type {
	case "string":
		p.Type = schema.String
	case "number":
		p.Type = schema.Number
	case "integer":
		p.Type = schema.Integer
	case "boolean":
		p.Type = schema.Boolean
	case "array":
		p.Type = schema.Array
		if js.Items != nil {
			p.ElemInfo = convertParameter(js.Items, false)
		} else {
			p.ElemInfo = &schema.ParameterInfo{Type: schema.String}
		}
	case "object":
		p.Type = schema.Object
		sub := map[string]*schema.ParameterInfo{}
		subRequired := map[string]bool{}
		for _, name := range js.Required {
			subRequired[name] = true
		}
		for name, prop := range js.Properties {
			sub[name] = convertParameter(prop, subRequired[name])
		}
		p.SubParams = sub
	default:
		p.Type = schema.String
	}
	return p
}

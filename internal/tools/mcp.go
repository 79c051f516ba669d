package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// MCPConfig describes an external MCP server. Exactly one of Command and
// URL is set.
type MCPConfig struct {
	Name    string
	Command []string
	URL     string
	Version string
}

// MCPProvider exposes the tools of an MCP server. The session is opened on
// first use and reused.
type MCPProvider struct {
	cfg       MCPConfig
	transport mcp.Transport

	mu          sync.Mutex
	session     *mcp.ClientSession
	tokenSource oauth2.TokenSource
}

// NewMCPProvider creates a provider that connects over a subprocess or
// streamable HTTP transport.
func NewMCPProvider(cfg MCPConfig) (*MCPProvider, error) {
	if cfg.Name == "" {
		return nil, errors.New("mcp provider: name is required")
	}
	if (len(cfg.Command) == 0) == (cfg.URL == "") {
		return nil, fmt.Errorf("mcp provider %s: exactly one of command or url is required", cfg.Name)
	}
	return &MCPProvider{cfg: cfg}, nil
}

// NewMCPProviderWithTransport creates a provider over a ready transport.
func NewMCPProviderWithTransport(name string, t mcp.Transport) *MCPProvider {
	return &MCPProvider{cfg: MCPConfig{Name: name}, transport: t}
}

func (p *MCPProvider) Name() string { return p.cfg.Name }

func (p *MCPProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportsAsync:        true,
		SupportedAuthMethods: []string{AuthNone, AuthBearer, AuthOAuth2ClientCredentials},
		ToolCategories:       []Category{CategoryExternal},
	}
}

// Authenticate configures the token source used by the HTTP transport. It
// must be called before the first connection.
func (p *MCPProvider) Authenticate(ctx context.Context, creds Credentials) error {
	var ts oauth2.TokenSource
	switch creds.Method {
	case "", AuthNone:
	case AuthBearer:
		if creds.Token == "" {
			return fmt.Errorf("mcp provider %s: bearer token is empty", p.cfg.Name)
		}
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token, TokenType: "Bearer"})
	case AuthOAuth2ClientCredentials:
		cc := &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.TokenURL,
			Scopes:       creds.Scopes,
		}
		ts = cc.TokenSource(context.WithoutCancel(ctx))
		if _, err := ts.Token(); err != nil {
			return fmt.Errorf("mcp provider %s: fetch token: %w", p.cfg.Name, err)
		}
	default:
		return fmt.Errorf("mcp provider %s: unsupported auth method %q", p.cfg.Name, creds.Method)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		return fmt.Errorf("mcp provider %s: already connected", p.cfg.Name)
	}
	p.tokenSource = ts
	return nil
}

func (p *MCPProvider) connect(ctx context.Context) (*mcp.ClientSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		return p.session, nil
	}

	t := p.transport
	if t == nil {
		switch {
		case len(p.cfg.Command) > 0:
			t = &mcp.CommandTransport{Command: exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)}
		default:
			httpClient := http.DefaultClient
			if p.tokenSource != nil {
				httpClient = oauth2.NewClient(context.WithoutCancel(ctx), p.tokenSource)
			}
			t = &mcp.StreamableClientTransport{Endpoint: p.cfg.URL, HTTPClient: httpClient}
		}
	}

	version := p.cfg.Version
	if version == "" {
		version = "dev"
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "harnessd", Version: version}, nil)
	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %s: %w", p.cfg.Name, err)
	}
	p.session = session
	return session, nil
}

func (p *MCPProvider) ListTools(ctx context.Context) ([]Definition, error) {
	session, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	var defs []Definition
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list tools of %s: %w", p.cfg.Name, err)
		}
		for _, tool := range res.Tools {
			defs = append(defs, Definition{
				Name:        tool.Name,
				Description: tool.Description,
				Category:    CategoryExternal,
				InputSchema: schemaMap(tool.InputSchema),
			})
		}
		if res.NextCursor == "" {
			return defs, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func schemaMap(schema interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func (p *MCPProvider) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	session, err := p.connect(ctx)
	if err != nil {
		return Result{}, err
	}
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return Result{}, fmt.Errorf("call %s on %s: %w", name, p.cfg.Name, err)
	}

	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if res.IsError {
		return Result{Error: text}, nil
	}
	if res.StructuredContent != nil {
		return Result{Success: true, Data: res.StructuredContent}, nil
	}
	return Result{Success: true, Data: text}, nil
}

// Close ends the session.
func (p *MCPProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	err := p.session.Close()
	p.session = nil
	return err
}

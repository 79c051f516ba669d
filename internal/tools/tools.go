// Package tools defines the provider abstraction the harness calls tools
// through, a name-indexed registry, and the builtin providers.
package tools

import (
	"context"
)

// Category is the functional group of a tool.
type Category string

const (
	CategoryFilesystem Category = "filesystem"
	CategorySearch     Category = "search"
	CategoryShell      Category = "shell"
	CategoryExternal   Category = "external"
)

// Auth methods.
const (
	AuthNone                    = "none"
	AuthBearer                  = "bearer"
	AuthOAuth2ClientCredentials = "oauth2_client_credentials"
)

// Definition describes one callable tool.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Category    Category               `json:"category"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// Result is the outcome of a tool call. Tool-level failures are reported
// with Success false; the error return of ExecuteTool is reserved for
// transport and provider failures.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Failure builds an unsuccessful result.
func Failure(format string, err error) Result {
	if err != nil {
		return Result{Error: format + ": " + err.Error()}
	}
	return Result{Error: format}
}

// Capabilities advertises what a provider supports.
type Capabilities struct {
	SupportsAsync        bool       `json:"supports_async"`
	SupportedAuthMethods []string   `json:"supported_auth_methods"`
	ToolCategories       []Category `json:"tool_categories"`
}

// Credentials authenticate a provider.
type Credentials struct {
	Method       string
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Provider is a source of callable tools.
type Provider interface {
	Name() string
	ListTools(ctx context.Context) ([]Definition, error)
	ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (Result, error)
	Capabilities() Capabilities
	Authenticate(ctx context.Context, creds Credentials) error
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}

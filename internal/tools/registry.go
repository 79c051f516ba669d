package tools

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
)

type entry struct {
	provider Provider
	def      Definition
}

// Registry maps tool names to the provider that serves them. Lookups never
// fall back to another provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	tools     map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		tools:     make(map[string]entry),
	}
}

// Register lists the provider's tools and indexes them. A duplicate
// provider or tool name is a conflict and nothing is registered.
func (r *Registry) Register(ctx context.Context, p Provider) error {
	defs, err := p.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools of %s: %w", p.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[p.Name()]; ok {
		return errs.NewConflict("provider", p.Name(), "already registered")
	}
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if existing, ok := r.tools[d.Name]; ok {
			return errs.NewConflict("tool", d.Name, "already provided by %s", existing.provider.Name())
		}
		if seen[d.Name] {
			return errs.NewConflict("tool", d.Name, "listed twice by %s", p.Name())
		}
		seen[d.Name] = true
	}

	r.providers[p.Name()] = p
	for _, d := range defs {
		r.tools[d.Name] = entry{provider: p, def: d}
	}
	return nil
}

// Unregister removes a provider and its tools.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return errs.NewNotFound("provider", name)
	}
	delete(r.providers, name)
	for tool, e := range r.tools {
		if e.provider.Name() == name {
			delete(r.tools, tool)
		}
	}
	return nil
}

// Lookup returns the provider and definition of a tool.
func (r *Registry) Lookup(tool string) (Provider, Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[tool]
	if !ok {
		return nil, Definition{}, errs.NewNotFound("tool", tool)
	}
	return e.provider, e.def, nil
}

// Execute calls a tool through its provider.
func (r *Registry) Execute(ctx context.Context, tool string, args map[string]interface{}) (Result, error) {
	p, _, err := r.Lookup(tool)
	if err != nil {
		return Result{}, err
	}
	return p.ExecuteTool(ctx, tool, args)
}

// Definitions returns all tool definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Providers returns the registered provider names sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SearchResult is a tool matched by Search.
type SearchResult struct {
	Tool Definition `json:"tool"`
	// Score is 3 for an exact name match, 2 when the name contains the
	// query, 1 for a description match.
	Score       int    `json:"score"`
	MatchReason string `json:"match_reason"`
}

// Search finds tools by case-insensitive name or description match. The
// query is tried as a regular expression first.
func (r *Registry) Search(query string) []SearchResult {
	if query == "" {
		return nil
	}
	q := strings.ToLower(query)
	re, _ := regexp.Compile("(?i)" + query)

	var results []SearchResult
	for _, d := range r.Definitions() {
		name := strings.ToLower(d.Name)
		desc := strings.ToLower(d.Description)
		switch {
		case name == q:
			results = append(results, SearchResult{Tool: d, Score: 3, MatchReason: "exact name match"})
		case strings.Contains(name, q) || (re != nil && re.MatchString(d.Name)):
			results = append(results, SearchResult{Tool: d, Score: 2, MatchReason: "name match"})
		case strings.Contains(desc, q) || (re != nil && re.MatchString(d.Description)):
			results = append(results, SearchResult{Tool: d, Score: 1, MatchReason: "description match"})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

// Close closes every provider that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, p := range r.providers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

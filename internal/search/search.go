// Package search answers web_search calls. Backends implement
// [Provider]; the [Manager] asks the configured primary first and falls
// back to the remaining providers, in registration order, when it
// fails.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// DefaultCount is the number of results returned when Options.Count is
// zero.
const DefaultCount = 5

// snippetLimit caps each snippet in formatted output.
const snippetLimit = 200

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options tune a query.
type Options struct {
	// Count is the maximum number of results. Zero means DefaultCount.
	Count int
	// Language is an ISO 639-1 code such as "en".
	Language string
}

func (o Options) count() int {
	if o.Count <= 0 {
		return DefaultCount
	}
	return o.Count
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// ErrNoProviders is returned by Search when nothing is registered.
var ErrNoProviders = errors.New("no search provider configured")

// Manager routes queries to providers.
type Manager struct {
	logger    *slog.Logger
	primary   string
	providers []Provider
}

// NewManager creates a manager preferring the provider named primary.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{primary: primary, logger: logger}
}

// Register adds a provider. A later provider with the same name
// replaces the earlier one.
func (m *Manager) Register(p Provider) {
	for i, existing := range m.providers {
		if existing.Name() == p.Name() {
			m.providers[i] = p
			return
		}
	}
	m.providers = append(m.providers, p)
}

// Providers returns the provider names in the order Search tries them.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for _, p := range m.ordered() {
		names = append(names, p.Name())
	}
	return names
}

func (m *Manager) ordered() []Provider {
	out := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		if p.Name() == m.primary {
			out = append(out, p)
		}
	}
	for _, p := range m.providers {
		if p.Name() != m.primary {
			out = append(out, p)
		}
	}
	return out
}

// Search runs query against the primary provider, falling back to the
// others on error. The returned error joins every provider failure.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is required")
	}
	if len(m.providers) == 0 {
		return nil, ErrNoProviders
	}

	var errs []error
	for _, p := range m.ordered() {
		results, err := p.Search(ctx, query, opts)
		if err == nil {
			if len(results) > opts.count() {
				results = results[:opts.count()]
			}
			return results, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("search provider failed", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, errors.Join(errs...)
}

// Format renders results as numbered plain text for the model.
func Format(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var b strings.Builder
	b.WriteString("Web search results:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   URL: %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   Snippet: %s\n", clip(r.Snippet, snippetLimit))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

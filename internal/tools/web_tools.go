package tools

import (
	"context"
	"errors"

	"github.com/nugget/chatty/internal/fetch"
	"github.com/nugget/chatty/internal/search"
)

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// PageFetcher downloads pages as text.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, maxChars int) (*fetch.Page, error)
}

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"What to search for."`
	Count int    `json:"count,omitempty" jsonschema:"Number of results (1-10). Defaults to 5."`
}

type browseArgs struct {
	URL      string `json:"url" jsonschema:"The page to read. A missing scheme is treated as https."`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"How much text to return. Defaults to 2000 characters."`
}

// RegisterWebTools adds web_search and browse_url. Either backend may be
// nil, in which case its tool is not registered.
func RegisterWebTools(r *Registry, s Searcher, f PageFetcher) error {
	if s != nil {
		if err := Add(r, "web_search", "Search the web for current information. Returns titles, URLs and snippets.",
			func(ctx context.Context, _ Env, a webSearchArgs) (string, error) {
				if a.Count < 0 || a.Count > 10 {
					return "", Errorf(InvalidArguments, "count must be between 1 and 10")
				}
				results, err := s.Search(ctx, a.Query, search.Options{Count: a.Count})
				switch {
				case errors.Is(err, search.ErrNoProviders):
					return "", Errorf(NotFound, "web search is not configured")
				case err != nil:
					return "", err
				}
				return search.Format(results), nil
			}); err != nil {
			return err
		}
	}

	if f == nil {
		return nil
	}
	return Add(r, "browse_url", "Fetch a web page and return its readable text. Use after web_search to read a result.",
		func(ctx context.Context, _ Env, a browseArgs) (string, error) {
			if a.MaxChars < 0 {
				return "", Errorf(InvalidArguments, "max_chars must be positive")
			}
			page, err := f.Fetch(ctx, a.URL, a.MaxChars)
			if errors.Is(err, fetch.ErrUnsupportedScheme) {
				return "", Errorf(InvalidArguments, "%v", err)
			}
			if err != nil {
				return "", err
			}
			return page.Summary(), nil
		})
}

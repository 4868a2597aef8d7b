// Package fetch downloads a web page and reduces it to readable text for
// the browse_url tool.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/chatty/internal/httpkit"
)

const (
	// DefaultMaxChars is how much extracted text a page summary keeps.
	DefaultMaxChars = 2000
	// DefaultMaxBytes caps the downloaded body.
	DefaultMaxBytes int64 = 5 << 20
)

// Page is the extracted content of one URL.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	StatusCode  int    `json:"status_code"`
}

// Summary renders the page the way browse_url reports it.
func (p *Page) Summary() string {
	text := p.Text
	if p.Truncated {
		text += "..."
	}
	if p.Title != "" {
		return fmt.Sprintf("Content from %s (%s):\n%s", p.URL, p.Title, text)
	}
	return fmt.Sprintf("Content from %s:\n%s", p.URL, text)
}

// ErrUnsupportedScheme is returned for URLs that are not http(s).
var ErrUnsupportedScheme = errors.New("only http and https URLs can be browsed")

// Fetcher downloads and extracts pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New creates a Fetcher with a 30 second timeout.
func New() *Fetcher {
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithRetry(1, time.Second)),
		maxBytes: DefaultMaxBytes,
	}
}

// Fetch downloads rawURL and extracts at most maxChars characters of
// text (DefaultMaxChars when zero). A URL without a scheme is treated
// as https. Non-2xx responses are errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: HTTP %d: %s", target, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}

	page := &Page{
		URL:         target,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}
	switch ct := strings.ToLower(page.ContentType); {
	case strings.Contains(ct, "html"), ct == "" && looksLikeHTML(body):
		page.Title, page.Text = extract(body)
	case utf8.Valid(body):
		page.Text = collapseWhitespace(string(body))
	default:
		page.Text = fmt.Sprintf("Binary content (%s), %d bytes", page.ContentType, len(body))
	}

	page.Text, page.Truncated = truncate(page.Text, maxChars)
	return page, nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	return u.String(), nil
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// truncate cuts s to n runes.
func truncate(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	return string([]rune(s)[:n]), true
}

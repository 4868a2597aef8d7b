package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title> Test   Page </title><style>body{}</style></head>
<body>
<header>Site header</header>
<nav>Navigation stuff</nav>
<script>var x = 1;</script>
<main>
<h1>Hello World</h1>
<p>This is a test paragraph with <strong>bold text</strong>.</p>
<ul><li>one</li><li>two</li></ul>
</main>
<aside>Related links</aside>
<footer>Footer stuff</footer>
</body>
</html>`

func TestExtract(t *testing.T) {
	title, text := extract([]byte(samplePage))

	if title != "Test Page" {
		t.Errorf("title = %q", title)
	}
	for _, want := range []string{"Hello World", "This is a test paragraph with bold text .", "one\ntwo"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
	for _, unwanted := range []string{"var x", "Navigation", "Footer", "Site header", "Related", "body{}", "Test Page"} {
		if strings.Contains(text, unwanted) {
			t.Errorf("text contains %q:\n%s", unwanted, text)
		}
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "chatty/") {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	page, err := New().Fetch(context.Background(), srv.URL, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Title != "Test Page" || page.StatusCode != http.StatusOK {
		t.Errorf("page = %+v", page)
	}
	if page.Truncated {
		t.Error("short page truncated")
	}
	if s := page.Summary(); !strings.HasPrefix(s, "Content from "+srv.URL) {
		t.Errorf("Summary = %q", s)
	}
}

func TestFetch_Truncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("é", 3000)))
	}))
	defer srv.Close()

	page, err := New().Fetch(context.Background(), srv.URL, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !page.Truncated {
		t.Error("expected truncation")
	}
	if n := len([]rune(page.Text)); n != DefaultMaxChars {
		t.Errorf("runes = %d, want %d", n, DefaultMaxChars)
	}
	if !strings.HasSuffix(page.Summary(), "...") {
		t.Error("summary should mark truncation")
	}
}

func TestFetch_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	if _, err := New().Fetch(context.Background(), srv.URL, 0); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v", err)
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"example.com/a", "https://example.com/a", false},
		{" http://example.com ", "http://example.com", false},
		{"", "", true},
		{"file:///etc/passwd", "", true},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("normalizeURL(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := normalizeURL("file:///x"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("err = %v, want ErrUnsupportedScheme", err)
	}
}

package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type mockProvider struct {
	name    string
	results []Result
	err     error
	calls   int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Search(_ context.Context, _ string, _ Options) ([]Result, error) {
	m.calls++
	return m.results, m.err
}

func TestManager_PrimaryFirst(t *testing.T) {
	mgr := NewManager("brave", nil)
	other := &mockProvider{name: "searxng", results: []Result{{Title: "other"}}}
	primary := &mockProvider{name: "brave", results: []Result{{Title: "primary"}}}
	mgr.Register(other)
	mgr.Register(primary)

	if got := mgr.Providers(); got[0] != "brave" || got[1] != "searxng" {
		t.Errorf("Providers = %v", got)
	}
	results, err := mgr.Search(context.Background(), "q", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Title != "primary" || other.calls != 0 {
		t.Errorf("results = %v, fallback calls = %d", results, other.calls)
	}
}

func TestManager_FallsBack(t *testing.T) {
	mgr := NewManager("a", nil)
	mgr.Register(&mockProvider{name: "a", err: errors.New("down")})
	mgr.Register(&mockProvider{name: "b", results: []Result{{Title: "1"}, {Title: "2"}, {Title: "3"}}})

	results, err := mgr.Search(context.Background(), "q", Options{Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("len = %d, want Count cap of 2", len(results))
	}
}

func TestManager_AllFail(t *testing.T) {
	mgr := NewManager("a", nil)
	mgr.Register(&mockProvider{name: "a", err: errors.New("down")})
	mgr.Register(&mockProvider{name: "b", err: errors.New("quota")})

	_, err := mgr.Search(context.Background(), "q", Options{})
	if err == nil || !strings.Contains(err.Error(), "down") || !strings.Contains(err.Error(), "quota") {
		t.Errorf("err = %v, want both failures", err)
	}
}

func TestManager_Validation(t *testing.T) {
	if _, err := NewManager("x", nil).Search(context.Background(), "q", Options{}); !errors.Is(err, ErrNoProviders) {
		t.Errorf("err = %v, want ErrNoProviders", err)
	}
	mgr := NewManager("x", nil)
	mgr.Register(&mockProvider{name: "x"})
	if _, err := mgr.Search(context.Background(), "   ", Options{}); err == nil {
		t.Error("blank query accepted")
	}
}

func TestFormat(t *testing.T) {
	if got := Format(nil); got != "No results found." {
		t.Errorf("Format(nil) = %q", got)
	}
	out := Format([]Result{
		{Title: "First", URL: "https://a.example", Snippet: strings.Repeat("x", 300)},
		{Title: "Second", URL: "https://b.example"},
	})
	for _, want := range []string{"1. First", "URL: https://a.example", "2. Second", strings.Repeat("x", 200) + "..."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, strings.Repeat("x", 201)) {
		t.Error("snippet not clipped")
	}
}

func TestSearXNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "json" || r.URL.Query().Get("q") != "go lang" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"title":"Go","url":"https://go.dev","content":"The Go language"},{"title":"Tour","url":"https://go.dev/tour"}]}`))
	}))
	defer srv.Close()

	results, err := NewSearXNG(srv.URL+"/").Search(context.Background(), "go lang", Options{Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Snippet != "The Go language" {
		t.Errorf("results = %+v", results)
	}
}

func TestSearXNG_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewSearXNG(srv.URL).Search(context.Background(), "q", Options{})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v", err)
	}
}

func TestBrave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "key" {
			t.Errorf("missing token header")
		}
		if r.URL.Query().Get("count") != "5" {
			t.Errorf("count = %q", r.URL.Query().Get("count"))
		}
		w.Write([]byte(`{"web":{"results":[{"title":"Brave","url":"https://brave.com","description":"browser"}]}}`))
	}))
	defer srv.Close()

	b := NewBrave("key")
	b.endpoint = srv.URL
	results, err := b.Search(context.Background(), "q", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].URL != "https://brave.com" {
		t.Errorf("results = %+v", results)
	}
}

const ddgPage = `<html><body>
<div class="result results_links web-result">
  <div class="links_main result__body">
    <h2 class="result__title"><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2F&rut=abc">The Go <b>Programming</b> Language</a></h2>
    <a class="result__snippet" href="#">Go is an open source
      programming language.</a>
  </div>
</div>
<div class="result">
  <div class="result__body">
    <h2><a class="result__a" href="https://example.com/second">Second</a></h2>
  </div>
</div>
<div class="result">
  <div class="result__body">
    <h2><a class="result__a" href="https://example.com/third">Third</a></h2>
    <a class="result__snippet">third snippet</a>
  </div>
</div>
</body></html>`

func TestDuckDuckGo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("q") != "golang" {
			t.Errorf("form = %v (%v)", r.PostForm, err)
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(ddgPage))
	}))
	defer srv.Close()

	d := NewDuckDuckGo()
	d.endpoint = srv.URL
	results, err := d.Search(context.Background(), "golang", Options{Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(results), results)
	}
	first := results[0]
	if first.URL != "https://go.dev/" {
		t.Errorf("URL = %q", first.URL)
	}
	if first.Title != "The Go Programming Language" {
		t.Errorf("Title = %q", first.Title)
	}
	if first.Snippet != "Go is an open source programming language." {
		t.Errorf("Snippet = %q", first.Snippet)
	}
	if results[1].Snippet != "" {
		t.Errorf("second result borrowed a snippet: %q", results[1].Snippet)
	}
}
